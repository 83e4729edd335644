package auth

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	dtoauth "github.com/dropDatabas3/relaypanel/internal/http/dto/auth"
	"github.com/dropDatabas3/relaypanel/internal/security/secretbox"
	"github.com/dropDatabas3/relaypanel/internal/store/mfa"
	"github.com/dropDatabas3/relaypanel/internal/store/users"
)

func newUsersService(t *testing.T) (*UsersService, *users.Store, *mfa.Store) {
	t.Helper()
	dir := t.TempDir()
	box, err := secretbox.Open(filepath.Join(dir, "master.key"))
	if err != nil {
		t.Fatal(err)
	}
	usersStore, err := users.Open(filepath.Join(dir, "users.yaml.enc"), box)
	if err != nil {
		t.Fatal(err)
	}
	mfaStore, err := mfa.Open(filepath.Join(dir, "mfa.yaml.enc"), box)
	if err != nil {
		t.Fatal(err)
	}
	return NewUsersService(UsersDeps{Users: usersStore, MFA: mfaStore}), usersStore, mfaStore
}

func TestUsersCreate_PolicyAndRole(t *testing.T) {
	svc, _, _ := newUsersService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, dtoauth.CreateUserRequest{Username: "bad name!", Password: "long-enough-password", Role: "operator"}); !errors.Is(err, ErrInvalidUsername) {
		t.Fatalf("bad username err = %v, want ErrInvalidUsername", err)
	}
	if _, err := svc.Create(ctx, dtoauth.CreateUserRequest{Username: "ops", Password: "short", Role: "operator"}); !errors.Is(err, ErrPasswordTooWeak) {
		t.Fatalf("weak password err = %v, want ErrPasswordTooWeak", err)
	}
	if _, err := svc.Create(ctx, dtoauth.CreateUserRequest{Username: "ops", Password: "long-enough-password", Role: "superuser"}); !errors.Is(err, users.ErrInvalidRole) {
		t.Fatalf("bad role err = %v, want ErrInvalidRole", err)
	}

	u, err := svc.Create(ctx, dtoauth.CreateUserRequest{Username: "ops", Password: "long-enough-password", Role: "operator"})
	if err != nil {
		t.Fatal(err)
	}
	if u.Role != users.RoleOperator || len(u.Permissions) == 0 {
		t.Fatalf("created user: role=%q perms=%v", u.Role, u.Permissions)
	}
	if u.PasswordHash == "long-enough-password" {
		t.Fatal("password stored in the clear")
	}

	if _, err := svc.Create(ctx, dtoauth.CreateUserRequest{Username: "ops", Password: "long-enough-password", Role: "viewer"}); !errors.Is(err, users.ErrDuplicate) {
		t.Fatalf("duplicate err = %v, want ErrDuplicate", err)
	}
}

func TestUsersUpdate_RoleChangeAndUnlock(t *testing.T) {
	svc, store, _ := newUsersService(t)
	ctx := context.Background()

	admin, err := svc.Create(ctx, dtoauth.CreateUserRequest{Username: "root", Password: "long-enough-password", Role: "admin"})
	if err != nil {
		t.Fatal(err)
	}
	viewer, err := svc.Create(ctx, dtoauth.CreateUserRequest{Username: "eyes", Password: "long-enough-password", Role: "viewer"})
	if err != nil {
		t.Fatal(err)
	}

	// el único admin no puede bajar de rol
	op := "operator"
	if _, err := svc.Update(ctx, admin.ID, dtoauth.UpdateUserRequest{Role: &op}); !errors.Is(err, users.ErrLastAdmin) {
		t.Fatalf("demote last admin err = %v, want ErrLastAdmin", err)
	}

	// promover al viewer sincroniza permisos
	adm := "admin"
	promoted, err := svc.Update(ctx, viewer.ID, dtoauth.UpdateUserRequest{Role: &adm})
	if err != nil {
		t.Fatal(err)
	}
	if promoted.Role != users.RoleAdmin {
		t.Fatalf("role = %q", promoted.Role)
	}

	// unlock limpia aparte del rol
	now := time.Now().Add(10 * time.Minute)
	if _, err := store.Update(viewer.ID, func(u *users.User) error {
		u.FailedAttempts = 7
		u.LockedUntil = &now
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	unlocked, err := svc.Update(ctx, viewer.ID, dtoauth.UpdateUserRequest{Unlock: true})
	if err != nil {
		t.Fatal(err)
	}
	if unlocked.FailedAttempts != 0 || unlocked.LockedUntil != nil {
		t.Fatalf("unlock left attempts=%d lockedUntil=%v", unlocked.FailedAttempts, unlocked.LockedUntil)
	}
}

func TestUsersDelete_CascadesMFAState(t *testing.T) {
	svc, _, mfaStore := newUsersService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, dtoauth.CreateUserRequest{Username: "root", Password: "long-enough-password", Role: "admin"}); err != nil {
		t.Fatal(err)
	}
	u, err := svc.Create(ctx, dtoauth.CreateUserRequest{Username: "ops", Password: "long-enough-password", Role: "operator"})
	if err != nil {
		t.Fatal(err)
	}
	if err := mfaStore.EnableTOTP(u.ID, "JBSWY3DPEHPK3PXP"); err != nil {
		t.Fatal(err)
	}

	if err := svc.Delete(ctx, u.ID); err != nil {
		t.Fatal(err)
	}
	if mfaStore.Get(u.ID).TOTPEnabled {
		t.Fatal("mfa record survived user deletion")
	}
}
