package users

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/dropDatabas3/relaypanel/internal/security/secretbox"
)

func newStore(t *testing.T) (*Store, string, *secretbox.Box) {
	t.Helper()
	dir := t.TempDir()
	box, err := secretbox.Open(filepath.Join(dir, "users.key"))
	if err != nil {
		t.Fatalf("secretbox.Open: %v", err)
	}
	path := filepath.Join(dir, "users.yaml.enc")
	s, err := Open(path, box)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s, path, box
}

func mustCreate(t *testing.T, s *Store, username string, role Role) *User {
	t.Helper()
	u, err := s.Create(CreateInput{Username: username, PasswordHash: "$argon2id$fake", Role: role})
	if err != nil {
		t.Fatalf("Create(%s): %v", username, err)
	}
	return u
}

func TestCreate_DuplicateUsername(t *testing.T) {
	s, _, _ := newStore(t)
	mustCreate(t, s, "root", RoleAdmin)
	if _, err := s.Create(CreateInput{Username: "ROOT", PasswordHash: "h", Role: RoleViewer}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
}

func TestDelete_LastAdminProtected(t *testing.T) {
	s, _, _ := newStore(t)
	admin := mustCreate(t, s, "root", RoleAdmin)
	op := mustCreate(t, s, "ops", RoleOperator)

	// el único admin no se puede borrar
	if err := s.Delete(admin.ID); !errors.Is(err, ErrLastAdmin) {
		t.Fatalf("Delete(last admin) = %v, want ErrLastAdmin", err)
	}
	// un no-admin sí
	if err := s.Delete(op.ID); err != nil {
		t.Fatalf("Delete(operator): %v", err)
	}

	// con dos admins, borrar uno está permitido
	second := mustCreate(t, s, "root2", RoleAdmin)
	if err := s.Delete(second.ID); err != nil {
		t.Fatalf("Delete(non-last admin): %v", err)
	}
	if err := s.Delete(admin.ID); !errors.Is(err, ErrLastAdmin) {
		t.Fatalf("Delete(again last admin) = %v, want ErrLastAdmin", err)
	}
}

func TestUpdate_DemoteLastAdminRejected(t *testing.T) {
	s, _, _ := newStore(t)
	admin := mustCreate(t, s, "root", RoleAdmin)

	_, err := s.Update(admin.ID, func(u *User) error {
		u.Role = RoleViewer
		return nil
	})
	if !errors.Is(err, ErrLastAdmin) {
		t.Fatalf("demote last admin = %v, want ErrLastAdmin", err)
	}
	got, _ := s.GetByID(admin.ID)
	if got.Role != RoleAdmin {
		t.Fatalf("role mutated despite rejection")
	}
}

func TestLockout_ThresholdAndReset(t *testing.T) {
	s, _, _ := newStore(t)
	u := mustCreate(t, s, "root", RoleAdmin)

	for i := 0; i < 3; i++ {
		if err := s.RecordFailedLogin(u.ID, 3, 10*time.Minute); err != nil {
			t.Fatalf("RecordFailedLogin: %v", err)
		}
	}
	got, _ := s.GetByID(u.ID)
	if !got.Locked(time.Now()) {
		t.Fatalf("user not locked after threshold")
	}

	if err := s.RecordLogin(u.ID); err != nil {
		t.Fatalf("RecordLogin: %v", err)
	}
	got, _ = s.GetByID(u.ID)
	if got.Locked(time.Now()) || got.FailedAttempts != 0 || got.LastLogin == nil {
		t.Fatalf("lockout state not reset: %+v", got)
	}
}

func TestOpen_ReloadsPersistedState(t *testing.T) {
	s, path, box := newStore(t)
	u := mustCreate(t, s, "root", RoleAdmin)

	s2, err := Open(path, box)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := s2.GetByUsername("root")
	if err != nil {
		t.Fatalf("GetByUsername after reload: %v", err)
	}
	if got.ID != u.ID {
		t.Fatalf("reloaded user mismatch")
	}
}

func TestOpen_CorruptBlobFatal(t *testing.T) {
	s, path, _ := newStore(t)
	mustCreate(t, s, "root", RoleAdmin)

	// blob cifrado con otra clave: tamper → Open debe fallar, no vaciar
	otherBox, err := secretbox.Open(filepath.Join(t.TempDir(), "other.key"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path, otherBox); !errors.Is(err, ErrBlobCorrupt) {
		t.Fatalf("Open(corrupt) = %v, want ErrBlobCorrupt", err)
	}
}
