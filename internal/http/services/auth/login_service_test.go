package auth

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/dropDatabas3/relaypanel/internal/cache"
	"github.com/dropDatabas3/relaypanel/internal/cache/memory"
	dtoauth "github.com/dropDatabas3/relaypanel/internal/http/dto/auth"
	jwtx "github.com/dropDatabas3/relaypanel/internal/jwt"
	"github.com/dropDatabas3/relaypanel/internal/security/password"
	"github.com/dropDatabas3/relaypanel/internal/security/secretbox"
	"github.com/dropDatabas3/relaypanel/internal/security/totp"
	"github.com/dropDatabas3/relaypanel/internal/store/mfa"
	"github.com/dropDatabas3/relaypanel/internal/store/users"
)

const testPassword = "correct-horse-battery"

type loginEnv struct {
	svc      *LoginService
	sessions *SessionService
	users    *users.Store
	mfa      *mfa.Store
	cache    cache.Client
	user     *users.User
}

func newLoginEnv(t *testing.T) *loginEnv {
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
	iss, err := jwtx.NewIssuer("relaypanel", filepath.Join(dir, "session.key"), box, 15*time.Minute, 7*24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	c := memory.New(time.Hour)
	sessions := NewSessionService(SessionDeps{Issuer: iss, Cache: c})

	hash, err := password.Hash(password.Default, testPassword)
	if err != nil {
		t.Fatal(err)
	}
	u, err := usersStore.Create(users.CreateInput{Username: "admin", PasswordHash: hash, Role: users.RoleAdmin})
	if err != nil {
		t.Fatal(err)
	}

	svc, err := NewLoginService(LoginDeps{
		Users:     usersStore,
		MFA:       mfaStore,
		Sessions:  sessions,
		Cache:     c,
		FailDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &loginEnv{svc: svc, sessions: sessions, users: usersStore, mfa: mfaStore, cache: c, user: u}
}

// enrollTOTP activa TOTP para el usuario de prueba y devuelve el secreto.
func (e *loginEnv) enrollTOTP(t *testing.T) []byte {
	t.Helper()
	raw, b32, err := totp.GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}
	if err := e.mfa.EnableTOTP(e.user.ID, b32); err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestLogin_PasswordOnly(t *testing.T) {
	env := newLoginEnv(t)

	res, err := env.svc.Login(context.Background(), dtoauth.LoginRequest{Username: "admin", Password: testPassword}, rcDesktop)
	if err != nil {
		t.Fatal(err)
	}
	if res.RequiresTwoFactor {
		t.Fatal("no factors enrolled but login demanded a second factor")
	}
	if res.Pair == nil || res.Pair.AccessToken == "" {
		t.Fatal("login did not issue a session")
	}

	// usernames se normalizan: mayúsculas y espacios entran igual
	if _, err := env.svc.Login(context.Background(), dtoauth.LoginRequest{Username: "  ADMIN ", Password: testPassword}, rcDesktop); err != nil {
		t.Fatalf("normalized username login: %v", err)
	}
}

func TestLogin_UnknownUserAndWrongPassword(t *testing.T) {
	env := newLoginEnv(t)
	ctx := context.Background()

	if _, err := env.svc.Login(ctx, dtoauth.LoginRequest{Username: "ghost", Password: "whatever"}, rcDesktop); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown user err = %v, want ErrInvalidCredentials", err)
	}
	if _, err := env.svc.Login(ctx, dtoauth.LoginRequest{Username: "admin", Password: "wrong"}, rcDesktop); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password err = %v, want ErrInvalidCredentials", err)
	}
}

func TestLogin_LockoutAfterRepeatedFailures(t *testing.T) {
	env := newLoginEnv(t)
	ctx := context.Background()

	for i := 0; i < defaultLockThreshold; i++ {
		if _, err := env.svc.Login(ctx, dtoauth.LoginRequest{Username: "admin", Password: "wrong"}, rcDesktop); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d err = %v", i, err)
		}
	}
	// la cuenta quedó bloqueada: ni siquiera el password correcto entra
	if _, err := env.svc.Login(ctx, dtoauth.LoginRequest{Username: "admin", Password: testPassword}, rcDesktop); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("locked account err = %v, want ErrAccountLocked", err)
	}
}

func TestLogin_TOTPGateAndChallenge(t *testing.T) {
	env := newLoginEnv(t)
	ctx := context.Background()
	secret := env.enrollTOTP(t)

	// password OK sin código: challenge pendiente, sin sesión
	res, err := env.svc.Login(ctx, dtoauth.LoginRequest{Username: "admin", Password: testPassword}, rcDesktop)
	if err != nil {
		t.Fatal(err)
	}
	if !res.RequiresTwoFactor || res.MFAToken == "" {
		t.Fatalf("expected pending challenge, got %+v", res)
	}
	if res.Pair != nil {
		t.Fatal("session issued before second factor")
	}

	// canje del mfa token con el código vigente
	code := totp.Generate(secret, time.Now())
	done, err := env.svc.Challenge(ctx, dtoauth.ChallengeRequest{MFAToken: res.MFAToken, TOTPToken: code}, rcDesktop)
	if err != nil {
		t.Fatalf("challenge: %v", err)
	}
	if done.Pair == nil || done.MFAMethod != "totp" {
		t.Fatalf("challenge result: %+v", done)
	}
	if m := env.sessions.MFAVerifiedMethod(ctx, done.Pair.FamilyID); m != "totp" {
		t.Fatalf("family not elevated, method = %q", m)
	}

	// el mfa token es single-use
	if _, err := env.svc.Challenge(ctx, dtoauth.ChallengeRequest{MFAToken: res.MFAToken, TOTPToken: code}, rcDesktop); !errors.Is(err, ErrMFATokenInvalid) {
		t.Fatalf("reused mfa token err = %v, want ErrMFATokenInvalid", err)
	}
}

func TestLogin_TOTPInline(t *testing.T) {
	env := newLoginEnv(t)
	ctx := context.Background()
	secret := env.enrollTOTP(t)

	code := totp.Generate(secret, time.Now())
	res, err := env.svc.Login(ctx, dtoauth.LoginRequest{Username: "admin", Password: testPassword, TOTPToken: code}, rcDesktop)
	if err != nil {
		t.Fatal(err)
	}
	if res.Pair == nil || res.MFAMethod != "totp" {
		t.Fatalf("inline totp login: %+v", res)
	}

	// el mismo código no vale dos veces: el step queda registrado
	if _, err := env.svc.Login(ctx, dtoauth.LoginRequest{Username: "admin", Password: testPassword, TOTPToken: code}, rcDesktop); !errors.Is(err, ErrMFAFailed) {
		t.Fatalf("totp replay err = %v, want ErrMFAFailed", err)
	}
}

func TestLogin_WrongTOTPCode(t *testing.T) {
	env := newLoginEnv(t)
	env.enrollTOTP(t)

	if _, err := env.svc.Login(context.Background(), dtoauth.LoginRequest{Username: "admin", Password: testPassword, TOTPToken: "000000"}, rcDesktop); !errors.Is(err, ErrMFAFailed) {
		t.Fatalf("err = %v, want ErrMFAFailed", err)
	}
}

func TestLogin_BackupCodeSingleUse(t *testing.T) {
	env := newLoginEnv(t)
	ctx := context.Background()
	env.enrollTOTP(t)

	codes := []string{"alpha-one", "bravo-two", "charlie-three"}
	if err := env.mfa.SetBackupCodes(env.user.ID, codes); err != nil {
		t.Fatal(err)
	}

	res, err := env.svc.Login(ctx, dtoauth.LoginRequest{Username: "admin", Password: testPassword, BackupCode: "bravo-two"}, rcDesktop)
	if err != nil {
		t.Fatal(err)
	}
	if res.MFAMethod != "backup_code" || res.BackupCodesLeft != 2 {
		t.Fatalf("backup login: method=%q left=%d", res.MFAMethod, res.BackupCodesLeft)
	}

	// consumido: el mismo código ya no entra
	if _, err := env.svc.Login(ctx, dtoauth.LoginRequest{Username: "admin", Password: testPassword, BackupCode: "bravo-two"}, rcDesktop); !errors.Is(err, ErrMFAFailed) {
		t.Fatalf("reused backup code err = %v, want ErrMFAFailed", err)
	}
}

func TestChallenge_WrongCodeBurnsToken(t *testing.T) {
	env := newLoginEnv(t)
	ctx := context.Background()
	secret := env.enrollTOTP(t)

	res, err := env.svc.Login(ctx, dtoauth.LoginRequest{Username: "admin", Password: testPassword}, rcDesktop)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.Challenge(ctx, dtoauth.ChallengeRequest{MFAToken: res.MFAToken, TOTPToken: "000000"}, rcDesktop); !errors.Is(err, ErrMFAFailed) {
		t.Fatalf("wrong code err = %v, want ErrMFAFailed", err)
	}
	// el token se quemó con el intento fallido: hay que volver a hacer login
	code := totp.Generate(secret, time.Now())
	if _, err := env.svc.Challenge(ctx, dtoauth.ChallengeRequest{MFAToken: res.MFAToken, TOTPToken: code}, rcDesktop); !errors.Is(err, ErrMFATokenInvalid) {
		t.Fatalf("burnt token err = %v, want ErrMFATokenInvalid", err)
	}
}

func TestChangePassword(t *testing.T) {
	env := newLoginEnv(t)
	ctx := context.Background()

	if err := env.svc.ChangePassword(ctx, env.user.ID, dtoauth.ChangePasswordRequest{CurrentPassword: "wrong", NewPassword: "a-long-enough-password"}, rcDesktop); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong current err = %v, want ErrInvalidCredentials", err)
	}
	if err := env.svc.ChangePassword(ctx, env.user.ID, dtoauth.ChangePasswordRequest{CurrentPassword: testPassword, NewPassword: "short"}, rcDesktop); !errors.Is(err, ErrPasswordTooWeak) {
		t.Fatalf("weak password err = %v, want ErrPasswordTooWeak", err)
	}
	if err := env.svc.ChangePassword(ctx, env.user.ID, dtoauth.ChangePasswordRequest{CurrentPassword: testPassword, NewPassword: "a-long-enough-password"}, rcDesktop); err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.Login(ctx, dtoauth.LoginRequest{Username: "admin", Password: "a-long-enough-password"}, rcDesktop); err != nil {
		t.Fatalf("login with new password: %v", err)
	}
}
