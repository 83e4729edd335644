package mfa

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dropDatabas3/relaypanel/internal/cache/memory"
	dtomfa "github.com/dropDatabas3/relaypanel/internal/http/dto/mfa"
	authsvc "github.com/dropDatabas3/relaypanel/internal/http/services/auth"
	jwtx "github.com/dropDatabas3/relaypanel/internal/jwt"
	"github.com/dropDatabas3/relaypanel/internal/security/secretbox"
	"github.com/dropDatabas3/relaypanel/internal/security/totp"
	mfastore "github.com/dropDatabas3/relaypanel/internal/store/mfa"
	"github.com/dropDatabas3/relaypanel/internal/store/users"
)

type env struct {
	svc      *Service
	sessions *authsvc.SessionService
	records  *mfastore.Store
	userID   string
}

func newEnv(t *testing.T) *env {
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
	records, err := mfastore.Open(filepath.Join(dir, "mfa.yaml.enc"), box)
	if err != nil {
		t.Fatal(err)
	}
	iss, err := jwtx.NewIssuer("relaypanel", filepath.Join(dir, "session.key"), box, 15*time.Minute, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	c := memory.New(time.Hour)
	sessions := authsvc.NewSessionService(authsvc.SessionDeps{Issuer: iss, Cache: c})

	u, err := usersStore.Create(users.CreateInput{Username: "admin", PasswordHash: "$argon2id$fake", Role: users.RoleAdmin})
	if err != nil {
		t.Fatal(err)
	}
	svc := NewService(Deps{
		Records:  records,
		Users:    usersStore,
		Cache:    c,
		Sessions: sessions,
	})
	return &env{svc: svc, sessions: sessions, records: records, userID: u.ID}
}

func TestTOTPSetup_ConfirmActivatesFactor(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	resp, err := e.svc.BeginTOTPSetup(ctx, e.userID)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Secret == "" || !strings.Contains(resp.OTPAuthURI, "otpauth://") {
		t.Fatalf("setup response: %+v", resp)
	}
	// pendiente != activo
	if e.records.Get(e.userID).TOTPEnabled {
		t.Fatal("totp active before confirmation")
	}

	raw, err := totp.DecodeSecret(resp.Secret)
	if err != nil {
		t.Fatal(err)
	}
	code := totp.Generate(raw, time.Now())
	if err := e.svc.ConfirmTOTP(ctx, e.userID, "fam-1", code); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !e.records.Get(e.userID).TOTPEnabled {
		t.Fatal("totp not active after confirmation")
	}
	// la sesión que confirmó queda elevada
	if m := e.sessions.MFAVerifiedMethod(ctx, "fam-1"); m != "totp" {
		t.Fatalf("family method = %q, want totp", m)
	}
	// el setup pendiente se limpió: confirmar de nuevo falla
	if err := e.svc.ConfirmTOTP(ctx, e.userID, "", code); !errors.Is(err, ErrNoPendingSetup) {
		t.Fatalf("second confirm err = %v, want ErrNoPendingSetup", err)
	}
}

func TestConfirmTOTP_WrongCodeKeepsFactorOff(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	if _, err := e.svc.BeginTOTPSetup(ctx, e.userID); err != nil {
		t.Fatal(err)
	}
	if err := e.svc.ConfirmTOTP(ctx, e.userID, "", "000000"); !errors.Is(err, ErrCodeInvalid) {
		t.Fatalf("err = %v, want ErrCodeInvalid", err)
	}
	if e.records.Get(e.userID).TOTPEnabled {
		t.Fatal("wrong code activated the factor")
	}
}

func TestConfirmTOTP_NoPendingSetup(t *testing.T) {
	e := newEnv(t)
	if err := e.svc.ConfirmTOTP(context.Background(), e.userID, "", "123456"); !errors.Is(err, ErrNoPendingSetup) {
		t.Fatalf("err = %v, want ErrNoPendingSetup", err)
	}
}

func TestBeginTOTPSetup_RestartReplacesPending(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	first, err := e.svc.BeginTOTPSetup(ctx, e.userID)
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.svc.BeginTOTPSetup(ctx, e.userID)
	if err != nil {
		t.Fatal(err)
	}
	if first.Secret == second.Secret {
		t.Fatal("restarting setup reused the secret")
	}
	// solo el secreto más nuevo confirma
	raw, _ := totp.DecodeSecret(first.Secret)
	if err := e.svc.ConfirmTOTP(ctx, e.userID, "", totp.Generate(raw, time.Now())); !errors.Is(err, ErrCodeInvalid) {
		t.Fatalf("stale secret err = %v, want ErrCodeInvalid", err)
	}
}

func TestVerifyTOTP_StepReplayRejected(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	resp, err := e.svc.BeginTOTPSetup(ctx, e.userID)
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := totp.DecodeSecret(resp.Secret)
	if err := e.svc.ConfirmTOTP(ctx, e.userID, "", totp.Generate(raw, time.Now())); err != nil {
		t.Fatal(err)
	}

	// el código usado para confirmar no vale de nuevo en el mismo step
	code := totp.Generate(raw, time.Now())
	_ = e.svc.VerifyTOTP(ctx, e.userID, "", code)
	if err := e.svc.VerifyTOTP(ctx, e.userID, "", code); !errors.Is(err, ErrCodeInvalid) {
		t.Fatalf("replayed code err = %v, want ErrCodeInvalid", err)
	}
}

func TestBackupCodes_GenerateAndStatus(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	resp, err := e.svc.GenerateBackupCodes(ctx, e.userID)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Codes) != backupCodeN {
		t.Fatalf("generated %d codes, want %d", len(resp.Codes), backupCodeN)
	}
	seen := map[string]bool{}
	for _, c := range resp.Codes {
		if c == "" || seen[c] {
			t.Fatalf("duplicate or empty code %q", c)
		}
		seen[c] = true
	}

	st, err := e.svc.Status(ctx, e.userID, "")
	if err != nil {
		t.Fatal(err)
	}
	if st.BackupCodesRemaining != backupCodeN {
		t.Fatalf("remaining = %d, want %d", st.BackupCodesRemaining, backupCodeN)
	}

	// regenerar reemplaza el set entero
	if err := e.records.ConsumeBackupCode(e.userID, resp.Codes[0]); err != nil {
		t.Fatal(err)
	}
	again, err := e.svc.GenerateBackupCodes(ctx, e.userID)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.records.ConsumeBackupCode(e.userID, resp.Codes[1]); err == nil {
		t.Fatal("old backup code survived regeneration")
	}
	if err := e.records.ConsumeBackupCode(e.userID, again.Codes[0]); err != nil {
		t.Fatalf("fresh code rejected: %v", err)
	}
}

func TestDisableTOTP_RequiresReconfirmation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	resp, err := e.svc.BeginTOTPSetup(ctx, e.userID)
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := totp.DecodeSecret(resp.Secret)
	if err := e.svc.ConfirmTOTP(ctx, e.userID, "", totp.Generate(raw, time.Now())); err != nil {
		t.Fatal(err)
	}

	if err := e.svc.DisableTOTP(ctx, e.userID, dtomfa.DisableRequest{}); !errors.Is(err, ErrCodeInvalid) {
		t.Fatalf("disable without proof err = %v, want ErrCodeInvalid", err)
	}
	if err := e.svc.DisableTOTP(ctx, e.userID, dtomfa.DisableRequest{Code: "000000"}); !errors.Is(err, ErrCodeInvalid) {
		t.Fatalf("disable with wrong code err = %v, want ErrCodeInvalid", err)
	}
	if !e.records.Get(e.userID).TOTPEnabled {
		t.Fatal("failed disable turned the factor off")
	}

	// con backup code válido sí se apaga
	codes, err := e.svc.GenerateBackupCodes(ctx, e.userID)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.svc.DisableTOTP(ctx, e.userID, dtomfa.DisableRequest{BackupCode: codes.Codes[0]}); err != nil {
		t.Fatal(err)
	}
	if e.records.Get(e.userID).TOTPEnabled {
		t.Fatal("totp still enabled after disable")
	}
}

func TestStatus_ReflectsElevation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	st, err := e.svc.Status(ctx, e.userID, "fam-9")
	if err != nil {
		t.Fatal(err)
	}
	if st.Verified || st.TOTPEnabled || st.FIDO2Enabled {
		t.Fatalf("fresh user status: %+v", st)
	}

	if err := e.sessions.MarkMFAVerified(ctx, "fam-9", "totp"); err != nil {
		t.Fatal(err)
	}
	st, err = e.svc.Status(ctx, e.userID, "fam-9")
	if err != nil {
		t.Fatal(err)
	}
	if !st.Verified || st.VerifiedMethod != "totp" {
		t.Fatalf("elevated status: %+v", st)
	}
}

func TestFIDO2_UnconfiguredReturnsSentinel(t *testing.T) {
	// Sin mfa.rp_id el wiring deja WebAuthn en nil: las operaciones FIDO2
	// deben rechazar con el sentinel, nunca dereferenciar.
	e := newEnv(t)
	ctx := context.Background()

	if _, err := e.svc.BeginRegisterDevice(ctx, e.userID); !errors.Is(err, ErrFIDO2NotConfigured) {
		t.Fatalf("BeginRegisterDevice: %v", err)
	}
	if _, err := e.svc.CompleteRegisterDevice(ctx, e.userID, "llave", []byte(`{}`)); !errors.Is(err, ErrFIDO2NotConfigured) {
		t.Fatalf("CompleteRegisterDevice: %v", err)
	}
	if _, err := e.svc.BeginAssertDevice(ctx, e.userID); !errors.Is(err, ErrFIDO2NotConfigured) {
		t.Fatalf("BeginAssertDevice: %v", err)
	}
	if err := e.svc.CompleteAssertDevice(ctx, e.userID, "fam-1", []byte(`{}`)); !errors.Is(err, ErrFIDO2NotConfigured) {
		t.Fatalf("CompleteAssertDevice: %v", err)
	}
}
