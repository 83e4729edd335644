package mfa

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/dropDatabas3/relaypanel/internal/security/secretbox"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	box, err := secretbox.Open(filepath.Join(dir, "mfa.key"))
	if err != nil {
		t.Fatal(err)
	}
	s, err := Open(filepath.Join(dir, "mfa.yaml.enc"), box)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestTOTP_EnableDisable(t *testing.T) {
	s := newStore(t)

	if s.Get("u1").AnyEnabled() {
		t.Fatalf("fresh record reports enabled factor")
	}
	if err := s.EnableTOTP("u1", "SECRETB32"); err != nil {
		t.Fatal(err)
	}
	r := s.Get("u1")
	if !r.TOTPEnabled || r.TOTPSecret != "SECRETB32" {
		t.Fatalf("totp not enabled: %+v", r)
	}
	if err := s.DisableTOTP("u1"); err != nil {
		t.Fatal(err)
	}
	if r := s.Get("u1"); r.TOTPEnabled || r.TOTPSecret != "" {
		t.Fatalf("totp not cleared: %+v", r)
	}
}

func TestMarkTOTPStep_Monotonic(t *testing.T) {
	s := newStore(t)
	if err := s.MarkTOTPStep("u1", 100); err != nil {
		t.Fatal(err)
	}
	// marcar un step menor no retrocede
	if err := s.MarkTOTPStep("u1", 50); err != nil {
		t.Fatal(err)
	}
	if got := s.Get("u1").LastTOTPStep; got != 100 {
		t.Fatalf("LastTOTPStep = %d, want 100", got)
	}
}

func TestDevices_InvariantAndCounter(t *testing.T) {
	s := newStore(t)

	if err := s.AddDevice("u1", Device{ID: "d1", CredentialID: "cred", PublicKey: "pk", Counter: 10, Name: "yubikey", Registered: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if !s.Get("u1").FIDO2Enabled {
		t.Fatalf("fido2_enabled should follow non-empty device list")
	}

	// counter igual o menor: replay/clon → rechazado
	if err := s.AdvanceDeviceCounter("u1", "d1", 10); !errors.Is(err, ErrCounterReplayed) {
		t.Fatalf("equal counter = %v, want ErrCounterReplayed", err)
	}
	if err := s.AdvanceDeviceCounter("u1", "d1", 9); !errors.Is(err, ErrCounterReplayed) {
		t.Fatalf("lower counter = %v, want ErrCounterReplayed", err)
	}
	if err := s.AdvanceDeviceCounter("u1", "d1", 11); err != nil {
		t.Fatalf("advancing counter: %v", err)
	}
	r := s.Get("u1")
	if r.Devices[0].Counter != 11 || r.Devices[0].LastUsed == nil {
		t.Fatalf("counter not persisted: %+v", r.Devices[0])
	}

	if err := s.RemoveDevice("u1", "d1"); err != nil {
		t.Fatal(err)
	}
	if s.Get("u1").FIDO2Enabled {
		t.Fatalf("fido2_enabled should drop with last device")
	}
}

func TestBackupCodes_SingleUse(t *testing.T) {
	s := newStore(t)
	codes := []string{"AAAA-1111", "BBBB-2222", "CCCC-3333"}
	if err := s.SetBackupCodes("u1", codes); err != nil {
		t.Fatal(err)
	}
	if got := s.Get("u1").RemainingBackupCodes(); got != 3 {
		t.Fatalf("remaining = %d, want 3", got)
	}

	if err := s.ConsumeBackupCode("u1", "BBBB-2222"); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	// segundo intento con el mismo código: quemado para siempre
	if err := s.ConsumeBackupCode("u1", "BBBB-2222"); !errors.Is(err, ErrCodeInvalid) {
		t.Fatalf("second consume = %v, want ErrCodeInvalid", err)
	}
	if got := s.Get("u1").RemainingBackupCodes(); got != 2 {
		t.Fatalf("remaining = %d, want 2", got)
	}

	if err := s.ConsumeBackupCode("u1", "ZZZZ-9999"); !errors.Is(err, ErrCodeInvalid) {
		t.Fatalf("unknown code = %v, want ErrCodeInvalid", err)
	}
	if err := s.ConsumeBackupCode("u2", "AAAA-1111"); !errors.Is(err, ErrNoBackupCodes) {
		t.Fatalf("no codes = %v, want ErrNoBackupCodes", err)
	}
}

func TestDelete_Cascade(t *testing.T) {
	s := newStore(t)
	if err := s.EnableTOTP("u1", "SEED"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("u1"); err != nil {
		t.Fatal(err)
	}
	if s.Get("u1").AnyEnabled() {
		t.Fatalf("record survived delete")
	}
	// delete idempotente
	if err := s.Delete("u1"); err != nil {
		t.Fatal(err)
	}
}
