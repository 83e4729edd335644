package totp

import (
	"strings"
	"testing"
	"time"
)

func TestGenerateSecret_Base32(t *testing.T) {
	raw, b32, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret: %v", err)
	}
	if len(raw) != 20 {
		t.Fatalf("raw len = %d, want 20", len(raw))
	}
	back, err := DecodeSecret(b32)
	if err != nil {
		t.Fatalf("DecodeSecret: %v", err)
	}
	if string(back) != string(raw) {
		t.Fatalf("decode mismatch")
	}
}

func TestVerify_WindowAndReplay(t *testing.T) {
	raw, _, err := GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}
	now := time.Unix(1700000000, 0)
	code := Generate(raw, now)

	var last int64 = -1
	ok, counter := Verify(raw, code, now, 1, &last)
	if !ok {
		t.Fatalf("valid code rejected")
	}
	if counter != now.Unix()/30 {
		t.Fatalf("counter = %d, want %d", counter, now.Unix()/30)
	}

	// mismo code, step ya consumido: replay rechazado
	last = counter
	if ok, _ := Verify(raw, code, now, 1, &last); ok {
		t.Fatalf("replayed code accepted within drift window")
	}
}

func TestVerify_DriftWindow(t *testing.T) {
	raw, _, err := GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}
	now := time.Unix(1700000000, 0)

	// code del step anterior debe validar con window=1 y fallar con window=0
	prev := Generate(raw, now.Add(-30*time.Second))
	if ok, _ := Verify(raw, prev, now, 1, nil); !ok {
		t.Fatalf("previous-step code rejected with window=1")
	}
	if ok, _ := Verify(raw, prev, now, 0, nil); ok {
		// salvo colisión improbable entre steps
		t.Fatalf("previous-step code accepted with window=0")
	}
}

func TestVerify_BadInput(t *testing.T) {
	raw, _, _ := GenerateSecret()
	now := time.Now()
	for _, code := range []string{"", "123", "1234567", "abcdef"} {
		if ok, _ := Verify(raw, code, now, 1, nil); ok {
			t.Fatalf("code %q accepted", code)
		}
	}
	if !strings.HasPrefix(OTPAuthURL("RelayPanel", "admin", "SECRET"), "otpauth://totp/") {
		t.Fatalf("bad otpauth url")
	}
}
