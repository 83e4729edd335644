package accounts

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/dropDatabas3/relaypanel/internal/security/secretbox"
)

func newStore(t *testing.T) (*Store, string, *secretbox.Box) {
	t.Helper()
	dir := t.TempDir()
	box, err := secretbox.Open(filepath.Join(dir, "tokens.key"))
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "tokens.yaml.enc")
	s, err := Open(path, box)
	if err != nil {
		t.Fatal(err)
	}
	return s, path, box
}

func saveInput(n int) SaveInput {
	return SaveInput{
		TenantID:    "T",
		ClientID:    "C",
		Email:       "relay@contoso.com",
		AccessToken: fmt.Sprintf("AT%d", n),
		TokenType:   "Bearer",
		Scope:       "Mail.Send offline_access",
		ExpiresAt:   time.Now().Add(time.Hour),
	}
}

func TestSave_FirstAccountBecomesDefault(t *testing.T) {
	s, _, _ := newStore(t)
	a, err := s.SaveAccountTokens(saveInput(1))
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != "T_C" {
		t.Fatalf("id = %q, want T_C", a.ID)
	}
	if got := s.DefaultAccountID(); got != "T_C" {
		t.Fatalf("default = %q, want T_C", got)
	}
}

func TestHistory_BoundedToFiveNewestFirst(t *testing.T) {
	s, _, _ := newStore(t)

	if _, err := s.SaveAccountTokens(saveInput(1)); err != nil {
		t.Fatal(err)
	}
	for n := 2; n <= 6; n++ {
		_, err := s.RefreshAccountTokens("T_C", RefreshInput{
			AccessToken: fmt.Sprintf("AT%d", n),
			TokenType:   "Bearer",
			ExpiresAt:   time.Now().Add(time.Hour),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	a, err := s.GetAccount("T_C")
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Tokens) != 5 {
		t.Fatalf("history len = %d, want 5", len(a.Tokens))
	}
	actives := 0
	for i, rec := range a.Tokens {
		if rec.IsActive {
			actives++
			if i != 0 {
				t.Fatalf("active record at index %d, want 0", i)
			}
		}
	}
	if actives != 1 {
		t.Fatalf("active records = %d, want exactly 1", actives)
	}
	if a.Tokens[0].AccessToken != "AT6" {
		t.Fatalf("newest token = %q, want AT6", a.Tokens[0].AccessToken)
	}
}

func TestRefresh_ProvenanceAndInheritance(t *testing.T) {
	s, _, _ := newStore(t)

	in := saveInput(1)
	in.RefreshToken = "RT1"
	a, err := s.SaveAccountTokens(in)
	if err != nil {
		t.Fatal(err)
	}
	acquired := a.Tokens[0].AcquiredAt

	a, err = s.RefreshAccountTokens("T_C", RefreshInput{
		AccessToken: "AT2",
		TokenType:   "Bearer",
		ExpiresAt:   time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	rec := a.Tokens[0]
	if rec.RefreshedFrom == nil || !rec.RefreshedFrom.Equal(acquired) {
		t.Fatalf("refreshed_from = %v, want %v", rec.RefreshedFrom, acquired)
	}
	// refresh token y scope heredados cuando el provider no reemite
	if rec.RefreshToken != "RT1" || rec.Scope != "Mail.Send offline_access" {
		t.Fatalf("inheritance failed: %+v", rec)
	}
}

func TestGetAccountTokens_RefreshAnnotation(t *testing.T) {
	s, _, _ := newStore(t)

	// vencido con refresh token → NeedsRefresh, no error
	in := saveInput(1)
	in.RefreshToken = "RT1"
	in.ExpiresAt = time.Now().Add(-time.Minute)
	if _, err := s.SaveAccountTokens(in); err != nil {
		t.Fatal(err)
	}
	view, err := s.GetAccountTokens("T_C")
	if err != nil {
		t.Fatal(err)
	}
	if !view.NeedsRefresh {
		t.Fatalf("expected NeedsRefresh annotation")
	}

	// vencido sin refresh token → re-auth requerido
	in2 := saveInput(2)
	in2.ClientID = "C2"
	in2.ExpiresAt = time.Now().Add(-time.Minute)
	in2.RefreshToken = ""
	if _, err := s.SaveAccountTokens(in2); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetAccountTokens("T_C2"); !errors.Is(err, ErrNoUsableToken) {
		t.Fatalf("err = %v, want ErrNoUsableToken", err)
	}

	if _, err := s.GetAccountTokens("nope"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("err = %v, want ErrAccountNotFound", err)
	}
}

func TestListAccounts_DerivedView(t *testing.T) {
	s, _, _ := newStore(t)

	if _, err := s.SaveAccountTokens(saveInput(1)); err != nil {
		t.Fatal(err)
	}
	expired := saveInput(2)
	expired.ClientID = "C2"
	expired.ExpiresAt = time.Now().Add(-time.Hour)
	if _, err := s.SaveAccountTokens(expired); err != nil {
		t.Fatal(err)
	}

	list := s.ListAccounts()
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	// default primero
	if !list[0].IsDefault || list[0].ID != "T_C" {
		t.Fatalf("default not first: %+v", list[0])
	}
	if !list[0].HasValidToken || list[1].HasValidToken {
		t.Fatalf("hasValidToken derivation wrong: %+v", list)
	}
}

func TestRemoveAccount_ReassignsDefault(t *testing.T) {
	s, _, _ := newStore(t)

	if _, err := s.SaveAccountTokens(saveInput(1)); err != nil {
		t.Fatal(err)
	}
	other := saveInput(2)
	other.ClientID = "C2"
	if _, err := s.SaveAccountTokens(other); err != nil {
		t.Fatal(err)
	}

	if err := s.RemoveAccount("T_C"); err != nil {
		t.Fatal(err)
	}
	if got := s.DefaultAccountID(); got != "T_C2" {
		t.Fatalf("default = %q, want T_C2", got)
	}
	if err := s.RemoveAccount("T_C2"); err != nil {
		t.Fatal(err)
	}
	if got := s.DefaultAccountID(); got != "" {
		t.Fatalf("default = %q, want empty", got)
	}
	if err := s.RemoveAccount("T_C2"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("remove missing = %v, want ErrAccountNotFound", err)
	}
}

func TestPersistence_SurvivesReopen(t *testing.T) {
	s, path, box := newStore(t)
	in := saveInput(1)
	in.RefreshToken = "RT1"
	if _, err := s.SaveAccountTokens(in); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(path, box)
	if err != nil {
		t.Fatal(err)
	}
	view, err := s2.GetAccountTokens("T_C")
	if err != nil {
		t.Fatal(err)
	}
	if view.Token.AccessToken != "AT1" || view.Token.RefreshToken != "RT1" {
		t.Fatalf("reloaded tokens mismatch: %+v", view.Token)
	}
	if s2.DefaultAccountID() != "T_C" {
		t.Fatalf("default lost on reload")
	}
}
