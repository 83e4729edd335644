package msgraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dropDatabas3/relaypanel/internal/cache/memory"
	"github.com/dropDatabas3/relaypanel/internal/security/secretbox"
	"github.com/dropDatabas3/relaypanel/internal/store/accounts"
)

// mockProvider simula los endpoints v2.0 del identity provider. pendingPolls
// controla cuántos polls responden authorization_pending antes de entregar
// tokens.
type mockProvider struct {
	mu           sync.Mutex
	pendingPolls int
	denyDevice   bool
	refreshErr   string // error code a devolver en grant_type=refresh_token
	polls        int32

	srv *httptest.Server
}

func newMockProvider(t *testing.T) *mockProvider {
	t.Helper()
	p := &mockProvider{}
	mux := http.NewServeMux()

	mux.HandleFunc("/tenant1/oauth2/v2.0/devicecode", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"device_code":      "DC1",
			"user_code":        "ABCD-1234",
			"verification_uri": "https://microsoft.com/devicelogin",
			"expires_in":       900,
			"interval":         1, // poll rápido para que el test no espere 5s por tick
		})
	})

	mux.HandleFunc("/tenant1/oauth2/v2.0/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		switch r.Form.Get("grant_type") {
		case "urn:ietf:params:oauth:grant-type:device_code":
			atomic.AddInt32(&p.polls, 1)
			p.mu.Lock()
			defer p.mu.Unlock()
			if p.denyDevice {
				writeJSON(w, map[string]any{"error": "access_denied", "error_description": "user declined"})
				return
			}
			if p.pendingPolls > 0 {
				p.pendingPolls--
				writeJSON(w, map[string]any{"error": "authorization_pending"})
				return
			}
			writeJSON(w, map[string]any{
				"access_token":  "AT1",
				"refresh_token": "RT1",
				"token_type":    "Bearer",
				"scope":         "Mail.Send offline_access",
				"expires_in":    3600,
			})
		case "refresh_token":
			p.mu.Lock()
			defer p.mu.Unlock()
			if p.refreshErr != "" {
				writeJSON(w, map[string]any{"error": p.refreshErr, "error_description": "token revoked"})
				return
			}
			writeJSON(w, map[string]any{
				"access_token": "AT-refreshed-" + r.Form.Get("refresh_token"),
				"token_type":   "Bearer",
				"expires_in":   3600,
			})
		case "client_credentials":
			writeJSON(w, map[string]any{
				"access_token": "AT-app",
				"token_type":   "Bearer",
				"expires_in":   3600,
			})
		default:
			writeJSON(w, map[string]any{"error": "unsupported_grant_type"})
		}
	})

	mux.HandleFunc("/v1.0/me", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, map[string]any{
			"displayName":       "Relay Bot",
			"mail":              "relay@contoso.com",
			"userPrincipalName": "relay@contoso.com",
		})
	})

	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

type captureAlerter struct {
	mu       sync.Mutex
	subjects []string
}

func (a *captureAlerter) Notify(_ context.Context, subject, _ string) {
	a.mu.Lock()
	a.subjects = append(a.subjects, subject)
	a.mu.Unlock()
}

func newManager(t *testing.T, p *mockProvider) (*Manager, *accounts.Store, *captureAlerter) {
	t.Helper()
	dir := t.TempDir()
	box, err := secretbox.Open(filepath.Join(dir, "tokens.key"))
	if err != nil {
		t.Fatal(err)
	}
	store, err := accounts.Open(filepath.Join(dir, "tokens.yaml.enc"), box)
	if err != nil {
		t.Fatal(err)
	}

	cl := New("tenant1", "client1", "")
	cl.LoginBase = p.srv.URL
	cl.GraphBase = p.srv.URL

	al := &captureAlerter{}
	m := NewManager(ManagerDeps{
		Client:      cl,
		Accounts:    store,
		Cache:       memory.New(time.Minute),
		Alerter:     al,
		Scopes:      []string{"Mail.Send", "offline_access"},
		RedirectURI: "http://localhost/callback",
	})
	return m, store, al
}

func waitTerminal(t *testing.T, m *Manager, flowID string) FlowStatus {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		st, err := m.Flow(flowID)
		if err != nil {
			t.Fatal(err)
		}
		if st.State.Terminal() {
			return *st
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("flow never reached a terminal state")
	return FlowStatus{}
}

func TestDeviceFlow_PendingThenAuthenticated(t *testing.T) {
	p := newMockProvider(t)
	p.pendingPolls = 2
	m, store, _ := newManager(t, p)

	st, err := m.StartDeviceFlow(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.UserCode != "ABCD-1234" {
		t.Fatalf("user code = %q", st.UserCode)
	}
	if st.State != StateCodeRequested {
		t.Fatalf("initial state = %q", st.State)
	}

	final := waitTerminal(t, m, st.ID)
	if final.State != StateAuthenticated {
		t.Fatalf("final state = %q (error %q), want authenticated", final.State, final.Error)
	}
	if atomic.LoadInt32(&p.polls) < 3 {
		t.Fatalf("polls = %d, want >= 3 (2 pending + 1 success)", p.polls)
	}

	sums := store.ListAccounts()
	if len(sums) != 1 {
		t.Fatalf("accounts = %d, want 1", len(sums))
	}
	if !sums[0].HasValidToken {
		t.Fatal("expected hasValidToken = true")
	}
	if sums[0].Email != "relay@contoso.com" {
		t.Fatalf("email = %q", sums[0].Email)
	}

	view, err := store.GetAccountTokens(final.AccountID)
	if err != nil {
		t.Fatal(err)
	}
	if view.Token.AccessToken != "AT1" || view.Token.RefreshToken != "RT1" {
		t.Fatalf("tokens = %q / %q", view.Token.AccessToken, view.Token.RefreshToken)
	}
}

func TestDeviceFlow_AccessDeniedIsTerminal(t *testing.T) {
	p := newMockProvider(t)
	p.denyDevice = true
	m, store, _ := newManager(t, p)

	st, err := m.StartDeviceFlow(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	final := waitTerminal(t, m, st.ID)
	if final.State != StateDenied {
		t.Fatalf("final state = %q, want denied", final.State)
	}
	if n := len(store.ListAccounts()); n != 0 {
		t.Fatalf("accounts = %d, want 0", n)
	}
}

func TestDeviceFlow_Cancel(t *testing.T) {
	p := newMockProvider(t)
	p.pendingPolls = 1000
	m, _, _ := newManager(t, p)

	st, err := m.StartDeviceFlow(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if err := m.CancelFlow(st.ID); err != nil {
		t.Fatal(err)
	}
	final := waitTerminal(t, m, st.ID)
	if final.State != StateCancelled {
		t.Fatalf("final state = %q, want cancelled", final.State)
	}
	if err := m.CancelFlow("nope"); !errors.Is(err, ErrFlowNotFound) {
		t.Fatalf("err = %v, want ErrFlowNotFound", err)
	}
}

func TestRefreshAccount_RotatesAndRecordsProvenance(t *testing.T) {
	p := newMockProvider(t)
	m, store, _ := newManager(t, p)

	_, err := store.SaveAccountTokens(accounts.SaveInput{
		TenantID:     "tenant1",
		ClientID:     "client1",
		AccessToken:  "AT-old",
		RefreshToken: "RT-old",
		TokenType:    "Bearer",
		Scope:        "Mail.Send offline_access",
		ExpiresAt:    time.Now().Add(-time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}

	acct, err := m.RefreshAccount(context.Background(), accounts.AccountID("tenant1", "client1"))
	if err != nil {
		t.Fatal(err)
	}
	active := acct.Tokens[0]
	if active.AccessToken != "AT-refreshed-RT-old" {
		t.Fatalf("access token = %q", active.AccessToken)
	}
	if active.RefreshedFrom == nil {
		t.Fatal("expected refreshedFrom provenance on rotated record")
	}
	// el provider no reemitió refresh token: se hereda el vigente
	if active.RefreshToken != "RT-old" {
		t.Fatalf("refresh token = %q, want inherited RT-old", active.RefreshToken)
	}
}

func TestRefreshAccount_InvalidGrantTerminalAndAlerts(t *testing.T) {
	p := newMockProvider(t)
	p.refreshErr = "invalid_grant"
	m, store, al := newManager(t, p)

	id := accounts.AccountID("tenant1", "client1")
	_, err := store.SaveAccountTokens(accounts.SaveInput{
		TenantID:     "tenant1",
		ClientID:     "client1",
		AccessToken:  "AT-old",
		RefreshToken: "RT-dead",
		TokenType:    "Bearer",
		ExpiresAt:    time.Now().Add(-time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := m.RefreshAccount(context.Background(), id); !errors.Is(err, ErrReauthRequired) {
		t.Fatalf("err = %v, want ErrReauthRequired", err)
	}
	if !m.NeedsReauth(id) {
		t.Fatal("expected account marked as needing re-auth")
	}
	al.mu.Lock()
	alerts := len(al.subjects)
	al.mu.Unlock()
	if alerts != 1 {
		t.Fatalf("alerts = %d, want 1", alerts)
	}

	// reintento: corta antes de tocar el provider y no duplica la alerta
	if _, err := m.RefreshAccount(context.Background(), id); !errors.Is(err, ErrReauthRequired) {
		t.Fatalf("retry err = %v, want ErrReauthRequired", err)
	}
	al.mu.Lock()
	alerts = len(al.subjects)
	al.mu.Unlock()
	if alerts != 1 {
		t.Fatalf("alerts after retry = %d, want 1 (no spam)", alerts)
	}
}

func TestClientCredentials_SavesAccountWithoutRefreshToken(t *testing.T) {
	p := newMockProvider(t)
	m, store, _ := newManager(t, p)

	cl := New("tenant1", "client1", "s3cret")
	cl.LoginBase = p.srv.URL
	cl.GraphBase = p.srv.URL
	m.deps.Client = cl

	acct, err := m.ClientCredentials(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if acct.Tokens[0].AccessToken != "AT-app" {
		t.Fatalf("access token = %q", acct.Tokens[0].AccessToken)
	}
	if acct.Tokens[0].RefreshToken != "" {
		t.Fatal("app-only grant must not carry a refresh token")
	}
	sums := store.ListAccounts()
	if len(sums) != 1 || sums[0].HasRefresh {
		t.Fatalf("summaries = %+v", sums)
	}
}

func TestAuthCode_StateMismatchRejected(t *testing.T) {
	p := newMockProvider(t)
	m, _, _ := newManager(t, p)

	url, state, err := m.StartAuthCode(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if url == "" || state == "" {
		t.Fatal("expected auth url and state")
	}

	if _, err := m.CompleteAuthCode(context.Background(), "forged-state", "code"); !errors.Is(err, ErrStateMismatch) {
		t.Fatalf("err = %v, want ErrStateMismatch", err)
	}
}

func TestProviderErrorClassifiers(t *testing.T) {
	cases := []struct {
		code string
		fn   func(error) bool
	}{
		{"authorization_pending", IsAuthorizationPending},
		{"slow_down", IsSlowDown},
		{"expired_token", IsExpiredToken},
		{"access_denied", IsAccessDenied},
		{"invalid_grant", IsInvalidGrant},
	}
	for _, c := range cases {
		err := fmt.Errorf("wrapped: %w", &ProviderError{Code: c.code})
		if !c.fn(err) {
			t.Fatalf("classifier for %s did not match wrapped error", c.code)
		}
		if c.fn(errors.New("other")) {
			t.Fatalf("classifier for %s matched unrelated error", c.code)
		}
	}
}
