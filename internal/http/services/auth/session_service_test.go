package auth

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dropDatabas3/relaypanel/internal/cache/memory"
	"github.com/dropDatabas3/relaypanel/internal/http/middlewares"
	jwtx "github.com/dropDatabas3/relaypanel/internal/jwt"
	"github.com/dropDatabas3/relaypanel/internal/security/secretbox"
	"github.com/dropDatabas3/relaypanel/internal/store/users"
)

// fakeAlerter captura las notificaciones enviadas durante un test.
type fakeAlerter struct {
	mu       sync.Mutex
	subjects []string
}

func (f *fakeAlerter) Notify(_ context.Context, subject, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subject)
}

func (f *fakeAlerter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subjects)
}

func newSessionService(t *testing.T) (*SessionService, *fakeAlerter) {
	t.Helper()
	dir := t.TempDir()
	box, err := secretbox.Open(filepath.Join(dir, "master.key"))
	if err != nil {
		t.Fatal(err)
	}
	iss, err := jwtx.NewIssuer("relaypanel", filepath.Join(dir, "session.key"), box, 15*time.Minute, 7*24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	alerter := &fakeAlerter{}
	svc := NewSessionService(SessionDeps{
		Issuer:  iss,
		Cache:   memory.New(time.Hour),
		Alerter: alerter,
	})
	return svc, alerter
}

func testUser() *users.User {
	return &users.User{ID: "u1", Username: "admin", Role: users.RoleAdmin}
}

var (
	rcDesktop = RequestContext{UserAgent: "Mozilla/5.0", ClientIP: "10.0.0.5", Accept: "application/json"}
	rcOther   = RequestContext{UserAgent: "curl/8.0", ClientIP: "203.0.113.9", Accept: "*/*"}
)

func TestRequestContext_FingerprintBindsAcceptHeader(t *testing.T) {
	base := RequestContext{UserAgent: "Mozilla/5.0", ClientIP: "10.0.0.5", Accept: "application/json"}
	other := base
	other.Accept = "text/html"
	if base.Fingerprint() == other.Fingerprint() {
		t.Fatal("fingerprint must change when the Accept header changes")
	}
}

func TestRotateRefreshToken_HappyPath(t *testing.T) {
	svc, _ := newSessionService(t)
	ctx := context.Background()

	pair, err := svc.GenerateTokenPair(ctx, testUser(), rcDesktop, "")
	if err != nil {
		t.Fatal(err)
	}

	next, claims, err := svc.RotateRefreshToken(ctx, pair.RefreshToken, rcDesktop)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if claims.Subject != "u1" {
		t.Fatalf("subject = %q, want u1", claims.Subject)
	}
	if next.FamilyID != pair.FamilyID {
		t.Fatalf("rotation changed family: %q -> %q", pair.FamilyID, next.FamilyID)
	}
	if next.RefreshToken == pair.RefreshToken {
		t.Fatal("rotation returned the same refresh token")
	}

	// el jti viejo queda en blacklist
	blocked, err := svc.deps.Cache.Exists(ctx, middlewares.BlacklistKey(pair.RefreshJTI))
	if err != nil || !blocked {
		t.Fatalf("old jti not blacklisted (exists=%v err=%v)", blocked, err)
	}
}

func TestRotateRefreshToken_ReplayBurnsWholeFamily(t *testing.T) {
	svc, alerter := newSessionService(t)
	ctx := context.Background()

	pair, err := svc.GenerateTokenPair(ctx, testUser(), rcDesktop, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.MarkMFAVerified(ctx, pair.FamilyID, "totp"); err != nil {
		t.Fatal(err)
	}

	next, _, err := svc.RotateRefreshToken(ctx, pair.RefreshToken, rcDesktop)
	if err != nil {
		t.Fatal(err)
	}

	// el atacante presenta el token ya rotado
	if _, _, err := svc.RotateRefreshToken(ctx, pair.RefreshToken, rcOther); !errors.Is(err, ErrReplayDetected) {
		t.Fatalf("replay err = %v, want ErrReplayDetected", err)
	}

	// la familia entera quedó revocada: el token legítimo más nuevo ya no rota
	if _, _, err := svc.RotateRefreshToken(ctx, next.RefreshToken, rcDesktop); !errors.Is(err, ErrReplayDetected) {
		t.Fatalf("post-replay rotate err = %v, want ErrReplayDetected", err)
	}
	blocked, _ := svc.deps.Cache.Exists(ctx, middlewares.BlacklistKey(next.RefreshJTI))
	if !blocked {
		t.Fatal("newest jti of the family not blacklisted after replay")
	}

	// la elevación MFA de la familia también cae
	if m := svc.MFAVerifiedMethod(ctx, pair.FamilyID); m != "" {
		t.Fatalf("mfa elevation survived family invalidation: %q", m)
	}

	if alerter.count() == 0 {
		t.Fatal("no alert sent on replay detection")
	}
}

func TestRotateRefreshToken_FingerprintMismatchRefusesWithoutBurning(t *testing.T) {
	svc, alerter := newSessionService(t)
	ctx := context.Background()

	pair, err := svc.GenerateTokenPair(ctx, testUser(), rcDesktop, "")
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := svc.RotateRefreshToken(ctx, pair.RefreshToken, rcOther); !errors.Is(err, ErrFingerprintMismatch) {
		t.Fatalf("err = %v, want ErrFingerprintMismatch", err)
	}
	if alerter.count() != 0 {
		t.Fatal("fingerprint mismatch must not alert")
	}

	// el dueño legítimo sigue pudiendo rotar
	if _, _, err := svc.RotateRefreshToken(ctx, pair.RefreshToken, rcDesktop); err != nil {
		t.Fatalf("legitimate rotate after mismatch: %v", err)
	}
}

func TestRotateRefreshToken_GarbageToken(t *testing.T) {
	svc, _ := newSessionService(t)
	if _, _, err := svc.RotateRefreshToken(context.Background(), "not-a-jwt", rcDesktop); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("err = %v, want ErrTokenInvalid", err)
	}
}

func TestRotateRefreshToken_AccessTokenRejected(t *testing.T) {
	svc, _ := newSessionService(t)
	ctx := context.Background()

	pair, err := svc.GenerateTokenPair(ctx, testUser(), rcDesktop, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := svc.RotateRefreshToken(ctx, pair.AccessToken, rcDesktop); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("access token in refresh slot: err = %v, want ErrTokenInvalid", err)
	}
}

func TestInvalidateFamily_Logout(t *testing.T) {
	svc, _ := newSessionService(t)
	ctx := context.Background()

	pair, err := svc.GenerateTokenPair(ctx, testUser(), rcDesktop, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.InvalidateFamily(ctx, pair.FamilyID); err != nil {
		t.Fatal(err)
	}
	if _, _, err := svc.RotateRefreshToken(ctx, pair.RefreshToken, rcDesktop); !errors.Is(err, ErrReplayDetected) {
		t.Fatalf("rotate after logout: err = %v, want ErrReplayDetected", err)
	}
}

func TestMarkMFAVerified_RoundTrip(t *testing.T) {
	svc, _ := newSessionService(t)
	ctx := context.Background()

	if m := svc.MFAVerifiedMethod(ctx, "fam-x"); m != "" {
		t.Fatalf("unverified family reports method %q", m)
	}
	if err := svc.MarkMFAVerified(ctx, "fam-x", "backup_code"); err != nil {
		t.Fatal(err)
	}
	if m := svc.MFAVerifiedMethod(ctx, "fam-x"); m != "backup_code" {
		t.Fatalf("method = %q, want backup_code", m)
	}
}
