package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dropDatabas3/relaypanel/internal/cache"
	"github.com/dropDatabas3/relaypanel/internal/http/middlewares"
	jwtx "github.com/dropDatabas3/relaypanel/internal/jwt"
	"github.com/dropDatabas3/relaypanel/internal/metrics"
	"github.com/dropDatabas3/relaypanel/internal/observability/logger"
	"github.com/dropDatabas3/relaypanel/internal/store/users"
)

// Errores del session service
var (
	ErrTokenInvalid = errors.New("session: token invalid or expired")
	// ErrReplayDetected indica un refresh token ya rotado presentado de
	// nuevo: señal de robo, la familia entera fue invalidada.
	ErrReplayDetected = errors.New("session: refresh token replay detected")
	// ErrFingerprintMismatch indica un refresh token presentado desde otro
	// dispositivo/contexto que el que lo recibió.
	ErrFingerprintMismatch = errors.New("session: device fingerprint mismatch")
)

// RequestContext es el contexto del cliente que el fingerprint ata.
type RequestContext struct {
	UserAgent string
	ClientIP  string
	Accept    string
}

// Fingerprint deriva el binding de este request.
func (rc RequestContext) Fingerprint() string {
	return jwtx.Fingerprint(rc.UserAgent, rc.ClientIP, rc.Accept)
}

// jtiMeta es la metadata por refresh token emitido, keyed por jti en el
// cache con TTL igual a la vida del token.
type jtiMeta struct {
	UserID      string    `json:"userId"`
	FamilyID    string    `json:"familyId"`
	Fingerprint string    `json:"fp"`
	Used        bool      `json:"used"`
	DeviceInfo  string    `json:"deviceInfo,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Alerter notifica eventos que requieren atención del operador.
type Alerter interface {
	Notify(ctx context.Context, subject, body string)
}

// SessionDeps son las dependencias del session service.
type SessionDeps struct {
	Issuer  *jwtx.Issuer
	Cache   cache.Client
	Alerter Alerter // opcional
}

// SessionService emite y rota los pares access/refresh del dashboard con
// detección de replay por familia.
type SessionService struct {
	deps SessionDeps

	// serializa las rotaciones: dos requests con el mismo refresh no deben
	// intercalarse entre el check de used y su marcado
	mu sync.Mutex
}

// NewSessionService crea el session service.
func NewSessionService(deps SessionDeps) *SessionService {
	return &SessionService{deps: deps}
}

func jtiKey(jti string) string       { return "session:jti:" + jti }
func familyKey(familyID string) string { return "session:family:" + familyID }

// GenerateTokenPair emite un par nuevo. familyID vacío = login nuevo
// (familia nueva); no vacío = rotación dentro de la familia existente.
func (s *SessionService) GenerateTokenPair(ctx context.Context, u *users.User, rc RequestContext, familyID string) (*jwtx.IssuedPair, error) {
	pair, err := s.deps.Issuer.IssueSession(u.ID, u.Username, string(u.Role), rc.Fingerprint(), familyID)
	if err != nil {
		return nil, fmt.Errorf("session: issue pair: %w", err)
	}

	meta := jtiMeta{
		UserID:      u.ID,
		FamilyID:    pair.FamilyID,
		Fingerprint: rc.Fingerprint(),
		DeviceInfo:  rc.UserAgent,
		CreatedAt:   time.Now().UTC(),
		ExpiresAt:   pair.RefreshExpiresAt,
	}
	if err := s.putMeta(ctx, pair.RefreshJTI, meta); err != nil {
		return nil, err
	}
	if err := s.appendToFamily(ctx, pair.FamilyID, pair.RefreshJTI); err != nil {
		return nil, err
	}
	return pair, nil
}

// RotateRefreshToken canjea un refresh token por un par nuevo.
//
// Replay check: un jti ya usado invalida la familia completa (todos los
// tokens descendientes del mismo login quedan en blacklist) y falla la
// rotación. Un fingerprint distinto al registrado rechaza la rotación sin
// quemar la familia: se fuerza re-login.
func (s *SessionService) RotateRefreshToken(ctx context.Context, rawToken string, rc RequestContext) (*jwtx.IssuedPair, *jwtx.SessionClaims, error) {
	log := logger.From(ctx).With(
		logger.Layer("service"),
		logger.Component("auth.session"),
		logger.Op("RotateRefreshToken"),
	)

	claims, err := s.deps.Issuer.Parse(rawToken, jwtx.UseRefresh)
	if err != nil {
		return nil, nil, ErrTokenInvalid
	}
	log = log.With(logger.UserID(claims.Subject), logger.FamilyID(claims.FamilyID), logger.JTI(claims.ID))

	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.getMeta(ctx, claims.ID)
	if err != nil {
		// metadata vencida o nunca emitida por esta instancia
		return nil, nil, ErrTokenInvalid
	}

	if meta.Used {
		// replay: el token ya fue rotado una vez
		metrics.ReplayDetections.Inc()
		log.Error("refresh token replayed, invalidating family",
			logger.SecurityEvent("refresh_replay"),
		)
		if ierr := s.invalidateFamilyLocked(ctx, claims.FamilyID); ierr != nil {
			log.Error("family invalidation failed", logger.Err(ierr))
		}
		if s.deps.Alerter != nil {
			s.deps.Alerter.Notify(ctx,
				"relaypanel: refresh token replay detected",
				fmt.Sprintf("A rotated refresh token for user %s was presented again from %s (%s). The whole session family was revoked.", claims.Subject, rc.ClientIP, rc.UserAgent),
			)
		}
		return nil, nil, ErrReplayDetected
	}

	if meta.Fingerprint != "" && meta.Fingerprint != rc.Fingerprint() {
		log.Warn("refresh fingerprint mismatch, rotation refused",
			logger.SecurityEvent("fingerprint_mismatch"),
			logger.ClientIP(rc.ClientIP),
		)
		return nil, nil, ErrFingerprintMismatch
	}

	// marcar usado ANTES de emitir: si la emisión falla el token viejo queda
	// quemado, nunca al revés
	meta.Used = true
	if err := s.putMeta(ctx, claims.ID, *meta); err != nil {
		return nil, nil, err
	}
	_ = s.blacklist(ctx, claims.ID, time.Until(meta.ExpiresAt))

	pair, err := s.deps.Issuer.IssueSession(meta.UserID, claims.Username, claims.Role, rc.Fingerprint(), claims.FamilyID)
	if err != nil {
		return nil, nil, fmt.Errorf("session: issue rotated pair: %w", err)
	}
	newMeta := jtiMeta{
		UserID:      meta.UserID,
		FamilyID:    claims.FamilyID,
		Fingerprint: rc.Fingerprint(),
		DeviceInfo:  rc.UserAgent,
		CreatedAt:   time.Now().UTC(),
		ExpiresAt:   pair.RefreshExpiresAt,
	}
	if err := s.putMeta(ctx, pair.RefreshJTI, newMeta); err != nil {
		return nil, nil, err
	}
	if err := s.appendToFamily(ctx, claims.FamilyID, pair.RefreshJTI); err != nil {
		return nil, nil, err
	}

	metrics.RefreshRotations.Inc()
	log.Info("refresh token rotated", logger.JTI(pair.RefreshJTI))
	return pair, claims, nil
}

// InvalidateFamily revoca todos los tokens de una familia (logout, replay).
func (s *SessionService) InvalidateFamily(ctx context.Context, familyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invalidateFamilyLocked(ctx, familyID)
}

func (s *SessionService) invalidateFamilyLocked(ctx context.Context, familyID string) error {
	jtis, err := s.familyMembers(ctx, familyID)
	if err != nil && !cache.IsNotFound(err) {
		return err
	}
	for _, jti := range jtis {
		ttl := s.deps.Issuer.RefreshTTL
		if meta, merr := s.getMeta(ctx, jti); merr == nil {
			meta.Used = true
			_ = s.putMeta(ctx, jti, *meta)
			ttl = time.Until(meta.ExpiresAt)
		}
		_ = s.blacklist(ctx, jti, ttl)
	}
	_ = s.deps.Cache.Delete(ctx, familyKey(familyID))
	_ = s.deps.Cache.Delete(ctx, middlewares.MFAKey(familyID))
	return nil
}

// BlacklistAccessToken revoca un access token por el resto de su vida.
func (s *SessionService) BlacklistAccessToken(ctx context.Context, claims *jwtx.SessionClaims) error {
	return s.blacklist(ctx, claims.ID, time.Until(claims.ExpiresAt.Time))
}

// MarkMFAVerified marca la familia como elevada, registrando el método
// usado (para audit y para el warning de backup codes).
func (s *SessionService) MarkMFAVerified(ctx context.Context, familyID, method string) error {
	return s.deps.Cache.Set(ctx, middlewares.MFAKey(familyID), method, s.deps.Issuer.RefreshTTL)
}

// MFAVerifiedMethod retorna el método con que la familia se elevó, o "".
func (s *SessionService) MFAVerifiedMethod(ctx context.Context, familyID string) string {
	v, err := s.deps.Cache.Get(ctx, middlewares.MFAKey(familyID))
	if err != nil {
		return ""
	}
	return v
}

// ───────────────────────── cache plumbing ─────────────────────────

func (s *SessionService) putMeta(ctx context.Context, jti string, meta jtiMeta) error {
	b, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	ttl := time.Until(meta.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Minute
	}
	return s.deps.Cache.Set(ctx, jtiKey(jti), string(b), ttl)
}

func (s *SessionService) getMeta(ctx context.Context, jti string) (*jtiMeta, error) {
	v, err := s.deps.Cache.Get(ctx, jtiKey(jti))
	if err != nil {
		return nil, err
	}
	var meta jtiMeta
	if err := json.Unmarshal([]byte(v), &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (s *SessionService) familyMembers(ctx context.Context, familyID string) ([]string, error) {
	v, err := s.deps.Cache.Get(ctx, familyKey(familyID))
	if err != nil {
		return nil, err
	}
	var jtis []string
	if err := json.Unmarshal([]byte(v), &jtis); err != nil {
		return nil, err
	}
	return jtis, nil
}

func (s *SessionService) appendToFamily(ctx context.Context, familyID, jti string) error {
	jtis, err := s.familyMembers(ctx, familyID)
	if err != nil && !cache.IsNotFound(err) {
		return err
	}
	jtis = append(jtis, jti)
	b, err := json.Marshal(jtis)
	if err != nil {
		return err
	}
	return s.deps.Cache.Set(ctx, familyKey(familyID), string(b), s.deps.Issuer.RefreshTTL)
}

func (s *SessionService) blacklist(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return s.deps.Cache.Set(ctx, middlewares.BlacklistKey(jti), "1", ttl)
}
