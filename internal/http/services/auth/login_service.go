package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dropDatabas3/relaypanel/internal/audit"
	"github.com/dropDatabas3/relaypanel/internal/cache"
	dtoauth "github.com/dropDatabas3/relaypanel/internal/http/dto/auth"
	jwtx "github.com/dropDatabas3/relaypanel/internal/jwt"
	"github.com/dropDatabas3/relaypanel/internal/metrics"
	"github.com/dropDatabas3/relaypanel/internal/observability/logger"
	"github.com/dropDatabas3/relaypanel/internal/security/password"
	token "github.com/dropDatabas3/relaypanel/internal/security/token"
	"github.com/dropDatabas3/relaypanel/internal/security/totp"
	"github.com/dropDatabas3/relaypanel/internal/store/mfa"
	"github.com/dropDatabas3/relaypanel/internal/store/users"
)

// Errores del login service. ErrInvalidCredentials cubre tanto usuario
// inexistente como password incorrecto: el caller NO debe distinguirlos.
var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrAccountLocked      = errors.New("auth: account temporarily locked")
	ErrMFAFailed          = errors.New("auth: mfa verification failed")
	ErrMFATokenInvalid    = errors.New("auth: mfa token expired or unknown")
	ErrPasswordTooWeak    = errors.New("auth: password does not meet policy")
)

const (
	defaultLockThreshold = 5
	defaultLockFor       = 15 * time.Minute
	defaultFailDelay     = 300 * time.Millisecond
	minPasswordLen       = 12
	totpDriftSteps       = 1
	mfaTokenTTL          = 5 * time.Minute
)

func mfaTokenKey(tok string) string { return "auth:mfatoken:" + tok }

// LoginDeps son las dependencias del login service.
type LoginDeps struct {
	Users    *users.Store
	MFA      *mfa.Store
	Sessions *SessionService
	Cache    cache.Client
	Audit    *audit.Trail // opcional

	LockThreshold int           // intentos fallidos antes de bloquear; 0 = default
	LockFor       time.Duration // duración del bloqueo; 0 = default
	FailDelay     time.Duration // delay fijo en username desconocido; 0 = default
}

// LoginResult es el resultado de un login. RequiresTwoFactor=true significa
// password OK pero falta el segundo factor: NO hay sesión en Pair.
type LoginResult struct {
	Pair              *jwtx.IssuedPair
	User              *users.User
	RequiresTwoFactor bool
	MFAToken          string // canjeable en el challenge, single-use
	MFAMethod         string // "totp" | "backup_code" | ""
	BackupCodesLeft   int    // sólo relevante con MFAMethod=="backup_code"
}

// LoginService autentica usuarios del dashboard: password, lockout y el
// gate MFA en un solo flujo.
type LoginService struct {
	deps LoginDeps

	// dummyHash se verifica contra usernames desconocidos para que el costo
	// argon2 sea el mismo exista o no la cuenta
	dummyHash string
}

// NewLoginService crea el login service. Precomputa el hash dummy una vez.
func NewLoginService(deps LoginDeps) (*LoginService, error) {
	if deps.LockThreshold <= 0 {
		deps.LockThreshold = defaultLockThreshold
	}
	if deps.LockFor <= 0 {
		deps.LockFor = defaultLockFor
	}
	if deps.FailDelay <= 0 {
		deps.FailDelay = defaultFailDelay
	}
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("auth: seed dummy hash: %w", err)
	}
	dummy, err := password.Hash(password.Default, hex.EncodeToString(buf))
	if err != nil {
		return nil, fmt.Errorf("auth: precompute dummy hash: %w", err)
	}
	return &LoginService{deps: deps, dummyHash: dummy}, nil
}

// Login ejecuta el flujo completo de autenticación.
func (s *LoginService) Login(ctx context.Context, req dtoauth.LoginRequest, rc RequestContext) (*LoginResult, error) {
	log := logger.From(ctx).With(
		logger.Layer("service"),
		logger.Component("auth.login"),
		logger.Op("Login"),
	)
	username := strings.ToLower(strings.TrimSpace(req.Username))

	// Paso 1: lookup. Un username desconocido paga el mismo argon2 que uno
	// real más un delay fijo, para que el timing no filtre existencia.
	u, err := s.deps.Users.GetByUsername(username)
	if err != nil {
		password.Verify(req.Password, s.dummyHash)
		time.Sleep(s.deps.FailDelay)
		metrics.LoginAttempts.WithLabelValues("unknown_user").Inc()
		log.Warn("login with unknown username", logger.SecurityEvent("login_unknown_user"), logger.ClientIP(rc.ClientIP))
		return nil, ErrInvalidCredentials
	}
	log = log.With(logger.UserID(u.ID), logger.Username(u.Username))

	// Paso 2: lockout. Una cuenta bloqueada no verifica password.
	if u.Locked(time.Now()) {
		metrics.LoginAttempts.WithLabelValues("locked").Inc()
		log.Warn("login on locked account", logger.SecurityEvent("login_locked"), logger.ClientIP(rc.ClientIP))
		s.auditEvent(ctx, "login_locked", u, rc, nil)
		return nil, ErrAccountLocked
	}

	// Paso 3: password.
	if !password.Verify(req.Password, u.PasswordHash) {
		ferr := s.deps.Users.RecordFailedLogin(u.ID, s.deps.LockThreshold, s.deps.LockFor)
		metrics.LoginAttempts.WithLabelValues("bad_password").Inc()
		log.Warn("login with wrong password", logger.SecurityEvent("login_bad_password"), logger.ClientIP(rc.ClientIP))
		if ferr != nil {
			log.Error("recording failed login", logger.Err(ferr))
		}
		if fresh, gerr := s.deps.Users.GetByID(u.ID); gerr == nil && fresh.Locked(time.Now()) {
			s.auditEvent(ctx, "account_locked", u, rc, map[string]any{"threshold": s.deps.LockThreshold})
		}
		return nil, ErrInvalidCredentials
	}

	// Paso 4: gate MFA. Password OK pero con factores activos se exige el
	// segundo factor antes de emitir sesión.
	rec := s.deps.MFA.Get(u.ID)
	method := ""
	backupLeft := -1
	if rec.AnyEnabled() {
		switch {
		case req.TOTPToken != "":
			if err := s.verifyTOTP(u.ID, rec, req.TOTPToken); err != nil {
				metrics.MFAVerifications.WithLabelValues("totp", "fail").Inc()
				log.Warn("totp verification failed", logger.SecurityEvent("mfa_fail"), logger.ClientIP(rc.ClientIP))
				return nil, ErrMFAFailed
			}
			metrics.MFAVerifications.WithLabelValues("totp", "ok").Inc()
			method = "totp"
		case req.BackupCode != "":
			if err := s.deps.MFA.ConsumeBackupCode(u.ID, strings.TrimSpace(req.BackupCode)); err != nil {
				metrics.MFAVerifications.WithLabelValues("backup_code", "fail").Inc()
				log.Warn("backup code rejected", logger.SecurityEvent("mfa_fail"), logger.ClientIP(rc.ClientIP))
				return nil, ErrMFAFailed
			}
			metrics.MFAVerifications.WithLabelValues("backup_code", "ok").Inc()
			method = "backup_code"
			backupLeft = s.deps.MFA.Get(u.ID).RemainingBackupCodes()
			s.auditEvent(ctx, "backup_code_used", u, rc, map[string]any{"remaining": backupLeft})
		default:
			// password OK, falta el factor: se entrega un mfa token opaco
			// single-use para el challenge, sin pedir el password de nuevo
			mfaTok, terr := token.GenerateOpaqueToken(24)
			if terr != nil {
				return nil, fmt.Errorf("auth: mint mfa token: %w", terr)
			}
			if err := s.deps.Cache.Set(ctx, mfaTokenKey(mfaTok), u.ID, mfaTokenTTL); err != nil {
				return nil, err
			}
			return &LoginResult{User: u, RequiresTwoFactor: true, MFAToken: mfaTok}, nil
		}
	}

	// Paso 5: sesión nueva (familia nueva).
	pair, err := s.deps.Sessions.GenerateTokenPair(ctx, u, rc, "")
	if err != nil {
		return nil, err
	}
	if method != "" {
		if err := s.deps.Sessions.MarkMFAVerified(ctx, pair.FamilyID, method); err != nil {
			log.Error("marking mfa elevation", logger.Err(err))
		}
	}

	// Paso 6: housekeeping.
	if err := s.deps.Users.RecordLogin(u.ID); err != nil {
		log.Error("recording login timestamp", logger.Err(err))
	}
	metrics.LoginAttempts.WithLabelValues("ok").Inc()
	log.Info("login ok", logger.FamilyID(pair.FamilyID))
	s.auditEvent(ctx, "login_success", u, rc, map[string]any{"mfaMethod": method})

	return &LoginResult{Pair: pair, User: u, MFAMethod: method, BackupCodesLeft: backupLeft}, nil
}

// Challenge completa un login que quedó en RequiresTwoFactor canjeando el
// mfa token por una sesión. El token es single-use: se quema antes de
// verificar el factor.
func (s *LoginService) Challenge(ctx context.Context, req dtoauth.ChallengeRequest, rc RequestContext) (*LoginResult, error) {
	log := logger.From(ctx).With(
		logger.Layer("service"),
		logger.Component("auth.login"),
		logger.Op("Challenge"),
	)

	userID, err := s.deps.Cache.Get(ctx, mfaTokenKey(req.MFAToken))
	if err != nil {
		if cache.IsNotFound(err) {
			return nil, ErrMFATokenInvalid
		}
		return nil, err
	}
	_ = s.deps.Cache.Delete(ctx, mfaTokenKey(req.MFAToken))

	u, err := s.deps.Users.GetByID(userID)
	if err != nil {
		return nil, ErrMFATokenInvalid
	}
	log = log.With(logger.UserID(u.ID), logger.Username(u.Username))

	rec := s.deps.MFA.Get(u.ID)
	method := ""
	backupLeft := -1
	switch {
	case req.TOTPToken != "":
		if err := s.verifyTOTP(u.ID, rec, req.TOTPToken); err != nil {
			metrics.MFAVerifications.WithLabelValues("totp", "fail").Inc()
			log.Warn("totp challenge failed", logger.SecurityEvent("mfa_fail"), logger.ClientIP(rc.ClientIP))
			return nil, ErrMFAFailed
		}
		metrics.MFAVerifications.WithLabelValues("totp", "ok").Inc()
		method = "totp"
	case req.BackupCode != "":
		if err := s.deps.MFA.ConsumeBackupCode(u.ID, strings.TrimSpace(req.BackupCode)); err != nil {
			metrics.MFAVerifications.WithLabelValues("backup_code", "fail").Inc()
			log.Warn("backup code rejected", logger.SecurityEvent("mfa_fail"), logger.ClientIP(rc.ClientIP))
			return nil, ErrMFAFailed
		}
		metrics.MFAVerifications.WithLabelValues("backup_code", "ok").Inc()
		method = "backup_code"
		backupLeft = s.deps.MFA.Get(u.ID).RemainingBackupCodes()
		s.auditEvent(ctx, "backup_code_used", u, rc, map[string]any{"remaining": backupLeft})
	default:
		return nil, ErrMFAFailed
	}

	pair, err := s.deps.Sessions.GenerateTokenPair(ctx, u, rc, "")
	if err != nil {
		return nil, err
	}
	if err := s.deps.Sessions.MarkMFAVerified(ctx, pair.FamilyID, method); err != nil {
		log.Error("marking mfa elevation", logger.Err(err))
	}
	if err := s.deps.Users.RecordLogin(u.ID); err != nil {
		log.Error("recording login timestamp", logger.Err(err))
	}
	metrics.LoginAttempts.WithLabelValues("ok").Inc()
	log.Info("login ok via mfa challenge", logger.FamilyID(pair.FamilyID))
	s.auditEvent(ctx, "login_success", u, rc, map[string]any{"mfaMethod": method})

	return &LoginResult{Pair: pair, User: u, MFAMethod: method, BackupCodesLeft: backupLeft}, nil
}

func (s *LoginService) verifyTOTP(userID string, rec *mfa.Record, code string) error {
	if !rec.TOTPEnabled {
		return ErrMFAFailed
	}
	raw, err := totp.DecodeSecret(rec.TOTPSecret)
	if err != nil {
		return fmt.Errorf("auth: decode totp secret: %w", err)
	}
	last := rec.LastTOTPStep
	ok, step := totp.Verify(raw, strings.TrimSpace(code), time.Now(), totpDriftSteps, &last)
	if !ok {
		return ErrMFAFailed
	}
	return s.deps.MFA.MarkTOTPStep(userID, step)
}

// ChangePassword cambia el password verificando el actual primero.
func (s *LoginService) ChangePassword(ctx context.Context, userID string, req dtoauth.ChangePasswordRequest, rc RequestContext) error {
	log := logger.From(ctx).With(
		logger.Layer("service"),
		logger.Component("auth.login"),
		logger.Op("ChangePassword"),
		logger.UserID(userID),
	)

	u, err := s.deps.Users.GetByID(userID)
	if err != nil {
		return err
	}
	if !password.Verify(req.CurrentPassword, u.PasswordHash) {
		log.Warn("password change with wrong current password", logger.SecurityEvent("password_change_denied"))
		return ErrInvalidCredentials
	}
	if len(req.NewPassword) < minPasswordLen {
		return ErrPasswordTooWeak
	}
	hash, err := password.Hash(password.Default, req.NewPassword)
	if err != nil {
		return fmt.Errorf("auth: hash new password: %w", err)
	}
	if _, err := s.deps.Users.Update(userID, func(u *users.User) error {
		u.PasswordHash = hash
		return nil
	}); err != nil {
		return err
	}
	log.Info("password changed")
	s.auditEvent(ctx, "password_changed", u, rc, nil)
	return nil
}

func (s *LoginService) auditEvent(ctx context.Context, event string, u *users.User, rc RequestContext, extra map[string]any) {
	fields := map[string]any{
		"userId":   u.ID,
		"username": u.Username,
		"clientIp": rc.ClientIP,
	}
	for k, v := range extra {
		fields[k] = v
	}
	s.deps.Audit.Record(ctx, event, fields)
}
