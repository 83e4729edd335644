// Package auth contiene los controllers de sesión del panel.
package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	dto "github.com/dropDatabas3/relaypanel/internal/http/dto/auth"
	httperrors "github.com/dropDatabas3/relaypanel/internal/http/errors"
	"github.com/dropDatabas3/relaypanel/internal/http/middlewares"
	svc "github.com/dropDatabas3/relaypanel/internal/http/services/auth"
	jwtx "github.com/dropDatabas3/relaypanel/internal/jwt"
	"github.com/dropDatabas3/relaypanel/internal/observability/logger"
	"github.com/dropDatabas3/relaypanel/internal/store/users"
	"go.uber.org/zap"
)

// RefreshCookie es el nombre de la cookie httpOnly del refresh token.
const RefreshCookie = "relaypanel_refresh"

// AuthController maneja login, challenge MFA, refresh y logout.
type AuthController struct {
	login    *svc.LoginService
	sessions *svc.SessionService
	users    *users.Store
	secure   bool // Secure en cookies; apagable solo en dev
}

// NewAuthController crea el controller.
func NewAuthController(login *svc.LoginService, sessions *svc.SessionService, usersStore *users.Store, secureCookies bool) *AuthController {
	return &AuthController{login: login, sessions: sessions, users: usersStore, secure: secureCookies}
}

func requestContext(r *http.Request) svc.RequestContext {
	return svc.RequestContext{
		UserAgent: r.UserAgent(),
		ClientIP:  middlewares.ClientIP(r),
		Accept:    r.Header.Get("Accept"),
	}
}

func (c *AuthController) setRefreshCookie(w http.ResponseWriter, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookie,
		Value:    token,
		Path:     "/api/auth",
		Expires:  expires,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (c *AuthController) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookie,
		Value:    "",
		Path:     "/api/auth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func userView(u *users.User) *dto.UserView {
	return &dto.UserView{
		ID:          u.ID,
		Username:    u.Username,
		Role:        string(u.Role),
		Permissions: u.Permissions,
		MFAEnforced: u.MFAEnforced,
		LastLogin:   u.LastLogin,
	}
}

func (c *AuthController) writeSession(w http.ResponseWriter, result *svc.LoginResult) {
	c.setRefreshCookie(w, result.Pair.RefreshToken, result.Pair.RefreshExpiresAt)

	resp := dto.LoginResponse{
		AccessToken:       result.Pair.AccessToken,
		ExpiresAt:         result.Pair.AccessExpiresAt,
		User:              userView(result.User),
		MFAVerifiedMethod: result.MFAMethod,
	}
	if result.MFAMethod == "backup_code" {
		resp.BackupCodesWarning = result.BackupCodesLeft
	}
	w.Header().Set("Cache-Control", "no-store")
	httperrors.WriteJSON(w, http.StatusOK, resp)
}

// Login maneja POST /api/auth/login.
func (c *AuthController) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("auth.login"))

	r.Body = http.MaxBytesReader(w, r.Body, 4<<10)
	var req dto.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperrors.WriteError(w, httperrors.ErrInvalidJSON)
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		httperrors.WriteError(w, httperrors.ErrMissingFields.WithDetail("username and password are required"))
		return
	}

	result, err := c.login.Login(ctx, req, requestContext(r))
	if err != nil {
		c.handleServiceError(w, err, log)
		return
	}
	if result.RequiresTwoFactor {
		w.Header().Set("Cache-Control", "no-store")
		httperrors.WriteJSON(w, http.StatusOK, dto.LoginResponse{
			RequiresTwoFactor: true,
			MFAToken:          result.MFAToken,
		})
		return
	}
	c.writeSession(w, result)
}

// Challenge maneja POST /api/auth/2fa/verify.
func (c *AuthController) Challenge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("auth.2fa.verify"))

	r.Body = http.MaxBytesReader(w, r.Body, 4<<10)
	var req dto.ChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperrors.WriteError(w, httperrors.ErrInvalidJSON)
		return
	}
	if req.MFAToken == "" {
		httperrors.WriteError(w, httperrors.ErrMissingFields.WithDetail("mfaToken is required"))
		return
	}

	result, err := c.login.Challenge(ctx, req, requestContext(r))
	if err != nil {
		c.handleServiceError(w, err, log)
		return
	}
	c.writeSession(w, result)
}

// Refresh maneja POST /api/auth/refresh. El refresh token viene en cookie.
func (c *AuthController) Refresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("auth.refresh"))

	cookie, err := r.Cookie(RefreshCookie)
	if err != nil || cookie.Value == "" {
		httperrors.WriteError(w, httperrors.ErrTokenMissing)
		return
	}

	pair, _, err := c.sessions.RotateRefreshToken(ctx, cookie.Value, requestContext(r))
	if err != nil {
		c.clearRefreshCookie(w)
		c.handleServiceError(w, err, log)
		return
	}
	c.setRefreshCookie(w, pair.RefreshToken, pair.RefreshExpiresAt)
	w.Header().Set("Cache-Control", "no-store")
	httperrors.WriteJSON(w, http.StatusOK, dto.RefreshResponse{
		AccessToken: pair.AccessToken,
		ExpiresAt:   pair.AccessExpiresAt,
	})
}

// Logout maneja POST /api/auth/logout: revoca el access token actual y la
// familia completa de refresh tokens.
func (c *AuthController) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("auth.logout"))

	claims := middlewares.GetSessionClaims(ctx)
	if claims == nil {
		httperrors.WriteError(w, httperrors.ErrUnauthorized)
		return
	}
	if err := c.sessions.BlacklistAccessToken(ctx, claims); err != nil {
		log.Error("blacklisting access token", logger.Err(err))
	}
	if err := c.sessions.InvalidateFamily(ctx, claims.FamilyID); err != nil {
		log.Error("invalidating session family", logger.Err(err))
	}
	c.clearRefreshCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// Me maneja GET /api/auth/me.
func (c *AuthController) Me(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := middlewares.GetSessionClaims(ctx)
	if claims == nil {
		httperrors.WriteError(w, httperrors.ErrUnauthorized)
		return
	}
	u, err := c.users.GetByID(claims.Subject)
	if err != nil {
		httperrors.WriteError(w, httperrors.ErrSessionRevoked)
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, userView(u))
}

// ChangePassword maneja POST /api/auth/change-password.
func (c *AuthController) ChangePassword(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("auth.change_password"))

	claims := middlewares.GetSessionClaims(ctx)
	if claims == nil {
		httperrors.WriteError(w, httperrors.ErrUnauthorized)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 4<<10)
	var req dto.ChangePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperrors.WriteError(w, httperrors.ErrInvalidJSON)
		return
	}
	if req.CurrentPassword == "" || req.NewPassword == "" {
		httperrors.WriteError(w, httperrors.ErrMissingFields.WithDetail("currentPassword and newPassword are required"))
		return
	}
	if err := c.login.ChangePassword(ctx, claims.Subject, req, requestContext(r)); err != nil {
		c.handleServiceError(w, err, log)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *AuthController) handleServiceError(w http.ResponseWriter, err error, log *zap.Logger) {
	switch {
	case errors.Is(err, svc.ErrInvalidCredentials):
		httperrors.WriteError(w, httperrors.ErrInvalidCredentials)
	case errors.Is(err, svc.ErrAccountLocked):
		httperrors.WriteError(w, httperrors.ErrAccountLocked)
	case errors.Is(err, svc.ErrMFAFailed):
		httperrors.WriteError(w, httperrors.ErrMFAFailed)
	case errors.Is(err, svc.ErrMFATokenInvalid):
		httperrors.WriteError(w, httperrors.ErrTokenInvalid.WithDetail("mfa token expired, log in again"))
	case errors.Is(err, svc.ErrPasswordTooWeak):
		httperrors.WriteError(w, httperrors.ErrPasswordTooWeak)
	case errors.Is(err, svc.ErrTokenInvalid), errors.Is(err, jwtx.ErrInvalidToken):
		httperrors.WriteError(w, httperrors.ErrTokenInvalid)
	case errors.Is(err, svc.ErrReplayDetected), errors.Is(err, svc.ErrFingerprintMismatch):
		httperrors.WriteError(w, httperrors.ErrSessionRevoked)
	case errors.Is(err, users.ErrNotFound):
		httperrors.WriteError(w, httperrors.ErrInvalidCredentials)
	default:
		log.Error("unexpected error", zap.Error(err))
		httperrors.WriteError(w, httperrors.ErrInternalServerError)
	}
}
