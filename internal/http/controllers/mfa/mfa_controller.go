// Package mfa contiene los controllers de factores del panel.
package mfa

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	dto "github.com/dropDatabas3/relaypanel/internal/http/dto/mfa"
	httperrors "github.com/dropDatabas3/relaypanel/internal/http/errors"
	"github.com/dropDatabas3/relaypanel/internal/http/middlewares"
	svc "github.com/dropDatabas3/relaypanel/internal/http/services/mfa"
	jwtx "github.com/dropDatabas3/relaypanel/internal/jwt"
	"github.com/dropDatabas3/relaypanel/internal/observability/logger"
	mfastore "github.com/dropDatabas3/relaypanel/internal/store/mfa"
	"go.uber.org/zap"
)

// Controller maneja los endpoints /api/mfa/*. Todos exigen sesión.
type Controller struct {
	service *svc.Service
}

// NewController crea el controller.
func NewController(s *svc.Service) *Controller {
	return &Controller{service: s}
}

func sessionClaims(w http.ResponseWriter, r *http.Request) *jwtx.SessionClaims {
	claims := middlewares.GetSessionClaims(r.Context())
	if claims == nil {
		httperrors.WriteError(w, httperrors.ErrUnauthorized)
		return nil
	}
	return claims
}

// TOTPSetup maneja POST /api/mfa/totp/setup.
func (c *Controller) TOTPSetup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("mfa.totp.setup"))

	claims := sessionClaims(w, r)
	if claims == nil {
		return
	}
	resp, err := c.service.BeginTOTPSetup(ctx, claims.Subject)
	if err != nil {
		c.handleServiceError(w, err, log)
		return
	}
	// el body lleva el secreto: nunca cachear
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	httperrors.WriteJSON(w, http.StatusOK, resp)
}

// TOTPConfirm maneja POST /api/mfa/totp/verify (activa el factor pendiente o
// eleva la sesión si ya está activo).
func (c *Controller) TOTPConfirm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("mfa.totp.verify"))

	claims := sessionClaims(w, r)
	if claims == nil {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 4<<10)
	var req dto.VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperrors.WriteError(w, httperrors.ErrInvalidJSON)
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		httperrors.WriteError(w, httperrors.ErrMissingFields.WithDetail("code is required"))
		return
	}

	err := c.service.ConfirmTOTP(ctx, claims.Subject, claims.FamilyID, req.Code)
	if errors.Is(err, svc.ErrNoPendingSetup) {
		// sin setup pendiente es una verificación del factor activo
		err = c.service.VerifyTOTP(ctx, claims.Subject, claims.FamilyID, req.Code)
	}
	if err != nil {
		c.handleServiceError(w, err, log)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TOTPDisable maneja POST /api/mfa/totp/disable.
func (c *Controller) TOTPDisable(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("mfa.totp.disable"))

	claims := sessionClaims(w, r)
	if claims == nil {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 4<<10)
	var req dto.DisableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperrors.WriteError(w, httperrors.ErrInvalidJSON)
		return
	}
	if err := c.service.DisableTOTP(ctx, claims.Subject, req); err != nil {
		c.handleServiceError(w, err, log)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// FIDO2RegisterBegin maneja POST /api/mfa/fido2/register/begin.
func (c *Controller) FIDO2RegisterBegin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("mfa.fido2.register.begin"))

	claims := sessionClaims(w, r)
	if claims == nil {
		return
	}
	options, err := c.service.BeginRegisterDevice(ctx, claims.Subject)
	if err != nil {
		c.handleServiceError(w, err, log)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	httperrors.WriteJSON(w, http.StatusOK, options)
}

// FIDO2RegisterComplete maneja POST /api/mfa/fido2/register/complete.
func (c *Controller) FIDO2RegisterComplete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("mfa.fido2.register.complete"))

	claims := sessionClaims(w, r)
	if claims == nil {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	var req dto.FIDO2CompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperrors.WriteError(w, httperrors.ErrInvalidJSON)
		return
	}
	if len(req.Credential) == 0 {
		httperrors.WriteError(w, httperrors.ErrMissingFields.WithDetail("credential is required"))
		return
	}
	view, err := c.service.CompleteRegisterDevice(ctx, claims.Subject, req.Name, req.Credential)
	if err != nil {
		c.handleServiceError(w, err, log)
		return
	}
	httperrors.WriteJSON(w, http.StatusCreated, view)
}

// FIDO2AssertBegin maneja POST /api/mfa/fido2/authenticate/begin.
func (c *Controller) FIDO2AssertBegin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("mfa.fido2.authenticate.begin"))

	claims := sessionClaims(w, r)
	if claims == nil {
		return
	}
	options, err := c.service.BeginAssertDevice(ctx, claims.Subject)
	if err != nil {
		c.handleServiceError(w, err, log)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	httperrors.WriteJSON(w, http.StatusOK, options)
}

// FIDO2AssertComplete maneja POST /api/mfa/fido2/authenticate/complete.
func (c *Controller) FIDO2AssertComplete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("mfa.fido2.authenticate.complete"))

	claims := sessionClaims(w, r)
	if claims == nil {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	var req dto.FIDO2CompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperrors.WriteError(w, httperrors.ErrInvalidJSON)
		return
	}
	if err := c.service.CompleteAssertDevice(ctx, claims.Subject, claims.FamilyID, req.Credential); err != nil {
		c.handleServiceError(w, err, log)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// FIDO2Remove maneja DELETE /api/mfa/fido2/devices/{id}.
func (c *Controller) FIDO2Remove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("mfa.fido2.remove"))

	claims := sessionClaims(w, r)
	if claims == nil {
		return
	}
	if err := c.service.RemoveDevice(ctx, claims.Subject, chi.URLParam(r, "id")); err != nil {
		c.handleServiceError(w, err, log)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// BackupGenerate maneja POST /api/mfa/backup/generate.
func (c *Controller) BackupGenerate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("mfa.backup.generate"))

	claims := sessionClaims(w, r)
	if claims == nil {
		return
	}
	resp, err := c.service.GenerateBackupCodes(ctx, claims.Subject)
	if err != nil {
		c.handleServiceError(w, err, log)
		return
	}
	// única vez que los códigos viajan en claro
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	httperrors.WriteJSON(w, http.StatusOK, resp)
}

// Status maneja GET /api/mfa/status.
func (c *Controller) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("mfa.status"))

	claims := sessionClaims(w, r)
	if claims == nil {
		return
	}
	resp, err := c.service.Status(ctx, claims.Subject, claims.FamilyID)
	if err != nil {
		c.handleServiceError(w, err, log)
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, resp)
}

func (c *Controller) handleServiceError(w http.ResponseWriter, err error, log *zap.Logger) {
	switch {
	case errors.Is(err, svc.ErrCodeInvalid), errors.Is(err, mfastore.ErrCodeInvalid), errors.Is(err, mfastore.ErrNoBackupCodes):
		httperrors.WriteError(w, httperrors.ErrMFAFailed)
	case errors.Is(err, svc.ErrNoPendingSetup):
		httperrors.WriteError(w, httperrors.ErrBadRequest.WithDetail("no totp setup in progress, call setup first"))
	case errors.Is(err, svc.ErrNoPendingSession):
		httperrors.WriteError(w, httperrors.ErrBadRequest.WithDetail("no webauthn ceremony in progress, call begin first"))
	case errors.Is(err, svc.ErrNoDevices):
		httperrors.WriteError(w, httperrors.ErrBadRequest.WithDetail("no fido2 devices registered"))
	case errors.Is(err, svc.ErrFIDO2NotConfigured):
		httperrors.WriteError(w, httperrors.ErrConflict.WithDetail("fido2 not configured on this server, set mfa.rp_id"))
	case errors.Is(err, mfastore.ErrDeviceNotFound):
		httperrors.WriteError(w, httperrors.ErrNotFound.WithDetail("device not found"))
	case errors.Is(err, mfastore.ErrCounterReplayed):
		log.Warn("authenticator counter replay", zap.Error(err))
		httperrors.WriteError(w, httperrors.ErrMFAFailed.WithDetail("authenticator state inconsistent, contact an administrator"))
	default:
		log.Error("unexpected error", zap.Error(err))
		httperrors.WriteError(w, httperrors.ErrInternalServerError)
	}
}
