// Package exchange contiene los controllers de /api/exchange-config.
package exchange

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	dto "github.com/dropDatabas3/relaypanel/internal/http/dto/exchange"
	httperrors "github.com/dropDatabas3/relaypanel/internal/http/errors"
	svc "github.com/dropDatabas3/relaypanel/internal/http/services/exchange"
	"github.com/dropDatabas3/relaypanel/internal/oauth/msgraph"
	"github.com/dropDatabas3/relaypanel/internal/observability/logger"
	"github.com/dropDatabas3/relaypanel/internal/store/accounts"
	"go.uber.org/zap"
)

// Controller maneja la configuración Exchange Online del panel.
type Controller struct {
	service *svc.Service
}

// NewController crea el controller.
func NewController(s *svc.Service) *Controller {
	return &Controller{service: s}
}

// OAuthInit maneja POST /api/exchange-config/oauth/init.
func (c *Controller) OAuthInit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("exchange.oauth.init"))

	r.Body = http.MaxBytesReader(w, r.Body, 8<<10)
	var req dto.OAuthInitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperrors.WriteError(w, httperrors.ErrInvalidJSON)
		return
	}
	resp, err := c.service.InitOAuth(ctx, req)
	if err != nil {
		c.handleServiceError(w, err, log)
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, resp)
}

// OAuthPoll maneja POST /api/exchange-config/oauth/poll.
func (c *Controller) OAuthPoll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("exchange.oauth.poll"))

	r.Body = http.MaxBytesReader(w, r.Body, 4<<10)
	var req dto.PollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperrors.WriteError(w, httperrors.ErrInvalidJSON)
		return
	}
	if req.FlowID == "" {
		httperrors.WriteError(w, httperrors.ErrMissingFields.WithDetail("flowId is required"))
		return
	}
	view, err := c.service.PollFlow(ctx, req.FlowID)
	if err != nil {
		c.handleServiceError(w, err, log)
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, view)
}

// OAuthCancel maneja DELETE /api/exchange-config/oauth/flows/{id}.
func (c *Controller) OAuthCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("exchange.oauth.cancel"))

	if err := c.service.CancelFlow(ctx, chi.URLParam(r, "id")); err != nil {
		c.handleServiceError(w, err, log)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// OAuthCallback maneja GET /api/exchange-config/oauth/callback (redirect del
// authorization-code flow).
func (c *Controller) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("exchange.oauth.callback"))

	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		httperrors.WriteError(w, httperrors.ErrProviderError.WithDetail(e+": "+q.Get("error_description")))
		return
	}
	state, code := q.Get("state"), q.Get("code")
	if state == "" || code == "" {
		httperrors.WriteError(w, httperrors.ErrMissingFields.WithDetail("state and code are required"))
		return
	}
	sum, err := c.service.CompleteAuthCode(ctx, state, code)
	if err != nil {
		c.handleServiceError(w, err, log)
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, sum)
}

// Accounts maneja GET /api/exchange-config/accounts.
func (c *Controller) Accounts(w http.ResponseWriter, r *http.Request) {
	httperrors.WriteJSON(w, http.StatusOK, c.service.ListAccounts(r.Context()))
}

// RefreshAccount maneja POST /api/exchange-config/accounts/{id}/refresh.
func (c *Controller) RefreshAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("exchange.accounts.refresh"))

	sum, err := c.service.RefreshAccount(ctx, chi.URLParam(r, "id"))
	if err != nil {
		c.handleServiceError(w, err, log)
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, sum)
}

// SetDefaultAccount maneja POST /api/exchange-config/accounts/{id}/set-default.
func (c *Controller) SetDefaultAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("exchange.accounts.set_default"))

	if err := c.service.SetDefaultAccount(ctx, chi.URLParam(r, "id")); err != nil {
		c.handleServiceError(w, err, log)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteAccount maneja DELETE /api/exchange-config/accounts/{id}.
func (c *Controller) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("exchange.accounts.delete"))

	if err := c.service.RemoveAccount(ctx, chi.URLParam(r, "id")); err != nil {
		c.handleServiceError(w, err, log)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Status maneja GET /api/exchange-config/status.
func (c *Controller) Status(w http.ResponseWriter, r *http.Request) {
	httperrors.WriteJSON(w, http.StatusOK, c.service.Status(r.Context()))
}

// TokenStatus maneja GET /api/exchange-config/token-status.
func (c *Controller) TokenStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("exchange.token_status"))

	view, err := c.service.TokenStatus(ctx, r.URL.Query().Get("accountId"))
	if err != nil {
		c.handleServiceError(w, err, log)
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, view)
}

// AdminAuth maneja POST /api/exchange-config/azure/admin-auth: construye la
// URL de admin consent.
func (c *Controller) AdminAuth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("exchange.azure.admin_auth"))

	r.Body = http.MaxBytesReader(w, r.Body, 4<<10)
	var req dto.AdminConsentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperrors.WriteError(w, httperrors.ErrInvalidJSON)
		return
	}
	u, err := c.service.AdminConsentURL(ctx, req)
	if err != nil {
		c.handleServiceError(w, err, log)
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, map[string]string{"consentUrl": u})
}

// AdminCallback maneja GET /api/exchange-config/azure/admin-callback.
func (c *Controller) AdminCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("error") != "" {
		httperrors.WriteError(w, httperrors.ErrProviderError.WithDetail(q.Get("error")+": "+q.Get("error_description")))
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, map[string]any{
		"adminConsent": q.Get("admin_consent") == "True",
		"tenant":       q.Get("tenant"),
	})
}

// CreateApp maneja POST /api/exchange-config/azure/create-app con progreso
// por Server-Sent Events.
func (c *Controller) CreateApp(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("exchange.azure.create_app"))

	r.Body = http.MaxBytesReader(w, r.Body, 16<<10)
	var req dto.CreateAppRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperrors.WriteError(w, httperrors.ErrInvalidJSON)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httperrors.WriteError(w, httperrors.ErrInternalServerError.WithDetail("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	emit := func(ev dto.SSEEvent) {
		b, err := json.Marshal(ev)
		if err != nil {
			log.Error("marshal sse event", zap.Error(err))
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, b)
		flusher.Flush()
	}

	// el error final ya viajó como evento "error"; acá solo se loggea
	if err := c.service.CreateApp(ctx, req, emit); err != nil {
		log.Warn("create-app finished with error", zap.Error(err))
	}
}

func (c *Controller) handleServiceError(w http.ResponseWriter, err error, log *zap.Logger) {
	var perr *msgraph.ProviderError
	switch {
	case errors.Is(err, svc.ErrBadMethod):
		httperrors.WriteError(w, httperrors.ErrBadRequest.WithDetail("method must be device_code, auth_code or client_credentials"))
	case errors.Is(err, svc.ErrTenantMismatch):
		httperrors.WriteError(w, httperrors.ErrConflict.WithDetail("tenant/client do not match the configured integration"))
	case errors.Is(err, svc.ErrMissingFields):
		httperrors.WriteError(w, httperrors.ErrMissingFields)
	case errors.Is(err, svc.ErrNoAccount):
		httperrors.WriteError(w, httperrors.ErrAccountNotFound.WithDetail("no default account configured"))
	case errors.Is(err, msgraph.ErrFlowNotFound):
		httperrors.WriteError(w, httperrors.ErrFlowNotFound)
	case errors.Is(err, msgraph.ErrStateMismatch):
		httperrors.WriteError(w, httperrors.ErrBadRequest.WithDetail("unknown or expired oauth state"))
	case errors.Is(err, msgraph.ErrReauthRequired):
		httperrors.WriteError(w, httperrors.ErrReauthRequired)
	case errors.Is(err, accounts.ErrAccountNotFound):
		httperrors.WriteError(w, httperrors.ErrAccountNotFound)
	case errors.Is(err, accounts.ErrNoUsableToken):
		httperrors.WriteError(w, httperrors.ErrReauthRequired.WithDetail("token expired and no refresh token available"))
	case errors.As(err, &perr):
		// el code/description del provider pasa al operador tal cual
		httperrors.WriteError(w, httperrors.ErrProviderError.WithDetail(perr.Code+": "+perr.Description))
	default:
		log.Error("unexpected error", zap.Error(err))
		httperrors.WriteError(w, httperrors.ErrInternalServerError)
	}
}
