package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	dto "github.com/dropDatabas3/relaypanel/internal/http/dto/auth"
	httperrors "github.com/dropDatabas3/relaypanel/internal/http/errors"
	"github.com/dropDatabas3/relaypanel/internal/http/middlewares"
	svc "github.com/dropDatabas3/relaypanel/internal/http/services/auth"
	"github.com/dropDatabas3/relaypanel/internal/observability/logger"
	"github.com/dropDatabas3/relaypanel/internal/store/users"
	"go.uber.org/zap"
)

// UsersController expone el CRUD de usuarios admin (requiere users:manage).
type UsersController struct {
	service *svc.UsersService
}

// NewUsersController crea el controller.
func NewUsersController(s *svc.UsersService) *UsersController {
	return &UsersController{service: s}
}

// List maneja GET /api/auth/users.
func (c *UsersController) List(w http.ResponseWriter, r *http.Request) {
	all := c.service.List(r.Context())
	views := make([]*dto.UserView, 0, len(all))
	for _, u := range all {
		views = append(views, userView(u))
	}
	httperrors.WriteJSON(w, http.StatusOK, views)
}

// Create maneja POST /api/auth/users.
func (c *UsersController) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("auth.users.create"))

	r.Body = http.MaxBytesReader(w, r.Body, 4<<10)
	var req dto.CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperrors.WriteError(w, httperrors.ErrInvalidJSON)
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" || req.Role == "" {
		httperrors.WriteError(w, httperrors.ErrMissingFields.WithDetail("username, password and role are required"))
		return
	}
	u, err := c.service.Create(ctx, req)
	if err != nil {
		c.handleServiceError(w, err, log)
		return
	}
	httperrors.WriteJSON(w, http.StatusCreated, userView(u))
}

// Update maneja PATCH /api/auth/users/{id}.
func (c *UsersController) Update(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("auth.users.update"))

	r.Body = http.MaxBytesReader(w, r.Body, 4<<10)
	var req dto.UpdateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperrors.WriteError(w, httperrors.ErrInvalidJSON)
		return
	}
	u, err := c.service.Update(ctx, chi.URLParam(r, "id"), req)
	if err != nil {
		c.handleServiceError(w, err, log)
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, userView(u))
}

// Delete maneja DELETE /api/auth/users/{id}. Auto-borrado prohibido.
func (c *UsersController) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.From(ctx).With(logger.Layer("controller"), logger.Op("auth.users.delete"))

	id := chi.URLParam(r, "id")
	if claims := middlewares.GetSessionClaims(ctx); claims != nil && claims.Subject == id {
		httperrors.WriteError(w, httperrors.ErrConflict.WithDetail("cannot delete your own account"))
		return
	}
	if err := c.service.Delete(ctx, id); err != nil {
		c.handleServiceError(w, err, log)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *UsersController) handleServiceError(w http.ResponseWriter, err error, log *zap.Logger) {
	switch {
	case errors.Is(err, users.ErrNotFound):
		httperrors.WriteError(w, httperrors.ErrUserNotFound)
	case errors.Is(err, users.ErrDuplicate):
		httperrors.WriteError(w, httperrors.ErrUsernameTaken)
	case errors.Is(err, users.ErrLastAdmin):
		httperrors.WriteError(w, httperrors.ErrLastAdmin)
	case errors.Is(err, users.ErrInvalidRole):
		httperrors.WriteError(w, httperrors.ErrBadRequest.WithDetail("role must be admin, operator or viewer"))
	case errors.Is(err, svc.ErrInvalidUsername):
		httperrors.WriteError(w, httperrors.ErrBadRequest.WithDetail("username must be 2-32 chars, lowercase [a-z0-9._-]"))
	case errors.Is(err, svc.ErrPasswordTooWeak):
		httperrors.WriteError(w, httperrors.ErrPasswordTooWeak)
	default:
		log.Error("unexpected error", zap.Error(err))
		httperrors.WriteError(w, httperrors.ErrInternalServerError)
	}
}
