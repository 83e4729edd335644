// Package health contiene el controller de /healthz.
package health

import (
	"net/http"

	httperrors "github.com/dropDatabas3/relaypanel/internal/http/errors"
	svc "github.com/dropDatabas3/relaypanel/internal/http/services/health"
)

// Controller maneja el health check.
type Controller struct {
	service *svc.Service
}

// NewController crea el controller.
func NewController(s *svc.Service) *Controller {
	return &Controller{service: s}
}

// Healthz maneja GET /healthz. Degradado responde 200 igual: el proceso
// está vivo, el detalle va en el body.
func (c *Controller) Healthz(w http.ResponseWriter, r *http.Request) {
	httperrors.WriteJSON(w, http.StatusOK, c.service.Check(r.Context()))
}
