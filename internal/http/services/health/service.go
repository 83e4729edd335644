// Package health arma la vista de /healthz.
package health

import (
	"context"

	"github.com/dropDatabas3/relaypanel/internal/cache"
	"github.com/dropDatabas3/relaypanel/internal/store/accounts"
)

// Deps son las dependencias del health check.
type Deps struct {
	Cache    cache.Client
	Accounts *accounts.Store
	Version  string
}

// Status es la respuesta de /healthz.
type Status struct {
	Status   string `json:"status"` // ok | degraded
	Version  string `json:"version,omitempty"`
	Cache    string `json:"cache"`
	Accounts int    `json:"accounts"`
}

// Service ejecuta los checks.
type Service struct {
	deps Deps
}

// NewService crea el servicio.
func NewService(deps Deps) *Service {
	return &Service{deps: deps}
}

// Check corre los probes. Cache caída degrada pero no tumba el check: el
// panel sigue sirviendo lecturas.
func (s *Service) Check(ctx context.Context) *Status {
	st := &Status{Status: "ok", Version: s.deps.Version, Cache: "ok"}
	if err := s.deps.Cache.Ping(ctx); err != nil {
		st.Status = "degraded"
		st.Cache = "unreachable"
	}
	if s.deps.Accounts != nil {
		st.Accounts = len(s.deps.Accounts.ListAccounts())
	}
	return st
}
