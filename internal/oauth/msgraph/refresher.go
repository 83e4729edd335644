package msgraph

import (
	"context"
	"errors"
	"time"

	"github.com/dropDatabas3/relaypanel/internal/observability/logger"
	"github.com/dropDatabas3/relaypanel/internal/store/accounts"
)

// refreshSkew: margen antes del vencimiento a partir del cual un token se
// considera "por vencer" y se refresca proactivamente.
const refreshSkew = 5 * time.Minute

// Refresher refresca en background los tokens de provider por vencer, para
// que el relay nunca intente enviar con un access token muerto.
type Refresher struct {
	manager  *Manager
	store    *accounts.Store
	interval time.Duration

	running chan struct{}
}

// NewRefresher crea el loop. interval <= 0 usa 5 minutos.
func NewRefresher(manager *Manager, store *accounts.Store, interval time.Duration) *Refresher {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Refresher{
		manager:  manager,
		store:    store,
		interval: interval,
		running:  make(chan struct{}, 1),
	}
}

// Run corre el loop hasta que ctx se cancele. Bloqueante: pensado para un
// goroutine propio bajo errgroup.
func (r *Refresher) Run(ctx context.Context) error {
	log := logger.Named("oauth.refresher")
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	log.Info("refresher started", logger.Op("run"))
	for {
		select {
		case <-ctx.Done():
			log.Info("refresher stopped")
			return ctx.Err()
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep refresca cada cuenta cuyo token activo venció o está por vencer.
// Si un sweep anterior sigue corriendo (provider lento), éste se saltea.
func (r *Refresher) sweep(ctx context.Context) {
	select {
	case r.running <- struct{}{}:
		defer func() { <-r.running }()
	default:
		logger.Named("oauth.refresher").Warn("previous sweep still running, skipping")
		return
	}

	log := logger.Named("oauth.refresher")
	now := time.Now().UTC()

	for _, sum := range r.store.ListAccounts() {
		if !sum.HasRefresh {
			continue
		}
		if sum.ExpiresAt != nil && sum.ExpiresAt.After(now.Add(refreshSkew)) {
			continue
		}

		_, err := r.manager.RefreshAccount(ctx, sum.ID)
		switch {
		case err == nil:
			log.Info("account refreshed proactively", logger.AccountID(sum.ID))
		case errors.Is(err, ErrReauthRequired):
			// terminal: ya alertado por el manager, no reintentar este ciclo
		case errors.Is(err, accounts.ErrNoUsableToken):
			// carrera con un refresh manual que no reemitió refresh token
		default:
			log.Error("proactive refresh failed", logger.AccountID(sum.ID), logger.Err(err))
		}

		if ctx.Err() != nil {
			return
		}
	}
}
