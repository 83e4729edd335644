package middlewares

import (
	"net/http"
	"strconv"

	httperrors "github.com/dropDatabas3/relaypanel/internal/http/errors"
	"github.com/dropDatabas3/relaypanel/internal/observability/logger"
	"github.com/dropDatabas3/relaypanel/internal/rate"
)

// RateKeyFunc define cómo generar la clave de rate limiting.
type RateKeyFunc func(r *http.Request) string

// IPOnlyRateKey limita por IP del cliente. Es la clave para login y MFA:
// no leemos el body para no interferir con el decode del controller.
func IPOnlyRateKey(r *http.Request) string {
	return ClientIP(r)
}

// WithRateLimit aplica un rate limiter a la ruta. Limiter nil = passthrough.
func WithRateLimit(limiter rate.Limiter, keyFn RateKeyFunc) Middleware {
	if limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	if keyFn == nil {
		keyFn = IPOnlyRateKey
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, err := limiter.Allow(r.Context(), keyFn(r))
			if err != nil {
				// limiter caído (ej: Redis): dejar pasar, logueado
				logger.From(r.Context()).Warn("rate limiter unavailable", logger.Err(err))
				next.ServeHTTP(w, r)
				return
			}
			if !res.Allowed {
				if res.RetryAfter > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())))
				}
				httperrors.WriteError(w, httperrors.ErrRateLimitExceeded)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
