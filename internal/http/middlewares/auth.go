package middlewares

import (
	"net/http"
	"strings"

	"github.com/dropDatabas3/relaypanel/internal/cache"
	httperrors "github.com/dropDatabas3/relaypanel/internal/http/errors"
	"github.com/dropDatabas3/relaypanel/internal/jwt"
	"github.com/dropDatabas3/relaypanel/internal/observability/logger"
)

// BlacklistKey es la key de cache que marca un jti revocado.
func BlacklistKey(jti string) string { return "blacklist:" + jti }

// MFAKey es la key de cache que marca una familia de sesión como elevada
// (segundo factor verificado). El valor es el método usado.
func MFAKey(familyID string) string { return "mfa:verified:" + familyID }

// WithAuth valida el access token Bearer, chequea la blacklist y deja las
// claims en el contexto. Toda ruta protegida pasa por acá.
func WithAuth(issuer *jwt.Issuer, store cache.Client) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				httperrors.WriteError(w, httperrors.ErrTokenMissing)
				return
			}

			claims, err := issuer.Parse(raw, jwt.UseAccess)
			if err != nil {
				httperrors.WriteError(w, httperrors.ErrTokenInvalid)
				return
			}

			// revocación explícita (logout, familia invalidada por replay)
			if revoked, _ := store.Exists(r.Context(), BlacklistKey(claims.ID)); revoked {
				httperrors.WriteError(w, httperrors.ErrSessionRevoked)
				return
			}

			ctx := WithSessionClaims(r.Context(), claims)
			ctx = logger.ToContext(ctx, logger.From(ctx).With(logger.UserID(claims.Subject)))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
