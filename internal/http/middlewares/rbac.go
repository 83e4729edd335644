package middlewares

import (
	"errors"
	"net/http"

	httperrors "github.com/dropDatabas3/relaypanel/internal/http/errors"
	"github.com/dropDatabas3/relaypanel/internal/store/users"
)

// RequirePermission exige un permiso concreto. La consulta es contra el
// store (no contra las claims) para que un cambio de permisos aplique sin
// esperar a que venza el access token. El 403 nombra el permiso faltante:
// el dashboard lo necesita y el caller ya está autenticado.
func RequirePermission(store *users.Store, perm string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := GetSessionClaims(r.Context())
			if claims == nil {
				httperrors.WriteError(w, httperrors.ErrUnauthorized)
				return
			}
			u, err := store.GetByID(claims.Subject)
			if err != nil {
				if errors.Is(err, users.ErrNotFound) {
					// usuario borrado con sesión viva
					httperrors.WriteError(w, httperrors.ErrSessionRevoked)
					return
				}
				httperrors.WriteError(w, err)
				return
			}
			if !u.HasPermission(perm) {
				httperrors.WriteError(w, httperrors.ErrForbidden.WithDetail("requiere permiso "+perm))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireRole exige un rol exacto (por claims, sin tocar el store).
func RequireRole(role users.Role) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := GetSessionClaims(r.Context())
			if claims == nil {
				httperrors.WriteError(w, httperrors.ErrUnauthorized)
				return
			}
			if users.Role(claims.Role) != role {
				httperrors.WriteError(w, httperrors.ErrForbidden.WithDetail("requiere rol "+string(role)))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
