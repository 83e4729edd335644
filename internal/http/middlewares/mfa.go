package middlewares

import (
	"net/http"

	"github.com/dropDatabas3/relaypanel/internal/cache"
	httperrors "github.com/dropDatabas3/relaypanel/internal/http/errors"
	mfastore "github.com/dropDatabas3/relaypanel/internal/store/mfa"
)

// RequireMFA gatea operaciones sensibles detrás del segundo factor.
// Corto-circuito si la familia de la sesión ya está marcada como verificada
// (login con TOTP en el mismo request, o verificación posterior). Si el
// usuario no tiene ningún factor habilitado y no está enforced, pasa.
func RequireMFA(store cache.Client, records *mfastore.Store) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := GetSessionClaims(r.Context())
			if claims == nil {
				httperrors.WriteError(w, httperrors.ErrUnauthorized)
				return
			}

			rec := records.Get(claims.Subject)
			if !rec.AnyEnabled() {
				next.ServeHTTP(w, r)
				return
			}

			if ok, _ := store.Exists(r.Context(), MFAKey(claims.FamilyID)); ok {
				next.ServeHTTP(w, r)
				return
			}
			httperrors.WriteError(w, httperrors.ErrMFARequired)
		})
	}
}
