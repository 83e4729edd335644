// Package router arma el árbol de rutas del panel.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	authctrl "github.com/dropDatabas3/relaypanel/internal/http/controllers/auth"
	exchangectrl "github.com/dropDatabas3/relaypanel/internal/http/controllers/exchange"
	healthctrl "github.com/dropDatabas3/relaypanel/internal/http/controllers/health"
	mfactrl "github.com/dropDatabas3/relaypanel/internal/http/controllers/mfa"
	"github.com/dropDatabas3/relaypanel/internal/http/middlewares"
)

// Deps contiene todo lo que el router necesita ya construido.
type Deps struct {
	Auth     *authctrl.AuthController
	Users    *authctrl.UsersController
	MFA      *mfactrl.Controller
	Exchange *exchangectrl.Controller
	Health   *healthctrl.Controller

	// Middlewares ya cerrados sobre sus dependencias.
	WithAuth     middlewares.Middleware
	RequireMFA   middlewares.Middleware
	UsersManage  middlewares.Middleware // users:manage
	ExchangeRW   middlewares.Middleware // exchange:manage
	LoginLimiter middlewares.Middleware // rate limit de endpoints de credenciales
	Base         []middlewares.Middleware
}

// New construye el handler raíz. El orden del stack base: request id →
// logging → recover → security headers → CORS.
func New(deps Deps) http.Handler {
	r := chi.NewRouter()

	protected := func(h http.HandlerFunc, extra ...middlewares.Middleware) http.Handler {
		mws := append([]middlewares.Middleware{deps.WithAuth}, extra...)
		return middlewares.ChainFunc(h, mws...)
	}

	r.Route("/api", func(api chi.Router) {
		api.Route("/auth", func(ar chi.Router) {
			ar.Method(http.MethodPost, "/login", middlewares.ChainFunc(deps.Auth.Login, deps.LoginLimiter))
			ar.Method(http.MethodPost, "/2fa/verify", middlewares.ChainFunc(deps.Auth.Challenge, deps.LoginLimiter))
			ar.Method(http.MethodPost, "/refresh", http.HandlerFunc(deps.Auth.Refresh))
			ar.Method(http.MethodPost, "/logout", protected(deps.Auth.Logout))
			ar.Method(http.MethodGet, "/me", protected(deps.Auth.Me))
			ar.Method(http.MethodPost, "/change-password", protected(deps.Auth.ChangePassword, deps.LoginLimiter))

			ar.Route("/users", func(ur chi.Router) {
				ur.Method(http.MethodGet, "/", protected(deps.Users.List, deps.UsersManage))
				ur.Method(http.MethodPost, "/", protected(deps.Users.Create, deps.UsersManage, deps.RequireMFA))
				ur.Method(http.MethodPatch, "/{id}", protected(deps.Users.Update, deps.UsersManage, deps.RequireMFA))
				ur.Method(http.MethodDelete, "/{id}", protected(deps.Users.Delete, deps.UsersManage, deps.RequireMFA))
			})
		})

		api.Route("/mfa", func(mr chi.Router) {
			mr.Method(http.MethodGet, "/status", protected(deps.MFA.Status))
			mr.Method(http.MethodPost, "/totp/setup", protected(deps.MFA.TOTPSetup))
			mr.Method(http.MethodPost, "/totp/verify", protected(deps.MFA.TOTPConfirm))
			mr.Method(http.MethodPost, "/totp/disable", protected(deps.MFA.TOTPDisable))
			mr.Method(http.MethodPost, "/fido2/register/begin", protected(deps.MFA.FIDO2RegisterBegin))
			mr.Method(http.MethodPost, "/fido2/register/complete", protected(deps.MFA.FIDO2RegisterComplete))
			mr.Method(http.MethodPost, "/fido2/authenticate/begin", protected(deps.MFA.FIDO2AssertBegin))
			mr.Method(http.MethodPost, "/fido2/authenticate/complete", protected(deps.MFA.FIDO2AssertComplete))
			mr.Method(http.MethodDelete, "/fido2/devices/{id}", protected(deps.MFA.FIDO2Remove))
			mr.Method(http.MethodPost, "/backup/generate", protected(deps.MFA.BackupGenerate, deps.RequireMFA))
		})

		// todo /exchange-config exige sesión + exchange:manage; las
		// mutaciones exigen además MFA verificado
		api.Route("/exchange-config", func(er chi.Router) {
			er.Method(http.MethodGet, "/status", protected(deps.Exchange.Status, deps.ExchangeRW))
			er.Method(http.MethodGet, "/accounts", protected(deps.Exchange.Accounts, deps.ExchangeRW))
			er.Method(http.MethodGet, "/token-status", protected(deps.Exchange.TokenStatus, deps.ExchangeRW))

			er.Method(http.MethodPost, "/oauth/init", protected(deps.Exchange.OAuthInit, deps.ExchangeRW, deps.RequireMFA))
			er.Method(http.MethodPost, "/oauth/poll", protected(deps.Exchange.OAuthPoll, deps.ExchangeRW))
			er.Method(http.MethodDelete, "/oauth/flows/{id}", protected(deps.Exchange.OAuthCancel, deps.ExchangeRW))
			// el callback llega por redirect del navegador, sin Bearer: lo
			// autentica el state de un solo uso emitido en oauth/init
			er.Method(http.MethodGet, "/oauth/callback", http.HandlerFunc(deps.Exchange.OAuthCallback))

			er.Method(http.MethodPost, "/accounts/{id}/refresh", protected(deps.Exchange.RefreshAccount, deps.ExchangeRW, deps.RequireMFA))
			er.Method(http.MethodPost, "/accounts/{id}/set-default", protected(deps.Exchange.SetDefaultAccount, deps.ExchangeRW, deps.RequireMFA))
			er.Method(http.MethodDelete, "/accounts/{id}", protected(deps.Exchange.DeleteAccount, deps.ExchangeRW, deps.RequireMFA))

			er.Method(http.MethodPost, "/azure/admin-auth", protected(deps.Exchange.AdminAuth, deps.ExchangeRW, deps.RequireMFA))
			// también redirect del navegador; sólo refleja el resultado del
			// consent, no toca estado
			er.Method(http.MethodGet, "/azure/admin-callback", http.HandlerFunc(deps.Exchange.AdminCallback))
			er.Method(http.MethodPost, "/azure/create-app", protected(deps.Exchange.CreateApp, deps.ExchangeRW, deps.RequireMFA))
		})
	})

	r.Method(http.MethodGet, "/healthz", http.HandlerFunc(deps.Health.Healthz))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return middlewares.Chain(r, deps.Base...)
}
