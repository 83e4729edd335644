// Package server construye el handler HTTP del panel con todas las
// dependencias cableadas.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/go-webauthn/webauthn/webauthn"
	rdb "github.com/redis/go-redis/v9"

	"github.com/dropDatabas3/relaypanel/internal/alert"
	"github.com/dropDatabas3/relaypanel/internal/audit"
	"github.com/dropDatabas3/relaypanel/internal/cache"
	"github.com/dropDatabas3/relaypanel/internal/cache/memory"
	cacheredis "github.com/dropDatabas3/relaypanel/internal/cache/redis"
	"github.com/dropDatabas3/relaypanel/internal/config"
	authctrl "github.com/dropDatabas3/relaypanel/internal/http/controllers/auth"
	exchangectrl "github.com/dropDatabas3/relaypanel/internal/http/controllers/exchange"
	healthctrl "github.com/dropDatabas3/relaypanel/internal/http/controllers/health"
	mfactrl "github.com/dropDatabas3/relaypanel/internal/http/controllers/mfa"
	"github.com/dropDatabas3/relaypanel/internal/http/middlewares"
	"github.com/dropDatabas3/relaypanel/internal/http/router"
	authsvc "github.com/dropDatabas3/relaypanel/internal/http/services/auth"
	exchangesvc "github.com/dropDatabas3/relaypanel/internal/http/services/exchange"
	healthsvc "github.com/dropDatabas3/relaypanel/internal/http/services/health"
	mfasvc "github.com/dropDatabas3/relaypanel/internal/http/services/mfa"
	jwtx "github.com/dropDatabas3/relaypanel/internal/jwt"
	"github.com/dropDatabas3/relaypanel/internal/metrics"
	"github.com/dropDatabas3/relaypanel/internal/oauth/msgraph"
	"github.com/dropDatabas3/relaypanel/internal/rate"
	"github.com/dropDatabas3/relaypanel/internal/security/secretbox"
	"github.com/dropDatabas3/relaypanel/internal/store/accounts"
	"github.com/dropDatabas3/relaypanel/internal/store/mfa"
	"github.com/dropDatabas3/relaypanel/internal/store/users"
)

// App es el resultado del wiring: el handler listo más los workers de fondo
// y los recursos a cerrar.
type App struct {
	Handler   http.Handler
	Refresher *msgraph.Refresher

	Box      *secretbox.Box
	Users    *users.Store
	MFA      *mfa.Store
	Accounts *accounts.Store
	Issuer   *jwtx.Issuer

	cleanups []func() error
}

// Close libera los recursos en orden inverso al wiring.
func (a *App) Close() error {
	var first error
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		if err := a.cleanups[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Build cablea la aplicación completa a partir de la config.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	app := &App{}

	// Paso 1: master key + stores cifrados.
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("wiring: data dir: %w", err)
	}
	box, err := secretbox.Open(cfg.DataPath("master.key"))
	if err != nil {
		return nil, fmt.Errorf("wiring: open master key: %w", err)
	}
	app.Box = box

	usersStore, err := users.Open(cfg.DataPath("users.yaml.enc"), box)
	if err != nil {
		return nil, fmt.Errorf("wiring: users store: %w", err)
	}
	mfaStore, err := mfa.Open(cfg.DataPath("mfa.yaml.enc"), box)
	if err != nil {
		return nil, fmt.Errorf("wiring: mfa store: %w", err)
	}
	accountsStore, err := accounts.Open(cfg.DataPath("accounts.yaml.enc"), box)
	if err != nil {
		return nil, fmt.Errorf("wiring: accounts store: %w", err)
	}
	app.Users, app.MFA, app.Accounts = usersStore, mfaStore, accountsStore

	// Paso 2: cache TTL (memoria o Redis).
	var (
		cacheClient cache.Client
		redisClient *rdb.Client // no nil sólo con backend redis; lo comparte el rate limiter
	)
	switch cfg.Cache.Kind {
	case "redis":
		cacheClient, err = cacheredis.New(ctx, cache.Config{
			Driver:   "redis",
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			Prefix:   cfg.Cache.Redis.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("wiring: redis cache: %w", err)
		}
		if r, ok := cacheClient.(*cacheredis.Redis); ok {
			redisClient = r.Client()
		}
	default:
		cacheClient = memory.New(config.ParseDuration(cfg.Cache.Memory.DefaultTTL, 0))
	}
	app.cleanups = append(app.cleanups, cacheClient.Close)

	// Paso 3: issuer de sesión (Ed25519 sellado con la master key).
	issuer, err := jwtx.NewIssuer(
		cfg.JWT.Issuer,
		cfg.DataPath("session.key"),
		box,
		config.ParseDuration(cfg.JWT.AccessTTL, 0),
		config.ParseDuration(cfg.JWT.RefreshTTL, 0),
	)
	if err != nil {
		return nil, fmt.Errorf("wiring: session issuer: %w", err)
	}
	app.Issuer = issuer

	// Paso 4: audit trail + alertas.
	trail, err := audit.Open(cfg.DataPath("audit.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("wiring: audit trail: %w", err)
	}
	app.cleanups = append(app.cleanups, trail.Close)
	mailer := alert.NewMailer(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password, cfg.SMTP.From, cfg.SMTP.To)

	// Paso 5: integración Exchange Online.
	graphClient := msgraph.New(cfg.Exchange.TenantID, cfg.Exchange.ClientID, cfg.Exchange.ClientSecret)
	manager := msgraph.NewManager(msgraph.ManagerDeps{
		Client:      graphClient,
		Accounts:    accountsStore,
		Cache:       cacheClient,
		Alerter:     mailer,
		Scopes:      cfg.Exchange.Scopes,
		RedirectURI: cfg.Exchange.RedirectURI,
	})
	app.Refresher = msgraph.NewRefresher(manager, accountsStore, config.ParseDuration(cfg.Exchange.RefreshInterval, 0))

	// Paso 6: WebAuthn.
	var wa *webauthn.WebAuthn
	if cfg.MFA.RPID != "" {
		wa, err = webauthn.New(&webauthn.Config{
			RPDisplayName: cfg.MFA.RPDisplayName,
			RPID:          cfg.MFA.RPID,
			RPOrigins:     []string{cfg.MFA.RPOrigin},
		})
		if err != nil {
			return nil, fmt.Errorf("wiring: webauthn: %w", err)
		}
	}

	// Paso 7: services.
	sessions := authsvc.NewSessionService(authsvc.SessionDeps{
		Issuer:  issuer,
		Cache:   cacheClient,
		Alerter: mailer,
	})
	login, err := authsvc.NewLoginService(authsvc.LoginDeps{
		Users:         usersStore,
		MFA:           mfaStore,
		Sessions:      sessions,
		Cache:         cacheClient,
		Audit:         trail,
		LockThreshold: cfg.Auth.LockoutThreshold,
		LockFor:       config.ParseDuration(cfg.Auth.LockoutDuration, 0),
	})
	if err != nil {
		return nil, fmt.Errorf("wiring: login service: %w", err)
	}
	usersService := authsvc.NewUsersService(authsvc.UsersDeps{Users: usersStore, MFA: mfaStore, Audit: trail})
	mfaService := mfasvc.NewService(mfasvc.Deps{
		Records:  mfaStore,
		Users:    usersStore,
		Cache:    cacheClient,
		Sessions: sessions,
		WebAuthn: wa,
		Issuer:   cfg.MFA.TOTPIssuer,
	})
	exchangeService := exchangesvc.NewService(exchangesvc.Deps{
		Manager:  manager,
		Client:   graphClient,
		Accounts: accountsStore,
		Config:   cfg,
	})
	healthService := healthsvc.NewService(healthsvc.Deps{Cache: cacheClient, Accounts: accountsStore})

	// Paso 8: métricas + middlewares cerrados sobre sus deps.
	if err := metrics.RegisterAuth(nil); err != nil {
		return nil, fmt.Errorf("wiring: register metrics: %w", err)
	}

	loginLimiter := buildLoginLimiter(cfg, redisClient)

	deps := router.Deps{
		Auth:     authctrl.NewAuthController(login, sessions, usersStore, cfg.App.Env != "dev"),
		Users:    authctrl.NewUsersController(usersService),
		MFA:      mfactrl.NewController(mfaService),
		Exchange: exchangectrl.NewController(exchangeService),
		Health:   healthctrl.NewController(healthService),

		WithAuth:     middlewares.WithAuth(issuer, cacheClient),
		RequireMFA:   middlewares.RequireMFA(cacheClient, mfaStore),
		UsersManage:  middlewares.RequirePermission(usersStore, "users:manage"),
		ExchangeRW:   middlewares.RequirePermission(usersStore, "exchange:manage"),
		LoginLimiter: middlewares.WithRateLimit(loginLimiter, middlewares.IPOnlyRateKey),
		Base: []middlewares.Middleware{
			middlewares.WithRequestID(),
			middlewares.WithLogging(),
			middlewares.WithRecover(),
			middlewares.WithSecurityHeaders(),
			middlewares.WithCORS(cfg.Server.CORSAllowedOrigins),
		},
	}
	app.Handler = router.New(deps)
	return app, nil
}

// buildLoginLimiter elige el backend del rate limit de login. Con cache Redis
// reutiliza esa misma conexión: el contador de ventana sobrevive reinicios y
// se comparte entre instancias. Sin Redis cae al limiter en memoria.
func buildLoginLimiter(cfg *config.Config, redisClient *rdb.Client) rate.Limiter {
	if !cfg.Rate.Enabled {
		return nil
	}
	window := config.ParseDuration(cfg.Rate.Login.Window, 0)
	if redisClient != nil {
		return rate.NewRedisLimiter(redisClient, "rl:login:", cfg.Rate.Login.Limit, window)
	}
	return rate.NewMemoryLimiter(cfg.Rate.Login.Limit, window)
}
