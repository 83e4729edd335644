// Package exchange orquesta la integración Exchange Online para el
// dashboard: flujos OAuth, ciclo de vida de cuentas y el alta guiada de la
// app registration en Azure.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dropDatabas3/relaypanel/internal/config"
	dtoexchange "github.com/dropDatabas3/relaypanel/internal/http/dto/exchange"
	"github.com/dropDatabas3/relaypanel/internal/oauth/msgraph"
	"github.com/dropDatabas3/relaypanel/internal/observability/logger"
	"github.com/dropDatabas3/relaypanel/internal/store/accounts"
)

var (
	ErrBadMethod      = errors.New("exchange: unknown oauth method")
	ErrTenantMismatch = errors.New("exchange: tenant/client do not match the configured integration")
	ErrMissingFields  = errors.New("exchange: missing required fields")
	ErrNoAccount      = errors.New("exchange: no account available")
)

// Deps son las dependencias del servicio.
type Deps struct {
	Manager  *msgraph.Manager
	Client   *msgraph.Client
	Accounts *accounts.Store
	Config   *config.Config
}

// Service expone las operaciones de /exchange-config.
type Service struct {
	deps Deps
}

// NewService crea el servicio.
func NewService(deps Deps) *Service {
	return &Service{deps: deps}
}

// InitOAuth arranca el flujo pedido. La integración es single-tenant: si el
// request trae tenant/client tienen que coincidir con la configuración; el
// override en caliente se hace editando la config, no por acá.
func (s *Service) InitOAuth(ctx context.Context, req dtoexchange.OAuthInitRequest) (any, error) {
	if req.TenantID != "" && req.TenantID != s.deps.Config.Exchange.TenantID {
		return nil, ErrTenantMismatch
	}
	if req.ClientID != "" && req.ClientID != s.deps.Config.Exchange.ClientID {
		return nil, ErrTenantMismatch
	}

	switch strings.TrimSpace(req.Method) {
	case "device_code":
		st, err := s.deps.Manager.StartDeviceFlow(ctx)
		if err != nil {
			return nil, err
		}
		return flowView(st), nil

	case "auth_code":
		authURL, state, err := s.deps.Manager.StartAuthCode(ctx)
		if err != nil {
			return nil, err
		}
		return &dtoexchange.AuthCodeInitResponse{AuthorizationURL: authURL, State: state}, nil

	case "client_credentials":
		acc, err := s.deps.Manager.ClientCredentials(ctx)
		if err != nil {
			return nil, err
		}
		return s.summaryOf(acc.ID)

	default:
		return nil, ErrBadMethod
	}
}

// PollFlow retorna el estado actual de un device flow.
func (s *Service) PollFlow(ctx context.Context, flowID string) (*dtoexchange.DeviceFlowView, error) {
	st, err := s.deps.Manager.Flow(flowID)
	if err != nil {
		return nil, err
	}
	return flowView(st), nil
}

// CancelFlow aborta un device flow en curso.
func (s *Service) CancelFlow(ctx context.Context, flowID string) error {
	return s.deps.Manager.CancelFlow(flowID)
}

// CompleteAuthCode cierra el authorization-code flow con el redirect del
// provider.
func (s *Service) CompleteAuthCode(ctx context.Context, state, code string) (*accounts.Summary, error) {
	acc, err := s.deps.Manager.CompleteAuthCode(ctx, state, code)
	if err != nil {
		return nil, err
	}
	return s.summaryOf(acc.ID)
}

// ListAccounts lista las cuentas conocidas.
func (s *Service) ListAccounts(ctx context.Context) []accounts.Summary {
	return s.deps.Accounts.ListAccounts()
}

// RefreshAccount fuerza un refresh del token de la cuenta.
func (s *Service) RefreshAccount(ctx context.Context, accountID string) (*accounts.Summary, error) {
	if _, err := s.deps.Manager.RefreshAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return s.summaryOf(accountID)
}

// SetDefaultAccount marca la cuenta usada por el relay cuando nadie
// especifica una.
func (s *Service) SetDefaultAccount(ctx context.Context, accountID string) error {
	return s.deps.Accounts.SetDefaultAccount(accountID)
}

// RemoveAccount borra la cuenta y todo su historial de tokens.
func (s *Service) RemoveAccount(ctx context.Context, accountID string) error {
	if err := s.deps.Accounts.RemoveAccount(accountID); err != nil {
		return err
	}
	logger.From(ctx).Info("exchange account removed",
		logger.Component("exchange"), logger.AccountID(accountID),
		logger.SecurityEvent("exchange_account_removed"),
	)
	return nil
}

// Status arma la vista de configuración con el secret redactado.
func (s *Service) Status(ctx context.Context) *dtoexchange.ConfigStatusView {
	ex := s.deps.Config.RedactedExchange()
	return &dtoexchange.ConfigStatusView{
		TenantID:       ex.TenantID,
		ClientID:       ex.ClientID,
		ClientSecret:   ex.ClientSecret,
		AuthMethod:     ex.AuthMethod,
		Scopes:         ex.Scopes,
		AccountCount:   len(s.deps.Accounts.ListAccounts()),
		DefaultAccount: s.deps.Accounts.DefaultAccountID(),
	}
}

// TokenStatus retorna el estado del token activo de la cuenta (o de la
// default si accountID viene vacío).
func (s *Service) TokenStatus(ctx context.Context, accountID string) (*dtoexchange.TokenStatusView, error) {
	if accountID == "" {
		accountID = s.deps.Accounts.DefaultAccountID()
	}
	if accountID == "" {
		return nil, ErrNoAccount
	}
	tv, err := s.deps.Accounts.GetAccountTokens(accountID)
	if err != nil {
		return nil, err
	}
	return &dtoexchange.TokenStatusView{
		AccountID:    tv.AccountID,
		Email:        tv.Email,
		TokenType:    tv.Token.TokenType,
		Scope:        tv.Token.Scope,
		ExpiresAt:    tv.Token.ExpiresAt,
		AcquiredAt:   tv.Token.AcquiredAt,
		NeedsRefresh: tv.NeedsRefresh,
	}, nil
}

// AdminConsentURL construye la URL de admin consent tenant-wide.
func (s *Service) AdminConsentURL(ctx context.Context, req dtoexchange.AdminConsentRequest) (string, error) {
	tenant := req.TenantID
	if tenant == "" {
		tenant = s.deps.Config.Exchange.TenantID
	}
	if tenant == "" || s.deps.Config.Exchange.ClientID == "" {
		return "", ErrMissingFields
	}
	return s.deps.Client.AdminConsentURL(tenant, s.deps.Config.Exchange.ClientID, req.RedirectURI), nil
}

// CreateApp ejecuta el alta guiada de la app registration, emitiendo
// progreso por evento (el controller lo streamea como SSE). El resultado
// final viaja en el evento "complete"; el secret NO se persiste acá.
func (s *Service) CreateApp(ctx context.Context, req dtoexchange.CreateAppRequest, emit func(dtoexchange.SSEEvent)) error {
	log := logger.From(ctx).With(
		logger.Layer("service"),
		logger.Component("exchange"),
		logger.Op("CreateApp"),
	)
	if req.DisplayName == "" || req.TenantID == "" || req.GraphAccessToken == "" {
		return ErrMissingFields
	}
	fail := func(step string, err error) error {
		log.Error("app registration step failed", logger.Err(err))
		emit(dtoexchange.SSEEvent{Type: "error", Step: step, Message: err.Error()})
		return err
	}

	emit(dtoexchange.SSEEvent{Type: "progress", Step: "create_application", Message: "Creando la app registration"})
	objectID, appID, err := s.deps.Client.CreateApplication(ctx, req.GraphAccessToken, req.DisplayName)
	if err != nil {
		return fail("create_application", err)
	}

	emit(dtoexchange.SSEEvent{Type: "progress", Step: "add_password", Message: "Generando el client secret"})
	secret, expiresAt, err := s.deps.Client.AddApplicationPassword(ctx, req.GraphAccessToken, objectID)
	if err != nil {
		return fail("add_password", err)
	}

	emit(dtoexchange.SSEEvent{Type: "progress", Step: "service_principal", Message: "Instanciando el service principal"})
	if err := s.deps.Client.CreateServicePrincipal(ctx, req.GraphAccessToken, appID); err != nil {
		return fail("service_principal", err)
	}

	reg := msgraph.AppRegistration{
		ObjectID:        objectID,
		AppID:           appID,
		DisplayName:     req.DisplayName,
		ClientSecret:    secret,
		SecretExpiresAt: expiresAt,
		ConsentURL:      s.deps.Client.AdminConsentURL(req.TenantID, appID, ""),
	}
	log.Info("app registration created", logger.SecurityEvent("exchange_app_created"))
	emit(dtoexchange.SSEEvent{Type: "complete", Message: "App registrada", Detail: reg})
	return nil
}

func (s *Service) summaryOf(accountID string) (*accounts.Summary, error) {
	for _, sum := range s.deps.Accounts.ListAccounts() {
		if sum.ID == accountID {
			cp := sum
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("exchange: account %s not listed after save", accountID)
}

func flowView(st *msgraph.FlowStatus) *dtoexchange.DeviceFlowView {
	return &dtoexchange.DeviceFlowView{
		FlowID:          st.ID,
		State:           string(st.State),
		UserCode:        st.UserCode,
		VerificationURI: st.VerificationURI,
		Message:         st.Message,
		AccountID:       st.AccountID,
		Error:           st.Error,
		ExpiresAt:       st.ExpiresAt,
	}
}
