package msgraph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dropDatabas3/relaypanel/internal/cache"
	"github.com/dropDatabas3/relaypanel/internal/metrics"
	"github.com/dropDatabas3/relaypanel/internal/observability/logger"
	token "github.com/dropDatabas3/relaypanel/internal/security/token"
	"github.com/dropDatabas3/relaypanel/internal/store/accounts"
)

// FlowState es el estado observable de un device flow.
type FlowState string

const (
	StateIdle           FlowState = "idle"
	StateCodeRequested  FlowState = "code_requested"
	StatePollingPending FlowState = "polling_pending"
	StateAuthenticated  FlowState = "authenticated"
	StateExpired        FlowState = "expired"
	StateDenied         FlowState = "denied"
	StateFailed         FlowState = "failed"
	StateCancelled      FlowState = "cancelled"
)

// Terminal reporta si el flow ya no va a cambiar de estado.
func (s FlowState) Terminal() bool {
	switch s {
	case StateAuthenticated, StateExpired, StateDenied, StateFailed, StateCancelled:
		return true
	}
	return false
}

var (
	ErrFlowNotFound    = errors.New("msgraph: flow not found")
	ErrFlowNotTerminal = errors.New("msgraph: flow still pending")
	// ErrReauthRequired indica refresh token inutilizable (invalid_grant):
	// la cuenta requiere un flow interactivo nuevo.
	ErrReauthRequired = errors.New("msgraph: refresh token rejected; re-authentication required")
	ErrStateMismatch  = errors.New("msgraph: oauth state unknown or expired")
)

// authStateTTL acota la ventana entre emitir la URL de autorización y
// recibir el callback.
const authStateTTL = 10 * time.Minute

// FlowStatus es la vista del flow que consume el dashboard vía polling.
type FlowStatus struct {
	ID              string    `json:"id"`
	State           FlowState `json:"state"`
	UserCode        string    `json:"userCode,omitempty"`
	VerificationURI string    `json:"verificationUri,omitempty"`
	Message         string    `json:"message,omitempty"`
	AccountID       string    `json:"accountId,omitempty"`
	Error           string    `json:"error,omitempty"`
	ExpiresAt       time.Time `json:"expiresAt"`
	StartedAt       time.Time `json:"startedAt"`
}

// deviceFlow es el estado interno de un device flow en curso.
type deviceFlow struct {
	status FlowStatus
	cancel context.CancelFunc
}

// Alerter notifica eventos que requieren intervención del operador.
type Alerter interface {
	Notify(ctx context.Context, subject, body string)
}

// ManagerDeps son las dependencias del flow manager.
type ManagerDeps struct {
	Client   *Client
	Accounts *accounts.Store
	Cache    cache.Client // state+verifier del auth code flow
	Alerter  Alerter      // opcional
	Scopes   []string
	// RedirectURI del auth code flow (callback del dashboard).
	RedirectURI string
}

// Manager orquesta los tres grants contra el identity provider y materializa
// los resultados en el Token Manager.
//
// Los device flows viven en memoria (el cancel func no es serializable): un
// restart del proceso los pierde y el dashboard simplemente inicia uno nuevo.
type Manager struct {
	deps ManagerDeps

	mu    sync.Mutex
	flows map[string]*deviceFlow
	// reauth marca cuentas cuyo refresh token fue rechazado con
	// invalid_grant: no se reintentan hasta que un flow nuevo las reemplace.
	reauth map[string]bool
}

// NewManager crea el flow manager.
func NewManager(deps ManagerDeps) *Manager {
	return &Manager{
		deps:   deps,
		flows:  make(map[string]*deviceFlow),
		reauth: make(map[string]bool),
	}
}

// NeedsReauth reporta si la cuenta está marcada terminal por invalid_grant.
func (m *Manager) NeedsReauth(accountID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reauth[accountID]
}

// clearReauth levanta la marca terminal: un flow interactivo nuevo reemplazó
// los tokens de la cuenta.
func (m *Manager) clearReauth(accountID string) {
	m.mu.Lock()
	delete(m.reauth, accountID)
	m.mu.Unlock()
}

// StartDeviceFlow inicia el device authorization grant: pide el device code y
// arranca el polling en background. Retorna el status inicial con el user
// code para mostrar al operador.
func (m *Manager) StartDeviceFlow(ctx context.Context) (*FlowStatus, error) {
	log := logger.Named("oauth.device").With(
		logger.TenantID(m.deps.Client.TenantID),
		logger.ClientID(m.deps.Client.ClientID),
	)

	dc, err := m.deps.Client.RequestDeviceCode(ctx, m.deps.Scopes)
	if err != nil {
		log.Error("device code request failed", logger.Err(err))
		return nil, fmt.Errorf("msgraph: request device code: %w", err)
	}

	now := time.Now().UTC()
	id := uuid.NewString()
	st := FlowStatus{
		ID:              id,
		State:           StateCodeRequested,
		UserCode:        dc.UserCode,
		VerificationURI: dc.VerificationURI,
		Message:         dc.Message,
		ExpiresAt:       now.Add(time.Duration(dc.ExpiresIn) * time.Second),
		StartedAt:       now,
	}

	pollCtx, cancel := context.WithDeadline(context.Background(), st.ExpiresAt)
	fl := &deviceFlow{status: st, cancel: cancel}

	m.mu.Lock()
	m.flows[id] = fl
	m.mu.Unlock()

	log.Info("device flow started",
		logger.FlowID(id),
		logger.Op("start_device_flow"),
	)

	go m.pollLoop(pollCtx, id, dc.DeviceCode, time.Duration(dc.Interval)*time.Second)
	return &st, nil
}

// pollLoop consulta el token endpoint hasta resolución o expiración.
// slow_down ensancha el intervalo de a 5s como pide el RFC 8628.
func (m *Manager) pollLoop(ctx context.Context, flowID, deviceCode string, interval time.Duration) {
	log := logger.Named("oauth.device").With(logger.FlowID(flowID))
	m.setState(flowID, func(st *FlowStatus) { st.State = StatePollingPending })

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// deadline = device code vencido; cancel explícito ya marcó estado
			m.setState(flowID, func(st *FlowStatus) {
				if st.State.Terminal() {
					return
				}
				st.State = StateExpired
				st.Error = "device code expired before approval"
			})
			m.finishFlow(flowID, log)
			return
		case <-ticker.C:
		}

		tr, err := m.deps.Client.PollDeviceToken(ctx, deviceCode)
		switch {
		case err == nil:
			m.completeDeviceFlow(ctx, flowID, tr, log)
			return
		case IsAuthorizationPending(err):
			continue
		case IsSlowDown(err):
			interval += 5 * time.Second
			ticker.Reset(interval)
		case IsExpiredToken(err):
			m.setState(flowID, func(st *FlowStatus) {
				st.State = StateExpired
				st.Error = err.Error()
			})
			m.finishFlow(flowID, log)
			return
		case IsAccessDenied(err):
			m.setState(flowID, func(st *FlowStatus) {
				st.State = StateDenied
				st.Error = err.Error()
			})
			m.finishFlow(flowID, log)
			return
		default:
			var pe *ProviderError
			if errors.As(err, &pe) {
				// error no-retryable del provider
				m.setState(flowID, func(st *FlowStatus) {
					st.State = StateFailed
					st.Error = err.Error()
				})
				m.finishFlow(flowID, log)
				return
			}
			// error de red: transitorio, seguir intentando
			log.Warn("device poll transport error", logger.Err(err))
		}
	}
}

// completeDeviceFlow materializa los tokens en el Token Manager y marca el
// flow como autenticado.
func (m *Manager) completeDeviceFlow(ctx context.Context, flowID string, tr *TokenResponse, log *zap.Logger) {
	now := time.Now().UTC()

	var email, displayName string
	if prof, err := m.deps.Client.FetchProfile(ctx, tr.AccessToken); err == nil {
		email, displayName = prof.Email, prof.DisplayName
	} else {
		log.Error("profile fetch failed, saving account without identity", logger.Err(err))
	}

	acct, err := m.deps.Accounts.SaveAccountTokens(accounts.SaveInput{
		TenantID:     m.deps.Client.TenantID,
		ClientID:     m.deps.Client.ClientID,
		Email:        email,
		DisplayName:  displayName,
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tr.TokenType,
		Scope:        tr.Scope,
		ExpiresAt:    tr.ExpiresAt(now),
	})
	if err != nil {
		m.setState(flowID, func(st *FlowStatus) {
			st.State = StateFailed
			st.Error = "persisting tokens: " + err.Error()
		})
		m.finishFlow(flowID, log)
		return
	}

	m.clearReauth(acct.ID)
	m.setState(flowID, func(st *FlowStatus) {
		st.State = StateAuthenticated
		st.AccountID = acct.ID
	})
	log.Info("device flow authenticated", logger.AccountID(acct.ID))
	m.finishFlow(flowID, log)
}

// finishFlow registra el estado final en métricas y programa la limpieza del
// flow (queda consultable un rato para que el dashboard vea el desenlace).
func (m *Manager) finishFlow(flowID string, log *zap.Logger) {
	m.mu.Lock()
	fl, ok := m.flows[flowID]
	var final FlowState
	if ok {
		final = fl.status.State
		fl.cancel()
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	metrics.DeviceFlows.WithLabelValues(string(final)).Inc()
	log.Info("device flow finished", logger.Op("finish_flow"), zap.String("final_state", string(final)))

	time.AfterFunc(5*time.Minute, func() {
		m.mu.Lock()
		delete(m.flows, flowID)
		m.mu.Unlock()
	})
}

// setState muta el status de un flow bajo lock.
func (m *Manager) setState(flowID string, mutate func(*FlowStatus)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fl, ok := m.flows[flowID]; ok {
		mutate(&fl.status)
	}
}

// Flow retorna el status actual de un device flow.
func (m *Manager) Flow(flowID string) (*FlowStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fl, ok := m.flows[flowID]
	if !ok {
		return nil, ErrFlowNotFound
	}
	cp := fl.status
	return &cp, nil
}

// CancelFlow aborta un device flow pendiente.
func (m *Manager) CancelFlow(flowID string) error {
	m.mu.Lock()
	fl, ok := m.flows[flowID]
	if ok && !fl.status.State.Terminal() {
		fl.status.State = StateCancelled
	}
	m.mu.Unlock()
	if !ok {
		return ErrFlowNotFound
	}
	// el poll loop observa la cancelación y cierra el flow (métrica incluida)
	fl.cancel()
	return nil
}

// StartAuthCode genera la URL de autorización con state + PKCE verifier.
// Ambos quedan en el cache TTL hasta el callback.
func (m *Manager) StartAuthCode(ctx context.Context) (authURL string, state string, err error) {
	state, err = token.GenerateOpaqueToken(24)
	if err != nil {
		return "", "", err
	}
	verifier, err := token.GenerateOpaqueToken(48)
	if err != nil {
		return "", "", err
	}
	if err := m.deps.Cache.Set(ctx, "oauth:state:"+state, verifier, authStateTTL); err != nil {
		return "", "", fmt.Errorf("msgraph: store auth state: %w", err)
	}
	return m.deps.Client.AuthCodeURL(m.deps.RedirectURI, m.deps.Scopes, state, verifier), state, nil
}

// CompleteAuthCode valida el state recibido en el callback, canjea el code
// con su verifier PKCE y persiste la cuenta. El state es single-use.
func (m *Manager) CompleteAuthCode(ctx context.Context, state, code string) (*accounts.Account, error) {
	verifier, err := m.deps.Cache.Get(ctx, "oauth:state:"+state)
	if err != nil {
		if cache.IsNotFound(err) {
			return nil, ErrStateMismatch
		}
		return nil, err
	}
	_ = m.deps.Cache.Delete(ctx, "oauth:state:"+state)

	tr, err := m.deps.Client.ExchangeAuthCode(ctx, m.deps.RedirectURI, m.deps.Scopes, code, verifier)
	if err != nil {
		return nil, fmt.Errorf("msgraph: exchange auth code: %w", err)
	}

	now := time.Now().UTC()
	var email, displayName string
	if prof, perr := m.deps.Client.FetchProfile(ctx, tr.AccessToken); perr == nil {
		email, displayName = prof.Email, prof.DisplayName
	}

	acct, err := m.deps.Accounts.SaveAccountTokens(accounts.SaveInput{
		TenantID:     m.deps.Client.TenantID,
		ClientID:     m.deps.Client.ClientID,
		Email:        email,
		DisplayName:  displayName,
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tr.TokenType,
		Scope:        tr.Scope,
		ExpiresAt:    tr.ExpiresAt(now),
	})
	if err != nil {
		return nil, err
	}
	m.clearReauth(acct.ID)
	return acct, nil
}

// ClientCredentials corre el grant app-only y persiste el resultado. Sin
// refresh token: al vencer se re-adquiere con el mismo grant.
func (m *Manager) ClientCredentials(ctx context.Context) (*accounts.Account, error) {
	tr, err := m.deps.Client.ClientCredentialsToken(ctx, m.deps.Scopes)
	if err != nil {
		return nil, fmt.Errorf("msgraph: client credentials: %w", err)
	}
	now := time.Now().UTC()
	acct, err := m.deps.Accounts.SaveAccountTokens(accounts.SaveInput{
		TenantID:    m.deps.Client.TenantID,
		ClientID:    m.deps.Client.ClientID,
		AccessToken: tr.AccessToken,
		TokenType:   tr.TokenType,
		Scope:       tr.Scope,
		ExpiresAt:   tr.ExpiresAt(now),
	})
	if err != nil {
		return nil, err
	}
	m.clearReauth(acct.ID)
	return acct, nil
}

// RefreshAccount canjea el refresh token activo de la cuenta por tokens
// nuevos. invalid_grant es terminal: alerta al operador y retorna
// ErrReauthRequired; el caller debe iniciar un flow interactivo.
func (m *Manager) RefreshAccount(ctx context.Context, accountID string) (*accounts.Account, error) {
	log := logger.Named("oauth.refresh").With(logger.AccountID(accountID))

	m.mu.Lock()
	pending := m.reauth[accountID]
	m.mu.Unlock()
	if pending {
		return nil, ErrReauthRequired
	}

	acct, err := m.deps.Accounts.GetAccount(accountID)
	if err != nil {
		return nil, err
	}
	var refreshToken, scope string
	for i := range acct.Tokens {
		if acct.Tokens[i].IsActive {
			refreshToken = acct.Tokens[i].RefreshToken
			scope = acct.Tokens[i].Scope
			break
		}
	}
	if refreshToken == "" {
		return nil, accounts.ErrNoUsableToken
	}

	tr, err := m.deps.Client.Refresh(ctx, refreshToken, scope)
	if err != nil {
		if IsInvalidGrant(err) {
			m.mu.Lock()
			m.reauth[accountID] = true
			m.mu.Unlock()
			metrics.ProviderRefreshes.WithLabelValues("invalid_grant").Inc()
			log.Error("refresh token rejected by provider",
				logger.SecurityEvent("provider_reauth_required"),
				logger.Err(err),
			)
			if m.deps.Alerter != nil {
				m.deps.Alerter.Notify(ctx,
					"relaypanel: re-authentication required",
					fmt.Sprintf("The identity provider rejected the refresh token for account %s (%s). Outbound mail will fail until an operator re-authenticates the account.", accountID, acct.Email),
				)
			}
			return nil, ErrReauthRequired
		}
		metrics.ProviderRefreshes.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("msgraph: refresh: %w", err)
	}

	now := time.Now().UTC()
	updated, err := m.deps.Accounts.RefreshAccountTokens(accountID, accounts.RefreshInput{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tr.TokenType,
		Scope:        tr.Scope,
		ExpiresAt:    tr.ExpiresAt(now),
	})
	if err != nil {
		return nil, err
	}
	metrics.ProviderRefreshes.WithLabelValues("ok").Inc()
	log.Info("provider tokens refreshed", logger.Op("refresh_account"))
	return updated, nil
}
