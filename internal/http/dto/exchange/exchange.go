// Package exchange define los contratos JSON de la configuración Exchange
// Online: flujos OAuth, cuentas y estado de tokens.
package exchange

import "time"

// OAuthInitRequest es el body de POST /exchange-config/oauth/init. Method
// discrimina el grant; cada variante valida sus campos antes de tocar nada.
type OAuthInitRequest struct {
	Method   string   `json:"method"` // device_code | auth_code | client_credentials
	TenantID string   `json:"tenantId,omitempty"`
	ClientID string   `json:"clientId,omitempty"`
	Scopes   []string `json:"scopes,omitempty"`
}

// DeviceFlowView es la vista de un device flow para el dashboard.
type DeviceFlowView struct {
	FlowID          string    `json:"flowId"`
	State           string    `json:"state"`
	UserCode        string    `json:"userCode,omitempty"`
	VerificationURI string    `json:"verificationUri,omitempty"`
	Message         string    `json:"message,omitempty"`
	AccountID       string    `json:"accountId,omitempty"`
	Error           string    `json:"error,omitempty"`
	ExpiresAt       time.Time `json:"expiresAt"`
}

// AuthCodeInitResponse entrega la URL de autorización para redirigir.
type AuthCodeInitResponse struct {
	AuthorizationURL string `json:"authorizationUrl"`
	State            string `json:"state"`
}

// PollRequest es el body de POST /exchange-config/oauth/poll.
type PollRequest struct {
	FlowID string `json:"flowId"`
}

// TokenStatusView es la respuesta de GET /exchange-config/token-status.
type TokenStatusView struct {
	AccountID    string    `json:"accountId"`
	Email        string    `json:"email,omitempty"`
	TokenType    string    `json:"tokenType"`
	Scope        string    `json:"scope"`
	ExpiresAt    time.Time `json:"expiresAt"`
	AcquiredAt   time.Time `json:"acquiredAt"`
	NeedsRefresh bool      `json:"needsRefresh"`
}

// ConfigStatusView es la respuesta de GET /exchange-config/status: los
// parámetros de integración con secretos redactados.
type ConfigStatusView struct {
	TenantID       string   `json:"tenantId"`
	ClientID       string   `json:"clientId"`
	ClientSecret   string   `json:"clientSecret,omitempty"` // siempre redactado
	AuthMethod     string   `json:"authMethod"`
	Scopes         []string `json:"scopes"`
	AccountCount   int      `json:"accountCount"`
	DefaultAccount string   `json:"defaultAccount,omitempty"`
}

// AdminConsentRequest es el body de POST /exchange-config/azure/admin-auth.
type AdminConsentRequest struct {
	TenantID    string `json:"tenantId"`
	RedirectURI string `json:"redirectUri,omitempty"`
}

// CreateAppRequest es el body de POST /exchange-config/azure/create-app.
type CreateAppRequest struct {
	DisplayName string `json:"displayName"`
	TenantID    string `json:"tenantId"`
	// Token Graph con permisos Application.ReadWrite.All del admin que corre
	// el alta; no se persiste.
	GraphAccessToken string `json:"graphAccessToken"`
}

// SSEEvent es un evento del stream de progreso de create-app.
type SSEEvent struct {
	Type    string `json:"type"` // progress | complete | error
	Step    string `json:"step,omitempty"`
	Message string `json:"message,omitempty"`
	Detail  any    `json:"detail,omitempty"`
}
