// Package msgraph implements the OAuth2 client against the Microsoft
// identity platform (Azure AD v2.0 endpoints) for the relay's outbound
// Exchange Online identity: device code, authorization code (PKCE) and
// client credentials grants, plus refresh-token exchange.
//
// Provider errors are always surfaced with code and description so an
// operator can tell an upstream rejection apart from a local bug.
package msgraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	// DefaultLoginBase is the Microsoft login authority.
	DefaultLoginBase = "https://login.microsoftonline.com"
	// DefaultGraphBase is the Microsoft Graph API root.
	DefaultGraphBase = "https://graph.microsoft.com"
)

// Provider error codes the flows branch on.
const (
	errAuthorizationPending = "authorization_pending"
	errSlowDown             = "slow_down"
	errExpiredToken         = "expired_token"
	errAccessDenied         = "access_denied"
	errInvalidGrant         = "invalid_grant"
)

// ProviderError is an OAuth2 error response from the identity provider,
// passed through for operator diagnosis.
type ProviderError struct {
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("provider error %s: %s", e.Code, e.Description)
	}
	return "provider error " + e.Code
}

// IsAuthorizationPending reports whether err means "keep polling".
func IsAuthorizationPending(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Code == errAuthorizationPending
}

// IsSlowDown reports whether the provider asked to widen the poll interval.
func IsSlowDown(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Code == errSlowDown
}

// IsExpiredToken reports whether the device code expired before approval.
func IsExpiredToken(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Code == errExpiredToken
}

// IsAccessDenied reports whether the user declined the grant. Terminal:
// never retried automatically.
func IsAccessDenied(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Code == errAccessDenied
}

// IsInvalidGrant reports an unusable refresh token (revoked, expired,
// password changed). Terminal: re-authentication required.
func IsInvalidGrant(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Code == errInvalidGrant
}

// Client talks to one (tenant, client) pair. Base URLs are overridable for
// tests against a mock provider.
type Client struct {
	TenantID     string
	ClientID     string
	ClientSecret string // empty for public-client flows (device code)

	LoginBase string
	GraphBase string

	http *http.Client
}

// New creates a client for a (tenant, client) pair.
func New(tenantID, clientID, clientSecret string) *Client {
	return &Client{
		TenantID:     tenantID,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		LoginBase:    DefaultLoginBase,
		GraphBase:    DefaultGraphBase,
		http:         &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) authority() string {
	return strings.TrimRight(c.LoginBase, "/") + "/" + c.TenantID
}

func (c *Client) tokenEndpoint() string      { return c.authority() + "/oauth2/v2.0/token" }
func (c *Client) authEndpoint() string       { return c.authority() + "/oauth2/v2.0/authorize" }
func (c *Client) deviceCodeEndpoint() string { return c.authority() + "/oauth2/v2.0/devicecode" }

// TokenResponse is the provider's token endpoint response.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
	ExpiresIn    int64  `json:"expires_in"`

	Error     string `json:"error,omitempty"`
	ErrorDesc string `json:"error_description,omitempty"`
}

// ExpiresAt converts expires_in to an absolute instant.
func (t *TokenResponse) ExpiresAt(now time.Time) time.Time {
	return now.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// DeviceCodeResponse is the device authorization response shown to the human.
type DeviceCodeResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int64  `json:"expires_in"`
	Interval        int64  `json:"interval"`
	Message         string `json:"message,omitempty"`

	Error     string `json:"error,omitempty"`
	ErrorDesc string `json:"error_description,omitempty"`
}

// postForm posts a urlencoded form and decodes the JSON body into out.
// HTTP-level failures come back as plain errors (transient, retryable by the
// caller's loop); OAuth errors are decoded into the response struct.
func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode token response: %w", err)
	}
	return nil
}

// RequestDeviceCode starts the device authorization grant.
func (c *Client) RequestDeviceCode(ctx context.Context, scopes []string) (*DeviceCodeResponse, error) {
	form := url.Values{}
	form.Set("client_id", c.ClientID)
	form.Set("scope", strings.Join(scopes, " "))

	var dc DeviceCodeResponse
	if err := c.postForm(ctx, c.deviceCodeEndpoint(), form, &dc); err != nil {
		return nil, err
	}
	if dc.Error != "" {
		return nil, &ProviderError{Code: dc.Error, Description: dc.ErrorDesc}
	}
	if dc.Interval <= 0 {
		dc.Interval = 5
	}
	return &dc, nil
}

// PollDeviceToken performs ONE poll of the token endpoint for a pending
// device grant. authorization_pending / slow_down come back as ProviderError
// for the poll loop to branch on.
func (c *Client) PollDeviceToken(ctx context.Context, deviceCode string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:device_code")
	form.Set("client_id", c.ClientID)
	form.Set("device_code", deviceCode)

	var tr TokenResponse
	if err := c.postForm(ctx, c.tokenEndpoint(), form, &tr); err != nil {
		return nil, err
	}
	if tr.Error != "" {
		return nil, &ProviderError{Code: tr.Error, Description: tr.ErrorDesc}
	}
	return &tr, nil
}

// oauth2Config builds the x/oauth2 config for the authorization code grant.
func (c *Client) oauth2Config(redirectURI string, scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.authEndpoint(),
			TokenURL: c.tokenEndpoint(),
		},
	}
}

// AuthCodeURL builds the authorization URL with state and PKCE challenge.
func (c *Client) AuthCodeURL(redirectURI string, scopes []string, state, verifier string) string {
	cfg := c.oauth2Config(redirectURI, scopes)
	return cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(verifier))
}

// ExchangeAuthCode redeems the authorization code with its PKCE verifier.
func (c *Client) ExchangeAuthCode(ctx context.Context, redirectURI string, scopes []string, code, verifier string) (*TokenResponse, error) {
	cfg := c.oauth2Config(redirectURI, scopes)
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)
	tok, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, translateOAuth2Error(err)
	}
	return fromOAuth2Token(tok), nil
}

// ClientCredentialsToken runs the app-only grant (no user interaction, no
// refresh token: re-acquired on expiry).
func (c *Client) ClientCredentialsToken(ctx context.Context, scopes []string) (*TokenResponse, error) {
	cfg := &clientcredentials.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		TokenURL:     c.tokenEndpoint(),
		Scopes:       scopes,
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)
	tok, err := cfg.Token(ctx)
	if err != nil {
		return nil, translateOAuth2Error(err)
	}
	return fromOAuth2Token(tok), nil
}

// Refresh exchanges a refresh token using the scope recorded on the original
// grant. invalid_grant is terminal: the caller must force re-authentication.
func (c *Client) Refresh(ctx context.Context, refreshToken, scope string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", c.ClientID)
	form.Set("refresh_token", refreshToken)
	if scope != "" {
		form.Set("scope", scope)
	}
	if c.ClientSecret != "" {
		form.Set("client_secret", c.ClientSecret)
	}

	var tr TokenResponse
	if err := c.postForm(ctx, c.tokenEndpoint(), form, &tr); err != nil {
		return nil, err
	}
	if tr.Error != "" {
		return nil, &ProviderError{Code: tr.Error, Description: tr.ErrorDesc}
	}
	return &tr, nil
}

// Profile is the subset of /me the token store attaches to an account.
type Profile struct {
	Email       string
	DisplayName string
}

// FetchProfile reads the signed-in user's profile from Graph.
func (c *Client) FetchProfile(ctx context.Context, accessToken string) (*Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.GraphBase, "/")+"/v1.0/me", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("graph /me returned %d", resp.StatusCode)
	}

	var body struct {
		DisplayName       string `json:"displayName"`
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	email := body.Mail
	if email == "" {
		email = body.UserPrincipalName
	}
	return &Profile{Email: email, DisplayName: body.DisplayName}, nil
}

// fromOAuth2Token adapts an x/oauth2 token to the wire struct the store uses.
func fromOAuth2Token(tok *oauth2.Token) *TokenResponse {
	tr := &TokenResponse{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
	}
	if s, ok := tok.Extra("scope").(string); ok {
		tr.Scope = s
	}
	if !tok.Expiry.IsZero() {
		tr.ExpiresIn = int64(time.Until(tok.Expiry).Seconds())
	}
	return tr
}

// translateOAuth2Error unwraps x/oauth2 retrieve errors into ProviderError
// so all flows share one taxonomy.
func translateOAuth2Error(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		code := re.ErrorCode
		if code == "" {
			// some responses only carry the body
			var body struct {
				Error     string `json:"error"`
				ErrorDesc string `json:"error_description"`
			}
			if jsonErr := json.Unmarshal(re.Body, &body); jsonErr == nil && body.Error != "" {
				code, re.ErrorDescription = body.Error, body.ErrorDesc
			}
		}
		if code != "" {
			return &ProviderError{Code: code, Description: re.ErrorDescription}
		}
	}
	return err
}
