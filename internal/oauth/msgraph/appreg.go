package msgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Microsoft Graph resource and the permissions an SMTP relay app needs:
// SMTP.Send (delegated) for user-context submission, Mail.Send (application)
// for daemon submission.
const (
	graphResourceAppID = "00000003-0000-0000-c000-000000000000"
	smtpSendScopeID    = "258f6531-6087-4cc4-bb90-092c5fb3ed3f"
	mailSendRoleID     = "b633e1c5-b582-4048-a93e-9f11b44c7e96"
)

// AppRegistration is the outcome of the guided app creation.
type AppRegistration struct {
	ObjectID        string    `json:"objectId"`
	AppID           string    `json:"appId"`
	DisplayName     string    `json:"displayName"`
	ClientSecret    string    `json:"clientSecret"`
	SecretExpiresAt time.Time `json:"secretExpiresAt"`
	ConsentURL      string    `json:"consentUrl"`
}

type graphError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// graphJSON performs an authenticated Graph call with JSON in and out.
// Non-2xx responses are decoded into a ProviderError.
func (c *Client) graphJSON(ctx context.Context, method, path, bearer string, body, out any) error {
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.GraphBase, "/")+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var ge graphError
		if derr := json.NewDecoder(resp.Body).Decode(&ge); derr == nil && ge.Error.Code != "" {
			return &ProviderError{Code: ge.Error.Code, Description: ge.Error.Message}
		}
		return fmt.Errorf("graph %s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// CreateApplication registers a new application with the relay permission
// set. bearer must carry Application.ReadWrite.All.
func (c *Client) CreateApplication(ctx context.Context, bearer, displayName string) (objectID, appID string, err error) {
	body := map[string]any{
		"displayName":    displayName,
		"signInAudience": "AzureADMyOrg",
		"isFallbackPublicClient": true,
		"requiredResourceAccess": []map[string]any{
			{
				"resourceAppId": graphResourceAppID,
				"resourceAccess": []map[string]string{
					{"id": smtpSendScopeID, "type": "Scope"},
					{"id": mailSendRoleID, "type": "Role"},
				},
			},
		},
	}
	var created struct {
		ID    string `json:"id"`
		AppID string `json:"appId"`
	}
	if err := c.graphJSON(ctx, http.MethodPost, "/v1.0/applications", bearer, body, &created); err != nil {
		return "", "", fmt.Errorf("create application: %w", err)
	}
	return created.ID, created.AppID, nil
}

// AddApplicationPassword mints a client secret on the application object.
// The secret value is only readable in this response.
func (c *Client) AddApplicationPassword(ctx context.Context, bearer, objectID string) (secret string, expiresAt time.Time, err error) {
	body := map[string]any{
		"passwordCredential": map[string]any{
			"displayName": "relaypanel",
		},
	}
	var cred struct {
		SecretText  string    `json:"secretText"`
		EndDateTime time.Time `json:"endDateTime"`
	}
	path := "/v1.0/applications/" + objectID + "/addPassword"
	if err := c.graphJSON(ctx, http.MethodPost, path, bearer, body, &cred); err != nil {
		return "", time.Time{}, fmt.Errorf("add password: %w", err)
	}
	return cred.SecretText, cred.EndDateTime, nil
}

// CreateServicePrincipal instantiates the app in the tenant so it can be
// granted consent and sign in.
func (c *Client) CreateServicePrincipal(ctx context.Context, bearer, appID string) error {
	body := map[string]string{"appId": appID}
	if err := c.graphJSON(ctx, http.MethodPost, "/v1.0/servicePrincipals", bearer, body, nil); err != nil {
		return fmt.Errorf("create service principal: %w", err)
	}
	return nil
}

// AdminConsentURL builds the tenant-wide admin consent URL for an app.
func (c *Client) AdminConsentURL(tenantID, clientID, redirectURI string) string {
	if tenantID == "" {
		tenantID = c.TenantID
	}
	q := url.Values{}
	q.Set("client_id", clientID)
	if redirectURI != "" {
		q.Set("redirect_uri", redirectURI)
	}
	return strings.TrimRight(c.LoginBase, "/") + "/" + tenantID + "/adminconsent?" + q.Encode()
}
