package config

import "testing"

func TestRedactedExchange_MasksSecret(t *testing.T) {
	cfg := &Config{}
	cfg.Exchange.TenantID = "tenant-1"
	cfg.Exchange.ClientID = "client-1"
	cfg.Exchange.ClientSecret = "super-secreto"
	cfg.Exchange.AuthMethod = "client_credentials"

	view := cfg.RedactedExchange()
	if view.ClientSecret != "********" {
		t.Fatalf("secret sin redactar: %q", view.ClientSecret)
	}
	if view.TenantID != "tenant-1" || view.ClientID != "client-1" {
		t.Fatalf("vista incompleta: %+v", view)
	}
}

func TestRedactedExchange_EmptySecretStaysEmpty(t *testing.T) {
	cfg := &Config{}
	if got := cfg.RedactedExchange().ClientSecret; got != "" {
		t.Fatalf("sin secret configurado la vista debe quedar vacía, tengo %q", got)
	}
}
