package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterAuth_ExposesFamilies(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := RegisterAuth(reg); err != nil {
		t.Fatalf("RegisterAuth: %v", err)
	}

	// Los counters sin labels aparecen al registrarse; los vecs necesitan al
	// menos una serie para figurar en Gather.
	LoginAttempts.WithLabelValues("ok").Inc()
	MFAVerifications.WithLabelValues("totp", "ok").Inc()
	ProviderRefreshes.WithLabelValues("ok").Inc()
	DeviceFlows.WithLabelValues("authorized").Inc()

	fams, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	got := make(map[string]bool, len(fams))
	for _, f := range fams {
		got[f.GetName()] = true
	}
	for _, want := range []string{
		"relaypanel_login_attempts_total",
		"relaypanel_mfa_verifications_total",
		"relaypanel_refresh_rotations_total",
		"relaypanel_token_replay_detections_total",
		"relaypanel_provider_token_refreshes_total",
		"relaypanel_device_flows_total",
	} {
		if !got[want] {
			t.Fatalf("familia %q ausente en Gather: %v", want, got)
		}
	}
}

func TestRegisterAuth_IdempotentOnSameRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := RegisterAuth(reg); err != nil {
		t.Fatalf("primer RegisterAuth: %v", err)
	}
	if err := RegisterAuth(reg); err != nil {
		t.Fatalf("segundo RegisterAuth debe tolerar AlreadyRegistered: %v", err)
	}
}
