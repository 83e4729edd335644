package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Auth/token-lifecycle Prometheus metrics. Standalone package para evitar
// ciclos de import entre services y HTTP.

var (
	LoginAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relaypanel_login_attempts_total",
		Help: "Intentos de login por resultado (ok|invalid|locked|mfa_required)",
	}, []string{"result"})

	MFAVerifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relaypanel_mfa_verifications_total",
		Help: "Verificaciones MFA por método y resultado",
	}, []string{"method", "result"})

	RefreshRotations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relaypanel_refresh_rotations_total",
		Help: "Rotaciones exitosas de refresh tokens de sesión",
	})

	ReplayDetections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relaypanel_token_replay_detections_total",
		Help: "Replays de refresh token detectados (familia invalidada)",
	})

	ProviderRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relaypanel_provider_token_refreshes_total",
		Help: "Refreshes de tokens Exchange contra el identity provider",
	}, []string{"result"})

	DeviceFlows = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relaypanel_device_flows_total",
		Help: "Flujos device-code terminados por estado final",
	}, []string{"state"})
)

// RegisterAuth registers the auth metrics on the given registry (or default if nil).
func RegisterAuth(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{
		LoginAttempts, MFAVerifications, RefreshRotations,
		ReplayDetections, ProviderRefreshes, DeviceFlows,
	} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
