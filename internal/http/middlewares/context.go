package middlewares

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/dropDatabas3/relaypanel/internal/jwt"
)

type ctxKey string

const (
	// ctxClaimsKey guarda las claims de sesión parseadas
	ctxClaimsKey ctxKey = "claims"
	// ctxRequestIDKey guarda el request ID
	ctxRequestIDKey ctxKey = "request_id"
)

// WithSessionClaims inyecta las claims de sesión en el contexto.
func WithSessionClaims(ctx context.Context, claims *jwt.SessionClaims) context.Context {
	return context.WithValue(ctx, ctxClaimsKey, claims)
}

func setRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxRequestIDKey, requestID)
}

// GetSessionClaims obtiene las claims de sesión del contexto. Retorna nil si
// la ruta no pasó por el middleware de auth.
func GetSessionClaims(ctx context.Context) *jwt.SessionClaims {
	if v := ctx.Value(ctxClaimsKey); v != nil {
		if c, ok := v.(*jwt.SessionClaims); ok {
			return c
		}
	}
	return nil
}

// GetUserID obtiene el user ID de la sesión, o "" si no hay sesión.
func GetUserID(ctx context.Context) string {
	if c := GetSessionClaims(ctx); c != nil {
		return c.Subject
	}
	return ""
}

// GetRequestID obtiene el request ID del contexto.
func GetRequestID(ctx context.Context) string {
	if v := ctx.Value(ctxRequestIDKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// ClientIP extrae la IP del cliente, considerando proxies.
func ClientIP(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
		parts := strings.Split(xf, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}
