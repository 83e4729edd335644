package logger

import (
	"time"

	"go.uber.org/zap"
)

// =================================================================================
// CAMPOS ESTÁNDAR - HTTP
// =================================================================================

// RequestID crea un campo para el ID del request.
func RequestID(v string) zap.Field {
	return zap.String("request_id", v)
}

// Method crea un campo para el método HTTP.
func Method(v string) zap.Field {
	return zap.String("method", v)
}

// Path crea un campo para el path del request.
func Path(v string) zap.Field {
	return zap.String("path", v)
}

// Status crea un campo para el status code HTTP.
func Status(v int) zap.Field {
	return zap.Int("status", v)
}

// Duration crea un campo para la duración del request.
func Duration(v time.Duration) zap.Field {
	return zap.Duration("duration", v)
}

// ClientIP crea un campo para la IP del cliente.
func ClientIP(v string) zap.Field {
	return zap.String("client_ip", v)
}

// Bytes crea un campo para los bytes escritos en la respuesta.
func Bytes(v int) zap.Field {
	return zap.Int("bytes", v)
}

// DurationMs crea un campo para la duración en milisegundos.
func DurationMs(v int64) zap.Field {
	return zap.Int64("duration_ms", v)
}

// =================================================================================
// CAMPOS ESTÁNDAR - NEGOCIO
// =================================================================================

// UserID crea un campo para el ID del usuario admin.
func UserID(v string) zap.Field {
	return zap.String("user_id", v)
}

// Username crea un campo para el username.
func Username(v string) zap.Field {
	return zap.String("username", v)
}

// AccountID crea un campo para el ID de cuenta Exchange (tenant_client).
func AccountID(v string) zap.Field {
	return zap.String("account_id", v)
}

// TenantID crea un campo para el tenant de Azure AD.
func TenantID(v string) zap.Field {
	return zap.String("tenant_id", v)
}

// ClientID crea un campo para el client id de la app registrada.
func ClientID(v string) zap.Field {
	return zap.String("client_id", v)
}

// FlowID crea un campo para el ID de un flujo OAuth en curso.
func FlowID(v string) zap.Field {
	return zap.String("flow_id", v)
}

// FamilyID crea un campo para la familia de refresh tokens.
func FamilyID(v string) zap.Field {
	return zap.String("family_id", v)
}

// JTI crea un campo para el id único de un token.
func JTI(v string) zap.Field {
	return zap.String("jti", v)
}

// MFAMethod crea un campo para el método MFA usado (totp|fido2|backup).
func MFAMethod(v string) zap.Field {
	return zap.String("mfa_method", v)
}

// =================================================================================
// CAMPOS ESTÁNDAR - SISTEMA
// =================================================================================

// Component crea un campo para el componente/módulo.
func Component(v string) zap.Field {
	return zap.String("component", v)
}

// Op crea un campo para la operación actual.
func Op(v string) zap.Field {
	return zap.String("op", v)
}

// Layer crea un campo para la capa (controller, service, store).
func Layer(v string) zap.Field {
	return zap.String("layer", v)
}

// Err crea un campo para un error.
func Err(err error) zap.Field {
	return zap.Error(err)
}

// SecurityEvent marca una entrada como evento de seguridad auditable.
// Nunca debe filtrarse silenciosamente: replay, mismatch de fingerprint,
// regresión de counter WebAuthn.
func SecurityEvent(kind string) zap.Field {
	return zap.String("security_event", kind)
}

// Count crea un campo para un conteo.
func Count(v int) zap.Field {
	return zap.Int("count", v)
}
