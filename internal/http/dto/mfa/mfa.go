// Package mfa define los contratos JSON de los endpoints MFA.
package mfa

import "encoding/json"

// TOTPSetupResponse entrega el secreto recién generado y su URI otpauth://
// para el QR. El secreto solo se muestra acá; después vive cifrado.
type TOTPSetupResponse struct {
	Secret     string `json:"secret"`
	OTPAuthURI string `json:"otpauthUri"`
}

// VerifyRequest es el body de los endpoints de verificación TOTP.
type VerifyRequest struct {
	Code string `json:"code"`
}

// DisableRequest exige re-confirmar el factor antes de apagarlo.
type DisableRequest struct {
	Code       string `json:"code,omitempty"`
	BackupCode string `json:"backupCode,omitempty"`
}

// FIDO2NameRequest es el body de register/begin (nombre amigable del device).
type FIDO2NameRequest struct {
	Name string `json:"name"`
}

// FIDO2CompleteRequest transporta la respuesta del navegador tal cual
// (credential JSON del API WebAuthn) sin re-tipearla acá.
type FIDO2CompleteRequest struct {
	Name       string          `json:"name,omitempty"`
	Credential json.RawMessage `json:"credential"`
}

// BackupCodesResponse entrega los códigos en claro una única vez.
type BackupCodesResponse struct {
	Codes []string `json:"codes"`
}

// DeviceView es la proyección pública de un device FIDO2.
type DeviceView struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Transports []string `json:"transports,omitempty"`
	Registered string `json:"registered"`
	LastUsed   string `json:"lastUsed,omitempty"`
}

// StatusResponse es la respuesta de GET /mfa/status.
type StatusResponse struct {
	TOTPEnabled          bool         `json:"totpEnabled"`
	FIDO2Enabled         bool         `json:"fido2Enabled"`
	Devices              []DeviceView `json:"devices"`
	BackupCodesRemaining int          `json:"backupCodesRemaining"`
	MFAEnforced          bool         `json:"mfaEnforced"`
	Verified             bool         `json:"verified"`
	VerifiedMethod       string       `json:"verifiedMethod,omitempty"`
}
