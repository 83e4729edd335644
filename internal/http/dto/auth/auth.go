// Package auth define los contratos JSON de los endpoints de sesión.
package auth

import "time"

// LoginRequest es el body de POST /auth/login. TOTPToken es opcional: si el
// usuario tiene MFA y no lo manda, la respuesta es RequiresTwoFactor sin
// establecer sesión.
type LoginRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	TOTPToken  string `json:"totpToken,omitempty"`
	BackupCode string `json:"backupCode,omitempty"`
}

// ChallengeRequest es el body de POST /auth/2fa/verify: canjea el mfa token
// entregado por el login por una sesión completa.
type ChallengeRequest struct {
	MFAToken   string `json:"mfaToken"`
	TOTPToken  string `json:"totpToken,omitempty"`
	BackupCode string `json:"backupCode,omitempty"`
}

// LoginResponse es la respuesta de login. El refresh token viaja en cookie
// httpOnly, nunca en el body.
type LoginResponse struct {
	AccessToken        string    `json:"accessToken,omitempty"`
	ExpiresAt          time.Time `json:"expiresAt,omitempty"`
	RequiresTwoFactor  bool      `json:"requiresTwoFactor,omitempty"`
	MFAToken           string    `json:"mfaToken,omitempty"`
	User               *UserView `json:"user,omitempty"`
	MFAVerifiedMethod  string    `json:"mfaMethod,omitempty"`
	BackupCodesWarning int       `json:"backupCodesRemaining,omitempty"`
}

// UserView es la proyección pública de un usuario admin.
type UserView struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	Role        string     `json:"role"`
	Permissions []string   `json:"permissions"`
	MFAEnforced bool       `json:"mfaEnforced"`
	LastLogin   *time.Time `json:"lastLogin,omitempty"`
}

// RefreshResponse es la respuesta de POST /auth/refresh.
type RefreshResponse struct {
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// ChangePasswordRequest es el body de POST /auth/change-password.
type ChangePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

// CreateUserRequest es el body de POST /auth/users (requiere users:manage).
type CreateUserRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	Role        string `json:"role"`
	MFAEnforced bool   `json:"mfaEnforced,omitempty"`
}

// UpdateUserRequest es el body de PATCH /auth/users/{id}.
type UpdateUserRequest struct {
	Role        *string `json:"role,omitempty"`
	MFAEnforced *bool   `json:"mfaEnforced,omitempty"`
	Unlock      bool    `json:"unlock,omitempty"`
}
