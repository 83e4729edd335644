// Package mfa implementa el ciclo de vida de los factores: enrolamiento
// TOTP, registro y autenticación FIDO2 (WebAuthn) y backup codes.
package mfa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"

	"github.com/dropDatabas3/relaypanel/internal/cache"
	dtomfa "github.com/dropDatabas3/relaypanel/internal/http/dto/mfa"
	authsvc "github.com/dropDatabas3/relaypanel/internal/http/services/auth"
	"github.com/dropDatabas3/relaypanel/internal/metrics"
	"github.com/dropDatabas3/relaypanel/internal/observability/logger"
	token "github.com/dropDatabas3/relaypanel/internal/security/token"
	"github.com/dropDatabas3/relaypanel/internal/security/totp"
	mfastore "github.com/dropDatabas3/relaypanel/internal/store/mfa"
	"github.com/dropDatabas3/relaypanel/internal/store/users"
)

var (
	ErrNoPendingSetup     = errors.New("mfa: no totp setup in progress")
	ErrCodeInvalid        = errors.New("mfa: verification code invalid")
	ErrNoPendingSession   = errors.New("mfa: no webauthn ceremony in progress")
	ErrNoDevices          = errors.New("mfa: no fido2 devices registered")
	ErrFIDO2NotConfigured = errors.New("mfa: fido2 not configured")
)

const (
	setupTTL       = 10 * time.Minute
	ceremonyTTL    = 5 * time.Minute
	backupCodeN    = 10
	totpDriftSteps = 1
)

func setupKey(userID string) string    { return "mfa:setup:totp:" + userID }
func registerKey(userID string) string { return "mfa:webauthn:reg:" + userID }
func assertKey(userID string) string   { return "mfa:webauthn:login:" + userID }

// Deps son las dependencias del servicio MFA.
type Deps struct {
	Records  *mfastore.Store
	Users    *users.Store
	Cache    cache.Client
	Sessions *authsvc.SessionService
	WebAuthn *webauthn.WebAuthn
	Issuer   string // nombre mostrado en la app TOTP
}

// Service gestiona los factores de un usuario.
type Service struct {
	deps Deps
}

// NewService crea el servicio MFA.
func NewService(deps Deps) *Service {
	if deps.Issuer == "" {
		deps.Issuer = "relaypanel"
	}
	return &Service{deps: deps}
}

// webAuthnUser adapta un usuario admin y sus devices al contrato de la lib.
type webAuthnUser struct {
	id    string
	name  string
	creds []webauthn.Credential
}

func (u webAuthnUser) WebAuthnID() []byte                         { return []byte(u.id) }
func (u webAuthnUser) WebAuthnName() string                       { return u.name }
func (u webAuthnUser) WebAuthnDisplayName() string                { return u.name }
func (u webAuthnUser) WebAuthnCredentials() []webauthn.Credential { return u.creds }

func (s *Service) webAuthnUserFor(userID string) (webAuthnUser, *mfastore.Record, error) {
	u, err := s.deps.Users.GetByID(userID)
	if err != nil {
		return webAuthnUser{}, nil, err
	}
	rec := s.deps.Records.Get(userID)
	creds := make([]webauthn.Credential, 0, len(rec.Devices))
	for _, d := range rec.Devices {
		cred, err := deviceToCredential(d)
		if err != nil {
			return webAuthnUser{}, nil, err
		}
		creds = append(creds, cred)
	}
	return webAuthnUser{id: u.ID, name: u.Username, creds: creds}, rec, nil
}

func deviceToCredential(d mfastore.Device) (webauthn.Credential, error) {
	id, err := base64.RawURLEncoding.DecodeString(d.CredentialID)
	if err != nil {
		return webauthn.Credential{}, fmt.Errorf("mfa: decode credential id: %w", err)
	}
	pub, err := base64.RawURLEncoding.DecodeString(d.PublicKey)
	if err != nil {
		return webauthn.Credential{}, fmt.Errorf("mfa: decode public key: %w", err)
	}
	transports := make([]protocol.AuthenticatorTransport, 0, len(d.Transports))
	for _, t := range d.Transports {
		transports = append(transports, protocol.AuthenticatorTransport(t))
	}
	return webauthn.Credential{
		ID:        id,
		PublicKey: pub,
		Transport: transports,
		Authenticator: webauthn.Authenticator{
			SignCount: d.Counter,
		},
	}, nil
}

// ───────────────────────── TOTP ─────────────────────────

// BeginTOTPSetup genera un secreto nuevo y lo deja pendiente de confirmar.
// El secreto NO queda activo hasta que ConfirmTOTP valida un código contra
// él: un QR escaneado a medias no deja al usuario afuera.
func (s *Service) BeginTOTPSetup(ctx context.Context, userID string) (*dtomfa.TOTPSetupResponse, error) {
	u, err := s.deps.Users.GetByID(userID)
	if err != nil {
		return nil, err
	}
	_, b32, err := totp.GenerateSecret()
	if err != nil {
		return nil, fmt.Errorf("mfa: generate secret: %w", err)
	}
	if err := s.deps.Cache.Set(ctx, setupKey(userID), b32, setupTTL); err != nil {
		return nil, err
	}
	return &dtomfa.TOTPSetupResponse{
		Secret:     b32,
		OTPAuthURI: totp.OTPAuthURL(s.deps.Issuer, u.Username, b32),
	}, nil
}

// ConfirmTOTP valida el primer código contra el secreto pendiente y activa
// el factor. Marca la sesión actual como elevada.
func (s *Service) ConfirmTOTP(ctx context.Context, userID, familyID, code string) error {
	log := logger.From(ctx).With(
		logger.Layer("service"),
		logger.Component("mfa"),
		logger.Op("ConfirmTOTP"),
		logger.UserID(userID),
	)

	b32, err := s.deps.Cache.Get(ctx, setupKey(userID))
	if err != nil {
		if cache.IsNotFound(err) {
			return ErrNoPendingSetup
		}
		return err
	}
	raw, err := totp.DecodeSecret(b32)
	if err != nil {
		return fmt.Errorf("mfa: decode pending secret: %w", err)
	}
	var last int64
	ok, step := totp.Verify(raw, strings.TrimSpace(code), time.Now(), totpDriftSteps, &last)
	if !ok {
		metrics.MFAVerifications.WithLabelValues("totp", "fail").Inc()
		return ErrCodeInvalid
	}

	if err := s.deps.Records.EnableTOTP(userID, b32); err != nil {
		return err
	}
	if err := s.deps.Records.MarkTOTPStep(userID, step); err != nil {
		return err
	}
	_ = s.deps.Cache.Delete(ctx, setupKey(userID))

	metrics.MFAVerifications.WithLabelValues("totp", "ok").Inc()
	if familyID != "" {
		if err := s.deps.Sessions.MarkMFAVerified(ctx, familyID, "totp"); err != nil {
			log.Error("marking mfa elevation", logger.Err(err))
		}
	}
	log.Info("totp enabled", logger.SecurityEvent("mfa_totp_enabled"))
	return nil
}

// VerifyTOTP valida un código contra el factor ya activo (elevación de una
// sesión existente). Cierra la ventana de replay del step aceptado.
func (s *Service) VerifyTOTP(ctx context.Context, userID, familyID, code string) error {
	rec := s.deps.Records.Get(userID)
	if !rec.TOTPEnabled {
		return ErrCodeInvalid
	}
	raw, err := totp.DecodeSecret(rec.TOTPSecret)
	if err != nil {
		return fmt.Errorf("mfa: decode secret: %w", err)
	}
	last := rec.LastTOTPStep
	ok, step := totp.Verify(raw, strings.TrimSpace(code), time.Now(), totpDriftSteps, &last)
	if !ok {
		metrics.MFAVerifications.WithLabelValues("totp", "fail").Inc()
		return ErrCodeInvalid
	}
	if err := s.deps.Records.MarkTOTPStep(userID, step); err != nil {
		return err
	}
	metrics.MFAVerifications.WithLabelValues("totp", "ok").Inc()
	if familyID != "" {
		if err := s.deps.Sessions.MarkMFAVerified(ctx, familyID, "totp"); err != nil {
			logger.From(ctx).Error("marking mfa elevation", logger.Err(err))
		}
	}
	return nil
}

// DisableTOTP apaga el factor previa re-confirmación con un código vigente
// o un backup code.
func (s *Service) DisableTOTP(ctx context.Context, userID string, req dtomfa.DisableRequest) error {
	switch {
	case req.Code != "":
		if err := s.VerifyTOTP(ctx, userID, "", req.Code); err != nil {
			return err
		}
	case req.BackupCode != "":
		if err := s.deps.Records.ConsumeBackupCode(userID, strings.TrimSpace(req.BackupCode)); err != nil {
			return ErrCodeInvalid
		}
	default:
		return ErrCodeInvalid
	}
	if err := s.deps.Records.DisableTOTP(userID); err != nil {
		return err
	}
	logger.From(ctx).Info("totp disabled",
		logger.Component("mfa"), logger.UserID(userID),
		logger.SecurityEvent("mfa_totp_disabled"),
	)
	return nil
}

// ───────────────────────── FIDO2 ─────────────────────────

// BeginRegisterDevice inicia la ceremonia de registro. Las opciones van al
// navegador tal cual; el session data queda en cache hasta el complete.
func (s *Service) BeginRegisterDevice(ctx context.Context, userID string) (json.RawMessage, error) {
	if s.deps.WebAuthn == nil {
		return nil, ErrFIDO2NotConfigured
	}
	user, _, err := s.webAuthnUserFor(userID)
	if err != nil {
		return nil, err
	}
	options, session, err := s.deps.WebAuthn.BeginRegistration(user)
	if err != nil {
		return nil, fmt.Errorf("mfa: begin registration: %w", err)
	}
	if err := s.stashSession(ctx, registerKey(userID), session); err != nil {
		return nil, err
	}
	return json.Marshal(options)
}

// CompleteRegisterDevice cierra la ceremonia y persiste el device.
func (s *Service) CompleteRegisterDevice(ctx context.Context, userID, name string, credential json.RawMessage) (*dtomfa.DeviceView, error) {
	if s.deps.WebAuthn == nil {
		return nil, ErrFIDO2NotConfigured
	}
	log := logger.From(ctx).With(
		logger.Layer("service"),
		logger.Component("mfa"),
		logger.Op("CompleteRegisterDevice"),
		logger.UserID(userID),
	)

	session, err := s.loadSession(ctx, registerKey(userID))
	if err != nil {
		return nil, err
	}
	user, _, err := s.webAuthnUserFor(userID)
	if err != nil {
		return nil, err
	}
	response, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(credential))
	if err != nil {
		return nil, fmt.Errorf("mfa: parse creation response: %w", err)
	}
	cred, err := s.deps.WebAuthn.CreateCredential(user, *session, response)
	if err != nil {
		return nil, fmt.Errorf("mfa: create credential: %w", err)
	}
	_ = s.deps.Cache.Delete(ctx, registerKey(userID))

	if name == "" {
		name = "security key"
	}
	transports := make([]string, 0, len(cred.Transport))
	for _, t := range cred.Transport {
		transports = append(transports, string(t))
	}
	d := mfastore.Device{
		ID:           uuid.NewString(),
		CredentialID: base64.RawURLEncoding.EncodeToString(cred.ID),
		PublicKey:    base64.RawURLEncoding.EncodeToString(cred.PublicKey),
		Counter:      cred.Authenticator.SignCount,
		Transports:   transports,
		Name:         name,
		Registered:   time.Now().UTC(),
	}
	if err := s.deps.Records.AddDevice(userID, d); err != nil {
		return nil, err
	}
	log.Info("fido2 device registered", logger.SecurityEvent("mfa_fido2_registered"))
	view := deviceView(d)
	return &view, nil
}

// BeginAssertDevice inicia la ceremonia de autenticación FIDO2.
func (s *Service) BeginAssertDevice(ctx context.Context, userID string) (json.RawMessage, error) {
	if s.deps.WebAuthn == nil {
		return nil, ErrFIDO2NotConfigured
	}
	user, rec, err := s.webAuthnUserFor(userID)
	if err != nil {
		return nil, err
	}
	if !rec.FIDO2Enabled {
		return nil, ErrNoDevices
	}
	options, session, err := s.deps.WebAuthn.BeginLogin(user)
	if err != nil {
		return nil, fmt.Errorf("mfa: begin login: %w", err)
	}
	if err := s.stashSession(ctx, assertKey(userID), session); err != nil {
		return nil, err
	}
	return json.Marshal(options)
}

// CompleteAssertDevice valida la respuesta del autenticador y avanza el
// counter. Una regresión del counter rechaza la autenticación: puede ser un
// autenticador clonado.
func (s *Service) CompleteAssertDevice(ctx context.Context, userID, familyID string, credential json.RawMessage) error {
	if s.deps.WebAuthn == nil {
		return ErrFIDO2NotConfigured
	}
	log := logger.From(ctx).With(
		logger.Layer("service"),
		logger.Component("mfa"),
		logger.Op("CompleteAssertDevice"),
		logger.UserID(userID),
	)

	session, err := s.loadSession(ctx, assertKey(userID))
	if err != nil {
		return err
	}
	user, rec, err := s.webAuthnUserFor(userID)
	if err != nil {
		return err
	}
	response, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(credential))
	if err != nil {
		return fmt.Errorf("mfa: parse assertion response: %w", err)
	}
	cred, err := s.deps.WebAuthn.ValidateLogin(user, *session, response)
	if err != nil {
		metrics.MFAVerifications.WithLabelValues("fido2", "fail").Inc()
		log.Warn("fido2 assertion rejected", logger.SecurityEvent("mfa_fail"), logger.Err(err))
		return ErrCodeInvalid
	}
	_ = s.deps.Cache.Delete(ctx, assertKey(userID))

	credID := base64.RawURLEncoding.EncodeToString(cred.ID)
	for _, d := range rec.Devices {
		if d.CredentialID != credID {
			continue
		}
		if err := s.deps.Records.AdvanceDeviceCounter(userID, d.ID, cred.Authenticator.SignCount); err != nil {
			metrics.MFAVerifications.WithLabelValues("fido2", "fail").Inc()
			log.Error("authenticator counter regressed", logger.SecurityEvent("fido2_counter_replay"), logger.Err(err))
			return err
		}
		metrics.MFAVerifications.WithLabelValues("fido2", "ok").Inc()
		if familyID != "" {
			if err := s.deps.Sessions.MarkMFAVerified(ctx, familyID, "fido2"); err != nil {
				log.Error("marking mfa elevation", logger.Err(err))
			}
		}
		return nil
	}
	return mfastore.ErrDeviceNotFound
}

// RemoveDevice da de baja un autenticador.
func (s *Service) RemoveDevice(ctx context.Context, userID, deviceID string) error {
	if err := s.deps.Records.RemoveDevice(userID, deviceID); err != nil {
		return err
	}
	logger.From(ctx).Info("fido2 device removed",
		logger.Component("mfa"), logger.UserID(userID),
		logger.SecurityEvent("mfa_fido2_removed"),
	)
	return nil
}

// ───────────────────────── backup codes ─────────────────────────

// GenerateBackupCodes reemplaza el set completo. Los códigos en claro se
// devuelven una única vez; en el store quedan sólo hashes.
func (s *Service) GenerateBackupCodes(ctx context.Context, userID string) (*dtomfa.BackupCodesResponse, error) {
	codes := make([]string, 0, backupCodeN)
	for i := 0; i < backupCodeN; i++ {
		c, err := token.GenerateOpaqueToken(6)
		if err != nil {
			return nil, fmt.Errorf("mfa: generate backup code: %w", err)
		}
		codes = append(codes, c)
	}
	if err := s.deps.Records.SetBackupCodes(userID, codes); err != nil {
		return nil, err
	}
	logger.From(ctx).Info("backup codes regenerated",
		logger.Component("mfa"), logger.UserID(userID),
		logger.SecurityEvent("mfa_backup_regenerated"),
	)
	return &dtomfa.BackupCodesResponse{Codes: codes}, nil
}

// ───────────────────────── status ─────────────────────────

// Status arma la vista de GET /mfa/status para el usuario autenticado.
func (s *Service) Status(ctx context.Context, userID, familyID string) (*dtomfa.StatusResponse, error) {
	u, err := s.deps.Users.GetByID(userID)
	if err != nil {
		return nil, err
	}
	rec := s.deps.Records.Get(userID)
	devices := make([]dtomfa.DeviceView, 0, len(rec.Devices))
	for _, d := range rec.Devices {
		devices = append(devices, deviceView(d))
	}
	method := s.deps.Sessions.MFAVerifiedMethod(ctx, familyID)
	return &dtomfa.StatusResponse{
		TOTPEnabled:          rec.TOTPEnabled,
		FIDO2Enabled:         rec.FIDO2Enabled,
		Devices:              devices,
		BackupCodesRemaining: rec.RemainingBackupCodes(),
		MFAEnforced:          u.MFAEnforced,
		Verified:             method != "",
		VerifiedMethod:       method,
	}, nil
}

func deviceView(d mfastore.Device) dtomfa.DeviceView {
	v := dtomfa.DeviceView{
		ID:         d.ID,
		Name:       d.Name,
		Transports: d.Transports,
		Registered: d.Registered.Format(time.RFC3339),
	}
	if d.LastUsed != nil {
		v.LastUsed = d.LastUsed.Format(time.RFC3339)
	}
	return v
}

// ───────────────────────── session plumbing ─────────────────────────

func (s *Service) stashSession(ctx context.Context, key string, session *webauthn.SessionData) error {
	b, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return s.deps.Cache.Set(ctx, key, string(b), ceremonyTTL)
}

func (s *Service) loadSession(ctx context.Context, key string) (*webauthn.SessionData, error) {
	v, err := s.deps.Cache.Get(ctx, key)
	if err != nil {
		if cache.IsNotFound(err) {
			return nil, ErrNoPendingSession
		}
		return nil, err
	}
	var session webauthn.SessionData
	if err := json.Unmarshal([]byte(v), &session); err != nil {
		return nil, err
	}
	return &session, nil
}
