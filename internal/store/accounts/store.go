// Package accounts implementa el Token Manager: el store multi-cuenta de
// tokens OAuth2 de la identidad saliente del relay (Exchange Online),
// independiente de las sesiones de login del dashboard.
//
// Cada cuenta es un par (tenant, client) con un historial acotado de
// TokenRecords (máximo 5, newest-first, exactamente 0 o 1 activo). Todo el
// estado se persiste cifrado y sincrónicamente en cada mutación.
package accounts

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/dropDatabas3/relaypanel/internal/security/secretbox"
	"github.com/dropDatabas3/relaypanel/internal/util/atomicwrite"
	"gopkg.in/yaml.v3"
)

// maxTokenHistory acota el historial por cuenta.
const maxTokenHistory = 5

var (
	ErrBlobCorrupt     = errors.New("accounts: encrypted blob corrupt or tampered")
	ErrAccountNotFound = errors.New("accounts: account not found")
	ErrNoUsableToken   = errors.New("accounts: token expired and no refresh token; re-authentication required")
	ErrBadInput        = errors.New("accounts: tenant and client id are required")
)

// TokenRecord es una adquisición puntual de tokens. RefreshedFrom enlaza con
// el AcquiredAt del record anterior: permite reconstruir la cadena de
// refreshes en una auditoría.
type TokenRecord struct {
	AccessToken   string     `yaml:"access_token"`
	RefreshToken  string     `yaml:"refresh_token,omitempty"`
	TokenType     string     `yaml:"token_type"`
	Scope         string     `yaml:"scope"`
	ExpiresAt     time.Time  `yaml:"expires_at"`
	AcquiredAt    time.Time  `yaml:"acquired_at"`
	IsActive      bool       `yaml:"is_active"`
	RefreshedFrom *time.Time `yaml:"refreshed_from,omitempty"`
}

// Expired reporta si el record ya venció.
func (t *TokenRecord) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// Account es una identidad (tenant, client) con su historial de tokens.
type Account struct {
	ID          string        `yaml:"id"` // tenantID_clientID
	TenantID    string        `yaml:"tenant_id"`
	ClientID    string        `yaml:"client_id"`
	Email       string        `yaml:"email,omitempty"`
	DisplayName string        `yaml:"display_name,omitempty"`
	CreatedAt   time.Time     `yaml:"created_at"`
	LastUsed    time.Time     `yaml:"last_used"`
	Tokens      []TokenRecord `yaml:"tokens"` // newest-first
}

// AccountID compone la key canónica de una cuenta.
func AccountID(tenantID, clientID string) string {
	return tenantID + "_" + clientID
}

// activeToken retorna el record activo o nil.
func (a *Account) activeToken() *TokenRecord {
	for i := range a.Tokens {
		if a.Tokens[i].IsActive {
			return &a.Tokens[i]
		}
	}
	return nil
}

// Summary es la vista derivada para listados.
type Summary struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenantId"`
	ClientID      string     `json:"clientId"`
	Email         string     `json:"email,omitempty"`
	DisplayName   string     `json:"displayName,omitempty"`
	IsDefault     bool       `json:"isDefault"`
	HasValidToken bool       `json:"hasValidToken"`
	HasRefresh    bool       `json:"hasRefreshToken"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	LastUsed      time.Time  `json:"lastUsed"`
}

// TokenView es lo que ve el caller de GetAccountTokens: el record activo más
// metadata de la cuenta. NeedsRefresh=true indica token vencido pero con
// refresh token disponible; el caller (flow manager) es responsable de hacer
// el refresh y llamar RefreshAccountTokens.
type TokenView struct {
	AccountID    string
	TenantID     string
	ClientID     string
	Email        string
	Token        TokenRecord
	NeedsRefresh bool
}

type fileBlob struct {
	Accounts  map[string]*Account `yaml:"accounts"`
	DefaultID string              `yaml:"default_id,omitempty"`
}

// Store es el Token Manager cifrado en disco.
type Store struct {
	mu   sync.Mutex
	path string
	box  *secretbox.Box

	accounts  map[string]*Account
	defaultID string
}

// Open carga (o inicializa) el store. Blob indescifrable = tamper: fatal.
func Open(path string, box *secretbox.Box) (*Store, error) {
	s := &Store{path: path, box: box, accounts: make(map[string]*Account)}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("accounts: read blob: %w", err)
	}
	plain, ok := box.Decrypt(string(raw))
	if !ok {
		return nil, ErrBlobCorrupt
	}
	var blob fileBlob
	if err := yaml.Unmarshal(plain, &blob); err != nil {
		return nil, fmt.Errorf("accounts: unmarshal blob: %w", err)
	}
	if blob.Accounts != nil {
		s.accounts = blob.Accounts
	}
	s.defaultID = blob.DefaultID
	return s, nil
}

func (s *Store) persistLocked() error {
	out, err := yaml.Marshal(fileBlob{Accounts: s.accounts, DefaultID: s.defaultID})
	if err != nil {
		return fmt.Errorf("accounts: marshal: %w", err)
	}
	enc, err := s.box.Encrypt(out)
	if err != nil {
		return fmt.Errorf("accounts: encrypt: %w", err)
	}
	return atomicwrite.AtomicWriteFile(s.path, []byte(enc), 0o600)
}

// Encryptor es la Box candidata durante una rotación de claves.
type Encryptor interface {
	Encrypt(plain []byte) (string, error)
}

// Reencrypt reescribe el blob bajo otra clave.
func (s *Store) Reencrypt(enc Encryptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, err := yaml.Marshal(fileBlob{Accounts: s.accounts, DefaultID: s.defaultID})
	if err != nil {
		return err
	}
	blob, err := enc.Encrypt(out)
	if err != nil {
		return err
	}
	return atomicwrite.AtomicWriteFile(s.path, []byte(blob), 0o600)
}

// SaveInput son los datos de una adquisición nueva (flow completado).
type SaveInput struct {
	TenantID     string
	ClientID     string
	Email        string
	DisplayName  string
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	ExpiresAt    time.Time
}

// SaveAccountTokens upserta la cuenta y prepende el record nuevo: historial
// truncado a 5, exactamente uno activo. La primera cuenta agregada queda como
// default.
func (s *Store) SaveAccountTokens(in SaveInput) (*Account, error) {
	if in.TenantID == "" || in.ClientID == "" {
		return nil, ErrBadInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := AccountID(in.TenantID, in.ClientID)
	now := time.Now().UTC()

	a, ok := s.accounts[id]
	if !ok {
		a = &Account{
			ID:        id,
			TenantID:  in.TenantID,
			ClientID:  in.ClientID,
			CreatedAt: now,
		}
		s.accounts[id] = a
	}
	if in.Email != "" {
		a.Email = in.Email
	}
	if in.DisplayName != "" {
		a.DisplayName = in.DisplayName
	}
	a.LastUsed = now

	s.prependLocked(a, TokenRecord{
		AccessToken:  in.AccessToken,
		RefreshToken: in.RefreshToken,
		TokenType:    in.TokenType,
		Scope:        in.Scope,
		ExpiresAt:    in.ExpiresAt,
		AcquiredAt:   now,
		IsActive:     true,
	})

	if s.defaultID == "" {
		s.defaultID = id
	}

	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	cp := *a
	cp.Tokens = append([]TokenRecord(nil), a.Tokens...)
	return &cp, nil
}

// RefreshInput son los tokens producto de un refresh exitoso.
type RefreshInput struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	ExpiresAt    time.Time
}

// RefreshAccountTokens prepende el record refrescado con la misma semántica
// de SaveAccountTokens, registrando RefreshedFrom = AcquiredAt del record
// activo anterior (provenance de la cadena de refresh).
func (s *Store) RefreshAccountTokens(accountID string, in RefreshInput) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}

	now := time.Now().UTC()
	rec := TokenRecord{
		AccessToken:  in.AccessToken,
		RefreshToken: in.RefreshToken,
		TokenType:    in.TokenType,
		Scope:        in.Scope,
		ExpiresAt:    in.ExpiresAt,
		AcquiredAt:   now,
		IsActive:     true,
	}
	if prev := a.activeToken(); prev != nil {
		from := prev.AcquiredAt
		rec.RefreshedFrom = &from
		// el refresh token suele no reemitirse: heredar el vigente
		if rec.RefreshToken == "" {
			rec.RefreshToken = prev.RefreshToken
		}
		if rec.Scope == "" {
			rec.Scope = prev.Scope
		}
	}
	a.LastUsed = now
	s.prependLocked(a, rec)

	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	cp := *a
	cp.Tokens = append([]TokenRecord(nil), a.Tokens...)
	return &cp, nil
}

// prependLocked inserta rec al frente, desactiva el resto y trunca a 5.
func (s *Store) prependLocked(a *Account, rec TokenRecord) {
	for i := range a.Tokens {
		a.Tokens[i].IsActive = false
	}
	a.Tokens = append([]TokenRecord{rec}, a.Tokens...)
	if len(a.Tokens) > maxTokenHistory {
		a.Tokens = a.Tokens[:maxTokenHistory]
	}
}

// GetAccountTokens retorna el record activo con metadata. Si está vencido y
// hay refresh token, vuelve anotado NeedsRefresh en vez de error. Vencido y
// sin refresh token: ErrNoUsableToken (re-auth desde cero).
func (s *Store) GetAccountTokens(accountID string) (*TokenView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	active := a.activeToken()
	if active == nil {
		return nil, ErrNoUsableToken
	}

	view := &TokenView{
		AccountID: a.ID,
		TenantID:  a.TenantID,
		ClientID:  a.ClientID,
		Email:     a.Email,
		Token:     *active,
	}
	if active.Expired(time.Now().UTC()) {
		if active.RefreshToken == "" {
			return nil, ErrNoUsableToken
		}
		view.NeedsRefresh = true
	}
	return view, nil
}

// ListAccounts retorna la vista derivada de todas las cuentas, default primero.
func (s *Store) ListAccounts() []Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	out := make([]Summary, 0, len(s.accounts))
	for _, a := range s.accounts {
		sum := Summary{
			ID:          a.ID,
			TenantID:    a.TenantID,
			ClientID:    a.ClientID,
			Email:       a.Email,
			DisplayName: a.DisplayName,
			IsDefault:   a.ID == s.defaultID,
			LastUsed:    a.LastUsed,
		}
		if t := a.activeToken(); t != nil {
			sum.HasValidToken = !t.Expired(now)
			sum.HasRefresh = t.RefreshToken != ""
			exp := t.ExpiresAt
			sum.ExpiresAt = &exp
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsDefault != out[j].IsDefault {
			return out[i].IsDefault
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// GetAccount retorna una copia completa (historial incluido) para auditoría.
func (s *Store) GetAccount(accountID string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	cp.Tokens = append([]TokenRecord(nil), a.Tokens...)
	return &cp, nil
}

// SetDefaultAccount marca la cuenta default para el envío saliente.
func (s *Store) SetDefaultAccount(accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[accountID]; !ok {
		return ErrAccountNotFound
	}
	prev := s.defaultID
	s.defaultID = accountID
	if err := s.persistLocked(); err != nil {
		s.defaultID = prev
		return err
	}
	return nil
}

// DefaultAccountID retorna la cuenta default ("" si no hay cuentas).
func (s *Store) DefaultAccountID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.defaultID
}

// RemoveAccount elimina la cuenta. Si era la default, se reasigna a una
// cuenta arbitraria restante (o queda vacío): decisión de política, no error.
func (s *Store) RemoveAccount(accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	prevDefault := s.defaultID
	delete(s.accounts, accountID)
	if s.defaultID == accountID {
		s.defaultID = ""
		for id := range s.accounts {
			s.defaultID = id
			break
		}
	}
	if err := s.persistLocked(); err != nil {
		s.accounts[accountID] = a
		s.defaultID = prevDefault
		return err
	}
	return nil
}
