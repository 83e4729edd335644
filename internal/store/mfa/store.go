// Package mfa implementa el store cifrado de factores por usuario admin:
// seed TOTP, autenticadores FIDO2 y backup codes. Vive en un blob aparte del
// store de usuarios a propósito: es el material más sensible y el boundary
// de cifrado es independiente.
package mfa

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dropDatabas3/relaypanel/internal/security/secretbox"
	tokens "github.com/dropDatabas3/relaypanel/internal/security/token"
	"github.com/dropDatabas3/relaypanel/internal/util/atomicwrite"
	"gopkg.in/yaml.v3"
)

var (
	ErrBlobCorrupt     = errors.New("mfa: encrypted blob corrupt or tampered")
	ErrDeviceNotFound  = errors.New("mfa: device not found")
	ErrCounterReplayed = errors.New("mfa: authenticator counter did not advance")
	ErrNoBackupCodes   = errors.New("mfa: no backup codes generated")
	ErrCodeInvalid     = errors.New("mfa: code invalid or already used")
)

// Device es un autenticador FIDO2 registrado. CredentialID y PublicKey en
// base64url. Counter debe ser estrictamente creciente entre autenticaciones:
// una regresión es indicio de autenticador clonado.
type Device struct {
	ID           string     `yaml:"id"`
	CredentialID string     `yaml:"credential_id"`
	PublicKey    string     `yaml:"public_key"`
	Counter      uint32     `yaml:"counter"`
	Transports   []string   `yaml:"transports,omitempty"`
	Name         string     `yaml:"name"`
	Registered   time.Time  `yaml:"registered"`
	LastUsed     *time.Time `yaml:"last_used,omitempty"`
}

// BackupCode es un código de recuperación single-use, guardado como hash
// salteado (el salt vive en el key file). Una vez usado queda quemado.
type BackupCode struct {
	CodeHash  string     `yaml:"code_hash"`
	Used      bool       `yaml:"used"`
	CreatedAt time.Time  `yaml:"created_at"`
	UsedAt    *time.Time `yaml:"used_at,omitempty"`
}

// Record es el estado MFA de un usuario. Invariante: FIDO2Enabled ⇔ hay
// al menos un device registrado.
type Record struct {
	TOTPSecret   string       `yaml:"totp_secret,omitempty"` // base32
	TOTPEnabled  bool         `yaml:"totp_enabled"`
	LastTOTPStep int64        `yaml:"last_totp_step"` // anti-replay dentro de la ventana de drift
	Devices      []Device     `yaml:"devices,omitempty"`
	FIDO2Enabled bool         `yaml:"fido2_enabled"`
	BackupCodes  []BackupCode `yaml:"backup_codes,omitempty"`
}

// AnyEnabled reporta si el usuario tiene algún factor activo.
func (r *Record) AnyEnabled() bool {
	return r.TOTPEnabled || r.FIDO2Enabled
}

// RemainingBackupCodes cuenta los códigos sin usar.
func (r *Record) RemainingBackupCodes() int {
	n := 0
	for _, c := range r.BackupCodes {
		if !c.Used {
			n++
		}
	}
	return n
}

type fileBlob struct {
	Records map[string]*Record `yaml:"records"` // por userID
}

// Store es el repositorio MFA cifrado en disco.
type Store struct {
	mu   sync.Mutex
	path string
	box  *secretbox.Box

	records map[string]*Record
}

// Open carga (o inicializa) el store. Blob indescifrable = tamper: fatal.
func Open(path string, box *secretbox.Box) (*Store, error) {
	s := &Store{path: path, box: box, records: make(map[string]*Record)}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("mfa: read blob: %w", err)
	}
	plain, ok := box.Decrypt(string(raw))
	if !ok {
		return nil, ErrBlobCorrupt
	}
	var blob fileBlob
	if err := yaml.Unmarshal(plain, &blob); err != nil {
		return nil, fmt.Errorf("mfa: unmarshal blob: %w", err)
	}
	if blob.Records != nil {
		s.records = blob.Records
	}
	return s, nil
}

func (s *Store) persistLocked() error {
	out, err := yaml.Marshal(fileBlob{Records: s.records})
	if err != nil {
		return fmt.Errorf("mfa: marshal: %w", err)
	}
	enc, err := s.box.Encrypt(out)
	if err != nil {
		return fmt.Errorf("mfa: encrypt: %w", err)
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
	out, err := yaml.Marshal(fileBlob{Records: s.records})
	if err != nil {
		return err
	}
	blob, err := enc.Encrypt(out)
	if err != nil {
		return err
	}
	return atomicwrite.AtomicWriteFile(s.path, []byte(blob), 0o600)
}

// Get retorna una copia del record del usuario (zero value si no hay).
func (s *Store) Get(userID string) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[userID]
	if !ok {
		return &Record{}
	}
	cp := *r
	cp.Devices = append([]Device(nil), r.Devices...)
	cp.BackupCodes = append([]BackupCode(nil), r.BackupCodes...)
	return &cp
}

// update aplica una mutación y persiste, creando el record si no existe.
func (s *Store) update(userID string, mutate func(*Record) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[userID]
	if !ok {
		r = &Record{}
		s.records[userID] = r
	}
	before := *r
	before.Devices = append([]Device(nil), r.Devices...)
	before.BackupCodes = append([]BackupCode(nil), r.BackupCodes...)

	if err := mutate(r); err != nil {
		*r = before
		return err
	}
	// invariante fido2_enabled ⇔ devices no vacío
	r.FIDO2Enabled = len(r.Devices) > 0

	if err := s.persistLocked(); err != nil {
		*r = before
		return err
	}
	return nil
}

// EnableTOTP activa TOTP con el secret ya verificado por el caller.
func (s *Store) EnableTOTP(userID, secretB32 string) error {
	return s.update(userID, func(r *Record) error {
		r.TOTPSecret = secretB32
		r.TOTPEnabled = true
		r.LastTOTPStep = 0
		return nil
	})
}

// DisableTOTP borra el seed.
func (s *Store) DisableTOTP(userID string) error {
	return s.update(userID, func(r *Record) error {
		r.TOTPSecret = ""
		r.TOTPEnabled = false
		r.LastTOTPStep = 0
		return nil
	})
}

// MarkTOTPStep registra el último step aceptado (cierra la ventana de replay).
func (s *Store) MarkTOTPStep(userID string, step int64) error {
	return s.update(userID, func(r *Record) error {
		if step > r.LastTOTPStep {
			r.LastTOTPStep = step
		}
		return nil
	})
}

// AddDevice registra un autenticador FIDO2.
func (s *Store) AddDevice(userID string, d Device) error {
	return s.update(userID, func(r *Record) error {
		r.Devices = append(r.Devices, d)
		return nil
	})
}

// RemoveDevice da de baja un autenticador.
func (s *Store) RemoveDevice(userID, deviceID string) error {
	return s.update(userID, func(r *Record) error {
		for i, d := range r.Devices {
			if d.ID == deviceID {
				r.Devices = append(r.Devices[:i], r.Devices[i+1:]...)
				return nil
			}
		}
		return ErrDeviceNotFound
	})
}

// AdvanceDeviceCounter valida y persiste el counter post-autenticación.
// newCounter debe ser estrictamente mayor al guardado; si no, se rechaza con
// ErrCounterReplayed (defensa primaria contra autenticadores clonados).
// Excepción: ambos en cero (autenticadores que no implementan counter).
func (s *Store) AdvanceDeviceCounter(userID, deviceID string, newCounter uint32) error {
	return s.update(userID, func(r *Record) error {
		for i := range r.Devices {
			d := &r.Devices[i]
			if d.ID != deviceID {
				continue
			}
			if newCounter == 0 && d.Counter == 0 {
				now := time.Now().UTC()
				d.LastUsed = &now
				return nil
			}
			if newCounter <= d.Counter {
				return ErrCounterReplayed
			}
			d.Counter = newCounter
			now := time.Now().UTC()
			d.LastUsed = &now
			return nil
		}
		return ErrDeviceNotFound
	})
}

// SetBackupCodes reemplaza el set completo por códigos nuevos (plaintext).
// Se guardan sólo los hashes salteados; los códigos en claro vuelven al
// caller quien los muestra una única vez.
func (s *Store) SetBackupCodes(userID string, plainCodes []string) error {
	salt := s.box.Salt()
	now := time.Now().UTC()
	hashed := make([]BackupCode, 0, len(plainCodes))
	for _, c := range plainCodes {
		hashed = append(hashed, BackupCode{
			CodeHash:  tokens.HMACSHA256Base64URL(salt, c),
			CreatedAt: now,
		})
	}
	return s.update(userID, func(r *Record) error {
		r.BackupCodes = hashed
		return nil
	})
}

// ConsumeBackupCode valida y quema un código. Single-use: un código usado
// jamás vuelve a validar.
func (s *Store) ConsumeBackupCode(userID, code string) error {
	salt := s.box.Salt()
	hash := tokens.HMACSHA256Base64URL(salt, code)
	return s.update(userID, func(r *Record) error {
		if len(r.BackupCodes) == 0 {
			return ErrNoBackupCodes
		}
		for i := range r.BackupCodes {
			bc := &r.BackupCodes[i]
			if bc.Used || bc.CodeHash != hash {
				continue
			}
			bc.Used = true
			now := time.Now().UTC()
			bc.UsedAt = &now
			return nil
		}
		return ErrCodeInvalid
	})
}

// Delete elimina el record completo (cascade desde la baja del usuario).
func (s *Store) Delete(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[userID]
	if !ok {
		return nil
	}
	delete(s.records, userID)
	if err := s.persistLocked(); err != nil {
		s.records[userID] = r
		return err
	}
	return nil
}
