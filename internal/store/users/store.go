// Package users implementa el store durable de usuarios admin del panel.
//
// Todo el estado vive en un único blob YAML cifrado (users.yaml.enc). Cada
// mutación serializa el mapa completo, lo cifra y lo escribe atómicamente
// antes de retornar: no hay write-behind, un crash no pierde updates
// confirmados. Las mutaciones se serializan con un mutex por-store.
package users

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dropDatabas3/relaypanel/internal/security/secretbox"
	"github.com/dropDatabas3/relaypanel/internal/util/atomicwrite"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Role define el rol de un usuario admin.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

// ValidRole reporta si r es un rol conocido.
func ValidRole(r Role) bool {
	return r == RoleAdmin || r == RoleOperator || r == RoleViewer
}

// DefaultPermissions retorna el set de permisos implícito de un rol.
func DefaultPermissions(r Role) []string {
	switch r {
	case RoleAdmin:
		return []string{"users:manage", "exchange:manage", "config:write", "logs:read"}
	case RoleOperator:
		return []string{"exchange:manage", "logs:read"}
	default:
		return []string{"logs:read"}
	}
}

// User es una cuenta admin del dashboard. El hash de password es argon2id
// (PHC string); el estado de MFA vive en el store de MFA por separado
// (distinto boundary de cifrado).
type User struct {
	ID             string     `yaml:"id"`
	Username       string     `yaml:"username"`
	PasswordHash   string     `yaml:"password_hash"`
	Role           Role       `yaml:"role"`
	Permissions    []string   `yaml:"permissions"`
	FailedAttempts int        `yaml:"failed_attempts"`
	LockedUntil    *time.Time `yaml:"locked_until,omitempty"`
	MFAEnforced    bool       `yaml:"mfa_enforced"`
	CreatedAt      time.Time  `yaml:"created_at"`
	UpdatedAt      time.Time  `yaml:"updated_at"`
	LastLogin      *time.Time `yaml:"last_login,omitempty"`
}

// Locked reporta si la cuenta está bloqueada en este momento.
func (u *User) Locked(now time.Time) bool {
	return u.LockedUntil != nil && now.Before(*u.LockedUntil)
}

// HasPermission verifica un permiso puntual. Los admin tienen todos.
func (u *User) HasPermission(perm string) bool {
	if u.Role == RoleAdmin {
		return true
	}
	for _, p := range u.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

var (
	ErrNotFound       = errors.New("users: user not found")
	ErrDuplicate      = errors.New("users: username already exists")
	ErrLastAdmin      = errors.New("users: cannot remove the last admin")
	ErrInvalidRole    = errors.New("users: invalid role")
	ErrBlobCorrupt    = errors.New("users: encrypted blob corrupt or tampered")
	ErrEmptyUsername  = errors.New("users: empty username")
	ErrEmptyPassword  = errors.New("users: empty password hash")
)

type fileBlob struct {
	Users map[string]*User `yaml:"users"`
}

// Store es el repositorio de usuarios cifrado en disco.
type Store struct {
	mu   sync.Mutex
	path string
	box  *secretbox.Box

	users map[string]*User // por ID
}

// Open carga (o inicializa) el store desde path usando box para descifrar.
// Un blob presente pero indescifrable es tamper/corrupción: error fatal,
// nunca se pisa silenciosamente con un store vacío.
func Open(path string, box *secretbox.Box) (*Store, error) {
	s := &Store{path: path, box: box, users: make(map[string]*User)}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("users: read blob: %w", err)
	}

	plain, ok := box.Decrypt(string(raw))
	if !ok {
		return nil, ErrBlobCorrupt
	}
	var blob fileBlob
	if err := yaml.Unmarshal(plain, &blob); err != nil {
		return nil, fmt.Errorf("users: unmarshal blob: %w", err)
	}
	if blob.Users != nil {
		s.users = blob.Users
	}
	return s, nil
}

// persistLocked escribe el blob completo cifrado. Caller debe tener el lock.
func (s *Store) persistLocked() error {
	out, err := yaml.Marshal(fileBlob{Users: s.users})
	if err != nil {
		return fmt.Errorf("users: marshal: %w", err)
	}
	enc, err := s.box.Encrypt(out)
	if err != nil {
		return fmt.Errorf("users: encrypt: %w", err)
	}
	return atomicwrite.AtomicWriteFile(s.path, []byte(enc), 0o600)
}

// Encryptor es lo mínimo que necesita Reencrypt (la Box candidata en una rotación).
type Encryptor interface {
	Encrypt(plain []byte) (string, error)
}

// Reencrypt reescribe el blob bajo otra clave. Usado por la rotación de claves.
func (s *Store) Reencrypt(enc Encryptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, err := yaml.Marshal(fileBlob{Users: s.users})
	if err != nil {
		return err
	}
	blob, err := enc.Encrypt(out)
	if err != nil {
		return err
	}
	return atomicwrite.AtomicWriteFile(s.path, []byte(blob), 0o600)
}

// CreateInput datos para crear un usuario.
type CreateInput struct {
	Username     string
	PasswordHash string
	Role         Role
	Permissions  []string
	MFAEnforced  bool
}

// Create agrega un usuario nuevo. El username es único (case-insensitive).
func (s *Store) Create(in CreateInput) (*User, error) {
	in.Username = strings.TrimSpace(in.Username)
	if in.Username == "" {
		return nil, ErrEmptyUsername
	}
	if in.PasswordHash == "" {
		return nil, ErrEmptyPassword
	}
	if !ValidRole(in.Role) {
		return nil, ErrInvalidRole
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if strings.EqualFold(u.Username, in.Username) {
			return nil, ErrDuplicate
		}
	}

	perms := in.Permissions
	if len(perms) == 0 {
		perms = DefaultPermissions(in.Role)
	}

	now := time.Now().UTC()
	u := &User{
		ID:           uuid.NewString(),
		Username:     in.Username,
		PasswordHash: in.PasswordHash,
		Role:         in.Role,
		Permissions:  perms,
		MFAEnforced:  in.MFAEnforced,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.users[u.ID] = u
	if err := s.persistLocked(); err != nil {
		delete(s.users, u.ID)
		return nil, err
	}
	cp := *u
	return &cp, nil
}

// GetByID retorna una copia del usuario.
func (s *Store) GetByID(id string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// GetByUsername busca case-insensitive.
func (s *Store) GetByUsername(username string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Username, strings.TrimSpace(username)) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// List retorna todos los usuarios ordenados por username.
func (s *Store) List() []*User {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*User, 0, len(s.users))
	for _, u := range s.users {
		cp := *u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// Update aplica una mutación bajo el lock del store y persiste.
// mutate recibe el puntero interno: modificar y retornar nil, o retornar
// error para abortar sin persistir.
func (s *Store) Update(id string, mutate func(*User) error) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}

	// admin count antes de mutar, para proteger el último admin ante demote
	before := *u
	if err := mutate(u); err != nil {
		*u = before
		return nil, err
	}
	if before.Role == RoleAdmin && u.Role != RoleAdmin && s.adminCountLocked() == 0 {
		*u = before
		return nil, ErrLastAdmin
	}
	if !ValidRole(u.Role) {
		*u = before
		return nil, ErrInvalidRole
	}
	u.UpdatedAt = time.Now().UTC()

	if err := s.persistLocked(); err != nil {
		*u = before
		return nil, err
	}
	cp := *u
	return &cp, nil
}

// Delete elimina un usuario. Borrar el último admin está prohibido.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	if u.Role == RoleAdmin && s.adminCountLocked() <= 1 {
		return ErrLastAdmin
	}
	delete(s.users, id)
	if err := s.persistLocked(); err != nil {
		s.users[id] = u
		return err
	}
	return nil
}

func (s *Store) adminCountLocked() int {
	n := 0
	for _, u := range s.users {
		if u.Role == RoleAdmin {
			n++
		}
	}
	return n
}

// HasAdmin reporta si existe al menos un usuario con rol admin.
func (s *Store) HasAdmin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adminCountLocked() > 0
}

// Count retorna la cantidad de usuarios.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

// RecordFailedLogin incrementa el contador de fallos y bloquea la cuenta al
// llegar al threshold.
func (s *Store) RecordFailedLogin(id string, threshold int, lockFor time.Duration) error {
	_, err := s.Update(id, func(u *User) error {
		u.FailedAttempts++
		if threshold > 0 && u.FailedAttempts >= threshold {
			until := time.Now().UTC().Add(lockFor)
			u.LockedUntil = &until
		}
		return nil
	})
	return err
}

// RecordLogin resetea el estado de lockout y registra el último login.
func (s *Store) RecordLogin(id string) error {
	_, err := s.Update(id, func(u *User) error {
		u.FailedAttempts = 0
		u.LockedUntil = nil
		now := time.Now().UTC()
		u.LastLogin = &now
		return nil
	})
	return err
}
