// Package secretbox implementa el cifrado simétrico autenticado (AES-256-GCM)
// para todos los secretos en reposo: tokens de Exchange, seeds TOTP, backup
// codes. El formato del blob es base64(nonce)|base64(ciphertext), con el auth
// tag de GCM embebido al final del ciphertext.
//
// La clave maestra vive en un key file (key + salt, permisos 0600) generado
// en el primer arranque. La rotación es atómica: la clave nueva recién se
// persiste cuando todos los stores dependientes fueron re-cifrados.
package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dropDatabas3/relaypanel/internal/util/atomicwrite"
	"gopkg.in/yaml.v3"
)

const (
	nonceSizeGCM      = 12 // AES-GCM nonce recomendado (96 bits)
	requiredKeyLength = 32 // 32 bytes => AES-256
	saltLength        = 16
	sep               = "|" // nonce|ciphertext (ambos en base64)
)

var (
	// ErrKeyFileCorrupt indica un key file ilegible o con clave de largo inválido.
	ErrKeyFileCorrupt = errors.New("secretbox: key file corrupt")
)

// keyFile es el formato en disco del key file.
type keyFile struct {
	Key       string    `yaml:"key"`  // base64 std, 32 bytes
	Salt      string    `yaml:"salt"` // base64 std, 16 bytes
	CreatedAt time.Time `yaml:"created_at"`
}

// Box encapsula la clave maestra y expone Encrypt/Decrypt/Rotate.
// Es seguro para uso concurrente.
type Box struct {
	mu   sync.RWMutex
	path string
	key  []byte
	salt []byte
}

// Open carga el key file de path, generando clave+salt nuevos si no existe.
func Open(path string) (*Box, error) {
	b := &Box{path: path}

	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("secretbox: read key file: %w", err)
		}
		if err := b.generate(); err != nil {
			return nil, err
		}
		if err := b.persist(b.key, b.salt); err != nil {
			return nil, err
		}
		return b, nil
	}

	var kf keyFile
	if err := yaml.Unmarshal(raw, &kf); err != nil {
		return nil, ErrKeyFileCorrupt
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(kf.Key))
	if err != nil || len(key) != requiredKeyLength {
		return nil, ErrKeyFileCorrupt
	}
	salt, err := base64.StdEncoding.DecodeString(strings.TrimSpace(kf.Salt))
	if err != nil || len(salt) != saltLength {
		return nil, ErrKeyFileCorrupt
	}
	b.key, b.salt = key, salt
	return b, nil
}

func (b *Box) generate() error {
	key := make([]byte, requiredKeyLength)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return fmt.Errorf("secretbox: keygen: %w", err)
	}
	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("secretbox: saltgen: %w", err)
	}
	b.key, b.salt = key, salt
	return nil
}

func (b *Box) persist(key, salt []byte) error {
	kf := keyFile{
		Key:       base64.StdEncoding.EncodeToString(key),
		Salt:      base64.StdEncoding.EncodeToString(salt),
		CreatedAt: time.Now().UTC(),
	}
	out, err := yaml.Marshal(kf)
	if err != nil {
		return err
	}
	return atomicwrite.AtomicWriteFile(b.path, out, 0o600)
}

// Salt retorna el salt persistido (para hashear backup codes).
func (b *Box) Salt() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]byte, len(b.salt))
	copy(out, b.salt)
	return out
}

// Encrypt cifra plain y devuelve base64(nonce)|base64(ciphertext).
func (b *Box) Encrypt(plain []byte) (string, error) {
	b.mu.RLock()
	key := make([]byte, len(b.key))
	copy(key, b.key)
	b.mu.RUnlock()

	return sealWithKey(key, plain)
}

// Decrypt descifra un blob. Retorna ok=false ante tamper, corrupción o
// formato inválido: los callers que hacen best-effort reads NO deben tratar
// esto como recuperable, es señal de manipulación del archivo.
func (b *Box) Decrypt(blob string) ([]byte, bool) {
	b.mu.RLock()
	key := make([]byte, len(b.key))
	copy(key, b.key)
	b.mu.RUnlock()

	return openWithKey(key, blob)
}

// Rotate regenera la clave maestra de forma atómica.
//
// Secuencia: clave nueva en memoria → reencrypt(next) re-cifra todos los
// stores dependientes usando next.Encrypt → recién ahí se persiste el key
// file nuevo. Si el callback falla, la clave vieja queda intacta en memoria
// y en disco; nada queda a mitad de camino sin cifrar ni irrecuperable.
func (b *Box) Rotate(reencrypt func(next *Box) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := &Box{path: b.path}
	if err := next.generate(); err != nil {
		return err
	}
	// el salt se conserva: los hashes salteados (backup codes) no se re-derivan
	next.salt = b.salt

	if reencrypt != nil {
		if err := reencrypt(next); err != nil {
			return fmt.Errorf("secretbox: rotate aborted, old key kept: %w", err)
		}
	}

	if err := b.persist(next.key, next.salt); err != nil {
		return fmt.Errorf("secretbox: rotate persist: %w", err)
	}
	b.key = next.key
	return nil
}

func sealWithKey(key, plain []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("aes.NewCipher: %w", err)
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("cipher.NewGCM: %w", err)
	}

	nonce := make([]byte, nonceSizeGCM)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce random: %w", err)
	}

	ct := aesgcm.Seal(nil, nonce, plain, nil)
	return base64.StdEncoding.EncodeToString(nonce) + sep + base64.StdEncoding.EncodeToString(ct), nil
}

func openWithKey(key []byte, blob string) ([]byte, bool) {
	parts := strings.SplitN(blob, sep, 2)
	if len(parts) != 2 {
		return nil, false
	}
	nonce, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil || len(nonce) != nonceSizeGCM {
		return nil, false
	}
	ct, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, false
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, false
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, false
	}
	plain, err := aesgcm.Open(nil, nonce, ct, nil)
	if err != nil {
		// auth tag inválido: tamper o clave equivocada
		return nil, false
	}
	return plain, true
}
