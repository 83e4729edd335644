// Package jwt emite y valida los tokens de sesión del dashboard: access
// tokens cortos y refresh tokens rotados, firmados EdDSA con una clave
// Ed25519 persistente.
package jwt

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dropDatabas3/relaypanel/internal/util/atomicwrite"
)

var ErrKeyFileCorrupt = errors.New("jwt: signing key file corrupt")

// Sealer cifra/descifra la clave privada en reposo (la Box del servicio).
type Sealer interface {
	Encrypt(plain []byte) (string, error)
	Decrypt(blob string) ([]byte, bool)
}

// signingKey es el par Ed25519 activo.
type signingKey struct {
	KID  string
	Priv ed25519.PrivateKey
	Pub  ed25519.PublicKey
}

// keyFile es el layout en disco. La privada va cifrada con la master key del
// servicio; la pública en PEM para inspección con openssl.
type keyFile struct {
	KID           string    `json:"kid"`
	Algorithm     string    `json:"algorithm"`
	PrivateKeyEnc string    `json:"private_key_enc"`
	PublicKeyPEM  string    `json:"public_key_pem"`
	CreatedAt     time.Time `json:"created_at"`
}

// loadOrGenerateKey carga la clave de firma o genera una nueva si el archivo
// no existe. Un archivo presente pero indescifrable es fatal: igual que los
// stores, nunca se regenera en silencio.
func loadOrGenerateKey(path string, sealer Sealer) (*signingKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return generateKey(path, sealer)
		}
		return nil, fmt.Errorf("jwt: read key file: %w", err)
	}

	var kf keyFile
	if err := json.Unmarshal(raw, &kf); err != nil {
		return nil, ErrKeyFileCorrupt
	}
	priv, ok := sealer.Decrypt(kf.PrivateKeyEnc)
	if !ok || len(priv) != ed25519.PrivateKeySize {
		return nil, ErrKeyFileCorrupt
	}
	block, _ := pem.Decode([]byte(kf.PublicKeyPEM))
	if block == nil || len(block.Bytes) != ed25519.PublicKeySize {
		return nil, ErrKeyFileCorrupt
	}
	return &signingKey{
		KID:  kf.KID,
		Priv: ed25519.PrivateKey(priv),
		Pub:  ed25519.PublicKey(block.Bytes),
	}, nil
}

func generateKey(path string, sealer Sealer) (*signingKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("jwt: generate ed25519: %w", err)
	}
	now := time.Now().UTC()

	enc, err := sealer.Encrypt(priv)
	if err != nil {
		return nil, fmt.Errorf("jwt: seal private key: %w", err)
	}
	kf := keyFile{
		KID:           "sess-" + now.Format("20060102T150405Z"),
		Algorithm:     "EdDSA",
		PrivateKeyEnc: enc,
		PublicKeyPEM: string(pem.EncodeToMemory(&pem.Block{
			Type:  "PUBLIC KEY",
			Bytes: pub,
		})),
		CreatedAt: now,
	}
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := atomicwrite.AtomicWriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("jwt: persist key file: %w", err)
	}
	return &signingKey{KID: kf.KID, Priv: priv, Pub: pub}, nil
}

// UnsealKeyFile lee el key file y devuelve la clave privada en claro. Si el
// archivo no existe devuelve (nil, nil): todavía no hay clave que re-sellar.
// Se invoca ANTES de una rotación de master key; la Box vieja sigue pudiendo
// descifrar en ese punto.
func UnsealKeyFile(path string, sealer Sealer) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("jwt: read key file: %w", err)
	}
	var kf keyFile
	if err := json.Unmarshal(raw, &kf); err != nil {
		return nil, ErrKeyFileCorrupt
	}
	priv, ok := sealer.Decrypt(kf.PrivateKeyEnc)
	if !ok || len(priv) != ed25519.PrivateKeySize {
		return nil, ErrKeyFileCorrupt
	}
	return priv, nil
}

// ResealKeyFile reescribe private_key_enc sellando priv con next. El par de
// firma no cambia: las sesiones vigentes siguen siendo válidas.
func ResealKeyFile(path string, priv []byte, next Sealer) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("jwt: read key file: %w", err)
	}
	var kf keyFile
	if err := json.Unmarshal(raw, &kf); err != nil {
		return ErrKeyFileCorrupt
	}
	enc, err := next.Encrypt(priv)
	if err != nil {
		return fmt.Errorf("jwt: seal private key: %w", err)
	}
	kf.PrivateKeyEnc = enc
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return err
	}
	return atomicwrite.AtomicWriteFile(path, data, 0o600)
}

// RotateKeyFile genera un par Ed25519 nuevo y reemplaza el key file. Toda
// sesión firmada con la clave anterior deja de validar.
func RotateKeyFile(path string, sealer Sealer) (string, error) {
	k, err := generateKey(path, sealer)
	if err != nil {
		return "", err
	}
	return k.KID, nil
}

// Fingerprint deriva el binding de cliente que viaja en el refresh token:
// hash de User-Agent + IP + header Accept. Un refresh presentado desde otro
// contexto no matchea y se rechaza.
func Fingerprint(userAgent, clientIP, accept string) string {
	sum := fingerprintHash(userAgent + "|" + clientIP + "|" + accept)
	return base64.RawURLEncoding.EncodeToString(sum[:16])
}
