// Package cache provee el store TTL de correlación usado por el core de auth:
// state de OAuth, challenges MFA/WebAuthn, metadata de refresh tokens y la
// blacklist. Soporta backend memory (in-process) y Redis.
//
// Limitación conocida: con backend memory el estado es por-proceso; para
// correr múltiples instancias hay que usar Redis.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indica que la key no existe o expiró.
var ErrNotFound = errors.New("cache: key not found")

// IsNotFound reporta si err es un miss de cache.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Client define las operaciones de cache.
type Client interface {
	// Get obtiene un valor. Retorna ErrNotFound si no existe.
	Get(ctx context.Context, key string) (string, error)

	// Set guarda un valor con TTL. Si ttl es 0, no expira.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete elimina una key.
	Delete(ctx context.Context, key string) error

	// Exists verifica si una key existe.
	Exists(ctx context.Context, key string) (bool, error)

	// Ping verifica la conexión.
	Ping(ctx context.Context) error

	// Close cierra la conexión.
	Close() error
}

// Config configuración para crear un cliente de cache.
type Config struct {
	Driver   string // "memory" | "redis"
	Addr     string
	Password string
	DB       int
	Prefix   string // prefijo para todas las keys
}
