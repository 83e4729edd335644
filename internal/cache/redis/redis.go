// Package redis implementa cache.Client sobre go-redis.
package redis

import (
	"context"
	"errors"
	"time"

	"github.com/dropDatabas3/relaypanel/internal/cache"
	rdb "github.com/redis/go-redis/v9"
)

type Redis struct {
	client *rdb.Client
	prefix string
}

// New crea un cliente Redis y valida la conexión.
func New(ctx context.Context, cfg cache.Config) (cache.Client, error) {
	client := rdb.NewClient(&rdb.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Redis{client: client, prefix: cfg.Prefix}, nil
}

func (r *Redis) key(k string) string { return r.prefix + k }

// Client expone el cliente go-redis subyacente para componentes que operan
// sobre la misma conexión (rate limiter). El cierre sigue siendo de Redis.
func (r *Redis) Client() *rdb.Client { return r.client }

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, rdb.Nil) {
		return "", cache.ErrNotFound
	}
	return v, err
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, r.key(key), value, ttl).Err()
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(key)).Result()
	return n > 0, err
}

func (r *Redis) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }
func (r *Redis) Close() error                   { return r.client.Close() }
