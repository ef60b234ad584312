// Package lock serializes periodic jobs (expiry sweep, outbox drain) across replicas.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "paycredits:lock:"

// ErrInvalidLease reports a zero ttl or an empty job name.
var ErrInvalidLease = errors.New("invalid lease")

// Locker runs fn only when the named lease is acquired. It reports whether fn ran.
type Locker interface {
	Run(ctx context.Context, name string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error)
}

// Client is the subset of the go-redis client used for leases.
type Client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	redis.Scripter
}

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX.
type RedisLocker struct {
	client Client
}

// NewRedisLocker wires a RedisLocker.
func NewRedisLocker(client Client) (*RedisLocker, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: redis client is nil", ErrInvalidLease)
	}
	return &RedisLocker{client: client}, nil
}

// Run implements Locker.
func (locker *RedisLocker) Run(ctx context.Context, name string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error) {
	if name == "" || ttl <= 0 {
		return false, ErrInvalidLease
	}
	key := keyPrefix + name
	token := uuid.NewString()
	acquired, err := locker.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !acquired {
		return false, nil
	}
	jobCtx, cancel := context.WithTimeout(ctx, ttl)
	runError := fn(jobCtx)
	cancel()
	releaseCtx, releaseCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer releaseCancel()
	if err := releaseScript.Run(releaseCtx, locker.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return true, errors.Join(runError, fmt.Errorf("release %s: %w", key, err))
	}
	return true, runError
}

// LocalLocker always runs fn. It is used when no Redis is configured.
type LocalLocker struct{}

// Run implements Locker.
func (LocalLocker) Run(ctx context.Context, _ string, _ time.Duration, fn func(ctx context.Context) error) (bool, error) {
	return true, fn(ctx)
}

// NewRedisClient parses url and verifies the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	options.DialTimeout = 5 * time.Second
	options.ReadTimeout = 3 * time.Second
	options.WriteTimeout = 3 * time.Second
	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
