// Package txlock serializes work on a single provider transaction across
// processes with a redis advisory lock.
package txlock

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	DefaultTTL       = 30 * time.Second
	DefaultKeyPrefix = "chatledger:txlock:"

	releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`
)

// Locker acquires a named lock. A false acquired result means another holder
// owns the key; release is always safe to call.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), acquired bool, err error)
}

// Noop always grants the lock.
type Noop struct{}

func (Noop) Acquire(context.Context, string) (func(), bool, error) {
	return func() {}, true, nil
}

// commander is the subset of go-redis used by the lock.
type commander interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// Config defines connection parameters for redis.
type Config struct {
	Addr      string
	Password  string
	DB        int
	UseTLS    bool
	TTL       time.Duration
	KeyPrefix string
}

// Redis is a SET NX PX lock with owner-checked release.
type Redis struct {
	client    commander
	ttl       time.Duration
	keyPrefix string
	logger    *zap.Logger
}

// NewRedisClient returns a go-redis client for cfg.
func NewRedisClient(cfg Config) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.UseTLS {
		options.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return redis.NewClient(options)
}

// Ping verifies redis connectivity.
func Ping(ctx context.Context, client *redis.Client) error {
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// NewRedis wraps client as a Locker.
func NewRedis(client commander, cfg Config, logger *zap.Logger) *Redis {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{client: client, ttl: ttl, keyPrefix: prefix, logger: logger.Named("txlock")}
}

func (lock *Redis) Acquire(ctx context.Context, key string) (func(), bool, error) {
	fullKey := lock.keyPrefix + key
	owner := uuid.NewString()
	acquired, err := lock.client.SetNX(ctx, fullKey, owner, lock.ttl).Result()
	if err != nil {
		return func() {}, false, fmt.Errorf("redis setnx %s: %w", fullKey, err)
	}
	if !acquired {
		return func() {}, false, nil
	}
	release := func() {
		releaseContext, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := lock.client.Eval(releaseContext, releaseScript, []string{fullKey}, owner).Err(); err != nil {
			lock.logger.Warn("lock release failed", zap.String("key", fullKey), zap.Error(err))
		}
	}
	return release, true, nil
}
