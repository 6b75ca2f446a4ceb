// Package storage holds the small key/value store used to coordinate crawls
// across processes.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/SmitUplenchwar2687/Tapedeck/internal/clock"
)

// Backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Storage is a key/value store with expiration.
// Implementations must be safe for concurrent use.
type Storage interface {
	// Get retrieves the stored value for a key.
	// Returns nil, nil if the key does not exist or has expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value for a key with an expiration duration.
	// If exp is 0, the key does not expire.
	Set(ctx context.Context, key string, value []byte, exp time.Duration) error

	// SetNX stores value only if key is missing or expired, and reports
	// whether it did.
	SetNX(ctx context.Context, key string, value []byte, exp time.Duration) (bool, error)

	// CompareAndExpire resets the expiry of key to exp if it still holds
	// value, and reports whether it did.
	CompareAndExpire(ctx context.Context, key string, value []byte, exp time.Duration) (bool, error)

	// CompareAndDelete removes key if it still holds value, and reports
	// whether it did.
	CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error)

	// Delete removes a key.
	Delete(ctx context.Context, key string) error

	Close() error
}

// Config selects and configures a backend. CleanupInterval sweeps expired
// memory keys in the background; zero leaves them to lazy expiry.
type Config struct {
	Backend         string        `mapstructure:"backend"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	Redis           *RedisConfig  `mapstructure:"redis"`
}

// New builds the configured backend. The memory backend expires keys on c.
func New(cfg Config, c clock.Clock) (Storage, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		s := NewMemoryStorage(c)
		if cfg.CleanupInterval > 0 {
			s.StartJanitor(cfg.CleanupInterval)
		}
		return s, nil
	case BackendRedis:
		return NewRedisStorage(cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
