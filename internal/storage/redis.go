package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// The compare scripts act only while the key still holds ARGV[1], so a
// lease holder never touches a lease somebody else took over.
var (
	compareAndExpireScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return 0
end
if tonumber(ARGV[2]) > 0 then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return redis.call('PERSIST', KEYS[1]) + 1
`)
	compareAndDeleteScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return 0
end
return redis.call('DEL', KEYS[1])
`)
)

// RedisConfig configures the Redis backend. Zero values fall back to
// the defaults applied by withDefaults.
type RedisConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MaxRetries   int           `mapstructure:"max_retries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	Cluster      bool          `mapstructure:"cluster"`
	ClusterNodes []string      `mapstructure:"cluster_nodes"`
	Prefix       string        `mapstructure:"prefix"`
}

func (c RedisConfig) withDefaults() (RedisConfig, error) {
	if c.PoolSize <= 0 {
		c.PoolSize = 20
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.Prefix == "" {
		c.Prefix = "tapedeck:"
	}

	switch {
	case c.Cluster && len(c.ClusterNodes) == 0:
		return c, errors.New("cluster_nodes is required when cluster=true")
	case c.Cluster:
	case c.Host == "":
		return c, errors.New("host is required when cluster=false")
	case c.Port <= 0:
		return c, fmt.Errorf("port must be positive when cluster=false, got %d", c.Port)
	}
	return c, nil
}

func (c RedisConfig) options() *redis.UniversalOptions {
	addrs := c.ClusterNodes
	if !c.Cluster {
		addrs = []string{net.JoinHostPort(c.Host, strconv.Itoa(c.Port))}
	}
	return &redis.UniversalOptions{
		Addrs:       addrs,
		DB:          c.DB,
		Password:    c.Password,
		PoolSize:    c.PoolSize,
		MaxRetries:  c.MaxRetries,
		DialTimeout: c.DialTimeout,
	}
}

// RedisStorage keeps crawl leases in Redis so several tapedeck processes
// can share one registry. Every key is namespaced by the configured prefix.
type RedisStorage struct {
	client redis.UniversalClient
	prefix string

	closeOnce sync.Once
	closeErr  error
}

// NewRedisStorage connects to a single node or a cluster and pings it,
// retrying with backoff up to MaxRetries times.
func NewRedisStorage(cfg *RedisConfig) (*RedisStorage, error) {
	if cfg == nil {
		return nil, errors.New("redis config is required")
	}
	conf, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}

	opts := conf.options()
	var client redis.UniversalClient
	if conf.Cluster {
		client = redis.NewClusterClient(opts.Cluster())
	} else {
		client = redis.NewClient(opts.Simple())
	}

	if err := ping(context.Background(), client, conf.MaxRetries+1); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisStorage{client: client, prefix: conf.Prefix}, nil
}

func ping(ctx context.Context, client redis.UniversalClient, attempts int) error {
	wait := 100 * time.Millisecond
	for i := 1; ; i++ {
		err := client.Ping(ctx).Err()
		if err == nil || i >= attempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
}

func (s *RedisStorage) key(k string) string { return s.prefix + k }

func (s *RedisStorage) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.key(key)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("redis get %q: %w", key, err)
	}
	return val, nil
}

func (s *RedisStorage) Set(ctx context.Context, key string, value []byte, exp time.Duration) error {
	if err := s.client.Set(ctx, s.key(key), value, exp).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

func (s *RedisStorage) SetNX(ctx context.Context, key string, value []byte, exp time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(key), value, exp).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %q: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStorage) CompareAndExpire(ctx context.Context, key string, value []byte, exp time.Duration) (bool, error) {
	n, err := compareAndExpireScript.Run(ctx, s.client, []string{s.key(key)}, value, exp.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis expire %q: %w", key, err)
	}
	return n > 0, nil
}

func (s *RedisStorage) CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, s.client, []string{s.key(key)}, value).Int64()
	if err != nil {
		return false, fmt.Errorf("redis compare-delete %q: %w", key, err)
	}
	return n > 0, nil
}

func (s *RedisStorage) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis delete %q: %w", key, err)
	}
	return nil
}

// Close is idempotent.
func (s *RedisStorage) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.client.Close() })
	return s.closeErr
}
