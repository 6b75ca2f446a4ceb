package cli

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/SmitUplenchwar2687/Tapedeck/internal/config"
	"github.com/SmitUplenchwar2687/Tapedeck/internal/storage"
)

// registryFlags binds the crawl lease store flags to a scratch config.
// overlay then copies only the flags the user actually set.
type registryFlags struct {
	v config.RegistryConfig
}

func (f *registryFlags) register(cmd *cobra.Command) {
	d := config.Default().Registry
	fs := cmd.Flags()
	fs.StringVar(&f.v.Backend, "registry", d.Backend, "crawl registry backend (memory, redis)")
	fs.DurationVar(&f.v.LeaseTTL, "lease-ttl", d.LeaseTTL, "how long a crawl lease outlives a crashed process")
	fs.DurationVar(&f.v.CleanupInterval, "cleanup-interval", d.CleanupInterval, "how often the memory registry drops expired leases")
	fs.StringVar(&f.v.Redis.Host, "redis-host", d.Redis.Host, "redis host (or host:port)")
	fs.IntVar(&f.v.Redis.Port, "redis-port", d.Redis.Port, "redis port")
	fs.StringVar(&f.v.Redis.Password, "redis-password", "", "redis password")
	fs.IntVar(&f.v.Redis.DB, "redis-db", 0, "redis database index")
	fs.BoolVar(&f.v.Redis.Cluster, "redis-cluster", false, "enable redis cluster mode")
	fs.StringSliceVar(&f.v.Redis.ClusterNodes, "redis-cluster-nodes", nil, "redis cluster nodes host:port list")
	fs.IntVar(&f.v.Redis.PoolSize, "redis-pool-size", d.Redis.PoolSize, "redis connection pool size")
	fs.IntVar(&f.v.Redis.MaxRetries, "redis-max-retries", d.Redis.MaxRetries, "redis max retries")
	fs.DurationVar(&f.v.Redis.DialTimeout, "redis-dial-timeout", d.Redis.DialTimeout, "redis dial timeout")
	fs.StringVar(&f.v.Redis.Prefix, "redis-prefix", "", "redis key prefix")
}

// overlay writes every flag set on cmd into dst and splits a host:port
// given to --redis-host.
func (f *registryFlags) overlay(cmd *cobra.Command, dst *config.RegistryConfig) error {
	src, r := f.v, &dst.Redis
	apply := map[string]func(){
		"registry":            func() { dst.Backend = src.Backend },
		"lease-ttl":           func() { dst.LeaseTTL = src.LeaseTTL },
		"cleanup-interval":    func() { dst.CleanupInterval = src.CleanupInterval },
		"redis-host":          func() { r.Host = src.Redis.Host },
		"redis-port":          func() { r.Port = src.Redis.Port },
		"redis-password":      func() { r.Password = src.Redis.Password },
		"redis-db":            func() { r.DB = src.Redis.DB },
		"redis-cluster":       func() { r.Cluster = src.Redis.Cluster },
		"redis-cluster-nodes": func() { r.ClusterNodes = append([]string(nil), src.Redis.ClusterNodes...) },
		"redis-pool-size":     func() { r.PoolSize = src.Redis.PoolSize },
		"redis-max-retries":   func() { r.MaxRetries = src.Redis.MaxRetries },
		"redis-dial-timeout":  func() { r.DialTimeout = src.Redis.DialTimeout },
		"redis-prefix":        func() { r.Prefix = src.Redis.Prefix },
	}
	for name, fn := range apply {
		if cmd.Flags().Changed(name) {
			fn()
		}
	}

	if dst.Backend != storage.BackendRedis || r.Cluster {
		return nil
	}
	host, port, err := normalizeRedisHostPort(r.Host, r.Port)
	if err != nil {
		return err
	}
	r.Host, r.Port = host, port
	return nil
}

func normalizeRedisHostPort(host string, port int) (string, int, error) {
	if strings.Contains(host, ":") {
		h, p, err := net.SplitHostPort(host)
		if err != nil {
			return "", 0, fmt.Errorf("invalid --redis-host value %q: %w", host, err)
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return "", 0, fmt.Errorf("invalid redis port in --redis-host %q: %w", host, err)
		}
		host, port = h, n
	}

	if host == "" {
		return "", 0, fmt.Errorf("redis host cannot be empty")
	}
	if port <= 0 {
		return "", 0, fmt.Errorf("redis port must be positive, got %d", port)
	}
	return host, port, nil
}
