// Package config loads tapedeck settings from a file, the environment and
// built-in defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/SmitUplenchwar2687/Tapedeck/internal/events"
	"github.com/SmitUplenchwar2687/Tapedeck/internal/limiter"
	"github.com/SmitUplenchwar2687/Tapedeck/internal/logging"
	"github.com/SmitUplenchwar2687/Tapedeck/internal/storage"
	"github.com/SmitUplenchwar2687/Tapedeck/internal/surface"
	"github.com/SmitUplenchwar2687/Tapedeck/internal/telemetry"
	"github.com/SmitUplenchwar2687/Tapedeck/internal/transport"
)

// EnvPrefix prefixes environment overrides: TAPEDECK_SERVER_ADDR sets
// server.addr.
const EnvPrefix = "TAPEDECK"

// Browser kinds.
const (
	BrowserHTTP   = "http"
	BrowserChrome = "chrome"
)

// Config is the top-level configuration.
type Config struct {
	Log       logging.Config     `mapstructure:"log"`
	Server    ServerConfig       `mapstructure:"server"`
	Archive   ArchiveConfig      `mapstructure:"archive"`
	Transport transport.Config   `mapstructure:"transport"`
	Scrape    ScrapeConfig       `mapstructure:"scrape"`
	Browser   BrowserConfig      `mapstructure:"browser"`
	Registry  RegistryConfig     `mapstructure:"registry"`
	Kafka     events.KafkaConfig `mapstructure:"kafka"`
	Telemetry telemetry.Config   `mapstructure:"telemetry"`
}

// ServerConfig holds control API settings. Exempt lists extra URL prefixes
// that bypass recording and replay.
type ServerConfig struct {
	Addr   string   `mapstructure:"addr"`
	Exempt []string `mapstructure:"exempt"`
}

// ArchiveConfig locates the SQLite archive. An archive with an unknown
// migration history is refused unless AllowReadOnly is set, in which case it
// is opened for replay only.
type ArchiveConfig struct {
	Path          string `mapstructure:"path"`
	AllowReadOnly bool   `mapstructure:"allow_read_only"`
}

// ScrapeConfig holds crawl defaults applied when a request leaves them out.
type ScrapeConfig struct {
	PPMLimit       float64       `mapstructure:"ppm_limit"`
	Burst          int           `mapstructure:"burst"`
	LinkSelector   string        `mapstructure:"link_selector"`
	ReportInterval time.Duration `mapstructure:"report_interval"`
	RespectRobots  bool          `mapstructure:"respect_robots"`
}

// BrowserConfig selects the browsing surface.
type BrowserConfig struct {
	Kind   string               `mapstructure:"kind"`
	Chrome surface.ChromeConfig `mapstructure:"chrome"`
}

// RegistryConfig configures the crawl lease store.
type RegistryConfig struct {
	Backend         string              `mapstructure:"backend"`
	LeaseTTL        time.Duration       `mapstructure:"lease_ttl"`
	CleanupInterval time.Duration       `mapstructure:"cleanup_interval"`
	Redis           storage.RedisConfig `mapstructure:"redis"`
}

// Storage returns the storage backend configuration.
func (r RegistryConfig) Storage() storage.Config {
	redis := r.Redis
	return storage.Config{Backend: r.Backend, CleanupInterval: r.CleanupInterval, Redis: &redis}
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Log: logging.Config{
			Level:  "info",
			Format: logging.FormatText,
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		Archive: ArchiveConfig{
			Path: "tapedeck.db",
		},
		Transport: transport.DefaultConfig(),
		Scrape: ScrapeConfig{
			PPMLimit:       60,
			Burst:          1,
			LinkSelector:   "a",
			ReportInterval: time.Second,
			RespectRobots:  true,
		},
		Browser: BrowserConfig{
			Kind: BrowserHTTP,
			Chrome: surface.ChromeConfig{
				Headless: true,
			},
		},
		Registry: RegistryConfig{
			Backend:         storage.BackendMemory,
			LeaseTTL:        time.Hour,
			CleanupInterval: time.Minute,
			Redis: storage.RedisConfig{
				Host:        "localhost",
				Port:        6379,
				PoolSize:    10,
				MaxRetries:  3,
				DialTimeout: 5 * time.Second,
			},
		},
		Kafka: events.KafkaConfig{
			Topic:        "tapedeck-events",
			BatchTimeout: 100 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
			Async:        true,
		},
		Telemetry: telemetry.Config{
			Endpoint:    "localhost:4318",
			Interval:    time.Minute,
			ServiceName: "tapedeck",
		},
	}
}

// Validate checks that the config is valid.
func (c Config) Validate() error {
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "", logging.FormatText, logging.FormatJSON:
	default:
		return fmt.Errorf("unknown log format %q, must be one of: text, json", c.Log.Format)
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Archive.Path == "" {
		return fmt.Errorf("archive.path is required")
	}
	if c.Transport.Timeout <= 0 {
		return fmt.Errorf("transport.timeout must be positive, got %s", c.Transport.Timeout)
	}
	if c.Transport.HostRPS < 0 {
		return fmt.Errorf("transport.host_rps must not be negative, got %g", c.Transport.HostRPS)
	}
	pace := limiter.Config{PagesPerMinute: c.Scrape.PPMLimit, Burst: c.Scrape.Burst}
	if err := pace.Validate(); err != nil {
		return fmt.Errorf("scrape: %w", err)
	}
	if c.Scrape.ReportInterval < 0 {
		return fmt.Errorf("scrape.report_interval must not be negative, got %s", c.Scrape.ReportInterval)
	}
	switch c.Browser.Kind {
	case BrowserHTTP, BrowserChrome:
	default:
		return fmt.Errorf("unknown browser kind %q, must be one of: http, chrome", c.Browser.Kind)
	}
	if err := c.Registry.validate(); err != nil {
		return err
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers is required when kafka is enabled")
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("kafka.topic is required when kafka is enabled")
		}
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint is required when telemetry is enabled")
	}
	return nil
}

func (r RegistryConfig) validate() error {
	if r.LeaseTTL <= 0 {
		return fmt.Errorf("registry.lease_ttl must be positive, got %s", r.LeaseTTL)
	}
	if r.CleanupInterval < 0 {
		return fmt.Errorf("registry.cleanup_interval must not be negative, got %s", r.CleanupInterval)
	}
	switch r.Backend {
	case storage.BackendMemory:
	case storage.BackendRedis:
		if r.Redis.Cluster {
			if len(r.Redis.ClusterNodes) == 0 {
				return fmt.Errorf("registry.redis.cluster_nodes is required when cluster=true")
			}
			return nil
		}
		if r.Redis.Host == "" {
			return fmt.Errorf("registry.redis.host is required")
		}
		if r.Redis.Port <= 0 {
			return fmt.Errorf("registry.redis.port must be positive, got %d", r.Redis.Port)
		}
	default:
		return fmt.Errorf("unknown registry backend %q, must be one of: memory, redis", r.Backend)
	}
	return nil
}

// Load reads the config file at path, if any, over the defaults and applies
// TAPEDECK_* environment overrides. The file format follows its extension.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key so environment overrides resolve even when
// the file does not mention them.
func setDefaults(v *viper.Viper, d Config) {
	defaults := map[string]any{
		"log.level":    d.Log.Level,
		"log.format":   d.Log.Format,
		"log.no_color": d.Log.NoColor,

		"server.addr":   d.Server.Addr,
		"server.exempt": d.Server.Exempt,

		"archive.path":            d.Archive.Path,
		"archive.allow_read_only": d.Archive.AllowReadOnly,

		"transport.timeout":    d.Transport.Timeout,
		"transport.user_agent": d.Transport.UserAgent,
		"transport.host_rps":   d.Transport.HostRPS,
		"transport.host_burst": d.Transport.HostBurst,

		"scrape.ppm_limit":       d.Scrape.PPMLimit,
		"scrape.burst":           d.Scrape.Burst,
		"scrape.link_selector":   d.Scrape.LinkSelector,
		"scrape.report_interval": d.Scrape.ReportInterval,
		"scrape.respect_robots":  d.Scrape.RespectRobots,

		"browser.kind":                d.Browser.Kind,
		"browser.chrome.headless":     d.Browser.Chrome.Headless,
		"browser.chrome.exec_path":    d.Browser.Chrome.ExecPath,
		"browser.chrome.user_agent":   d.Browser.Chrome.UserAgent,
		"browser.chrome.settle_delay": d.Browser.Chrome.SettleDelay,

		"registry.backend":             d.Registry.Backend,
		"registry.lease_ttl":           d.Registry.LeaseTTL,
		"registry.cleanup_interval":    d.Registry.CleanupInterval,
		"registry.redis.host":          d.Registry.Redis.Host,
		"registry.redis.port":          d.Registry.Redis.Port,
		"registry.redis.password":      d.Registry.Redis.Password,
		"registry.redis.db":            d.Registry.Redis.DB,
		"registry.redis.pool_size":     d.Registry.Redis.PoolSize,
		"registry.redis.max_retries":   d.Registry.Redis.MaxRetries,
		"registry.redis.dial_timeout":  d.Registry.Redis.DialTimeout,
		"registry.redis.cluster":       d.Registry.Redis.Cluster,
		"registry.redis.cluster_nodes": d.Registry.Redis.ClusterNodes,
		"registry.redis.prefix":        d.Registry.Redis.Prefix,

		"kafka.enabled":       d.Kafka.Enabled,
		"kafka.brokers":       d.Kafka.Brokers,
		"kafka.topic":         d.Kafka.Topic,
		"kafka.batch_timeout": d.Kafka.BatchTimeout,
		"kafka.write_timeout": d.Kafka.WriteTimeout,
		"kafka.async":         d.Kafka.Async,

		"telemetry.enabled":      d.Telemetry.Enabled,
		"telemetry.endpoint":     d.Telemetry.Endpoint,
		"telemetry.interval":     d.Telemetry.Interval,
		"telemetry.service_name": d.Telemetry.ServiceName,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// WriteExample writes an example YAML config file to the given path.
func WriteExample(path string) error {
	example := `log:
  level: info
  format: text

server:
  addr: ":8080"
  exempt: []

archive:
  path: tapedeck.db
  allow_read_only: false

transport:
  timeout: 30s
  user_agent: tapedeck/1.0
  host_rps: 0
  host_burst: 1

scrape:
  ppm_limit: 60
  burst: 1
  link_selector: a
  report_interval: 1s
  respect_robots: true

browser:
  kind: http
  chrome:
    headless: true
    exec_path: ""
    settle_delay: 500ms

registry:
  backend: memory
  lease_ttl: 1h
  cleanup_interval: 1m
  redis:
    host: localhost
    port: 6379
    db: 0

kafka:
  enabled: false
  brokers: ["localhost:9092"]
  topic: tapedeck-events

telemetry:
  enabled: false
  endpoint: localhost:4318
  interval: 1m
  service_name: tapedeck
`
	return os.WriteFile(path, []byte(example), 0o644)
}
