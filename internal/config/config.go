package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/oracle"
	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/tracing"
)

const defaultConfigPath = "/app/config/catalogrouter.yaml"

type ServerConfig struct {
	HTTPPort    int `mapstructure:"http_port"`
	HealthPort  int `mapstructure:"health_port"`
	MetricsPort int `mapstructure:"metrics_port"`
	GRPCPort    int `mapstructure:"grpc_port"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// StreamMaxLen caps each per-request event stream.
	StreamMaxLen int64 `mapstructure:"stream_max_len"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN renders a lib/pq connection string. Empty when no host is configured.
func (p PostgresConfig) DSN() string {
	if p.Host == "" {
		return ""
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, ssl)
}

type CatalogConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	SeedDemo bool   `mapstructure:"seed_demo"`
}

type SessionConfig struct {
	TTL            time.Duration `mapstructure:"ttl"`
	LocalCacheSize int           `mapstructure:"local_cache_size"`
}

type OracleCacheConfig struct {
	Size int           `mapstructure:"size"`
	TTL  time.Duration `mapstructure:"ttl"`
}

type TemporalConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	HostPort  string `mapstructure:"host_port"`
	Namespace string `mapstructure:"namespace"`
	TaskQueue string `mapstructure:"task_queue"`
}

type AuthConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	Burst             int `mapstructure:"burst"`
}

// Config is the deploy-time configuration of the service. Routing behaviour lives in
// routing.yaml and is hot-reloaded separately (see RoutingConfigManager).
type Config struct {
	LogLevel    string            `mapstructure:"log_level"`
	Server      ServerConfig      `mapstructure:"server"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Postgres    PostgresConfig    `mapstructure:"postgres"`
	Catalog     CatalogConfig     `mapstructure:"catalog"`
	Session     SessionConfig     `mapstructure:"session"`
	Oracle      oracle.Config     `mapstructure:"oracle"`
	OracleCache OracleCacheConfig `mapstructure:"oracle_cache"`
	Tracing     tracing.Config    `mapstructure:"tracing"`
	Temporal    TemporalConfig    `mapstructure:"temporal"`
	Auth        AuthConfig        `mapstructure:"auth"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	// RoutingDir is watched for routing.yaml changes.
	RoutingDir string `mapstructure:"routing_dir"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("server.http_port", 8081)
	v.SetDefault("server.health_port", 8082)
	v.SetDefault("server.metrics_port", 2112)
	v.SetDefault("server.grpc_port", 50052)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.stream_max_len", 256)
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("catalog.driver", "sqlite3")
	v.SetDefault("catalog.dsn", "file:catalog.db?cache=shared")
	v.SetDefault("catalog.seed_demo", false)
	v.SetDefault("session.ttl", "600s")
	v.SetDefault("session.local_cache_size", 10000)
	v.SetDefault("oracle.timeout", "15s")
	v.SetDefault("oracle.max_tokens", 512)
	v.SetDefault("oracle.temperature", 0.0)
	v.SetDefault("oracle_cache.size", 0)
	v.SetDefault("oracle_cache.ttl", "60s")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "catalog-router")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
	v.SetDefault("temporal.enabled", false)
	v.SetDefault("temporal.host_port", "temporal:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "catalogrouter")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("rate_limit.requests_per_minute", 0)
	v.SetDefault("rate_limit.burst", 5)
}

// Load reads catalogrouter.yaml from CONFIG_PATH or /app/config/catalogrouter.yaml. A missing
// file is not an error: defaults plus env overrides are returned.
func Load() (*Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = defaultConfigPath
	}

	v := viper.New()
	setDefaults(v)
	if _, err := os.Stat(cfgPath); err == nil {
		v.SetConfigFile(cfgPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("stat config: %w", err)
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	applyEnv(&c)
	if c.RoutingDir == "" {
		c.RoutingDir = filepath.Dir(cfgPath)
	}
	return &c, nil
}

// applyEnv merges deploy-time env overrides on top of file values.
func applyEnv(c *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("LLM_SERVICE_URL"); v != "" {
		c.Oracle.BaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("POSTGRES_HOST"); v != "" {
		c.Postgres.Host = v
	}
	envInt("POSTGRES_PORT", &c.Postgres.Port)
	if v := os.Getenv("POSTGRES_USER"); v != "" {
		c.Postgres.User = v
	}
	if v := os.Getenv("POSTGRES_PASSWORD"); v != "" {
		c.Postgres.Password = v
	}
	if v := os.Getenv("POSTGRES_DB"); v != "" {
		c.Postgres.Database = v
	}
	if v := os.Getenv("POSTGRES_SSLMODE"); v != "" {
		c.Postgres.SSLMode = v
	}
	if v := os.Getenv("CATALOG_DRIVER"); v != "" {
		c.Catalog.Driver = v
	}
	if v := os.Getenv("CATALOG_DSN"); v != "" {
		c.Catalog.DSN = v
	}
	envInt("HTTP_PORT", &c.Server.HTTPPort)
	envInt("HEALTH_PORT", &c.Server.HealthPort)
	envInt("METRICS_PORT", &c.Server.MetricsPort)
	envInt("GRPC_PORT", &c.Server.GRPCPort)
	if v := os.Getenv("TEMPORAL_HOST"); v != "" {
		c.Temporal.HostPort = v
		c.Temporal.Enabled = true
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
		c.Auth.Enabled = true
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Tracing.OTLPEndpoint = v
		c.Tracing.Enabled = true
	}
	if v := os.Getenv("ROUTING_CONFIG_DIR"); v != "" {
		c.RoutingDir = v
	}
}

// envInt overwrites *dst with a positive integer from key.
func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		var x int
		_, _ = fmt.Sscanf(v, "%d", &x)
		if x > 0 {
			*dst = x
		}
	}
}

// MetricsPort returns the port from config or an env override METRICS_PORT, falling back to defaultPort
func MetricsPort(defaultPort int) int {
	p := defaultPort
	if c, err := Load(); err == nil && c.Server.MetricsPort > 0 {
		p = c.Server.MetricsPort
	}
	envInt("METRICS_PORT", &p)
	return p
}
