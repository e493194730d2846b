// Package config loads ledgerd settings from the environment, optionally
// seeded from .env files.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"reqledger/pkg/hardening"
	"reqledger/pkg/store"
)

const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendAuto     = "auto"
)

type Config struct {
	Addr               string `validate:"required"`
	Environment        string
	StrictProdSecurity bool
	LogLevel           string        `validate:"omitempty,oneof=debug info warn warning error"`
	CORSAllowedOrigins string
	RateLimitPerMin    int           `validate:"gte=0"`
	RateLimitWindow    time.Duration `validate:"gt=0"`
	WSAllowedOrigins   []string

	Ledger   LedgerConfig
	Redis    RedisConfig
	Postgres PostgresConfig
	Kafka    KafkaConfig
	HTTP     HTTPConfig
}

type LedgerConfig struct {
	Backend      string `validate:"oneof=redis postgres memory auto"`
	Namespace    string
	Set          string `validate:"required"`
	TTL          time.Duration `validate:"gte=0"`
	MaxBodyBytes int64         `validate:"gt=0"`
	// PurgeInterval drives expired-row cleanup on the postgres backend; 0 disables it.
	PurgeInterval time.Duration `validate:"gte=0"`
}

type RedisConfig struct {
	Addr             string
	Password         string
	DB               int `validate:"gte=0"`
	RequireTLS       bool
	TLSEnabled       bool
	TLSInsecure      bool
	AllowInsecureTLS bool
	TLSServerName    string
	CAFile           string
	CertFile         string
	KeyFile          string
	PoolSize         int `validate:"gte=0"`
}

type PostgresConfig struct {
	URL        string
	User       string
	Password   string
	Host       string
	Port       string
	Name       string
	SSLMode    string
	RequireTLS bool
	MaxConns   int32 `validate:"gte=0"`
	MinConns   int32 `validate:"gte=0,ltefield=MaxConns"`
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string `validate:"required_if=Enabled true,dive,hostname_port"`
	Topic   string   `validate:"required_if=Enabled true"`
}

type HTTPConfig struct {
	ReadTimeout     time.Duration `validate:"gt=0"`
	WriteTimeout    time.Duration `validate:"gt=0"`
	IdleTimeout     time.Duration `validate:"gt=0"`
	ShutdownTimeout time.Duration `validate:"gt=0"`
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load seeds the process environment from the given .env files (missing
// files are skipped, existing variables win) and reads the configuration.
func Load(dotenvFiles ...string) (Config, error) {
	for _, path := range dotenvFiles {
		if strings.TrimSpace(path) == "" {
			continue
		}
		if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", path, err)
		}
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds and validates a Config from an arbitrary key source.
func FromLookup(lookup LookupFunc) (Config, error) {
	e := envReader{lookup: lookup}
	cfg := Config{
		Addr:               e.str("ADDR", ":8080"),
		Environment:        e.str("ENVIRONMENT", "development"),
		StrictProdSecurity: e.boolean("STRICT_PROD_SECURITY", true),
		LogLevel:           strings.ToLower(e.str("LOG_LEVEL", "info")),
		CORSAllowedOrigins: e.str("CORS_ALLOWED_ORIGINS", ""),
		RateLimitPerMin:    e.integer("RATE_LIMIT_PER_MIN", 0),
		RateLimitWindow:    e.seconds("RATE_LIMIT_WINDOW_SEC", 60),
		WSAllowedOrigins:   e.list("WS_ALLOWED_ORIGINS"),
		Ledger: LedgerConfig{
			Backend:       strings.ToLower(e.str("LEDGER_BACKEND", BackendAuto)),
			Namespace:     e.str("LEDGER_NAMESPACE", "reqledger"),
			Set:           e.str("LEDGER_SET", store.DefaultSet),
			TTL:           e.seconds("LEDGER_TTL_SEC", 86400),
			MaxBodyBytes:  int64(e.integer("MAX_REQUEST_BODY_BYTES", 1<<20)),
			PurgeInterval: e.seconds("LEDGER_PURGE_INTERVAL_SEC", 300),
		},
		Redis: RedisConfig{
			Addr:             e.str("REDIS_ADDR", ""),
			Password:         e.str("REDIS_PASSWORD", ""),
			DB:               e.integer("REDIS_DB", 0),
			RequireTLS:       e.boolean("REDIS_REQUIRE_TLS", false),
			TLSEnabled:       e.boolean("REDIS_TLS", false),
			TLSInsecure:      e.boolean("REDIS_TLS_INSECURE", false),
			AllowInsecureTLS: e.boolean("REDIS_ALLOW_INSECURE_TLS", false),
			TLSServerName:    e.str("REDIS_TLS_SERVER_NAME", ""),
			CAFile:           e.str("REDIS_CA_FILE", ""),
			CertFile:         e.str("REDIS_CERT_FILE", ""),
			KeyFile:          e.str("REDIS_KEY_FILE", ""),
			PoolSize:         e.integer("REDIS_POOL_SIZE", 0),
		},
		Postgres: PostgresConfig{
			URL:        e.str("DATABASE_URL", ""),
			User:       e.str("DATABASE_USER", ""),
			Password:   e.str("DATABASE_PASSWORD", ""),
			Host:       e.str("DATABASE_HOST", ""),
			Port:       e.str("DATABASE_PORT", ""),
			Name:       e.str("DATABASE_NAME", ""),
			SSLMode:    e.str("DATABASE_SSLMODE", ""),
			RequireTLS: e.boolean("DATABASE_REQUIRE_TLS", false),
			MaxConns:   int32(e.integer("DATABASE_MAX_CONNS", 10)),
			MinConns:   int32(e.integer("DATABASE_MIN_CONNS", 0)),
		},
		Kafka: KafkaConfig{
			Enabled: e.boolean("KAFKA_ENABLED", false),
			Brokers: e.list("KAFKA_BROKERS"),
			Topic:   e.str("KAFKA_TOPIC", "ledger.events"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:     e.seconds("HTTP_READ_TIMEOUT_SEC", 15),
			WriteTimeout:    e.seconds("HTTP_WRITE_TIMEOUT_SEC", 15),
			IdleTimeout:     e.seconds("HTTP_IDLE_TIMEOUT_SEC", 60),
			ShutdownTimeout: e.seconds("HTTP_SHUTDOWN_TIMEOUT_SEC", 10),
		},
	}
	if len(e.errs) > 0 {
		return Config{}, errors.Join(e.errs...)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Ledger.Backend == BackendPostgres && c.Postgres.MaxConns == 0 {
		return errors.New("invalid config: DATABASE_MAX_CONNS must be positive for the postgres backend")
	}
	return nil
}

func (c Config) LedgerOptions() store.LedgerOptions {
	return store.LedgerOptions{Namespace: c.Ledger.Namespace, Set: c.Ledger.Set, TTL: c.Ledger.TTL}
}

func (c Config) RedisOptions() store.RedisOptions {
	r := c.Redis
	return store.RedisOptions{
		Addr:       r.Addr,
		Password:   r.Password,
		DB:         r.DB,
		RequireTLS: r.RequireTLS,
		PoolSize:   r.PoolSize,
		TLS: store.RedisTLSOptions{
			Enabled:       r.TLSEnabled,
			Insecure:      r.TLSInsecure,
			AllowInsecure: r.AllowInsecureTLS,
			ServerName:    r.TLSServerName,
			CAFile:        r.CAFile,
			CertFile:      r.CertFile,
			KeyFile:       r.KeyFile,
		},
	}
}

// PostgresOptions prefers DATABASE_URL and otherwise assembles a DSN from
// the DATABASE_* parts.
func (c Config) PostgresOptions() store.PostgresOptions {
	p := c.Postgres
	url := strings.TrimSpace(p.URL)
	if url == "" {
		url = store.PostgresURL(store.PostgresURLParts{
			User:     p.User,
			Password: p.Password,
			Host:     p.Host,
			Port:     p.Port,
			Name:     p.Name,
			SSLMode:  p.SSLMode,
		})
	}
	return store.PostgresOptions{URL: url, RequireTLS: p.RequireTLS, MaxConns: p.MaxConns, MinConns: p.MinConns}
}

func (c Config) HardeningOptions(service string) hardening.Options {
	return hardening.Options{
		Service:            service,
		Environment:        c.Environment,
		StrictProdSecurity: c.StrictProdSecurity,
		Backend:            c.Ledger.Backend,
		DatabaseRequireTLS: c.Postgres.RequireTLS,
		RedisAddr:          c.Redis.Addr,
		RedisRequireTLS:    c.Redis.RequireTLS,
		RedisTLSInsecure:   c.Redis.TLSInsecure || c.Redis.AllowInsecureTLS,
		CORSAllowedOrigins: c.CORSAllowedOrigins,
	}
}

type envReader struct {
	lookup LookupFunc
	errs   []error
}

func (e *envReader) str(k, def string) string {
	if v, ok := e.lookup(k); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (e *envReader) integer(k string, def int) int {
	v := e.str(k, "")
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not an integer", k, v))
		return def
	}
	return i
}

func (e *envReader) boolean(k string, def bool) bool {
	v := e.str(k, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not a boolean", k, v))
		return def
	}
	return b
}

func (e *envReader) seconds(k string, def int) time.Duration {
	return time.Second * time.Duration(e.integer(k, def))
}

func (e *envReader) list(k string) []string {
	var out []string
	for _, part := range strings.Split(e.str(k, ""), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
