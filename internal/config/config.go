package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/example/ledger-engine/internal/ratelimit"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds the application configuration.
type Config struct {
	Environment  string
	HTTPAddr     string
	LedgerDriver string
	DatabaseURL  string
	SQLitePath   string
	RedisAddr    string

	CacheTTL        time.Duration
	RateLimitWindow time.Duration
	Quotas          map[ratelimit.Class]int
	BulkMaxItems    int

	KafkaBrokers []string
	AuditTopic   string

	JWTIssuer        string
	JWTPublicKeyFile string

	MaxBodyBytes int64
	IPAllowlist  string
	TLSCertFile  string
	TLSKeyFile   string
	TLSClientCA  string
}

// Load reads an optional .env file and then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, relying on process environment")
	}
	return LoadFromEnv()
}

// LoadFromEnv builds a Config from the process environment and validates it.
func LoadFromEnv() (*Config, error) {
	p := &parser{}
	cfg := &Config{
		Environment:      os.Getenv("APP_ENV"),
		HTTPAddr:         getenv("HTTP_ADDR", ":8080"),
		LedgerDriver:     getenv("LEDGER_DRIVER", DriverMemory),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		SQLitePath:       os.Getenv("SQLITE_PATH"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		CacheTTL:         p.duration("CACHE_TTL", 5*time.Minute),
		RateLimitWindow:  p.duration("RATE_LIMIT_WINDOW", time.Minute),
		BulkMaxItems:     p.int("BULK_MAX_ITEMS", 100),
		KafkaBrokers:     splitList(os.Getenv("KAFKA_BROKERS")),
		AuditTopic:       getenv("AUDIT_TOPIC", "ledger.audit"),
		JWTIssuer:        os.Getenv("JWT_ISSUER"),
		JWTPublicKeyFile: os.Getenv("JWT_PUBLIC_KEY_FILE"),
		MaxBodyBytes:     int64(p.int("API_MAX_BODY_BYTES", 1<<20)),
		IPAllowlist:      os.Getenv("API_IP_ALLOWLIST"),
		TLSCertFile:      os.Getenv("API_TLS_CERT"),
		TLSKeyFile:       os.Getenv("API_TLS_KEY"),
		TLSClientCA:      os.Getenv("API_TLS_CA"),
	}

	defaults := ratelimit.DefaultQuotas()
	cfg.Quotas = map[ratelimit.Class]int{
		ratelimit.ClassTransactionCreate: p.int("RATE_LIMIT_TRANSACTION_CREATE", defaults[ratelimit.ClassTransactionCreate]),
		ratelimit.ClassTransactionBulk:   p.int("RATE_LIMIT_TRANSACTION_BULK", defaults[ratelimit.ClassTransactionBulk]),
		ratelimit.ClassTransactionRead:   p.int("RATE_LIMIT_TRANSACTION_READ", defaults[ratelimit.ClassTransactionRead]),
		ratelimit.ClassAnalyticsRead:     p.int("RATE_LIMIT_ANALYTICS_READ", defaults[ratelimit.ClassAnalyticsRead]),
	}

	if len(p.errs) > 0 {
		return nil, errors.Join(p.errs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsProduction reports whether the service runs with production safeguards.
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "staging"
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var missing []string

	if c.Environment == "" {
		missing = append(missing, "APP_ENV")
	}
	switch c.LedgerDriver {
	case DriverMemory:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			missing = append(missing, "SQLITE_PATH")
		}
	default:
		return fmt.Errorf("LEDGER_DRIVER must be one of %s, %s, %s", DriverMemory, DriverPostgres, DriverSQLite)
	}

	if c.IsProduction() {
		if c.RedisAddr == "" {
			missing = append(missing, "REDIS_ADDR")
		}
		if c.JWTPublicKeyFile == "" {
			missing = append(missing, "JWT_PUBLIC_KEY_FILE")
		}
	}

	if len(missing) > 0 {
		return errors.New("missing required environment variables: " + strings.Join(missing, ", "))
	}

	if c.IsProduction() && c.LedgerDriver == DriverMemory {
		return errors.New("LEDGER_DRIVER=memory is not allowed in " + c.Environment)
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return errors.New("API_TLS_CERT and API_TLS_KEY must be set together")
	}
	if c.TLSClientCA != "" && c.TLSCertFile == "" {
		return errors.New("API_TLS_CA requires API_TLS_CERT and API_TLS_KEY")
	}
	if c.CacheTTL <= 0 || c.RateLimitWindow <= 0 {
		return errors.New("CACHE_TTL and RATE_LIMIT_WINDOW must be positive")
	}
	if c.BulkMaxItems < 1 {
		return errors.New("BULK_MAX_ITEMS must be at least 1")
	}

	create := c.Quotas[ratelimit.ClassTransactionCreate]
	bulk := c.Quotas[ratelimit.ClassTransactionBulk]
	if create > 0 && (bulk <= 0 || bulk >= create) {
		return fmt.Errorf("RATE_LIMIT_TRANSACTION_BULK (%d) must be positive and below RATE_LIMIT_TRANSACTION_CREATE (%d)", bulk, create)
	}
	return nil
}

type parser struct {
	errs []error
}

func (p *parser) int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil || i < 0 {
		p.errs = append(p.errs, fmt.Errorf("%s must be a non-negative integer, got %q", key, v))
		return def
	}
	return i
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s must be a duration such as 30s or 1m, got %q", key, v))
		return def
	}
	return d
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
