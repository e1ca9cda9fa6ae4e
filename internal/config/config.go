// Package config loads and validates environment variables at startup.
// Fail-fast: if a required variable is missing or malformed, Load returns an
// error and the process exits.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for the scanner service.
type Config struct {
	Port        string
	StoreDriver string // "postgres" or "memory"
	DatabaseURL string
	DBMaxConns  int
	RedisURL    string // optional; events and the stats cache are off when empty
	LogLevel    string

	WebDriverURL          string
	SessionPoolSize       int
	SessionAcquireTimeout time.Duration
	SessionTTL            time.Duration

	MaxConcurrentPortals int
	CallTimeout          time.Duration
	MaxPageBound         int
	// PageInterval is the minimum gap between page loads on one portal.
	// Zero disables the limit.
	PageInterval         time.Duration

	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration

	PriorityValueThreshold    float64
	MissedCyclesBeforeRemoval int

	StagingDir     string
	PortalsFile    string
	TaxonomyFile   string
	ExclusionTerms []string

	SchedulerEnabled bool
	CrawlOnStart     bool
	ShutdownTimeout  time.Duration

	MinIO MinIOConfig
}

// MinIOConfig configures optional attachment archiving.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Enabled reports whether archiving is configured.
func (m MinIOConfig) Enabled() bool { return m.Endpoint != "" && m.Bucket != "" }

// Load reads an optional .env file, then environment variables, and returns
// a validated Config.
func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	r := &reader{}
	cfg := &Config{
		Port:        r.str("SCANNER_PORT", "8083"),
		StoreDriver: r.str("STORE_DRIVER", "postgres"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		DBMaxConns:  r.positiveInt("DB_MAX_CONNS", 10),
		RedisURL:    os.Getenv("REDIS_URL"),
		LogLevel:    r.str("LOG_LEVEL", "info"),

		WebDriverURL:          r.str("WEBDRIVER_URL", "http://localhost:4444"),
		SessionPoolSize:       r.positiveInt("SESSION_POOL_SIZE", 4),
		SessionAcquireTimeout: r.duration("SESSION_ACQUIRE_TIMEOUT", 30*time.Second),
		SessionTTL:            r.duration("SESSION_TTL", 10*time.Minute),

		MaxConcurrentPortals: r.positiveInt("MAX_CONCURRENT_PORTALS", 4),
		CallTimeout:          r.duration("CALL_TIMEOUT", 30*time.Second),
		MaxPageBound:         r.positiveInt("MAX_PAGE_BOUND", 50),
		PageInterval:         r.interval("PAGE_INTERVAL", 2*time.Second),

		RetryMaxAttempts:  r.positiveInt("RETRY_MAX_ATTEMPTS", 3),
		RetryInitialDelay: r.duration("RETRY_INITIAL_DELAY", 500*time.Millisecond),
		RetryMaxDelay:     r.duration("RETRY_MAX_DELAY", 10*time.Second),

		PriorityValueThreshold:    r.float("PRIORITY_VALUE_THRESHOLD", 500000),
		MissedCyclesBeforeRemoval: r.positiveInt("MISSED_CYCLES_BEFORE_REMOVAL", 3),

		StagingDir:     r.str("STAGING_DIR", os.TempDir()),
		PortalsFile:    os.Getenv("PORTALS_FILE"),
		TaxonomyFile:   os.Getenv("TAXONOMY_FILE"),
		ExclusionTerms: splitList(os.Getenv("EXCLUSION_TERMS")),

		SchedulerEnabled: r.boolean("SCHEDULER_ENABLED", true),
		CrawlOnStart:     r.boolean("CRAWL_ON_START", true),
		ShutdownTimeout:  r.duration("SHUTDOWN_TIMEOUT", 30*time.Second),

		MinIO: MinIOConfig{
			Endpoint:  os.Getenv("MINIO_ENDPOINT"),
			AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
			SecretKey: os.Getenv("MINIO_SECRET_KEY"),
			Bucket:    os.Getenv("MINIO_BUCKET"),
			UseSSL:    os.Getenv("MINIO_USE_SSL") == "true",
		},
	}
	if r.err != nil {
		return nil, r.err
	}

	switch cfg.StoreDriver {
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required")
		}
	case "memory":
	default:
		return nil, fmt.Errorf("STORE_DRIVER must be postgres or memory, got %q", cfg.StoreDriver)
	}

	return cfg, nil
}

// Credentials returns the login pair configured for a portal through
// PORTAL_USERNAME_<ID> and PORTAL_PASSWORD_<ID>.
func Credentials(portalID string) (username, password string) {
	key := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(portalID))
	return os.Getenv("PORTAL_USERNAME_" + key), os.Getenv("PORTAL_PASSWORD_" + key)
}

// reader collects the first parse error so Load can report it once.
type reader struct {
	err error
}

func (r *reader) str(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (r *reader) positiveInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		r.fail(fmt.Errorf("%s must be a positive integer, got %q", key, s))
		return def
	}
	return v
}

func (r *reader) float(key string, def float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		r.fail(fmt.Errorf("%s must be a non-negative number, got %q", key, s))
		return def
	}
	return v
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := time.ParseDuration(s)
	if err != nil || v <= 0 {
		r.fail(fmt.Errorf("%s must be a positive duration, got %q", key, s))
		return def
	}
	return v
}

// interval is like duration but also accepts zero.
func (r *reader) interval(key string, def time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := time.ParseDuration(s)
	if err != nil || v < 0 {
		r.fail(fmt.Errorf("%s must be a non-negative duration, got %q", key, s))
		return def
	}
	return v
}

func (r *reader) boolean(key string, def bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		r.fail(fmt.Errorf("%s must be a boolean, got %q", key, s))
		return def
	}
	return v
}

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
