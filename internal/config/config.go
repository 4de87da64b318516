// Package config loads the service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/notion-content-cache/pkg/logging"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Upstream configures the content API client.
type Upstream struct {
	BaseURL   string        `validate:"required,url"`
	UserAgent string        `validate:"required"`
	Timeout   time.Duration `validate:"gt=0"`
	RateLimit float64       `validate:"gte=0"`
	Burst     int           `validate:"gte=0"`
}

// Warmup configures the warmup orchestrator.
type Warmup struct {
	BatchSize     int           `validate:"min=1,max=100"`
	Concurrency   int           `validate:"min=1,max=50"`
	FetchTimeout  time.Duration `validate:"gt=0"`
	BatchDelay    time.Duration `validate:"gte=0"`
	ErrorCap      int           `validate:"min=1"`
	StaleAfter    time.Duration `validate:"gte=0"`
	LeaseTTL      time.Duration `validate:"gt=0"`
	RefreshWindow time.Duration `validate:"gte=0"`
}

// Cache configures the tiered store.
type Cache struct {
	MaxEntries int           `validate:"min=1"`
	MaxBytes   int64         `validate:"gte=0"`
	DefaultTTL time.Duration `validate:"gt=0"`
	PageTTL    time.Duration `validate:"gt=0"`
}

// Config is the full service configuration.
type Config struct {
	Port string `validate:"required,numeric"`

	// RedisURL empty runs the store memory-only.
	RedisURL string
	RedisDB  int `validate:"gte=0,lte=15"`

	AdminToken string `validate:"required,min=8"`

	Upstream Upstream

	PageListURL string `validate:"omitempty,url"`
	RootPageID  string

	Warmup Warmup
	Cache  Cache

	EdgePolicyFile string
	EdgeConfigURL  string `validate:"omitempty,url"`

	RevalidatePaths []string `validate:"dive,startswith=/"`
	CORSOrigins     []string

	LogLevel  logging.LogLevel `validate:"omitempty,oneof=debug info warn error"`
	LogPretty bool
}

// Load reads the configuration from the process environment.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom reads the configuration through getenv.
func LoadFrom(getenv func(string) string) (*Config, error) {
	e := env{get: getenv}

	cfg := &Config{
		Port:       e.str("PORT", "8080"),
		RedisURL:   e.str("REDIS_URL", ""),
		RedisDB:    e.int("REDIS_DB", 0),
		AdminToken: e.str("ADMIN_TOKEN", e.str("CACHE_CLEAR_TOKEN", "")),
		Upstream: Upstream{
			BaseURL:   e.str("UPSTREAM_BASE_URL", ""),
			UserAgent: e.str("UPSTREAM_USER_AGENT", "notion-content-cache/1.0"),
			Timeout:   e.duration("UPSTREAM_TIMEOUT", 15*time.Second),
			RateLimit: e.float("UPSTREAM_RATE_LIMIT", 5),
			Burst:     e.int("UPSTREAM_BURST", 5),
		},
		PageListURL: e.str("PAGE_LIST_URL", ""),
		RootPageID:  e.str("ROOT_PAGE_ID", ""),
		Warmup: Warmup{
			BatchSize:     e.int("WARMUP_BATCH_SIZE", 5),
			Concurrency:   e.int("WARMUP_CONCURRENCY", 3),
			FetchTimeout:  e.duration("WARMUP_FETCH_TIMEOUT", 15*time.Second),
			BatchDelay:    e.duration("WARMUP_BATCH_DELAY", time.Second),
			ErrorCap:      e.int("WARMUP_ERROR_CAP", 10),
			StaleAfter:    e.duration("WARMUP_STALE_AFTER", 30*time.Minute),
			LeaseTTL:      e.duration("WARMUP_LEASE_TTL", 2*time.Minute),
			RefreshWindow: e.duration("WARMUP_REFRESH_WINDOW", 10*time.Minute),
		},
		Cache: Cache{
			MaxEntries: e.int("CACHE_MAX_ENTRIES", 500),
			MaxBytes:   e.bytes("CACHE_MAX_BYTES", 64<<20),
			DefaultTTL: e.duration("CACHE_TTL_DEFAULT", 30*time.Minute),
			PageTTL:    e.duration("CACHE_TTL_PAGE", 2*time.Hour),
		},
		EdgePolicyFile:  e.str("EDGE_POLICY_FILE", ""),
		EdgeConfigURL:   e.str("EDGE_CONFIG_URL", ""),
		RevalidatePaths: e.list("REVALIDATE_PATHS", []string{"/"}),
		CORSOrigins:     e.list("CORS_ORIGINS", nil),
		LogLevel:        logging.LogLevel(strings.ToLower(e.str("LOG_LEVEL", "info"))),
		LogPretty:       e.bool("LOG_PRETTY", false),
	}

	if len(e.errs) > 0 {
		return nil, fmt.Errorf("invalid environment: %s", strings.Join(e.errs, "; "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, formatFieldError(fe))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Logging returns the logger settings.
func (c *Config) Logging() logging.Config {
	lc := logging.DefaultConfig()
	if c.LogLevel != "" {
		lc.Level = c.LogLevel
	}
	lc.Pretty = c.LogPretty
	return lc
}

func formatFieldError(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s is invalid (%s)", field, fe.Tag())
	}
}

// env collects parse errors so every bad variable is reported at once.
type env struct {
	get  func(string) string
	errs []string
}

func (e *env) str(key, def string) string {
	if v := strings.TrimSpace(e.get(key)); v != "" {
		return v
	}
	return def
}

func (e *env) int(key string, def int) int {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %q is not an integer", key, v))
		return def
	}
	return n
}

func (e *env) float(key string, def float64) float64 {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %q is not a number", key, v))
		return def
	}
	return f
}

func (e *env) bool(key string, def bool) bool {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %q is not a boolean", key, v))
		return def
	}
	return b
}

// duration accepts Go durations ("1m30s") and bare seconds ("90").
func (e *env) duration(key string, def time.Duration) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %q is not a duration", key, v))
		return def
	}
	return d
}

func (e *env) bytes(key string, def int64) int64 {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	n, err := parseBytes(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return n
}

func (e *env) list(key string, def []string) []string {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseBytes parses sizes like "512", "64MB", "1.5g".
func parseBytes(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	s = strings.TrimSuffix(s, "b")
	mult := int64(1)
	if s != "" {
		switch s[len(s)-1] {
		case 'k':
			mult = 1 << 10
			s = s[:len(s)-1]
		case 'm':
			mult = 1 << 20
			s = s[:len(s)-1]
		case 'g':
			mult = 1 << 30
			s = s[:len(s)-1]
		}
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative size")
	}
	return int64(v * float64(mult)), nil
}
