// Package config loads storesync settings from a YAML file, an optional .env
// file and STORESYNC_* environment variables, in that order of precedence
// (later wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/marcus/storesync/internal/models"
	"github.com/marcus/storesync/internal/store"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "STORESYNC_"

// DefaultPath is used when no --config flag is given.
const DefaultPath = "storesync.yaml"

// DatabaseConfig selects the local store backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// PeerConfig is one sync source reached over HTTP.
type PeerConfig struct {
	ID          string              `yaml:"id"`
	URL         string              `yaml:"url"`
	APIKey      string              `yaml:"api_key"`
	EntityTypes []models.EntityType `yaml:"entity_types"`
}

// EngineConfig tunes the sync orchestrator.
type EngineConfig struct {
	Concurrency    int           `yaml:"concurrency"`
	PageSize       int           `yaml:"page_size"`
	BurstLimit     int           `yaml:"burst_limit"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
	RetryWindow    time.Duration `yaml:"retry_window"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // "debug", "info" (default), "warn", "error"
	Format string `yaml:"format"` // "json" (default) or "text"
}

// WebhookConfig enables the progress webhook when URL is set.
type WebhookConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

// ServerConfig holds HTTP server settings beyond the listen address.
type ServerConfig struct {
	MaxPageSize        int           `yaml:"max_page_size"`
	RateLimitChanges   int           `yaml:"rate_limit_changes"`
	RateLimitAdmin     int           `yaml:"rate_limit_admin"`
	CORSAllowedOrigins []string      `yaml:"cors_allowed_origins"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
}

// Config is the full storesync configuration.
type Config struct {
	StoreID    string         `yaml:"store_id"`
	Database   DatabaseConfig `yaml:"database"`
	ListenAddr string         `yaml:"listen_addr"`
	APIKey     string         `yaml:"api_key"`
	Peers      []PeerConfig   `yaml:"peers"`
	Engine     EngineConfig   `yaml:"engine"`
	Server     ServerConfig   `yaml:"server"`
	Log        LogConfig      `yaml:"log"`
	Webhook    WebhookConfig  `yaml:"webhook"`
	LockDir    string         `yaml:"lock_dir"`
}

// Default returns a Config with every default applied.
func Default() Config {
	return Config{
		Database:   DatabaseConfig{Driver: store.DriverSQLite, DSN: "./data/storesync.db"},
		ListenAddr: ":8080",
		Engine: EngineConfig{
			Concurrency:    4,
			PageSize:       100,
			BurstLimit:     5,
			FetchTimeout:   30 * time.Second,
			RetryWindow:    5 * time.Minute,
			BackoffInitial: 500 * time.Millisecond,
			BackoffMax:     30 * time.Second,
		},
		Server: ServerConfig{
			MaxPageSize:      500,
			RateLimitChanges: 600,
			RateLimitAdmin:   120,
			ShutdownTimeout:  30 * time.Second,
		},
		Log:     LogConfig{Level: "info", Format: "json"},
		LockDir: "./data/locks",
	}
}

// Error reports an invalid configuration key.
type Error struct {
	Key    string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config %s: %s", e.Key, e.Reason)
}

// Load reads path (missing file is fine when path is the default), then a .env
// file next to it, then environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && path == DefaultPath:
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Existing environment variables win over .env entries.
	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) error {
	envString("STORE_ID", &cfg.StoreID)
	envString("DB_DRIVER", &cfg.Database.Driver)
	envString("DB_DSN", &cfg.Database.DSN)
	envString("LISTEN_ADDR", &cfg.ListenAddr)
	envString("API_KEY", &cfg.APIKey)
	envString("LOG_LEVEL", &cfg.Log.Level)
	envString("LOG_FORMAT", &cfg.Log.Format)
	envString("WEBHOOK_URL", &cfg.Webhook.URL)
	envString("WEBHOOK_SECRET", &cfg.Webhook.Secret)
	envString("LOCK_DIR", &cfg.LockDir)

	for key, dst := range map[string]*int{
		"CONCURRENCY":        &cfg.Engine.Concurrency,
		"PAGE_SIZE":          &cfg.Engine.PageSize,
		"BURST_LIMIT":        &cfg.Engine.BurstLimit,
		"MAX_PAGE_SIZE":      &cfg.Server.MaxPageSize,
		"RATE_LIMIT_CHANGES": &cfg.Server.RateLimitChanges,
		"RATE_LIMIT_ADMIN":   &cfg.Server.RateLimitAdmin,
	} {
		if err := envInt(key, dst); err != nil {
			return err
		}
	}
	for key, dst := range map[string]*time.Duration{
		"FETCH_TIMEOUT":    &cfg.Engine.FetchTimeout,
		"RETRY_WINDOW":     &cfg.Engine.RetryWindow,
		"BACKOFF_INITIAL":  &cfg.Engine.BackoffInitial,
		"BACKOFF_MAX":      &cfg.Engine.BackoffMax,
		"SHUTDOWN_TIMEOUT": &cfg.Server.ShutdownTimeout,
	} {
		if err := envDuration(key, dst); err != nil {
			return err
		}
	}

	if v := os.Getenv(EnvPrefix + "CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.Server.CORSAllowedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.Server.CORSAllowedOrigins = append(cfg.Server.CORSAllowedOrigins, o)
			}
		}
	}
	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return &Error{Key: EnvPrefix + key, Reason: fmt.Sprintf("not an integer: %q", v)}
	}
	*dst = n
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return &Error{Key: EnvPrefix + key, Reason: fmt.Sprintf("not a duration: %q", v)}
	}
	*dst = d
	return nil
}

// Validate checks the settings every command depends on.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.StoreID) == "" {
		return &Error{Key: "store_id", Reason: "required"}
	}
	if !store.IsSupportedDriver(c.Database.Driver) {
		return &Error{Key: "database.driver", Reason: fmt.Sprintf("unknown driver %q", c.Database.Driver)}
	}
	if c.Database.DSN == "" {
		return &Error{Key: "database.dsn", Reason: "required"}
	}
	if c.Engine.Concurrency < 1 {
		return &Error{Key: "engine.concurrency", Reason: "must be at least 1"}
	}
	if c.Engine.PageSize < 1 {
		return &Error{Key: "engine.page_size", Reason: "must be at least 1"}
	}
	if c.Engine.BurstLimit < 0 {
		return &Error{Key: "engine.burst_limit", Reason: "must not be negative"}
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return &Error{Key: "log.level", Reason: fmt.Sprintf("unknown level %q", c.Log.Level)}
	}

	seen := make(map[string]bool, len(c.Peers))
	for i, p := range c.Peers {
		key := fmt.Sprintf("peers[%d]", i)
		if p.ID == "" {
			return &Error{Key: key + ".id", Reason: "required"}
		}
		if p.ID == c.StoreID {
			return &Error{Key: key + ".id", Reason: "a store cannot sync from itself"}
		}
		if seen[p.ID] {
			return &Error{Key: key + ".id", Reason: fmt.Sprintf("duplicate peer id %q", p.ID)}
		}
		seen[p.ID] = true
		if p.URL == "" {
			return &Error{Key: key + ".url", Reason: "required"}
		}
		for _, t := range p.EntityTypes {
			if !models.IsValidEntityType(t) {
				return &Error{Key: key + ".entity_types", Reason: fmt.Sprintf("invalid entity type %q", t)}
			}
		}
	}
	return nil
}

// Peer returns the configured peer with id, if any.
func (c *Config) Peer(id string) (PeerConfig, bool) {
	for _, p := range c.Peers {
		if p.ID == id {
			return p, true
		}
	}
	return PeerConfig{}, false
}
