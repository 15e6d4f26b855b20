package api

import "time"

// Config holds the HTTP server settings.
type Config struct {
	ListenAddr      string
	StoreID         string // reported by /healthz
	APIKey          string // bearer token required on every route but /healthz; empty disables auth
	ShutdownTimeout time.Duration

	MaxPageSize      int // upper bound on ?limit for the changes endpoint (default: 500)
	RateLimitChanges int // changes requests per peer per minute (default: 600)
	RateLimitAdmin   int // admin requests per client per minute (default: 120)

	CORSAllowedOrigins []string // allowed origins for admin CORS; empty = disabled
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:       ":8080",
		ShutdownTimeout:  30 * time.Second,
		MaxPageSize:      500,
		RateLimitChanges: 600,
		RateLimitAdmin:   120,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ListenAddr == "" {
		c.ListenAddr = d.ListenAddr
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.MaxPageSize <= 0 {
		c.MaxPageSize = d.MaxPageSize
	}
	if c.RateLimitChanges <= 0 {
		c.RateLimitChanges = d.RateLimitChanges
	}
	if c.RateLimitAdmin <= 0 {
		c.RateLimitAdmin = d.RateLimitAdmin
	}
	return c
}
