package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/marcus/storesync/internal/config"
	"github.com/marcus/storesync/internal/lock"
	"github.com/marcus/storesync/internal/models"
	"github.com/marcus/storesync/internal/output"
	"github.com/marcus/storesync/internal/peer"
	"github.com/marcus/storesync/internal/store"
	engine "github.com/marcus/storesync/internal/sync"
	"github.com/marcus/storesync/internal/webhook"
)

// env is everything a local command needs: config, logger and an open store.
type env struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *store.Store
	metrics *engine.Metrics
	hook    *webhook.Reporter
}

// loadConfig reads the config file named by --config and STORESYNC_CONFIG.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv(config.EnvPrefix + "CONFIG")
	}
	return config.Load(path)
}

// NewLogger builds the slog logger described by cfg.
func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// openEnv loads config, installs the default logger and opens the store.
func openEnv() (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := NewLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, logger: logger, store: st, metrics: &engine.Metrics{}}, nil
}

func (e *env) Close() {
	if e.hook != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := e.hook.Close(ctx); err != nil {
			e.logger.Warn("webhook flush", "err", err)
		}
		cancel()
	}
	if err := e.store.Close(); err != nil {
		e.logger.Warn("close store", "err", err)
	}
}

// peers builds an HTTP Page Fetcher for every configured peer.
func (e *env) peers() []engine.Peer {
	out := make([]engine.Peer, 0, len(e.cfg.Peers))
	for _, p := range e.cfg.Peers {
		client := peer.New(p.URL, p.APIKey, e.cfg.StoreID)
		client.HTTP.Timeout = 0 // per-attempt deadline comes from the retry policy
		out = append(out, engine.Peer{ID: p.ID, Fetcher: client, EntityTypes: p.EntityTypes})
	}
	return out
}

// orchestrator wires the engine from config. Start is left to the caller so
// read-only commands can use it without recovering jobs.
func (e *env) orchestrator() *engine.Orchestrator {
	reporters := engine.MultiReporter{engine.LogReporter{Logger: e.logger}, e.metrics}
	if e.cfg.Webhook.URL != "" {
		e.hook = webhook.NewReporter(webhook.Options{
			URL:     e.cfg.Webhook.URL,
			Secret:  e.cfg.Webhook.Secret,
			StoreID: e.cfg.StoreID,
			Logger:  e.logger,
		})
		reporters = append(reporters, e.hook)
	}
	ec := e.cfg.Engine
	return engine.NewOrchestrator(e.store, e.peers(), engine.Options{
		StoreID:     e.cfg.StoreID,
		Concurrency: ec.Concurrency,
		PageSize:    ec.PageSize,
		BurstLimit:  ec.BurstLimit,
		Retry: engine.RetryPolicy{
			FetchTimeout:   ec.FetchTimeout,
			Window:         ec.RetryWindow,
			BackoffInitial: ec.BackoffInitial,
			BackoffMax:     ec.BackoffMax,
		},
		Reporter: reporters,
		Logger:   e.logger,
	})
}

// lockPeers takes the cross-process lock for peerIDs.
func (e *env) lockPeers(peerIDs ...string) (*lock.Set, error) {
	held, err := lock.Peers(e.cfg.LockDir, peerIDs...)
	if errors.Is(err, lock.ErrLocked) {
		return nil, fmt.Errorf("%w (is `storesync serve` running?)", err)
	}
	return held, err
}

// remoteClient returns the admin client for --remote, or nil when unset.
func remoteClient() *peer.Client {
	if remoteURL == "" {
		return nil
	}
	key := remoteKey
	if key == "" {
		key = os.Getenv(config.EnvPrefix + "REMOTE_KEY")
	}
	if key == "" {
		if cfg, err := loadConfig(); err == nil {
			key = cfg.APIKey
		}
	}
	return peer.New(strings.TrimRight(remoteURL, "/"), key, "")
}

// remoteSource adapts the admin client to the monitor's data source.
type remoteSource struct {
	c *peer.Client
}

func (r remoteSource) ListJobs(ctx context.Context, peerID string, limit int) ([]models.Job, error) {
	return r.c.ListJobs(ctx, peerID, limit)
}

func (r remoteSource) GetStatus(ctx context.Context, jobID string) (*models.JobSnapshot, error) {
	return r.c.GetJob(ctx, jobID)
}

// printError writes err in the same style as other command failures.
func printError(err error) {
	var cfgErr *config.Error
	if errors.As(err, &cfgErr) {
		output.Error("invalid configuration: %v", err)
		return
	}
	output.Error("%v", err)
}

// parseTypes splits a --types value into entity types.
func parseTypes(s string) ([]models.EntityType, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []models.EntityType
	for _, part := range strings.Split(s, ",") {
		t := models.EntityType(strings.ToLower(strings.TrimSpace(part)))
		if t == "" {
			continue
		}
		if !models.IsValidEntityType(t) {
			return nil, fmt.Errorf("%w: %q", engine.ErrInvalidEntityType, t)
		}
		out = append(out, t)
	}
	return out, nil
}
