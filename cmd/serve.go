package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/storesync/internal/api"
	"github.com/marcus/storesync/internal/config"
	"github.com/marcus/storesync/internal/models"
	"github.com/marcus/storesync/internal/output"
	"github.com/marcus/storesync/internal/peer"
	"github.com/marcus/storesync/internal/store"
	engine "github.com/marcus/storesync/internal/sync"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the store server: change feed, admin API and sync engine",
	Long: `Serves this store's change feed to peers and the job admin API, and runs
the sync engine for every configured peer. Jobs left running by a previous
process are paused on start and can be resumed with sync.

With --interval, an incremental sync of every peer is started on that period.`,
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetDuration("interval")
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := NewLogger(cfg.Log, os.Stderr)
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return RunServer(ctx, cfg, logger, interval)
	},
}

// RunServer runs the store server until ctx is done, then shuts down
// gracefully: the HTTP server drains and running jobs pause at their last
// committed page.
func RunServer(ctx context.Context, cfg *config.Config, logger *slog.Logger, interval time.Duration) error {
	st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	e := &env{cfg: cfg, logger: logger, store: st, metrics: &engine.Metrics{}}
	defer e.Close()

	ids := make([]string, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		ids = append(ids, p.ID)
	}
	held, err := e.lockPeers(ids...)
	if err != nil {
		return err
	}
	defer held.Release()

	o := e.orchestrator()
	if err := o.Start(ctx); err != nil {
		return err
	}
	defer o.Close()

	srv, err := api.NewServer(api.Config{
		ListenAddr:         cfg.ListenAddr,
		StoreID:            cfg.StoreID,
		APIKey:             cfg.APIKey,
		ShutdownTimeout:    cfg.Server.ShutdownTimeout,
		MaxPageSize:        cfg.Server.MaxPageSize,
		RateLimitChanges:   cfg.Server.RateLimitChanges,
		RateLimitAdmin:     cfg.Server.RateLimitAdmin,
		CORSAllowedOrigins: cfg.Server.CORSAllowedOrigins,
	}, st, o, e.metrics, logger)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}
	logger.Info("server started", "addr", cfg.ListenAddr, "store", cfg.StoreID, "peers", len(ids))

	if interval > 0 && len(ids) > 0 {
		go scheduleSyncs(ctx, o, logger, interval)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "err", err)
	}
	return nil
}

// scheduleSyncs starts an incremental sync of every peer each interval.
// Peers that are still syncing are skipped.
func scheduleSyncs(ctx context.Context, o *engine.Orchestrator, logger *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, peerID := range o.Peers() {
			jobID, err := o.StartSync(ctx, peerID, nil, models.ModeIncremental)
			switch {
			case errors.Is(err, engine.ErrAlreadyRunning):
				logger.Debug("scheduled sync skipped", "peer", peerID, "reason", "already running")
			case err != nil:
				logger.Warn("scheduled sync", "peer", peerID, "job", jobID, "err", err)
			default:
				logger.Debug("scheduled sync started", "peer", peerID, "job", jobID)
			}
		}
	}
}

var peersCmd = &cobra.Command{
	Use:     "peers",
	Short:   "List configured peers and check they are reachable",
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		type peerStatus struct {
			ID          string              `json:"id"`
			URL         string              `json:"url"`
			EntityTypes []models.EntityType `json:"entity_types,omitempty"`
			Reachable   bool                `json:"reachable"`
			RemoteID    string              `json:"remote_store_id,omitempty"`
			Error       string              `json:"error,omitempty"`
		}
		var out []peerStatus
		for _, p := range cfg.Peers {
			ps := peerStatus{ID: p.ID, URL: p.URL, EntityTypes: p.EntityTypes}
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			health, err := peer.New(p.URL, p.APIKey, cfg.StoreID).HealthCheck(ctx)
			cancel()
			if err != nil {
				ps.Error = err.Error()
			} else {
				ps.Reachable = true
				ps.RemoteID = health.StoreID
			}
			out = append(out, ps)
		}

		if jsonOutput {
			return output.JSON(out)
		}
		if len(out) == 0 {
			fmt.Println("No peers configured")
			return nil
		}
		for _, ps := range out {
			status := "ok"
			if !ps.Reachable {
				status = "unreachable: " + ps.Error
			} else if ps.RemoteID != "" && ps.RemoteID != ps.ID {
				status = fmt.Sprintf("ok (reports store id %s)", ps.RemoteID)
			}
			fmt.Printf("%-20s %-35s %s\n", ps.ID, ps.URL, status)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, peersCmd)
	serveCmd.Flags().Duration("interval", 0, "start an incremental sync of every peer on this period (0 disables)")
}
