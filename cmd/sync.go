package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/marcus/storesync/internal/models"
	"github.com/marcus/storesync/internal/output"
	"github.com/marcus/storesync/internal/peer"
)

// modeValue is a pflag.Value restricted to the known sync modes.
type modeValue models.SyncMode

var _ pflag.Value = (*modeValue)(nil)

func (m *modeValue) String() string { return string(*m) }
func (m *modeValue) Type() string   { return "mode" }

func (m *modeValue) Set(s string) error {
	mode := models.SyncMode(s)
	if !models.IsValidSyncMode(mode) {
		return fmt.Errorf("must be %q or %q", models.ModeIncremental, models.ModeFull)
	}
	*m = modeValue(mode)
	return nil
}

var (
	syncMode  = modeValue(models.ModeIncremental)
	syncTypes string
	syncYes   bool
	syncWait  bool
)

var syncCmd = &cobra.Command{
	Use:   "sync <peer-id>",
	Short: "Pull changes from a peer into the local store",
	Long: `Starts (or resumes) a sync job for one peer and waits for it to finish.

An incremental sync resumes a paused job for the peer if there is one.
A full resync discards the peer's checkpoints and re-reads everything;
it supersedes any paused job.

Interrupting the command pauses the job; run it again to resume.`,
	Example: `  storesync sync store:hq
  storesync sync store:hq --types product,inventory
  storesync sync connector:shop --mode full --yes
  storesync sync store:hq --remote http://downtown:8080`,
	GroupID: "sync",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		peerID := args[0]
		types, err := parseTypes(syncTypes)
		if err != nil {
			return err
		}
		mode := models.SyncMode(syncMode)

		if mode == models.ModeFull && !syncYes && output.IsTerminal() {
			ok, err := confirmFullResync(peerID)
			if err != nil {
				return err
			}
			if !ok {
				output.Info("Aborted")
				return nil
			}
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if c := remoteClient(); c != nil {
			return runRemoteSync(ctx, c, peerID, types, mode)
		}
		return runLocalSync(ctx, peerID, types, mode)
	},
}

func confirmFullResync(peerID string) (bool, error) {
	var ok bool
	err := huh.NewConfirm().
		Title(fmt.Sprintf("Full resync from %s?", peerID)).
		Description("Checkpoints for this peer are reset and every change is re-read.").
		Affirmative("Resync").
		Negative("Cancel").
		Value(&ok).
		Run()
	if err != nil {
		return false, fmt.Errorf("confirm: %w", err)
	}
	return ok, nil
}

func runLocalSync(ctx context.Context, peerID string, types []models.EntityType, mode models.SyncMode) error {
	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	held, err := e.lockPeers(peerID)
	if err != nil {
		return err
	}
	defer held.Release()

	o := e.orchestrator()
	if err := o.Start(ctx); err != nil {
		return err
	}
	defer o.Close()

	jobID, err := o.StartSync(ctx, peerID, types, mode)
	if err != nil {
		if jobID != "" && jsonOutput {
			snap, _ := o.GetStatus(context.Background(), jobID)
			_ = output.JSON(snap)
		}
		return err
	}
	if !jsonOutput {
		output.Info("Job %s started for %s (%s)", jobID, peerID, mode)
	}

	snap, err := o.Wait(ctx, jobID)
	if errors.Is(err, context.Canceled) {
		// Close pauses the running partitions at their committed cursors.
		o.Close()
		snap, err = o.GetStatus(context.Background(), jobID)
	}
	if err != nil {
		return err
	}
	return reportJob(snap)
}

func runRemoteSync(ctx context.Context, c *peer.Client, peerID string, types []models.EntityType, mode models.SyncMode) error {
	jobID, err := c.StartJob(ctx, peer.StartJobRequest{PeerID: peerID, EntityTypes: types, Mode: mode})
	if err != nil {
		return err
	}
	if !syncWait {
		if jsonOutput {
			return output.JSON(map[string]string{"job_id": jobID})
		}
		output.Success("Job %s started on %s", jobID, remoteURL)
		return nil
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		snap, err := c.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if snap.State.Terminal() || snap.State == models.JobPaused {
			return reportJob(snap)
		}
		select {
		case <-ctx.Done():
			output.Warning("stopped waiting; job %s keeps running on the server", jobID)
			return nil
		case <-ticker.C:
		}
	}
}

// reportJob prints the final snapshot and fails the command unless the job completed.
func reportJob(snap *models.JobSnapshot) error {
	if jsonOutput {
		if err := output.JSON(snap); err != nil {
			return err
		}
	} else {
		fmt.Print(output.FormatJobLong(snap))
	}
	switch snap.State {
	case models.JobCompleted:
		return nil
	case models.JobPaused:
		return fmt.Errorf("job %s paused: %s (run sync again to resume)", snap.ID, snap.Reason)
	default:
		return fmt.Errorf("job %s %s: %s", snap.ID, snap.State, snap.Reason)
	}
}

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().Var(&syncMode, "mode", "sync mode: incremental or full")
	syncCmd.Flags().StringVarP(&syncTypes, "types", "t", "", "comma-separated entity types (default: the peer's configured types)")
	syncCmd.Flags().BoolVarP(&syncYes, "yes", "y", false, "skip the full resync confirmation")
	syncCmd.Flags().BoolVar(&syncWait, "wait", false, "with --remote, wait for the job to stop")
}
