package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/storesync/internal/models"
	"github.com/marcus/storesync/internal/output"
)

var statusCmd = &cobra.Command{
	Use:     "status <job-id>",
	Aliases: []string{"show"},
	Short:   "Show a sync job with per-partition progress",
	GroupID: "query",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := jobSnapshot(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return output.JSON(snap)
		}
		fmt.Print(output.FormatJobLong(snap))
		return nil
	},
}

func jobSnapshot(ctx context.Context, jobID string) (*models.JobSnapshot, error) {
	if c := remoteClient(); c != nil {
		return c.GetJob(ctx, jobID)
	}
	e, err := openEnv()
	if err != nil {
		return nil, err
	}
	defer e.Close()
	return e.store.Snapshot(ctx, jobID)
}

var jobsCmd = &cobra.Command{
	Use:     "jobs",
	Short:   "List recent sync jobs",
	GroupID: "query",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		peerID, _ := cmd.Flags().GetString("peer")
		limit, _ := cmd.Flags().GetInt("limit")

		var jobs []models.Job
		if c := remoteClient(); c != nil {
			var err error
			if jobs, err = c.ListJobs(cmd.Context(), peerID, limit); err != nil {
				return err
			}
		} else {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()
			if jobs, err = e.store.ListJobs(cmd.Context(), peerID, limit); err != nil {
				return err
			}
		}

		if jsonOutput {
			if jobs == nil {
				jobs = []models.Job{}
			}
			return output.JSON(jobs)
		}
		if len(jobs) == 0 {
			output.Info("No sync jobs")
			return nil
		}
		for _, j := range jobs {
			fmt.Println(output.FormatJobShort(j))
		}
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Request cooperative cancellation of a sync job",
	Long: `Marks the job for cancellation. Partitions finish the page they are
applying, commit it and pause; the job can be resumed later with sync.`,
	GroupID: "sync",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobID := args[0]
		if c := remoteClient(); c != nil {
			if err := c.CancelJob(cmd.Context(), jobID); err != nil {
				return err
			}
		} else {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()
			// The request is persisted; the process running the job picks it up between pages.
			if err := e.orchestrator().Cancel(cmd.Context(), jobID); err != nil {
				return err
			}
		}
		if jsonOutput {
			return output.JSON(map[string]string{"job_id": jobID, "status": "cancel_requested"})
		}
		output.Success("Cancel requested for job %s", jobID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd, jobsCmd, cancelCmd)
	jobsCmd.Flags().String("peer", "", "only jobs for this peer")
	jobsCmd.Flags().IntP("limit", "n", 20, "maximum number of jobs")
}
