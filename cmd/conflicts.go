package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/storesync/internal/dateparse"
	"github.com/marcus/storesync/internal/models"
	"github.com/marcus/storesync/internal/output"
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	Short:   "List resolved conflicts",
	Long:    `Shows the conflict audit log: both versions and the resolution chosen.`,
	Example: `  storesync conflicts --peer store:hq --since 24h
  storesync conflicts --since yesterday --json`,
	GroupID: "query",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		peerID, _ := cmd.Flags().GetString("peer")
		limit, _ := cmd.Flags().GetInt("limit")
		sinceStr, _ := cmd.Flags().GetString("since")

		var since time.Time
		if sinceStr != "" {
			var err error
			if since, err = dateparse.ParseSince(sinceStr); err != nil {
				return fmt.Errorf("--since: %w", err)
			}
		}

		var conflicts []models.ConflictRecord
		if c := remoteClient(); c != nil {
			var err error
			if conflicts, err = c.ListConflicts(cmd.Context(), peerID, since, limit); err != nil {
				return err
			}
		} else {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()
			if conflicts, err = e.store.ListConflicts(cmd.Context(), peerID, since, limit); err != nil {
				return err
			}
		}

		if jsonOutput {
			if conflicts == nil {
				conflicts = []models.ConflictRecord{}
			}
			return output.JSON(conflicts)
		}
		if len(conflicts) == 0 {
			output.Info("No conflicts")
			return nil
		}
		for _, c := range conflicts {
			fmt.Println(output.FormatConflict(c))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(conflictsCmd)
	conflictsCmd.Flags().String("peer", "", "only conflicts from this peer")
	conflictsCmd.Flags().String("since", "", "only conflicts at or after this (24h, 7d, yesterday, 2026-03-01, RFC 3339)")
	conflictsCmd.Flags().IntP("limit", "n", 50, "maximum number of conflicts")
}
