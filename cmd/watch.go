package cmd

import (
	"errors"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/marcus/storesync/internal/monitor"
	"github.com/marcus/storesync/internal/output"
)

var watchCmd = &cobra.Command{
	Use:     "watch [job-id]",
	Short:   "Live view of sync jobs and partition progress",
	GroupID: "query",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !output.IsTerminal() {
			return errors.New("watch needs a terminal; use `storesync status --json` instead")
		}
		peerID, _ := cmd.Flags().GetString("peer")
		interval, _ := cmd.Flags().GetDuration("interval")
		jobID := ""
		if len(args) == 1 {
			jobID = args[0]
		}

		var src monitor.Source
		if c := remoteClient(); c != nil {
			src = remoteSource{c: c}
		} else {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()
			src = e.orchestrator()
		}

		m := monitor.NewModel(src, peerID, jobID, interval)
		_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
		return err
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().String("peer", "", "only jobs for this peer")
	watchCmd.Flags().Duration("interval", time.Second, "refresh interval")
}
