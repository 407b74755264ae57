package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/qstress/internal/ident"
	"github.com/Dicklesworthstone/qstress/internal/qsclient"
)

// FlushOutput is the JSON output for the flush command.
type FlushOutput struct {
	TeamID        string `json:"team_id"`
	QueuedDrained int    `json:"queued_drained"`
	ActiveRemoved int    `json:"active_removed"`
}

func newFlushCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flush <teamId>...",
		Short: "Drain a team's queued and active jobs",
		Long: `Drain leftover state for one or more teams: pop and complete queued
jobs until the queue answers empty three times in a row, then remove every
tracked active job id. Used to reset the service between runs.

Examples:
  qstress flush free-team-0
  qstress flush --url http://queue:3000 small-team-3 small-team-4 --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.ServiceURL == "" {
				return fmt.Errorf("flush needs --url or QSTRESS_SERVICE_URL")
			}

			runID := ident.NewRunID()
			client := qsclient.New(qsclient.Config{
				BaseURL: cfg.ServiceURL,
				Verbose: cfg.Verbose,
			})

			var outputs []FlushOutput
			for _, teamID := range args {
				res := client.FlushTeam(cmd.Context(), teamID, ident.FlushWorkerID(runID))
				outputs = append(outputs, FlushOutput{
					TeamID:        teamID,
					QueuedDrained: res.QueuedDrained,
					ActiveRemoved: res.ActiveRemoved,
				})
			}

			if jsonOutput {
				return printJSON(outputs)
			}
			for _, out := range outputs {
				fmt.Printf("%s: drained %d queued, removed %d active\n",
					out.TeamID, out.QueuedDrained, out.ActiveRemoved)
			}
			return nil
		},
	}
	return cmd
}
