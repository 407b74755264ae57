package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/qstress/internal/store"
)

func newRunsCmd() *cobra.Command {
	var dbPath string
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List persisted run reports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if dbPath == "" {
				dbPath = cfg.MetricsDBPath
			}
			if dbPath == "" {
				return fmt.Errorf("runs needs --db or QSTRESS_METRICS_DB")
			}

			st, err := store.Open(dbPath)
			if err != nil {
				return err
			}
			defer st.Close()

			runs, err := st.ListRuns(limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(runs)
			}
			if len(runs) == 0 {
				fmt.Println("no runs recorded")
				return nil
			}
			fmt.Printf("%-24s %-20s %10s %10s %8s %8s\n",
				"run", "started", "generated", "completed", "errors", "fatal")
			for _, r := range runs {
				fmt.Printf("%-24s %-20s %10d %10d %8d %8d\n",
					r.RunID, r.StartedAt.Format("2006-01-02 15:04:05"),
					r.Generated, r.Completed, r.TotalErrors, r.OracleFatal)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite report database")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "max runs to list")
	return cmd
}
