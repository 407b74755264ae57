package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/qstress/internal/qsclient"
)

// HealthOutput is the JSON output for the health command.
type HealthOutput struct {
	URL       string  `json:"url"`
	Healthy   bool    `json:"healthy"`
	LatencyMs float64 `json:"latency_ms"`
	Status    int     `json:"status,omitempty"`
	Error     string  `json:"error,omitempty"`
}

func newHealthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check queue service health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.ServiceURL == "" {
				return fmt.Errorf("health needs --url or QSTRESS_SERVICE_URL")
			}

			client := qsclient.New(qsclient.Config{
				BaseURL: cfg.ServiceURL,
				Timeout: 5 * time.Second,
			})

			start := time.Now()
			res := client.Health(cmd.Context())
			out := HealthOutput{
				URL:       cfg.ServiceURL,
				Healthy:   res.Success,
				LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0,
				Status:    res.Status,
				Error:     res.Err,
			}

			if jsonOutput {
				if err := printJSON(out); err != nil {
					return err
				}
			} else if out.Healthy {
				fmt.Printf("%s healthy (%.1fms)\n", out.URL, out.LatencyMs)
			} else {
				fmt.Printf("%s UNHEALTHY: %s\n", out.URL, out.Error)
			}

			if !out.Healthy {
				return fmt.Errorf("queue service unhealthy")
			}
			return nil
		},
	}
	return cmd
}
