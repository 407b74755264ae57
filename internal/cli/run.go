package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/qstress/internal/bus"
	"github.com/Dicklesworthstone/qstress/internal/config"
	"github.com/Dicklesworthstone/qstress/internal/ident"
	"github.com/Dicklesworthstone/qstress/internal/metrics"
	"github.com/Dicklesworthstone/qstress/internal/oracle"
	"github.com/Dicklesworthstone/qstress/internal/qsclient"
	"github.com/Dicklesworthstone/qstress/internal/report"
	"github.com/Dicklesworthstone/qstress/internal/scheduler"
	"github.com/Dicklesworthstone/qstress/internal/store"
	"github.com/Dicklesworthstone/qstress/internal/stubserver"
)

func newRunCmd() *cobra.Command {
	var (
		durationSeconds int
		workers         int
		delayMs         int
		tiersPath       string
		local           bool
		busURL          string
		dbPath          string
		noOracle        bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the load test",
		Long: `Run the load test: generate prioritized jobs for every simulated
tenant, dispatch them under per-tenant concurrency limits with overflow to
the remote queue, and verify correctness while measuring latency.

Examples:
  qstress run --url http://queue:3000 --duration 60
  qstress run --local --duration 10 --delay 200
  qstress run --tiers tiers.yaml --json > report.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if durationSeconds > 0 {
				cfg.DurationSeconds = durationSeconds
			}
			if workers > 0 {
				cfg.WorkerConcurrency = workers
			}
			if delayMs >= 0 {
				cfg.JobProcessingDelayMs = delayMs
			}
			if local {
				cfg.Local = true
			}
			if busURL != "" {
				cfg.BusURL = busURL
			}
			if dbPath != "" {
				cfg.MetricsDBPath = dbPath
			}
			if noOracle {
				cfg.CorrectnessChecking = false
			}
			if tiersPath != "" {
				if err := cfg.LoadTiers(tiersPath); err != nil {
					return err
				}
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return runLoadTest(cmd.Context(), cfg)
		},
	}

	cmd.Flags().IntVarP(&durationSeconds, "duration", "d", 0, "load phase duration in seconds")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "worker concurrency")
	cmd.Flags().IntVar(&delayMs, "delay", -1, "simulated job processing delay in ms")
	cmd.Flags().StringVar(&tiersPath, "tiers", "", "YAML tier definition file")
	cmd.Flags().BoolVar(&local, "local", false, "run against an in-process stub queue service")
	cmd.Flags().StringVar(&busURL, "bus", "", "websocket bus URL for completion announcements")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite file to persist the final report")
	cmd.Flags().BoolVar(&noOracle, "no-oracle", false, "disable correctness checking")

	return cmd
}

func runLoadTest(ctx context.Context, cfg config.Config) error {
	runID := ident.NewRunID()
	started := time.Now()

	baseURL := cfg.ServiceURL
	if cfg.Local {
		srv, url, err := startLocalStub()
		if err != nil {
			return err
		}
		defer srv.Close()
		baseURL = url
		slog.Info("local stub queue service started", "url", url)
	}

	collector := metrics.NewCollector(cfg.MetricsBufferSize)
	var o *oracle.Oracle
	var observer qsclient.Observer
	if cfg.CorrectnessChecking {
		o = oracle.New()
		observer = o
	}

	client := qsclient.New(qsclient.Config{
		BaseURL:  baseURL,
		Metrics:  collector,
		Observer: observer,
		WorkerID: ident.WorkerID(runID),
		Verbose:  cfg.Verbose,
	})

	// Startup health check is fatal: a dead service fails the run before any
	// load is generated.
	if res := client.Health(ctx); !res.Success {
		return fmt.Errorf("queue service health check failed (%s): %s", baseURL, res.Err)
	}

	var completionObserver scheduler.CompletionObserver
	if o != nil {
		completionObserver = o
	}
	sched := scheduler.New(scheduler.Config{
		RunID:              runID,
		Tiers:              toSchedulerTiers(cfg.Tiers),
		WorkerConcurrency:  cfg.WorkerConcurrency,
		JobProcessingDelay: cfg.JobProcessingDelay(),
		Duration:           cfg.Duration(),
		Headroom: scheduler.HeadroomConfig{
			Enabled:         cfg.Headroom.Enabled,
			MemoryThreshold: cfg.Headroom.MemoryThreshold,
			CPUThreshold:    cfg.Headroom.CPUThreshold,
		},
		Verbose: cfg.Verbose,
	}, client, completionObserver, ident.NewClock())

	var announcer *bus.Announcer
	if cfg.BusURL != "" {
		announcer = bus.New(ctx, cfg.BusURL, runID)
		defer announcer.Close()
		sched.SetHooks(scheduler.Hooks{
			OnJobCompleted: func(jobID, teamID string) {
				announcer.Announce(jobID, teamID)
			},
		})
	}

	// SIGINT/SIGTERM starts the drain phase instead of killing the process.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		if _, ok := <-sigCh; ok {
			slog.Info("shutdown signal received, draining")
			sched.Shutdown()
		}
	}()

	reporter := report.New(os.Stdout)
	stopProgress := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cfg.ReportInterval())
		defer ticker.Stop()
		for {
			select {
			case <-stopProgress:
				return
			case <-ticker.C:
				if !jsonOutput {
					reporter.Progress(sched.Snapshot(), collector.TotalErrors())
				}
			}
		}
	}()

	runErr := sched.Run(ctx)
	close(stopProgress)

	var oracleRep *oracle.Report
	if o != nil {
		rep := o.RunEndOfTestVerification()
		oracleRep = &rep
	}
	summary := report.Build(runID, sched.Snapshot(), collector, oracleRep, runErr)

	if jsonOutput {
		if err := reporter.WriteJSON(summary); err != nil {
			return err
		}
	} else {
		reporter.Write(summary)
	}

	if cfg.MetricsDBPath != "" {
		st, err := store.Open(cfg.MetricsDBPath)
		if err != nil {
			slog.Error("report persistence failed", "error", err)
		} else {
			if err := st.SaveSummary(started, summary); err != nil {
				slog.Error("report persistence failed", "error", err)
			}
			st.Close()
		}
	}

	if announcer != nil {
		slog.Info("bus announcer", "sent", announcer.Sent(), "dropped", announcer.Dropped())
	}

	// A fatal scheduler error (invariant violation) is the one run outcome
	// that fails the process; measured errors and violations exit 0.
	return runErr
}

// startLocalStub serves the in-memory queue service on a loopback port.
func startLocalStub() (*http.Server, string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, "", fmt.Errorf("local stub listen: %w", err)
	}
	srv := &http.Server{Handler: stubserver.New()}
	go srv.Serve(ln)
	return srv, "http://" + ln.Addr().String(), nil
}

func toSchedulerTiers(tiers []config.Tier) []scheduler.Tier {
	out := make([]scheduler.Tier, len(tiers))
	for i, t := range tiers {
		out[i] = scheduler.Tier{
			Name:             t.Name,
			TeamCount:        t.TeamCount,
			ConcurrencyLimit: t.ConcurrencyLimit,
			JobsPerSecond:    t.JobsPerSecond,
		}
	}
	return out
}
