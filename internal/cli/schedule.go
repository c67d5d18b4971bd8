package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/csvmerge/internal/core"
)

func newScheduleCmd() *cobra.Command {
	var (
		jobsFile string
		runOnce  string
	)

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run scheduled loads from a jobs file",
		Long: `Run the loads listed in the jobs file on their cron schedules until
interrupted. A job still running when its next run is due is skipped.

  jobs:
    - name: nightly-stock
      schedule: "0 2 * * *"
      table: inventory.stock
      source: s3://imports/stock.csv.gz
      fields: [isbn, price, stock]`,
		Example: `  # Run every job in jobs.yaml
  csvmerge schedule --jobs jobs.yaml

  # Run one job now and exit
  csvmerge schedule --jobs jobs.yaml --run nightly-stock`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := getConfig(cmd)
			if err != nil {
				return err
			}
			if jobsFile == "" {
				jobsFile = cfg.Schedule.JobsFile
			}
			jobs, err := core.LoadJobs(jobsFile)
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			scheduler, err := core.NewScheduler(a.service, jobs, slog.Default())
			if err != nil {
				return err
			}

			if runOnce != "" {
				res, err := scheduler.RunNow(cmd.Context(), runOnce)
				if err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), res, false)
			}
			return runScheduler(cmd.Context(), scheduler, cfg.Server.ShutdownTimeout)
		},
	}

	cmd.Flags().StringVar(&jobsFile, "jobs", "", "jobs file (default: SCHEDULE_JOBS_FILE)")
	cmd.Flags().StringVar(&runOnce, "run", "", "run the named job once and exit")

	return cmd
}

func runScheduler(ctx context.Context, scheduler *core.Scheduler, grace time.Duration) error {
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheduler.Start(sigCtx)
	for _, st := range scheduler.Status() {
		slog.Info("next run", "job", st.Name, "at", st.Next)
	}
	<-sigCtx.Done()

	slog.Info("shutting down...")
	// Runs were started under sigCtx and are already cancelled; wait for
	// their rollbacks.
	stopCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := scheduler.Stop(stopCtx); err != nil {
		return fmt.Errorf("stop scheduler: %w", err)
	}
	return nil
}
