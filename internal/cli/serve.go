package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/csvmerge/internal/config"
	"github.com/JonMunkholm/csvmerge/internal/core"
	"github.com/JonMunkholm/csvmerge/internal/web"
)

func newServeCmd() *cobra.Command {
	var noSchedule bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Serve the load API on SERVER_HOST:SERVER_PORT. Jobs from
SCHEDULE_JOBS_FILE run alongside it when the file exists.

On SIGINT or SIGTERM the scheduler stops, running loads are given
SERVER_SHUTDOWN_TIMEOUT to finish, and the server shuts down.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := getConfig(cmd)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, !noSchedule)
		},
	}
	cmd.Flags().BoolVar(&noSchedule, "no-schedule", false, "do not run scheduled jobs")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, withSchedule bool) error {
	slog.Info("configuration loaded", "config", cfg.String())

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	var scheduler *core.Scheduler
	if withSchedule {
		scheduler, err = optionalScheduler(cfg, a.service)
		if err != nil {
			return err
		}
	}

	// A nil *core.Scheduler must not become a non-nil web.Jobs.
	var jobs web.Jobs
	if scheduler != nil {
		jobs = scheduler
	}
	server := web.NewServer(a.service, jobs, cfg)

	jobCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()
	if scheduler != nil {
		scheduler.Start(jobCtx)
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-sigCtx.Done():
	}

	slog.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if scheduler != nil {
		if err := scheduler.Stop(shutdownCtx); err != nil {
			slog.Warn("scheduled loads did not finish in time", "error", err)
		}
	}
	cancelJobs()

	limiter := a.service.Limiter()
	if active := limiter.ActiveCount(); active > 0 {
		slog.Info("waiting for loads to complete", "active", active)
		if err := limiter.WaitForDrain(shutdownCtx); err != nil {
			slog.Warn("loads did not complete in time", "error", err)
		} else {
			slog.Info("all loads completed")
		}
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
		return err
	}
	slog.Info("server stopped")
	return nil
}

// optionalScheduler builds a scheduler from the jobs file, or returns nil
// when the file does not exist.
func optionalScheduler(cfg *config.Config, service *core.Service) (*core.Scheduler, error) {
	path := cfg.Schedule.JobsFile
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		slog.Info("no jobs file, scheduler disabled", "path", path)
		return nil, nil
	}
	jobs, err := core.LoadJobs(path)
	if err != nil {
		return nil, err
	}
	return core.NewScheduler(service, jobs, slog.Default())
}
