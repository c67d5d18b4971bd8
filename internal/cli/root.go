// Package cli provides the csvmerge command-line interface.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/csvmerge/internal/config"
	"github.com/JonMunkholm/csvmerge/internal/core"
	"github.com/JonMunkholm/csvmerge/internal/engine"
	"github.com/JonMunkholm/csvmerge/internal/logging"
	"github.com/JonMunkholm/csvmerge/internal/source"
)

// Version information (set at build time).
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
)

type configKey struct{}

// rootOptions are the global flags. Non-empty values override the
// environment.
type rootOptions struct {
	envFile  string
	driver   string
	database string
	logLevel string
}

// NewRootCmd creates and returns the root command.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "csvmerge",
		Short: "Merge delimited files into database tables",
		Long: `csvmerge loads a delimited file into an existing table in one transaction.

Rows are bulk loaded into a temporary staging table, matched against the
destination on its unique constraints, and then updated or inserted. A
failed load leaves the destination untouched.`,
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if skipConfig(cmd) {
				return nil
			}
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
			cmd.SetContext(context.WithValue(cmd.Context(), configKey{}, cfg))
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.SetVersionTemplate("{{.Name}} {{.Version}}\n")

	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	rootCmd.PersistentFlags().StringVar(&opts.driver, "driver", "", "database engine (postgres|mysql|sqlite|duckdb), overrides DB_DRIVER")
	rootCmd.PersistentFlags().StringVar(&opts.database, "database-url", "", "connection string or database file, overrides DATABASE_URL")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug|info|warn|error), overrides LOG_LEVEL")

	_ = rootCmd.RegisterFlagCompletionFunc("driver", func(_ *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		return engine.Names(), cobra.ShellCompDirectiveNoFileComp
	})

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newLoadCmd())
	rootCmd.AddCommand(newKeysCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newScheduleCmd())

	return rootCmd
}

// Execute runs the root command.
func Execute() error {
	rootCmd := NewRootCmd()
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		if core.IsUserFacing(err) {
			fmt.Fprintf(os.Stderr, "Error: %s\n  %v\n", core.FormatUserError(err), err)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return err
	}
	return nil
}

func skipConfig(cmd *cobra.Command) bool {
	switch cmd.Name() {
	case "help", "version", "completion", "__complete":
		return true
	}
	return false
}

// loadConfig reads the environment with the env file overloaded onto it,
// then applies the global flags on top.
func loadConfig(opts *rootOptions) (*config.Config, error) {
	// Overload so the file wins over stale shell exports. The file stays in
	// the process environment for the cloud SDKs' credential chains.
	if opts.envFile != "" {
		if err := godotenv.Overload(opts.envFile); err != nil {
			slog.Debug("no env file loaded", "path", opts.envFile, "error", err)
		}
	}
	return config.LoadFrom(config.WithOverrides(os.LookupEnv, opts.overrides()))
}

func (o *rootOptions) overrides() map[string]string {
	return map[string]string{
		"DB_DRIVER":    o.driver,
		"DATABASE_URL": o.database,
		"LOG_LEVEL":    o.logLevel,
	}
}

// getConfig retrieves the config stored by the root command.
func getConfig(cmd *cobra.Command) (*config.Config, error) {
	if c, ok := cmd.Context().Value(configKey{}).(*config.Config); ok {
		return c, nil
	}
	return nil, errors.New("configuration not loaded")
}

// app is the wiring shared by every command that touches the database.
type app struct {
	cfg     *config.Config
	engine  core.Engine
	service *core.Service
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	isolation, err := core.ParseIsolation(cfg.Load.Isolation)
	if err != nil {
		return nil, err
	}

	e, err := engine.Open(ctx, cfg.Database.Driver, engine.Options{
		DSN:             cfg.Database.URL,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Database.Driver, err)
	}
	slog.Info("connected to database", "driver", e.Name())

	loader := core.NewLoader(e, core.WithIsolation(isolation), core.WithLogger(slog.Default()))
	service := core.NewService(
		loader,
		core.NewLoadLimiter(cfg.Load.MaxConcurrent, cfg.Load.MaxWaitTime),
		source.New(source.Config{
			TempDir:            cfg.Source.TempDir,
			S3Region:           cfg.Source.S3Region,
			S3Endpoint:         cfg.Source.S3Endpoint,
			S3PathStyle:        cfg.Source.S3PathStyle,
			GCSCredentialsFile: cfg.Source.GCSCredentialsFile,
			AzureAccountName:   cfg.Source.AzureAccountName,
			AzureAccountKey:    cfg.Source.AzureAccountKey,
		}),
		core.ServiceConfig{
			Timeout: cfg.Load.Timeout,
			Defaults: core.Defaults{
				Delimiter:         cfg.Load.Delimiter,
				HasHeader:         cfg.Load.HasHeader,
				ReplaceDuplicates: cfg.Load.ReplaceDuplicates,
				RequireKey:        cfg.Load.RequireKey,
			},
		},
	)

	return &app{cfg: cfg, engine: e, service: service}, nil
}

func (a *app) Close() {
	if err := a.engine.Close(); err != nil {
		slog.Warn("failed to close database", "error", err)
	}
}
