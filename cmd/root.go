// Package cmd provides the command-line interface for the smart-house database bootstrap.
package cmd

import (
	"context"
	"fmt"
	"time"

	"smarthouse/bootstrap"
	"smarthouse/config"
	"smarthouse/metrics"
	"smarthouse/schema"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

// Global flags
var (
	outputJSON bool
	configFile string
	noColor    bool
	quiet      bool
)

const pushTimeout = 10 * time.Second

// NewRootCmd creates the smarthouse-init command. Without a subcommand it runs init.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "smarthouse-init",
		Short: "Bootstrap the smart-house MongoDB database",
		Long: `Authenticate against the MongoDB admin database, then create the smart-house
collections (users, devices, sensors, events, automations, actions) and their indexes.

Existing collections and indexes are skipped by default (schema.existing_policy: skip).
Set schema.existing_policy to fail to abort when anything already exists.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd)
		},
	}

	// Add persistent flags
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file path (default: config.yaml in . or ./config)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "Suppress non-essential output")

	// Add subcommands
	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newPlanCmd())
	rootCmd.AddCommand(newPingCmd())

	return rootCmd
}

// newInitCmd creates the 'init' subcommand
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the collections and indexes",
		Long:  "Authenticate, select the target database and ensure every collection and index exists.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd)
		},
	}
}

// newPlanCmd creates the 'plan' subcommand
func newPlanCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the layout that init would apply",
		Long:  "Print the collections and indexes for the configured database without connecting.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := bootstrap.InitConfig(configFile)
			if err != nil {
				return err
			}

			plan := newPlan(cfg, schema.DefaultLayout())
			if outputJSON {
				format = "json"
			}

			switch format {
			case "json":
				return outputAsJSON(cmd.OutOrStdout(), plan)
			case "yaml":
				return outputAsYAML(cmd.OutOrStdout(), plan)
			case "table":
				renderPlan(cmd.OutOrStdout(), plan)
				return nil
			default:
				return fmt.Errorf("unsupported format %q: use table, json or yaml", format)
			}
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "table", "Output format: table, json or yaml")

	return cmd
}

// newPingCmd creates the 'ping' subcommand
func newPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check connectivity and credentials",
		Long:  "Connect, authenticate against the admin database and print the server version.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, sugar, cleanup, err := setup()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := context.WithTimeout(commandContext(cmd), cfg.MongoDB.OperationTimeout)
			defer cancel()

			s := startSpinner(cmd, " Connecting to MongoDB...")
			db, err := bootstrap.InitMongoDB(ctx, cfg, sugar)
			stopSpinner(s)
			if err != nil {
				return err
			}
			defer db.Close(context.Background())

			if err := db.Authenticate(ctx); err != nil {
				return err
			}

			version, err := db.ServerVersion(ctx)
			if err != nil {
				return err
			}

			result := pingResult{
				Address:       bootstrap.ConnectOptionsFromConfig(cfg.Masked()).ResolvedURI(),
				AdminDatabase: cfg.MongoDB.AdminDatabase,
				Username:      cfg.MongoDB.Username,
				ServerVersion: version,
			}
			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), result)
			}
			renderPing(cmd.OutOrStdout(), result)
			return nil
		},
	}
}

// runInit performs the bootstrap and reports the outcome
func runInit(cmd *cobra.Command) error {
	cfg, sugar, cleanup, err := setup()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(commandContext(cmd), cfg.MongoDB.OperationTimeout)
	defer cancel()

	// Metrics are pushed whatever the outcome
	defer pushMetrics(cfg, sugar)

	s := startSpinner(cmd, " Connecting to MongoDB...")
	db, err := bootstrap.InitMongoDB(ctx, cfg, sugar)
	stopSpinner(s)
	if err != nil {
		recordFailure(err)
		return err
	}
	defer db.Close(context.Background())

	b, err := newBootstrapper(db, cfg, sugar)
	if err != nil {
		return err
	}

	report, err := b.Run(ctx)
	if err != nil {
		if report != nil && !outputJSON && !quiet {
			renderReport(cmd.OutOrStdout(), report)
		}
		return fmt.Errorf("bootstrap of %s failed: %w", cfg.MongoDB.Database, err)
	}

	if outputJSON {
		return outputAsJSON(cmd.OutOrStdout(), report)
	}
	if quiet {
		return nil
	}

	renderReport(cmd.OutOrStdout(), report)
	return nil
}

// newBootstrapper builds the bootstrapper for the configured database
func newBootstrapper(session bootstrap.Session, cfg *config.Config, sugar *zap.SugaredLogger) (*bootstrap.Bootstrapper, error) {
	b, err := bootstrap.NewBootstrapper(session, schema.DefaultLayout(), bootstrap.Options{
		Database: cfg.MongoDB.Database,
		Policy:   cfg.Schema.ExistingPolicy,
	}, sugar)
	if err != nil {
		recordFailure(err)
		return nil, err
	}
	return b, nil
}

// recordFailure counts a failure that happened before Bootstrapper.Run,
// which records its own
func recordFailure(err error) {
	metrics.BootstrapFailures.WithLabelValues(bootstrap.FailureReason(err)).Inc()
}

// setup loads configuration and builds the logger
func setup() (*config.Config, *zap.SugaredLogger, func(), error) {
	cfg, err := bootstrap.InitConfig(configFile)
	if err != nil {
		return nil, nil, nil, err
	}

	level := cfg.Log.Level
	if quiet {
		level = "error"
	}

	logger, sugar, err := bootstrap.InitLogger(level, cfg.Log.Format, !noColor)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	bootstrap.LogConfig(cfg, sugar)

	cleanup := func() {
		_ = logger.Sync()
	}
	return cfg, sugar, cleanup, nil
}

// pushMetrics sends the run metrics to the Pushgateway when one is configured
func pushMetrics(cfg *config.Config, sugar *zap.SugaredLogger) {
	if cfg.Metrics.PushgatewayURL == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
	defer cancel()

	if err := metrics.Push(ctx, cfg.Metrics.PushgatewayURL, cfg.Metrics.Job, cfg.MongoDB.Database); err != nil {
		sugar.Warnw("Failed to push metrics", "error", err)
		return
	}
	sugar.Debugw("Pushed metrics", "url", cfg.Metrics.PushgatewayURL, "job", cfg.Metrics.Job)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// startSpinner shows a progress spinner on stderr unless output is machine-readable or quiet
func startSpinner(cmd *cobra.Command, suffix string) *spinner.Spinner {
	if outputJSON || quiet {
		return nil
	}
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(cmd.ErrOrStderr()))
	s.Suffix = suffix
	s.Start()
	return s
}

func stopSpinner(s *spinner.Spinner) {
	if s != nil {
		s.Stop()
	}
}
