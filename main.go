package main

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"github.com/vulnintel/vuln-intel/config"
	"github.com/vulnintel/vuln-intel/db"
)

var (
	envFile    string
	progress   bool
	subprocess bool

	// cfg is loaded once before any command runs.
	cfg    config.Config
	logger = logrus.StandardLogger()
)

var rootCmd = &cobra.Command{
	Use:           "vuln-intel",
	Short:         "Ingest vulnerability feeds and run the transformation pipeline",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(envFile); err != nil {
			return err
		}
		return setupLogger(cfg)
	},
}

var initDBCmd = &cobra.Command{
	Use:   "init-db",
	Short: "Create the raw tables",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		gw, err := openGateway(cmd.Context())
		if err != nil {
			return err
		}
		defer gw.Close()

		if err = gw.CreateTables(cmd.Context()); err != nil {
			return xerrors.Errorf("init-db error: %w", err)
		}
		logger.Info("All raw tables created")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "file to load environment variables from")
	rootCmd.PersistentFlags().BoolVar(&progress, "progress", false, "draw progress bars on stderr")
	rootCmd.PersistentFlags().BoolVar(&subprocess, "subprocess", false, "run ingestion units as child processes")
	rootCmd.AddCommand(initDBCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		logger.Error(err)
		os.Exit(1)
	}
}

func setupLogger(c config.Config) error {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return xerrors.Errorf("invalid LOG_LEVEL: %w", err)
	}
	logger.SetLevel(level)
	logger.SetOutput(os.Stderr)
	if c.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return nil
}

func openGateway(ctx context.Context) (*db.Gateway, error) {
	gw, err := db.Open(ctx, cfg.DBDriver, cfg.DSN(), db.WithLogger(logger))
	if err != nil {
		return nil, xerrors.Errorf("database error: %w", err)
	}
	return gw, nil
}
