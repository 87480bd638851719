package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"github.com/vulnintel/vuln-intel/db"
	"github.com/vulnintel/vuln-intel/metrics"
	"github.com/vulnintel/vuln-intel/pipeline"
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Run every ingestion unit and the dbt stages once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runPipeline(ctx, nil)
	},
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the pipeline on the SCHEDULE cron expression and serve /metrics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rec := metrics.New()
		mux := http.NewServeMux()
		mux.Handle("/metrics", rec.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Infof("Serving metrics on %s", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorf("metrics server error: %s", err)
			}
		}()

		c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.VerbosePrintfLogger(logger))))
		if _, err := c.AddFunc(cfg.Schedule, func() {
			if err := runPipeline(ctx, rec); err != nil {
				logger.Errorf("Scheduled run failed: %s", err)
			}
		}); err != nil {
			return xerrors.Errorf("invalid SCHEDULE %q: %w", cfg.Schedule, err)
		}
		c.Start()
		logger.Infof("Pipeline scheduled at %q", cfg.Schedule)

		<-ctx.Done()
		logger.Info("Shutting down")
		<-c.Stop().Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	rootCmd.AddCommand(pipelineCmd, scheduleCmd)
}

func runPipeline(ctx context.Context, rec *metrics.Recorder) error {
	gw, err := openGateway(ctx)
	if err != nil {
		return err
	}
	defer gw.Close()

	src, err := sources(gw)
	if err != nil {
		return err
	}
	dbt := pipeline.DBT{Bin: cfg.DBTBin, ProjectDir: cfg.DBTProjectDir}

	p, err := pipeline.New(pipeline.DefaultNodes(src, dbt, logger),
		pipeline.WithLogger(logger),
		pipeline.WithRecorder(rec),
		pipeline.WithSequential(cfg.DBDriver == db.SQLite),
	)
	if err != nil {
		return xerrors.Errorf("pipeline error: %w", err)
	}

	res, err := p.Run(ctx)
	for _, o := range res.Ordered() {
		logger.WithField("run_id", res.RunID).Infof("%-16s %-10s %s", o.Unit, o.Status, o.Summary)
	}
	return err
}

// sources builds the ingestion units, either in this process or as child
// processes running the ingest command.
func sources(gw *db.Gateway) (pipeline.Sources, error) {
	unit := func(name string) (pipeline.Unit, error) {
		if subprocess {
			exe, err := os.Executable()
			if err != nil {
				return nil, xerrors.Errorf("failed to locate executable: %w", err)
			}
			return pipeline.NewCommandUnit(name, exe, []string{"ingest", name, "--env-file", envFile}, "", logger), nil
		}
		run, err := adapter(gw, name)
		if err != nil {
			return nil, err
		}
		return pipeline.NewInProcessUnit(name, logger, run), nil
	}

	var src pipeline.Sources
	for _, s := range []struct {
		name string
		dst  *pipeline.Unit
	}{
		{pipeline.KEV, &src.KEV},
		{pipeline.NVD, &src.NVD},
		{pipeline.OSV, &src.OSV},
		{pipeline.RedHat, &src.RedHat},
	} {
		u, err := unit(s.name)
		if err != nil {
			return pipeline.Sources{}, err
		}
		*s.dst = u
	}
	return src, nil
}
