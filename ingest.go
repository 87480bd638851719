package main

import (
	"context"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"github.com/vulnintel/vuln-intel/db"
	"github.com/vulnintel/vuln-intel/ingest"
	"github.com/vulnintel/vuln-intel/kevc"
	"github.com/vulnintel/vuln-intel/nvd"
	"github.com/vulnintel/vuln-intel/osv"
	"github.com/vulnintel/vuln-intel/pipeline"
	"github.com/vulnintel/vuln-intel/redhat/securitydataapi"
)

var ingestCmd = &cobra.Command{
	Use:       "ingest {kev|nvd|osv|redhat}",
	Short:     "Run one source adapter",
	Long:      "Run one source adapter. Record-level errors are reported in the summary; only a failure to fetch the feed exits non-zero.",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{pipeline.KEV, pipeline.NVD, pipeline.OSV, pipeline.RedHat},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		gw, err := openGateway(ctx)
		if err != nil {
			return err
		}
		defer gw.Close()

		run, err := adapter(gw, args[0])
		if err != nil {
			return err
		}
		if _, err = run(ctx, logger, os.Stdout); err != nil {
			return xerrors.Errorf("error in %s ingestion: %w", args[0], err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}

// adapter maps the configuration onto the options of one source adapter.
func adapter(gw *db.Gateway, source string) (pipeline.RunFunc, error) {
	var bar io.Writer
	if progress {
		bar = os.Stderr
	}

	switch source {
	case pipeline.KEV:
		return func(ctx context.Context, logger logrus.FieldLogger, out io.Writer) (*ingest.Report, error) {
			return kevc.NewConfig(gw, kevc.WithLogger(logger), kevc.WithOutput(out), kevc.WithProgress(bar)).Update(ctx)
		}, nil
	case pipeline.NVD:
		return func(ctx context.Context, logger logrus.FieldLogger, out io.Writer) (*ingest.Report, error) {
			return nvd.NewUpdater(gw,
				nvd.WithAPIKey(cfg.NVDAPIKey),
				nvd.WithLookbackDays(cfg.NVDLookbackDays),
				nvd.WithLogger(logger),
				nvd.WithOutput(out),
				nvd.WithProgress(bar),
			).Update(ctx)
		}, nil
	case pipeline.OSV:
		packages := osv.DefaultPackages
		if cfg.OSVPackagesFile != "" {
			var err error
			if packages, err = osv.LoadPackages(afero.NewOsFs(), cfg.OSVPackagesFile); err != nil {
				return nil, xerrors.Errorf("OSV package inventory error: %w", err)
			}
		}
		return func(ctx context.Context, logger logrus.FieldLogger, out io.Writer) (*ingest.Report, error) {
			return osv.NewOsv(gw,
				osv.WithPackages(packages),
				osv.WithLogger(logger),
				osv.WithOutput(out),
				osv.WithProgress(bar),
			).Update(ctx)
		}, nil
	case pipeline.RedHat:
		return func(ctx context.Context, logger logrus.FieldLogger, out io.Writer) (*ingest.Report, error) {
			return securitydataapi.NewUpdater(gw,
				securitydataapi.WithLogger(logger),
				securitydataapi.WithOutput(out),
				securitydataapi.WithProgress(bar),
			).Update(ctx)
		}, nil
	}
	return nil, xerrors.Errorf("unknown source: %s", source)
}
