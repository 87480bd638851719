package kevc

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/vulnintel/vuln-intel/db"
	"github.com/vulnintel/vuln-intel/ingest"
	"github.com/vulnintel/vuln-intel/utils"
)

const (
	kevcURL = "https://www.cisa.gov/sites/default/files/feeds/known_exploited_vulnerabilities.json"
	retry   = 5
	source  = "kev"
)

type Config struct {
	*options
	gw *db.Gateway
}

type option func(*options)

type options struct {
	url      string
	retry    int
	logger   logrus.FieldLogger
	out      io.Writer
	progress io.Writer
}

func WithURL(url string) option {
	return func(opts *options) { opts.url = url }
}

func WithRetry(retry int) option {
	return func(opts *options) { opts.retry = retry }
}

func WithLogger(logger logrus.FieldLogger) option {
	return func(opts *options) { opts.logger = logger }
}

// WithOutput sets where the start and summary blocks are printed.
func WithOutput(w io.Writer) option {
	return func(opts *options) { opts.out = w }
}

// WithProgress draws a progress bar on w.
func WithProgress(w io.Writer) option {
	return func(opts *options) { opts.progress = w }
}

func NewConfig(gw *db.Gateway, opts ...option) Config {
	o := &options{
		url:    kevcURL,
		retry:  retry,
		logger: logrus.StandardLogger(),
		out:    os.Stdout,
	}

	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.WithField("source", source)

	return Config{
		options: o,
		gw:      gw,
	}
}

// Update fetches the catalog and upserts every entry. Only a fetch or decode
// failure of the catalog itself is returned as an error.
func (c Config) Update(ctx context.Context) (*ingest.Report, error) {
	report := ingest.NewReport(source, "CISA KEV Ingestion", ingest.Succeeded, ingest.Failed)
	report.Begin(c.out)
	defer report.End(c.out)

	c.logger.Info("Fetching Known Exploited Vulnerabilities Catalog")
	res, err := utils.FetchURL(ctx, c.url, c.retry)
	if err != nil {
		return report, xerrors.Errorf("failed to fetch KEVC: %w", err)
	}
	kevc := KEVC{}
	if err := json.Unmarshal(res, &kevc); err != nil {
		return report, xerrors.Errorf("failed to KEVC json unmarshal error: %w", err)
	}
	if kevc.Count != len(kevc.Vulnerabilities) {
		c.logger.Warnf("Vulnerabilities count mismatch: kevc.Count %d, kevc.Vulnerability length %d", kevc.Count, len(kevc.Vulnerabilities))
	}
	c.logger.Infof("Found %d vulnerabilities", len(kevc.Vulnerabilities))

	if err := c.update(ctx, kevc.Vulnerabilities, report); err != nil {
		return report, xerrors.Errorf("failed to update KEVC: %w", err)
	}
	c.logger.Infof("Loaded %d records, %d errors", report.Count(ingest.Succeeded), report.Count(ingest.Failed))

	return report, nil
}

func (c Config) update(ctx context.Context, vulns []json.RawMessage, report *ingest.Report) error {
	bar := ingest.NewBar(len(vulns), c.progress)
	defer bar.Finish()

	table := c.gw.Table(db.TableKEV)
	for _, raw := range vulns {
		if err := ctx.Err(); err != nil {
			return err
		}

		rec, err := parseVulnerability(raw)
		if err == nil {
			err = c.gw.InTx(ctx, func(tx *db.Tx) error {
				return tx.Upsert(ctx, table, "cve_id", columns, rec.values())
			})
		}
		if err != nil {
			c.logger.WithField("cve_id", rec.CveID).Errorf("Error inserting %s: %s", rec.CveID, err)
			report.Inc(ingest.Failed)
		} else {
			report.Inc(ingest.Succeeded)
		}
		bar.Increment()
	}
	return nil
}

// parseVulnerability extracts the cisa_kev columns. Missing fields become
// NULL; only a missing cveID is an error.
func parseVulnerability(raw json.RawMessage) (Record, error) {
	var vuln Vulnerability
	if err := json.Unmarshal(raw, &vuln); err != nil {
		return Record{CveID: "unknown"}, xerrors.Errorf("json decode error: %w", err)
	}
	if vuln.CveID == "" {
		return Record{CveID: "unknown"}, xerrors.New("missing cveID")
	}

	rec := Record{
		CveID:              vuln.CveID,
		VendorProject:      utils.NullString(vuln.VendorProject),
		Product:            utils.NullString(vuln.Product),
		VulnerabilityName:  utils.NullString(vuln.VulnerabilityName),
		ShortDescription:   utils.NullString(vuln.ShortDescription),
		RequiredAction:     utils.NullString(vuln.RequiredAction),
		KnownRansomwareUse: utils.NullString(vuln.KnownRansomwareCampaignUse),
		RawJSON:            string(raw),
	}

	var err error
	if rec.DateAdded, err = utils.ParseTime(vuln.DateAdded); err != nil {
		return rec, xerrors.Errorf("dateAdded: %w", err)
	}
	if rec.DueDate, err = utils.ParseTime(vuln.DueDate); err != nil {
		return rec, xerrors.Errorf("dueDate: %w", err)
	}
	return rec, nil
}
