package securitydataapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/vulnintel/vuln-intel/db"
	"github.com/vulnintel/vuln-intel/ingest"
	"github.com/vulnintel/vuln-intel/utils"
)

const (
	cveURL    = "https://access.redhat.com/hydra/rest/securitydata/cve/%s.json"
	source    = "redhat"
	userAgent = "VulnIntelPlatform/1.0 (learning project)"

	retry         = 3
	wait          = time.Second
	progressEvery = 50

	fixedState = "Fixed"

	// Red Hat report counters. Lookups of CVEs Red Hat does not track count
	// as ingest.NotFound.
	Found  = "found"
	Errors = "error"

	// NoCVEsMessage is noted on the report when there is nothing to look up.
	NoCVEsMessage = "No CVEs to fetch. Run NVD or CISA KEV ingestion first."
)

type options struct {
	url           string
	retry         int
	wait          time.Duration
	progressEvery int
	logger        logrus.FieldLogger
	out           io.Writer
	progress      io.Writer
}

type option func(*options)

// WithURL sets the CVE endpoint. It must contain one %s for the CVE ID.
func WithURL(url string) option {
	return func(opts *options) { opts.url = url }
}

func WithRetry(retry int) option {
	return func(opts *options) { opts.retry = retry }
}

// WithWait sets the minimum spacing between lookups.
func WithWait(wait time.Duration) option {
	return func(opts *options) { opts.wait = wait }
}

// WithProgressEvery logs progress every n lookups. A non-positive n keeps
// the default.
func WithProgressEvery(n int) option {
	return func(opts *options) {
		if n > 0 {
			opts.progressEvery = n
		}
	}
}

func WithLogger(logger logrus.FieldLogger) option {
	return func(opts *options) { opts.logger = logger }
}

func WithOutput(w io.Writer) option {
	return func(opts *options) { opts.out = w }
}

func WithProgress(w io.Writer) option {
	return func(opts *options) { opts.progress = w }
}

type Updater struct {
	*options
	gw       *db.Gateway
	selector Selector
}

func NewUpdater(gw *db.Gateway, opts ...option) Updater {
	o := &options{
		url:           cveURL,
		retry:         retry,
		wait:          wait,
		progressEvery: progressEvery,
		logger:        logrus.StandardLogger(),
		out:           os.Stdout,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.WithField("source", source)

	return Updater{
		options:  o,
		gw:       gw,
		selector: NewSelector(gw),
	}
}

// Update looks up every CVE chosen by the Selector. CVEs Red Hat does not
// track are counted as not found; any other lookup or store error is counted
// as failed and the run goes on.
func (u Updater) Update(ctx context.Context) (*ingest.Report, error) {
	report := ingest.NewReport(source, "Red Hat Security Data Ingestion", Found, ingest.NotFound, Errors)
	report.Begin(u.out)
	defer report.End(u.out)

	sel, err := u.selector.CVEIDs(ctx)
	if err != nil {
		return report, xerrors.Errorf("failed to select CVEs: %w", err)
	}
	u.logger.Infof("Found %d CISA KEV CVEs", len(sel.KEV))
	u.logger.Infof("Found %d high/critical NVD CVEs", len(sel.NVD))
	u.logger.Infof("Total unique CVEs to query: %d", len(sel.IDs))

	if len(sel.IDs) == 0 {
		u.logger.Warn(NoCVEsMessage)
		report.Note(NoCVEsMessage)
		return report, nil
	}

	limiter := ingest.NewLimiter(u.wait)
	bar := ingest.NewBar(len(sel.IDs), u.progress)
	defer bar.Finish()

	for i, cveID := range sel.IDs {
		if (i+1)%u.progressEvery == 0 {
			u.logger.Infof("Progress: %d/%d", i+1, len(sel.IDs))
		}
		if err = limiter.Wait(ctx); err != nil {
			return report, err
		}

		err = u.update(ctx, cveID)
		switch {
		case err == nil:
			report.Inc(Found)
		case xerrors.Is(err, utils.ErrNotFound):
			report.Inc(ingest.NotFound)
		case ctx.Err() != nil:
			return report, ctx.Err()
		default:
			u.logger.WithField("cve_id", cveID).Errorf("Error fetching %s: %s", cveID, err)
			report.Inc(Errors)
		}
		bar.Increment()
	}

	u.logger.Infof("Found in Red Hat: %d", report.Count(Found))
	u.logger.Infof("Not tracked by Red Hat: %d", report.Count(ingest.NotFound))
	u.logger.Infof("Errors: %d", report.Count(Errors))
	return report, nil
}

// update retrieves one CVE and replaces its rows
// https://access.redhat.com/documentation/en-us/red_hat_security_data_api/1.0/html/red_hat_security_data_api/cve
func (u Updater) update(ctx context.Context, cveID string) error {
	b, err := utils.FetchURL(ctx, fmt.Sprintf(u.url, cveID), u.retry, utils.WithHeader("User-Agent", userAgent))
	if err != nil {
		return err
	}

	rec, releases, err := parseCve(b)
	if err != nil {
		return err
	}

	rows := make([][]interface{}, 0, len(releases))
	for _, r := range releases {
		rows = append(rows, []interface{}{rec.CveID, r.ProductName, r.ReleaseDate, r.AdvisoryID, r.PackageName, r.FixState})
	}

	table := u.gw.Table(db.TableRedHat)
	affectedTable := u.gw.Table(db.TableRedHatAffected)
	return u.gw.InTx(ctx, func(tx *db.Tx) error {
		if err := tx.Upsert(ctx, table, "cve_id", columns, rec.values()); err != nil {
			return err
		}
		if err := tx.Exec(ctx, "DELETE FROM "+affectedTable+" WHERE cve_id = ?", rec.CveID); err != nil {
			return err
		}
		_, err := tx.BulkInsert(ctx, affectedTable, affectedColumns, rows)
		return err
	})
}

// parseCve maps a Red Hat CVE document to its rows. Red Hat names the CVE ID
// field "name" and the severity "threat_severity".
func parseCve(raw []byte) (Record, []AffectedRelease, error) {
	var cve RedhatCVEJSON
	if err := json.Unmarshal(raw, &cve); err != nil {
		return Record{}, nil, xerrors.Errorf("json decode error: %w", err)
	}
	if cve.Name == "" {
		return Record{}, nil, xerrors.New("missing name")
	}

	rec := Record{
		CveID:               cve.Name,
		Severity:            utils.NullString(cve.ThreatSeverity),
		BugzillaID:          utils.NullString(cve.Bugzilla.BugzillaID),
		BugzillaDescription: utils.NullString(utils.TrimSpaceNewline(cve.Bugzilla.Description)),
		Cvss3Vector:         utils.NullString(cve.Cvss3.Cvss3ScoringVector),
		Details:             utils.NullString(strings.Join(lo.Map(cve.Details, trim), " ")),
		Statement:           utils.NullString(utils.TrimSpaceNewline(cve.Statement)),
		RawJSON:             string(raw),
	}

	var err error
	if rec.PublicDate, err = utils.ParseTime(cve.PublicDate); err != nil {
		return rec, nil, xerrors.Errorf("public_date: %w", err)
	}
	if rec.Cvss3Score, err = utils.ParseScore(cve.Cvss3.Cvss3BaseScore); err != nil {
		return rec, nil, xerrors.Errorf("cvss3_base_score: %w", err)
	}

	var releases []AffectedRelease
	for _, ar := range cve.AffectedRelease {
		releaseDate, err := utils.ParseTime(ar.ReleaseDate)
		if err != nil {
			return rec, nil, xerrors.Errorf("release_date: %w", err)
		}
		releases = append(releases, AffectedRelease{
			ProductName: utils.NullString(ar.ProductName),
			ReleaseDate: releaseDate,
			AdvisoryID:  utils.NullString(ar.Advisory),
			PackageName: utils.NullString(ar.Package),
			FixState:    utils.NullString(fixedState),
		})
	}
	for _, ps := range cve.PackageState {
		releases = append(releases, AffectedRelease{
			ProductName: utils.NullString(ps.ProductName),
			PackageName: utils.NullString(ps.PackageName),
			FixState:    utils.NullString(ps.FixState),
		})
	}
	return rec, releases, nil
}

func trim(s string, _ int) string {
	return utils.TrimSpaceNewline(s)
}
