package osv

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/scylladb/go-set/strset"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"golang.org/x/xerrors"

	"github.com/vulnintel/vuln-intel/db"
	"github.com/vulnintel/vuln-intel/ingest"
	"github.com/vulnintel/vuln-intel/utils"
)

const (
	apiURL = "https://api.osv.dev/v1"
	source = "osv"
	retry  = 3
	delay  = 100 * time.Millisecond

	// report counters besides succeeded and failed
	AffectedPackages = "affected_packages"
	PackageErrors    = "package_errors"
)

type options struct {
	url      string
	packages []Package
	retry    int
	delay    time.Duration
	logger   logrus.FieldLogger
	out      io.Writer
	progress io.Writer
}

type option func(*options)

type Database struct {
	*options
	gw *db.Gateway
}

func WithURL(url string) option {
	return func(opts *options) { opts.url = url }
}

func WithPackages(packages []Package) option {
	return func(opts *options) { opts.packages = packages }
}

func WithRetry(retry int) option {
	return func(opts *options) { opts.retry = retry }
}

// WithDelay sets the minimum spacing between requests to the API.
func WithDelay(delay time.Duration) option {
	return func(opts *options) { opts.delay = delay }
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

func NewOsv(gw *db.Gateway, opts ...option) Database {
	o := &options{
		url:      apiURL,
		packages: DefaultPackages,
		retry:    retry,
		delay:    delay,
		logger:   logrus.StandardLogger(),
		out:      os.Stdout,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.WithField("source", source)

	return Database{
		options: o,
		gw:      gw,
	}
}

// Update queries every inventory package and stores each vulnerability found
// once, together with its affected packages. A package whose query fails is
// skipped.
func (osv Database) Update(ctx context.Context) (*ingest.Report, error) {
	report := ingest.NewReport(source, "OSV Ingestion", ingest.Succeeded, ingest.Failed, AffectedPackages, PackageErrors)
	report.Begin(osv.out)
	defer report.End(osv.out)

	limiter := ingest.NewLimiter(osv.delay)
	bar := ingest.NewBar(len(osv.packages), osv.progress)
	defer bar.Finish()

	seen := strset.New()
	for _, pkg := range osv.packages {
		log := osv.logger.WithFields(logrus.Fields{"ecosystem": pkg.Ecosystem, "package": pkg.Name})
		log.Infof("Querying %s/%s", pkg.Ecosystem, pkg.Name)

		ids, err := osv.query(ctx, pkg, limiter)
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			log.Errorf("Error: %s", err)
			report.Inc(PackageErrors)
			bar.Increment()
			continue
		}
		log.Infof("Found %d vulnerabilities", len(ids))

		for _, id := range ids {
			if seen.Has(id) {
				continue
			}
			seen.Add(id)

			n, err := osv.update(ctx, id, limiter)
			if err != nil {
				if ctx.Err() != nil {
					return report, ctx.Err()
				}
				log.WithField("osv_id", id).Errorf("Error loading %s: %s", id, err)
				report.Inc(ingest.Failed)
				continue
			}
			report.Inc(ingest.Succeeded)
			report.Add(AffectedPackages, n)
		}
		bar.Increment()
	}
	osv.logger.Infof("Loaded %d vulnerabilities, %d affected package records",
		report.Count(ingest.Succeeded), report.Count(AffectedPackages))

	return report, nil
}

// query returns the IDs of every vulnerability affecting pkg, following
// next_page_token.
func (osv Database) query(ctx context.Context, pkg Package, limiter *rate.Limiter) ([]string, error) {
	req := queryRequest{Package: OsvPackage{Ecosystem: pkg.Ecosystem, Name: pkg.Name}}
	var ids []string
	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
		b, err := utils.PostJSON(ctx, osv.url+"/query", req, osv.retry)
		if err != nil {
			return nil, xerrors.Errorf("failed to query %s/%s: %w", pkg.Ecosystem, pkg.Name, err)
		}
		var res queryResponse
		if err = json.Unmarshal(b, &res); err != nil {
			return nil, xerrors.Errorf("failed to decode query response: %w", err)
		}
		for _, raw := range res.Vulns {
			var v struct {
				ID string `json:"id"`
			}
			if err = json.Unmarshal(raw, &v); err != nil || v.ID == "" {
				continue
			}
			ids = append(ids, v.ID)
		}
		if res.NextPageToken == "" {
			return ids, nil
		}
		req.PageToken = res.NextPageToken
	}
}

// update fetches the full document of one vulnerability and replaces its
// rows. It returns the number of affected package rows written.
func (osv Database) update(ctx context.Context, id string, limiter *rate.Limiter) (int, error) {
	if err := limiter.Wait(ctx); err != nil {
		return 0, err
	}
	b, err := utils.FetchURL(ctx, fmt.Sprintf("%s/vulns/%s", osv.url, url.PathEscape(id)), osv.retry)
	if err != nil {
		return 0, xerrors.Errorf("failed to fetch details: %w", err)
	}

	rec, affected, err := parseVulnerability(b)
	if err != nil {
		return 0, err
	}

	rows := make([][]interface{}, 0, len(affected))
	for _, a := range affected {
		rows = append(rows, []interface{}{
			rec.OsvID, a.PackageName, a.Ecosystem, a.VersionIntroduced, a.VersionFixed, osv.gw.Array(a.AffectedVersions),
		})
	}

	table := osv.gw.Table(db.TableOSV)
	affectedTable := osv.gw.Table(db.TableOSVAffected)
	err = osv.gw.InTx(ctx, func(tx *db.Tx) error {
		if err := tx.Upsert(ctx, table, "osv_id", columns, rec.values()); err != nil {
			return err
		}
		if err := tx.Exec(ctx, "DELETE FROM "+affectedTable+" WHERE osv_id = ?", rec.OsvID); err != nil {
			return err
		}
		_, err := tx.BulkInsert(ctx, affectedTable, affectedColumns, rows)
		return err
	})
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

func parseVulnerability(raw []byte) (Record, []AffectedPackage, error) {
	var vuln OSV
	if err := json.Unmarshal(raw, &vuln); err != nil {
		return Record{}, nil, xerrors.Errorf("json decode error: %w", err)
	}
	if vuln.ID == "" {
		return Record{}, nil, xerrors.New("missing id")
	}

	rec := Record{
		OsvID:    vuln.ID,
		CveID:    cveAlias(vuln.Aliases),
		Summary:  utils.NullString(vuln.Summary),
		Details:  utils.NullString(vuln.Details),
		Severity: severity(vuln),
		RawJSON:  string(raw),
	}
	var err error
	if rec.Published, err = utils.ParseTime(vuln.Published); err != nil {
		return rec, nil, xerrors.Errorf("published: %w", err)
	}
	if rec.Modified, err = utils.ParseTime(vuln.Modified); err != nil {
		return rec, nil, xerrors.Errorf("modified: %w", err)
	}

	return rec, affectedPackages(vuln.Affected), nil
}

func cveAlias(aliases []string) sql.NullString {
	for _, alias := range aliases {
		if strings.HasPrefix(alias, "CVE-") {
			return utils.NullString(alias)
		}
	}
	return sql.NullString{}
}

// severity uses the database_specific severity label. A qualitative
// severity is not derived from CVSS vectors, so without the label it is NULL.
func severity(vuln OSV) sql.NullString {
	if vuln.DatabaseSpecific != nil && vuln.DatabaseSpecific.Severity != "" {
		return utils.NullString(vuln.DatabaseSpecific.Severity)
	}
	// TODO: compute the CVSS v3 base severity from vuln.Severity vectors
	return sql.NullString{}
}

// affectedPackages flattens the ranges of each affected entry. When a range
// has several introduced or fixed events the last one is kept.
func affectedPackages(affected []OsvAffected) []AffectedPackage {
	var pkgs []AffectedPackage
	for _, a := range affected {
		var p AffectedPackage
		if a.Package != nil {
			p.PackageName = utils.NullString(a.Package.Name)
			p.Ecosystem = utils.NullString(a.Package.Ecosystem)
		}
		for _, r := range a.Ranges {
			for _, e := range r.Events {
				if e.Introduced != "" {
					p.VersionIntroduced = utils.NullString(e.Introduced)
				}
				if e.Fixed != "" {
					p.VersionFixed = utils.NullString(e.Fixed)
				}
			}
		}
		if len(a.Versions) > 0 {
			p.AffectedVersions = a.Versions
		}
		pkgs = append(pkgs, p)
	}
	return pkgs
}
