package nvd

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"golang.org/x/xerrors"

	"github.com/vulnintel/vuln-intel/db"
	"github.com/vulnintel/vuln-intel/ingest"
	"github.com/vulnintel/vuln-intel/utils"
)

const (
	url20          = "https://services.nvd.nist.gov/rest/json/cves/2.0"
	source         = "nvd"
	retry          = 5
	lookbackDays   = 30
	resultsPerPage = 2000
	nvdTimeFormat  = "2006-01-02T15:04:05.000"

	// the API rejects lastMod ranges longer than this
	maxIntervalDays = 120

	// published limits: 5 requests per 30s without a key, 50 with one
	publicDelay = 6 * time.Second
	apiKeyDelay = 600 * time.Millisecond
)

type options struct {
	baseURL        string
	apiKey         string
	lookbackDays   int
	resultsPerPage int
	retry          int
	lastModEndDate time.Time // time.Now() by default
	delay          time.Duration
	delaySet       bool
	logger         logrus.FieldLogger
	out            io.Writer
	progress       io.Writer
}

type option func(*options)

func WithBaseURL(url string) option {
	return func(opts *options) { opts.baseURL = url }
}

// WithAPIKey sends the key in the apiKey header and switches to the
// authenticated request rate.
func WithAPIKey(apiKey string) option {
	return func(opts *options) { opts.apiKey = apiKey }
}

func WithLookbackDays(days int) option {
	return func(opts *options) { opts.lookbackDays = days }
}

func WithResultsPerPage(n int) option {
	return func(opts *options) { opts.resultsPerPage = n }
}

func WithRetry(retry int) option {
	return func(opts *options) { opts.retry = retry }
}

func WithLastModEndDate(lastModEndDate time.Time) option {
	return func(opts *options) { opts.lastModEndDate = lastModEndDate }
}

// WithDelay overrides the minimum spacing between page requests.
func WithDelay(delay time.Duration) option {
	return func(opts *options) {
		opts.delay = delay
		opts.delaySet = true
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
	gw *db.Gateway
}

func NewUpdater(gw *db.Gateway, opts ...option) Updater {
	o := &options{
		baseURL:        url20,
		lookbackDays:   lookbackDays,
		resultsPerPage: resultsPerPage,
		retry:          retry,
		lastModEndDate: time.Now(),
		logger:         logrus.StandardLogger(),
		out:            os.Stdout,
	}

	for _, opt := range opts {
		opt(o)
	}
	if !o.delaySet {
		o.delay = publicDelay
		if o.apiKey != "" {
			o.delay = apiKeyDelay
		}
	}
	o.logger = o.logger.WithField("source", source)

	return Updater{
		options: o,
		gw:      gw,
	}
}

// Update fetches every CVE modified within the lookback window and upserts
// it. Records that cannot be parsed or stored are counted as failed; a page
// that cannot be fetched aborts the run.
func (updater Updater) Update(ctx context.Context) (*ingest.Report, error) {
	report := ingest.NewReport(source, "NVD Ingestion", ingest.Succeeded, ingest.Failed)
	report.Begin(updater.out)
	defer report.End(updater.out)

	end := updater.lastModEndDate.UTC()
	start := end.AddDate(0, 0, -updater.lookbackDays).Truncate(24 * time.Hour)
	intervals := timeIntervals(start, end)

	limiter := ingest.NewLimiter(updater.delay)
	for _, interval := range intervals {
		updater.logger.Infof("Fetching CVEs modified between %s and %s", interval.lastModStartDate, interval.lastModEndDate)
		if err := updater.updateInterval(ctx, interval, limiter, report); err != nil {
			return report, err
		}
	}
	updater.logger.Infof("Loaded %d records, %d errors", report.Count(ingest.Succeeded), report.Count(ingest.Failed))

	return report, nil
}

func (updater Updater) updateInterval(ctx context.Context, interval timeInterval, limiter *rate.Limiter, report *ingest.Report) error {
	var (
		fetched, total int
		bar            *pb.ProgressBar
	)
	for page := 0; ; page++ {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		pageURL, err := urlWithParams(updater.baseURL, fetched, updater.resultsPerPage, interval)
		if err != nil {
			return err
		}
		updater.logger.Debugf("Fetching from index %d", fetched)

		entry, err := updater.getEntryFromURL(ctx, pageURL)
		if err != nil {
			return xerrors.Errorf("unable to get entry for %q: %w", pageURL, err)
		}
		if page == 0 {
			total = entry.TotalResults
			updater.logger.Infof("Total CVEs to fetch: %d", total)
			bar = ingest.NewBar(total, updater.progress)
			defer bar.Finish()
		}
		if len(entry.Vulnerabilities) == 0 {
			break
		}

		if err = updater.save(ctx, entry.Vulnerabilities, report, bar); err != nil {
			return err
		}
		fetched += len(entry.Vulnerabilities)
		if fetched >= total {
			break
		}
	}
	return nil
}

func (updater Updater) getEntryFromURL(ctx context.Context, url string) (Entry, error) {
	var entry Entry
	b, err := utils.FetchURL(ctx, url, updater.retry, utils.WithHeader("apiKey", updater.apiKey))
	if err != nil {
		return entry, xerrors.Errorf("unable to fetch: %w", err)
	}
	if err = json.Unmarshal(b, &entry); err != nil {
		return entry, xerrors.Errorf("unable to decode response for %q: %w", url, err)
	}
	return entry, nil
}

func (updater Updater) save(ctx context.Context, vulns []json.RawMessage, report *ingest.Report, bar *pb.ProgressBar) error {
	table := updater.gw.Table(db.TableNVD)
	for _, raw := range vulns {
		if err := ctx.Err(); err != nil {
			return err
		}

		rec, err := parseCve(raw)
		if err == nil {
			err = updater.gw.InTx(ctx, func(tx *db.Tx) error {
				return tx.Upsert(ctx, table, "cve_id", columns, rec.values())
			})
		}
		if err != nil {
			updater.logger.WithField("cve_id", rec.CveID).Errorf("Error inserting %s: %s", rec.CveID, err)
			report.Inc(ingest.Failed)
		} else {
			report.Inc(ingest.Succeeded)
		}
		bar.Increment()
	}
	return nil
}

func parseCve(raw json.RawMessage) (Record, error) {
	var vuln Vulnerability
	if err := json.Unmarshal(raw, &vuln); err != nil {
		return Record{CveID: "unknown"}, xerrors.Errorf("json decode error: %w", err)
	}
	cve := vuln.Cve
	if cve.ID == "" {
		return Record{CveID: "unknown"}, xerrors.New("missing cve id")
	}

	rec := Record{
		CveID:            cve.ID,
		SourceIdentifier: utils.NullString(cve.SourceIdentifier),
		VulnStatus:       utils.NullString(cve.VulnStatus),
		Description:      englishValue(cve.Descriptions),
		CweID:            extractCwe(cve.Weaknesses),
		RawJSON:          string(raw),
	}
	rec.CvssV31Score, rec.CvssV31Severity, rec.CvssV31Vector = extractCvssV31(cve.Metrics)

	var err error
	if rec.Published, err = utils.ParseTime(cve.Published); err != nil {
		return rec, xerrors.Errorf("published: %w", err)
	}
	if rec.LastModified, err = utils.ParseTime(cve.LastModified); err != nil {
		return rec, xerrors.Errorf("lastModified: %w", err)
	}
	return rec, nil
}

// extractCvssV31 takes the first v3.1 metric. Without one all three values
// are NULL.
func extractCvssV31(metrics Metrics) (sql.NullFloat64, sql.NullString, sql.NullString) {
	if len(metrics.CvssMetricV31) == 0 {
		return sql.NullFloat64{}, sql.NullString{}, sql.NullString{}
	}
	data := metrics.CvssMetricV31[0].CvssData

	var score sql.NullFloat64
	if data.BaseScore != nil {
		score = sql.NullFloat64{Float64: *data.BaseScore, Valid: true}
	}
	return score, utils.NullString(data.BaseSeverity), utils.NullString(data.VectorString)
}

func extractCwe(weaknesses []Weakness) sql.NullString {
	var all []LangString
	for _, w := range weaknesses {
		all = append(all, w.Description...)
	}
	return englishValue(all)
}

// englishValue returns the first English entry, or the first entry when
// there is none in English.
func englishValue(values []LangString) sql.NullString {
	for _, v := range values {
		if v.Lang == "en" {
			return utils.NullString(v.Value)
		}
	}
	if len(values) > 0 {
		return utils.NullString(values[0].Value)
	}
	return sql.NullString{}
}

// timeIntervals splits [start, end] into consecutive ranges of at most
// maxIntervalDays.
func timeIntervals(start, end time.Time) []timeInterval {
	var intervals []timeInterval
	for end.Sub(start).Hours()/24 > maxIntervalDays {
		next := start.Add(maxIntervalDays * 24 * time.Hour)
		intervals = append(intervals, timeInterval{
			lastModStartDate: start.Format(nvdTimeFormat),
			lastModEndDate:   next.Format(nvdTimeFormat),
		})
		start = next
	}

	// fill latest interval
	intervals = append(intervals, timeInterval{
		lastModStartDate: start.Format(nvdTimeFormat),
		lastModEndDate:   end.Format(nvdTimeFormat),
	})
	return intervals
}

func urlWithParams(baseUrl string, startIndex, resultsPerPage int, interval timeInterval) (string, error) {
	u, err := url.Parse(baseUrl)
	if err != nil {
		return "", xerrors.Errorf("unable to parse %q base url: %w", baseUrl, err)
	}
	q := u.Query()
	q.Set("lastModStartDate", interval.lastModStartDate)
	q.Set("lastModEndDate", interval.lastModEndDate)
	q.Set("startIndex", strconv.Itoa(startIndex))
	q.Set("resultsPerPage", strconv.Itoa(resultsPerPage))
	// the API does not accept an escaped colon in timestamps
	decoded, err := url.QueryUnescape(q.Encode())
	if err != nil {
		return "", xerrors.Errorf("unable to build query for %q: %w", baseUrl, err)
	}
	u.RawQuery = decoded
	return u.String(), nil
}
