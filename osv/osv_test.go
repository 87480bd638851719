package osv_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vulnintel/vuln-intel/db"
	"github.com/vulnintel/vuln-intel/db/dbtest"
	"github.com/vulnintel/vuln-intel/ingest"
	"github.com/vulnintel/vuln-intel/osv"
)

const ghsa1 = `{
  "id": "GHSA-m2qf-hxjv-5gpq",
  "aliases": ["PYSEC-2023-62", "CVE-2023-30861"],
  "summary": "Flask vulnerable to possible disclosure of permanent session cookie",
  "details": "When all of the following conditions are met...",
  "published": "2023-05-02T18:21:34Z",
  "modified": "2023-08-14T19:53:53Z",
  "database_specific": {"severity": "HIGH", "github_reviewed": true},
  "affected": [
    {"package": {"ecosystem": "PyPI", "name": "flask"},
     "ranges": [{"type": "ECOSYSTEM", "events": [{"introduced": "0"}, {"fixed": "2.2.5"}]}],
     "versions": ["2.2.0", "2.2.1"]},
    {"package": {"ecosystem": "PyPI", "name": "flask"},
     "ranges": [{"type": "ECOSYSTEM", "events": [{"introduced": "2.3.0"}, {"fixed": "2.3.2"}]}]},
    {"package": {"ecosystem": "PyPI", "name": "jinja2"},
     "ranges": [{"type": "ECOSYSTEM", "events": [{"introduced": "0"}]}]}
  ]
}`

const ghsa1Update = `{
  "id": "GHSA-m2qf-hxjv-5gpq",
  "aliases": ["CVE-2023-30861"],
  "summary": "Flask vulnerable to possible disclosure of permanent session cookie",
  "modified": "2024-01-01T00:00:00Z",
  "affected": [
    {"package": {"ecosystem": "PyPI", "name": "flask"},
     "ranges": [{"type": "ECOSYSTEM", "events": [{"introduced": "0"}, {"fixed": "2.3.2"}]}]}
  ]
}`

const pysec = `{
  "id": "PYSEC-2018-66",
  "aliases": ["GHSA-5wv5-4vpf-pj6m"],
  "details": "The Flask package before 0.12.3 for Python might allow a denial of service.",
  "published": "2018-08-02T19:29:00Z",
  "modified": "2021-08-25T04:30:19Z",
  "severity": [{"type": "CVSS_V3", "score": "CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:U/C:N/I:N/A:H"}],
  "affected": [
    {"package": {"ecosystem": "PyPI", "name": "flask"},
     "ranges": [{"type": "ECOSYSTEM", "events": [{"introduced": "0"}, {"fixed": "0.12.3"}]}]}
  ]
}`

const ghsa2 = `{
  "id": "GHSA-562c-5r94-xh97",
  "aliases": ["CVE-2019-1010083"],
  "published": "2022-05-13T01:10:16Z",
  "modified": "2023-11-08T03:59:41Z",
  "affected": []
}`

type fakeOSV struct {
	mu      sync.Mutex
	vulns   map[string]string
	fetches map[string]int
}

func (f *fakeOSV) setVuln(id, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vulns[id] = body
}

func (f *fakeOSV) fetchCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[id]
}

func newFakeOSV(t *testing.T) (*fakeOSV, *httptest.Server) {
	f := &fakeOSV{
		vulns: map[string]string{
			"GHSA-m2qf-hxjv-5gpq": ghsa1,
			"PYSEC-2018-66":       pysec,
			"GHSA-562c-5r94-xh97": ghsa2,
		},
		fetches: map[string]int{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/query", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var req struct {
			Package   osv.OsvPackage `json:"package"`
			PageToken string         `json:"page_token"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		switch {
		case req.Package.Name == "flask" && req.PageToken == "":
			_, _ = io.WriteString(w, `{"vulns":[{"id":"GHSA-m2qf-hxjv-5gpq"},{"id":"PYSEC-2018-66"}],"next_page_token":"page2"}`)
		case req.Package.Name == "flask" && req.PageToken == "page2":
			_, _ = io.WriteString(w, `{"vulns":[{"id":"GHSA-562c-5r94-xh97"}]}`)
		case req.Package.Name == "jinja2":
			_, _ = io.WriteString(w, `{"vulns":[{"id":"GHSA-m2qf-hxjv-5gpq"},{"id":"GHSA-gone"}]}`)
		case req.Package.Name == "left-pad":
			_, _ = io.WriteString(w, `{}`)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	})
	mux.HandleFunc("/v1/vulns/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/v1/vulns/")
		f.mu.Lock()
		defer f.mu.Unlock()
		f.fetches[id]++
		body, ok := f.vulns[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, body)
	})
	return f, httptest.NewServer(mux)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestUpdate(t *testing.T) {
	fake, ts := newFakeOSV(t)
	defer ts.Close()

	gw := dbtest.NewGateway(t)
	packages := []osv.Package{
		{Ecosystem: "PyPI", Name: "flask"},
		{Ecosystem: "PyPI", Name: "jinja2"},
		{Ecosystem: "npm", Name: "broken"},
		{Ecosystem: "npm", Name: "left-pad"},
	}
	c := osv.NewOsv(gw,
		osv.WithURL(ts.URL+"/v1"),
		osv.WithPackages(packages),
		osv.WithRetry(0),
		osv.WithDelay(0),
		osv.WithLogger(quietLogger()),
		osv.WithOutput(io.Discard),
	)

	report, err := c.Update(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, report.Count(ingest.Succeeded))
	assert.Equal(t, 1, report.Count(ingest.Failed), "GHSA-gone is not found")
	assert.Equal(t, 1, report.Count(osv.PackageErrors), "the broken package query is skipped")
	assert.Equal(t, 4, report.Count(osv.AffectedPackages))

	assert.Equal(t, 1, fake.fetchCount("GHSA-m2qf-hxjv-5gpq"), "a vulnerability shared by two packages is fetched once")
	assert.Equal(t, 3, dbtest.Count(t, gw, db.TableOSV, ""))
	assert.Equal(t, 3, dbtest.Count(t, gw, db.TableOSVAffected, "osv_id = ?", "GHSA-m2qf-hxjv-5gpq"))
	assert.Equal(t, 0, dbtest.Count(t, gw, db.TableOSVAffected, "osv_id = ?", "GHSA-562c-5r94-xh97"))

	var rows []struct {
		CveID    sql.NullString `db:"cve_id"`
		Severity sql.NullString `db:"severity"`
	}
	require.NoError(t, gw.FetchAll(context.Background(), &rows,
		"SELECT cve_id, severity FROM "+gw.Table(db.TableOSV)+" ORDER BY osv_id"))
	require.Len(t, rows, 3)
	// GHSA-562c..., GHSA-m2qf..., PYSEC-2018-66
	assert.Equal(t, "CVE-2019-1010083", rows[0].CveID.String)
	assert.Equal(t, sql.NullString{String: "HIGH", Valid: true}, rows[1].Severity)
	assert.False(t, rows[2].CveID.Valid)
	assert.False(t, rows[2].Severity.Valid, "a CVSS vector alone yields no severity")

	// re-ingestion replaces the affected packages instead of appending
	fake.setVuln("GHSA-m2qf-hxjv-5gpq", ghsa1Update)
	_, err = c.Update(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, dbtest.Count(t, gw, db.TableOSV, ""))
	assert.Equal(t, 1, dbtest.Count(t, gw, db.TableOSVAffected, "osv_id = ?", "GHSA-m2qf-hxjv-5gpq"))

	var fixed []string
	require.NoError(t, gw.FetchAll(context.Background(), &fixed,
		"SELECT version_fixed FROM "+gw.Table(db.TableOSVAffected)+" WHERE osv_id = ?", "GHSA-m2qf-hxjv-5gpq"))
	assert.Equal(t, []string{"2.3.2"}, fixed)
}

func TestUpdate_Cancelled(t *testing.T) {
	_, ts := newFakeOSV(t)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := osv.NewOsv(dbtest.NewGateway(t), osv.WithURL(ts.URL+"/v1"), osv.WithRetry(0), osv.WithDelay(0),
		osv.WithLogger(quietLogger()), osv.WithOutput(io.Discard))
	_, err := c.Update(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
