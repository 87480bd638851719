package nvd

import (
	"database/sql"
	"encoding/json"
)

// Entry is one page of the CVE API 2.0 response.
type Entry struct {
	ResultsPerPage  int               `json:"resultsPerPage"`
	StartIndex      int               `json:"startIndex"`
	TotalResults    int               `json:"totalResults"`
	Format          string            `json:"format"`
	Version         string            `json:"version"`
	Timestamp       string            `json:"timestamp"`
	Vulnerabilities []json.RawMessage `json:"vulnerabilities"`
}

type Vulnerability struct {
	Cve Cve `json:"cve"`
}

type Cve struct {
	ID               string       `json:"id"`
	SourceIdentifier string       `json:"sourceIdentifier"`
	VulnStatus       string       `json:"vulnStatus"`
	Published        string       `json:"published"`
	LastModified     string       `json:"lastModified"`
	Descriptions     []LangString `json:"descriptions"`
	Metrics          Metrics      `json:"metrics"`
	Weaknesses       []Weakness   `json:"weaknesses"`
}

type LangString struct {
	Lang  string `json:"lang"`
	Value string `json:"value"`
}

// Metrics only carries CVSS v3.1. Older metric versions are not stored.
type Metrics struct {
	CvssMetricV31 []CvssMetric `json:"cvssMetricV31"`
}

type CvssMetric struct {
	Source   string   `json:"source"`
	Type     string   `json:"type"`
	CvssData CvssData `json:"cvssData"`
}

type CvssData struct {
	Version      string   `json:"version"`
	VectorString string   `json:"vectorString"`
	BaseScore    *float64 `json:"baseScore"`
	BaseSeverity string   `json:"baseSeverity"`
}

type Weakness struct {
	Source      string       `json:"source"`
	Type        string       `json:"type"`
	Description []LangString `json:"description"`
}

type timeInterval struct {
	lastModStartDate string
	lastModEndDate   string
}

var columns = []string{
	"cve_id",
	"source_identifier",
	"vuln_status",
	"published_date",
	"last_modified_date",
	"description",
	"cvss_v31_score",
	"cvss_v31_severity",
	"cvss_v31_vector",
	"cwe_id",
	"raw_json",
}

// Record is one row of the nvd_cves table.
type Record struct {
	CveID            string
	SourceIdentifier sql.NullString
	VulnStatus       sql.NullString
	Published        sql.NullTime
	LastModified     sql.NullTime
	Description      sql.NullString
	CvssV31Score     sql.NullFloat64
	CvssV31Severity  sql.NullString
	CvssV31Vector    sql.NullString
	CweID            sql.NullString
	RawJSON          string
}

func (r Record) values() []interface{} {
	return []interface{}{
		r.CveID,
		r.SourceIdentifier,
		r.VulnStatus,
		r.Published,
		r.LastModified,
		r.Description,
		r.CvssV31Score,
		r.CvssV31Severity,
		r.CvssV31Vector,
		r.CweID,
		r.RawJSON,
	}
}
