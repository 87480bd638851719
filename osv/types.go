package osv

import (
	"database/sql"
	"encoding/json"
)

// OSV is a vulnerability in the format documented at https://ossf.github.io/osv-schema/
type OSV struct {
	ID               string            `json:"id"`
	Modified         string            `json:"modified,omitempty"`
	Published        string            `json:"published,omitempty"`
	Withdrawn        string            `json:"withdrawn,omitempty"`
	Aliases          []string          `json:"aliases,omitempty"`
	Related          []string          `json:"related,omitempty"`
	Summary          string            `json:"summary,omitempty"`
	Details          string            `json:"details,omitempty"`
	Severity         []OsvSeverity     `json:"severity,omitempty"`
	Affected         []OsvAffected     `json:"affected,omitempty"`
	References       []OsvReference    `json:"references,omitempty"`
	DatabaseSpecific *DatabaseSpecific `json:"database_specific,omitempty"`
}

type OsvSeverity struct {
	Type  string `json:"type"`
	Score string `json:"score"`
}

// DatabaseSpecific holds the fields of database_specific this module reads.
// The object is free-form and differs between databases.
type DatabaseSpecific struct {
	Severity string `json:"severity,omitempty"`
}

type OsvAffected struct {
	Package  *OsvPackage `json:"package,omitempty"`
	Ranges   []OsvRange  `json:"ranges,omitempty"`
	Versions []string    `json:"versions,omitempty"`
}

type OsvPackage struct {
	Ecosystem string `json:"ecosystem,omitempty"`
	Name      string `json:"name,omitempty"`
	Purl      string `json:"purl,omitempty"`
}

type OsvRange struct {
	Type   string     `json:"type,omitempty"`
	Repo   string     `json:"repo,omitempty"`
	Events []OsvEvent `json:"events,omitempty"`
}

type OsvEvent struct {
	Introduced   string `json:"introduced,omitempty"`
	Fixed        string `json:"fixed,omitempty"`
	LastAffected string `json:"last_affected,omitempty"`
	Limit        string `json:"limit,omitempty"`
}

type OsvReference struct {
	Type string `json:"type,omitempty"`
	Url  string `json:"url,omitempty"`
}

type queryRequest struct {
	Package   OsvPackage `json:"package"`
	PageToken string     `json:"page_token,omitempty"`
}

type queryResponse struct {
	Vulns         []json.RawMessage `json:"vulns"`
	NextPageToken string            `json:"next_page_token"`
}

// Record is one row of the osv_vulnerabilities table.
type Record struct {
	OsvID     string
	CveID     sql.NullString
	Summary   sql.NullString
	Details   sql.NullString
	Published sql.NullTime
	Modified  sql.NullTime
	Severity  sql.NullString
	RawJSON   string
}

var columns = []string{
	"osv_id",
	"cve_id",
	"summary",
	"details",
	"published_date",
	"modified_date",
	"severity",
	"raw_json",
}

func (r Record) values() []interface{} {
	return []interface{}{
		r.OsvID,
		r.CveID,
		r.Summary,
		r.Details,
		r.Published,
		r.Modified,
		r.Severity,
		r.RawJSON,
	}
}

// AffectedPackage is one row of the osv_affected_packages table.
type AffectedPackage struct {
	PackageName       sql.NullString
	Ecosystem         sql.NullString
	VersionIntroduced sql.NullString
	VersionFixed      sql.NullString
	AffectedVersions  []string
}

var affectedColumns = []string{
	"osv_id",
	"package_name",
	"ecosystem",
	"version_introduced",
	"version_fixed",
	"affected_versions",
}
