package kevc

import (
	"database/sql"
	"encoding/json"
	"time"
)

type KEVC struct {
	Title           string            `json:"title"`
	CatalogVersion  string            `json:"catalogVersion"`
	DateReleased    time.Time         `json:"dateReleased"`
	Count           int               `json:"count"`
	Vulnerabilities []json.RawMessage `json:"vulnerabilities"`
}

type Vulnerability struct {
	CveID                      string `json:"cveID"`
	VendorProject              string `json:"vendorProject"`
	Product                    string `json:"product"`
	VulnerabilityName          string `json:"vulnerabilityName"`
	DateAdded                  string `json:"dateAdded"`
	ShortDescription           string `json:"shortDescription"`
	RequiredAction             string `json:"requiredAction"`
	DueDate                    string `json:"dueDate"`
	KnownRansomwareCampaignUse string `json:"knownRansomwareCampaignUse"`
}

// Record is one row of the cisa_kev table.
type Record struct {
	CveID              string
	VendorProject      sql.NullString
	Product            sql.NullString
	VulnerabilityName  sql.NullString
	DateAdded          sql.NullTime
	ShortDescription   sql.NullString
	RequiredAction     sql.NullString
	DueDate            sql.NullTime
	KnownRansomwareUse sql.NullString
	RawJSON            string
}

var columns = []string{
	"cve_id",
	"vendor_project",
	"product",
	"vulnerability_name",
	"date_added",
	"short_description",
	"required_action",
	"due_date",
	"known_ransomware_use",
	"raw_json",
}

func (r Record) values() []interface{} {
	return []interface{}{
		r.CveID,
		r.VendorProject,
		r.Product,
		r.VulnerabilityName,
		r.DateAdded,
		r.ShortDescription,
		r.RequiredAction,
		r.DueDate,
		r.KnownRansomwareUse,
		r.RawJSON,
	}
}
