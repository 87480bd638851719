package securitydataapi

import (
	"database/sql"
	"encoding/json"

	"golang.org/x/xerrors"
)

type RedhatCVEJSON struct {
	ThreatSeverity       string                  `json:"threat_severity"`
	PublicDate           string                  `json:"public_date"`
	Bugzilla             RedhatBugzilla          `json:"bugzilla"`
	Cvss                 RedhatCvss              `json:"cvss"`
	Cvss3                RedhatCvss3             `json:"cvss3"`
	Iava                 string                  `json:"iava"`
	Cwe                  string                  `json:"cwe"`
	Statement            string                  `json:"statement"`
	Acknowledgement      string                  `json:"acknowledgement"`
	AffectedRelease      []RedhatAffectedRelease `json:"-"`
	PackageState         []RedhatPackageState    `json:"-"`
	Name                 string                  `json:"name"`
	DocumentDistribution string                  `json:"document_distribution"`

	Details    []string `json:"-"`
	References []string `json:"references"`
}

func (r *RedhatCVEJSON) UnmarshalJSON(data []byte) error {
	type AliasRedhatCVEJSON RedhatCVEJSON
	alias := &struct {
		TempAffectedRelease interface{} `json:"affected_release"` // affected_release is array or object
		TempPackageState    interface{} `json:"package_state"`    // package_state is array or object
		TempDetails         interface{} `json:"details"`          // details is array or string
		*AliasRedhatCVEJSON
	}{
		AliasRedhatCVEJSON: (*AliasRedhatCVEJSON)(r),
	}

	if err := json.Unmarshal(data, alias); err != nil {
		return err
	}

	switch alias.TempAffectedRelease.(type) {
	case []interface{}:
		var ar RedhatCVEJSONAffectedReleaseArray
		if err := json.Unmarshal(data, &ar); err != nil {
			return xerrors.Errorf("unknown affected_release type: %w", err)
		}
		r.AffectedRelease = ar.AffectedRelease
	case map[string]interface{}:
		var ar RedhatCVEJSONAffectedReleaseObject
		if err := json.Unmarshal(data, &ar); err != nil {
			return xerrors.Errorf("unknown affected_release type: %w", err)
		}
		r.AffectedRelease = []RedhatAffectedRelease{ar.AffectedRelease}
	case nil:
	default:
		return xerrors.New("unknown affected_release type")
	}

	switch alias.TempPackageState.(type) {
	case []interface{}:
		var ps RedhatCVEJSONPackageStateArray
		if err := json.Unmarshal(data, &ps); err != nil {
			return xerrors.Errorf("unknown package_state type: %w", err)
		}
		r.PackageState = ps.PackageState
	case map[string]interface{}:
		var ps RedhatCVEJSONPackageStateObject
		if err := json.Unmarshal(data, &ps); err != nil {
			return xerrors.Errorf("unknown package_state type: %w", err)
		}
		r.PackageState = []RedhatPackageState{ps.PackageState}
	case nil:
	default:
		return xerrors.New("unknown package_state type")
	}

	switch details := alias.TempDetails.(type) {
	case string:
		r.Details = []string{details}
	case []interface{}:
		var d struct {
			Details []string `json:"details"`
		}
		if err := json.Unmarshal(data, &d); err != nil {
			return xerrors.Errorf("unknown details type: %w", err)
		}
		r.Details = d.Details
	case nil:
	default:
		return xerrors.New("unknown details type")
	}

	return nil
}

type RedhatCVEJSONAffectedReleaseArray struct {
	AffectedRelease []RedhatAffectedRelease `json:"affected_release"`
}

type RedhatCVEJSONAffectedReleaseObject struct {
	AffectedRelease RedhatAffectedRelease `json:"affected_release"`
}

type RedhatCVEJSONPackageStateArray struct {
	PackageState []RedhatPackageState `json:"package_state"`
}

type RedhatCVEJSONPackageStateObject struct {
	PackageState RedhatPackageState `json:"package_state"`
}

type RedhatBugzilla struct {
	Description string `json:"description"`

	BugzillaID string `json:"id"`
	URL        string `json:"url"`
}

type RedhatCvss struct {
	CvssBaseScore     string `json:"cvss_base_score"`
	CvssScoringVector string `json:"cvss_scoring_vector"`
	Status            string `json:"status"`
}

type RedhatCvss3 struct {
	Cvss3BaseScore     string `json:"cvss3_base_score"`
	Cvss3ScoringVector string `json:"cvss3_scoring_vector"`
	Status             string `json:"status"`
}

type RedhatAffectedRelease struct {
	ProductName string `json:"product_name"`
	ReleaseDate string `json:"release_date"`
	Advisory    string `json:"advisory"`
	Package     string `json:"package"`
	Cpe         string `json:"cpe"`
}

type RedhatPackageState struct {
	ProductName string `json:"product_name"`
	FixState    string `json:"fix_state"`
	PackageName string `json:"package_name"`
	Cpe         string `json:"cpe"`
}

// Record is one row of the redhat_cves table.
type Record struct {
	CveID               string
	Severity            sql.NullString
	PublicDate          sql.NullTime
	BugzillaID          sql.NullString
	BugzillaDescription sql.NullString
	Cvss3Score          sql.NullFloat64
	Cvss3Vector         sql.NullString
	Details             sql.NullString
	Statement           sql.NullString
	RawJSON             string
}

var columns = []string{
	"cve_id",
	"severity",
	"public_date",
	"bugzilla_id",
	"bugzilla_description",
	"cvss3_score",
	"cvss3_vector",
	"details",
	"statement",
	"raw_json",
}

func (r Record) values() []interface{} {
	return []interface{}{
		r.CveID,
		r.Severity,
		r.PublicDate,
		r.BugzillaID,
		r.BugzillaDescription,
		r.Cvss3Score,
		r.Cvss3Vector,
		r.Details,
		r.Statement,
		r.RawJSON,
	}
}

// AffectedRelease is one row of the redhat_affected_releases table.
type AffectedRelease struct {
	ProductName sql.NullString
	ReleaseDate sql.NullTime
	AdvisoryID  sql.NullString
	PackageName sql.NullString
	FixState    sql.NullString
}

var affectedColumns = []string{
	"cve_id",
	"product_name",
	"release_date",
	"advisory_id",
	"package_name",
	"fix_state",
}
