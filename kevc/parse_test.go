package kevc

import (
	"database/sql"
	"testing"
	"time"

	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/assert"
)

func TestParseVulnerability(t *testing.T) {
	tests := map[string]struct {
		in      string
		want    Record
		wantErr string
	}{
		"all fields": {
			in: `{"cveID":"CVE-2021-44228","vendorProject":"Apache","product":"Log4j2","vulnerabilityName":"Apache Log4j2 Remote Code Execution Vulnerability","dateAdded":"2021-12-10","shortDescription":"JNDI features do not protect against attacker controlled LDAP.","requiredAction":"Apply updates per vendor instructions.","dueDate":"2021-12-24","knownRansomwareCampaignUse":"Known"}`,
			want: Record{
				CveID:              "CVE-2021-44228",
				VendorProject:      sql.NullString{String: "Apache", Valid: true},
				Product:            sql.NullString{String: "Log4j2", Valid: true},
				VulnerabilityName:  sql.NullString{String: "Apache Log4j2 Remote Code Execution Vulnerability", Valid: true},
				DateAdded:          sql.NullTime{Time: time.Date(2021, 12, 10, 0, 0, 0, 0, time.UTC), Valid: true},
				ShortDescription:   sql.NullString{String: "JNDI features do not protect against attacker controlled LDAP.", Valid: true},
				RequiredAction:     sql.NullString{String: "Apply updates per vendor instructions.", Valid: true},
				DueDate:            sql.NullTime{Time: time.Date(2021, 12, 24, 0, 0, 0, 0, time.UTC), Valid: true},
				KnownRansomwareUse: sql.NullString{String: "Known", Valid: true},
			},
		},
		"missing optional fields": {
			in: `{"cveID":"CVE-2021-1"}`,
			want: Record{
				CveID: "CVE-2021-1",
			},
		},
		"missing cveID": {
			in:      `{"vendorProject":"Apache"}`,
			wantErr: "missing cveID",
		},
		"invalid date": {
			in:      `{"cveID":"CVE-2021-1","dateAdded":"someday"}`,
			wantErr: "dateAdded",
		},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := parseVulnerability([]byte(tt.in))
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.in, got.RawJSON, "raw payload is kept verbatim")

			got.RawJSON = ""
			if diff := pretty.Compare(got, tt.want); diff != "" {
				t.Errorf("diff: %s", diff)
			}
		})
	}
}
