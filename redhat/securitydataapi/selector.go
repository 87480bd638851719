package securitydataapi

import (
	"context"

	"github.com/samber/lo"
	"golang.org/x/xerrors"

	"github.com/vulnintel/vuln-intel/db"
)

// nvdLimit bounds how many high and critical NVD CVEs are looked up per run.
const nvdLimit = 200

// Selector derives the Red Hat work list from the KEV and NVD tables.
type Selector struct {
	gw *db.Gateway
}

func NewSelector(gw *db.Gateway) Selector {
	return Selector{gw: gw}
}

// Selection is the outcome of one CVEIDs call.
type Selection struct {
	KEV []string
	NVD []string
	IDs []string
}

// CVEIDs returns every KEV CVE plus the first nvdLimit HIGH or CRITICAL NVD
// CVEs ordered by ID, without duplicates. KEV entries come first.
func (s Selector) CVEIDs(ctx context.Context) (Selection, error) {
	var sel Selection
	kevQuery := "SELECT cve_id FROM " + s.gw.Table(db.TableKEV) + " ORDER BY cve_id"
	if err := s.gw.FetchAll(ctx, &sel.KEV, kevQuery); err != nil {
		return sel, xerrors.Errorf("failed to select KEV CVEs: %w", err)
	}

	nvdQuery := "SELECT cve_id FROM " + s.gw.Table(db.TableNVD) +
		" WHERE cvss_v31_severity IN ('HIGH', 'CRITICAL') ORDER BY cve_id LIMIT ?"
	if err := s.gw.FetchAll(ctx, &sel.NVD, nvdQuery, nvdLimit); err != nil {
		return sel, xerrors.Errorf("failed to select NVD CVEs: %w", err)
	}

	sel.IDs = lo.Uniq(append(append([]string{}, sel.KEV...), sel.NVD...))
	return sel, nil
}
