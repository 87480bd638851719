package pipeline

import (
	"github.com/sirupsen/logrus"
)

// Unit names of the default pipeline.
const (
	KEV             = "kev"
	NVD             = "nvd"
	OSV             = "osv"
	RedHat          = "redhat"
	DBTStaging      = "dbt-staging"
	DBTIntermediate = "dbt-intermediate"
	DBTMarts        = "dbt-marts"
	DBTTests        = "dbt-tests"
)

// Sources are the four ingestion units, named KEV, NVD, OSV and RedHat.
type Sources struct {
	KEV    Unit
	NVD    Unit
	OSV    Unit
	RedHat Unit
}

// DBT locates the dbt executable and the project it runs.
type DBT struct {
	Bin        string
	ProjectDir string
}

// DefaultNodes wires the ingestion units and the dbt stages:
// kev, nvd and osv are independent, redhat needs kev and nvd, staging needs
// all four, then intermediate, marts and tests run one after the other.
func DefaultNodes(src Sources, dbt DBT, logger logrus.FieldLogger) []Node {
	stage := func(name string, args ...string) Unit {
		args = append(args, "--profiles-dir", ".")
		return NewCommandUnit(name, dbt.Bin, args, dbt.ProjectDir, logger)
	}

	return []Node{
		{Unit: src.KEV},
		{Unit: src.NVD},
		{Unit: src.OSV},
		{Unit: src.RedHat, DependsOn: []string{KEV, NVD}},
		{Unit: stage(DBTStaging, "run", "--select", "staging"), DependsOn: []string{KEV, NVD, OSV, RedHat}},
		{Unit: stage(DBTIntermediate, "run", "--select", "intermediate"), DependsOn: []string{DBTStaging}},
		{Unit: stage(DBTMarts, "run", "--select", "marts"), DependsOn: []string{DBTIntermediate}},
		{Unit: stage(DBTTests, "test"), DependsOn: []string{DBTMarts}},
	}
}
