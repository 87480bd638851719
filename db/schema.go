package db

import (
	"context"
	"strings"

	"golang.org/x/xerrors"
)

// Raw table names. Every adapter writes to exactly one parent table and at
// most one child table.
const (
	TableKEV             = "cisa_kev"
	TableNVD             = "nvd_cves"
	TableOSV             = "osv_vulnerabilities"
	TableOSVAffected     = "osv_affected_packages"
	TableRedHat          = "redhat_cves"
	TableRedHatAffected  = "redhat_affected_releases"
	createSchemaPostgres = "CREATE SCHEMA IF NOT EXISTS " + rawSchema
)

var tableDDL = []struct {
	name string
	ddl  string
}{
	{
		name: TableNVD,
		ddl: `CREATE TABLE IF NOT EXISTS {{table}} (
	cve_id VARCHAR(20) PRIMARY KEY NOT NULL,
	source_identifier VARCHAR(255),
	vuln_status VARCHAR(50),
	published_date TIMESTAMP,
	last_modified_date TIMESTAMP,
	description TEXT,
	cvss_v31_score {{decimal}},
	cvss_v31_severity VARCHAR(20),
	cvss_v31_vector TEXT,
	cwe_id VARCHAR(20),
	raw_json {{json}},
	ingested_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`,
	},
	{
		name: TableOSV,
		ddl: `CREATE TABLE IF NOT EXISTS {{table}} (
	osv_id VARCHAR(50) PRIMARY KEY NOT NULL,
	cve_id VARCHAR(20),
	summary TEXT,
	details TEXT,
	published_date TIMESTAMP,
	modified_date TIMESTAMP,
	severity VARCHAR(20),
	raw_json {{json}},
	ingested_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`,
	},
	{
		name: TableOSVAffected,
		ddl: `CREATE TABLE IF NOT EXISTS {{table}} (
	id {{serial}},
	osv_id VARCHAR(50),
	package_name VARCHAR(255),
	ecosystem VARCHAR(50),
	version_introduced VARCHAR(50),
	version_fixed VARCHAR(50),
	affected_versions {{textarray}},
	ingested_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`,
	},
	{
		name: TableRedHat,
		ddl: `CREATE TABLE IF NOT EXISTS {{table}} (
	cve_id VARCHAR(20) PRIMARY KEY NOT NULL,
	severity VARCHAR(20),
	public_date TIMESTAMP,
	bugzilla_id VARCHAR(20),
	bugzilla_description TEXT,
	cvss3_score {{decimal}},
	cvss3_vector TEXT,
	details TEXT,
	statement TEXT,
	raw_json {{json}},
	ingested_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`,
	},
	{
		name: TableRedHatAffected,
		ddl: `CREATE TABLE IF NOT EXISTS {{table}} (
	id {{serial}},
	cve_id VARCHAR(20),
	product_name VARCHAR(255),
	release_date TIMESTAMP,
	advisory_id VARCHAR(50),
	package_name TEXT,
	fix_state VARCHAR(50),
	ingested_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`,
	},
	{
		name: TableKEV,
		ddl: `CREATE TABLE IF NOT EXISTS {{table}} (
	cve_id VARCHAR(20) PRIMARY KEY NOT NULL,
	vendor_project VARCHAR(255),
	product VARCHAR(255),
	vulnerability_name TEXT,
	date_added DATE,
	short_description TEXT,
	required_action TEXT,
	due_date DATE,
	known_ransomware_use VARCHAR(20),
	raw_json {{json}},
	ingested_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`,
	},
}

func (g *Gateway) columnTypes() *strings.Replacer {
	if g.dialect == Postgres {
		return strings.NewReplacer(
			"{{serial}}", "SERIAL PRIMARY KEY",
			"{{decimal}}", "DECIMAL(3,1)",
			"{{json}}", "JSONB",
			"{{textarray}}", "TEXT[]",
		)
	}
	return strings.NewReplacer(
		"{{serial}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
		"{{decimal}}", "REAL",
		"{{json}}", "TEXT",
		"{{textarray}}", "TEXT",
	)
}

// CreateTables creates the raw tables when they do not exist yet.
func (g *Gateway) CreateTables(ctx context.Context) error {
	if g.dialect == Postgres {
		if err := g.Exec(ctx, createSchemaPostgres); err != nil {
			return xerrors.Errorf("failed to create schema %s: %w", rawSchema, err)
		}
	}
	types := g.columnTypes()
	for _, t := range tableDDL {
		ddl := strings.ReplaceAll(types.Replace(t.ddl), "{{table}}", g.Table(t.name))
		if err := g.Exec(ctx, ddl); err != nil {
			return xerrors.Errorf("failed to create %s: %w", g.Table(t.name), err)
		}
		g.logger.Infof("Created %s table", g.Table(t.name))
	}
	return nil
}
