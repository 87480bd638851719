package osv

import (
	"github.com/spf13/afero"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v2"
)

// Package is one entry of the dependency inventory queried against OSV.
type Package struct {
	Ecosystem string `yaml:"ecosystem"`
	Name      string `yaml:"name"`
}

// DefaultPackages is used when no inventory file is configured.
var DefaultPackages = []Package{
	{Ecosystem: "PyPI", Name: "requests"},
	{Ecosystem: "PyPI", Name: "django"},
	{Ecosystem: "PyPI", Name: "flask"},
	{Ecosystem: "PyPI", Name: "numpy"},
	{Ecosystem: "PyPI", Name: "pandas"},
	{Ecosystem: "npm", Name: "lodash"},
	{Ecosystem: "npm", Name: "express"},
	{Ecosystem: "npm", Name: "axios"},
	{Ecosystem: "Maven", Name: "org.apache.logging.log4j:log4j-core"},
	{Ecosystem: "Maven", Name: "com.fasterxml.jackson.core:jackson-databind"},
}

type inventory struct {
	Packages []Package `yaml:"packages"`
}

// LoadPackages reads a YAML inventory such as
//
//	packages:
//	  - ecosystem: PyPI
//	    name: flask
func LoadPackages(fs afero.Fs, path string) ([]Package, error) {
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, xerrors.Errorf("failed to read %s: %w", path, err)
	}

	var inv inventory
	if err = yaml.Unmarshal(b, &inv); err != nil {
		return nil, xerrors.Errorf("failed to decode %s: %w", path, err)
	}
	for i, p := range inv.Packages {
		if p.Ecosystem == "" || p.Name == "" {
			return nil, xerrors.Errorf("%s: package %d needs both ecosystem and name", path, i)
		}
	}
	if len(inv.Packages) == 0 {
		return nil, xerrors.Errorf("%s: no packages", path)
	}
	return inv.Packages, nil
}
