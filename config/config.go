// Package config loads the process configuration from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"golang.org/x/xerrors"

	"github.com/vulnintel/vuln-intel/db"
)

// Config is loaded once per process and not modified afterwards.
type Config struct {
	DBDriver   db.Dialect
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string
	DBPath     string

	NVDAPIKey       string
	NVDLookbackDays int
	OSVPackagesFile string

	DBTProjectDir string
	DBTBin        string

	LogLevel  string
	LogFormat string

	Schedule    string
	MetricsAddr string
}

var defaults = map[string]interface{}{
	"DB_DRIVER":         string(db.Postgres),
	"DB_HOST":           "localhost",
	"DB_PORT":           5432,
	"DB_NAME":           "vuln_db",
	"DB_USER":           "vuln_user",
	"DB_PASSWORD":       "",
	"DB_SSLMODE":        "disable",
	"DB_PATH":           "vuln_intel.db",
	"NVD_API_KEY":       "",
	"NVD_LOOKBACK_DAYS": 30,
	"OSV_PACKAGES_FILE": "",
	"DBT_PROJECT_DIR":   "dbt_project",
	"DBT_BIN":           "dbt",
	"LOG_LEVEL":         "info",
	"LOG_FORMAT":        "text",
	"SCHEDULE":          "0 6 * * *",
	"METRICS_ADDR":      ":9090",
}

// Load reads envFile when it exists, then the environment. Variables already
// set in the environment win over the file.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return Config{}, xerrors.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	c := Config{
		DBDriver:        db.Dialect(strings.ToLower(v.GetString("DB_DRIVER"))),
		DBHost:          v.GetString("DB_HOST"),
		DBPort:          v.GetInt("DB_PORT"),
		DBName:          v.GetString("DB_NAME"),
		DBUser:          v.GetString("DB_USER"),
		DBPassword:      v.GetString("DB_PASSWORD"),
		DBSSLMode:       v.GetString("DB_SSLMODE"),
		DBPath:          v.GetString("DB_PATH"),
		NVDAPIKey:       v.GetString("NVD_API_KEY"),
		NVDLookbackDays: v.GetInt("NVD_LOOKBACK_DAYS"),
		OSVPackagesFile: v.GetString("OSV_PACKAGES_FILE"),
		DBTProjectDir:   v.GetString("DBT_PROJECT_DIR"),
		DBTBin:          v.GetString("DBT_BIN"),
		LogLevel:        v.GetString("LOG_LEVEL"),
		LogFormat:       v.GetString("LOG_FORMAT"),
		Schedule:        v.GetString("SCHEDULE"),
		MetricsAddr:     v.GetString("METRICS_ADDR"),
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) validate() error {
	switch c.DBDriver {
	case db.Postgres:
	case db.SQLite:
		if c.DBPath == "" {
			return xerrors.New("DB_PATH is required for the sqlite driver")
		}
	default:
		return xerrors.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	if c.NVDLookbackDays <= 0 {
		return xerrors.Errorf("NVD_LOOKBACK_DAYS must be positive, got %d", c.NVDLookbackDays)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return xerrors.Errorf("unsupported LOG_FORMAT %q", c.LogFormat)
	}
	return nil
}

// DSN returns the data source name for DBDriver.
func (c Config) DSN() string {
	if c.DBDriver == db.SQLite {
		return c.DBPath
	}
	params := []struct{ key, value string }{
		{"host", c.DBHost},
		{"port", fmt.Sprint(c.DBPort)},
		{"dbname", c.DBName},
		{"user", c.DBUser},
		{"password", c.DBPassword},
		{"sslmode", c.DBSSLMode},
	}
	var parts []string
	for _, p := range params {
		if p.value == "" {
			continue
		}
		parts = append(parts, p.key+"="+quote(p.value))
	}
	return strings.Join(parts, " ")
}

// quote escapes a libpq connection string value.
func quote(s string) string {
	if s != "" && !strings.ContainsAny(s, ` '\`) {
		return s
	}
	s = strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
	return "'" + s + "'"
}
