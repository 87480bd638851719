// Package dbtest provides throwaway SQLite gateways with the raw tables in place.
package dbtest

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vulnintel/vuln-intel/db"
)

func NewGateway(t *testing.T) *db.Gateway {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	dsn := filepath.Join(t.TempDir(), "vuln-intel.db")
	gw, err := db.Open(context.Background(), db.SQLite, dsn, db.WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Close() })

	require.NoError(t, gw.CreateTables(context.Background()))
	return gw
}

// Count returns the number of rows in table matching where (may be empty).
func Count(t *testing.T, gw *db.Gateway, table, where string, args ...interface{}) int {
	t.Helper()

	query := "SELECT COUNT(*) FROM " + gw.Table(table)
	if where != "" {
		query += " WHERE " + where
	}
	var counts []int
	require.NoError(t, gw.FetchAll(context.Background(), &counts, query, args...))
	require.Len(t, counts, 1)
	return counts[0]
}
