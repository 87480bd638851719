// Package db is the persistence gateway shared by every source adapter. It
// hides the differences between the production Postgres database and the
// embedded SQLite database used for local runs and tests.
package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	_ "modernc.org/sqlite"
)

type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"

	rawSchema = "raw"

	// keeps every statement well below the bind parameter limit of both drivers
	maxBulkParams = 30000
)

type Gateway struct {
	db      *sqlx.DB
	dialect Dialect
	logger  logrus.FieldLogger
}

type option func(*Gateway)

func WithLogger(logger logrus.FieldLogger) option {
	return func(g *Gateway) { g.logger = logger }
}

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, dialect Dialect, dsn string, opts ...option) (*Gateway, error) {
	if dialect != Postgres && dialect != SQLite {
		return nil, xerrors.Errorf("unsupported database driver: %s", dialect)
	}
	sdb, err := sqlx.Open(string(dialect), dsn)
	if err != nil {
		return nil, xerrors.Errorf("failed to open database: %w", err)
	}
	if dialect == SQLite {
		// a single writer avoids "database is locked" between concurrent units
		sdb.SetMaxOpenConns(1)
	}
	if err = sdb.PingContext(ctx); err != nil {
		sdb.Close()
		return nil, xerrors.Errorf("failed to ping database: %w", err)
	}
	return New(sdb, dialect, opts...), nil
}

// New wraps an existing connection pool.
func New(sdb *sqlx.DB, dialect Dialect, opts ...option) *Gateway {
	g := &Gateway{
		db:      sdb,
		dialect: dialect,
		logger:  logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) Close() error {
	return g.db.Close()
}

func (g *Gateway) Dialect() Dialect {
	return g.dialect
}

// Table returns the qualified name of a raw table.
func (g *Gateway) Table(name string) string {
	if g.dialect == Postgres {
		return rawSchema + "." + name
	}
	return name
}

// Array encodes a string list for an array column. Postgres stores TEXT[],
// SQLite stores the JSON encoding. An empty list is NULL.
func (g *Gateway) Array(values []string) interface{} {
	if len(values) == 0 {
		return nil
	}
	if g.dialect == Postgres {
		return pq.Array(values)
	}
	b, _ := json.Marshal(values)
	return string(b)
}

// Exec runs a single statement in its own transaction.
func (g *Gateway) Exec(ctx context.Context, query string, args ...interface{}) error {
	return g.InTx(ctx, func(tx *Tx) error {
		return tx.Exec(ctx, query, args...)
	})
}

// FetchAll runs a query and scans every row into dest, a pointer to a slice.
func (g *Gateway) FetchAll(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	if err := g.db.SelectContext(ctx, dest, g.db.Rebind(query), args...); err != nil {
		return xerrors.Errorf("query error: %w", err)
	}
	return nil
}

// BulkInsert inserts rows into table in one transaction.
func (g *Gateway) BulkInsert(ctx context.Context, table string, columns []string, rows [][]interface{}) (int, error) {
	if len(rows) == 0 {
		g.logger.Infof("No data to insert into %s", table)
		return 0, nil
	}
	var n int
	err := g.InTx(ctx, func(tx *Tx) error {
		var err error
		n, err = tx.BulkInsert(ctx, table, columns, rows)
		return err
	})
	if err != nil {
		return 0, err
	}
	g.logger.Infof("Inserted %d rows into %s", n, table)
	return n, nil
}

// InTx runs fn as one unit of work. The transaction commits when fn returns
// nil and rolls back on an error or a panic.
func (g *Gateway) InTx(ctx context.Context, fn func(tx *Tx) error) (err error) {
	stx, err := g.db.BeginTxx(ctx, nil)
	if err != nil {
		return xerrors.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = stx.Rollback()
			panic(p)
		}
		if err != nil {
			if rerr := stx.Rollback(); rerr != nil {
				g.logger.Warnf("rollback error: %s", rerr)
			}
		}
	}()

	if err = fn(&Tx{tx: stx, gw: g}); err != nil {
		return err
	}
	if err = stx.Commit(); err != nil {
		return xerrors.Errorf("failed to commit: %w", err)
	}
	return nil
}

// Tx is a transaction handed to InTx callbacks.
type Tx struct {
	tx *sqlx.Tx
	gw *Gateway
}

func (t *Tx) Exec(ctx context.Context, query string, args ...interface{}) error {
	if _, err := t.tx.ExecContext(ctx, t.tx.Rebind(query), args...); err != nil {
		return xerrors.Errorf("exec error: %w", err)
	}
	return nil
}

// Upsert inserts values into table, overwriting every non-key column when a
// row with the same key already exists.
func (t *Tx) Upsert(ctx context.Context, table, key string, columns []string, values []interface{}) error {
	if len(columns) != len(values) {
		return xerrors.Errorf("upsert %s: %d columns but %d values", table, len(columns), len(values))
	}
	return t.Exec(ctx, UpsertQuery(table, key, columns), values...)
}

// BulkInsert inserts rows with multi-row INSERT statements.
func (t *Tx) BulkInsert(ctx context.Context, table string, columns []string, rows [][]interface{}) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(columns) == 0 {
		return 0, xerrors.Errorf("bulk insert into %s: no columns", table)
	}
	chunk := maxBulkParams / len(columns)
	for start := 0; start < len(rows); start += chunk {
		end := start + chunk
		if end > len(rows) {
			end = len(rows)
		}
		query, args, err := insertQuery(table, columns, rows[start:end])
		if err != nil {
			return start, err
		}
		if err = t.Exec(ctx, query, args...); err != nil {
			return start, xerrors.Errorf("bulk insert into %s: %w", table, err)
		}
	}
	return len(rows), nil
}

// UpsertQuery builds an INSERT ... ON CONFLICT (key) DO UPDATE statement.
func UpsertQuery(table, key string, columns []string) string {
	var sets []string
	for _, c := range columns {
		if c == key {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
	}
	sets = append(sets, "ingested_at = CURRENT_TIMESTAMP")

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		table, strings.Join(columns, ", "), placeholders(len(columns)), key, strings.Join(sets, ", "))
}

func insertQuery(table string, columns []string, rows [][]interface{}) (string, []interface{}, error) {
	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*len(columns))
	for i, row := range rows {
		if len(row) != len(columns) {
			return "", nil, xerrors.Errorf("row %d of %s: %d columns but %d values", i, table, len(columns), len(row))
		}
		values = append(values, "("+placeholders(len(columns))+")")
		args = append(args, row...)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", table, strings.Join(columns, ", "), strings.Join(values, ", "))
	return query, args, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
