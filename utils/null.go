package utils

import (
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"golang.org/x/xerrors"
)

// NullString maps an empty feed field to SQL NULL.
func NullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// ParseTime parses a feed timestamp. Timestamps without an offset are UTC.
// An empty string is NULL, an unparsable one is an error.
func ParseTime(s string) (sql.NullTime, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullTime{}, nil
	}
	t, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return sql.NullTime{}, xerrors.Errorf("invalid timestamp %q: %w", s, err)
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}, nil
}

// ParseScore parses a decimal score such as "7.5".
func ParseScore(s string) (sql.NullFloat64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullFloat64{}, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return sql.NullFloat64{}, xerrors.Errorf("invalid score %q: %w", s, err)
	}
	return sql.NullFloat64{Float64: f, Valid: true}, nil
}

// TrimSpaceNewline deletes space character and newline character(CR/LF)
func TrimSpaceNewline(str string) string {
	str = strings.TrimSpace(str)
	return strings.Trim(str, "\r\n")
}
