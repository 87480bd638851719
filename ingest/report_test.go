package ingest_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vulnintel/vuln-intel/ingest"
)

func TestReport(t *testing.T) {
	r := ingest.NewReport("redhat", "Red Hat Security Data Ingestion", ingest.Succeeded, ingest.NotFound, ingest.Failed)
	r.Inc(ingest.Succeeded)
	r.Inc(ingest.Succeeded)
	r.Inc(ingest.NotFound)

	assert.Equal(t, 2, r.Count(ingest.Succeeded))
	assert.Equal(t, 0, r.Count(ingest.Failed))
	assert.Equal(t, map[string]int{"succeeded": 2, "not_found": 1, "failed": 0}, r.Counts())
	assert.Equal(t, "succeeded=2 not_found=1 failed=0", r.Summary())

	var buf bytes.Buffer
	r.Begin(&buf)
	r.Note("No CVEs to fetch.")
	r.End(&buf)

	out := buf.String()
	assert.Contains(t, out, "Red Hat Security Data Ingestion")
	assert.Contains(t, out, "Started at:")
	assert.Contains(t, out, "No CVEs to fetch.")
	assert.Contains(t, out, "not_found: 1")
	assert.Contains(t, out, "failed: 0")
	assert.Contains(t, out, "Completed at:")
	assert.False(t, r.Finished.IsZero())
}

func TestNewLimiter(t *testing.T) {
	ctx := context.Background()

	l := ingest.NewLimiter(0)
	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Wait(ctx))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	l = ingest.NewLimiter(30 * time.Millisecond)
	start = time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Wait(ctx))
	}
	assert.GreaterOrEqual(t, time.Since(start), 55*time.Millisecond)
}
