package pipeline_test

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/vulnintel/vuln-intel/ingest"
	"github.com/vulnintel/vuln-intel/metrics"
	"github.com/vulnintel/vuln-intel/pipeline"
)

type fakeUnit struct {
	name   string
	status pipeline.Status
	calls  int32
	before func()
	report *ingest.Report
}

func (u *fakeUnit) Name() string { return u.name }

func (u *fakeUnit) Run(ctx context.Context) pipeline.Outcome {
	atomic.AddInt32(&u.calls, 1)
	if u.before != nil {
		u.before()
	}
	o := pipeline.Outcome{Unit: u.name, Status: pipeline.Succeeded, Started: time.Now(), Report: u.report}
	if u.status != "" {
		o.Status = u.status
	}
	if o.Status == pipeline.Failed {
		o.Err = xerrors.New("exit status 1")
		o.Logs = "Database Error in model stg_nvd"
	}
	o.Finished = time.Now()
	return o
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// graph builds the default dependency shape out of fake units.
func graph(failing ...string) ([]pipeline.Node, map[string]*fakeUnit) {
	units := map[string]*fakeUnit{}
	unit := func(name string) *fakeUnit {
		u := &fakeUnit{name: name}
		for _, f := range failing {
			if f == name {
				u.status = pipeline.Failed
			}
		}
		units[name] = u
		return u
	}
	nodes := []pipeline.Node{
		{Unit: unit(pipeline.KEV)},
		{Unit: unit(pipeline.NVD)},
		{Unit: unit(pipeline.OSV)},
		{Unit: unit(pipeline.RedHat), DependsOn: []string{pipeline.KEV, pipeline.NVD}},
		{Unit: unit(pipeline.DBTStaging), DependsOn: []string{pipeline.KEV, pipeline.NVD, pipeline.OSV, pipeline.RedHat}},
		{Unit: unit(pipeline.DBTIntermediate), DependsOn: []string{pipeline.DBTStaging}},
		{Unit: unit(pipeline.DBTMarts), DependsOn: []string{pipeline.DBTIntermediate}},
		{Unit: unit(pipeline.DBTTests), DependsOn: []string{pipeline.DBTMarts}},
	}
	return nodes, units
}

func statuses(res *pipeline.Result) map[string]pipeline.Status {
	got := map[string]pipeline.Status{}
	for name, o := range res.Outcomes {
		got[name] = o.Status
	}
	return got
}

func TestPipeline_Run(t *testing.T) {
	tests := []struct {
		name      string
		failing   []string
		want      map[string]pipeline.Status
		wantCalls map[string]int32
		wantErr   string
	}{
		{
			name: "all units succeed",
			want: map[string]pipeline.Status{
				pipeline.KEV:             pipeline.Succeeded,
				pipeline.NVD:             pipeline.Succeeded,
				pipeline.OSV:             pipeline.Succeeded,
				pipeline.RedHat:          pipeline.Succeeded,
				pipeline.DBTStaging:      pipeline.Succeeded,
				pipeline.DBTIntermediate: pipeline.Succeeded,
				pipeline.DBTMarts:        pipeline.Succeeded,
				pipeline.DBTTests:        pipeline.Succeeded,
			},
		},
		{
			name:    "failed staging halts the later stages",
			failing: []string{pipeline.DBTStaging},
			want: map[string]pipeline.Status{
				pipeline.KEV:             pipeline.Succeeded,
				pipeline.NVD:             pipeline.Succeeded,
				pipeline.OSV:             pipeline.Succeeded,
				pipeline.RedHat:          pipeline.Succeeded,
				pipeline.DBTStaging:      pipeline.Failed,
				pipeline.DBTIntermediate: pipeline.Skipped,
				pipeline.DBTMarts:        pipeline.Skipped,
				pipeline.DBTTests:        pipeline.Skipped,
			},
			wantCalls: map[string]int32{
				pipeline.KEV:             1,
				pipeline.NVD:             1,
				pipeline.OSV:             1,
				pipeline.RedHat:          1,
				pipeline.DBTStaging:      1,
				pipeline.DBTIntermediate: 0,
				pipeline.DBTMarts:        0,
				pipeline.DBTTests:        0,
			},
			wantErr: "dbt-staging failed",
		},
		{
			name:    "failed nvd skips redhat but not osv",
			failing: []string{pipeline.NVD},
			want: map[string]pipeline.Status{
				pipeline.KEV:             pipeline.Succeeded,
				pipeline.NVD:             pipeline.Failed,
				pipeline.OSV:             pipeline.Succeeded,
				pipeline.RedHat:          pipeline.Skipped,
				pipeline.DBTStaging:      pipeline.Skipped,
				pipeline.DBTIntermediate: pipeline.Skipped,
				pipeline.DBTMarts:        pipeline.Skipped,
				pipeline.DBTTests:        pipeline.Skipped,
			},
			wantCalls: map[string]int32{
				pipeline.OSV:    1,
				pipeline.RedHat: 0,
			},
			wantErr: "nvd failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nodes, units := graph(tt.failing...)
			p, err := pipeline.New(nodes, pipeline.WithLogger(quietLogger()))
			require.NoError(t, err)

			res, err := p.Run(context.Background())
			assert.Equal(t, tt.want, statuses(res))
			assert.NotEmpty(t, res.RunID)
			for name, calls := range tt.wantCalls {
				assert.Equal(t, calls, atomic.LoadInt32(&units[name].calls), name)
			}
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestPipeline_SkippedSummary(t *testing.T) {
	nodes, _ := graph(pipeline.NVD)
	p, err := pipeline.New(nodes, pipeline.WithLogger(quietLogger()))
	require.NoError(t, err)

	res, err := p.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, "dependency nvd did not succeed", res.Outcomes[pipeline.RedHat].Summary)
	assert.Equal(t, "Database Error in model stg_nvd", res.Outcomes[pipeline.NVD].Logs)
}

func TestPipeline_Concurrent(t *testing.T) {
	// every root unit blocks until all three have started
	var started sync.WaitGroup
	started.Add(3)
	all := make(chan struct{})
	go func() {
		started.Wait()
		close(all)
	}()
	barrier := func() {
		started.Done()
		select {
		case <-all:
		case <-time.After(5 * time.Second):
		}
	}

	nodes, units := graph()
	for _, name := range []string{pipeline.KEV, pipeline.NVD, pipeline.OSV} {
		units[name].before = barrier
	}

	p, err := pipeline.New(nodes, pipeline.WithLogger(quietLogger()))
	require.NoError(t, err)

	begin := time.Now()
	_, err = p.Run(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(begin), 5*time.Second)
}

func TestPipeline_Sequential(t *testing.T) {
	var (
		mu      sync.Mutex
		order   []string
		running int32
		maxRun  int32
	)
	nodes, units := graph()
	for name, u := range units {
		name := name
		u.before = func() {
			n := atomic.AddInt32(&running, 1)
			mu.Lock()
			order = append(order, name)
			if n > maxRun {
				maxRun = n
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&running, -1)
		}
	}

	p, err := pipeline.New(nodes, pipeline.WithLogger(quietLogger()), pipeline.WithSequential(true))
	require.NoError(t, err)

	_, err = p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, p.Order(), order)
	assert.Equal(t, int32(1), maxRun)
}

func TestPipeline_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	nodes, units := graph()
	p, err := pipeline.New(nodes, pipeline.WithLogger(quietLogger()))
	require.NoError(t, err)

	res, err := p.Run(ctx)
	require.Error(t, err)
	got := statuses(res)
	assert.Equal(t, pipeline.Cancelled, got[pipeline.KEV])
	assert.Equal(t, pipeline.Cancelled, got[pipeline.OSV])
	assert.Equal(t, pipeline.Skipped, got[pipeline.RedHat])
	assert.Equal(t, pipeline.Skipped, got[pipeline.DBTTests])
	assert.Equal(t, int32(0), atomic.LoadInt32(&units[pipeline.KEV].calls))
}

func TestPipeline_Metrics(t *testing.T) {
	nodes, units := graph(pipeline.OSV)
	report := ingest.NewReport("kev", "CISA KEV", ingest.Succeeded, ingest.Failed)
	report.Add(ingest.Succeeded, 9)
	report.Inc(ingest.Failed)
	units[pipeline.KEV].report = report

	rec := metrics.New()
	p, err := pipeline.New(nodes, pipeline.WithLogger(quietLogger()), pipeline.WithRecorder(rec))
	require.NoError(t, err)

	_, err = p.Run(context.Background())
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(rec.UnitRuns.WithLabelValues(pipeline.KEV, "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.UnitRuns.WithLabelValues(pipeline.OSV, "failed")))
	assert.Equal(t, 9.0, testutil.ToFloat64(rec.Records.WithLabelValues("kev", ingest.Succeeded)))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.Records.WithLabelValues("kev", ingest.Failed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.UnitRuns.WithLabelValues(pipeline.DBTStaging, "skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.UnitRuns.WithLabelValues(pipeline.DBTTests, "skipped")))
	assert.Equal(t, 0.0, testutil.ToFloat64(rec.UnitRuns.WithLabelValues(pipeline.DBTStaging, "succeeded")))
}

func TestNew(t *testing.T) {
	a := &fakeUnit{name: "a"}
	b := &fakeUnit{name: "b"}
	c := &fakeUnit{name: "c"}

	tests := []struct {
		name    string
		nodes   []pipeline.Node
		want    []string
		wantErr string
	}{
		{
			name:  "order is stable",
			nodes: []pipeline.Node{{Unit: c}, {Unit: b, DependsOn: []string{"c"}}, {Unit: a}},
			want:  []string{"a", "c", "b"},
		},
		{
			name:    "duplicate unit",
			nodes:   []pipeline.Node{{Unit: a}, {Unit: a}},
			wantErr: `duplicate unit "a"`,
		},
		{
			name:    "unknown dependency",
			nodes:   []pipeline.Node{{Unit: a, DependsOn: []string{"z"}}},
			wantErr: `unit "a" depends on unknown unit "z"`,
		},
		{
			name: "cycle",
			nodes: []pipeline.Node{
				{Unit: a},
				{Unit: b, DependsOn: []string{"c"}},
				{Unit: c, DependsOn: []string{"b"}},
			},
			wantErr: "circular dependency between units: [b c]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := pipeline.New(tt.nodes)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Order())
		})
	}
}

func TestDefaultNodes(t *testing.T) {
	src := pipeline.Sources{
		KEV:    &fakeUnit{name: pipeline.KEV},
		NVD:    &fakeUnit{name: pipeline.NVD},
		OSV:    &fakeUnit{name: pipeline.OSV},
		RedHat: &fakeUnit{name: pipeline.RedHat},
	}
	nodes := pipeline.DefaultNodes(src, pipeline.DBT{Bin: "dbt", ProjectDir: "dbt_project"}, quietLogger())

	p, err := pipeline.New(nodes)
	require.NoError(t, err)
	assert.Equal(t, []string{
		pipeline.KEV, pipeline.NVD, pipeline.OSV, pipeline.RedHat,
		pipeline.DBTStaging, pipeline.DBTIntermediate, pipeline.DBTMarts, pipeline.DBTTests,
	}, p.Order())

	commands := map[string]string{}
	for _, n := range nodes {
		if u, ok := n.Unit.(*pipeline.CommandUnit); ok {
			commands[u.Name()] = u.Command()
		}
	}
	assert.Equal(t, map[string]string{
		pipeline.DBTStaging:      "dbt run --select staging --profiles-dir .",
		pipeline.DBTIntermediate: "dbt run --select intermediate --profiles-dir .",
		pipeline.DBTMarts:        "dbt run --select marts --profiles-dir .",
		pipeline.DBTTests:        "dbt test --profiles-dir .",
	}, commands)
}
