// Package pipeline runs ingestion and transformation units in dependency
// order. A unit starts once every unit it depends on has succeeded; when a
// dependency ends in any other state the unit is skipped, and so are its own
// dependents. Units without a dependency path between them are unaffected by
// each other's failures.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/vulnintel/vuln-intel/metrics"
)

// Node is a unit and the names of the units it depends on.
type Node struct {
	Unit      Unit
	DependsOn []string
}

type options struct {
	logger     logrus.FieldLogger
	recorder   *metrics.Recorder
	sequential bool
}

type option func(*options)

func WithLogger(logger logrus.FieldLogger) option {
	return func(opts *options) { opts.logger = logger }
}

func WithRecorder(r *metrics.Recorder) option {
	return func(opts *options) { opts.recorder = r }
}

// WithSequential runs one unit at a time in dependency order.
func WithSequential(sequential bool) option {
	return func(opts *options) { opts.sequential = sequential }
}

type Pipeline struct {
	*options
	nodes map[string]Node
	order []string
}

// New validates the graph: unit names must be unique, dependencies must name
// known units and there must be no cycle.
func New(nodes []Node, opts ...option) (*Pipeline, error) {
	o := &options{logger: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(o)
	}

	p := &Pipeline{options: o, nodes: map[string]Node{}}
	for _, n := range nodes {
		name := n.Unit.Name()
		if _, ok := p.nodes[name]; ok {
			return nil, xerrors.Errorf("duplicate unit %q", name)
		}
		p.nodes[name] = n
	}
	for _, n := range nodes {
		for _, dep := range n.DependsOn {
			if _, ok := p.nodes[dep]; !ok {
				return nil, xerrors.Errorf("unit %q depends on unknown unit %q", n.Unit.Name(), dep)
			}
		}
	}

	order, err := p.topologicalSort()
	if err != nil {
		return nil, err
	}
	p.order = order
	return p, nil
}

// Order returns the unit names in a deterministic dependency order.
func (p *Pipeline) Order() []string {
	return slices.Clone(p.order)
}

// topologicalSort orders the units with Kahn's algorithm, picking ready units
// by name so the order is stable.
func (p *Pipeline) topologicalSort() ([]string, error) {
	inDegree := map[string]int{}
	dependents := map[string][]string{}
	for name, n := range p.nodes {
		inDegree[name] += 0
		for _, dep := range n.DependsOn {
			inDegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var ready, order []string
	names := maps.Keys(p.nodes)
	slices.Sort(names)
	for _, name := range names {
		if inDegree[name] == 0 {
			ready = append(ready, name)
		}
	}
	for len(ready) > 0 {
		slices.Sort(ready)
		current := ready[0]
		ready = ready[1:]
		order = append(order, current)
		for _, next := range dependents[current] {
			inDegree[next]--
			if inDegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if len(order) != len(p.nodes) {
		var cycle []string
		for _, name := range names {
			if inDegree[name] > 0 {
				cycle = append(cycle, name)
			}
		}
		return nil, xerrors.Errorf("circular dependency between units: %v", cycle)
	}
	return order, nil
}

// Result holds the outcome of every unit of one run.
type Result struct {
	RunID    string
	Started  time.Time
	Finished time.Time
	Outcomes map[string]Outcome
	order    []string
}

// Ordered returns the outcomes in dependency order.
func (r *Result) Ordered() []Outcome {
	outcomes := make([]Outcome, 0, len(r.order))
	for _, name := range r.order {
		outcomes = append(outcomes, r.Outcomes[name])
	}
	return outcomes
}

// Run executes every unit once. The returned error aggregates the units that
// failed or were cancelled; skipped units are only reported in the Result.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	res := &Result{
		RunID:    uuid.NewString(),
		Started:  time.Now(),
		Outcomes: map[string]Outcome{},
		order:    p.order,
	}
	log := p.logger.WithField("run_id", res.RunID)
	log.Infof("Starting pipeline run: %v", p.order)

	var mu sync.Mutex
	done := map[string]chan struct{}{}
	for _, name := range p.order {
		done[name] = make(chan struct{})
	}

	var g errgroup.Group
	if p.sequential {
		g.SetLimit(1)
	}
	for _, name := range p.order {
		name := name
		node := p.nodes[name]
		g.Go(func() error {
			defer close(done[name])

			for _, dep := range node.DependsOn {
				<-done[dep]
			}

			mu.Lock()
			blocked := ""
			for _, dep := range node.DependsOn {
				if res.Outcomes[dep].Status != Succeeded {
					blocked = dep
					break
				}
			}
			mu.Unlock()

			var o Outcome
			switch {
			case blocked != "":
				o = Outcome{Unit: name, Status: Skipped, Summary: "dependency " + blocked + " did not succeed"}
			case ctx.Err() != nil:
				o = Outcome{Unit: name, Status: Cancelled, Err: ctx.Err(), Summary: "not started"}
			default:
				log.WithField("unit", name).Info("Starting unit")
				o = node.Unit.Run(ctx)
				o.Unit = name
			}
			p.observe(log, o)

			mu.Lock()
			res.Outcomes[name] = o
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	res.Finished = time.Now()

	var errs *multierror.Error
	for _, o := range res.Ordered() {
		if o.Status == Failed || o.Status == Cancelled {
			errs = multierror.Append(errs, xerrors.Errorf("%s %s: %w", o.Unit, o.Status, o.Err))
		}
	}
	log.Infof("Pipeline run finished in %s", res.Finished.Sub(res.Started).Round(time.Millisecond))
	return res, errs.ErrorOrNil()
}

func (p *Pipeline) observe(log logrus.FieldLogger, o Outcome) {
	log = log.WithFields(logrus.Fields{"unit": o.Unit, "status": o.Status})
	switch o.Status {
	case Succeeded:
		log.Infof("Unit finished: %s", o.Summary)
	case Skipped:
		log.Warnf("Unit skipped: %s", o.Summary)
	default:
		// captured output, verbatim
		log.Errorf("Unit %s: %v\n%s", o.Status, o.Err, o.Logs)
	}

	p.recorder.ObserveUnit(o.Unit, string(o.Status), o.Duration())
	if o.Report != nil {
		p.recorder.RecordReport(o.Report.Source, o.Report.Counts())
	}
}
