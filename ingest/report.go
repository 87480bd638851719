// Package ingest holds what every source adapter shares: the run report,
// request spacing and progress display.
package ingest

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// Record outcome counters common to all sources.
const (
	Succeeded = "succeeded"
	Failed    = "failed"
	NotFound  = "not_found"
)

const banner = "=================================================="

// Report counts the outcome of every record processed by one run.
type Report struct {
	Source   string
	Title    string
	Started  time.Time
	Finished time.Time
	Notes    []string

	order  []string
	counts map[string]int
}

// NewReport starts a report. The named counters are always printed, even when
// they stay at zero.
func NewReport(source, title string, counters ...string) *Report {
	r := &Report{
		Source:  source,
		Title:   title,
		Started: time.Now(),
		counts:  map[string]int{},
	}
	for _, c := range counters {
		r.Add(c, 0)
	}
	return r
}

func (r *Report) Inc(name string) {
	r.Add(name, 1)
}

func (r *Report) Add(name string, n int) {
	if _, ok := r.counts[name]; !ok {
		r.order = append(r.order, name)
	}
	r.counts[name] += n
}

func (r *Report) Count(name string) int {
	return r.counts[name]
}

// Counts returns a copy of every counter.
func (r *Report) Counts() map[string]int {
	counts := make(map[string]int, len(r.counts))
	for k, v := range r.counts {
		counts[k] = v
	}
	return counts
}

func (r *Report) Note(format string, args ...interface{}) {
	r.Notes = append(r.Notes, fmt.Sprintf(format, args...))
}

// Summary is a single line such as "succeeded=9 failed=1".
func (r *Report) Summary() string {
	var parts []string
	for _, name := range r.order {
		parts = append(parts, fmt.Sprintf("%s=%d", name, r.counts[name]))
	}
	parts = append(parts, r.Notes...)
	return strings.Join(parts, " ")
}

// Begin prints the start block.
func (r *Report) Begin(w io.Writer) {
	fmt.Fprintln(w, banner)
	fmt.Fprintln(w, r.Title)
	fmt.Fprintf(w, "Started at: %s\n", r.Started.Format(time.RFC3339))
	fmt.Fprintln(w, banner)
}

// End stamps the finish time and prints the summary block.
func (r *Report) End(w io.Writer) {
	r.Finished = time.Now()
	fmt.Fprintln(w, banner)
	for _, note := range r.Notes {
		fmt.Fprintln(w, note)
	}
	for _, name := range r.order {
		fmt.Fprintf(w, "%s: %d\n", name, r.counts[name])
	}
	fmt.Fprintf(w, "Completed at: %s (%s)\n", r.Finished.Format(time.RFC3339), r.Finished.Sub(r.Started).Round(time.Millisecond))
	fmt.Fprintln(w, banner)
}
