package pipeline

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"citydb/internal/event"
	"citydb/internal/feature"
	"citydb/internal/metrics"
)

// Report summarizes one driver run.
type Report struct {
	Op string
	// Counts holds processed objects per feature type, children included.
	Counts map[string]int64

	Features   int64
	Skipped    int64
	Failed     int64
	Unresolved int64
	Duration   time.Duration

	Interrupted bool
	Rollback    bool
	Cause       string
}

// Total returns the sum of Counts.
func (r *Report) Total() int64 {
	var n int64
	for _, c := range r.Counts {
		n += c
	}
	return n
}

// Log writes the report as one summary line and one line per type.
func (r *Report) Log(logf func(format string, v ...any)) {
	logf("stage=report op=%s features=%d objects=%d skipped=%d failed=%d unresolved=%d interrupted=%t duration=%s",
		r.Op, r.Features, r.Total(), r.Skipped, r.Failed, r.Unresolved, r.Interrupted, r.Duration)
	types := make([]string, 0, len(r.Counts))
	for t := range r.Counts {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		logf("stage=report op=%s type=%s count=%d", r.Op, t, r.Counts[t])
	}
	if r.Cause != "" {
		logf("stage=report op=%s status=interrupted rollback=%t cause=%q", r.Op, r.Rollback, r.Cause)
	}
}

// Tally collects the counters of a run from concurrent workers.
type Tally struct {
	op string

	mu     sync.Mutex
	counts map[string]int64

	features, skipped, failed, unresolved atomic.Int64
}

func NewTally(op string) *Tally {
	return &Tally{op: op, counts: make(map[string]int64)}
}

// AddFeature counts one top-level feature with its per-type object counts
// and publishes them as an ObjectCounter event.
func (t *Tally) AddFeature(d *event.Dispatcher, counts map[string]int64) {
	t.features.Add(1)
	t.mu.Lock()
	for typ, n := range counts {
		t.counts[typ] += n
	}
	t.mu.Unlock()
	if d != nil && len(counts) > 0 {
		d.Publish(event.ObjectCounter{Op: t.op, Counts: counts})
	}
}

func (t *Tally) Skip()                 { t.skipped.Add(1) }
func (t *Tally) AddUnresolved(n int64) { t.unresolved.Add(n) }

// Fail counts one failed feature and the matching metric.
func (t *Tally) Fail(b metrics.Backend) {
	t.failed.Add(1)
	if b != nil {
		b.IncCounter(metrics.FailedTotal, 1, metrics.Labels{"op": t.op})
	}
}

// Report snapshots the tally. The interrupt state is taken from d.
func (t *Tally) Report(started time.Time, d *event.Dispatcher) *Report {
	t.mu.Lock()
	counts := make(map[string]int64, len(t.counts))
	for k, v := range t.counts {
		counts[k] = v
	}
	t.mu.Unlock()

	r := &Report{
		Op:         t.op,
		Counts:     counts,
		Features:   t.features.Load(),
		Skipped:    t.skipped.Load(),
		Failed:     t.failed.Load(),
		Unresolved: t.unresolved.Load(),
		Duration:   DurMS(started),
	}
	if in, ok := d.FirstInterrupt(); ok {
		r.Interrupted = true
		r.Rollback = in.Rollback
		r.Cause = in.Error()
	}
	return r
}

// IsInterrupt reports whether err stems from an event.Interrupt.
func IsInterrupt(err error) bool {
	var in event.Interrupt
	return errors.As(err, &in)
}

// CountTypes counts the objects of the tree rooted at f per type.
func CountTypes(f *feature.Feature) map[string]int64 {
	out := make(map[string]int64)
	f.Walk(func(c *feature.Feature, _ int) bool {
		out[c.Type]++
		return true
	})
	return out
}
