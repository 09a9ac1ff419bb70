// Package metrics is the backend-neutral metrics surface of the pipelines.
//
// Drivers and the Recorder only talk to Backend; the datadog and prompush
// subpackages translate samples into their systems. Backends ignore metric
// names they do not know.
package metrics

import (
	"time"

	"citydb/internal/event"
)

// Labels are metric dimensions.
type Labels map[string]string

// Backend receives metric samples. Implementations must be safe for
// concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

// Metric names.
const (
	// ObjectsTotal counts processed city objects {op, type}.
	ObjectsTotal = "citydb_objects_total"
	// StepTotal counts finished pipeline steps {step, status}.
	StepTotal = "citydb_step_total"
	// StepDuration observes step durations in seconds {step, status}.
	StepDuration = "citydb_step_duration_seconds"
	// CacheDrainsTotal counts identifier cache drains {cache, status}.
	CacheDrainsTotal = "citydb_cache_drains_total"
	// CacheDrainDuration observes drain durations in seconds {cache, status}.
	CacheDrainDuration = "citydb_cache_drain_duration_seconds"
	// FailedTotal counts objects that failed {op}.
	FailedTotal = "citydb_failed_total"
	// InterruptsTotal counts published interrupts {rollback}.
	InterruptsTotal = "citydb_interrupts_total"
)

// Nop discards everything.
type Nop struct{}

func (Nop) IncCounter(string, float64, Labels)       {}
func (Nop) ObserveHistogram(string, float64, Labels) {}
func (Nop) Flush() error                             { return nil }

// Status maps an error to the status label value.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveStep records one finished step.
func ObserveStep(b Backend, step string, started time.Time, err error) {
	l := Labels{"step": step, "status": Status(err)}
	b.IncCounter(StepTotal, 1, l)
	b.ObserveHistogram(StepDuration, time.Since(started).Seconds(), l)
}

// Recorder turns dispatcher events into samples.
type Recorder struct {
	b   Backend
	d   *event.Dispatcher
	sub *event.Subscription
}

// NewRecorder subscribes to object counter, cache drain and interrupt
// events of d. Call Close to unsubscribe.
func NewRecorder(d *event.Dispatcher, b Backend) *Recorder {
	if b == nil {
		b = Nop{}
	}
	r := &Recorder{b: b, d: d}
	r.sub = d.Subscribe(r, event.TypeObjectCounter, event.TypeCacheDrain, event.TypeInterrupt)
	return r
}

func (r *Recorder) HandleEvent(ev event.Event) {
	switch e := ev.(type) {
	case event.ObjectCounter:
		for typ, n := range e.Counts {
			r.b.IncCounter(ObjectsTotal, float64(n), Labels{"op": e.Op, "type": typ})
		}
	case event.CacheDrain:
		l := Labels{"cache": e.Cache, "status": Status(e.Err)}
		r.b.IncCounter(CacheDrainsTotal, 1, l)
		r.b.ObserveHistogram(CacheDrainDuration, e.Duration.Seconds(), l)
	case event.Interrupt:
		rollback := "false"
		if e.Rollback {
			rollback = "true"
		}
		r.b.IncCounter(InterruptsTotal, 1, Labels{"rollback": rollback})
	}
}

// Close unsubscribes the recorder.
func (r *Recorder) Close() { r.d.Unsubscribe(r.sub) }
