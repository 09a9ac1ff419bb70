package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"citydb/internal/event"
)

type sample struct {
	name   string
	value  float64
	labels Labels
}

type fakeBackend struct {
	mu       sync.Mutex
	counters []sample
	hists    []sample
}

func (f *fakeBackend) IncCounter(name string, delta float64, labels Labels) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters = append(f.counters, sample{name, delta, labels})
}

func (f *fakeBackend) ObserveHistogram(name string, value float64, labels Labels) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hists = append(f.hists, sample{name, value, labels})
}

func (f *fakeBackend) Flush() error { return nil }

func (f *fakeBackend) counter(name string) []sample {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sample
	for _, s := range f.counters {
		if s.name == name {
			out = append(out, s)
		}
	}
	return out
}

func TestRecorder(t *testing.T) {
	d := event.NewDispatcher(8, nil)
	defer d.Close()
	fb := &fakeBackend{}
	r := NewRecorder(d, fb)

	d.Publish(event.ObjectCounter{Op: "import", Counts: map[string]int64{"Building": 3}})
	d.Publish(event.CacheDrain{Cache: "geometry", Persisted: 10, Duration: 2 * time.Second})
	d.Publish(event.CacheDrain{Cache: "geometry", Err: errors.New("disk full")})
	d.Publish(event.Status{Message: "ignored"})
	d.Flush()

	objs := fb.counter(ObjectsTotal)
	require.Len(t, objs, 1)
	assert.Equal(t, 3.0, objs[0].value)
	assert.Equal(t, Labels{"op": "import", "type": "Building"}, objs[0].labels)

	drains := fb.counter(CacheDrainsTotal)
	require.Len(t, drains, 2)
	assert.Equal(t, "ok", drains[0].labels["status"])
	assert.Equal(t, "error", drains[1].labels["status"])
	require.Len(t, fb.hists, 2)
	assert.Equal(t, 2.0, fb.hists[0].value)

	d.Publish(event.Interrupt{Rollback: true})
	ints := fb.counter(InterruptsTotal)
	require.Len(t, ints, 1)
	assert.Equal(t, "true", ints[0].labels["rollback"])

	r.Close()
	assert.Equal(t, 0, d.Handlers())
}

func TestObserveStep(t *testing.T) {
	fb := &fakeBackend{}
	ObserveStep(fb, "xlinks", time.Now().Add(-time.Second), errors.New("x"))

	steps := fb.counter(StepTotal)
	require.Len(t, steps, 1)
	assert.Equal(t, Labels{"step": "xlinks", "status": "error"}, steps[0].labels)
	require.Len(t, fb.hists, 1)
	assert.GreaterOrEqual(t, fb.hists[0].value, 1.0)
}

func TestNop(t *testing.T) {
	var b Backend = Nop{}
	b.IncCounter(ObjectsTotal, 1, nil)
	b.ObserveHistogram(StepDuration, 1, nil)
	assert.NoError(t, b.Flush())
}
