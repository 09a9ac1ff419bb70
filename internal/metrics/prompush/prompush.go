// Package prompush implements a Prometheus Pushgateway backend for the
// internal/metrics package. Batch jobs have no scrape endpoint, so samples
// are kept in a private registry and pushed on Flush and on Close.
package prompush

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"citydb/internal/metrics"
)

type Options struct {
	// URL of the Pushgateway, e.g. "http://pushgateway:9091". Required.
	URL string
	// JobName is the grouping job label. Defaults to "citydb".
	JobName string
	// Grouping adds grouping labels (e.g. instance).
	Grouping map[string]string
	// FlushEvery pushes periodically when > 0.
	FlushEvery time.Duration

	// pusher is a test seam replacing the HTTP push.
	pusher func(ctx context.Context, g prometheus.Gatherer) error
}

// Backend implements metrics.Backend on a prometheus registry.
type Backend struct {
	reg *prometheus.Registry

	counters map[string]*prometheus.CounterVec
	hists    map[string]*prometheus.HistogramVec
	labels   map[string][]string

	push func(ctx context.Context, g prometheus.Gatherer) error

	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

var counterDefs = []struct {
	name, help string
	labels     []string
}{
	{metrics.ObjectsTotal, "City objects processed.", []string{"op", "type"}},
	{metrics.StepTotal, "Pipeline steps finished.", []string{"step", "status"}},
	{metrics.FailedTotal, "City objects that failed.", []string{"op"}},
	{metrics.CacheDrainsTotal, "Identifier cache drains.", []string{"cache", "status"}},
	{metrics.InterruptsTotal, "Interrupts published.", []string{"rollback"}},
}

var histDefs = []struct {
	name, help string
	labels     []string
}{
	{metrics.StepDuration, "Pipeline step duration in seconds.", []string{"step", "status"}},
	{metrics.CacheDrainDuration, "Identifier cache drain duration in seconds.", []string{"cache", "status"}},
}

// NewBackend registers the citydb metric families and, with FlushEvery set,
// starts a periodic push loop.
func NewBackend(opts Options) (*Backend, error) {
	if opts.URL == "" && opts.pusher == nil {
		return nil, fmt.Errorf("prompush: pushgateway url is required")
	}
	job := opts.JobName
	if job == "" {
		job = "citydb"
	}

	b := &Backend{
		reg:      prometheus.NewRegistry(),
		counters: make(map[string]*prometheus.CounterVec),
		hists:    make(map[string]*prometheus.HistogramVec),
		labels:   make(map[string][]string),
		push:     opts.pusher,
	}
	for _, d := range counterDefs {
		v := prometheus.NewCounterVec(prometheus.CounterOpts{Name: d.name, Help: d.help}, d.labels)
		b.reg.MustRegister(v)
		b.counters[d.name] = v
		b.labels[d.name] = d.labels
	}
	for _, d := range histDefs {
		v := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: d.name, Help: d.help, Buckets: prometheus.ExponentialBuckets(0.001, 4, 10)}, d.labels)
		b.reg.MustRegister(v)
		b.hists[d.name] = v
		b.labels[d.name] = d.labels
	}

	if b.push == nil {
		p := push.New(opts.URL, job)
		for k, v := range opts.Grouping {
			p = p.Grouping(k, v)
		}
		b.push = func(ctx context.Context, g prometheus.Gatherer) error {
			return p.Gatherer(g).PushContext(ctx)
		}
	}

	if opts.FlushEvery > 0 {
		b.stopCh = make(chan struct{})
		b.doneCh = make(chan struct{})
		go b.loop(opts.FlushEvery)
	}
	return b, nil
}

// values orders labels as the family declares them; missing ones are
// "unknown".
func (b *Backend) values(name string, l metrics.Labels) []string {
	names := b.labels[name]
	out := make([]string, len(names))
	for i, n := range names {
		v := l[n]
		if v == "" {
			v = "unknown"
		}
		out[i] = v
	}
	return out
}

// IncCounter implements metrics.Backend. Unknown names are ignored.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	v, ok := b.counters[name]
	if !ok || delta <= 0 {
		return
	}
	v.WithLabelValues(b.values(name, labels)...).Add(delta)
}

// ObserveHistogram implements metrics.Backend. Unknown names are ignored.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	v, ok := b.hists[name]
	if !ok || value < 0 {
		return
	}
	v.WithLabelValues(b.values(name, labels)...).Observe(value)
}

// Flush pushes the current state of every family. Pushes replace the
// previous group, so counters are cumulative for the run.
func (b *Backend) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := b.push(ctx, b.reg); err != nil {
		return fmt.Errorf("prompush: %w", err)
	}
	return nil
}

func (b *Backend) loop(every time.Duration) {
	defer close(b.doneCh)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stopCh:
			return
		}
	}
}

// Close stops the push loop and pushes one final time.
func (b *Backend) Close() error {
	if b.stopCh != nil {
		b.once.Do(func() {
			close(b.stopCh)
			<-b.doneCh
		})
	}
	return b.Flush()
}

// Gatherer exposes the registry (tests, local dumps).
func (b *Backend) Gatherer() prometheus.Gatherer { return b.reg }

var _ metrics.Backend = (*Backend)(nil)
