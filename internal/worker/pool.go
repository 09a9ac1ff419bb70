package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"citydb/internal/event"
)

// Logger is the minimal logging interface used by the pool.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

var (
	// ErrPoolClosed is returned by AddWork after Shutdown.
	ErrPoolClosed = errors.New("worker: pool is shut down")
	// ErrNoWorkers is returned when the factory could not create a single
	// worker.
	ErrNoWorkers = errors.New("worker: no worker could be created")
)

// Options configures a Pool. All fields are optional.
type Options[T any] struct {
	// QueueSize bounds the shared queue. Defaults to 2 * size.
	QueueSize int
	// Dispatcher delivers interrupts to the workers and receives the
	// Interrupt published for fatal item errors.
	Dispatcher *event.Dispatcher
	Logger     Logger
	// Fatal reports whether an item error leaves the worker unusable (for
	// example a broken connection). Fatal errors publish an Interrupt with
	// Rollback set. Nil means no error is fatal.
	Fatal func(err error) bool
	// Describe renders an item for log lines, e.g. "Building id=42".
	Describe func(item T) string
	// OnError is called after an item failed, on the worker goroutine.
	OnError func(item T, err error)
	// ProgressOp, when set, publishes Progress{Op: ProgressOp, Delta: 1}
	// after every item.
	ProgressOp string
	// Debug logs one line per item.
	Debug bool
}

// Stats is a point-in-time view of pool counters.
type Stats struct {
	Name      string
	Workers   int
	Processed int64
	Failed    int64
	Queued    int
}

// Pool is a fixed-size set of workers consuming one bounded FIFO queue.
//
// Lifecycle:
//   - Workers are started by Prestart or lazily by AddWork. A lazily started
//     worker receives the item that triggered it as first work, so the first
//     items never wait for a goroutine that is still starting.
//   - Shutdown stops intake; workers drain the queue and exit. Join waits.
//   - An Interrupt stops intake and makes workers exit after their current
//     item; queued items are abandoned.
//
// The context given to New is passed to Work. Interrupts do not cancel it;
// canceling it is the driver's decision.
type Pool[T any] struct {
	name    string
	size    int
	factory Factory[T]
	opts    Options[T]
	logf    func(format string, v ...any)

	runCtx context.Context
	stop   context.Context
	halt   context.CancelCauseFunc

	queue chan T

	// mu guards closed and the close of queue against concurrent sends.
	// Workers are only added to wg while mu is read-held.
	mu     sync.RWMutex
	closed bool
	// finished is closed by Shutdown.
	finished chan struct{}

	spawnMu    sync.Mutex
	capacity   int
	running    int
	nextID     int
	factoryErr error

	wg sync.WaitGroup

	processed atomic.Int64
	failed    atomic.Int64

	errMu        sync.Mutex
	shutdownErrs []error
}

// New returns a pool of up to size workers. No worker is started yet.
func New[T any](ctx context.Context, name string, size int, factory Factory[T], opts Options[T]) (*Pool[T], error) {
	if size <= 0 {
		return nil, fmt.Errorf("worker %s: size must be > 0, got %d", name, size)
	}
	if factory == nil {
		return nil, fmt.Errorf("worker %s: factory is required", name)
	}
	qs := opts.QueueSize
	if qs <= 0 {
		qs = 2 * size
	}

	p := &Pool[T]{
		name:     name,
		size:     size,
		factory:  factory,
		opts:     opts,
		runCtx:   ctx,
		queue:    make(chan T, qs),
		finished: make(chan struct{}),
		capacity: size,
	}
	p.stop, p.halt = context.WithCancelCause(context.Background())
	if opts.Logger != nil {
		p.logf = opts.Logger.Printf
	} else {
		p.logf = log.New(discardWriter{}, "", 0).Printf
	}
	if d := opts.Dispatcher; d != nil && d.Interrupted() {
		p.halt(d.Cause())
	}
	return p, nil
}

// Name returns the pool name used in log lines.
func (p *Pool[T]) Name() string { return p.name }

// Prestart creates all workers up front.
//
// Errors:
//   - ErrNoWorkers (wrapping the first factory error) if none could be created.
func (p *Pool[T]) Prestart(ctx context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	if p.stop.Err() != nil {
		return fmt.Errorf("worker %s: %w", p.name, context.Cause(p.stop))
	}
	for {
		started, err := p.grow(ctx, nil)
		if err != nil {
			return err
		}
		if !started {
			return nil
		}
	}
}

// AddWork enqueues item. It may be called concurrently by several producers
// and before any worker runs. It blocks while the queue is full.
//
// Errors:
//   - ErrPoolClosed after Shutdown.
//   - ErrNoWorkers if no worker could be created.
//   - the Interrupt (as error) once the pool was interrupted.
//   - ctx's cause if ctx ends while waiting for queue space.
func (p *Pool[T]) AddWork(ctx context.Context, item T) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}
	if p.stop.Err() != nil {
		return fmt.Errorf("worker %s: %w", p.name, context.Cause(p.stop))
	}

	started, err := p.grow(ctx, &item)
	if err != nil {
		return err
	}
	if started {
		return nil
	}

	select {
	case p.queue <- item:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-p.stop.Done():
		return fmt.Errorf("worker %s: %w", p.name, context.Cause(p.stop))
	}
}

// Shutdown stops intake. Workers finish the queued items and exit. Safe to
// call more than once.
func (p *Pool[T]) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.queue)
	close(p.finished)
}

// Interrupt makes every worker exit after its current item. Queued items
// are dropped. The first cause wins.
func (p *Pool[T]) Interrupt(cause error) {
	if cause == nil {
		cause = event.Interrupt{Message: "pool interrupted"}
	}
	p.halt(cause)
}

// Interrupted reports whether the pool stopped on an interrupt.
func (p *Pool[T]) Interrupted() bool { return p.stop.Err() != nil }

// Join waits for every worker to exit and returns the joined worker
// Shutdown errors. Join only returns after Shutdown or an interrupt, so it
// may be called before the first AddWork.
func (p *Pool[T]) Join() error {
	select {
	case <-p.finished:
	case <-p.stop.Done():
	}
	// No worker can be added once every AddWork and Prestart that might
	// still grow the pool has released mu.
	p.mu.Lock()
	p.mu.Unlock()
	p.wg.Wait()
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return errors.Join(p.shutdownErrs...)
}

// Close is Shutdown followed by Join.
func (p *Pool[T]) Close() error {
	p.Shutdown()
	return p.Join()
}

func (p *Pool[T]) Stats() Stats {
	p.spawnMu.Lock()
	running := p.running
	p.spawnMu.Unlock()
	return Stats{
		Name:      p.name,
		Workers:   running,
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Queued:    len(p.queue),
	}
}

// grow starts one more worker if the pool is below capacity. A failing
// factory lowers the capacity so it is not retried for every item.
func (p *Pool[T]) grow(ctx context.Context, first *T) (bool, error) {
	p.spawnMu.Lock()
	defer p.spawnMu.Unlock()

	if p.stop.Err() != nil {
		return false, nil
	}

	for p.running < p.capacity {
		id := p.nextID
		p.nextID++

		w, err := p.factory(ctx, id)
		if err == nil && w == nil {
			err = errors.New("factory returned nil worker")
		}
		if err != nil {
			p.capacity--
			if p.factoryErr == nil {
				p.factoryErr = err
			}
			p.logf("stage=worker_start pool=%s worker=%d status=error capacity=%d err=%v", p.name, id, p.capacity, err)
			continue
		}

		p.running++
		p.wg.Add(1)
		go p.run(id, w, first)
		return true, nil
	}

	if p.running == 0 {
		return false, fmt.Errorf("worker %s: %w: %v", p.name, ErrNoWorkers, p.factoryErr)
	}
	return false, nil
}

func (p *Pool[T]) run(id int, w Worker[T], first *T) {
	defer p.wg.Done()

	var sub *event.Subscription
	if d := p.opts.Dispatcher; d != nil {
		sub = d.Subscribe(event.HandlerFunc(func(ev event.Event) {
			if in, ok := ev.(event.Interrupt); ok {
				p.halt(in)
			}
		}), event.TypeInterrupt)
		if d.Interrupted() {
			p.halt(d.Cause())
		}
	}

	var mu sync.Mutex
	defer func() {
		mu.Lock()
		err := w.Shutdown()
		mu.Unlock()
		if err != nil {
			p.errMu.Lock()
			p.shutdownErrs = append(p.shutdownErrs, fmt.Errorf("worker %s/%d: shutdown: %w", p.name, id, err))
			p.errMu.Unlock()
			p.logf("stage=worker_shutdown pool=%s worker=%d status=error err=%v", p.name, id, err)
		}
		if sub != nil {
			p.opts.Dispatcher.Unsubscribe(sub)
		}
	}()

	if first != nil && p.stop.Err() == nil {
		p.process(id, w, &mu, *first)
	}

	for {
		select {
		case <-p.stop.Done():
			return
		case item, ok := <-p.queue:
			if !ok {
				return
			}
			if p.stop.Err() != nil {
				return
			}
			p.process(id, w, &mu, item)
		}
	}
}

func (p *Pool[T]) process(id int, w Worker[T], mu *sync.Mutex, item T) {
	start := time.Now()
	err := p.work(w, mu, item)
	dur := time.Since(start).Truncate(time.Millisecond)

	if d := p.opts.Dispatcher; d != nil && p.opts.ProgressOp != "" {
		d.Publish(event.Progress{Op: p.opts.ProgressOp, Delta: 1})
	}

	if err == nil {
		p.processed.Add(1)
		if p.opts.Debug {
			p.logf("stage=worker_item pool=%s worker=%d status=ok duration=%s item=%s", p.name, id, dur, p.describe(item))
		}
		return
	}

	p.failed.Add(1)
	desc := p.describe(item)
	p.logf("stage=worker_item pool=%s worker=%d status=error duration=%s item=%s err=%v", p.name, id, dur, desc, err)
	if p.opts.OnError != nil {
		p.opts.OnError(item, err)
	}

	if p.opts.Fatal != nil && p.opts.Fatal(err) {
		in := event.Interrupt{Cause: err, Message: fmt.Sprintf("%s: %s", p.name, desc), Rollback: true}
		if d := p.opts.Dispatcher; d != nil {
			d.PublishSync(in)
		}
		p.halt(in)
	}
}

// work runs one item under the worker lock. A panic fails the item.
func (p *Pool[T]) work(w Worker[T], mu *sync.Mutex, item T) (err error) {
	mu.Lock()
	defer mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.Work(p.runCtx, item)
}

func (p *Pool[T]) describe(item T) string {
	if p.opts.Describe != nil {
		return p.opts.Describe(item)
	}
	return fmt.Sprintf("%v", item)
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
