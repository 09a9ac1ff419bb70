package event

import (
	"sync"
	"sync/atomic"
)

// Logger is the minimal logging interface used by the dispatcher.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// Subscription identifies one registered handler. Pass it to Unsubscribe.
type Subscription struct {
	id    uint64
	h     Handler
	types map[Type]struct{}
}

func (s *Subscription) wants(t Type) bool {
	_, ok := s.types[t]
	return ok
}

// Dispatcher delivers events to subscribed handlers.
//
// Concurrency:
//   - Subscribe/Unsubscribe may run concurrently with dispatch. The handler
//     list is copy-on-write, so an in-flight event is delivered to the set of
//     handlers that existed when its delivery started.
//   - Publish queues the event and returns; a single goroutine delivers queued
//     events in publish order.
//   - Interrupts bypass the queue and are delivered synchronously on the
//     publishing goroutine, after the interrupt flag has been latched.
type Dispatcher struct {
	logger Logger

	subsMu sync.Mutex
	subs   atomic.Pointer[[]*Subscription]
	nextID uint64

	pubMu  sync.RWMutex
	closed bool
	queue  chan Event
	loopWG sync.WaitGroup

	interrupted   atomic.Bool
	interruptOnce sync.Once
	first         Interrupt
	done          chan struct{}
}

// NewDispatcher starts a dispatcher with a queue of queueSize events
// (minimum 1). Call Close when the run ends.
func NewDispatcher(queueSize int, logger Logger) *Dispatcher {
	if queueSize < 1 {
		queueSize = 1
	}
	d := &Dispatcher{
		logger: logger,
		queue:  make(chan Event, queueSize),
		done:   make(chan struct{}),
	}
	empty := []*Subscription{}
	d.subs.Store(&empty)

	d.loopWG.Add(1)
	go d.loop()
	return d
}

// Subscribe registers h for the given event types.
func (d *Dispatcher) Subscribe(h Handler, types ...Type) *Subscription {
	s := &Subscription{h: h, types: make(map[Type]struct{}, len(types))}
	for _, t := range types {
		s.types[t] = struct{}{}
	}

	d.subsMu.Lock()
	defer d.subsMu.Unlock()

	d.nextID++
	s.id = d.nextID
	cur := *d.subs.Load()
	next := make([]*Subscription, 0, len(cur)+1)
	next = append(next, cur...)
	next = append(next, s)
	d.subs.Store(&next)
	return s
}

// Unsubscribe removes s. Unknown or nil subscriptions are ignored.
func (d *Dispatcher) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	d.subsMu.Lock()
	defer d.subsMu.Unlock()

	cur := *d.subs.Load()
	next := make([]*Subscription, 0, len(cur))
	for _, x := range cur {
		if x.id != s.id {
			next = append(next, x)
		}
	}
	d.subs.Store(&next)
}

// Handlers returns the number of registered subscriptions.
func (d *Dispatcher) Handlers() int { return len(*d.subs.Load()) }

// Publish queues ev for asynchronous delivery. Interrupts are delivered
// synchronously. After Close, events are delivered synchronously.
func (d *Dispatcher) Publish(ev Event) {
	if ev.Type() == TypeInterrupt {
		d.PublishSync(ev)
		return
	}

	d.pubMu.RLock()
	if d.closed {
		d.pubMu.RUnlock()
		d.deliver(ev)
		return
	}
	d.queue <- ev
	d.pubMu.RUnlock()
}

// PublishSync delivers ev on the calling goroutine.
func (d *Dispatcher) PublishSync(ev Event) {
	if in, ok := ev.(Interrupt); ok {
		d.latch(in)
	}
	d.deliver(ev)
}

func (d *Dispatcher) latch(in Interrupt) {
	d.interruptOnce.Do(func() {
		d.first = in
		d.interrupted.Store(true)
		close(d.done)
	})
}

// Interrupted reports whether any interrupt has been published.
func (d *Dispatcher) Interrupted() bool { return d.interrupted.Load() }

// Done is closed when the first interrupt is published.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

// FirstInterrupt returns the first published interrupt, if any.
func (d *Dispatcher) FirstInterrupt() (Interrupt, bool) {
	if !d.interrupted.Load() {
		return Interrupt{}, false
	}
	<-d.done
	return d.first, true
}

// Cause returns the first interrupt as an error, or nil.
func (d *Dispatcher) Cause() error {
	if in, ok := d.FirstInterrupt(); ok {
		return in
	}
	return nil
}

type flushMarker struct{ done chan struct{} }

func (flushMarker) Type() Type { return 0 }

// Flush blocks until every event published before the call has been delivered.
func (d *Dispatcher) Flush() {
	d.pubMu.RLock()
	if d.closed {
		d.pubMu.RUnlock()
		return
	}
	m := flushMarker{done: make(chan struct{})}
	d.queue <- m
	d.pubMu.RUnlock()
	<-m.done
}

// Close delivers all queued events and stops the dispatch goroutine.
// It is safe to call more than once.
func (d *Dispatcher) Close() {
	d.pubMu.Lock()
	if d.closed {
		d.pubMu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.pubMu.Unlock()

	d.loopWG.Wait()
}

func (d *Dispatcher) loop() {
	defer d.loopWG.Done()
	for ev := range d.queue {
		if m, ok := ev.(flushMarker); ok {
			close(m.done)
			continue
		}
		d.deliver(ev)
	}
}

func (d *Dispatcher) deliver(ev Event) {
	for _, s := range *d.subs.Load() {
		if !s.wants(ev.Type()) {
			continue
		}
		d.call(s.h, ev)
	}
}

func (d *Dispatcher) call(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil && d.logger != nil {
			d.logger.Printf("stage=event_dispatch type=%s status=handler_panic err=%v", ev.Type(), r)
		}
	}()
	h.HandleEvent(ev)
}
