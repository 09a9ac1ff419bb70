// Package worker provides the bounded-queue worker pool shared by every
// pipeline stage (transform, write, export, delete).
package worker

import "context"

// Worker processes items taken from a Pool. A Worker is owned by exactly one
// goroutine; the pool serializes Work and Shutdown with a per-worker lock,
// so implementations may keep unsynchronized per-worker state (a connection,
// prepared statements, a batch buffer).
type Worker[T any] interface {
	// Work handles one item. A returned error fails the item only; the
	// worker keeps taking items unless the pool's fatal policy interrupts
	// the run.
	Work(ctx context.Context, item T) error
	// Shutdown releases per-worker resources. It is called exactly once,
	// after the last Work call, whether the worker drained the queue or
	// stopped on interrupt.
	Shutdown() error
}

// Factory creates the worker with the given index. A failing factory costs
// the pool one worker; the pool fails only when no worker can be created.
type Factory[T any] func(ctx context.Context, id int) (Worker[T], error)

// Func adapts a function to Worker. Its Shutdown does nothing.
type Func[T any] func(ctx context.Context, item T) error

func (f Func[T]) Work(ctx context.Context, item T) error { return f(ctx, item) }
func (Func[T]) Shutdown() error                          { return nil }

// FuncFactory returns a factory whose workers all run fn.
func FuncFactory[T any](fn func(ctx context.Context, item T) error) Factory[T] {
	return func(context.Context, int) (Worker[T], error) { return Func[T](fn), nil }
}
