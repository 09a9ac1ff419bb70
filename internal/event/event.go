// Package event is the publish/subscribe bus that connects pipeline stages
// without making them depend on each other. Interrupts are latched: once one
// has been published, Interrupted reports true and Done is closed for the
// rest of the run, so components that subscribe late still observe it.
package event

import (
	"fmt"
	"time"
)

type Type int

const (
	TypeInterrupt Type = iota + 1
	TypeObjectCounter
	TypeProgress
	TypeStatus
	TypeCacheDrain
)

func (t Type) String() string {
	switch t {
	case TypeInterrupt:
		return "interrupt"
	case TypeObjectCounter:
		return "object_counter"
	case TypeProgress:
		return "progress"
	case TypeStatus:
		return "status"
	case TypeCacheDrain:
		return "cache_drain"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

type Event interface {
	Type() Type
}

// Interrupt asks every stage to stop. Rollback tells the driver to discard
// in-flight transactional state instead of committing it.
type Interrupt struct {
	Cause    error
	Message  string
	Rollback bool
}

func (Interrupt) Type() Type { return TypeInterrupt }

func (i Interrupt) Error() string {
	switch {
	case i.Cause != nil && i.Message != "":
		return i.Message + ": " + i.Cause.Error()
	case i.Cause != nil:
		return i.Cause.Error()
	case i.Message != "":
		return i.Message
	default:
		return "interrupted"
	}
}

func (i Interrupt) Unwrap() error { return i.Cause }

// ObjectCounter reports per-type object counts for an operation
// ("import", "export", "delete", "validate").
type ObjectCounter struct {
	Op     string
	Counts map[string]int64
}

func (ObjectCounter) Type() Type { return TypeObjectCounter }

// Progress advances a progress bar by Delta. A positive Max (re)sets the
// expected total.
type Progress struct {
	Op    string
	Delta int64
	Max   int64
}

func (Progress) Type() Type { return TypeProgress }

type Status struct {
	Message string
}

func (Status) Type() Type { return TypeStatus }

// CacheDrain is published after every identifier cache drain attempt.
type CacheDrain struct {
	Cache     string
	Persisted int
	Duration  time.Duration
	Err       error
}

func (CacheDrain) Type() Type { return TypeCacheDrain }

type Handler interface {
	HandleEvent(ev Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ev Event)

func (f HandlerFunc) HandleEvent(ev Event) { f(ev) }
