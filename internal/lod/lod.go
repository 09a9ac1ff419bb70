// Package lod decides which of the five CityGML levels of detail (0 coarsest
// .. 4 finest) are materialized during export.
package lod

import (
	"errors"
	"fmt"
	"strings"
)

// Levels is the number of discrete LODs.
const Levels = 5

// Mode controls how enabled levels combine with the levels a feature
// actually has.
type Mode int

const (
	// ModeOr keeps every enabled level the feature has.
	ModeOr Mode = iota
	// ModeAnd keeps the enabled levels only if the feature has all of them.
	ModeAnd
	// ModeMinimum keeps the lowest enabled level the feature has.
	ModeMinimum
	// ModeMaximum keeps the highest enabled level the feature has.
	ModeMaximum
)

func (m Mode) String() string {
	switch m {
	case ModeOr:
		return "or"
	case ModeAnd:
		return "and"
	case ModeMinimum:
		return "minimum"
	case ModeMaximum:
		return "maximum"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode accepts the config spellings of Mode (case-insensitive).
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "or":
		return ModeOr, nil
	case "and":
		return ModeAnd, nil
	case "minimum", "min":
		return ModeMinimum, nil
	case "maximum", "max":
		return ModeMaximum, nil
	default:
		return ModeOr, fmt.Errorf("lod: unknown mode %q", s)
	}
}

// ErrIterationExhausted is returned by Iterator.Next when no enabled level is
// left in the iterator's range.
var ErrIterationExhausted = errors.New("lod: iteration exhausted")

// Filter is a set of enabled LODs plus the mode and search depth used to
// match it against features. The zero value has every level disabled, mode
// Or and an unbounded search depth. Filter is not safe for concurrent
// mutation; build it once and share it read-only.
type Filter struct {
	enabled     [Levels]bool
	mode        Mode
	searchDepth int
	bounded     bool
}

// NewFilter returns a filter with the given levels enabled. Out-of-range
// levels are ignored, like SetEnabled.
func NewFilter(mode Mode, levels ...int) *Filter {
	f := &Filter{mode: mode}
	for _, l := range levels {
		f.SetEnabled(l, true)
	}
	return f
}

// AllLevels returns a filter with every level enabled.
func AllLevels(mode Mode) *Filter {
	f := &Filter{mode: mode}
	f.SetAll(true)
	return f
}

// SetEnabled sets one level. Indices outside 0..4 are silently ignored.
func (f *Filter) SetEnabled(lod int, enabled bool) {
	if lod < 0 || lod >= Levels {
		return
	}
	f.enabled[lod] = enabled
}

// IsEnabled reports whether lod is enabled. Indices outside 0..4 report false.
func (f *Filter) IsEnabled(lod int) bool {
	if lod < 0 || lod >= Levels {
		return false
	}
	return f.enabled[lod]
}

func (f *Filter) SetAll(enabled bool) {
	for i := range f.enabled {
		f.enabled[i] = enabled
	}
}

func (f *Filter) IsAnyEnabled() bool {
	for _, e := range f.enabled {
		if e {
			return true
		}
	}
	return false
}

func (f *Filter) AreAllEnabled() bool {
	for _, e := range f.enabled {
		if !e {
			return false
		}
	}
	return true
}

func (f *Filter) Mode() Mode     { return f.mode }
func (f *Filter) SetMode(m Mode) { f.mode = m }
func (f *Filter) Enabled() []int { return f.collect(0, Levels-1, false) }

// SetSearchDepth bounds how many levels of the feature hierarchy are searched
// for available LODs. Negative depths panic.
func (f *Filter) SetSearchDepth(depth int) {
	if depth < 0 {
		panic(fmt.Sprintf("lod: negative search depth %d", depth))
	}
	f.searchDepth, f.bounded = depth, true
}

// ClearSearchDepth makes the search depth unbounded again.
func (f *Filter) ClearSearchDepth() { f.searchDepth, f.bounded = 0, false }

// SearchDepth returns the bound and whether one is set.
func (f *Filter) SearchDepth() (int, bool) { return f.searchDepth, f.bounded }

// MaxDepth returns the search depth in the form expected by
// feature.AvailableLODs: -1 when unbounded.
func (f *Filter) MaxDepth() int {
	if !f.bounded {
		return -1
	}
	return f.searchDepth
}

// WithinDepth reports whether depth may still be searched.
func (f *Filter) WithinDepth(depth int) bool {
	return !f.bounded || depth <= f.searchDepth
}

// Iterator walks the enabled levels in [from, to], ascending or, with
// reverse, descending. It panics unless 0 <= from <= to <= 4.
func (f *Filter) Iterator(from, to int, reverse bool) *Iterator {
	if from < 0 || to >= Levels || from > to {
		panic(fmt.Sprintf("lod: invalid iterator range [%d,%d]", from, to))
	}
	it := &Iterator{f: f, from: from, to: to, step: 1}
	if reverse {
		it.step = -1
	}
	it.Reset()
	return it
}

// Lowest returns the lowest enabled level.
func (f *Filter) Lowest() (int, bool) { return first(f.Iterator(0, Levels-1, false)) }

// Highest returns the highest enabled level.
func (f *Filter) Highest() (int, bool) { return first(f.Iterator(0, Levels-1, true)) }

// HighestAtOrBelow returns the highest enabled level <= n that is also
// available. n must be within 0..4.
func (f *Filter) HighestAtOrBelow(n int, available [Levels]bool) (int, bool) {
	return firstAvailable(f.Iterator(0, n, true), available)
}

// LowestAtOrAbove returns the lowest enabled level >= n that is also
// available. n must be within 0..4.
func (f *Filter) LowestAtOrAbove(n int, available [Levels]bool) (int, bool) {
	return firstAvailable(f.Iterator(n, Levels-1, false), available)
}

// Select returns the levels to materialize for a feature with the given
// available levels, in ascending order. An empty result means the feature
// does not satisfy the filter.
func (f *Filter) Select(available [Levels]bool) []int {
	switch f.mode {
	case ModeAnd:
		enabled := f.Enabled()
		if len(enabled) == 0 {
			return nil
		}
		for _, l := range enabled {
			if !available[l] {
				return nil
			}
		}
		return enabled
	case ModeMinimum:
		if l, ok := f.LowestAtOrAbove(0, available); ok {
			return []int{l}
		}
		return nil
	case ModeMaximum:
		if l, ok := f.HighestAtOrBelow(Levels-1, available); ok {
			return []int{l}
		}
		return nil
	default:
		var out []int
		it := f.Iterator(0, Levels-1, false)
		for it.HasNext() {
			l, _ := it.Next()
			if available[l] {
				out = append(out, l)
			}
		}
		return out
	}
}

// Matches reports whether a feature with the given available levels passes.
func (f *Filter) Matches(available [Levels]bool) bool { return len(f.Select(available)) > 0 }

func (f *Filter) collect(from, to int, reverse bool) []int {
	var out []int
	it := f.Iterator(from, to, reverse)
	for it.HasNext() {
		l, _ := it.Next()
		out = append(out, l)
	}
	return out
}

func first(it *Iterator) (int, bool) {
	l, err := it.Next()
	return l, err == nil
}

func firstAvailable(it *Iterator, available [Levels]bool) (int, bool) {
	for it.HasNext() {
		l, _ := it.Next()
		if available[l] {
			return l, true
		}
	}
	return 0, false
}

// Iterator is a forward or reverse cursor over the enabled levels of a
// Filter within a fixed range. It reads the filter live.
type Iterator struct {
	f        *Filter
	from, to int
	step     int

	pos     int
	next    int
	hasPeek bool
}

// HasNext reports whether Next will succeed. The scanned position is cached
// so the following Next does not scan again.
func (it *Iterator) HasNext() bool {
	if it.hasPeek {
		return true
	}
	for p := it.pos + it.step; p >= it.from && p <= it.to; p += it.step {
		if it.f.enabled[p] {
			it.next, it.hasPeek = p, true
			return true
		}
	}
	return false
}

// Next returns the next enabled level or ErrIterationExhausted.
func (it *Iterator) Next() (int, error) {
	if !it.HasNext() {
		return 0, ErrIterationExhausted
	}
	it.pos = it.next
	it.hasPeek = false
	return it.pos, nil
}

// Reset rewinds to just before the start of the range (just after the end
// when iterating in reverse).
func (it *Iterator) Reset() {
	if it.step > 0 {
		it.pos = it.from - 1
	} else {
		it.pos = it.to + 1
	}
	it.hasPeek = false
}
