// Package filter evaluates feature selection predicates.
//
// A Predicate is a tagged union: Op selects which fields are meaningful.
// Leaf ops carry their operands directly, And/Or/Not carry Children. There is
// a single evaluator (Eval) and a single translation to database queries
// (ToQuery); the serialized form lives in internal/config.
package filter

import (
	"fmt"

	"citydb/internal/feature"
)

type Op int

const (
	OpAll Op = iota
	OpFeatureType
	OpResourceID
	OpBBox
	OpAnd
	OpOr
	OpNot
)

func (o Op) String() string {
	switch o {
	case OpAll:
		return "all"
	case OpFeatureType:
		return "feature_type"
	case OpResourceID:
		return "resource_id"
	case OpBBox:
		return "bbox"
	case OpAnd:
		return "and"
	case OpOr:
		return "or"
	case OpNot:
		return "not"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

type Predicate struct {
	Op       Op
	Types    []string
	IDs      []string
	Box      feature.Envelope
	Children []Predicate

	ids   map[string]struct{}
	types map[string]struct{}
}

func All() Predicate { return Predicate{Op: OpAll} }

func FeatureType(types ...string) Predicate {
	p := Predicate{Op: OpFeatureType, Types: types, types: make(map[string]struct{}, len(types))}
	for _, t := range types {
		p.types[t] = struct{}{}
	}
	return p
}

func ResourceID(ids ...string) Predicate {
	p := Predicate{Op: OpResourceID, IDs: ids, ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		p.ids[id] = struct{}{}
	}
	return p
}

func BBox(box feature.Envelope) Predicate { return Predicate{Op: OpBBox, Box: box} }

func And(ps ...Predicate) Predicate { return Predicate{Op: OpAnd, Children: ps} }

func Or(ps ...Predicate) Predicate { return Predicate{Op: OpOr, Children: ps} }

func Not(p Predicate) Predicate { return Predicate{Op: OpNot, Children: []Predicate{p}} }

// IsAll reports whether p accepts everything without looking at candidates.
func (p Predicate) IsAll() bool { return p.Op == OpAll }

// Candidate is what a predicate sees of a feature. Envelope may be nil when
// the reader cannot compute one cheaply; BBox predicates reject such candidates.
type Candidate struct {
	ID       string
	Type     string
	Envelope *feature.Envelope
}

// CandidateOf builds a Candidate from a top-level feature, computing its
// envelope from geometry if none was declared.
func CandidateOf(f *feature.Feature) Candidate {
	c := Candidate{ID: f.ID, Type: f.Type, Envelope: f.Envelope}
	if c.Envelope == nil {
		env := f.ComputeEnvelope()
		if !env.IsEmpty() {
			c.Envelope = &env
		}
	}
	return c
}

// Eval evaluates p against c.
func Eval(p Predicate, c Candidate) bool {
	switch p.Op {
	case OpAll:
		return true
	case OpFeatureType:
		if p.types == nil {
			return contains(p.Types, c.Type)
		}
		_, ok := p.types[c.Type]
		return ok
	case OpResourceID:
		if p.ids == nil {
			return contains(p.IDs, c.ID)
		}
		_, ok := p.ids[c.ID]
		return ok
	case OpBBox:
		return c.Envelope != nil && p.Box.Overlaps(*c.Envelope)
	case OpAnd:
		for _, ch := range p.Children {
			if !Eval(ch, c) {
				return false
			}
		}
		return true
	case OpOr:
		for _, ch := range p.Children {
			if Eval(ch, c) {
				return true
			}
		}
		return false
	case OpNot:
		return len(p.Children) == 1 && !Eval(p.Children[0], c)
	default:
		return false
	}
}

// NeedsEnvelope reports whether evaluating p may look at the envelope.
func (p Predicate) NeedsEnvelope() bool {
	if p.Op == OpBBox {
		return true
	}
	for _, ch := range p.Children {
		if ch.NeedsEnvelope() {
			return true
		}
	}
	return false
}

// EnvelopeFromSlice accepts [minx miny maxx maxy] or [minx miny minz maxx maxy maxz].
func EnvelopeFromSlice(v []float64) (feature.Envelope, error) {
	var e feature.Envelope
	switch len(v) {
	case 4:
		e = feature.Envelope{MinX: v[0], MinY: v[1], MaxX: v[2], MaxY: v[3]}
	case 6:
		e = feature.Envelope{MinX: v[0], MinY: v[1], MinZ: v[2], MaxX: v[3], MaxY: v[4], MaxZ: v[5]}
	default:
		return e, fmt.Errorf("bbox needs 4 or 6 values, got %d", len(v))
	}
	if e.MinX > e.MaxX || e.MinY > e.MaxY {
		return e, fmt.Errorf("bbox min corner exceeds max corner")
	}
	return e, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Counter is a skip/limit window over the ordered input. Count 0 means no limit.
type Counter struct {
	Start int64
	Count int64
}

// Accept reports whether the n-th matching item (0-based) is inside the
// window, and whether any later item can still be.
func (c Counter) Accept(n int64) (ok, more bool) {
	if n < c.Start {
		return false, true
	}
	if c.Count > 0 && n >= c.Start+c.Count {
		return false, false
	}
	return true, true
}
