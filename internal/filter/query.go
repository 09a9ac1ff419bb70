package filter

import (
	"citydb/internal/feature"
	"citydb/internal/storage"
)

// ToQuery pushes p and the counter window into a storage.Query.
//
// Only conjunctions of leaf predicates are expressible in SQL. For anything
// else ok is false and the returned query selects all top-level objects; the
// caller must then evaluate p in memory.
func ToQuery(p Predicate, c Counter) (q storage.Query, ok bool) {
	q.Offset = c.Start
	q.Limit = c.Count
	ok = apply(&q, p)
	if !ok {
		return storage.Query{}, false
	}
	return q, true
}

func apply(q *storage.Query, p Predicate) bool {
	switch p.Op {
	case OpAll:
		return true
	case OpFeatureType:
		ids := feature.ClassIDs(p.Types)
		if len(ids) == 0 {
			// Unknown types only: nothing matches. Keep it expressible with
			// an impossible class id instead of widening to all.
			ids = []int32{feature.UnknownClassID}
		}
		if q.ClassIDs != nil {
			q.ClassIDs = intersect(q.ClassIDs, ids)
			if len(q.ClassIDs) == 0 {
				q.ClassIDs = []int32{feature.UnknownClassID}
			}
			return true
		}
		q.ClassIDs = ids
		return true
	case OpResourceID:
		if q.GMLIDs != nil {
			return false
		}
		q.GMLIDs = append([]string(nil), p.IDs...)
		return true
	case OpBBox:
		if q.BBox != nil {
			return false
		}
		box := p.Box
		q.BBox = &box
		return true
	case OpAnd:
		for _, ch := range p.Children {
			if !apply(q, ch) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func intersect(a, b []int32) []int32 {
	set := make(map[int32]struct{}, len(b))
	for _, v := range b {
		set[v] = struct{}{}
	}
	var out []int32
	for _, v := range a {
		if _, ok := set[v]; ok {
			out = append(out, v)
		}
	}
	return out
}
