// Package feature holds the minimal in-memory feature graph that flows through
// the pipelines. It is deliberately not a city model: a Feature only carries
// what import, export and validation need to resolve identifiers, pick LODs
// and write rows.
package feature

import (
	"encoding/json"
	"math"
)

// Feature is one city object. Top-level features own their children; a child
// is never shared between parents.
type Feature struct {
	ID         string
	Type       string
	Attributes map[string]any
	Envelope   *Envelope

	Geometries []Geometry
	Children   []*Feature

	// Refs are xlink references from this feature to other features
	// (e.g. group members). They are resolved after the import pass.
	Refs []Ref
}

// Geometry is a geometry property of a feature at a single LOD.
//
// Exactly one of Boundaries or Href is set: Href marks an xlink to a geometry
// defined elsewhere (possibly in a feature not yet read).
type Geometry struct {
	ID   string
	LOD  int
	Kind string
	Href string

	// Boundaries uses CityJSON nesting with coordinates inlined as [x,y,z]
	// triples instead of vertex indices.
	Boundaries json.RawMessage
}

// IsXlink reports whether g only references another geometry.
func (g Geometry) IsXlink() bool { return g.Href != "" }

// Ref is an xlink from a feature to another feature.
type Ref struct {
	Role string
	Href string
}

// ClassID returns the object class id for f's type.
func (f *Feature) ClassID() int32 { return ClassID(f.Type) }

// Walk visits f and all descendants depth-first, passing the depth (0 for f).
// Returning false from fn skips the children of that feature.
func (f *Feature) Walk(fn func(f *Feature, depth int) bool) {
	f.walk(fn, 0)
}

func (f *Feature) walk(fn func(*Feature, int) bool, depth int) {
	if !fn(f, depth) {
		return
	}
	for _, c := range f.Children {
		c.walk(fn, depth+1)
	}
}

// AvailableLODs reports which LODs carry at least one geometry, looking at
// most maxDepth levels down the hierarchy (maxDepth < 0 means unbounded).
func (f *Feature) AvailableLODs(maxDepth int) [5]bool {
	var out [5]bool
	f.Walk(func(c *Feature, depth int) bool {
		if maxDepth >= 0 && depth > maxDepth {
			return false
		}
		for _, g := range c.Geometries {
			if g.LOD >= 0 && g.LOD < len(out) {
				out[g.LOD] = true
			}
		}
		return true
	})
	return out
}

// Count returns the number of features in the tree rooted at f.
func (f *Feature) Count() int {
	n := 0
	f.Walk(func(*Feature, int) bool { n++; return true })
	return n
}

// Envelope is an axis-aligned bounding box. Z is ignored by overlap tests.
type Envelope struct {
	MinX, MinY, MinZ float64
	MaxX, MaxY, MaxZ float64
}

// EmptyEnvelope returns an envelope that any Extend call will replace.
func EmptyEnvelope() Envelope {
	return Envelope{
		MinX: math.Inf(1), MinY: math.Inf(1), MinZ: math.Inf(1),
		MaxX: math.Inf(-1), MaxY: math.Inf(-1), MaxZ: math.Inf(-1),
	}
}

func (e Envelope) IsEmpty() bool { return e.MinX > e.MaxX || e.MinY > e.MaxY }

// Extend grows e to include the point.
func (e *Envelope) Extend(x, y, z float64) {
	e.MinX, e.MaxX = math.Min(e.MinX, x), math.Max(e.MaxX, x)
	e.MinY, e.MaxY = math.Min(e.MinY, y), math.Max(e.MaxY, y)
	e.MinZ, e.MaxZ = math.Min(e.MinZ, z), math.Max(e.MaxZ, z)
}

// Union grows e to include o.
func (e *Envelope) Union(o Envelope) {
	if o.IsEmpty() {
		return
	}
	e.Extend(o.MinX, o.MinY, o.MinZ)
	e.Extend(o.MaxX, o.MaxY, o.MaxZ)
}

// Overlaps is a 2D intersection test; touching boxes overlap.
func (e Envelope) Overlaps(o Envelope) bool {
	if e.IsEmpty() || o.IsEmpty() {
		return false
	}
	return e.MinX <= o.MaxX && o.MinX <= e.MaxX && e.MinY <= o.MaxY && o.MinY <= e.MaxY
}

// ComputeEnvelope derives the envelope from all inline geometry coordinates of
// the tree rooted at f.
func (f *Feature) ComputeEnvelope() Envelope {
	env := EmptyEnvelope()
	f.Walk(func(c *Feature, _ int) bool {
		for _, g := range c.Geometries {
			if len(g.Boundaries) == 0 {
				continue
			}
			var nested any
			if err := json.Unmarshal(g.Boundaries, &nested); err != nil {
				continue
			}
			extendNested(&env, nested)
		}
		return true
	})
	return env
}

func extendNested(env *Envelope, v any) {
	arr, ok := v.([]any)
	if !ok {
		return
	}
	if len(arr) >= 2 && len(arr) <= 3 {
		if x, ok := arr[0].(float64); ok {
			y, _ := arr[1].(float64)
			z := 0.0
			if len(arr) == 3 {
				z, _ = arr[2].(float64)
			}
			env.Extend(x, y, z)
			return
		}
	}
	for _, c := range arr {
		extendNested(env, c)
	}
}
