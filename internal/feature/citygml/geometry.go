package citygml

import (
	"encoding/json"
	"encoding/xml"
	"strconv"

	"citydb/internal/feature"
)

type point = []float64

type ring = []point

type surface = []ring

// geometryCollector gathers surfaces, curves and points of one geometry
// element in document order. Nested solids of composite or multi solids are
// flattened into one surface set.
type geometryCollector struct {
	surfaces []surface
	lines    [][]point
	points   []point
}

// parseGeometry consumes the element started by start. ok is false when the
// element is not a supported geometry or carries no coordinates.
func (r *Reader) parseGeometry(start xml.StartElement) (g feature.Geometry, ok bool, err error) {
	kind := geometryKind(start.Name.Local)
	if kind == "" {
		return g, false, r.dec.Skip()
	}
	g.ID = attr(start, isGMLID)
	g.Kind = kind

	var c geometryCollector
	if err := r.collect(&c, start.Name.Local); err != nil {
		return g, false, err
	}

	var b any
	switch kind {
	case "Solid":
		if len(c.surfaces) == 0 {
			return g, false, nil
		}
		b = []any{c.surfaces}
	case "MultiLineString":
		if len(c.lines) == 0 {
			return g, false, nil
		}
		b = c.lines
	case "MultiPoint":
		if len(c.points) == 0 {
			return g, false, nil
		}
		b = c.points
	default:
		if len(c.surfaces) == 0 {
			return g, false, nil
		}
		b = c.surfaces
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return g, false, err
	}
	g.Boundaries = raw
	return g, true, nil
}

func geometryKind(local string) string {
	switch local {
	case "Solid":
		return "Solid"
	case "CompositeSolid", "MultiSolid":
		return "CompositeSurface"
	case "MultiSurface", "Polygon", "Surface", "OrientableSurface":
		return "MultiSurface"
	case "CompositeSurface", "Shell":
		return "CompositeSurface"
	case "TriangulatedSurface", "Tin":
		return "CompositeSurface"
	case "MultiCurve", "CompositeCurve", "LineString", "Curve":
		return "MultiLineString"
	case "MultiPoint", "Point":
		return "MultiPoint"
	}
	return ""
}

// collect walks the geometry element (start already consumed) until its end.
func (r *Reader) collect(c *geometryCollector, root string) error {
	if root == "Polygon" || root == "Triangle" || root == "PolygonPatch" {
		s, err := r.parseSurface()
		if err != nil {
			return err
		}
		if len(s) > 0 {
			c.surfaces = append(c.surfaces, s)
		}
		return nil
	}
	if root == "LineString" {
		pts, err := r.parseCoords()
		if err != nil {
			return err
		}
		if len(pts) > 1 {
			c.lines = append(c.lines, pts)
		}
		return nil
	}
	if root == "Point" {
		pts, err := r.parseCoords()
		if err != nil {
			return err
		}
		c.points = append(c.points, pts...)
		return nil
	}

	for {
		tok, err := r.dec.Token()
		if err != nil {
			return r.wrap(err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if err := r.collect(c, t.Name.Local); err != nil {
				return err
			}
		case xml.EndElement:
			return nil
		}
	}
}

// parseSurface reads the rings of a Polygon or Triangle (start consumed).
// The exterior ring comes first.
func (r *Reader) parseSurface() (surface, error) {
	var exterior ring
	var interiors []ring
	for {
		tok, err := r.dec.Token()
		if err != nil {
			return nil, r.wrap(err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			pts, err := r.parseCoords()
			if err != nil {
				return nil, err
			}
			rg := openRing(pts)
			if len(rg) < 3 {
				continue
			}
			if t.Name.Local == "interior" || t.Name.Local == "innerBoundaryIs" {
				interiors = append(interiors, rg)
			} else if exterior == nil {
				exterior = rg
			}
		case xml.EndElement:
			if exterior == nil {
				return nil, nil
			}
			return append(surface{exterior}, interiors...), nil
		}
	}
}

// parseCoords collects every gml:pos and gml:posList below the current
// element (start consumed) until its end.
func (r *Reader) parseCoords() ([]point, error) {
	var pts []point
	for {
		tok, err := r.dec.Token()
		if err != nil {
			return nil, r.wrap(err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "pos", "posList":
				dim := 3
				if d := attr(t, func(n xml.Name) bool { return n.Local == "srsDimension" }); d != "" {
					if n, err := strconv.Atoi(d); err == nil && n >= 2 {
						dim = n
					}
				}
				var text string
				if err := r.dec.DecodeElement(&text, &t); err != nil {
					return nil, r.wrap(err)
				}
				vals, err := parseFloats(text)
				if err != nil {
					return nil, r.wrap(err)
				}
				for i := 0; i+dim <= len(vals); i += dim {
					p := make(point, 3)
					copy(p, vals[i:i+min(dim, 3)])
					pts = append(pts, p)
				}
			default:
				more, err := r.parseCoords()
				if err != nil {
					return nil, err
				}
				pts = append(pts, more...)
			}
		case xml.EndElement:
			return pts, nil
		}
	}
}

// openRing drops the closing point GML repeats at the end of a ring.
func openRing(pts []point) ring {
	if n := len(pts); n > 1 && equalPoint(pts[0], pts[n-1]) {
		return pts[:n-1]
	}
	return pts
}

func equalPoint(a, b point) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
