package cityjson

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"citydb/internal/feature"
)

// groupType features list their members as children; members stay top-level.
const groupType = "CityObjectGroup"

// DocumentReader reads a complete CityJSON document. The document is decoded
// up front because vertices may follow the CityObjects.
type DocumentReader struct {
	pending []*feature.Feature
}

func newDocumentReader(r io.Reader, _ feature.ReaderOptions) (feature.Reader, error) {
	return NewDocumentReader(r)
}

func NewDocumentReader(r io.Reader) (*DocumentReader, error) {
	var doc document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("cityjson: decode document: %w", err)
	}
	if doc.Type != "CityJSON" {
		return nil, fmt.Errorf("cityjson: unexpected document type %q", doc.Type)
	}
	roots, err := buildFeatures(&doc, doc.Transform)
	if err != nil {
		return nil, err
	}
	return &DocumentReader{pending: roots}, nil
}

func (r *DocumentReader) Next(ctx context.Context) (*feature.Feature, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(r.pending) == 0 {
		return nil, io.EOF
	}
	f := r.pending[0]
	r.pending[0] = nil
	r.pending = r.pending[1:]
	return f, nil
}

func (r *DocumentReader) Close() error {
	r.pending = nil
	return nil
}

// SeqReader reads CityJSONSeq: a CityJSON header line followed by one
// CityJSONFeature per line.
type SeqReader struct {
	br      *bufio.Reader
	header  *document
	line    int
	pending []*feature.Feature
}

func newSeqReader(r io.Reader, _ feature.ReaderOptions) (feature.Reader, error) {
	return NewSeqReader(r), nil
}

func NewSeqReader(r io.Reader) *SeqReader {
	return &SeqReader{br: bufio.NewReaderSize(r, 1<<20)}
}

func (r *SeqReader) Next(ctx context.Context) (*feature.Feature, error) {
	for len(r.pending) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line, err := r.readLine()
		if err != nil {
			return nil, err
		}

		var doc document
		if err := json.Unmarshal(line, &doc); err != nil {
			return nil, fmt.Errorf("cityjsonseq: line %d: %w", r.line, err)
		}
		switch doc.Type {
		case "CityJSON":
			if r.header != nil {
				return nil, fmt.Errorf("cityjsonseq: line %d: second header", r.line)
			}
			r.header = &doc
			// A header may carry objects of its own.
			if len(doc.CityObjects.keys) == 0 {
				continue
			}
		case "CityJSONFeature":
			if r.header == nil {
				return nil, fmt.Errorf("cityjsonseq: line %d: feature before CityJSON header", r.line)
			}
		default:
			return nil, fmt.Errorf("cityjsonseq: line %d: unexpected type %q", r.line, doc.Type)
		}

		roots, err := buildFeatures(&doc, r.header.Transform)
		if err != nil {
			return nil, fmt.Errorf("cityjsonseq: line %d: %w", r.line, err)
		}
		r.pending = orderRoots(roots, doc.ID)
	}
	f := r.pending[0]
	r.pending[0] = nil
	r.pending = r.pending[1:]
	return f, nil
}

// readLine returns the next non-blank line.
func (r *SeqReader) readLine() ([]byte, error) {
	for {
		line, err := r.br.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			return nil, err
		}
		r.line++
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			return line, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func (r *SeqReader) Close() error {
	r.pending = nil
	return nil
}

// orderRoots moves the declared feature root to the front.
func orderRoots(roots []*feature.Feature, id string) []*feature.Feature {
	for i, f := range roots {
		if f.ID == id && i > 0 {
			roots[0], roots[i] = roots[i], roots[0]
			break
		}
	}
	return roots
}

// buildFeatures turns a CityObjects set into feature trees. Objects without
// parents in the set, or whose parents are all groups, are roots.
func buildFeatures(doc *document, tr *transform) ([]*feature.Feature, error) {
	objs := doc.CityObjects.objs
	isRoot := func(o *cityObject) bool {
		for _, p := range o.Parents {
			if po, ok := objs[p]; ok && po.Type != groupType {
				return false
			}
		}
		return true
	}

	visited := make(map[string]bool, len(objs))
	var build func(id string, o *cityObject) (*feature.Feature, error)
	build = func(id string, o *cityObject) (*feature.Feature, error) {
		visited[id] = true
		f := &feature.Feature{ID: id, Type: o.Type, Attributes: o.Attributes}
		if len(o.GeographicalExtent) == 6 {
			e := o.GeographicalExtent
			f.Envelope = &feature.Envelope{MinX: e[0], MinY: e[1], MinZ: e[2], MaxX: e[3], MaxY: e[4], MaxZ: e[5]}
		}
		for i, g := range o.Geometry {
			if g.Type == "GeometryInstance" || len(g.Boundaries) == 0 {
				continue
			}
			lod, err := g.LOD.Int()
			if err != nil {
				return nil, fmt.Errorf("object %q geometry %d: %w", id, i, err)
			}
			b, err := inlineVertices(g.Boundaries, doc.Vertices, tr)
			if err != nil {
				return nil, fmt.Errorf("object %q geometry %d: %w", id, i, err)
			}
			f.Geometries = append(f.Geometries, feature.Geometry{LOD: lod, Kind: g.Type, Boundaries: b})
		}
		for i, cid := range o.Children {
			if o.Type == groupType {
				role := "groupMember"
				if i < len(o.ChildrenRoles) && o.ChildrenRoles[i] != "" {
					role = o.ChildrenRoles[i]
				}
				f.Refs = append(f.Refs, feature.Ref{Role: role, Href: cid})
				continue
			}
			co, ok := objs[cid]
			if !ok || visited[cid] {
				continue
			}
			child, err := build(cid, co)
			if err != nil {
				return nil, err
			}
			f.Children = append(f.Children, child)
		}
		return f, nil
	}

	var roots []*feature.Feature
	for _, id := range doc.CityObjects.keys {
		o := objs[id]
		if visited[id] || !isRoot(o) {
			continue
		}
		f, err := build(id, o)
		if err != nil {
			return nil, err
		}
		roots = append(roots, f)
	}
	return roots, nil
}

// inlineVertices replaces vertex indices in boundaries by transformed
// [x,y,z] coordinates.
func inlineVertices(raw json.RawMessage, vertices [][3]float64, tr *transform) (json.RawMessage, error) {
	var nested any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&nested); err != nil {
		return nil, fmt.Errorf("boundaries: %w", err)
	}
	out, err := resolve(nested, vertices, tr)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

func resolve(v any, vertices [][3]float64, tr *transform) (any, error) {
	switch t := v.(type) {
	case json.Number:
		i, err := t.Int64()
		if err != nil || i < 0 || int(i) >= len(vertices) {
			return nil, fmt.Errorf("boundaries: vertex index %s out of range (%d vertices)", t, len(vertices))
		}
		p := tr.apply(vertices[i])
		return p[:], nil
	case []any:
		out := make([]any, len(t))
		for i, c := range t {
			r, err := resolve(c, vertices, tr)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return nil, fmt.Errorf("boundaries: unexpected %T", v)
	}
}
