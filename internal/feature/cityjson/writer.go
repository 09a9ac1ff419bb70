package cityjson

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"

	"citydb/internal/feature"
)

var errWriterClosed = errors.New("cityjson: writer closed")

type geometryOut struct {
	Type       string `json:"type"`
	LOD        string `json:"lod"`
	Boundaries any    `json:"boundaries"`
}

type objectOut struct {
	Type               string         `json:"type"`
	Attributes         map[string]any `json:"attributes,omitempty"`
	GeographicalExtent []float64      `json:"geographicalExtent,omitempty"`
	Geometry           []geometryOut  `json:"geometry,omitempty"`
	Children           []string       `json:"children,omitempty"`
	ChildrenRoles      []string       `json:"children_roles,omitempty"`
	Parents            []string       `json:"parents,omitempty"`
}

// vertexPool quantizes coordinates with the output transform and assigns
// each distinct vertex one index.
type vertexPool struct {
	tr    transform
	index map[[3]int64]int
	list  [][3]int64
}

func newVertexPool(tr transform) *vertexPool {
	return &vertexPool{tr: tr, index: make(map[[3]int64]int)}
}

func (p *vertexPool) add(x, y, z float64) int {
	k := [3]int64{
		int64(math.Round((x - p.tr.Translate[0]) / p.tr.Scale[0])),
		int64(math.Round((y - p.tr.Translate[1]) / p.tr.Scale[1])),
		int64(math.Round((z - p.tr.Translate[2]) / p.tr.Scale[2])),
	}
	if i, ok := p.index[k]; ok {
		return i
	}
	i := len(p.list)
	p.index[k] = i
	p.list = append(p.list, k)
	return i
}

func (p *vertexPool) reset() {
	clear(p.index)
	p.list = p.list[:0]
}

func outputTransform(opts feature.WriterOptions) transform {
	tr := transform{Scale: opts.Scale, Translate: opts.Translate}
	for i := range tr.Scale {
		if tr.Scale[i] == 0 {
			tr.Scale[i] = 0.001
		}
	}
	return tr
}

// encodeTree appends the objects of the tree rooted at f in depth-first
// order. Xlink geometries are skipped; CityJSON has no geometry references.
func encodeTree(f *feature.Feature, parent string, pool *vertexPool, emit func(id string, o *objectOut) error) error {
	o := &objectOut{Type: f.Type, Attributes: f.Attributes}
	if parent != "" {
		o.Parents = []string{parent}
	}
	if f.Envelope != nil && !f.Envelope.IsEmpty() {
		e := f.Envelope
		o.GeographicalExtent = []float64{e.MinX, e.MinY, e.MinZ, e.MaxX, e.MaxY, e.MaxZ}
	}
	for _, g := range f.Geometries {
		if g.IsXlink() || len(g.Boundaries) == 0 {
			continue
		}
		b, err := indexVertices(g.Boundaries, pool)
		if err != nil {
			return fmt.Errorf("feature %q: %w", f.ID, err)
		}
		o.Geometry = append(o.Geometry, geometryOut{Type: g.Kind, LOD: strconv.Itoa(g.LOD), Boundaries: b})
	}
	for _, c := range f.Children {
		o.Children = append(o.Children, c.ID)
	}
	if f.Type == groupType {
		for _, r := range f.Refs {
			o.Children = append(o.Children, r.Href)
			o.ChildrenRoles = append(o.ChildrenRoles, r.Role)
		}
	}
	if err := emit(f.ID, o); err != nil {
		return err
	}
	for _, c := range f.Children {
		if err := encodeTree(c, f.ID, pool, emit); err != nil {
			return err
		}
	}
	return nil
}

func indexVertices(raw json.RawMessage, pool *vertexPool) (any, error) {
	var nested any
	if err := json.Unmarshal(raw, &nested); err != nil {
		return nil, fmt.Errorf("boundaries: %w", err)
	}
	return toIndices(nested, pool)
}

func toIndices(v any, pool *vertexPool) (any, error) {
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("boundaries: unexpected %T", v)
	}
	if x, ok := pointOf(arr); ok {
		return pool.add(x[0], x[1], x[2]), nil
	}
	out := make([]any, len(arr))
	for i, c := range arr {
		r, err := toIndices(c, pool)
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

func pointOf(arr []any) ([3]float64, bool) {
	var p [3]float64
	if len(arr) < 2 || len(arr) > 3 {
		return p, false
	}
	for i, c := range arr {
		f, ok := c.(float64)
		if !ok {
			return p, false
		}
		p[i] = f
	}
	return p, true
}

func writeObjects(buf *bytes.Buffer, first *bool) func(string, *objectOut) error {
	return func(id string, o *objectOut) error {
		if !*first {
			buf.WriteByte(',')
		}
		*first = false
		k, _ := json.Marshal(id)
		buf.Write(k)
		buf.WriteByte(':')
		b, err := json.Marshal(o)
		if err != nil {
			return fmt.Errorf("feature %q: %w", id, err)
		}
		buf.Write(b)
		return nil
	}
}

func writeVertices(buf *bytes.Buffer, list [][3]int64) {
	buf.WriteByte('[')
	for i, v := range list {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('[')
		buf.WriteString(strconv.FormatInt(v[0], 10))
		buf.WriteByte(',')
		buf.WriteString(strconv.FormatInt(v[1], 10))
		buf.WriteByte(',')
		buf.WriteString(strconv.FormatInt(v[2], 10))
		buf.WriteByte(']')
	}
	buf.WriteByte(']')
}

// SeqWriter writes CityJSONSeq: the header on creation, then one
// CityJSONFeature line per Write with feature-local vertices.
type SeqWriter struct {
	w      *bufio.Writer
	pool   *vertexPool
	buf    bytes.Buffer
	closed bool
}

func newSeqWriter(w io.Writer, opts feature.WriterOptions) (feature.Writer, error) {
	return NewSeqWriter(w, opts)
}

func NewSeqWriter(w io.Writer, opts feature.WriterOptions) (*SeqWriter, error) {
	tr := outputTransform(opts)
	sw := &SeqWriter{w: bufio.NewWriterSize(w, 1<<16), pool: newVertexPool(tr)}
	hdr := map[string]any{
		"type":        "CityJSON",
		"version":     Version,
		"transform":   tr,
		"CityObjects": struct{}{},
		"vertices":    []any{},
	}
	b, err := json.Marshal(hdr)
	if err != nil {
		return nil, err
	}
	if _, err := sw.w.Write(append(b, '\n')); err != nil {
		return nil, fmt.Errorf("cityjsonseq: write header: %w", err)
	}
	return sw, nil
}

func (sw *SeqWriter) Write(f *feature.Feature) error {
	if sw.closed {
		return errWriterClosed
	}
	sw.pool.reset()
	sw.buf.Reset()

	id, _ := json.Marshal(f.ID)
	sw.buf.WriteString(`{"type":"CityJSONFeature","id":`)
	sw.buf.Write(id)
	sw.buf.WriteString(`,"CityObjects":{`)
	first := true
	if err := encodeTree(f, "", sw.pool, writeObjects(&sw.buf, &first)); err != nil {
		return err
	}
	sw.buf.WriteString(`},"vertices":`)
	writeVertices(&sw.buf, sw.pool.list)
	sw.buf.WriteString("}\n")

	if _, err := sw.w.Write(sw.buf.Bytes()); err != nil {
		return fmt.Errorf("cityjsonseq: write feature %q: %w", f.ID, err)
	}
	return nil
}

func (sw *SeqWriter) Close() error {
	if sw.closed {
		return nil
	}
	sw.closed = true
	return sw.w.Flush()
}

// DocumentWriter streams CityObjects into one CityJSON document. Vertices
// are shared across the document and written by Close.
type DocumentWriter struct {
	w      *bufio.Writer
	pool   *vertexPool
	buf    bytes.Buffer
	first  bool
	extent feature.Envelope
	closed bool
}

func newDocumentWriter(w io.Writer, opts feature.WriterOptions) (feature.Writer, error) {
	return NewDocumentWriter(w, opts)
}

func NewDocumentWriter(w io.Writer, opts feature.WriterOptions) (*DocumentWriter, error) {
	tr := outputTransform(opts)
	dw := &DocumentWriter{
		w:      bufio.NewWriterSize(w, 1<<16),
		pool:   newVertexPool(tr),
		first:  true,
		extent: feature.EmptyEnvelope(),
	}
	t, err := json.Marshal(tr)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(dw.w, `{"type":"CityJSON","version":%q,"transform":%s,"CityObjects":{`, Version, t)
	return dw, nil
}

func (dw *DocumentWriter) Write(f *feature.Feature) error {
	if dw.closed {
		return errWriterClosed
	}
	dw.buf.Reset()
	if err := encodeTree(f, "", dw.pool, writeObjects(&dw.buf, &dw.first)); err != nil {
		return err
	}
	if f.Envelope != nil {
		dw.extent.Union(*f.Envelope)
	}
	if _, err := dw.w.Write(dw.buf.Bytes()); err != nil {
		return fmt.Errorf("cityjson: write feature %q: %w", f.ID, err)
	}
	return nil
}

func (dw *DocumentWriter) Close() error {
	if dw.closed {
		return nil
	}
	dw.closed = true
	dw.buf.Reset()
	dw.buf.WriteString(`},"vertices":`)
	writeVertices(&dw.buf, dw.pool.list)
	if !dw.extent.IsEmpty() {
		e := dw.extent
		m, _ := json.Marshal(map[string]any{"geographicalExtent": []float64{e.MinX, e.MinY, e.MinZ, e.MaxX, e.MaxY, e.MaxZ}})
		dw.buf.WriteString(`,"metadata":`)
		dw.buf.Write(m)
	}
	dw.buf.WriteString("}\n")
	if _, err := dw.w.Write(dw.buf.Bytes()); err != nil {
		return fmt.Errorf("cityjson: write trailer: %w", err)
	}
	return dw.w.Flush()
}
