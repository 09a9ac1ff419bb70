// Package citygml streams top-level features out of CityGML 1.0/2.0
// documents. Only what the pipelines need is decoded: identifiers, xlinks,
// envelopes, LOD geometries, nested features and simple or generic
// attributes. Everything else is skipped.
package citygml

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"

	"citydb/internal/feature"
)

const Format = "citygml"

func init() {
	feature.RegisterReader(Format, []string{".gml", ".xml", ".citygml"}, newReader)
}

type Reader struct {
	dec *xml.Decoder

	// inMembers is set while inside gml:featureMembers.
	inMembers bool
}

func newReader(r io.Reader, opts feature.ReaderOptions) (feature.Reader, error) {
	return NewReader(r, opts.Encoding)
}

// NewReader wraps r. A non-empty encoding (IANA name) overrides the charset
// declared in the XML prolog.
func NewReader(r io.Reader, encoding string) (*Reader, error) {
	var dec *xml.Decoder
	if encoding != "" {
		enc, err := ianaindex.IANA.Encoding(encoding)
		if err != nil || enc == nil {
			return nil, fmt.Errorf("citygml: unsupported encoding %q", encoding)
		}
		dec = xml.NewDecoder(transform.NewReader(r, enc.NewDecoder()))
		dec.CharsetReader = func(_ string, in io.Reader) (io.Reader, error) { return in, nil }
	} else {
		dec = xml.NewDecoder(r)
		dec.CharsetReader = charsetReader
	}
	return &Reader{dec: dec}, nil
}

func charsetReader(label string, in io.Reader) (io.Reader, error) {
	enc, err := ianaindex.IANA.Encoding(label)
	if err != nil || enc == nil {
		return nil, fmt.Errorf("citygml: unsupported charset %q", label)
	}
	return transform.NewReader(in, enc.NewDecoder()), nil
}

func (r *Reader) Close() error { return nil }

// Next returns the next top-level feature, io.EOF at the end of the document.
func (r *Reader) Next(ctx context.Context) (*feature.Feature, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tok, err := r.dec.Token()
		if err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, r.wrap(err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch {
			case r.inMembers:
				return r.parseFeature(t)
			case t.Name.Local == "cityObjectMember" || t.Name.Local == "featureMember":
				if attr(t, isHref) != "" {
					if err := r.dec.Skip(); err != nil {
						return nil, r.wrap(err)
					}
					continue
				}
				start, ok, err := r.nextStart()
				if err != nil {
					return nil, err
				}
				if !ok {
					continue
				}
				f, err := r.parseFeature(start)
				if err != nil {
					return nil, err
				}
				if err := r.dec.Skip(); err != nil {
					return nil, r.wrap(err)
				}
				return f, nil
			case t.Name.Local == "featureMembers":
				r.inMembers = true
			case t.Name.Local == "appearanceMember" || t.Name.Local == "boundedBy":
				if err := r.dec.Skip(); err != nil {
					return nil, r.wrap(err)
				}
			}
		case xml.EndElement:
			if t.Name.Local == "featureMembers" {
				r.inMembers = false
			}
		}
	}
}

func (r *Reader) wrap(err error) error {
	return fmt.Errorf("citygml: offset %d: %w", r.dec.InputOffset(), err)
}

// nextStart returns the next child start element of the current element, or
// false when the element ends first.
func (r *Reader) nextStart() (xml.StartElement, bool, error) {
	for {
		tok, err := r.dec.Token()
		if err != nil {
			return xml.StartElement{}, false, r.wrap(err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			return t, true, nil
		case xml.EndElement:
			return xml.StartElement{}, false, nil
		}
	}
}

func (r *Reader) parseFeature(start xml.StartElement) (*feature.Feature, error) {
	f := &feature.Feature{ID: attr(start, isGMLID), Type: start.Name.Local}
	for {
		tok, err := r.dec.Token()
		if err != nil {
			return nil, r.wrap(err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if err := r.parseProperty(f, t); err != nil {
				return nil, err
			}
		case xml.EndElement:
			return f, nil
		}
	}
}

func (r *Reader) parseProperty(f *feature.Feature, prop xml.StartElement) error {
	local := prop.Name.Local
	href := attr(prop, isHref)

	switch {
	case local == "boundedBy" && isGML(prop.Name.Space):
		env, err := r.parseEnvelope(prop)
		if err != nil {
			return err
		}
		if env != nil {
			f.Envelope = env
		}
		return nil

	case isGenericAttribute(local):
		return r.parseGenericAttribute(f, prop)

	case !isGML(prop.Name.Space) && lodOf(local) >= 0:
		lod := lodOf(local)
		if href != "" {
			f.Geometries = append(f.Geometries, feature.Geometry{LOD: lod, Kind: kindFromProperty(local), Href: href})
			return r.dec.Skip()
		}
		child, ok, err := r.nextStart()
		if err != nil || !ok {
			return err
		}
		g, ok, err := r.parseGeometry(child)
		if err != nil {
			return err
		}
		if ok {
			g.LOD = lod
			f.Geometries = append(f.Geometries, g)
		}
		return r.dec.Skip()

	case href != "":
		f.Refs = append(f.Refs, feature.Ref{Role: local, Href: href})
		return r.dec.Skip()
	}

	var text strings.Builder
	for {
		tok, err := r.dec.Token()
		if err != nil {
			return r.wrap(err)
		}
		switch t := tok.(type) {
		case xml.CharData:
			text.Write(t)
		case xml.StartElement:
			if feature.IsKnownType(t.Name.Local) {
				child, err := r.parseFeature(t)
				if err != nil {
					return err
				}
				f.Children = append(f.Children, child)
				continue
			}
			if err := r.dec.Skip(); err != nil {
				return r.wrap(err)
			}
			text.Reset()
		case xml.EndElement:
			if s := strings.TrimSpace(text.String()); s != "" {
				setAttribute(f, local, s)
			}
			return nil
		}
	}
}

func setAttribute(f *feature.Feature, name string, v any) {
	if f.Attributes == nil {
		f.Attributes = make(map[string]any)
	}
	switch cur := f.Attributes[name].(type) {
	case nil:
		f.Attributes[name] = v
	case []any:
		f.Attributes[name] = append(cur, v)
	default:
		f.Attributes[name] = []any{cur, v}
	}
}

func isGenericAttribute(local string) bool {
	switch local {
	case "stringAttribute", "intAttribute", "doubleAttribute", "dateAttribute", "uriAttribute", "measureAttribute":
		return true
	}
	return false
}

func (r *Reader) parseGenericAttribute(f *feature.Feature, start xml.StartElement) error {
	name := attr(start, func(n xml.Name) bool { return n.Local == "name" })
	var val struct {
		Value string `xml:"value"`
	}
	if err := r.dec.DecodeElement(&val, &start); err != nil {
		return r.wrap(err)
	}
	if name == "" {
		return nil
	}
	s := strings.TrimSpace(val.Value)
	var v any = s
	switch start.Name.Local {
	case "intAttribute":
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			v = n
		}
	case "doubleAttribute", "measureAttribute":
		if x, err := strconv.ParseFloat(s, 64); err == nil {
			v = x
		}
	}
	setAttribute(f, name, v)
	return nil
}

// parseEnvelope reads a gml:boundedBy property. Nil means no usable envelope.
func (r *Reader) parseEnvelope(start xml.StartElement) (*feature.Envelope, error) {
	var bb struct {
		Envelope struct {
			Lower string `xml:"lowerCorner"`
			Upper string `xml:"upperCorner"`
		} `xml:"Envelope"`
	}
	if err := r.dec.DecodeElement(&bb, &start); err != nil {
		return nil, r.wrap(err)
	}
	lo, err1 := parseFloats(bb.Envelope.Lower)
	hi, err2 := parseFloats(bb.Envelope.Upper)
	if err1 != nil || err2 != nil || len(lo) < 2 || len(lo) != len(hi) {
		return nil, nil
	}
	env := feature.EmptyEnvelope()
	env.Extend(lo[0], lo[1], at(lo, 2))
	env.Extend(hi[0], hi[1], at(hi, 2))
	return &env, nil
}

func at(v []float64, i int) float64 {
	if i < len(v) {
		return v[i]
	}
	return 0
}

func parseFloats(s string) ([]float64, error) {
	fields := strings.Fields(s)
	out := make([]float64, 0, len(fields))
	for _, fs := range fields {
		x, err := strconv.ParseFloat(fs, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, x)
	}
	return out, nil
}

// lodOf returns N for lodN* property names, -1 otherwise.
func lodOf(local string) int {
	if len(local) < 5 || !strings.HasPrefix(local, "lod") {
		return -1
	}
	c := local[3]
	if c < '0' || c > '4' {
		return -1
	}
	return int(c - '0')
}

// kindFromProperty derives a geometry kind from names such as lod2Solid or
// lod1MultiSurface.
func kindFromProperty(local string) string {
	switch s := local[4:]; {
	case strings.HasSuffix(s, "Solid"):
		return "Solid"
	case strings.HasSuffix(s, "MultiCurve"), strings.HasSuffix(s, "TerrainIntersection"):
		return "MultiLineString"
	case strings.HasSuffix(s, "MultiPoint"):
		return "MultiPoint"
	default:
		return "MultiSurface"
	}
}

func attr(se xml.StartElement, match func(xml.Name) bool) string {
	for _, a := range se.Attr {
		if match(a.Name) {
			return strings.TrimSpace(a.Value)
		}
	}
	return ""
}

func isGML(space string) bool { return strings.Contains(space, "opengis.net/gml") }

func isGMLID(n xml.Name) bool { return n.Local == "id" && isGML(n.Space) }

func isHref(n xml.Name) bool { return n.Local == "href" && strings.Contains(n.Space, "xlink") }
