// Package cityjson reads and writes CityJSON 2.0 documents and CityJSONSeq
// (CityJSON Text Sequences) streams.
package cityjson

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"citydb/internal/feature"
)

const (
	FormatCityJSON    = "cityjson"
	FormatCityJSONSeq = "cityjsonseq"

	Version = "2.0"
)

func init() {
	feature.RegisterReader(FormatCityJSON, []string{".json", ".city.json"}, newDocumentReader)
	feature.RegisterReader(FormatCityJSONSeq, []string{".jsonl", ".city.jsonl"}, newSeqReader)
	feature.RegisterWriter(FormatCityJSON, newDocumentWriter)
	feature.RegisterWriter(FormatCityJSONSeq, newSeqWriter)
}

type transform struct {
	Scale     [3]float64 `json:"scale"`
	Translate [3]float64 `json:"translate"`
}

func (t *transform) apply(v [3]float64) [3]float64 {
	if t == nil {
		return v
	}
	return [3]float64{
		v[0]*t.Scale[0] + t.Translate[0],
		v[1]*t.Scale[1] + t.Translate[1],
		v[2]*t.Scale[2] + t.Translate[2],
	}
}

type cityObject struct {
	Type               string         `json:"type"`
	Attributes         map[string]any `json:"attributes,omitempty"`
	GeographicalExtent []float64      `json:"geographicalExtent,omitempty"`
	Geometry           []geometry     `json:"geometry,omitempty"`
	Children           []string       `json:"children,omitempty"`
	ChildrenRoles      []string       `json:"children_roles,omitempty"`
	Parents            []string       `json:"parents,omitempty"`
}

type geometry struct {
	Type       string          `json:"type"`
	LOD        lodValue        `json:"lod"`
	Boundaries json.RawMessage `json:"boundaries,omitempty"`
	Semantics  json.RawMessage `json:"semantics,omitempty"`
}

// lodValue accepts "2", "2.2" and 2; the integer part is the LOD.
type lodValue string

func (l *lodValue) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*l = lodValue(s)
		return nil
	}
	*l = lodValue(string(b))
	return nil
}

func (l lodValue) Int() (int, error) {
	s := string(l)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > 4 {
		return 0, fmt.Errorf("invalid lod %q", string(l))
	}
	return n, nil
}

// objectSet keeps CityObjects in document order.
type objectSet struct {
	keys []string
	objs map[string]*cityObject
}

func (s *objectSet) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok != json.Delim('{') {
		return fmt.Errorf("CityObjects: expected object")
	}
	s.objs = make(map[string]*cityObject)
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return err
		}
		id, _ := kt.(string)
		var o cityObject
		if err := dec.Decode(&o); err != nil {
			return fmt.Errorf("CityObject %q: %w", id, err)
		}
		if _, dup := s.objs[id]; !dup {
			s.keys = append(s.keys, id)
		}
		s.objs[id] = &o
	}
	_, err = dec.Token()
	return err
}

// document is the subset of a CityJSON object or CityJSONFeature the codecs
// understand.
type document struct {
	Type        string       `json:"type"`
	Version     string       `json:"version,omitempty"`
	ID          string       `json:"id,omitempty"`
	Transform   *transform   `json:"transform,omitempty"`
	CityObjects objectSet    `json:"CityObjects"`
	Vertices    [][3]float64 `json:"vertices"`
}
