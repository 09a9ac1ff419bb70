package citygml

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"

	"citydb/internal/feature"
)

const sample = `<?xml version="1.0" encoding="UTF-8"?>
<core:CityModel xmlns:core="http://www.opengis.net/citygml/2.0"
    xmlns:bldg="http://www.opengis.net/citygml/building/2.0"
    xmlns:gen="http://www.opengis.net/citygml/generics/2.0"
    xmlns:grp="http://www.opengis.net/citygml/cityobjectgroup/2.0"
    xmlns:gml="http://www.opengis.net/gml"
    xmlns:xlink="http://www.w3.org/1999/xlink">
  <gml:boundedBy><gml:Envelope><gml:lowerCorner>0 0 0</gml:lowerCorner><gml:upperCorner>9 9 9</gml:upperCorner></gml:Envelope></gml:boundedBy>
  <core:cityObjectMember>
    <bldg:Building gml:id="B1">
      <gml:name>Town hall</gml:name>
      <gml:boundedBy><gml:Envelope srsDimension="3"><gml:lowerCorner>1 2 0</gml:lowerCorner><gml:upperCorner>3 4 5</gml:upperCorner></gml:Envelope></gml:boundedBy>
      <gen:stringAttribute name="owner"><gen:value>city</gen:value></gen:stringAttribute>
      <gen:intAttribute name="floors"><gen:value>4</gen:value></gen:intAttribute>
      <gen:doubleAttribute name="ratio"><gen:value>0.25</gen:value></gen:doubleAttribute>
      <bldg:function>1000</bldg:function>
      <bldg:function>2000</bldg:function>
      <bldg:measuredHeight uom="m">12.5</bldg:measuredHeight>
      <bldg:lod1Solid>
        <gml:Solid gml:id="B1_solid">
          <gml:exterior><gml:CompositeSurface>
            <gml:surfaceMember><gml:Polygon><gml:exterior><gml:LinearRing>
              <gml:posList srsDimension="3">1 2 0 3 2 0 3 4 0 1 2 0</gml:posList>
            </gml:LinearRing></gml:exterior></gml:Polygon></gml:surfaceMember>
            <gml:surfaceMember xlink:href="#elsewhere"/>
          </gml:CompositeSurface></gml:exterior>
        </gml:Solid>
      </bldg:lod1Solid>
      <bldg:lod2MultiSurface xlink:href="#SHARED_GEOM"/>
      <bldg:boundedBy>
        <bldg:WallSurface gml:id="B1_wall">
          <bldg:lod2MultiSurface><gml:MultiSurface gml:id="B1_wall_ms">
            <gml:surfaceMember><gml:Polygon>
              <gml:exterior><gml:LinearRing>
                <gml:pos>0 0 0</gml:pos><gml:pos>4 0 0</gml:pos><gml:pos>4 0 4</gml:pos><gml:pos>0 0 0</gml:pos>
              </gml:LinearRing></gml:exterior>
              <gml:interior><gml:LinearRing>
                <gml:posList>1 0 1 2 0 1 2 0 2 1 0 1</gml:posList>
              </gml:LinearRing></gml:interior>
            </gml:Polygon></gml:surfaceMember>
          </gml:MultiSurface></bldg:lod2MultiSurface>
        </bldg:WallSurface>
      </bldg:boundedBy>
      <bldg:address><core:Address><core:xalAddress>skip me</core:xalAddress></core:Address></bldg:address>
    </bldg:Building>
  </core:cityObjectMember>
  <core:cityObjectMember xlink:href="#B1"/>
  <app:appearanceMember xmlns:app="http://www.opengis.net/citygml/appearance/2.0"><app:Appearance/></app:appearanceMember>
  <core:cityObjectMember>
    <grp:CityObjectGroup gml:id="G1">
      <grp:groupMember xlink:href="#B1"/>
    </grp:CityObjectGroup>
  </core:cityObjectMember>
</core:CityModel>`

func readAll(t *testing.T, r feature.Reader) []*feature.Feature {
	t.Helper()
	var out []*feature.Feature
	for {
		f, err := r.Next(context.Background())
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, f)
	}
}

func TestReader_Sample(t *testing.T) {
	r, err := NewReader(strings.NewReader(sample), "")
	require.NoError(t, err)
	got := readAll(t, r)
	require.NoError(t, r.Close())
	require.Len(t, got, 2)

	b := got[0]
	assert.Equal(t, "B1", b.ID)
	assert.Equal(t, "Building", b.Type)
	assert.Equal(t, int32(26), b.ClassID())
	require.NotNil(t, b.Envelope)
	assert.Equal(t, feature.Envelope{MinX: 1, MinY: 2, MinZ: 0, MaxX: 3, MaxY: 4, MaxZ: 5}, *b.Envelope)

	assert.Equal(t, "Town hall", b.Attributes["name"])
	assert.Equal(t, "city", b.Attributes["owner"])
	assert.Equal(t, int64(4), b.Attributes["floors"])
	assert.Equal(t, 0.25, b.Attributes["ratio"])
	assert.Equal(t, []any{"1000", "2000"}, b.Attributes["function"])
	assert.Equal(t, "12.5", b.Attributes["measuredHeight"])
	assert.NotContains(t, b.Attributes, "address")

	require.Len(t, b.Geometries, 2)
	solid := b.Geometries[0]
	assert.Equal(t, "B1_solid", solid.ID)
	assert.Equal(t, "Solid", solid.Kind)
	assert.Equal(t, 1, solid.LOD)
	assert.JSONEq(t, `[[[[[1,2,0],[3,2,0],[3,4,0]]]]]`, string(solid.Boundaries))

	link := b.Geometries[1]
	assert.True(t, link.IsXlink())
	assert.Equal(t, 2, link.LOD)
	assert.Equal(t, "#SHARED_GEOM", link.Href)

	require.Len(t, b.Children, 1)
	wall := b.Children[0]
	assert.Equal(t, "WallSurface", wall.Type)
	assert.Equal(t, "B1_wall", wall.ID)
	require.Len(t, wall.Geometries, 1)
	assert.Equal(t, "B1_wall_ms", wall.Geometries[0].ID)
	assert.JSONEq(t, `[[[[0,0,0],[4,0,0],[4,0,4]],[[1,0,1],[2,0,1],[2,0,2]]]]`, string(wall.Geometries[0].Boundaries))

	g := got[1]
	assert.Equal(t, "CityObjectGroup", g.Type)
	assert.Equal(t, []feature.Ref{{Role: "groupMember", Href: "#B1"}}, g.Refs)

	env := b.ComputeEnvelope()
	assert.Equal(t, 4.0, env.MaxX)
}

func TestReader_FeatureMembers(t *testing.T) {
	doc := `<wfs:FeatureCollection xmlns:wfs="http://www.opengis.net/wfs" xmlns:gml="http://www.opengis.net/gml" xmlns:bldg="http://www.opengis.net/citygml/building/2.0">
  <gml:featureMembers>
    <bldg:Building gml:id="A"/>
    <bldg:Building gml:id="B"><bldg:lod1MultiCurve><gml:MultiCurve><gml:curveMember><gml:LineString><gml:posList srsDimension="2">0 0 1 1</gml:posList></gml:LineString></gml:curveMember></gml:MultiCurve></bldg:lod1MultiCurve></bldg:Building>
  </gml:featureMembers>
</wfs:FeatureCollection>`
	r, err := NewReader(strings.NewReader(doc), "")
	require.NoError(t, err)
	got := readAll(t, r)
	require.Len(t, got, 2)
	assert.Equal(t, "A", got[0].ID)
	require.Len(t, got[1].Geometries, 1)
	assert.Equal(t, "MultiLineString", got[1].Geometries[0].Kind)
	assert.JSONEq(t, `[[[0,0,0],[1,1,0]]]`, string(got[1].Geometries[0].Boundaries))
}

func latin1(t *testing.T, s string) []byte {
	t.Helper()
	b, err := charmap.ISO8859_1.NewEncoder().Bytes([]byte(s))
	require.NoError(t, err)
	return b
}

func TestReader_DeclaredCharset(t *testing.T) {
	doc := `<?xml version="1.0" encoding="ISO-8859-1"?>
<core:CityModel xmlns:core="http://www.opengis.net/citygml/2.0" xmlns:bldg="http://www.opengis.net/citygml/building/2.0" xmlns:gml="http://www.opengis.net/gml">
<core:cityObjectMember><bldg:Building gml:id="B"><gml:name>Straße</gml:name></bldg:Building></core:cityObjectMember>
</core:CityModel>`
	r, err := NewReader(bytes.NewReader(latin1(t, doc)), "")
	require.NoError(t, err)
	got := readAll(t, r)
	require.Len(t, got, 1)
	assert.Equal(t, "Straße", got[0].Attributes["name"])
}

func TestReader_EncodingOverride(t *testing.T) {
	doc := `<core:CityModel xmlns:core="http://www.opengis.net/citygml/2.0" xmlns:bldg="http://www.opengis.net/citygml/building/2.0" xmlns:gml="http://www.opengis.net/gml">
<core:cityObjectMember><bldg:Building gml:id="B"><gml:name>Größe</gml:name></bldg:Building></core:cityObjectMember>
</core:CityModel>`
	r, err := NewReader(bytes.NewReader(latin1(t, doc)), "ISO-8859-1")
	require.NoError(t, err)
	got := readAll(t, r)
	require.Len(t, got, 1)
	assert.Equal(t, "Größe", got[0].Attributes["name"])

	_, err = NewReader(strings.NewReader(doc), "no-such-charset")
	assert.Error(t, err)
}

func TestReader_Malformed(t *testing.T) {
	r, err := NewReader(strings.NewReader(`<core:CityModel xmlns:core="x"><core:cityObjectMember><Building>`), "")
	require.NoError(t, err)
	_, err = r.Next(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "citygml: offset")
}

func TestReader_Canceled(t *testing.T) {
	r, err := NewReader(strings.NewReader(sample), "")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRegistered(t *testing.T) {
	assert.Equal(t, Format, feature.DetectFormat("berlin_lod2.GML"))
	r, err := feature.NewReader(strings.NewReader(sample), Format, feature.ReaderOptions{})
	require.NoError(t, err)
	assert.Len(t, readAll(t, r), 2)
}

func TestLodOf(t *testing.T) {
	cases := map[string]int{"lod0FootPrint": 0, "lod2Solid": 2, "lod4MultiSurface": 4, "lod5Solid": -1, "lodging": -1, "name": -1}
	for name, want := range cases {
		assert.Equal(t, want, lodOf(name), name)
	}
}
