package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"citydb/internal/feature"
)

func TestEval_Leaves(t *testing.T) {
	box := feature.Envelope{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10}
	inside := feature.Envelope{MinX: 5, MinY: 5, MaxX: 6, MaxY: 6}
	outside := feature.Envelope{MinX: 20, MinY: 20, MaxX: 30, MaxY: 30}

	tests := []struct {
		name string
		p    Predicate
		c    Candidate
		want bool
	}{
		{"all", All(), Candidate{}, true},
		{"type_match", FeatureType("Building", "Bridge"), Candidate{Type: "Bridge"}, true},
		{"type_miss", FeatureType("Building"), Candidate{Type: "Road"}, false},
		{"id_match", ResourceID("a", "b"), Candidate{ID: "b"}, true},
		{"id_miss", ResourceID("a"), Candidate{ID: "c"}, false},
		{"bbox_inside", BBox(box), Candidate{Envelope: &inside}, true},
		{"bbox_outside", BBox(box), Candidate{Envelope: &outside}, false},
		{"bbox_no_envelope", BBox(box), Candidate{}, false},
		{"and", And(FeatureType("Building"), ResourceID("x")), Candidate{Type: "Building", ID: "x"}, true},
		{"and_partial", And(FeatureType("Building"), ResourceID("x")), Candidate{Type: "Building", ID: "y"}, false},
		{"or", Or(FeatureType("Road"), ResourceID("x")), Candidate{Type: "Building", ID: "x"}, true},
		{"not", Not(FeatureType("Road")), Candidate{Type: "Building"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Eval(tt.p, tt.c))
		})
	}
}

func TestEval_LiteralPredicateWithoutIndex(t *testing.T) {
	p := Predicate{Op: OpResourceID, IDs: []string{"a"}}
	assert.True(t, Eval(p, Candidate{ID: "a"}))
}

func TestCounter_Accept(t *testing.T) {
	c := Counter{Start: 2, Count: 3}
	var got []int64
	for n := int64(0); ; n++ {
		ok, more := c.Accept(n)
		if ok {
			got = append(got, n)
		}
		if !more {
			break
		}
	}
	assert.Equal(t, []int64{2, 3, 4}, got)

	ok, more := Counter{}.Accept(1 << 40)
	assert.True(t, ok)
	assert.True(t, more)
}

func TestToQuery(t *testing.T) {
	box := feature.Envelope{MinX: 1, MinY: 2, MaxX: 3, MaxY: 4}
	q, ok := ToQuery(And(FeatureType("Building", "Nope"), BBox(box)), Counter{Start: 10, Count: 5})
	require.True(t, ok)
	assert.Equal(t, []int32{26}, q.ClassIDs)
	require.NotNil(t, q.BBox)
	assert.Equal(t, box, *q.BBox)
	assert.Equal(t, int64(10), q.Offset)
	assert.Equal(t, int64(5), q.Limit)

	_, ok = ToQuery(Or(FeatureType("Building"), ResourceID("a")), Counter{})
	assert.False(t, ok)

	q, ok = ToQuery(FeatureType("Nope"), Counter{})
	require.True(t, ok)
	assert.Equal(t, []int32{feature.UnknownClassID}, q.ClassIDs)
}

func TestEnvelopeFromSlice(t *testing.T) {
	e, err := EnvelopeFromSlice([]float64{0, 0, 0, 1, 1, 1})
	require.NoError(t, err)
	assert.Equal(t, 1.0, e.MaxZ)

	_, err = EnvelopeFromSlice([]float64{1, 1, 0, 0})
	assert.Error(t, err)
}
