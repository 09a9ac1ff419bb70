package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"citydb/internal/feature"
	"citydb/internal/storage"
	"citydb/internal/uidcache"
)

// errDuplicate marks a top-level feature whose gml:id was already imported
// in this run.
var errDuplicate = errors.New("duplicate gml:id")

// rowSet is the insert payload of one top-level feature.
type rowSet struct {
	gmlID   string
	counts  map[string]int64
	objects []storage.CityObjectRow
	geoms   []storage.GeometryRow
	xlinks  []storage.XlinkRow
}

// mapper turns a feature tree into rows. It reserves ids and registers
// gml:ids in the feature and geometry caches.
type mapper struct {
	repo       storage.Repository
	features   *uidcache.Cache
	geometries *uidcache.Cache
	now        time.Time
	logf       func(format string, v ...any)
}

func countInlineGeometries(f *feature.Feature) int {
	n := 0
	f.Walk(func(c *feature.Feature, _ int) bool {
		for _, g := range c.Geometries {
			if !g.IsXlink() {
				n++
			}
		}
		return true
	})
	return n
}

func (m *mapper) rows(ctx context.Context, f *feature.Feature) (*rowSet, error) {
	objIDs, err := m.repo.NextIDs(ctx, storage.SeqCityObject, f.Count())
	if err != nil {
		return nil, fmt.Errorf("reserve cityobject ids: %w", err)
	}
	var geomIDs []int64
	if n := countInlineGeometries(f); n > 0 {
		if geomIDs, err = m.repo.NextIDs(ctx, storage.SeqGeometry, n); err != nil {
			return nil, fmt.Errorf("reserve geometry ids: %w", err)
		}
	}

	rootID := objIDs[0]
	if f.ID != "" && m.features.LookupAndPut(ctx, storage.NormalizeKey(f.ID), rootID, rootID, false, f.Type, f.ClassID()) {
		return nil, errDuplicate
	}

	rs := &rowSet{gmlID: f.ID, counts: make(map[string]int64)}
	next, nextGeom := 0, 0
	var add func(c *feature.Feature, parentID int64) error
	add = func(c *feature.Feature, parentID int64) error {
		id := objIDs[next]
		next++
		if parentID != 0 && c.ID != "" {
			if m.features.LookupAndPut(ctx, storage.NormalizeKey(c.ID), id, rootID, false, c.Type, c.ClassID()) {
				m.logf("stage=import_map status=duplicate_child root=%s gmlid=%s", f.ID, c.ID)
			}
		}

		row := storage.CityObjectRow{
			ID:            id,
			ObjectClassID: c.ClassID(),
			GMLID:         c.ID,
			ParentID:      parentID,
			RootID:        rootID,
			Envelope:      c.Envelope,
			CreationDate:  m.now,
		}
		if row.Envelope == nil {
			if env := c.ComputeEnvelope(); !env.IsEmpty() {
				row.Envelope = &env
			}
		}
		if len(c.Attributes) > 0 {
			b, err := json.Marshal(c.Attributes)
			if err != nil {
				return fmt.Errorf("attributes of %s: %w", c.ID, err)
			}
			row.Attributes = b
		}
		rs.objects = append(rs.objects, row)
		rs.counts[c.Type]++

		for _, g := range c.Geometries {
			if g.IsXlink() {
				rs.xlinks = append(rs.xlinks, storage.XlinkRow{
					FromID: id, RootID: rootID, Kind: storage.XlinkGeometry,
					LOD: g.LOD, Role: g.Kind, Href: storage.NormalizeKey(g.Href),
				})
				continue
			}
			gid := geomIDs[nextGeom]
			nextGeom++
			rs.geoms = append(rs.geoms, storage.GeometryRow{
				ID: gid, GMLID: g.ID, CityObjectID: id, RootID: rootID,
				LOD: g.LOD, Kind: g.Kind, Data: g.Boundaries,
			})
			if g.ID != "" {
				m.geometries.Put(storage.NormalizeKey(g.ID), gid, rootID, false, storage.TableGeometry, c.ClassID())
			}
		}
		for _, r := range c.Refs {
			rs.xlinks = append(rs.xlinks, storage.XlinkRow{
				FromID: id, RootID: rootID, Kind: storage.XlinkFeature,
				Role: r.Role, Href: storage.NormalizeKey(r.Href),
			})
		}
		for _, ch := range c.Children {
			if err := add(ch, id); err != nil {
				return err
			}
		}
		return nil
	}
	if err := add(f, 0); err != nil {
		return nil, err
	}
	return rs, nil
}
