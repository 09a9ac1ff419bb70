package exporter

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"citydb/internal/feature"
	"citydb/internal/storage"
	"citydb/internal/uidcache"
)

// fallbackType names objects whose class id has no registered type.
const fallbackType = "GenericCityObject"

// tree is a feature rebuilt from its rows. dbIDs parallels the Geometries
// of every feature with the geometry row ids (0 for unresolved xlinks).
type tree struct {
	root       *feature.Feature
	rootID     int64
	dbIDs      map[*feature.Feature][]int64
	unresolved int
}

// assemble rebuilds the feature tree of one top-level object. Geometry
// xlinks that were resolved on import are replaced by the referenced
// geometry.
func assemble(ctx context.Context, repo storage.Repository, rows *storage.FeatureRows) (*tree, error) {
	rootRow := rows.Root()
	if rootRow == nil {
		return nil, fmt.Errorf("cityobject rows without top-level object")
	}
	t := &tree{rootID: rootRow.ID, dbIDs: make(map[*feature.Feature][]int64)}

	byID := make(map[int64]*feature.Feature, len(rows.Objects))
	for _, o := range rows.Objects {
		typ := feature.TypeName(o.ObjectClassID)
		if typ == "" {
			typ = fallbackType
		}
		f := &feature.Feature{ID: o.GMLID, Type: typ, Envelope: o.Envelope}
		if len(o.Attributes) > 0 {
			if err := json.Unmarshal(o.Attributes, &f.Attributes); err != nil {
				return nil, fmt.Errorf("attributes of cityobject %d: %w", o.ID, err)
			}
		}
		byID[o.ID] = f
	}
	for _, o := range rows.Objects {
		if o.ParentID == 0 {
			continue
		}
		parent, ok := byID[o.ParentID]
		if !ok {
			return nil, fmt.Errorf("cityobject %d: missing parent %d", o.ID, o.ParentID)
		}
		parent.Children = append(parent.Children, byID[o.ID])
	}
	t.root = byID[rootRow.ID]

	add := func(owner int64, g feature.Geometry, dbID int64) {
		f, ok := byID[owner]
		if !ok {
			return
		}
		f.Geometries = append(f.Geometries, g)
		t.dbIDs[f] = append(t.dbIDs[f], dbID)
	}
	for _, g := range rows.Geometries {
		add(g.CityObjectID, feature.Geometry{ID: g.GMLID, LOD: g.LOD, Kind: g.Kind, Boundaries: g.Data}, g.ID)
	}

	var targets []int64
	for _, x := range rows.Xlinks {
		if x.Kind == storage.XlinkGeometry && x.TargetID != 0 {
			targets = append(targets, x.TargetID)
		}
	}
	shared := make(map[int64]storage.GeometryRow, len(targets))
	if len(targets) > 0 {
		geoms, err := repo.GeometriesByID(ctx, targets)
		if err != nil {
			return nil, fmt.Errorf("load xlinked geometries: %w", err)
		}
		for _, g := range geoms {
			shared[g.ID] = g
		}
	}

	for _, x := range rows.Xlinks {
		switch x.Kind {
		case storage.XlinkGeometry:
			if g, ok := shared[x.TargetID]; ok {
				add(x.FromID, feature.Geometry{ID: g.GMLID, LOD: x.LOD, Kind: g.Kind, Boundaries: g.Data}, g.ID)
				continue
			}
			t.unresolved++
			add(x.FromID, feature.Geometry{LOD: x.LOD, Kind: x.Role, Href: "#" + x.Href}, 0)
		case storage.XlinkFeature:
			if f, ok := byID[x.FromID]; ok {
				f.Refs = append(f.Refs, feature.Ref{Role: x.Role, Href: x.Href})
			}
		}
	}
	return t, nil
}

// keepLODs drops every geometry whose LOD is not in levels.
func (t *tree) keepLODs(levels []int) {
	var keep [5]bool
	for _, l := range levels {
		keep[l] = true
	}
	t.root.Walk(func(f *feature.Feature, _ int) bool {
		ids := t.dbIDs[f]
		geoms := f.Geometries[:0]
		kept := ids[:0]
		for i, g := range f.Geometries {
			if g.LOD >= 0 && g.LOD < len(keep) && keep[g.LOD] {
				geoms = append(geoms, g)
				kept = append(kept, ids[i])
			}
		}
		f.Geometries = geoms
		if len(kept) > 0 {
			t.dbIDs[f] = kept
		} else {
			delete(t.dbIDs, f)
		}
		return true
	})
}

// dedupGeometries registers every geometry row in the geometry cache and
// returns how many were already emitted by an earlier feature. CityJSON has
// no geometry references, so shared geometries stay inline in every feature
// that uses them.
func (t *tree) dedupGeometries(ctx context.Context, cache *uidcache.Cache) int {
	n := 0
	t.root.Walk(func(f *feature.Feature, _ int) bool {
		for _, id := range t.dbIDs[f] {
			if id == 0 {
				continue
			}
			if cache.LookupAndPut(ctx, strconv.FormatInt(id, 10), id, t.rootID, false, storage.TableGeometry, f.ClassID()) {
				n++
			}
		}
		return true
	})
	return n
}
