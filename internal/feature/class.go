package feature

import "sort"

// Object class ids follow the 3DCityDB v4 OBJECTCLASS table for the
// top-level and commonly nested CityGML feature types.
var classIDs = map[string]int32{
	"GenericCityObject":        5,
	"LandUse":                  4,
	"SolitaryVegetationObject": 7,
	"PlantCover":               8,
	"WaterBody":                9,
	"WaterClosureSurface":      11,
	"WaterGroundSurface":       12,
	"WaterSurface":             13,
	"ReliefFeature":            14,
	"TINRelief":                16,
	"CityFurniture":            21,
	"CityObjectGroup":          23,
	"BuildingPart":             25,
	"Building":                 26,
	"BuildingInstallation":     27,
	"CeilingSurface":           30,
	"InteriorWallSurface":      31,
	"FloorSurface":             32,
	"RoofSurface":              33,
	"WallSurface":              34,
	"GroundSurface":            35,
	"ClosureSurface":           36,
	"Door":                     38,
	"Window":                   39,
	"Room":                     41,
	"TransportationComplex":    42,
	"Track":                    43,
	"Railway":                  44,
	"Road":                     45,
	"Square":                   46,
	"TrafficArea":              47,
	"AuxiliaryTrafficArea":     48,
	"BridgePart":               63,
	"Bridge":                   64,
	"TunnelPart":               84,
	"Tunnel":                   85,
	"OuterCeilingSurface":      60,
	"OuterFloorSurface":        61,
}

// CityJSON type names that differ from CityGML.
var aliases = map[string]string{
	"+GenericCityObject":          "GenericCityObject",
	"BuildingConstructiveElement": "BuildingInstallation",
	"BuildingRoom":                "Room",
}

// UnknownClassID is returned for types that are not in the class table.
const UnknownClassID int32 = 0

// ClassID returns the object class id for a type name, or UnknownClassID.
func ClassID(typeName string) int32 {
	if a, ok := aliases[typeName]; ok {
		typeName = a
	}
	return classIDs[typeName]
}

// TypeName returns the type name registered for id, or "" if unknown.
func TypeName(id int32) string {
	for name, cid := range classIDs {
		if cid == id {
			return name
		}
	}
	return ""
}

// IsKnownType reports whether typeName maps to a class id.
func IsKnownType(typeName string) bool { return ClassID(typeName) != UnknownClassID }

// ClassIDs maps type names to class ids, dropping unknown names. The result
// is sorted so it can be used in deterministic SQL.
func ClassIDs(typeNames []string) []int32 {
	out := make([]int32, 0, len(typeNames))
	seen := make(map[int32]struct{}, len(typeNames))
	for _, n := range typeNames {
		id := ClassID(n)
		if id == UnknownClassID {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
