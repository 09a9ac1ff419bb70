// The table specs live here so every backend derives its DDL from the same
// logical schema.
package storage

// Logical column types. Backends map them to native types.
const (
	TypeBigint    = "bigint"
	TypeInt       = "int"
	TypeText      = "text"
	TypeDouble    = "double"
	TypeTimestamp = "timestamp"
	TypeJSON      = "json"
)

type TableSpec struct {
	Name        string
	PrimaryKey  *PrimaryKeySpec
	Columns     []ColumnSpec
	Constraints []ConstraintSpec
	Indexes     []IndexSpec
}

type PrimaryKeySpec struct {
	Name string
	// Identity makes the backend generate the key (serial / IDENTITY /
	// AUTOINCREMENT). Otherwise ids come from a Sequence.
	Identity bool
}

type ColumnSpec struct {
	Name     string
	Type     string
	Nullable bool
}

type ConstraintSpec struct {
	Kind    string // "unique"
	Columns []string
}

type IndexSpec struct {
	Name    string
	Columns []string
}

// Table names of the city database subset.
const (
	TableCityObject = "cityobject"
	TableGeometry   = "geometry"
	TableXlink      = "xlink"
	TableSequence   = "citydb_sequence"
)

// CityObjectColumns is the insert column order of the cityobject table.
var CityObjectColumns = []string{
	"id", "objectclass_id", "gmlid", "parent_id", "root_id",
	"env_minx", "env_miny", "env_minz", "env_maxx", "env_maxy", "env_maxz",
	"attributes", "creation_date", "termination_date",
}

// GeometryColumns is the insert column order of the geometry table.
var GeometryColumns = []string{"id", "gmlid", "cityobject_id", "root_id", "lod", "kind", "data"}

// XlinkColumns is the insert column order of the xlink table (id is generated).
var XlinkColumns = []string{"from_id", "root_id", "kind", "lod", "role", "href", "target_id"}

// Schema returns the logical schema in creation order.
func Schema() []TableSpec {
	return []TableSpec{
		{
			Name:       TableCityObject,
			PrimaryKey: &PrimaryKeySpec{Name: "id"},
			Columns: []ColumnSpec{
				{Name: "objectclass_id", Type: TypeInt},
				{Name: "gmlid", Type: TypeText, Nullable: true},
				{Name: "parent_id", Type: TypeBigint, Nullable: true},
				{Name: "root_id", Type: TypeBigint},
				{Name: "env_minx", Type: TypeDouble, Nullable: true},
				{Name: "env_miny", Type: TypeDouble, Nullable: true},
				{Name: "env_minz", Type: TypeDouble, Nullable: true},
				{Name: "env_maxx", Type: TypeDouble, Nullable: true},
				{Name: "env_maxy", Type: TypeDouble, Nullable: true},
				{Name: "env_maxz", Type: TypeDouble, Nullable: true},
				{Name: "attributes", Type: TypeJSON, Nullable: true},
				{Name: "creation_date", Type: TypeTimestamp},
				{Name: "termination_date", Type: TypeTimestamp, Nullable: true},
			},
			Indexes: []IndexSpec{
				{Name: "cityobject_gmlid_idx", Columns: []string{"gmlid"}},
				{Name: "cityobject_root_idx", Columns: []string{"root_id"}},
				{Name: "cityobject_class_idx", Columns: []string{"objectclass_id"}},
			},
		},
		{
			Name:       TableGeometry,
			PrimaryKey: &PrimaryKeySpec{Name: "id"},
			Columns: []ColumnSpec{
				{Name: "gmlid", Type: TypeText, Nullable: true},
				{Name: "cityobject_id", Type: TypeBigint},
				{Name: "root_id", Type: TypeBigint},
				{Name: "lod", Type: TypeInt},
				{Name: "kind", Type: TypeText},
				{Name: "data", Type: TypeJSON},
			},
			Indexes: []IndexSpec{
				{Name: "geometry_root_idx", Columns: []string{"root_id"}},
			},
		},
		{
			Name:       TableXlink,
			PrimaryKey: &PrimaryKeySpec{Name: "id", Identity: true},
			Columns: []ColumnSpec{
				{Name: "from_id", Type: TypeBigint},
				{Name: "root_id", Type: TypeBigint},
				{Name: "kind", Type: TypeText},
				{Name: "lod", Type: TypeInt},
				{Name: "role", Type: TypeText, Nullable: true},
				{Name: "href", Type: TypeText},
				{Name: "target_id", Type: TypeBigint, Nullable: true},
			},
			Indexes: []IndexSpec{
				{Name: "xlink_root_idx", Columns: []string{"root_id"}},
				{Name: "xlink_target_idx", Columns: []string{"target_id"}},
			},
		},
		{
			Name: TableSequence,
			Columns: []ColumnSpec{
				{Name: "name", Type: TypeText},
				{Name: "value", Type: TypeBigint},
			},
			Constraints: []ConstraintSpec{{Kind: "unique", Columns: []string{"name"}}},
		},
	}
}

// Sequences lists the id sequences created by EnsureSchema.
func Sequences() []Sequence { return []Sequence{SeqCityObject, SeqGeometry} }
