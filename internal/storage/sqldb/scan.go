package sqldb

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"citydb/internal/feature"
	"citydb/internal/storage"
)

// Scanner is satisfied by *sql.Row, *sql.Rows and pgx.Rows.
type Scanner interface {
	Scan(dest ...any) error
}

// TimeValue scans timestamps stored natively or as RFC 3339 text.
type TimeValue struct {
	Time  time.Time
	Valid bool
}

func (t *TimeValue) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = v, true
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	default:
		return fmt.Errorf("sqldb: cannot scan %T into timestamp", src)
	}
}

func (t *TimeValue) parse(s string) error {
	ts, err := ParseTime(s)
	if err != nil {
		return err
	}
	t.Time, t.Valid = ts, true
	return nil
}

// FormatTime is the text form of timestamps in backends without a native
// timestamp type.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime parses timestamps stored as text.
//
// Supported formats:
//   - RFC3339Nano (what we write)
//   - RFC3339
//   - Common "SQLite-like" formats used by other tools/libs:
//     "2006-01-02 15:04:05Z07:00"
//     "2006-01-02 15:04:05.999999999Z07:00"
//     "2006-01-02 15:04:05" (interpreted as UTC)
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time string")
	}

	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05.999999999Z07:00",
	}
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	if ts, err := time.ParseInLocation("2006-01-02 15:04:05", s, time.UTC); err == nil {
		return ts.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unsupported time format: %q", s)
}

// ScanCityObject reads one row selected with CityObjectColumns.
func ScanCityObject(s Scanner) (storage.CityObjectRow, error) {
	var (
		r       storage.CityObjectRow
		gmlid   sql.NullString
		parent  sql.NullInt64
		env     [6]sql.NullFloat64
		attrs   []byte
		created TimeValue
		term    TimeValue
		classID int64
	)
	err := s.Scan(&r.ID, &classID, &gmlid, &parent, &r.RootID,
		&env[0], &env[1], &env[2], &env[3], &env[4], &env[5],
		&attrs, &created, &term)
	if err != nil {
		return r, err
	}
	r.ObjectClassID = int32(classID)
	r.GMLID = gmlid.String
	r.ParentID = parent.Int64
	if env[0].Valid && env[3].Valid {
		r.Envelope = &feature.Envelope{
			MinX: env[0].Float64, MinY: env[1].Float64, MinZ: env[2].Float64,
			MaxX: env[3].Float64, MaxY: env[4].Float64, MaxZ: env[5].Float64,
		}
	}
	if len(attrs) > 0 {
		r.Attributes = append([]byte(nil), attrs...)
	}
	r.CreationDate = created.Time
	if term.Valid {
		ts := term.Time
		r.TerminationDate = &ts
	}
	return r, nil
}

// ScanGeometry reads one row selected with GeometryColumns.
func ScanGeometry(s Scanner) (storage.GeometryRow, error) {
	var (
		r     storage.GeometryRow
		gmlid sql.NullString
		lod   int64
		data  []byte
	)
	if err := s.Scan(&r.ID, &gmlid, &r.CityObjectID, &r.RootID, &lod, &r.Kind, &data); err != nil {
		return r, err
	}
	r.GMLID = gmlid.String
	r.LOD = int(lod)
	r.Data = append([]byte(nil), data...)
	return r, nil
}

// ScanXlink reads one row selected with XlinkSelectColumns.
func ScanXlink(s Scanner) (storage.XlinkRow, error) {
	var (
		r      storage.XlinkRow
		lod    int64
		role   sql.NullString
		target sql.NullInt64
	)
	if err := s.Scan(&r.ID, &r.FromID, &r.RootID, &r.Kind, &lod, &role, &r.Href, &target); err != nil {
		return r, err
	}
	r.LOD = int(lod)
	r.Role = role.String
	r.TargetID = target.Int64
	return r, nil
}
