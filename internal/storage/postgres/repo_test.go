package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"citydb/internal/feature"
	"citydb/internal/storage"
	"citydb/internal/storage/sqldb"
)

func TestCreateStatements_Postgres(t *testing.T) {
	t.Parallel()

	stmts, err := sqldb.CreateStatements(Dialect{})
	if err != nil {
		t.Fatalf("CreateStatements: %v", err)
	}
	all := strings.Join(stmts, ";\n")
	for _, want := range []string{
		`CREATE TABLE IF NOT EXISTS cityobject ("id" BIGINT PRIMARY KEY, "objectclass_id" INTEGER NOT NULL`,
		`"attributes" JSONB`,
		`"creation_date" TIMESTAMPTZ NOT NULL`,
		`CREATE TABLE IF NOT EXISTS xlink ("id" BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY`,
		`CREATE INDEX IF NOT EXISTS "xlink_target_idx" ON xlink ("target_id")`,
		`UNIQUE ("name")`,
	} {
		if !strings.Contains(all, want) {
			t.Fatalf("DDL missing %q:\n%s", want, all)
		}
	}
}

func TestInsertSQL_PlaceholderNumbering(t *testing.T) {
	t.Parallel()

	q, args := sqldb.InsertSQL(Dialect{}, "xlink", []string{"from_id", "href"}, [][]any{{1, "a"}, {2, "b"}})
	want := `INSERT INTO xlink ("from_id", "href") VALUES ($1, $2), ($3, $4)`
	if q != want {
		t.Fatalf("sql mismatch\nwant: %s\ngot:  %s", want, q)
	}
	if len(args) != 4 || args[3] != "b" {
		t.Fatalf("args=%v", args)
	}
}

func TestNextIDsSQL(t *testing.T) {
	t.Parallel()

	q, args := nextIDsSQL(storage.SeqCityObject, 5)
	want := `UPDATE citydb_sequence SET "value" = "value" + $1 WHERE "name" = $2 RETURNING "value"`
	if q != want {
		t.Fatalf("sql mismatch\nwant: %s\ngot:  %s", want, q)
	}
	if args[0] != int64(5) || args[1] != "cityobject_seq" {
		t.Fatalf("args=%v", args)
	}
}

func TestSelectCityObjectsSQL_Postgres(t *testing.T) {
	t.Parallel()

	q, args := sqldb.SelectCityObjectsSQL(Dialect{}, storage.Query{GMLIDs: []string{"a"}, Offset: 3, Limit: 7}, 0, false)
	if !strings.HasSuffix(q, `"gmlid" IN ($1) ORDER BY "id" LIMIT $2 OFFSET $3`) {
		t.Fatalf("sql=%s", q)
	}
	if args[1] != int64(7) || args[2] != int64(3) {
		t.Fatalf("args=%v", args)
	}
}

func TestCacheTableName(t *testing.T) {
	t.Parallel()

	a, b := cacheTableName("texture_image"), cacheTableName("texture_image")
	if !strings.HasPrefix(a, "uid_texture_image_") || len(a) != len("uid_texture_image_")+32 {
		t.Fatalf("name=%q", a)
	}
	if a == b {
		t.Fatalf("names must be unique per store: %q", a)
	}
	if got := cacheTableName("Bad-Kind!"); !strings.HasPrefix(got, "uid_bad_kind__") {
		t.Fatalf("name=%q", got)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code  string
		fatal bool
	}{
		{"08006", true},
		{"57P01", true},
		{"23505", false},
		{"42P01", false},
	}
	for _, tt := range tests {
		err := classify(fmt.Errorf("exec: %w", &pgconn.PgError{Code: tt.code}))
		if got := storage.IsFatal(err); got != tt.fatal {
			t.Fatalf("code %s: IsFatal=%v, want %v", tt.code, got, tt.fatal)
		}
	}
	if storage.IsFatal(classify(errors.New("plain"))) {
		t.Fatalf("plain errors must not be fatal")
	}
}

// TestRepository_Integration runs against a live database when
// CITYDB_TEST_POSTGRES_DSN is set.
func TestRepository_Integration(t *testing.T) {
	dsn := os.Getenv("CITYDB_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CITYDB_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	repo, err := storage.NewRepository(ctx, storage.Config{Kind: "postgres", DSN: dsn})
	if err != nil {
		t.Fatalf("NewRepository: %v", err)
	}
	defer repo.Close()
	if err := repo.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	ids, err := repo.NextIDs(ctx, storage.SeqCityObject, 1)
	if err != nil {
		t.Fatalf("NextIDs: %v", err)
	}
	gmlid := fmt.Sprintf("it-%d", time.Now().UnixNano())
	row := storage.CityObjectRow{
		ID: ids[0], ObjectClassID: feature.ClassID("Building"), GMLID: gmlid, RootID: ids[0],
		Attributes: []byte(`{"k":"v"}`),
	}
	if err := repo.InsertCityObjects(ctx, []storage.CityObjectRow{row}); err != nil {
		t.Fatalf("InsertCityObjects: %v", err)
	}
	n, err := repo.CountCityObjects(ctx, storage.Query{GMLIDs: []string{gmlid}})
	if err != nil || n != 1 {
		t.Fatalf("CountCityObjects=%d,%v", n, err)
	}
	if err := repo.DeleteCityObject(ctx, ids[0]); err != nil {
		t.Fatalf("DeleteCityObject: %v", err)
	}
	if err := repo.DeleteCityObject(ctx, ids[0]); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("second delete err=%v", err)
	}
}
