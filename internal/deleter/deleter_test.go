package deleter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"citydb/internal/config"
	"citydb/internal/feature"
	"citydb/internal/pipeline"
	"citydb/internal/storage"

	_ "citydb/internal/storage/sqlite"
)

type seeded struct {
	dsn string
	ids map[string]int64
}

// seed creates B1 (with a WallSurface child), B2 and G1.
func seed(t *testing.T) seeded {
	t.Helper()
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "city.db")
	repo, err := storage.NewRepository(ctx, storage.Config{Kind: "sqlite", DSN: dsn})
	require.NoError(t, err)
	defer repo.Close()
	require.NoError(t, repo.EnsureSchema(ctx))

	ids, err := repo.NextIDs(ctx, storage.SeqCityObject, 4)
	require.NoError(t, err)
	row := func(id, parent, root int64, typ, gmlID string) storage.CityObjectRow {
		return storage.CityObjectRow{
			ID: id, ParentID: parent, RootID: root, GMLID: gmlID,
			ObjectClassID: feature.ClassID(typ), CreationDate: time.Now(),
		}
	}
	require.NoError(t, repo.InsertCityObjects(ctx, []storage.CityObjectRow{
		row(ids[0], 0, ids[0], "Building", "B1"),
		row(ids[1], ids[0], ids[0], "WallSurface", "B1_wall"),
		row(ids[2], 0, ids[2], "Building", "B2"),
		row(ids[3], 0, ids[3], "CityObjectGroup", "G1"),
	}))
	return seeded{dsn: dsn, ids: map[string]int64{"B1": ids[0], "B2": ids[2], "G1": ids[3]}}
}

func newEnv(t *testing.T, dsn string, opts pipeline.Options, mutate func(*config.Pipeline)) *pipeline.Env {
	t.Helper()
	cfg := config.Pipeline{
		Database: config.Database{Kind: "sqlite", DSN: dsn},
		Cache:    config.Cache{Store: config.CacheStore{Kind: "memory"}},
		Runtime:  config.Runtime{Workers: 2, BatchSize: 2},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	cfg.ApplyDefaults()
	env, err := pipeline.New(context.Background(), cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })
	return env
}

func remaining(t *testing.T, repo storage.Repository) []string {
	t.Helper()
	var out []string
	require.NoError(t, repo.QueryCityObjects(context.Background(), storage.Query{}, func(r storage.CityObjectRow) error {
		out = append(out, r.GMLID)
		return nil
	}))
	return out
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

func TestRun_DeleteByFilter(t *testing.T) {
	s := seed(t)
	audit := filepath.Join(t.TempDir(), "audit.csv")
	env := newEnv(t, s.dsn, pipeline.Options{}, func(c *config.Pipeline) {
		c.Delete.Filter.Types = []string{"Building"}
		c.Delete.AuditLog = audit
	})

	report, err := New(env).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), report.Features)
	assert.Equal(t, map[string]int64{"Building": 2}, report.Counts)
	assert.Equal(t, []string{"G1"}, remaining(t, env.Repo))

	_, err = env.Repo.LoadFeature(context.Background(), s.ids["B1"])
	assert.ErrorIs(t, err, storage.ErrNotFound)

	log := readFile(t, audit)
	assert.Contains(t, log, "type,id,gmlid,status\n")
	assert.Contains(t, log, fmt.Sprintf("Building,%d,B1,deleted\n", s.ids["B1"]))
	assert.Contains(t, log, fmt.Sprintf("Building,%d,B2,deleted\n", s.ids["B2"]))
}

func TestRun_TerminateFromCSVList(t *testing.T) {
	s := seed(t)
	dir := t.TempDir()
	list := filepath.Join(dir, "ids.csv")
	require.NoError(t, os.WriteFile(list, []byte("GML ID;note\nB1;first\nNOPE;unknown\n\nG1;group\n"), 0o644))
	audit := filepath.Join(dir, "audit.csv")

	env := newEnv(t, s.dsn, pipeline.Options{}, func(c *config.Pipeline) {
		c.Delete.Mode = "terminate"
		c.Delete.AuditLog = audit
		c.Delete.IDList = &config.IDList{
			Path:    list,
			Column:  "gml_id",
			Options: config.Options{"comma": ";"},
		}
	})
	dl := New(env)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	dl.Now = func() time.Time { return at }

	report, err := dl.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), report.Features)
	assert.Equal(t, int64(1), report.Skipped)
	assert.Equal(t, []string{"B2"}, remaining(t, env.Repo))

	rows, err := env.Repo.LoadFeature(context.Background(), s.ids["B1"])
	require.NoError(t, err)
	require.NotNil(t, rows.Root().TerminationDate)
	assert.True(t, rows.Root().TerminationDate.Equal(at))

	log := readFile(t, audit)
	assert.Contains(t, log, fmt.Sprintf("Building,%d,B1,terminated\n", s.ids["B1"]))
	assert.Contains(t, log, ",,NOPE,not_found\n")
}

func TestRun_DeleteFromJSONListByID(t *testing.T) {
	s := seed(t)
	list := filepath.Join(t.TempDir(), "ids.json")
	body := fmt.Sprintf(`{"objects":[{"objectid":%d},{"objectid":"x"},{"objectid":999999}]}`, s.ids["B2"])
	require.NoError(t, os.WriteFile(list, []byte(body), 0o644))

	env := newEnv(t, s.dsn, pipeline.Options{}, func(c *config.Pipeline) {
		c.Delete.IDList = &config.IDList{Path: list, Column: "objectid", IDType: "id"}
	})

	report, err := New(env).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Features)
	assert.Equal(t, int64(1), report.Skipped)
	assert.ElementsMatch(t, []string{"B1", "G1"}, remaining(t, env.Repo))
}

func TestRun_UnknownMode(t *testing.T) {
	s := seed(t)
	env := newEnv(t, s.dsn, pipeline.Options{}, func(c *config.Pipeline) { c.Delete.Mode = "purge" })
	_, err := New(env).Run(context.Background())
	require.Error(t, err)
}

// brokenRepo fails every delete with a fatal error.
type brokenRepo struct {
	storage.Repository
}

func (brokenRepo) DeleteCityObject(context.Context, int64) error {
	return storage.Fatal(errors.New("connection reset"))
}

func TestRun_FatalErrorInterruptsWithRollback(t *testing.T) {
	s := seed(t)
	opts := pipeline.Options{
		NewRepository: func(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
			repo, err := storage.NewRepository(ctx, cfg)
			if err != nil {
				return nil, err
			}
			return brokenRepo{repo}, nil
		},
	}
	env := newEnv(t, s.dsn, opts, func(c *config.Pipeline) { c.Runtime.Workers = 1 })

	report, err := New(env).Run(context.Background())
	require.Error(t, err)
	assert.True(t, pipeline.IsInterrupt(err))
	require.NotNil(t, report)
	assert.True(t, report.Interrupted)
	assert.True(t, report.Rollback)
	assert.Equal(t, int64(1), report.Failed)
	assert.Len(t, remaining(t, env.Repo), 3)
}
