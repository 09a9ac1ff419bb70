package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"citydb/internal/config"
	"citydb/internal/metrics"
	"citydb/internal/metrics/datadog"
	"citydb/internal/metrics/prompush"
	"citydb/internal/pipeline"
)

const buildings = `<?xml version="1.0" encoding="UTF-8"?>
<core:CityModel xmlns:core="http://www.opengis.net/citygml/2.0"
    xmlns:bldg="http://www.opengis.net/citygml/building/2.0"
    xmlns:gml="http://www.opengis.net/gml">
  <core:cityObjectMember>
    <bldg:Building gml:id="B1">
      <bldg:lod1MultiSurface><gml:MultiSurface>
        <gml:surfaceMember><gml:Polygon><gml:exterior><gml:LinearRing>
          <gml:posList>0 0 0 4 0 0 4 4 0 0 0 0</gml:posList>
        </gml:LinearRing></gml:exterior></gml:Polygon></gml:surfaceMember>
      </gml:MultiSurface></bldg:lod1MultiSurface>
    </bldg:Building>
  </core:cityObjectMember>
  <core:cityObjectMember>
    <bldg:Building gml:id="B2">
      <bldg:measuredHeight>7</bldg:measuredHeight>
    </bldg:Building>
  </core:cityObjectMember>
</core:CityModel>`

const danglingGroup = `<?xml version="1.0" encoding="UTF-8"?>
<core:CityModel xmlns:core="http://www.opengis.net/citygml/2.0"
    xmlns:grp="http://www.opengis.net/citygml/cityobjectgroup/2.0"
    xmlns:gml="http://www.opengis.net/gml"
    xmlns:xlink="http://www.w3.org/1999/xlink">
  <core:cityObjectMember>
    <grp:CityObjectGroup gml:id="G1">
      <grp:groupMember xlink:href="#NOPE"/>
    </grp:CityObjectGroup>
  </core:cityObjectMember>
</core:CityModel>`

// fakeMetricsBackend is a deterministic metrics backend used by initMetrics tests.
type fakeMetricsBackend struct {
	metrics.Nop
	closeErr error
	closed   atomic.Int64
}

func (b *fakeMetricsBackend) Close() error {
	b.closed.Add(1)
	return b.closeErr
}

// panicDeps fails the test when any side effect is attempted.
func panicDeps(t *testing.T) appDeps {
	return appDeps{
		readFile: func(string) ([]byte, error) {
			t.Fatalf("readFile must not be called")
			return nil, nil
		},
		initMetrics: func(context.Context, config.Pipeline) (metrics.Backend, func(), error) {
			t.Fatalf("initMetrics must not be called")
			return nil, func() {}, nil
		},
		newEnv: func(context.Context, config.Pipeline, pipeline.Options) (*pipeline.Env, error) {
			t.Fatalf("newEnv must not be called")
			return nil, nil
		},
	}
}

// localDeps runs against the real pipeline with metrics disabled and
// counts cleanup calls.
func localDeps(cleanups *atomic.Int64) appDeps {
	deps := defaultDeps()
	deps.initMetrics = func(context.Context, config.Pipeline) (metrics.Backend, func(), error) {
		return metrics.Nop{}, func() { cleanups.Add(1) }, nil
	}
	return deps
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestRunMain_UsageErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		args          []string
		wantStderrSub string
	}{
		{name: "unknown_command", args: []string{"frobnicate"}, wantStderrSub: "unknown command"},
		{name: "import_without_file", args: []string{"import"}, wantStderrSub: "accepts 1 arg"},
		{name: "export_too_many_args", args: []string{"export", "a", "b"}, wantStderrSub: "accepts 1 arg"},
		{name: "delete_takes_no_args", args: []string{"delete", "x"}, wantStderrSub: "accepts 0 arg"},
		{name: "unknown_flag", args: []string{"import", "--nope", "in.gml"}, wantStderrSub: "unknown flag"},
		{name: "bad_flag_value", args: []string{"--workers", "many", "validate", "in.gml"}, wantStderrSub: "invalid argument"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var stdout, stderr bytes.Buffer
			code := runMain(context.Background(), tc.args, &stdout, &stderr, panicDeps(t))

			if code != 2 {
				t.Fatalf("exit code=%d, want 2; stderr=%q", code, stderr.String())
			}
			if !strings.Contains(stderr.String(), tc.wantStderrSub) {
				t.Fatalf("stderr=%q, want contains %q", stderr.String(), tc.wantStderrSub)
			}
			if stdout.Len() != 0 {
				t.Fatalf("stdout=%q, want empty", stdout.String())
			}
		})
	}
}

func TestRunMain_ValidateConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		raw           string
		readErr       error
		command       string
		wantCode      int
		wantStdout    string
		wantStderrSub string
	}{
		{
			name:       "valid_import",
			raw:        "database: {kind: sqlite, dsn: 'file:x.db'}\n",
			wantCode:   0,
			wantStdout: "configuration is valid\n",
		},
		{
			name:          "bad_database_kind",
			raw:           "database: {kind: oracle, dsn: x}\n",
			wantCode:      1,
			wantStderrSub: "database.kind",
		},
		{
			name:       "validate_needs_no_database",
			raw:        "{\"job\": \"j\"}",
			command:    "validate",
			wantCode:   0,
			wantStdout: "configuration is valid\n",
		},
		{
			name:          "unknown_field",
			raw:           "databse: {}\n",
			wantCode:      1,
			wantStderrSub: "parse config:",
		},
		{
			name:          "read_error",
			readErr:       errors.New("no such file"),
			wantCode:      1,
			wantStderrSub: "read config:",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			deps := panicDeps(t)
			deps.readFile = func(path string) ([]byte, error) {
				if path != "pipeline.yaml" {
					t.Fatalf("readFile path=%q, want %q", path, "pipeline.yaml")
				}
				return []byte(tc.raw), tc.readErr
			}
			args := []string{"--config", "pipeline.yaml", "validate-config"}
			if tc.command != "" {
				args = append(args, "--command", tc.command)
			}

			var stdout, stderr bytes.Buffer
			code := runMain(context.Background(), args, &stdout, &stderr, deps)

			if code != tc.wantCode {
				t.Fatalf("exit code=%d, want %d; stderr=%q", code, tc.wantCode, stderr.String())
			}
			if got := stdout.String(); got != tc.wantStdout {
				t.Fatalf("stdout=%q, want %q", got, tc.wantStdout)
			}
			if tc.wantStderrSub != "" && !strings.Contains(stderr.String(), tc.wantStderrSub) {
				t.Fatalf("stderr=%q, want contains %q", stderr.String(), tc.wantStderrSub)
			}
		})
	}
}

func TestRunMain_InitMetricsErrorStopsBeforeEnv(t *testing.T) {
	t.Parallel()

	deps := panicDeps(t)
	deps.initMetrics = func(_ context.Context, cfg config.Pipeline) (metrics.Backend, func(), error) {
		if cfg.Metrics.Backend != "pushgateway" {
			t.Fatalf("metrics backend=%q, want pushgateway", cfg.Metrics.Backend)
		}
		return nil, func() {}, errors.New("gateway down")
	}

	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(),
		[]string{"--db-kind", "sqlite", "--db-dsn", "file:x.db", "--metrics-backend", "pushgateway", "import", "in.gml"},
		&stdout, &stderr, deps)

	if code != 1 {
		t.Fatalf("exit code=%d, want 1; stderr=%q", code, stderr.String())
	}
	if !strings.Contains(stderr.String(), "init metrics: gateway down") {
		t.Fatalf("stderr=%q, want init metrics error", stderr.String())
	}
}

func TestRunMain_ImportThenExport(t *testing.T) {
	t.Parallel()

	in := writeFile(t, "in.gml", buildings)
	dir := t.TempDir()
	out := filepath.Join(dir, "out.city.jsonl")
	db := []string{"--db-kind", "sqlite", "--db-dsn", "file:" + filepath.Join(dir, "city.db"), "--cache-store", "memory", "--workers", "2"}

	var cleanups atomic.Int64
	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(), append(db, "import", in), &stdout, &stderr, localDeps(&cleanups))
	if code != 0 {
		t.Fatalf("import exit code=%d, want 0; stderr=%q", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "import: features=2 objects=2") {
		t.Fatalf("import stdout=%q", stdout.String())
	}

	stdout.Reset()
	code = runMain(context.Background(), append(db, "export", "--lod", "1", out), &stdout, &stderr, localDeps(&cleanups))
	if code != 0 {
		t.Fatalf("export exit code=%d, want 0; stderr=%q", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "export: features=1") || !strings.Contains(stdout.String(), "skipped=1") {
		t.Fatalf("export stdout=%q", stdout.String())
	}
	raw, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if !strings.Contains(string(raw), `"B1"`) || strings.Contains(string(raw), `"B2"`) {
		t.Fatalf("export=%s, want B1 only", raw)
	}

	if got := cleanups.Load(); got != 2 {
		t.Fatalf("cleanup calls=%d, want 2", got)
	}
}

func TestRunMain_ValidateReportsFindings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		body      string
		wantCode  int
		wantFound string
	}{
		{name: "clean", body: buildings, wantCode: 0},
		{name: "dangling_href", body: danglingGroup, wantCode: 1, wantFound: "unresolved_href root=G1"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			in := writeFile(t, "in.gml", tc.body)
			var cleanups atomic.Int64
			var stdout, stderr bytes.Buffer
			code := runMain(context.Background(), []string{"--cache-store", "memory", "validate", in}, &stdout, &stderr, localDeps(&cleanups))

			if code != tc.wantCode {
				t.Fatalf("exit code=%d, want %d; stderr=%q", code, tc.wantCode, stderr.String())
			}
			if tc.wantFound != "" && !strings.Contains(stdout.String(), tc.wantFound) {
				t.Fatalf("stdout=%q, want contains %q", stdout.String(), tc.wantFound)
			}
			if !strings.Contains(stdout.String(), "validate: features=") {
				t.Fatalf("stdout=%q, want summary line", stdout.String())
			}
		})
	}
}

func TestRunMain_ProbePrintsParsableConfig(t *testing.T) {
	t.Parallel()

	in := writeFile(t, "district.gml", buildings)
	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(), []string{"probe", "--report", "--backend", "postgres", in}, &stdout, &stderr, panicDeps(t))
	if code != 0 {
		t.Fatalf("exit code=%d, want 0; stderr=%q", code, stderr.String())
	}
	cfg, err := config.Parse(stdout.Bytes())
	if err != nil {
		t.Fatalf("parse probe output: %v\n%s", err, stdout.String())
	}
	if cfg.Job != "district" || cfg.Database.Kind != "postgres" || cfg.Import.Format != "citygml" {
		t.Fatalf("cfg job=%q db=%q format=%q", cfg.Job, cfg.Database.Kind, cfg.Import.Format)
	}
	if !strings.Contains(stderr.String(), "type=Building count=2") {
		t.Fatalf("stderr=%q, want report", stderr.String())
	}
}

func TestInitMetrics_None(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"", "none", "noop"} {
		b, cleanup, err := initMetrics(context.Background(), config.Pipeline{Metrics: config.Metrics{Backend: name}})
		if err != nil {
			t.Fatalf("initMetrics(%q) err=%v, want nil", name, err)
		}
		if _, ok := b.(metrics.Nop); !ok {
			t.Fatalf("initMetrics(%q) backend=%T, want metrics.Nop", name, b)
		}
		if cleanup == nil {
			t.Fatalf("cleanup=nil, want non-nil")
		}
		cleanup()
	}
}

func TestInitMetrics_UnknownBackend(t *testing.T) {
	t.Parallel()

	_, cleanup, err := initMetrics(context.Background(), config.Pipeline{Metrics: config.Metrics{Backend: "statsd"}})
	if err == nil || !strings.Contains(err.Error(), `unknown metrics backend "statsd"`) {
		t.Fatalf("err=%v, want unknown backend", err)
	}
	cleanup()
}

// The tests below replace package-level seams and must not run in parallel.

func TestInitMetrics_Datadog_WiresBackendAndCloses(t *testing.T) {
	b := &fakeMetricsBackend{}
	var gotOpts datadog.Options
	var newCalls atomic.Int64

	oldNew, oldLog := newDatadogBackend, logPrintf
	defer func() { newDatadogBackend, logPrintf = oldNew, oldLog }()

	newDatadogBackend = func(_ context.Context, opts datadog.Options) (metricsBackend, error) {
		newCalls.Add(1)
		gotOpts = opts
		return b, nil
	}
	var logged bytes.Buffer
	logPrintf = func(format string, v ...any) { fmt.Fprintf(&logged, format, v...) }
	t.Setenv("METRICS_TAGS", "env:test, team:city")

	cfg := config.Pipeline{Job: "nightly", Metrics: config.Metrics{Backend: "datadog", Tags: []string{"region:eu"}, FlushEvery: "5s"}}
	backend, cleanup, err := initMetrics(context.Background(), cfg)
	if err != nil {
		t.Fatalf("initMetrics err=%v, want nil", err)
	}
	if backend != b {
		t.Fatalf("backend=%v, want fake", backend)
	}
	if gotOpts.JobName != "nightly" {
		t.Fatalf("JobName=%q, want nightly", gotOpts.JobName)
	}
	if got := strings.Join(gotOpts.Tags, ","); got != "region:eu,env:test,team:city" {
		t.Fatalf("Tags=%q", got)
	}
	if gotOpts.FlushEvery.String() != "5s" {
		t.Fatalf("FlushEvery=%s, want 5s", gotOpts.FlushEvery)
	}
	if newCalls.Load() != 1 {
		t.Fatalf("newDatadogBackend calls=%d, want 1", newCalls.Load())
	}

	cleanup()
	if b.closed.Load() != 1 {
		t.Fatalf("backend closed=%d, want 1", b.closed.Load())
	}
	if logged.Len() != 0 {
		t.Fatalf("unexpected log output: %q", logged.String())
	}
}

func TestInitMetrics_CloseErrorIsLogged(t *testing.T) {
	b := &fakeMetricsBackend{closeErr: errors.New("flush failed")}

	oldNew, oldLog := newDatadogBackend, logPrintf
	defer func() { newDatadogBackend, logPrintf = oldNew, oldLog }()

	newDatadogBackend = func(context.Context, datadog.Options) (metricsBackend, error) { return b, nil }
	var logged bytes.Buffer
	logPrintf = func(format string, v ...any) { fmt.Fprintf(&logged, format, v...) }

	_, cleanup, err := initMetrics(context.Background(), config.Pipeline{Metrics: config.Metrics{Backend: "dd"}})
	if err != nil {
		t.Fatalf("initMetrics err=%v, want nil", err)
	}
	cleanup()

	if !strings.Contains(logged.String(), "metrics: dd close error: flush failed") {
		t.Fatalf("log=%q, want close error", logged.String())
	}
}

func TestInitMetrics_Pushgateway(t *testing.T) {
	oldNew := newPromBackend
	defer func() { newPromBackend = oldNew }()

	var gotOpts prompush.Options
	newPromBackend = func(opts prompush.Options) (metricsBackend, error) {
		gotOpts = opts
		return &fakeMetricsBackend{}, nil
	}

	t.Setenv("PUSHGATEWAY_URL", "")
	if _, _, err := initMetrics(context.Background(), config.Pipeline{Job: "j", Metrics: config.Metrics{Backend: "pushgateway"}}); err != nil {
		t.Fatalf("initMetrics err=%v", err)
	}
	if gotOpts.URL != "http://localhost:9091" || gotOpts.JobName != "j" {
		t.Fatalf("opts=%+v, want default URL and job j", gotOpts)
	}

	t.Setenv("PUSHGATEWAY_URL", "http://gw:9091")
	if _, _, err := initMetrics(context.Background(), config.Pipeline{Metrics: config.Metrics{Backend: "prometheus", JobName: "citydb_import"}}); err != nil {
		t.Fatalf("initMetrics err=%v", err)
	}
	if gotOpts.URL != "http://gw:9091" || gotOpts.JobName != "citydb_import" {
		t.Fatalf("opts=%+v, want env URL and configured job name", gotOpts)
	}

	newPromBackend = func(prompush.Options) (metricsBackend, error) { return nil, errors.New("bad url") }
	if _, _, err := initMetrics(context.Background(), config.Pipeline{Metrics: config.Metrics{Backend: "pushgateway"}}); err == nil {
		t.Fatalf("err=nil, want constructor error")
	}
}
