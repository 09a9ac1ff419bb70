// Command citydb imports CityGML/CityJSON files into a 3D city database,
// exports them as CityJSON, deletes or terminates city objects and
// validates input files.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"citydb/internal/config"
	"citydb/internal/metrics"
	"citydb/internal/metrics/datadog"
	"citydb/internal/metrics/prompush"
	"citydb/internal/pipeline"

	_ "citydb/internal/feature/citygml"
	_ "citydb/internal/feature/cityjson"

	// register all backends with the storage factories.
	// config specifies which to use but we need to build in support for all of them.
	_ "citydb/internal/storage/all"
)

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdout, os.Stderr, defaultDeps()))
}

// metricsBackend is a metrics.Backend owning background resources.
type metricsBackend interface {
	metrics.Backend
	Close() error
}

// appDeps are the side-effecting collaborators of runMain.
type appDeps struct {
	readFile    func(path string) ([]byte, error)
	initMetrics func(ctx context.Context, cfg config.Pipeline) (metrics.Backend, func(), error)
	newEnv      func(ctx context.Context, cfg config.Pipeline, opts pipeline.Options) (*pipeline.Env, error)
}

func defaultDeps() appDeps {
	return appDeps{
		readFile:    os.ReadFile,
		initMetrics: initMetrics,
		newEnv:      pipeline.New,
	}
}

// Package-level seams for initMetrics tests.
var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		return datadog.NewBackend(ctx, opts)
	}
	newPromBackend = func(opts prompush.Options) (metricsBackend, error) {
		return prompush.NewBackend(opts)
	}
	logPrintf = log.Printf
)

// usageError marks command line mistakes (exit code 2).
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// runMain executes one command line and returns the exit code: 0 on
// success, 1 on run errors and 2 on usage errors.
func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	root := newRootCmd(&app{deps: deps, stdout: stdout, stderr: stderr})
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var ue usageError
	if errors.As(err, &ue) || strings.HasPrefix(err.Error(), "unknown command") {
		fmt.Fprintf(stderr, "error: %v\nrun 'citydb --help' for usage\n", err)
		return 2
	}
	fmt.Fprintf(stderr, "error: %v\n", err)
	return 1
}

// initMetrics creates the configured metrics backend. The returned cleanup
// is never nil and closes the backend, which performs a final flush.
func initMetrics(ctx context.Context, cfg config.Pipeline) (metrics.Backend, func(), error) {
	noop := func() {}
	m := cfg.Metrics
	job := cfg.Job
	if job == "" {
		job = "citydb"
	}

	var (
		b   metricsBackend
		err error
	)
	switch strings.ToLower(m.Backend) {
	case "", "none", "noop":
		return metrics.Nop{}, noop, nil

	case "datadog", "dd":
		tags := append([]string(nil), m.Tags...)
		tags = append(tags, datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS"))...)
		b, err = newDatadogBackend(ctx, datadog.Options{
			JobName:    job,
			Tags:       tags,
			FlushEvery: m.FlushInterval(60 * time.Second),
		})

	case "pushgateway", "prometheus":
		url := m.PushgatewayURL
		if url == "" {
			url = os.Getenv("PUSHGATEWAY_URL")
		}
		if url == "" {
			url = "http://localhost:9091"
		}
		name := m.JobName
		if name == "" {
			name = job
		}
		b, err = newPromBackend(prompush.Options{
			URL:        url,
			JobName:    name,
			FlushEvery: m.FlushInterval(0),
		})

	default:
		return nil, noop, fmt.Errorf("unknown metrics backend %q", m.Backend)
	}
	if err != nil {
		return nil, noop, fmt.Errorf("init %s metrics: %w", m.Backend, err)
	}

	backend := m.Backend
	cleanup := func() {
		if err := b.Close(); err != nil {
			logPrintf("metrics: %s close error: %v", backend, err)
		}
	}
	return b, cleanup, nil
}
