// Package deleter removes or terminates top-level city objects selected by
// a filter or by an identifier list.
package deleter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"citydb/internal/config"
	"citydb/internal/event"
	"citydb/internal/feature"
	"citydb/internal/filter"
	"citydb/internal/metrics"
	"citydb/internal/parser"
	csvparser "citydb/internal/parser/csv"
	jsonparser "citydb/internal/parser/json"
	"citydb/internal/pipeline"
	"citydb/internal/storage"
	"citydb/internal/worker"
)

const op = "delete"

var errStop = errors.New("delete: stop")

// Deleter runs delete jobs with the dependencies of env.
type Deleter struct {
	Env *pipeline.Env

	// Now stamps termination dates. Defaults to time.Now.
	Now func() time.Time
}

func New(env *pipeline.Env) *Deleter {
	return &Deleter{Env: env, Now: time.Now}
}

// Run deletes (mode "delete") or terminates (mode "terminate") the selected
// objects. With delete.id_list set, the list selects the objects and the
// filter is ignored.
//
// Edge cases:
//   - Listed identifiers that match no object, and objects removed by a
//     concurrent job, are counted as skipped and audited as not_found.
//   - Malformed list records are logged and skipped.
//
// Errors:
//   - Source errors (list file, query).
//   - The first interrupt if the run was interrupted. Fatal database errors
//     interrupt the run with rollback.
func (dl *Deleter) Run(ctx context.Context) (*pipeline.Report, error) {
	env := dl.Env
	cfg := env.Config.Delete
	d := env.Dispatcher
	started := time.Now()
	tally := pipeline.NewTally(op)

	terminate := false
	switch cfg.Mode {
	case "delete", "":
	case "terminate":
		terminate = true
	default:
		return nil, fmt.Errorf("delete: unknown mode %q", cfg.Mode)
	}

	audit, err := openAudit(cfg.AuditLog)
	if err != nil {
		return nil, err
	}

	done := StatusDeleted
	if terminate {
		done = StatusTerminated
	}
	now := dl.Now()
	pool, err := worker.New(ctx, "delete", env.Config.Runtime.Workers,
		worker.FuncFactory(func(ctx context.Context, row storage.CityObjectRow) error {
			typ := feature.TypeName(row.ObjectClassID)
			var err error
			if terminate {
				err = env.Repo.TerminateCityObject(ctx, row.ID, now)
			} else {
				err = env.Repo.DeleteCityObject(ctx, row.ID)
			}
			switch {
			case errors.Is(err, storage.ErrNotFound):
				tally.Skip()
				audit.record(typ, row.ID, row.GMLID, StatusNotFound)
				return nil
			case err != nil:
				audit.record(typ, row.ID, row.GMLID, StatusFailed)
				return err
			}
			tally.AddFeature(d, map[string]int64{typ: 1})
			audit.record(typ, row.ID, row.GMLID, done)
			return nil
		}),
		worker.Options[storage.CityObjectRow]{
			QueueSize:  env.Config.Runtime.QueueSize,
			Dispatcher: d,
			Logger:     env.Logger,
			Fatal:      storage.IsFatal,
			Describe: func(r storage.CityObjectRow) string {
				return fmt.Sprintf("%s id=%d gmlid=%s", feature.TypeName(r.ObjectClassID), r.ID, r.GMLID)
			},
			OnError:    func(storage.CityObjectRow, error) { tally.Fail(env.Metrics) },
			ProgressOp: op,
			Debug:      env.Debug(),
		})
	if err != nil {
		audit.Close()
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.IDList != nil {
		ids := make(chan parser.ID, env.Config.Runtime.BatchSize)
		g.Go(func() error {
			defer close(ids)
			return dl.readList(gctx, cfg.IDList, ids)
		})
		g.Go(func() error {
			defer pool.Shutdown()
			return dl.selectListed(gctx, cfg.IDList, ids, pool, tally, audit)
		})
		d.Publish(event.Status{Message: fmt.Sprintf("%s: reading id list %s", op, cfg.IDList.Path)})
	} else {
		g.Go(func() error {
			defer pool.Shutdown()
			return dl.selectFiltered(gctx, cfg.Filter, pool)
		})
	}
	g.Go(pool.Join)
	err = g.Wait()
	if cerr := audit.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("close audit log: %w", cerr))
	}
	env.Logf("stage=delete mode=%s status=%s duration=%s", cfg.Mode, metrics.Status(err), pipeline.DurMS(started))

	report := tally.Report(started, d)
	metrics.ObserveStep(env.Metrics, op, started, err)
	if d.Interrupted() {
		return report, d.Cause()
	}
	return report, err
}

// selectFiltered queues the objects matching the delete filter.
func (dl *Deleter) selectFiltered(ctx context.Context, f config.Filter, pool *worker.Pool[storage.CityObjectRow]) error {
	pred, err := f.Predicate()
	if err != nil {
		return err
	}
	counter := f.CounterRange()
	q, pushed := filter.ToQuery(pred, counter)
	if pushed {
		if n, err := dl.Env.Repo.CountCityObjects(ctx, q); err == nil {
			dl.Env.Dispatcher.Publish(event.Progress{Op: op, Max: n})
		}
	}

	var matched int64
	return dl.query(ctx, q, func(row storage.CityObjectRow) (bool, error) {
		if pushed {
			return true, nil
		}
		c := filter.Candidate{ID: row.GMLID, Type: feature.TypeName(row.ObjectClassID), Envelope: row.Envelope}
		if !filter.Eval(pred, c) {
			return false, nil
		}
		ok, more := counter.Accept(matched)
		matched++
		if !more {
			return false, errStop
		}
		return ok, nil
	}, pool)
}

// query streams q and queues every row accept admits.
func (dl *Deleter) query(ctx context.Context, q storage.Query, accept func(storage.CityObjectRow) (bool, error), pool *worker.Pool[storage.CityObjectRow]) error {
	d := dl.Env.Dispatcher
	err := dl.Env.Repo.QueryCityObjects(ctx, q, func(row storage.CityObjectRow) error {
		if d.Interrupted() {
			return errStop
		}
		ok, err := accept(row)
		if err != nil || !ok {
			return err
		}
		if err := pool.AddWork(ctx, row); err != nil {
			if d.Interrupted() {
				return errStop
			}
			return err
		}
		return nil
	})
	if errors.Is(err, errStop) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("query cityobjects: %w", err)
	}
	return nil
}

// readList streams the identifier list. Files ending in .json or .jsonl
// are read as JSON, everything else as CSV.
func (dl *Deleter) readList(ctx context.Context, l *config.IDList, out chan<- parser.ID) error {
	fh, err := os.Open(l.Path)
	if err != nil {
		return fmt.Errorf("open id list: %w", err)
	}
	onErr := func(line int, err error) {
		dl.Env.Logf("stage=delete_id_list path=%s line=%d status=skipped err=%v", l.Path, line, err)
	}
	switch strings.ToLower(filepath.Ext(l.Path)) {
	case ".json", ".jsonl":
		defer fh.Close()
		err = jsonparser.StreamIDs(ctx, fh, l.Column, l.Options, out, onErr)
	default:
		err = csvparser.StreamIDs(ctx, fh, l.Column, l.Options, out, onErr)
	}
	if err != nil {
		return fmt.Errorf("read id list %s: %w", l.Path, err)
	}
	return nil
}

// selectListed batches listed identifiers into queries. Identifiers that
// match no object are skipped.
func (dl *Deleter) selectListed(ctx context.Context, l *config.IDList, ids <-chan parser.ID, pool *worker.Pool[storage.CityObjectRow], tally *pipeline.Tally, audit *auditLog) error {
	byID := l.IDType == "id"
	size := dl.Env.Config.Runtime.BatchSize
	var batch []parser.ID

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		var q storage.Query
		want := make(map[string]parser.ID, len(batch))
		for _, id := range batch {
			key := id.Value
			if byID {
				n, err := strconv.ParseInt(id.Value, 10, 64)
				if err != nil || n <= 0 {
					dl.Env.Logf("stage=delete_id_list line=%d status=skipped err=invalid id %q", id.Line, id.Value)
					continue
				}
				key = strconv.FormatInt(n, 10)
				q.IDs = append(q.IDs, n)
			} else {
				q.GMLIDs = append(q.GMLIDs, id.Value)
			}
			want[key] = id
		}
		batch = batch[:0]
		if len(want) == 0 {
			return nil
		}
		err := dl.query(ctx, q, func(row storage.CityObjectRow) (bool, error) {
			if byID {
				delete(want, strconv.FormatInt(row.ID, 10))
			} else {
				delete(want, row.GMLID)
			}
			return true, nil
		}, pool)
		if err != nil {
			return err
		}
		if dl.Env.Dispatcher.Interrupted() {
			return nil
		}
		for v := range want {
			tally.Skip()
			if byID {
				n, _ := strconv.ParseInt(v, 10, 64)
				audit.record("", n, "", StatusNotFound)
			} else {
				audit.record("", 0, v, StatusNotFound)
			}
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case id, ok := <-ids:
			if !ok {
				return flush()
			}
			batch = append(batch, id)
			if len(batch) >= size {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
}
