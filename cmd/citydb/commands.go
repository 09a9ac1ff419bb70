package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"citydb/internal/config"
	"citydb/internal/deleter"
	"citydb/internal/event"
	"citydb/internal/exporter"
	"citydb/internal/importer"
	"citydb/internal/pipeline"
	"citydb/internal/probe"
	"citydb/internal/validator"
)

// app holds the state shared by all subcommands of one invocation.
type app struct {
	deps   appDeps
	stdout io.Writer
	stderr io.Writer

	cfgPath string
	verbose bool
	global  globalFlags
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "citydb",
		Short: "Import, export and delete CityGML/CityJSON city models",
		Long: `citydb moves city models between CityGML/CityJSON files and a 3D city
database (PostgreSQL, SQLite or SQL Server).

Settings come from a YAML or JSON pipeline config (--config); command line
flags override the config.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError{err} })

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgPath, "config", "", "pipeline config file (YAML or JSON)")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "log pipeline stages to stderr")
	a.global.register(root)

	root.AddCommand(a.importCmd(), a.exportCmd(), a.deleteCmd(), a.validateCmd(), a.validateConfigCmd(), a.probeCmd())
	root.CompletionOptions.DisableDefaultCmd = true
	return root
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

func (a *app) importCmd() *cobra.Command {
	var (
		ff  filterFlags
		src sourceFlags
	)
	var generate bool
	var prefix string
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import a CityGML or CityJSON file into the database",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			cfg.Import.Input = args[0]
			src.apply(cmd, &cfg.Import)
			ff.apply(cmd, &cfg.Import.Filter)
			if cmd.Flags().Changed("gmlid-generate") {
				cfg.Import.GMLID.Generate = generate
			}
			if cmd.Flags().Changed("gmlid-prefix") {
				cfg.Import.GMLID.Prefix = prefix
			}
			return a.run(cmd.Context(), config.CommandImport, cfg, func(ctx context.Context, env *pipeline.Env) (*pipeline.Report, error) {
				return importer.New(env).Run(ctx, cfg.Import.Input)
			})
		},
	}
	src.register(cmd)
	ff.register(cmd)
	cmd.Flags().BoolVar(&generate, "gmlid-generate", false, "replace gml:ids with generated ones")
	cmd.Flags().StringVar(&prefix, "gmlid-prefix", config.DefaultGMLIDPrefix, "prefix of generated gml:ids")
	return cmd
}

func (a *app) exportCmd() *cobra.Command {
	var (
		ff     filterFlags
		format string
		lf     lodFlags
	)
	cmd := &cobra.Command{
		Use:   "export <file>",
		Short: "Export city objects to CityJSON or CityJSONSeq ('-' writes to stdout)",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			cfg.Export.Output = args[0]
			if cmd.Flags().Changed("format") {
				cfg.Export.Format = format
			}
			lf.apply(cmd, &cfg.Export.LOD)
			ff.apply(cmd, &cfg.Export.Filter)
			return a.run(cmd.Context(), config.CommandExport, cfg, func(ctx context.Context, env *pipeline.Env) (*pipeline.Report, error) {
				ex := exporter.New(env)
				ex.Stdout = a.stdout
				return ex.Run(ctx, cfg.Export.Output)
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "cityjsonseq", "output format: cityjson|cityjsonseq")
	lf.register(cmd)
	ff.register(cmd)
	return cmd
}

func (a *app) deleteCmd() *cobra.Command {
	var (
		ff                   filterFlags
		mode, audit          string
		list, column, idType string
	)
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete or terminate city objects selected by filter or id list",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			fl := cmd.Flags()
			if fl.Changed("mode") {
				cfg.Delete.Mode = mode
			}
			if fl.Changed("audit-log") {
				cfg.Delete.AuditLog = audit
			}
			if fl.Changed("id-list") {
				if cfg.Delete.IDList == nil {
					cfg.Delete.IDList = &config.IDList{}
				}
				cfg.Delete.IDList.Path = list
			}
			if l := cfg.Delete.IDList; l != nil {
				if fl.Changed("id-column") {
					l.Column = column
				}
				if fl.Changed("id-type") {
					l.IDType = idType
				}
			}
			ff.apply(cmd, &cfg.Delete.Filter)
			return a.run(cmd.Context(), config.CommandDelete, cfg, func(ctx context.Context, env *pipeline.Env) (*pipeline.Report, error) {
				return deleter.New(env).Run(ctx)
			})
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&mode, "mode", "delete", "delete|terminate")
	fl.StringVar(&audit, "audit-log", "", "CSV file recording every processed object")
	fl.StringVar(&list, "id-list", "", "CSV or JSON file with the identifiers to delete")
	fl.StringVar(&column, "id-column", "", "column (or JSON field) holding the identifiers")
	fl.StringVar(&idType, "id-type", "gmlid", "identifier type: gmlid|id")
	ff.register(cmd)
	return cmd
}

func (a *app) validateCmd() *cobra.Command {
	var src sourceFlags
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a CityGML or CityJSON file without touching the database",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			cfg.Import.Input = args[0]
			src.apply(cmd, &cfg.Import)
			var mu sync.Mutex
			return a.run(cmd.Context(), config.CommandValidate, cfg, func(ctx context.Context, env *pipeline.Env) (*pipeline.Report, error) {
				v := validator.New(env)
				v.OnFinding = func(f validator.Finding) {
					mu.Lock()
					defer mu.Unlock()
					fmt.Fprintln(a.stdout, f)
				}
				report, err := v.Run(ctx, cfg.Import.Input)
				if err == nil && (report.Failed > 0 || report.Unresolved > 0) {
					err = fmt.Errorf("validation failed: %d features with findings, %d unresolved references", report.Failed, report.Unresolved)
				}
				return report, err
			})
		},
	}
	src.register(cmd)
	return cmd
}

func (a *app) validateConfigCmd() *cobra.Command {
	var command string
	cmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Check the pipeline config and exit",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := a.checkConfig(cfg, config.Command(command)); err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, "configuration is valid")
			return nil
		},
	}
	cmd.Flags().StringVar(&command, "command", "import", "command to validate for: import|export|delete|validate")
	return cmd
}

func (a *app) probeCmd() *cobra.Command {
	var (
		opt    probe.Options
		report bool
	)
	cmd := &cobra.Command{
		Use:   "probe <file>",
		Short: "Sample a city model or id list and print a starter pipeline config",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opt.Path = args[0]
			res, err := probe.Run(cmd.Context(), opt)
			if err != nil {
				return fmt.Errorf("probe: %w", err)
			}
			out, err := probe.Render(res.Pipeline)
			if err != nil {
				return err
			}
			if report {
				fmt.Fprint(a.stderr, res.Report())
			}
			_, err = a.stdout.Write(out)
			return err
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&opt.Format, "format", "", "city model format (default: detect)")
	fl.StringVar(&opt.Backend, "backend", "sqlite", "database kind of the generated config: postgres|mssql|sqlite")
	fl.StringVar(&opt.Name, "name", "", "job name (default: derived from the file name)")
	fl.IntVar(&opt.MaxFeatures, "max-features", 1000, "top-level features to sample")
	fl.IntVar(&opt.MaxBytes, "max-bytes", 64<<10, "bytes to sample from id lists")
	fl.BoolVar(&report, "report", false, "print sample statistics to stderr")
	return cmd
}

// loadConfig reads --config (defaults only when unset) and applies the
// global flag overrides.
func (a *app) loadConfig(cmd *cobra.Command) (config.Pipeline, error) {
	var cfg config.Pipeline
	if a.cfgPath == "" {
		cfg.ApplyDefaults()
	} else {
		raw, err := a.deps.readFile(a.cfgPath)
		if err != nil {
			return config.Pipeline{}, fmt.Errorf("read config: %w", err)
		}
		if cfg, err = config.Parse(raw); err != nil {
			return config.Pipeline{}, fmt.Errorf("parse config: %w", err)
		}
	}
	a.global.apply(cmd, &cfg)
	return cfg, nil
}

func (a *app) checkConfig(cfg config.Pipeline, cmd config.Command) error {
	issues := config.ValidatePipeline(cfg, cmd)
	for _, iss := range issues {
		fmt.Fprintln(a.stderr, iss)
	}
	if config.HasErrors(issues) {
		return fmt.Errorf("invalid configuration")
	}
	return nil
}

func (a *app) logger() *log.Logger {
	if a.verbose {
		return log.New(a.stderr, "", log.LstdFlags|log.Lmicroseconds)
	}
	return log.New(io.Discard, "", 0)
}

type driverFunc func(ctx context.Context, env *pipeline.Env) (*pipeline.Report, error)

// run validates cfg, sets up metrics and the pipeline environment, runs
// the driver and prints the report. SIGINT and SIGTERM interrupt the run
// without rollback.
func (a *app) run(ctx context.Context, cmd config.Command, cfg config.Pipeline, fn driverFunc) error {
	if err := a.checkConfig(cfg, cmd); err != nil {
		return err
	}
	logger := a.logger()

	backend, cleanup, err := a.deps.initMetrics(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	defer cleanup()

	env, err := a.deps.newEnv(ctx, cfg, pipeline.Options{
		Logger:          logger,
		Metrics:         backend,
		WithoutDatabase: cmd == config.CommandValidate,
	})
	if err != nil {
		return err
	}
	env.Dispatcher.Subscribe(newProgressLogger(logger), event.TypeProgress, event.TypeStatus)

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	finished, watcher := make(chan struct{}), make(chan struct{})
	go func() {
		defer close(watcher)
		select {
		case <-sigCtx.Done():
			if ctx.Err() == nil {
				env.Dispatcher.Publish(event.Interrupt{Message: "user abort"})
			}
		case <-finished:
		}
	}()

	report, runErr := fn(ctx, env)
	close(finished)
	<-watcher
	stop()
	closeErr := env.Close()

	if report != nil {
		report.Log(logger.Printf)
		fmt.Fprintf(a.stdout, "%s: features=%d objects=%d skipped=%d failed=%d unresolved=%d duration=%s\n",
			report.Op, report.Features, report.Total(), report.Skipped, report.Failed, report.Unresolved, report.Duration)
		if report.Interrupted {
			fmt.Fprintf(a.stdout, "%s: interrupted rollback=%t cause=%s\n", report.Op, report.Rollback, report.Cause)
		}
	}
	return errors.Join(runErr, closeErr)
}
