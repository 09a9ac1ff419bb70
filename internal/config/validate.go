package config

import (
	"fmt"
	"strings"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is a single config validation finding. Path uses dotted YAML keys.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

// Command selects which sections ValidatePipeline checks strictly.
type Command string

const (
	CommandImport   Command = "import"
	CommandExport   Command = "export"
	CommandDelete   Command = "delete"
	CommandValidate Command = "validate"
)

var (
	databaseKinds   = []string{"postgres", "sqlite", "mssql"}
	cacheStoreKinds = []string{"sqlite", "badger", "postgres", "database", "memory"}
	importFormats   = []string{"", "citygml", "cityjson", "cityjsonseq"}
	exportFormats   = []string{"cityjson", "cityjsonseq"}
	lodModes        = []string{"or", "and", "minimum", "maximum"}
	deleteModes     = []string{"delete", "terminate"}
	metricsBackends = []string{"none", "datadog", "pushgateway"}
)

// ValidatePipeline returns all problems found in p for the given command.
// It never stops at the first problem. Callers treat any SeverityError issue
// as fatal.
func ValidatePipeline(p Pipeline, cmd Command) []Issue {
	var issues []Issue
	errf := func(path, format string, a ...any) {
		issues = append(issues, Issue{Severity: SeverityError, Path: path, Message: fmt.Sprintf(format, a...)})
	}
	warnf := func(path, format string, a ...any) {
		issues = append(issues, Issue{Severity: SeverityWarning, Path: path, Message: fmt.Sprintf(format, a...)})
	}

	if cmd != CommandValidate {
		if !oneOf(p.Database.Kind, databaseKinds) {
			errf("database.kind", "must be one of %s, got %q", strings.Join(databaseKinds, "|"), p.Database.Kind)
		}
		if strings.TrimSpace(p.Database.DSN) == "" {
			errf("database.dsn", "must not be empty")
		}
	}

	if p.Cache.Capacity <= 0 {
		errf("cache.capacity", "must be > 0")
	}
	if p.Cache.DrainFactor <= 0 || p.Cache.DrainFactor > 1 {
		errf("cache.drain_factor", "must be in (0,1], got %v", p.Cache.DrainFactor)
	}
	if !oneOf(p.Cache.Store.Kind, cacheStoreKinds) {
		errf("cache.store.kind", "must be one of %s, got %q", strings.Join(cacheStoreKinds, "|"), p.Cache.Store.Kind)
	}
	if p.Cache.Store.Kind == "postgres" && p.Cache.Store.DSN == "" && p.Database.Kind != "postgres" {
		errf("cache.store.dsn", "required when cache.store.kind=postgres and database.kind is not postgres")
	}
	for k, o := range p.Cache.Kinds {
		if o.DrainFactor < 0 || o.DrainFactor > 1 {
			errf("cache.kinds."+k+".drain_factor", "must be in (0,1], got %v", o.DrainFactor)
		}
		if o.Capacity < 0 {
			errf("cache.kinds."+k+".capacity", "must be >= 0")
		}
	}

	if p.Runtime.Workers > 256 {
		warnf("runtime.workers", "%d workers is unusually high", p.Runtime.Workers)
	}

	switch cmd {
	case CommandImport, CommandValidate:
		if !oneOf(strings.ToLower(p.Import.Format), importFormats) {
			errf("import.format", "must be one of citygml|cityjson|cityjsonseq, got %q", p.Import.Format)
		}
		issues = append(issues, validateFilter("import.filter", p.Import.Filter)...)

	case CommandExport:
		if !oneOf(p.Export.Format, exportFormats) {
			errf("export.format", "must be one of %s, got %q", strings.Join(exportFormats, "|"), p.Export.Format)
		}
		if !oneOf(p.Export.LOD.Mode, lodModes) {
			errf("export.lod.mode", "must be one of %s, got %q", strings.Join(lodModes, "|"), p.Export.LOD.Mode)
		}
		for i, l := range p.Export.LOD.Levels {
			if l < 0 || l > 4 {
				errf(fmt.Sprintf("export.lod.levels[%d]", i), "must be in 0..4, got %d", l)
			}
		}
		if d := p.Export.LOD.SearchDepth; d != nil && *d < 0 {
			errf("export.lod.search_depth", "must be >= 0")
		}
		issues = append(issues, validateFilter("export.filter", p.Export.Filter)...)

	case CommandDelete:
		if !oneOf(p.Delete.Mode, deleteModes) {
			errf("delete.mode", "must be one of %s, got %q", strings.Join(deleteModes, "|"), p.Delete.Mode)
		}
		if l := p.Delete.IDList; l != nil {
			if l.Path == "" {
				errf("delete.id_list.path", "must not be empty")
			}
			if l.IDType != "" && l.IDType != "gmlid" && l.IDType != "id" {
				errf("delete.id_list.id_type", "must be gmlid|id, got %q", l.IDType)
			}
		}
		issues = append(issues, validateFilter("delete.filter", p.Delete.Filter)...)
		if p.Delete.AuditLog == "" {
			warnf("delete.audit_log", "no audit log configured; deleted objects will not be recorded")
		}
	}

	if !oneOf(p.Metrics.Backend, metricsBackends) {
		errf("metrics.backend", "must be one of %s, got %q", strings.Join(metricsBackends, "|"), p.Metrics.Backend)
	}
	return issues
}

func validateFilter(path string, f Filter) []Issue {
	var issues []Issue
	if len(f.BBox) > 0 {
		if _, err := f.Predicate(); err != nil {
			issues = append(issues, Issue{Severity: SeverityError, Path: path + ".bbox", Message: err.Error()})
		}
	}
	if c := f.Counter; c != nil {
		if c.Start < 0 {
			issues = append(issues, Issue{Severity: SeverityError, Path: path + ".counter.start", Message: "must be >= 0"})
		}
		if c.Count < 0 {
			issues = append(issues, Issue{Severity: SeverityError, Path: path + ".counter.count", Message: "must be >= 0"})
		}
	}
	return issues
}

// HasErrors reports whether any issue has error severity.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
