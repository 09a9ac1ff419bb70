package deleter

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
)

// Audit statuses.
const (
	StatusDeleted    = "deleted"
	StatusTerminated = "terminated"
	StatusNotFound   = "not_found"
	StatusFailed     = "failed"
)

// auditLog writes one CSV record per processed object. A nil *auditLog
// discards records.
type auditLog struct {
	mu sync.Mutex
	w  *csv.Writer
	c  io.Closer
}

func openAudit(path string) (*auditLog, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create audit log: %w", err)
	}
	a := &auditLog{w: csv.NewWriter(f), c: f}
	if err := a.w.Write([]string{"type", "id", "gmlid", "status"}); err != nil {
		f.Close()
		return nil, fmt.Errorf("write audit log: %w", err)
	}
	return a, nil
}

func (a *auditLog) record(typ string, id int64, gmlID, status string) {
	if a == nil {
		return
	}
	ids := ""
	if id != 0 {
		ids = strconv.FormatInt(id, 10)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	_ = a.w.Write([]string{typ, ids, gmlID, status})
}

func (a *auditLog) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.w.Flush()
	err := a.w.Error()
	if cerr := a.c.Close(); err == nil {
		err = cerr
	}
	return err
}
