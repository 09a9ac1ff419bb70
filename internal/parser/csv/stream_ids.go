// Package csv reads identifier lists from delimited text files.
package csv

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"citydb/internal/config"
	"citydb/internal/parser"
)

// StreamIDs streams the values of one column of a CSV file into out.
//
// When to use:
//   - delete runs driven by an ID list instead of a database query.
//
// Column selection:
//   - With a header (has_header, default true), column names the header
//     field after trimming, BOM removal, header_map renaming and
//     lower-casing with spaces replaced by "_". An empty column selects the
//     first field.
//   - Without a header, column is a 1-based field index ("" means 1).
//
// Edge cases:
//   - Empty values are skipped.
//   - Malformed records are reported through onErr and skipped.
//
// Errors:
//   - a missing header or unknown column is returned immediately.
//   - ctx cancellation returns ctx.Err().
func StreamIDs(
	ctx context.Context,
	src io.ReadCloser,
	column string,
	opt config.Options,
	out chan<- parser.ID,
	onErr func(line int, err error),
) error {
	defer src.Close()

	hasHeader := opt.Bool("has_header", true)
	trim := opt.Bool("trim_space", true)
	hm := opt.StringMap("header_map")

	cr := csv.NewReader(src)
	cr.Comma = opt.Rune("comma", ',')
	cr.Comment = opt.Rune("comment", 0)
	cr.ReuseRecord = true
	cr.LazyQuotes = opt.Bool("lazy_quotes", false)
	cr.FieldsPerRecord = -1

	var line int
	readRec := func() ([]string, error) {
		line++
		return cr.Read()
	}

	col := 0
	if hasHeader {
		hdr, err := readRec()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read header: %w", err)
		}
		if column != "" {
			col = -1
			want := normalizeHeader(column, hm)
			for i, h := range hdr {
				if i == 0 {
					h = strings.TrimPrefix(h, "\uFEFF")
				}
				if normalizeHeader(h, hm) == want {
					col = i
					break
				}
			}
			if col < 0 {
				return fmt.Errorf("id column %q not found in header", column)
			}
		}
	} else if column != "" {
		n, err := strconv.Atoi(column)
		if err != nil || n < 1 {
			return fmt.Errorf("id column %q: want a 1-based index without header", column)
		}
		col = n - 1
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rec, err := readRec()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if onErr != nil {
				onErr(line, fmt.Errorf("csv read: %w", err))
			}
			continue
		}
		if col >= len(rec) {
			if onErr != nil {
				onErr(line, fmt.Errorf("record has %d fields, id column is %d", len(rec), col+1))
			}
			continue
		}
		v := rec[col]
		if trim && hasEdgeSpace(v) {
			v = strings.TrimSpace(v)
		}
		if v == "" {
			continue
		}

		select {
		case out <- parser.ID{Line: line, Value: v}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func normalizeHeader(h string, hm map[string]string) string {
	if hasEdgeSpace(h) {
		h = strings.TrimSpace(h)
	}
	if mapped, ok := hm[h]; ok {
		return mapped
	}
	return strings.ReplaceAll(strings.ToLower(h), " ", "_")
}

func hasEdgeSpace(s string) bool {
	if s == "" {
		return false
	}
	return isSpace(s[0]) || isSpace(s[len(s)-1])
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
