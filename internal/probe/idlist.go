package probe

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"citydb/internal/config"
	"citydb/internal/parser"
	jsonparser "citydb/internal/parser/json"
)

// IDListSample describes a sampled identifier list.
type IDListSample struct {
	// Format: "csv" | "json"
	Format    string
	Comma     rune
	HasHeader bool
	Headers   []string
	Column    string
	// IDType: "gmlid" | "id"
	IDType   string
	Rows     int
	Distinct int
}

// Header names that hold gml:ids or database ids, in preference order.
var (
	gmlIDColumns = []string{"gml_id", "gmlid", "gml:id", "gml id", "gmlidentifier"}
	dbIDColumns  = []string{"id", "objectid", "object_id", "cityobject_id"}
)

func probeIDList(path string, sample []byte) (Result, error) {
	trim := bytes.TrimSpace(sample)
	var (
		l   *IDListSample
		err error
	)
	if len(trim) > 0 && (trim[0] == '[' || trim[0] == '{') {
		l, err = sampleJSONList(trim)
	} else {
		l, err = sampleCSVList(sample)
	}
	if err != nil {
		return Result{}, err
	}

	res := Result{Kind: KindIDList, Format: l.Format, IDList: l}
	opts := config.Options{}
	if l.Format == "csv" {
		opts["comma"] = string(l.Comma)
		opts["has_header"] = l.HasHeader
		opts["trim_space"] = true
	}
	res.Pipeline.Delete.IDList = &config.IDList{
		Path:    path,
		Column:  l.Column,
		IDType:  l.IDType,
		Options: opts,
	}
	return res, nil
}

// sampleCSVList picks the delimiter that splits the sample into the most
// columns consistently, then guesses header and id column.
func sampleCSVList(sample []byte) (*IDListSample, error) {
	// Cut at the last newline to avoid a half record.
	if i := bytes.LastIndexByte(sample, '\n'); i > 0 {
		sample = sample[:i+1]
	}
	sample = bytes.TrimPrefix(sample, []byte("\xef\xbb\xbf"))

	var (
		best     rune = ','
		bestRows [][]string
		bestCols int
	)
	for _, comma := range []rune{',', ';', '\t', '|'} {
		rows, err := readCSVSample(sample, comma)
		if err != nil || len(rows) == 0 {
			continue
		}
		if cols := len(rows[0]); cols > bestCols {
			best, bestRows, bestCols = comma, rows, cols
		}
	}
	if len(bestRows) == 0 {
		return nil, fmt.Errorf("id list: no records in sample")
	}

	l := &IDListSample{Format: "csv", Comma: best}
	data := bestRows
	if looksLikeHeader(bestRows) {
		l.HasHeader = true
		l.Headers = bestRows[0]
		data = bestRows[1:]
	}

	col := pickColumn(l.Headers, data)
	switch {
	case l.HasHeader:
		l.Column = l.Headers[col]
	case col > 0:
		// Without a header the column is a 1-based index.
		l.Column = strconv.Itoa(col + 1)
	}
	l.IDType = idTypeOf(l.Column, columnValues(data, col))
	l.Rows = len(data)
	l.Distinct = distinct(columnValues(data, col))
	return l, nil
}

// readCSVSample parses a newline-cut sample. Records whose field count
// differs from the first record are skipped.
func readCSVSample(data []byte, comma rune) ([][]string, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = comma
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var rows [][]string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return rows, err
		}
		if len(rows) > 0 && len(rec) != len(rows[0]) {
			continue
		}
		for i := range rec {
			rec[i] = strings.TrimSpace(rec[i])
		}
		rows = append(rows, rec)
	}
}

// looksLikeHeader reports whether the first row names the columns: a
// known id header, or a non-numeric cell above numeric data.
func looksLikeHeader(rows [][]string) bool {
	for _, h := range rows[0] {
		n := normalizeName(h)
		if contains(gmlIDColumns, n) || contains(dbIDColumns, n) {
			return true
		}
	}
	if len(rows) < 2 {
		return false
	}
	for i, h := range rows[0] {
		if !isInteger(h) && allIntegers(columnValues(rows[1:], i)) {
			return true
		}
	}
	return false
}

// pickColumn prefers known gml:id headers, then known id headers, then the
// first column whose sampled values are non-empty and unique.
func pickColumn(headers []string, data [][]string) int {
	for _, names := range [][]string{gmlIDColumns, dbIDColumns} {
		for i, h := range headers {
			if contains(names, normalizeName(h)) || contains(names, strings.ToLower(h)) {
				return i
			}
		}
	}
	if len(data) == 0 {
		return 0
	}
	for i := range data[0] {
		vals := columnValues(data, i)
		if distinct(vals) == len(vals) && !hasEmpty(vals) {
			return i
		}
	}
	return 0
}

func idTypeOf(column string, vals []string) string {
	n := normalizeName(column)
	switch {
	case contains(gmlIDColumns, n):
		return "gmlid"
	case len(vals) > 0 && allIntegers(vals):
		return "id"
	default:
		return "gmlid"
	}
}

// sampleJSONList tries the known id keys against the sample and keeps the
// one that yields the most identifiers.
func sampleJSONList(sample []byte) (*IDListSample, error) {
	l := &IDListSample{Format: "json"}
	if rest := bytes.TrimSpace(sample[1:]); sample[0] == '[' && len(rest) > 0 && rest[0] != '{' {
		vals := streamSample(sample, "")
		if len(vals) == 0 {
			return nil, fmt.Errorf("id list: no identifiers found in json sample")
		}
		l.IDType = idTypeOf("", vals)
		l.Rows, l.Distinct = len(vals), distinct(vals)
		return l, nil
	}
	var bestVals []string
	for _, key := range append(append([]string{}, gmlIDColumns...), dbIDColumns...) {
		vals := streamSample(sample, key)
		if len(vals) > len(bestVals) {
			l.Column, bestVals = key, vals
		}
	}
	if len(bestVals) == 0 {
		return nil, fmt.Errorf("id list: no identifiers found in json sample")
	}
	l.IDType = idTypeOf(l.Column, bestVals)
	l.Rows = len(bestVals)
	l.Distinct = distinct(bestVals)
	return l, nil
}

// streamSample collects the ids the json parser emits for key. Decode
// errors, such as a record cut off by the sample, end the collection.
func streamSample(sample []byte, key string) []string {
	out := make(chan parser.ID, 64)
	done := make(chan []string)
	go func() {
		var vals []string
		for id := range out {
			vals = append(vals, id.Value)
		}
		done <- vals
	}()
	_ = jsonparser.StreamIDs(context.Background(), bytes.NewReader(sample), key, nil, out, nil)
	close(out)
	return <-done
}

func columnValues(rows [][]string, col int) []string {
	vals := make([]string, 0, len(rows))
	for _, r := range rows {
		if col < len(r) {
			vals = append(vals, r[col])
		}
	}
	return vals
}

func distinct(vals []string) int {
	seen := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		seen[v] = struct{}{}
	}
	return len(seen)
}

func hasEmpty(vals []string) bool {
	for _, v := range vals {
		if v == "" {
			return true
		}
	}
	return false
}

func isInteger(s string) bool {
	_, err := strconv.ParseInt(s, 10, 64)
	return err == nil
}

func allIntegers(vals []string) bool {
	for _, v := range vals {
		if !isInteger(v) {
			return false
		}
	}
	return len(vals) > 0
}

func contains(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}
