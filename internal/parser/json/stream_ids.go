// Package json reads identifier lists from JSON and JSON Lines files.
package json

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"citydb/internal/config"
	"citydb/internal/parser"
)

// StreamIDs streams identifiers from r into out.
//
// Accepted shapes:
//   - a root array of strings, numbers or objects;
//   - a root object whose first array field holds the records (envelope);
//   - a single root object, or a sequence of objects (JSON Lines).
//
// For object records, column names the field holding the ID ("id" when
// empty). header_map in opt maps source keys to column names.
//
// Errors:
//   - structural decode errors stop the stream and are also reported
//     through onErr.
//   - records without a usable ID are reported through onErr and skipped.
func StreamIDs(
	ctx context.Context,
	r io.Reader,
	column string,
	opt config.Options,
	out chan<- parser.ID,
	onErr func(line int, err error),
) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	if column == "" {
		column = "id"
	}
	keys := sourceKeys(column, opt.StringMap("header_map"))

	line := 0
	emit := func(v any) error {
		line++
		id, ok := recordID(v, keys)
		if !ok {
			if onErr != nil {
				onErr(line, fmt.Errorf("json: record has no %q value", column))
			}
			return nil
		}
		select {
		case out <- parser.ID{Line: line, Value: id}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	fail := func(err error) error {
		if onErr != nil {
			onErr(line+1, err)
		}
		return err
	}

	tok, err := dec.Token()
	if err != nil {
		if err == io.EOF {
			return nil
		}
		return fail(fmt.Errorf("json: read first token: %w", err))
	}

	switch tok {
	case json.Delim('['):
		if err := streamArray(ctx, dec, emit, fail); err != nil {
			return err
		}
		return streamTrailing(dec, emit, fail)

	case json.Delim('{'):
		streamed, single, err := streamEnvelopeOrSingle(ctx, dec, emit, fail)
		if err != nil {
			return err
		}
		if end, err := dec.Token(); err != nil {
			return fail(fmt.Errorf("json: read object end: %w", err))
		} else if end != json.Delim('}') {
			return fail(fmt.Errorf("json: expected object end '}', got %v", end))
		}
		if !streamed {
			if err := emit(single); err != nil {
				return err
			}
		}
		return streamTrailing(dec, emit, fail)

	default:
		return fail(fmt.Errorf("json: unsupported root token %v (want object or array)", tok))
	}
}

// streamArray emits the elements of the current array ('[' consumed) and
// consumes the closing ']'.
func streamArray(ctx context.Context, dec *json.Decoder, emit func(any) error, fail func(error) error) error {
	for dec.More() {
		var v any
		if err := dec.Decode(&v); err != nil {
			return fail(fmt.Errorf("json: decode array element: %w", err))
		}
		if v == nil {
			continue
		}
		if err := emit(v); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	end, err := dec.Token()
	if err != nil {
		return fail(fmt.Errorf("json: read array end: %w", err))
	}
	if end != json.Delim(']') {
		return fail(fmt.Errorf("json: expected ']', got %v", end))
	}
	return nil
}

func streamTrailing(dec *json.Decoder, emit func(any) error, fail func(error) error) error {
	for {
		var v any
		if err := dec.Decode(&v); err != nil {
			if err == io.EOF {
				return nil
			}
			return fail(fmt.Errorf("json: decode trailing record: %w", err))
		}
		if err := emit(v); err != nil {
			return err
		}
	}
}

// streamEnvelopeOrSingle walks a root object ('{' consumed). The first
// array-valued field is streamed as the record list and the remaining
// fields are skipped. Without such a field the object itself is returned as
// a single record.
func streamEnvelopeOrSingle(ctx context.Context, dec *json.Decoder, emit func(any) error, fail func(error) error) (bool, map[string]any, error) {
	single := make(map[string]any)
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return false, nil, fail(fmt.Errorf("json: read object key: %w", err))
		}
		key, _ := kt.(string)

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return false, nil, fail(fmt.Errorf("json: read value of %q: %w", key, err))
		}
		trimmed := strings.TrimSpace(string(raw))
		if strings.HasPrefix(trimmed, "[") {
			sub := json.NewDecoder(strings.NewReader(trimmed))
			sub.UseNumber()
			if _, err := sub.Token(); err != nil {
				return false, nil, fail(err)
			}
			if err := streamArray(ctx, sub, emit, fail); err != nil {
				return false, nil, err
			}
			for dec.More() {
				if _, err := dec.Token(); err != nil {
					return true, nil, fail(fmt.Errorf("json: skip envelope key: %w", err))
				}
				var skip json.RawMessage
				if err := dec.Decode(&skip); err != nil {
					return true, nil, fail(fmt.Errorf("json: skip envelope value: %w", err))
				}
			}
			return true, nil, nil
		}

		sub := json.NewDecoder(strings.NewReader(trimmed))
		sub.UseNumber()
		var v any
		if err := sub.Decode(&v); err != nil {
			return false, nil, fail(err)
		}
		single[key] = v
	}
	return false, single, nil
}

// sourceKeys lists the object keys that may carry column: the column itself
// and every source key header_map renames to it.
func sourceKeys(column string, hm map[string]string) []string {
	keys := []string{column}
	for src, dst := range hm {
		if dst == column && src != column {
			keys = append(keys, src)
		}
	}
	return keys
}

func recordID(v any, keys []string) (string, bool) {
	switch t := v.(type) {
	case string:
		t = strings.TrimSpace(t)
		return t, t != ""
	case json.Number:
		return t.String(), true
	case map[string]any:
		for _, k := range keys {
			if x, ok := t[k]; ok && x != nil {
				switch xv := x.(type) {
				case map[string]any, []any:
					return "", false
				default:
					return recordID(xv, nil)
				}
			}
		}
		return "", false
	default:
		return "", false
	}
}
