package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Options is a loosely typed option bag used by readers and parsers.
//
// Values come straight from YAML/JSON decoding, so numbers may arrive as int,
// int64, float64 or string. The typed getters below normalize those shapes and
// fall back to the given default when a key is missing or unparseable.
type Options map[string]any

// Any returns the raw value for key, or nil.
func (o Options) Any(key string) any {
	if o == nil {
		return nil
	}
	return o[key]
}

// String returns the option as a trimmed string.
func (o Options) String(key, def string) string {
	v, ok := o[key]
	if !ok || v == nil {
		return def
	}
	s := strings.TrimSpace(fmt.Sprint(v))
	if s == "" {
		return def
	}
	return s
}

// Bool accepts bool values and the usual string spellings.
func (o Options) Bool(key string, def bool) bool {
	switch t := o[key].(type) {
	case bool:
		return t
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		if err != nil {
			return def
		}
		return b
	default:
		return def
	}
}

// Int accepts any integral numeric value or a decimal string.
func (o Options) Int(key string, def int) int {
	switch t := o[key].(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return def
		}
		return n
	default:
		return def
	}
}

// Float accepts any numeric value or a decimal string.
func (o Options) Float(key string, def float64) float64 {
	switch t := o[key].(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return def
		}
		return f
	default:
		return def
	}
}

// Rune returns the first rune of a string option (e.g. a CSV delimiter).
// The literal "\t" and "tab" both map to a tab character.
func (o Options) Rune(key string, def rune) rune {
	s, ok := o[key].(string)
	if !ok || s == "" {
		return def
	}
	switch s {
	case `\t`, "tab":
		return '\t'
	}
	return []rune(s)[0]
}

// StringMap returns a map option with stringified values. Non-map values yield nil.
func (o Options) StringMap(key string) map[string]string {
	switch t := o[key].(type) {
	case map[string]string:
		return t
	case map[string]any:
		out := make(map[string]string, len(t))
		for k, v := range t {
			out[k] = fmt.Sprint(v)
		}
		return out
	default:
		return nil
	}
}
