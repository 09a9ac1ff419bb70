package storage

import "strings"

// NormalizeKey converts a gml:id or xlink:href to the canonical form used as
// identifier cache key: surrounding space and a leading "#" are removed
// ("#UUID_1 " and "UUID_1" are the same key).
//
// Hrefs that point into another document ("other.gml#id") are kept as is;
// they can never resolve against this run.
func NormalizeKey(ref string) string {
	ref = strings.TrimSpace(ref)
	return strings.TrimPrefix(ref, "#")
}

// IsLocalRef reports whether href refers to an object in the same dataset.
func IsLocalRef(href string) bool {
	href = strings.TrimSpace(href)
	if href == "" {
		return false
	}
	if strings.HasPrefix(href, "#") {
		return true
	}
	return !strings.Contains(href, "#") && !strings.Contains(href, "/")
}
