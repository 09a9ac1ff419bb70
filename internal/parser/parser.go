// Package parser holds the identifier-list readers used by the delete
// pipeline. Each sub-package streams one ID per record into a channel.
package parser

// ID is one identifier read from a list, with the 1-based record number it
// came from (CSV line or JSON element).
type ID struct {
	Line  int
	Value string
}
