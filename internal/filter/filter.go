// Package filter provides the per-table filters consulted before reading a
// data block.
package filter

// Policy builds and probes filters. The name is stored in each table; a
// table written under a different policy name is read without its filter.
type Policy interface {
	Name() string

	// CreateFilter returns a filter summarizing keys.
	CreateFilter(keys [][]byte) []byte

	// KeyMayMatch returns false only if key was not among the keys passed
	// to CreateFilter.
	KeyMayMatch(key, filter []byte) bool
}
