package dbformat

import (
	"bytes"

	"github.com/aalhour/lsmkv/internal/encoding"
)

// Comparator defines a total order over user keys. Its name is persisted in
// the MANIFEST and must not change for the lifetime of a database.
type Comparator interface {
	// Compare returns <0, 0 or >0 as a is less than, equal to or greater than b.
	Compare(a, b []byte) int

	// Name identifies the ordering.
	Name() string

	// FindShortestSeparator returns a key k with start <= k < limit, as short
	// as possible. Returning start unchanged is always correct.
	FindShortestSeparator(start, limit []byte) []byte

	// FindShortSuccessor returns a short key k >= key. Returning key unchanged
	// is always correct.
	FindShortSuccessor(key []byte) []byte
}

type bytewiseComparator struct{}

// BytewiseComparator orders keys lexicographically by unsigned byte value.
var BytewiseComparator Comparator = bytewiseComparator{}

func (bytewiseComparator) Compare(a, b []byte) int { return bytes.Compare(a, b) }

func (bytewiseComparator) Name() string { return "leveldb.BytewiseComparator" }

func (bytewiseComparator) FindShortestSeparator(start, limit []byte) []byte {
	n := min(len(start), len(limit))
	i := 0
	for i < n && start[i] == limit[i] {
		i++
	}
	if i >= n {
		// One key is a prefix of the other.
		return start
	}
	b := start[i]
	if b < 0xff && b+1 < limit[i] {
		sep := append([]byte(nil), start[:i+1]...)
		sep[i]++
		return sep
	}
	return start
}

func (bytewiseComparator) FindShortSuccessor(key []byte) []byte {
	for i, b := range key {
		if b != 0xff {
			succ := append([]byte(nil), key[:i+1]...)
			succ[i]++
			return succ
		}
	}
	// key is a run of 0xff bytes.
	return key
}

// InternalKeyComparator orders internal keys by user key ascending, then by
// trailer descending.
type InternalKeyComparator struct {
	user Comparator
}

// NewInternalKeyComparator wraps the user comparator c.
func NewInternalKeyComparator(c Comparator) *InternalKeyComparator {
	if c == nil {
		c = BytewiseComparator
	}
	return &InternalKeyComparator{user: c}
}

// UserComparator returns the wrapped user comparator.
func (c *InternalKeyComparator) UserComparator() Comparator { return c.user }

// Name is constant; the user comparator's name is what gets persisted.
func (c *InternalKeyComparator) Name() string { return "leveldb.InternalKeyComparator" }

// Compare orders two encoded internal keys.
func (c *InternalKeyComparator) Compare(a, b []byte) int {
	if r := c.user.Compare(ExtractUserKey(a), ExtractUserKey(b)); r != 0 {
		return r
	}
	ta, tb := ExtractTrailer(a), ExtractTrailer(b)
	switch {
	case ta > tb:
		return -1
	case ta < tb:
		return 1
	}
	return 0
}

// CompareUserKeys compares the user portions of two internal keys.
func (c *InternalKeyComparator) CompareUserKeys(a, b []byte) int {
	return c.user.Compare(ExtractUserKey(a), ExtractUserKey(b))
}

// FindShortestSeparator shortens the user portion of start when the result
// still sorts before limit, then re-attaches the maximal trailer.
func (c *InternalKeyComparator) FindShortestSeparator(start, limit []byte) []byte {
	userStart, userLimit := ExtractUserKey(start), ExtractUserKey(limit)
	tmp := c.user.FindShortestSeparator(userStart, userLimit)
	if len(tmp) < len(userStart) && c.user.Compare(userStart, tmp) < 0 {
		sep := encoding.AppendFixed64(append([]byte(nil), tmp...),
			PackSequenceAndType(MaxSequenceNumber, ValueTypeForSeek))
		return sep
	}
	return start
}

// FindShortSuccessor does the same for the last key of a table.
func (c *InternalKeyComparator) FindShortSuccessor(key []byte) []byte {
	userKey := ExtractUserKey(key)
	tmp := c.user.FindShortSuccessor(userKey)
	if len(tmp) < len(userKey) && c.user.Compare(userKey, tmp) < 0 {
		return encoding.AppendFixed64(append([]byte(nil), tmp...),
			PackSequenceAndType(MaxSequenceNumber, ValueTypeForSeek))
	}
	return key
}
