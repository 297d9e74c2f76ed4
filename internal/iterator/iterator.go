// Package iterator defines the cursor interface shared by memtables, table
// blocks, tables, levels and the database, plus the combinators used to
// stack them.
package iterator

// Iterator is a bidirectional cursor over sorted key/value pairs.
//
// Key and Value are only meaningful while Valid is true, and the returned
// slices are only valid until the next positioning call.
type Iterator interface {
	Valid() bool

	// SeekToFirst positions at the first entry.
	SeekToFirst()

	// SeekToLast positions at the last entry.
	SeekToLast()

	// Seek positions at the first entry with key >= target.
	Seek(target []byte)

	// Next moves forward. REQUIRES: Valid()
	Next()

	// Prev moves backward. REQUIRES: Valid()
	Prev()

	Key() []byte
	Value() []byte

	// Error returns the first error encountered, if any.
	Error() error

	// Close releases resources held by the iterator and returns Error().
	Close() error
}

type emptyIterator struct {
	err error
}

// NewEmptyIterator returns an iterator with no entries whose Error is err.
func NewEmptyIterator(err error) Iterator {
	return &emptyIterator{err: err}
}

func (e *emptyIterator) Valid() bool   { return false }
func (e *emptyIterator) SeekToFirst()  {}
func (e *emptyIterator) SeekToLast()   {}
func (e *emptyIterator) Seek([]byte)   {}
func (e *emptyIterator) Next()         {}
func (e *emptyIterator) Prev()         {}
func (e *emptyIterator) Key() []byte   { return nil }
func (e *emptyIterator) Value() []byte { return nil }
func (e *emptyIterator) Error() error  { return e.err }
func (e *emptyIterator) Close() error  { return e.err }

type cleanupIterator struct {
	Iterator
	cleanups []func()
}

// WithCleanup returns it with fns registered to run, in order, once Close
// is called.
func WithCleanup(it Iterator, fns ...func()) Iterator {
	if c, ok := it.(*cleanupIterator); ok {
		c.cleanups = append(c.cleanups, fns...)
		return c
	}
	return &cleanupIterator{Iterator: it, cleanups: fns}
}

func (c *cleanupIterator) Close() error {
	err := c.Iterator.Close()
	for _, fn := range c.cleanups {
		fn()
	}
	c.cleanups = nil
	return err
}
