package iterator

import (
	"bytes"
	"errors"
	"sort"
	"testing"
)

// sliceIter iterates a sorted slice of keys; values are the keys upper-cased.
type sliceIter struct {
	keys   []string
	pos    int
	err    error
	closed bool
}

func newSliceIter(keys ...string) *sliceIter {
	sort.Strings(keys)
	return &sliceIter{keys: keys, pos: -1}
}

func (s *sliceIter) Valid() bool  { return s.pos >= 0 && s.pos < len(s.keys) }
func (s *sliceIter) SeekToFirst() { s.pos = 0 }
func (s *sliceIter) SeekToLast()  { s.pos = len(s.keys) - 1 }
func (s *sliceIter) Seek(target []byte) {
	s.pos = sort.SearchStrings(s.keys, string(target))
}
func (s *sliceIter) Next()         { s.pos++ }
func (s *sliceIter) Prev()         { s.pos-- }
func (s *sliceIter) Key() []byte   { return []byte(s.keys[s.pos]) }
func (s *sliceIter) Value() []byte { return bytes.ToUpper(s.Key()) }
func (s *sliceIter) Error() error  { return s.err }
func (s *sliceIter) Close() error  { s.closed = true; return s.err }

func collectForward(it Iterator) []string {
	var out []string
	for it.SeekToFirst(); it.Valid(); it.Next() {
		out = append(out, string(it.Key()))
	}
	return out
}

func collectBackward(it Iterator) []string {
	var out []string
	for it.SeekToLast(); it.Valid(); it.Prev() {
		out = append(out, string(it.Key()))
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestMergingIteratorOrder(t *testing.T) {
	it := NewMergingIterator(bytes.Compare,
		newSliceIter("a", "d", "g"),
		newSliceIter("b", "e"),
		newSliceIter(),
		newSliceIter("c", "f", "h"),
	)
	want := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	if got := collectForward(it); !equal(got, want) {
		t.Fatalf("forward = %v, want %v", got, want)
	}
	rev := []string{"h", "g", "f", "e", "d", "c", "b", "a"}
	if got := collectBackward(it); !equal(got, rev) {
		t.Fatalf("backward = %v, want %v", got, rev)
	}
	if err := it.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestMergingIteratorSeek(t *testing.T) {
	it := NewMergingIterator(bytes.Compare,
		newSliceIter("a", "c", "e"),
		newSliceIter("b", "d", "f"),
	)
	tests := []struct {
		target string
		want   string
		valid  bool
	}{
		{"", "a", true},
		{"c", "c", true},
		{"cc", "d", true},
		{"f", "f", true},
		{"g", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			it.Seek([]byte(tt.target))
			if it.Valid() != tt.valid {
				t.Fatalf("Valid() = %v, want %v", it.Valid(), tt.valid)
			}
			if tt.valid && string(it.Key()) != tt.want {
				t.Fatalf("Key() = %q, want %q", it.Key(), tt.want)
			}
		})
	}
}

func TestMergingIteratorDirectionSwitch(t *testing.T) {
	it := NewMergingIterator(bytes.Compare,
		newSliceIter("a", "c", "e", "g"),
		newSliceIter("b", "d", "f"),
	)
	it.Seek([]byte("d"))
	steps := []struct {
		move func()
		want string
	}{
		{it.Next, "e"},
		{it.Prev, "d"},
		{it.Prev, "c"},
		{it.Next, "d"},
		{it.Next, "e"},
		{it.Next, "f"},
		{it.Prev, "e"},
	}
	for i, s := range steps {
		s.move()
		if !it.Valid() || string(it.Key()) != s.want {
			t.Fatalf("step %d: got valid=%v key=%q, want %q", i, it.Valid(), it.Key(), s.want)
		}
	}
	if string(it.Value()) != "E" {
		t.Fatalf("Value() = %q, want %q", it.Value(), "E")
	}
}

func TestMergingIteratorError(t *testing.T) {
	boom := errors.New("boom")
	bad := newSliceIter()
	bad.err = boom
	it := NewMergingIterator(bytes.Compare, newSliceIter("a"), bad)
	it.SeekToFirst()
	if it.Valid() {
		t.Fatalf("iterator valid despite child error")
	}
	if !errors.Is(it.Error(), boom) {
		t.Fatalf("Error() = %v, want %v", it.Error(), boom)
	}
}

func TestMergingIteratorClosesChildren(t *testing.T) {
	a, b := newSliceIter("a"), newSliceIter("b")
	it := NewMergingIterator(bytes.Compare, a, b)
	_ = it.Close()
	if !a.closed || !b.closed {
		t.Fatalf("children not closed: a=%v b=%v", a.closed, b.closed)
	}
}

func TestWithCleanup(t *testing.T) {
	var calls []int
	it := WithCleanup(NewEmptyIterator(nil), func() { calls = append(calls, 1) })
	it = WithCleanup(it, func() { calls = append(calls, 2) })
	if err := it.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(calls) != 2 || calls[0] != 1 || calls[1] != 2 {
		t.Fatalf("cleanups ran as %v, want [1 2]", calls)
	}
}

func TestEmptyIterator(t *testing.T) {
	boom := errors.New("boom")
	it := NewEmptyIterator(boom)
	it.SeekToFirst()
	if it.Valid() {
		t.Fatal("empty iterator is valid")
	}
	if !errors.Is(it.Close(), boom) {
		t.Fatalf("Close() = %v, want %v", it.Close(), boom)
	}
}
