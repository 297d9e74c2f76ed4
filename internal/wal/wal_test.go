package wal

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/aalhour/lsmkv/internal/status"
)

// bigString repeats partial until it is n bytes long.
func bigString(partial string, n int) string {
	var sb strings.Builder
	for sb.Len() < n {
		sb.WriteString(partial)
	}
	return sb.String()[:n]
}

type reportCollector struct {
	droppedBytes int
	messages     []string
	errs         []error
}

func (r *reportCollector) Corruption(bytes int, err error) {
	r.droppedBytes += bytes
	r.messages = append(r.messages, err.Error())
	r.errs = append(r.errs, err)
}

type logHarness struct {
	t      *testing.T
	dest   bytes.Buffer
	writer *Writer
	report reportCollector
	reader *Reader
}

func newHarness(t *testing.T) *logHarness {
	h := &logHarness{t: t}
	h.writer = NewWriter(&h.dest)
	return h
}

func (h *logHarness) write(msg string) {
	h.t.Helper()
	if h.reader != nil {
		h.t.Fatal("write after starting to read")
	}
	if err := h.writer.AddRecord([]byte(msg)); err != nil {
		h.t.Fatalf("AddRecord: %v", err)
	}
}

func (h *logHarness) read() string {
	h.t.Helper()
	if h.reader == nil {
		h.reader = NewReader(bytes.NewReader(h.dest.Bytes()), &h.report, true, 0)
	}
	rec, err := h.reader.ReadRecord()
	if err == io.EOF {
		return "EOF"
	}
	if err != nil {
		h.t.Fatalf("ReadRecord: %v", err)
	}
	return string(rec)
}

func (h *logHarness) incrementByte(offset int, delta byte) {
	h.dest.Bytes()[offset] += delta
}

func (h *logHarness) setByte(offset int, v byte) {
	h.dest.Bytes()[offset] = v
}

func (h *logHarness) shrinkSize(n int) {
	h.dest.Truncate(h.dest.Len() - n)
}

func (h *logHarness) expectRead(want string) {
	h.t.Helper()
	if got := h.read(); got != want {
		if len(got) > 40 {
			got = got[:40] + "..."
		}
		h.t.Fatalf("read %q, want %d bytes starting %q", got, len(want), want[:min(len(want), 20)])
	}
}

func (h *logHarness) matchError(msg string) bool {
	for _, m := range h.report.messages {
		if strings.Contains(m, msg) {
			return true
		}
	}
	return false
}

func TestEmpty(t *testing.T) {
	h := newHarness(t)
	h.expectRead("EOF")
}

func TestReadWrite(t *testing.T) {
	h := newHarness(t)
	h.write("foo")
	h.write("bar")
	h.write("")
	h.write("xxxx")
	h.expectRead("foo")
	h.expectRead("bar")
	h.expectRead("")
	h.expectRead("xxxx")
	h.expectRead("EOF")
	h.expectRead("EOF")
}

func TestManyBlocks(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 100000; i++ {
		h.write(fmt.Sprint(i))
	}
	for i := 0; i < 100000; i++ {
		h.expectRead(fmt.Sprint(i))
	}
	h.expectRead("EOF")
}

func TestFragmentation(t *testing.T) {
	h := newHarness(t)
	h.write("small")
	h.write(bigString("medium", 50000))
	h.write(bigString("large", 100000))
	h.expectRead("small")
	h.expectRead(bigString("medium", 50000))
	h.expectRead(bigString("large", 100000))
	h.expectRead("EOF")
}

func TestMarginalTrailer(t *testing.T) {
	// Leaves exactly a header's worth of space in the first block.
	h := newHarness(t)
	n := BlockSize - 2*HeaderSize
	h.write(bigString("foo", n))
	if h.dest.Len() != BlockSize-HeaderSize {
		t.Fatalf("written = %d, want %d", h.dest.Len(), BlockSize-HeaderSize)
	}
	h.write("")
	h.write("bar")
	h.expectRead(bigString("foo", n))
	h.expectRead("")
	h.expectRead("bar")
	h.expectRead("EOF")
}

func TestShortTrailer(t *testing.T) {
	h := newHarness(t)
	n := BlockSize - 2*HeaderSize + 4
	h.write(bigString("foo", n))
	if h.dest.Len() != BlockSize-HeaderSize+4 {
		t.Fatalf("written = %d, want %d", h.dest.Len(), BlockSize-HeaderSize+4)
	}
	h.write("")
	h.write("bar")
	h.expectRead(bigString("foo", n))
	h.expectRead("")
	h.expectRead("bar")
	h.expectRead("EOF")
}

func TestAlignedEOF(t *testing.T) {
	h := newHarness(t)
	n := BlockSize - 2*HeaderSize + 4
	h.write(bigString("foo", n))
	h.expectRead(bigString("foo", n))
	h.expectRead("EOF")
}

func TestBadChecksum(t *testing.T) {
	h := newHarness(t)
	h.write("foo")
	h.incrementByte(0, 10)
	h.expectRead("EOF")
	if h.report.droppedBytes != 10 {
		t.Fatalf("dropped = %d, want 10", h.report.droppedBytes)
	}
	if !h.matchError("checksum mismatch") {
		t.Fatalf("messages = %v", h.report.messages)
	}
	if !status.IsCorruption(h.report.errs[0]) {
		t.Fatalf("reported error %v is not a corruption", h.report.errs[0])
	}
}

func TestChecksumNotVerified(t *testing.T) {
	h := newHarness(t)
	h.write("foo")
	h.incrementByte(0, 10)
	h.reader = NewReader(bytes.NewReader(h.dest.Bytes()), &h.report, false, 0)
	h.expectRead("foo")
	h.expectRead("EOF")
	if h.report.droppedBytes != 0 {
		t.Fatalf("dropped = %d, want 0", h.report.droppedBytes)
	}
}

func TestUnknownRecordType(t *testing.T) {
	h := newHarness(t)
	h.write("foo")
	h.setByte(6, 100)
	h.reader = NewReader(bytes.NewReader(h.dest.Bytes()), &h.report, false, 0)
	h.expectRead("EOF")
	if h.report.droppedBytes != 3 {
		t.Fatalf("dropped = %d, want 3", h.report.droppedBytes)
	}
	if !h.matchError("unknown record type") {
		t.Fatalf("messages = %v", h.report.messages)
	}
}

func TestTruncatedTrailingRecordIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.write("foo")
	h.shrinkSize(4) // drop all payload and one header byte
	h.expectRead("EOF")
	if h.report.droppedBytes != 0 || len(h.report.messages) != 0 {
		t.Fatalf("reported %d bytes: %v", h.report.droppedBytes, h.report.messages)
	}
}

func TestBadLength(t *testing.T) {
	h := newHarness(t)
	payload := BlockSize - HeaderSize
	h.write(bigString("bar", payload))
	h.write("foo")
	// The first record now claims to run past the end of its block.
	h.incrementByte(4, 1)
	h.expectRead("foo")
	if h.report.droppedBytes != BlockSize {
		t.Fatalf("dropped = %d, want %d", h.report.droppedBytes, BlockSize)
	}
	if !h.matchError("bad record length") {
		t.Fatalf("messages = %v", h.report.messages)
	}
}

func TestBadLengthAtEndIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.write("foo")
	h.shrinkSize(1)
	h.expectRead("EOF")
	if h.report.droppedBytes != 0 {
		t.Fatalf("dropped = %d, want 0", h.report.droppedBytes)
	}
}

func TestPartialLastIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.write(bigString("bar", BlockSize))
	// Cut the LAST fragment short: the writer died mid-record.
	h.shrinkSize(1)
	h.expectRead("EOF")
	if h.report.droppedBytes != 0 {
		t.Fatalf("dropped = %d, want 0", h.report.droppedBytes)
	}
}

func TestErrorJoinsRecords(t *testing.T) {
	// Consider two fragmented records spanning three blocks:
	//   first(R1) last(R1) first(R2) last(R2)
	// Corrupting the middle block must not join the start of R1 with the
	// end of R2.
	h := newHarness(t)
	h.write(bigString("foo", BlockSize))
	h.write(bigString("bar", BlockSize))
	h.write("correct")

	for offset := BlockSize; offset < 2*BlockSize; offset++ {
		h.setByte(offset, 'x')
	}

	h.expectRead("correct")
	h.expectRead("EOF")
	if h.report.droppedBytes < 2*BlockSize || h.report.droppedBytes > 2*BlockSize+100 {
		t.Fatalf("dropped = %d, want about %d", h.report.droppedBytes, 2*BlockSize)
	}
}

func TestLastRecordOffsetAndInitialOffset(t *testing.T) {
	records := []string{
		bigString("a", 10000),
		bigString("b", 10000),
		bigString("c", 2*BlockSize-1000),
		"d",
		bigString("e", 13716),
		bigString("f", BlockSize-HeaderSize),
	}
	h := newHarness(t)
	for _, r := range records {
		h.write(r)
	}

	// Offsets as seen from a reader starting at zero.
	offsets := make([]uint64, len(records))
	for i, want := range records {
		h.expectRead(want)
		offsets[i] = h.reader.LastRecordOffset()
	}
	if offsets[0] != 0 || offsets[1] != 10000+HeaderSize {
		t.Fatalf("offsets = %v", offsets)
	}

	for i := range records {
		for _, start := range []uint64{offsets[i], offsets[i] + 1} {
			t.Run(fmt.Sprintf("record%d_at%d", i, start), func(t *testing.T) {
				r := NewReader(bytes.NewReader(h.dest.Bytes()), nil, true, start)
				first := i
				if start != offsets[i] {
					first = i + 1
				}
				for j := first; j < len(records); j++ {
					rec, err := r.ReadRecord()
					if err != nil {
						t.Fatalf("record %d: %v", j, err)
					}
					if string(rec) != records[j] {
						t.Fatalf("record %d: got %d bytes, want %d", j, len(rec), len(records[j]))
					}
					if r.LastRecordOffset() != offsets[j] {
						t.Fatalf("record %d: offset %d, want %d", j, r.LastRecordOffset(), offsets[j])
					}
				}
				if _, err := r.ReadRecord(); err != io.EOF {
					t.Fatalf("expected EOF, got %v", err)
				}
			})
		}
	}
}

func TestInitialOffsetPastEnd(t *testing.T) {
	h := newHarness(t)
	h.write("foo")
	r := NewReader(bytes.NewReader(h.dest.Bytes()), &h.report, true, uint64(h.dest.Len())+5)
	if _, err := r.ReadRecord(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestReuseWithOffset(t *testing.T) {
	h := newHarness(t)
	h.write(bigString("foo", 1000))

	// A second writer resumes the same log mid-block.
	h.writer = NewWriterWithOffset(&h.dest, int64(h.dest.Len()))
	h.write(bigString("bar", BlockSize))
	h.write("baz")

	h.expectRead(bigString("foo", 1000))
	h.expectRead(bigString("bar", BlockSize))
	h.expectRead("baz")
	h.expectRead("EOF")
}

type syncBuffer struct {
	bytes.Buffer
	synced bool
}

func (s *syncBuffer) Sync() error {
	s.synced = true
	return nil
}

func TestWriterSync(t *testing.T) {
	var buf syncBuffer
	w := NewWriter(&buf)
	if err := w.AddRecord([]byte("x")); err != nil {
		t.Fatalf("AddRecord: %v", err)
	}
	if err := w.Sync(); err != nil || !buf.synced {
		t.Fatalf("Sync: err=%v synced=%v", err, buf.synced)
	}

	// Sync on a plain writer is a no-op.
	if err := NewWriter(io.Discard).Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
}

func TestRecordTypeString(t *testing.T) {
	tests := []struct {
		rt   RecordType
		want string
	}{
		{ZeroType, "ZeroType"},
		{FullType, "FullType"},
		{FirstType, "FirstType"},
		{MiddleType, "MiddleType"},
		{LastType, "LastType"},
		{RecordType(255), "UnknownType"},
	}
	for _, tt := range tests {
		if got := tt.rt.String(); got != tt.want {
			t.Errorf("RecordType(%d).String() = %q, want %q", tt.rt, got, tt.want)
		}
	}
}
