package db

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aalhour/lsmkv/internal/batch"
)

// queuedWriter returns a writer whose batch holds one Put with a value of
// valueLen bytes. valueLen < 0 queues a nil batch.
func queuedWriter(valueLen int, sync bool) *writer {
	w := &writer{sync: sync}
	if valueLen >= 0 {
		w.batch = batch.New()
		w.batch.Put([]byte("k"), bytes.Repeat([]byte("v"), valueLen))
	}
	return w
}

func TestBuildBatchGroup(t *testing.T) {
	const big = 200 << 10

	tests := []struct {
		name    string
		writers []*writer
		last    int
	}{
		{
			name:    "alone",
			writers: []*writer{queuedWriter(10, false)},
			last:    0,
		},
		{
			name: "sync never follows a non-sync leader",
			writers: []*writer{
				queuedWriter(10, false), queuedWriter(10, false),
				queuedWriter(10, true), queuedWriter(10, false),
			},
			last: 1,
		},
		{
			name:    "sync leader takes non-sync writes",
			writers: []*writer{queuedWriter(10, true), queuedWriter(10, false), queuedWriter(10, true)},
			last:    2,
		},
		{
			name: "nil batch ends the group",
			writers: []*writer{
				queuedWriter(10, false), queuedWriter(10, false),
				queuedWriter(-1, false), queuedWriter(10, false),
			},
			last: 1,
		},
		{
			name:    "small leader limits growth",
			writers: []*writer{queuedWriter(100, false), queuedWriter(smallBatchThreshold, false)},
			last:    0,
		},
		{
			name:    "small leader takes small followers",
			writers: []*writer{queuedWriter(100, false), queuedWriter(64<<10, false), queuedWriter(64<<10, false)},
			last:    1,
		},
		{
			name: "group capped at one mebibyte",
			writers: []*writer{
				queuedWriter(big, false), queuedWriter(big, false), queuedWriter(big, false),
				queuedWriter(big, false), queuedWriter(big, false), queuedWriter(big, false),
				queuedWriter(big, false),
			},
			last: 4,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &DBImpl{tmpBatch: batch.New(), writers: tt.writers}
			group, last := d.buildBatchGroup()
			require.Same(t, tt.writers[tt.last], last)

			want := 0
			for _, w := range tt.writers[:tt.last+1] {
				want += w.batch.Count()
			}
			require.Equal(t, want, group.Count())
			if tt.last == 0 {
				require.Same(t, tt.writers[0].batch, group)
			} else {
				require.Same(t, d.tmpBatch, group)
			}
			require.Equal(t, 1, tt.writers[0].batch.Count(), "leader batch modified")
		})
	}
}
