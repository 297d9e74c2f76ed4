package filter

import (
	"github.com/bits-and-blooms/bloom/v3"
)

type bloomPolicy struct {
	bitsPerKey int
	k          uint
}

// NewBloomPolicy returns a Bloom filter policy using about bitsPerKey bits
// per key. Ten bits per key yields a false positive rate near 1%.
func NewBloomPolicy(bitsPerKey int) Policy {
	if bitsPerKey < 1 {
		bitsPerKey = 1
	}
	// k = ln(2) * bits per key minimizes false positives.
	k := uint(float64(bitsPerKey) * 0.69)
	k = max(1, min(k, 30))
	return &bloomPolicy{bitsPerKey: bitsPerKey, k: k}
}

func (p *bloomPolicy) Name() string { return "lsmkv.BloomFilter" }

func (p *bloomPolicy) CreateFilter(keys [][]byte) []byte {
	// Tiny filters have a high false positive rate; use at least 64 bits.
	m := uint(max(64, len(keys)*p.bitsPerKey))
	f := bloom.New(m, p.k)
	for _, key := range keys {
		f.Add(key)
	}
	data, err := f.MarshalBinary()
	if err != nil {
		// Cannot happen for an in-memory filter; an empty filter means
		// "may match" for every key.
		return nil
	}
	return data
}

func (p *bloomPolicy) KeyMayMatch(key, filter []byte) bool {
	if len(filter) == 0 {
		return true
	}
	var f bloom.BloomFilter
	if err := f.UnmarshalBinary(filter); err != nil {
		return true
	}
	return f.Test(key)
}
