// Package bloom implements the per-SSTable membership filter described in
// spec.md §4.3: a bit array sized from the target false-positive rate,
// probed with k double-hashed positions derived from two independent
// 64-bit hashes of the key. It is grounded on the teacher's
// pkg/lsm/bloom.go, replacing its fixed 10-bits-per-key sizing and
// single fnv-based double hash with the spec's m/k formula and a pair of
// independent hashes (fnv-1a and a splitmix64 avalanche of the same
// input) so that the two probe sequences aren't trivially correlated.
package bloom

import (
	"encoding/binary"
	"errors"
	"hash/fnv"
	"math"
)

// ErrInvalid is returned when unmarshaling a corrupt or truncated filter.
var ErrInvalid = errors.New("bloom: invalid filter data")

// Filter is a fixed-size bit array bloom filter. It never produces false
// negatives: Contains returns false only for a key that was never Add'ed.
type Filter struct {
	bits []byte
	m    uint64 // number of bits
	k    uint8  // number of hash probes
}

// New sizes a filter for expectedItems entries at the given target
// false-positive rate, per spec.md §4.3:
//
//	m = ceil(-n*ln(p) / (ln 2)^2)
//	k = round((m/n) * ln 2)
func New(expectedItems int, falsePositiveRate float64) *Filter {
	if expectedItems < 1 {
		expectedItems = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}
	n := float64(expectedItems)
	ln2 := math.Ln2
	m := math.Ceil(-n * math.Log(falsePositiveRate) / (ln2 * ln2))
	if m < 8 {
		m = 8
	}
	k := math.Round((m / n) * ln2)
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}
	mBits := uint64(m)
	byteLen := (mBits + 7) / 8
	return &Filter{
		bits: make([]byte, byteLen),
		m:    mBits,
		k:    uint8(k),
	}
}

// Add records key as a member of the set.
func (f *Filter) Add(key []byte) {
	h1, h2 := hashPair(key)
	for i := uint8(0); i < f.k; i++ {
		bit := (h1 + uint64(i)*h2) % f.m
		f.bits[bit/8] |= 1 << (bit % 8)
	}
}

// Contains reports whether key might be in the set. It never returns
// false for a key that was Add'ed.
func (f *Filter) Contains(key []byte) bool {
	h1, h2 := hashPair(key)
	for i := uint8(0); i < f.k; i++ {
		bit := (h1 + uint64(i)*h2) % f.m
		if f.bits[bit/8]&(1<<(bit%8)) == 0 {
			return false
		}
	}
	return true
}

// hashPair derives two independent 64-bit hashes of key for double
// hashing (Kirsch-Mitzenmacher): h(i) = h1 + i*h2.
func hashPair(key []byte) (h1, h2 uint64) {
	fh := fnv.New64a()
	fh.Write(key)
	h1 = fh.Sum64()
	h2 = splitmix64(h1 ^ 0x9E3779B97F4A7C15)
	if h2 == 0 {
		h2 = 1
	}
	return h1, h2
}

func splitmix64(x uint64) uint64 {
	x += 0x9E3779B97F4A7C15
	x = (x ^ (x >> 30)) * 0xBF58476D1CE4E5B9
	x = (x ^ (x >> 27)) * 0x94D049BB133111EB
	x = x ^ (x >> 31)
	return x
}

// Marshal serializes the filter as [m:u64][k:u8][bits], per spec.md §4.3.
func (f *Filter) Marshal() []byte {
	buf := make([]byte, 9+len(f.bits))
	binary.LittleEndian.PutUint64(buf[0:8], f.m)
	buf[8] = f.k
	copy(buf[9:], f.bits)
	return buf
}

// Unmarshal deserializes a filter previously produced by Marshal.
func Unmarshal(data []byte) (*Filter, error) {
	if len(data) < 9 {
		return nil, ErrInvalid
	}
	m := binary.LittleEndian.Uint64(data[0:8])
	k := data[8]
	bits := make([]byte, len(data)-9)
	copy(bits, data[9:])
	if uint64(len(bits)*8) < m {
		return nil, ErrInvalid
	}
	return &Filter{bits: bits, m: m, k: k}, nil
}

// EstimatedFalsePositiveRate reports the filter's expected FPR given how
// many keys have actually been added, for diagnostics: (1 - e^(-kn/m))^k.
func (f *Filter) EstimatedFalsePositiveRate(itemsAdded int) float64 {
	if itemsAdded <= 0 {
		return 0
	}
	k := float64(f.k)
	n := float64(itemsAdded)
	m := float64(f.m)
	return math.Pow(1-math.Exp(-k*n/m), k)
}
