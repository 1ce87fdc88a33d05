package sstable

import (
	"math"

	"github.com/bits-and-blooms/bitset"
	"github.com/cespare/xxhash/v2"

	"github.com/SwiftStorm-Studio/akkaradb/internal/record"
)

// numHashes is the fixed hash-function count for the double-hashing scheme
// of spec.md §4.7 ("7 hash functions derived from two 64-bit hashes").
// It is a format constant, not derived from bloomFPRate: the configured
// false-positive rate only scales bitsPerEntry at write time.
const numHashes = 7

// DefaultBitsPerEntry matches spec §4.7's "default ≈ 10".
const DefaultBitsPerEntry = 10.0

// BitsPerEntryForFPRate converts a target false-positive rate into the bits
// per entry a bloom filter needs for numHashes hash functions, using the
// standard optimal-k relation solved for m/n.
func BitsPerEntryForFPRate(fpRate float64) float64 {
	if fpRate <= 0 || fpRate >= 1 {
		return DefaultBitsPerEntry
	}
	return -math.Log(fpRate) / (math.Ln2 * math.Ln2)
}

// Bloom is the per-SST bloom filter: a flat bit array addressed by double
// hashing two independent 64-bit hashes of the key (spec §4.7).
type Bloom struct {
	bits *bitset.BitSet
	m    uint64
}

// NewBloom sizes a fresh filter for entries keys at bitsPerEntry bits each.
func NewBloom(entries uint64, bitsPerEntry float64) *Bloom {
	if bitsPerEntry <= 0 {
		bitsPerEntry = DefaultBitsPerEntry
	}
	m := uint64(math.Ceil(float64(entries) * bitsPerEntry))
	if m == 0 {
		m = 64
	}
	// Round up to a whole 64-bit word so the serialized byte length alone
	// (bloomOff .. footerOff) is enough for a reader to recover m, without
	// the footer needing to carry it explicitly.
	m = ((m + 63) / 64) * 64
	return &Bloom{bits: bitset.New(uint(m)), m: m}
}

// LoadBloom reconstructs a filter from its on-disk bit array; m is derived
// by the caller from the bloom section's byte length (§4.7 stores no
// explicit bit count, only the section's span between bloomOff and the
// footer).
func LoadBloom(raw []byte, m uint64) *Bloom {
	nWords := (m + 63) / 64
	words := make([]uint64, nWords)
	for i := range words {
		lo := i * 8
		hi := lo + 8
		if hi > len(raw) {
			hi = len(raw)
		}
		var w uint64
		for j := lo; j < hi; j++ {
			w |= uint64(raw[j]) << (8 * uint(j-lo))
		}
		words[i] = w
	}
	return &Bloom{bits: bitset.From(words), m: m}
}

func (b *Bloom) positions(key []byte) [numHashes]uint64 {
	h1 := xxhash.Sum64(key)
	h2 := record.KeyFP64(key)
	if h2 == 0 {
		h2 = 1 // double hashing degenerates if the second hash is zero
	}
	var pos [numHashes]uint64
	for i := uint64(0); i < numHashes; i++ {
		pos[i] = (h1 + i*h2) % b.m
	}
	return pos
}

// AddKey sets key's bits.
func (b *Bloom) AddKey(key []byte) {
	for _, p := range b.positions(key) {
		b.bits.Set(uint(p))
	}
}

// MayContainKey reports whether key might be present. false is definitive;
// true may be a false positive.
func (b *Bloom) MayContainKey(key []byte) bool {
	for _, p := range b.positions(key) {
		if !b.bits.Test(uint(p)) {
			return false
		}
	}
	return true
}

// Bytes serializes the bit array as little-endian 64-bit words, per the
// on-disk layout of spec §4.7/§6.
func (b *Bloom) Bytes() []byte {
	words := b.bits.Bytes()
	out := make([]byte, len(words)*8)
	for i, w := range words {
		for j := 0; j < 8; j++ {
			out[i*8+j] = byte(w >> (8 * uint(j)))
		}
	}
	return out
}

// NumBits reports the filter's bit-array size.
func (b *Bloom) NumBits() uint64 { return b.m }

// EstimatedFalsePositiveRate returns the standard (1 - e^(-k*n/m))^k
// estimate for a filter sized for n entries, independent of which keys
// were actually inserted.
func (b *Bloom) EstimatedFalsePositiveRate(n uint64) float64 {
	if b.m == 0 || n == 0 {
		return 0
	}
	return math.Pow(1-math.Exp(-float64(numHashes)*float64(n)/float64(b.m)), numHashes)
}
