// Package parity implements the stripe erasure coders of spec.md §4.3: None,
// XOR (m=1), Dual-XOR (m=2), and Reed-Solomon over GF(2^8) (m≥1, k+m≤255).
// All coders operate on fixed-size (32 KiB) block buffers.
package parity

import (
	"github.com/cockroachdb/errors"
)

// Kind identifies a parity coder variant.
type Kind int

const (
	None Kind = iota
	XOR
	DualXOR
	ReedSolomon
)

func (k Kind) String() string {
	switch k {
	case None:
		return "NONE"
	case XOR:
		return "XOR"
	case DualXOR:
		return "DUAL_XOR"
	case ReedSolomon:
		return "RS"
	default:
		return "UNKNOWN"
	}
}

// ErrUnrecoverable is returned by Reconstruct when more lanes are missing
// than the coder can recover, or the coder is None. It is spec §7's
// UnrecoverableStripe kind at the coder level; the stripe reader wraps it
// with stripe-index context.
var ErrUnrecoverable = errors.New("akkaradb: unrecoverable erasure (too many missing lanes)")

// Lanes holds one stripe's worth of block buffers: k data lanes followed by
// m parity lanes. A nil entry in Data or Parity means that lane is missing
// (lost or never read); Reconstruct fills in requested nil entries in place.
type Lanes struct {
	Data   [][]byte // len == k
	Parity [][]byte // len == m
}

// MissingData returns the indices of nil entries in Data.
func (l Lanes) MissingData() []int {
	var out []int
	for i, d := range l.Data {
		if d == nil {
			out = append(out, i)
		}
	}
	return out
}

// MissingParity returns the indices of nil entries in Parity.
func (l Lanes) MissingParity() []int {
	var out []int
	for i, p := range l.Parity {
		if p == nil {
			out = append(out, i)
		}
	}
	return out
}

// Coder encodes and reconstructs one stripe's parity blocks. Implementations
// must be safe for concurrent use once constructed (their coefficient
// tables are immutable after New returns).
type Coder interface {
	Kind() Kind
	K() int
	M() int

	// Encode computes m parity blocks from k data blocks. All blocks in
	// data must be exactly blockSize bytes (bufpool.BlockSize in practice,
	// but the coder itself is agnostic to the constant). Encode allocates
	// and returns the parity blocks; it does not mutate data.
	Encode(data [][]byte) ([][]byte, error)

	// Verify recomputes parity from data and compares byte-for-byte against
	// parity, per spec §4.3.
	Verify(data, parity [][]byte) (bool, error)

	// Reconstruct fills in nil entries of lanes.Data and lanes.Parity using
	// the non-nil (surviving) entries. It returns ErrUnrecoverable if more
	// lanes are missing than the coder tolerates.
	Reconstruct(lanes Lanes) error
}

// New constructs a Coder for the given kind, k data lanes and m parity
// lanes. It validates the (kind, k, m) combination against spec §4.3's
// constraints (k+m ≤ 255 for Reed-Solomon; m fixed at 1 for XOR, 2 for
// Dual-XOR, 0 for None).
func New(kind Kind, k, m int) (Coder, error) {
	if k <= 0 {
		return nil, errors.Newf("parity: k must be positive, got %d", errors.Safe(k))
	}
	switch kind {
	case None:
		if m != 0 {
			return nil, errors.Newf("parity: NONE coder requires m=0, got %d", errors.Safe(m))
		}
		return &noneCoder{k: k}, nil
	case XOR:
		if m != 1 {
			return nil, errors.Newf("parity: XOR coder requires m=1, got %d", errors.Safe(m))
		}
		return &xorCoder{k: k}, nil
	case DualXOR:
		if m != 2 {
			return nil, errors.Newf("parity: DUAL_XOR coder requires m=2, got %d", errors.Safe(m))
		}
		return newDualXORCoder(k), nil
	case ReedSolomon:
		if m < 1 {
			return nil, errors.Newf("parity: RS coder requires m>=1, got %d", errors.Safe(m))
		}
		if k+m > 255 {
			return nil, errors.Newf("parity: RS coder requires k+m<=255, got %d", errors.Safe(k+m))
		}
		return newRSCoder(k, m), nil
	default:
		return nil, errors.Newf("parity: unknown coder kind %d", errors.Safe(int(kind)))
	}
}

func blocksEqual(a, b []byte) bool {
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

func zeroedLike(b []byte) []byte {
	return make([]byte, len(b))
}

func blockLen(data [][]byte) int {
	for _, d := range data {
		if d != nil {
			return len(d)
		}
	}
	return 0
}
