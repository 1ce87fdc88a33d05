// Package block implements the 32 KiB block codec of spec.md §4.2: packing a
// sequence of records (§record.Record) into a fixed-size, CRC32C-checksummed
// frame, and unpacking that frame back into zero-copy record views.
package block

import (
	"github.com/cockroachdb/errors"

	"github.com/SwiftStorm-Studio/akkaradb/internal/akbin"
	"github.com/SwiftStorm-Studio/akkaradb/internal/bufpool"
	"github.com/SwiftStorm-Studio/akkaradb/internal/record"
)

// Size is the fixed size of every block, in bytes.
const Size = bufpool.BlockSize

// trailerLen is the 4-byte CRC32C trailer.
const trailerLen = 4

// MaxPayloadLen is the largest payloadLen a block can declare: Size minus the
// 4-byte payloadLen field and the 4-byte CRC trailer.
const MaxPayloadLen = Size - 4 - trailerLen

// ErrCorruptedBlock is returned by Unpack when a block's capacity, length
// field, or CRC is inconsistent. It is spec.md §7's CorruptedBlock kind.
var ErrCorruptedBlock = errors.New("akkaradb: corrupted block")

// Packer accumulates records into a single 32 KiB block. It owns its scratch
// buffer until Seal transfers ownership to the caller (spec §9: "the block
// packer owns its scratch until seal, at which point ownership transfers to
// the stripe writer").
type Packer struct {
	buf []byte // Size bytes; buf[4:4+used] is the accumulated payload.
	used int
}

// NewPacker begins a new block using buf as scratch space. buf must be
// exactly Size bytes (typically obtained from a bufpool.Pool).
func NewPacker(buf []byte) *Packer {
	if len(buf) != Size {
		panic("block: scratch buffer must be exactly Size bytes")
	}
	return &Packer{buf: buf}
}

// Reset rearms the packer to begin a new block reusing the same scratch
// buffer, corresponding to pack_begin() in spec §4.2.
func (p *Packer) Reset() {
	p.used = 0
}

// Remaining reports how many more payload bytes this block can hold.
func (p *Packer) Remaining() int {
	return MaxPayloadLen - p.used
}

// Append tries to append one record to the block. It returns false, making
// no change, if the record does not fit (spec: "return false iff the
// remaining space cannot hold 32 + kLen + vLen").
func (p *Packer) Append(r record.Record) (bool, error) {
	need := r.EncodedLen()
	if need > p.Remaining() {
		return false, nil
	}
	dst := p.buf[4+p.used : 4+p.used+need]
	if err := r.Encode(dst); err != nil {
		return false, err
	}
	p.used += need
	return true, nil
}

// Empty reports whether no record has been appended since the last Reset.
func (p *Packer) Empty() bool { return p.used == 0 }

// Seal stamps payloadLen, zero-pads the remainder, computes the CRC32C
// trailer, and returns the completed block. The returned slice aliases the
// packer's scratch buffer; ownership of that buffer transfers to the caller,
// matching spec §9's block hand-off rule. The packer must not be reused
// without a Reset.
func (p *Packer) Seal() []byte {
	akbin.PutU32(p.buf[0:4], uint32(p.used))
	clear(p.buf[4+p.used : Size-trailerLen])
	crc := akbin.ChecksumCRC32C(p.buf[:Size-trailerLen])
	akbin.PutU32(p.buf[Size-trailerLen:Size], crc)
	return p.buf
}

// Record is one decoded record view inside an unpacked block.
type Record = record.View

// Unpack validates and decodes a 32 KiB block, per spec §4.2: verifies
// capacity, recomputes the CRC32C trailer, then iterates records validating
// that each fits within the declared payload. It returns zero-copy views
// into blk; the caller must not mutate or reuse blk while the views are
// live.
func Unpack(blk []byte) ([]record.View, error) {
	if len(blk) != Size {
		return nil, errors.Wrapf(ErrCorruptedBlock, "block: expected %d bytes, got %d", errors.Safe(Size), errors.Safe(len(blk)))
	}
	wantCRC := akbin.U32(blk[Size-trailerLen : Size])
	gotCRC := akbin.ChecksumCRC32C(blk[:Size-trailerLen])
	if wantCRC != gotCRC {
		return nil, errors.Wrapf(ErrCorruptedBlock, "block: CRC mismatch (want %x got %x)", errors.Safe(wantCRC), errors.Safe(gotCRC))
	}

	payloadLen := akbin.U32(blk[0:4])
	if payloadLen > MaxPayloadLen {
		return nil, errors.Wrapf(ErrCorruptedBlock, "block: payloadLen %d exceeds maximum %d", errors.Safe(payloadLen), errors.Safe(MaxPayloadLen))
	}
	payload := blk[4 : 4+payloadLen]

	var views []record.View
	off := 0
	for off < len(payload) {
		v, err := record.DecodeView(payload, off)
		if err != nil {
			return nil, errors.Wrapf(ErrCorruptedBlock, "block: %s", err)
		}
		views = append(views, v)
		off += v.HeaderLen()
	}
	return views, nil
}
