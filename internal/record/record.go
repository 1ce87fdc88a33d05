// Package record defines AkkaraDB's record header (AKHdr32) and the Record
// value type shared by the WAL, block packer, memtable, and SST codecs. It
// has no knowledge of blocks, files, or the memtable itself — just the wire
// shape of one key/value/seq/flags tuple, per spec.md §4.1.
package record

import (
	"github.com/cockroachdb/errors"

	"github.com/SwiftStorm-Studio/akkaradb/internal/akbin"
)

// HeaderSize is the fixed size of AKHdr32, in bytes.
const HeaderSize = 32

// MaxKeyLen is the largest key length representable in the 16-bit kLen field.
const MaxKeyLen = 1<<16 - 1

// Flags is the 8-bit per-record flag byte. Only bit 0 is defined.
type Flags uint8

// Tombstone marks a record as a deletion marker (value length must be 0).
const Tombstone Flags = 1 << 0

func (f Flags) IsTombstone() bool { return f&Tombstone != 0 }

// Seed is the process-wide SipHash-2-4 seed used to compute KeyFP64. It is a
// configuration-fixed constant (spec §3: "seed is configuration-fixed"), not
// randomized per process, so that KeyFP64 values are reproducible across runs
// against the same store.
var Seed = [16]byte{
	0xA5, 0x17, 0x3C, 0x9E, 0xF0, 0x42, 0xB8, 0x61,
	0xD4, 0x0B, 0x7A, 0xE3, 0x55, 0xC9, 0x2F, 0x88,
}

// KeyFP64 computes the 64-bit SipHash-2-4 fingerprint of key under Seed.
func KeyFP64(key []byte) uint64 {
	return akbin.SipHash24(Seed, key)
}

// Record is one (key, value, seqNo, flags) tuple. Two records are equal iff
// (seq, key) match; value does not participate in identity (spec §3).
type Record struct {
	Key   []byte
	Value []byte
	Seq   uint64
	Flags Flags
}

func (r Record) IsTombstone() bool { return r.Flags.IsTombstone() }

// EncodedLen returns the number of bytes Encode will write: header + key +
// value.
func (r Record) EncodedLen() int {
	return HeaderSize + len(r.Key) + len(r.Value)
}

// Encode writes AKHdr32 ∥ key ∥ value into dst, which must be at least
// r.EncodedLen() bytes. It returns an error if the key is too long to be
// represented in the 16-bit kLen field.
func (r Record) Encode(dst []byte) error {
	if len(r.Key) > MaxKeyLen {
		return errors.Newf("record: key length %d exceeds maximum %d", errors.Safe(len(r.Key)), errors.Safe(MaxKeyLen))
	}
	if len(dst) < r.EncodedLen() {
		return errors.Newf("record: destination buffer too small (%d < %d)", errors.Safe(len(dst)), errors.Safe(r.EncodedLen()))
	}
	akbin.PutU16(dst[0:2], uint16(len(r.Key)))
	akbin.PutU32(dst[2:6], uint32(len(r.Value)))
	akbin.PutU64(dst[6:14], r.Seq)
	dst[14] = byte(r.Flags)
	dst[15] = 0 // pad0
	akbin.PutU64(dst[16:24], KeyFP64(r.Key))
	akbin.PutU64(dst[24:32], akbin.MiniKey(r.Key))
	n := copy(dst[HeaderSize:], r.Key)
	copy(dst[HeaderSize+n:], r.Value)
	return nil
}

// View is a zero-copy decoded view of a record header plus offsets of its
// key/value within the backing buffer. Block/WAL readers build Views without
// copying; callers that need ownership past the backing buffer's lifetime
// must call Materialize.
type View struct {
	KLen     uint16
	VLen     uint32
	Seq      uint64
	Flags    Flags
	KeyFP64  uint64
	MiniKey  uint64
	keyStart int
	buf      []byte
}

// HeaderLen is the total on-wire length of the record this view describes
// (header + key + value).
func (v View) HeaderLen() int { return HeaderSize + int(v.KLen) + int(v.VLen) }

// Key returns a zero-copy slice of the key bytes.
func (v View) Key() []byte { return v.buf[v.keyStart : v.keyStart+int(v.KLen)] }

// Value returns a zero-copy slice of the value bytes.
func (v View) Value() []byte {
	start := v.keyStart + int(v.KLen)
	return v.buf[start : start+int(v.VLen)]
}

// Materialize copies this view into an owned Record, safe to retain beyond
// the lifetime of the backing buffer.
func (v View) Materialize() Record {
	key := append([]byte(nil), v.Key()...)
	val := append([]byte(nil), v.Value()...)
	return Record{Key: key, Value: val, Seq: v.Seq, Flags: v.Flags}
}

// DecodeView parses one AKHdr32 ∥ key ∥ value record out of buf starting at
// offset off. It performs the structural bounds check described in spec
// §4.2 ("32 + kLen + vLen must fit within the remaining payload") but does
// not validate any checksum — that is the caller's (block/WAL codec's)
// responsibility, since the checksum covers a larger framing unit than one
// record.
func DecodeView(buf []byte, off int) (View, error) {
	if off+HeaderSize > len(buf) {
		return View{}, errors.New("record: truncated header")
	}
	h := buf[off : off+HeaderSize]
	kLen := akbin.U16(h[0:2])
	vLen := akbin.U32(h[2:6])
	seq := akbin.U64(h[6:14])
	flags := Flags(h[14])
	if h[15] != 0 {
		return View{}, errors.New("record: pad0 byte is non-zero")
	}
	keyFP := akbin.U64(h[16:24])
	miniKey := akbin.U64(h[24:32])

	total := HeaderSize + int(kLen) + int(vLen)
	if off+total > len(buf) {
		return View{}, errors.Newf("record: record of length %d overruns buffer at offset %d", errors.Safe(total), errors.Safe(off))
	}

	return View{
		KLen:     kLen,
		VLen:     vLen,
		Seq:      seq,
		Flags:    flags,
		KeyFP64:  keyFP,
		MiniKey:  miniKey,
		keyStart: off + HeaderSize,
		buf:      buf,
	}, nil
}
