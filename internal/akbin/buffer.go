package akbin

import "encoding/binary"

// All multi-byte integers in AkkaraDB's on-disk formats are little-endian.
// These thin wrappers exist so call sites read "PutU32"/"U32" instead of
// spelling out binary.LittleEndian everywhere, matching the convention the
// corpus's block/record codecs use.

func PutU16(b []byte, v uint16) { binary.LittleEndian.PutUint16(b, v) }
func U16(b []byte) uint16       { return binary.LittleEndian.Uint16(b) }

func PutU32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
func U32(b []byte) uint32       { return binary.LittleEndian.Uint32(b) }

func PutU64(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) }
func U64(b []byte) uint64       { return binary.LittleEndian.Uint64(b) }

// MiniKey packs up to the first 8 bytes of key into a little-endian,
// zero-padded uint64, per spec P3: "miniKey = LE bytes of key[0..min(8,|key|)]
// zero padded".
func MiniKey(key []byte) uint64 {
	var buf [8]byte
	n := len(key)
	if n > 8 {
		n = 8
	}
	copy(buf[:n], key[:n])
	return U64(buf[:])
}
