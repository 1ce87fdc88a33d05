// Package wal implements the write-ahead log of spec.md §4.5: framed
// record payloads, group commit (N operations or T microseconds), segment
// rotation, and crash-tolerant replay that stops at the first torn frame.
package wal

import (
	"github.com/cockroachdb/errors"

	"github.com/SwiftStorm-Studio/akkaradb/internal/akbin"
	"github.com/SwiftStorm-Studio/akkaradb/internal/record"
)

// ErrTruncated names a replay that stopped at a torn frame. Per spec §7,
// this is not an error condition for the caller — it defines the recovered
// prefix. Replay does not return it: a torn tail is logged there and
// reported through Replay's truncated result.
var ErrTruncated = errors.New("akkaradb: wal replay stopped at a torn frame")

// encodeFrame writes [length u32][payload][crc32c u32 over payload] for one
// record, per spec §4.5 / §6.
func encodeFrame(r record.Record) []byte {
	payloadLen := r.EncodedLen()
	frame := make([]byte, 4+payloadLen+4)
	akbin.PutU32(frame[0:4], uint32(payloadLen))
	if err := r.Encode(frame[4 : 4+payloadLen]); err != nil {
		// Encode only fails for oversized keys, which callers must reject
		// before reaching the WAL (InvalidArgument, per spec §7).
		panic(err)
	}
	crc := akbin.ChecksumCRC32C(frame[4 : 4+payloadLen])
	akbin.PutU32(frame[4+payloadLen:], crc)
	return frame
}

// decodeFrame parses one frame out of buf starting at offset off. It
// returns (view, next offset, ok). ok is false if the frame is torn
// (truncated length, truncated payload/crc, or CRC mismatch) — per spec
// §4.5's replay rule, a torn frame is where replay stops, not an error.
func decodeFrame(buf []byte, off int) (record.View, int, bool) {
	if off+4 > len(buf) {
		return record.View{}, off, false
	}
	length := int(akbin.U32(buf[off : off+4]))
	if length < record.HeaderSize {
		return record.View{}, off, false
	}
	frameEnd := off + 4 + length + 4
	if frameEnd > len(buf) {
		return record.View{}, off, false
	}
	payload := buf[off+4 : off+4+length]
	wantCRC := akbin.U32(buf[off+4+length : frameEnd])
	if akbin.ChecksumCRC32C(payload) != wantCRC {
		return record.View{}, off, false
	}
	v, err := record.DecodeView(payload, 0)
	if err != nil {
		return record.View{}, off, false
	}
	if v.HeaderLen() != length {
		return record.View{}, off, false
	}
	return v, frameEnd, true
}
