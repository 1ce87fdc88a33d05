// Package sstable implements the sorted-string-table writer/reader of
// spec.md §4.7: fixed 32 KiB data blocks (via internal/block), a 40-byte
// outer index, a double-hashed bloom filter, and the 32-byte "AKSS" footer.
package sstable

import (
	"hash/crc32"
	"io"
	"os"

	"github.com/cockroachdb/errors"

	"github.com/SwiftStorm-Studio/akkaradb/internal/akbin"
	"github.com/SwiftStorm-Studio/akkaradb/internal/block"
	"github.com/SwiftStorm-Studio/akkaradb/internal/bufpool"
	"github.com/SwiftStorm-Studio/akkaradb/internal/record"
)

// MagicAKSS is the footer's magic number, the little-endian encoding of the
// ASCII string "AKSS" (spec §6).
const MagicAKSS uint32 = 0x53534B41

// FooterVersion is the only footer version this build understands.
const FooterVersion uint8 = 1

// FooterSize is the fixed footer length in bytes.
const FooterSize = 32

// indexEntrySize is the fixed outer-index entry length: 32-byte padded key
// prefix plus an 8-byte LE block offset.
const indexEntrySize = 40

type indexEntry struct {
	firstKey [32]byte
	offset   uint64
}

func padKey32(key []byte) [32]byte {
	var out [32]byte
	copy(out[:], key)
	return out
}

// Meta summarizes a finished SST, the subset of information the manifest's
// SstSeal event needs to record.
type Meta struct {
	Entries  uint64
	FirstKey []byte
	LastKey  []byte
}

// Writer packs a sorted stream of records into a new SST file. Records must
// be supplied in ascending key order; Append does not re-sort.
type Writer struct {
	f      *os.File
	pool   *bufpool.Pool
	hasher hash32
	out    io.Writer

	packer        *block.Packer
	curBuf        []byte
	blockFirstKey []byte

	index []indexEntry
	bloom *Bloom

	offset   int64
	entries  uint64
	firstKey []byte
	lastKey  []byte
}

// hash32 is the subset of hash.Hash32 the writer needs; defined locally so
// the field above doesn't require importing "hash" just for the interface.
type hash32 interface {
	io.Writer
	Sum32() uint32
}

// Create opens path for writing and prepares a bloom filter sized for
// expectedEntries at bitsPerEntry (0 selects DefaultBitsPerEntry).
func Create(path string, pool *bufpool.Pool, expectedEntries uint64, bitsPerEntry float64) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "sstable: create")
	}
	h := crc32.New(akbin.Castagnoli)
	w := &Writer{
		f:      f,
		pool:   pool,
		hasher: h,
		out:    io.MultiWriter(f, h),
		bloom:  NewBloom(expectedEntries, bitsPerEntry),
	}
	w.newBlock()
	return w, nil
}

func (w *Writer) newBlock() {
	w.curBuf = w.pool.Get()
	w.packer = block.NewPacker(w.curBuf)
}

func (w *Writer) write(b []byte) error {
	n, err := w.out.Write(b)
	w.offset += int64(n)
	if err != nil {
		return errors.Wrap(err, "sstable: write")
	}
	return nil
}

func (w *Writer) flushBlock() error {
	if w.packer.Empty() {
		return nil
	}
	sealed := w.packer.Seal()
	w.index = append(w.index, indexEntry{firstKey: padKey32(w.blockFirstKey), offset: uint64(w.offset)})
	if err := w.write(sealed); err != nil {
		return err
	}
	w.pool.Put(w.curBuf)
	w.newBlock()
	w.blockFirstKey = nil
	return nil
}

// Append adds one record, which must sort after every previously appended
// record.
func (w *Writer) Append(r record.Record) error {
	if w.packer.Empty() {
		w.blockFirstKey = append([]byte(nil), r.Key...)
	}
	ok, err := w.packer.Append(r)
	if err != nil {
		return err
	}
	if !ok {
		if err := w.flushBlock(); err != nil {
			return err
		}
		w.blockFirstKey = append([]byte(nil), r.Key...)
		ok2, err2 := w.packer.Append(r)
		if err2 != nil {
			return err2
		}
		if !ok2 {
			return errors.Newf("sstable: record of %d bytes exceeds one block's capacity", errors.Safe(r.EncodedLen()))
		}
	}

	w.bloom.AddKey(r.Key)
	if w.entries == 0 {
		w.firstKey = append([]byte(nil), r.Key...)
	}
	w.lastKey = append([]byte(nil), r.Key...)
	w.entries++
	return nil
}

// Finish flushes the final block, writes the index/bloom/footer, closes the
// file, and returns the SST's metadata.
func (w *Writer) Finish() (Meta, error) {
	if err := w.flushBlock(); err != nil {
		return Meta{}, err
	}

	indexOff := w.offset
	for _, e := range w.index {
		buf := make([]byte, indexEntrySize)
		copy(buf[:32], e.firstKey[:])
		akbin.PutU64(buf[32:40], e.offset)
		if err := w.write(buf); err != nil {
			return Meta{}, err
		}
	}

	bloomOff := w.offset
	if err := w.write(w.bloom.Bytes()); err != nil {
		return Meta{}, err
	}

	footer := make([]byte, FooterSize)
	akbin.PutU32(footer[0:4], MagicAKSS)
	footer[4] = FooterVersion
	akbin.PutU64(footer[8:16], uint64(indexOff))
	akbin.PutU64(footer[16:24], uint64(bloomOff))
	akbin.PutU32(footer[24:28], uint32(w.entries))
	if err := w.write(footer[:28]); err != nil {
		return Meta{}, err
	}
	crc := w.hasher.Sum32()
	akbin.PutU32(footer[28:32], crc)
	if _, err := w.f.Write(footer[28:32]); err != nil {
		return Meta{}, errors.Wrap(err, "sstable: write footer crc")
	}

	if err := w.f.Close(); err != nil {
		return Meta{}, errors.Wrap(err, "sstable: close")
	}

	return Meta{Entries: w.entries, FirstKey: w.firstKey, LastKey: w.lastKey}, nil
}

// Abort discards a partially written SST on an error path, closing and
// removing the file.
func (w *Writer) Abort() error {
	path := w.f.Name()
	_ = w.f.Close()
	return os.Remove(path)
}
