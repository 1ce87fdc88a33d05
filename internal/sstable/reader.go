package sstable

import (
	"bytes"
	"hash/crc32"
	"io"
	"os"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/SwiftStorm-Studio/akkaradb/internal/akbin"
	"github.com/SwiftStorm-Studio/akkaradb/internal/block"
	"github.com/SwiftStorm-Studio/akkaradb/internal/bufpool"
	"github.com/SwiftStorm-Studio/akkaradb/internal/metrics"
	"github.com/SwiftStorm-Studio/akkaradb/internal/record"
)

// ErrCorruptedFooter is returned when a file's footer fails magic/version/
// CRC validation; spec §7's CorruptedBlock kind applied to the SST footer.
var ErrCorruptedFooter = errors.New("akkaradb: corrupted sst footer")

// ErrNotFound is returned by Get when key is absent from this SST.
var ErrNotFound = errors.New("akkaradb: key not found in sst")

// Reader serves point lookups and range scans against one SST file.
type Reader struct {
	f        *os.File
	pool     *bufpool.Pool
	index    []indexEntry
	bloom    *Bloom
	entries  uint64
	indexOff int64
	size     int64
	met      *metrics.Metrics
}

// SetMetrics attaches a metrics sink this reader reports bloom filter
// lookups against. Optional: a Reader with no metrics attached just skips
// the counters in Get.
func (r *Reader) SetMetrics(met *metrics.Metrics) { r.met = met }

// Size reports the SST file's size on disk, in bytes.
func (r *Reader) Size() int64 { return r.size }

// Open validates the footer (magic, version, whole-file CRC) and loads the
// index and bloom filter into memory.
func Open(path string, pool *bufpool.Pool) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "sstable: open")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "sstable: stat")
	}
	size := info.Size()
	if size < FooterSize {
		f.Close()
		return nil, errors.Wrapf(ErrCorruptedFooter, "sstable: file too small (%d bytes)", errors.Safe(size))
	}

	footer := make([]byte, FooterSize)
	if _, err := f.ReadAt(footer, size-FooterSize); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "sstable: read footer")
	}
	magic := akbin.U32(footer[0:4])
	version := footer[4]
	if magic != MagicAKSS {
		f.Close()
		return nil, errors.Wrapf(ErrCorruptedFooter, "sstable: bad magic %x", errors.Safe(magic))
	}
	if version != FooterVersion {
		f.Close()
		return nil, errors.Wrapf(ErrCorruptedFooter, "sstable: unsupported version %d", errors.Safe(version))
	}
	indexOff := int64(akbin.U64(footer[8:16]))
	bloomOff := int64(akbin.U64(footer[16:24]))
	entries := akbin.U32(footer[24:28])
	wantCRC := akbin.U32(footer[28:32])

	h := crc32.New(akbin.Castagnoli)
	if _, err := io.Copy(h, io.NewSectionReader(f, 0, size-4)); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "sstable: hash file")
	}
	if h.Sum32() != wantCRC {
		f.Close()
		return nil, errors.Wrapf(ErrCorruptedFooter, "sstable: crc mismatch (want %x got %x)", errors.Safe(wantCRC), errors.Safe(h.Sum32()))
	}

	indexLen := bloomOff - indexOff
	if indexLen < 0 || indexLen%indexEntrySize != 0 {
		f.Close()
		return nil, errors.Wrapf(ErrCorruptedFooter, "sstable: invalid index span %d", errors.Safe(indexLen))
	}
	indexBuf := make([]byte, indexLen)
	if indexLen > 0 {
		if _, err := f.ReadAt(indexBuf, indexOff); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "sstable: read index")
		}
	}
	index := make([]indexEntry, indexLen/indexEntrySize)
	for i := range index {
		off := i * indexEntrySize
		var fk [32]byte
		copy(fk[:], indexBuf[off:off+32])
		index[i] = indexEntry{firstKey: fk, offset: akbin.U64(indexBuf[off+32 : off+40])}
	}

	bloomLen := (size - FooterSize) - bloomOff
	bloomBuf := make([]byte, bloomLen)
	if bloomLen > 0 {
		if _, err := f.ReadAt(bloomBuf, bloomOff); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "sstable: read bloom")
		}
	}
	bloom := LoadBloom(bloomBuf, uint64(bloomLen)*8)

	return &Reader{
		f: f, pool: pool, index: index, bloom: bloom,
		entries: uint64(entries), indexOff: indexOff, size: size,
	}, nil
}

// Close releases the underlying file handle.
func (r *Reader) Close() error { return r.f.Close() }

// Entries reports the number of records recorded in the footer.
func (r *Reader) Entries() uint64 { return r.entries }

// EstimatedFalsePositiveRate reports this file's bloom filter's theoretical
// false-positive rate given its bit array size and entry count.
func (r *Reader) EstimatedFalsePositiveRate() float64 {
	return r.bloom.EstimatedFalsePositiveRate(r.entries)
}

func (r *Reader) findBlockIdx(key []byte) int {
	if key == nil || len(r.index) == 0 {
		return 0
	}
	target := padKey32(key)
	i := sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].firstKey[:], target[:]) > 0
	})
	if i == 0 {
		return 0
	}
	return i - 1
}

// readBlock loads block idx and returns its decoded views together with the
// pooled buffer backing them; the caller must Put buf back once done.
func (r *Reader) readBlock(idx int) (buf []byte, views []record.View, err error) {
	if idx < 0 || idx >= len(r.index) {
		return nil, nil, errors.Newf("sstable: block index %d out of range", errors.Safe(idx))
	}
	buf = r.pool.Get()
	n, err := r.f.ReadAt(buf, int64(r.index[idx].offset))
	if err != nil && !(err == io.EOF && n == block.Size) {
		r.pool.Put(buf)
		return nil, nil, errors.Wrap(err, "sstable: read block")
	}
	views, err = block.Unpack(buf)
	if err != nil {
		r.pool.Put(buf)
		return nil, nil, err
	}
	return buf, views, nil
}

// Get returns the record stored for key, if any.
func (r *Reader) Get(key []byte) (record.Record, error) {
	if !r.bloom.MayContainKey(key) {
		if r.met != nil {
			r.met.BloomNegatives.Inc()
		}
		return record.Record{}, ErrNotFound
	}
	if r.met != nil {
		r.met.BloomPositives.Inc()
	}
	if len(r.index) == 0 {
		return record.Record{}, ErrNotFound
	}
	idx := r.findBlockIdx(key)
	buf, views, err := r.readBlock(idx)
	if err != nil {
		return record.Record{}, err
	}
	defer r.pool.Put(buf)

	var best *record.View
	for i := range views {
		if bytes.Equal(views[i].Key(), key) {
			if best == nil || views[i].Seq > best.Seq {
				best = &views[i]
			}
		}
	}
	if best == nil {
		return record.Record{}, ErrNotFound
	}
	return best.Materialize(), nil
}

// Iterator is a forward cursor over a key range.
type Iterator struct {
	r            *Reader
	start        []byte
	endExclusive []byte
	nextBlockIdx int
	startSkipped bool

	curBuf  []byte
	views   []record.View
	viewIdx int
	err     error
}

// NewIter returns an iterator over [start, endExclusive). A nil start scans
// from the beginning; a nil endExclusive scans to the end of the file.
func (r *Reader) NewIter(start, endExclusive []byte) *Iterator {
	return &Iterator{
		r: r, start: start, endExclusive: endExclusive,
		nextBlockIdx: r.findBlockIdx(start),
		viewIdx:      -1,
	}
}

// Next advances the cursor and reports whether a record is available.
func (it *Iterator) Next() bool {
	for {
		if it.views != nil && it.viewIdx+1 < len(it.views) {
			it.viewIdx++
		} else {
			if it.curBuf != nil {
				it.r.pool.Put(it.curBuf)
				it.curBuf = nil
			}
			if it.nextBlockIdx >= len(it.r.index) {
				it.views = nil
				return false
			}
			buf, views, err := it.r.readBlock(it.nextBlockIdx)
			it.nextBlockIdx++
			if err != nil {
				it.err = err
				return false
			}
			it.curBuf = buf
			it.views = views
			it.viewIdx = 0
			if it.start != nil && !it.startSkipped {
				for it.viewIdx < len(it.views) && bytes.Compare(it.views[it.viewIdx].Key(), it.start) < 0 {
					it.viewIdx++
				}
			}
			it.startSkipped = true
			if it.viewIdx >= len(it.views) {
				continue
			}
		}

		key := it.views[it.viewIdx].Key()
		if it.endExclusive != nil && bytes.Compare(key, it.endExclusive) >= 0 {
			it.views = nil
			return false
		}
		return true
	}
}

// Record returns the record at the current cursor position. Only valid
// after a call to Next returned true.
func (it *Iterator) Record() record.Record { return it.views[it.viewIdx].Materialize() }

// Err returns the first error observed during iteration, if any.
func (it *Iterator) Err() error { return it.err }

// Close releases the iterator's pooled block buffer, if any.
func (it *Iterator) Close() error {
	if it.curBuf != nil {
		it.r.pool.Put(it.curBuf)
		it.curBuf = nil
	}
	return nil
}
