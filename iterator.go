package akkaradb

import (
	"bytes"
	"container/heap"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/SwiftStorm-Studio/akkaradb/internal/logger"
	"github.com/SwiftStorm-Studio/akkaradb/internal/record"
)

// recordSource is one ordered stream of records feeding Iterator's merge: a
// memtable range snapshot or a single SST's range iterator. *sstable.Iterator
// already satisfies this interface without any adapter.
type recordSource interface {
	Next() bool
	Record() record.Record
	Err() error
}

// sliceSource adapts an already-sorted, already-merged []record.Record (the
// output of Memtable.Range) to recordSource.
type sliceSource struct {
	recs []record.Record
	idx  int
}

func newSliceSource(recs []record.Record) *sliceSource {
	return &sliceSource{recs: recs, idx: -1}
}

func (s *sliceSource) Next() bool {
	s.idx++
	return s.idx < len(s.recs)
}

func (s *sliceSource) Record() record.Record { return s.recs[s.idx] }
func (s *sliceSource) Err() error            { return nil }

type iterHeapItem struct {
	rec    record.Record
	stream int
}

type iterHeap []iterHeapItem

func (h iterHeap) Len() int            { return len(h) }
func (h iterHeap) Less(i, j int) bool  { return bytes.Compare(h[i].rec.Key, h[j].rec.Key) < 0 }
func (h iterHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *iterHeap) Push(x interface{}) { *h = append(*h, x.(iterHeapItem)) }
func (h *iterHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// Iterator is a forward cursor over a live key range, merging the memtable
// with every overlapping SST. It is the root package's third application
// of the container/heap k-way merge that recurs throughout this codebase
// (internal/memtable's shard range merge, internal/compaction's MergeIter),
// generalized here over the mixed memtable/SST recordSource interface and
// specialized to a live-read's rule of unconditionally dropping tombstones
// rather than compaction's TTL-gated GC.
type Iterator struct {
	sources  []recordSource
	release  []func()
	h        iterHeap
	limit    int64
	emitted  int64

	cur record.Record
	err error
}

func (it *Iterator) advance(stream int) {
	s := it.sources[stream]
	for s.Next() {
		heap.Push(&it.h, iterHeapItem{rec: s.Record(), stream: stream})
		return
	}
	if err := s.Err(); err != nil && it.err == nil {
		it.err = err
	}
}

// Next advances the cursor, collapsing same-key records across every source
// to the greatest-seq survivor and skipping it if it is a tombstone.
// Returns false at end of range or on first error (check Err()).
func (it *Iterator) Next() bool {
	if it.limit > 0 && it.emitted >= it.limit {
		return false
	}
	for it.err == nil && it.h.Len() > 0 {
		key := it.h[0].rec.Key
		var best record.Record
		have := false
		for it.h.Len() > 0 && bytes.Equal(it.h[0].rec.Key, key) {
			top := heap.Pop(&it.h).(iterHeapItem)
			if !have || top.rec.Seq > best.Seq {
				best = top.rec
				have = true
			}
			it.advance(top.stream)
		}
		if it.err != nil {
			return false
		}
		if best.IsTombstone() {
			continue
		}
		it.cur = best
		it.emitted++
		return true
	}
	return false
}

// Record returns the record at the current cursor position. Only valid
// after a call to Next returned true.
func (it *Iterator) Record() record.Record { return it.cur }

// Err returns the first error observed during iteration, if any.
func (it *Iterator) Err() error { return it.err }

// Close releases every SST reader reference this iterator pinned via
// sstable.Cache.Acquire. It must be called exactly once when the caller is
// done iterating, whether or not Next ever returned false.
func (it *Iterator) Close() error {
	for _, release := range it.release {
		release()
	}
	it.release = nil
	return nil
}

// Range implements spec §4.10's range(): a live, ascending-order view over
// [start, endExclusive), merging the memtable with every overlapping SST,
// with tombstones suppressed and an optional result-count limit (0 means
// unbounded). The returned Iterator pins the SST readers it touches via the
// file-id arena's Acquire/release so a concurrent compaction cannot close
// them mid-scan; callers must Close the iterator when done.
func (e *Engine) Range(start, endExclusive []byte, limit int64) (*Iterator, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}

	it := &Iterator{limit: limit}
	ok := false
	defer func() {
		if !ok {
			it.Close()
		}
	}()

	mtRecs := e.mt.Range(start, endExclusive)
	it.sources = append(it.sources, newSliceSource(mtRecs))
	it.release = append(it.release, func() {})

	e.sstMu.RLock()
	levels := make([]uint16, 0, len(e.sstByLevel))
	for lvl := range e.sstByLevel {
		levels = append(levels, lvl)
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i] < levels[j] })
	var ids []uint64
	for _, lvl := range levels {
		for _, id := range e.sstByLevel[lvl] {
			ids = append(ids, id)
		}
	}
	e.sstMu.RUnlock()

	for _, id := range ids {
		r, release, acquired := e.sstCache.Acquire(id)
		if !acquired {
			continue
		}
		sstIt := r.NewIter(start, endExclusive)
		it.sources = append(it.sources, sstIt)
		it.release = append(it.release, release)
	}

	it.h = make(iterHeap, 0, len(it.sources))
	for i := range it.sources {
		it.advance(i)
	}
	if it.err != nil {
		err := it.err
		e.log.Errorf("akkaradb: range: %v", logger.Safe(err.Error()))
		return nil, errors.Wrap(err, "akkaradb: range")
	}
	heap.Init(&it.h)

	ok = true
	return it, nil
}
