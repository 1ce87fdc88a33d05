package compaction

import (
	"bytes"
	"container/heap"
	"time"

	"github.com/SwiftStorm-Studio/akkaradb/internal/record"
	"github.com/SwiftStorm-Studio/akkaradb/internal/sstable"
)

type heapItem struct {
	rec    record.Record
	stream int
}

type mergeHeap []heapItem

func (h mergeHeap) Len() int           { return len(h) }
func (h mergeHeap) Less(i, j int) bool { return bytes.Compare(h[i].rec.Key, h[j].rec.Key) < 0 }
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) {
	*h = append(*h, x.(heapItem))
}
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// TombstoneAge resolves the age a tombstone's seq was first observed, for
// TTL-based garbage collection. The compactor supplies an implementation
// backed by an in-memory, write-time record (see Compactor.RecordTombstone);
// a tombstone with no recorded age is never GC'd, so restart never causes
// premature loss.
type TombstoneAge func(seq uint64) (time.Time, bool)

// MergeIter is the k-way merge of spec §4.8: it collapses same-key records
// across every input SST to the single newest-seq survivor, dropping
// GC-eligible tombstones at the bottom level. It mirrors
// internal/memtable.Memtable's container/heap merge, generalized to operate
// over sstable.Iterator sources and to apply the compaction-specific
// newest-wins + tombstone-GC rule instead of memtable's shouldReplace.
type MergeIter struct {
	sources     []*sstable.Iterator
	h           mergeHeap
	bottomLevel bool
	ttl         time.Duration
	age         TombstoneAge
	now         time.Time

	cur     record.Record
	err     error
	dropped uint64
}

// NewMergeIter constructs a merge over its, seeding the heap with each
// source's first record. bottomLevel gates tombstone GC eligibility; ttl and
// age resolve whether a given tombstone has aged out.
func NewMergeIter(its []*sstable.Iterator, bottomLevel bool, ttl time.Duration, age TombstoneAge, now time.Time) *MergeIter {
	mi := &MergeIter{
		sources:     its,
		bottomLevel: bottomLevel,
		ttl:         ttl,
		age:         age,
		now:         now,
	}
	for i := range its {
		mi.advance(i)
	}
	heap.Init(&mi.h)
	return mi
}

func (mi *MergeIter) advance(stream int) {
	it := mi.sources[stream]
	if it.Next() {
		heap.Push(&mi.h, heapItem{rec: it.Record(), stream: stream})
		return
	}
	if err := it.Err(); err != nil && mi.err == nil {
		mi.err = err
	}
}

// Next advances to the next surviving key, per spec §4.8's merge rule:
// collect all records sharing a key, retain the greatest seqNo, drop it
// entirely if it is a GC-eligible tombstone, otherwise emit it. Returns
// false at end of input or on first error (check Err()).
func (mi *MergeIter) Next() bool {
	for mi.err == nil && mi.h.Len() > 0 {
		key := mi.h[0].rec.Key
		var best record.Record
		have := false
		for mi.h.Len() > 0 && bytes.Equal(mi.h[0].rec.Key, key) {
			top := heap.Pop(&mi.h).(heapItem)
			if !have || top.rec.Seq > best.Seq {
				best = top.rec
				have = true
			}
			mi.advance(top.stream)
		}
		if mi.err != nil {
			return false
		}
		if best.IsTombstone() && mi.bottomLevel && mi.age != nil {
			if ts, ok := mi.age(best.Seq); ok && mi.now.Sub(ts) > mi.ttl {
				mi.dropped++
				continue
			}
		}
		mi.cur = best
		return true
	}
	return false
}

// Record returns the record at the current cursor. Only valid after Next
// returned true.
func (mi *MergeIter) Record() record.Record { return mi.cur }

// Err returns the first error observed from any input source.
func (mi *MergeIter) Err() error { return mi.err }

// Dropped reports how many tombstones this merge garbage-collected.
func (mi *MergeIter) Dropped() uint64 { return mi.dropped }
