package memtable

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/SwiftStorm-Studio/akkaradb/internal/record"
)

func TestShouldReplace(t *testing.T) {
	old := record.Record{Seq: 5}
	require.True(t, ShouldReplace(old, record.Record{Seq: 6}))
	require.False(t, ShouldReplace(old, record.Record{Seq: 4}))
	require.False(t, ShouldReplace(old, record.Record{Seq: 5}))
	require.True(t, ShouldReplace(old, record.Record{Seq: 5, Flags: record.Tombstone}))

	tomb := record.Record{Seq: 5, Flags: record.Tombstone}
	require.False(t, ShouldReplace(tomb, record.Record{Seq: 5}))
}

func TestPutGetReplacesOnHigherSeq(t *testing.T) {
	m := New(Options{NumShards: 4, ThresholdBytes: 1 << 30})
	m.Put(record.Record{Key: []byte("a"), Value: []byte("v1"), Seq: 1})
	m.Put(record.Record{Key: []byte("a"), Value: []byte("v2"), Seq: 2})

	got, ok := m.Get([]byte("a"))
	require.True(t, ok)
	require.Equal(t, []byte("v2"), got.Value)
	require.Equal(t, uint64(2), got.Seq)
}

func TestPutIgnoresStaleSeq(t *testing.T) {
	m := New(Options{NumShards: 4, ThresholdBytes: 1 << 30})
	m.Put(record.Record{Key: []byte("a"), Value: []byte("v2"), Seq: 5})
	m.Put(record.Record{Key: []byte("a"), Value: []byte("v1"), Seq: 3})

	got, ok := m.Get([]byte("a"))
	require.True(t, ok)
	require.Equal(t, []byte("v2"), got.Value)
}

func TestSealShardResetsAndReturnsSorted(t *testing.T) {
	m := New(Options{NumShards: 1, ThresholdBytes: 1 << 30})
	keys := []string{"banana", "apple", "cherry", "date"}
	for i, k := range keys {
		m.Put(record.Record{Key: []byte(k), Value: []byte("v"), Seq: uint64(i + 1)})
	}

	sealed := m.SealShard(0)
	require.Len(t, sealed, 4)
	for i := 1; i < len(sealed); i++ {
		require.LessOrEqual(t, string(sealed[i-1].Key), string(sealed[i].Key))
	}

	_, ok := m.Get([]byte("apple"))
	require.False(t, ok, "sealed shard should be replaced by an empty one")
	require.Equal(t, int64(0), m.ShardSize(0))
}

func TestSealTriggersAtThreshold(t *testing.T) {
	recSize := int64(record.HeaderSize + len("key0000") + len("0123456789"))
	m := New(Options{NumShards: 1, ThresholdBytes: recSize * 3})

	var sealReady bool
	for i := 0; i < 3; i++ {
		_, sealReady = m.Put(record.Record{
			Key: []byte(fmt.Sprintf("key%04d", i)), Value: []byte("0123456789"), Seq: uint64(i + 1),
		})
	}
	require.True(t, sealReady)
}

func TestRangeMergesAcrossShards(t *testing.T) {
	m := New(Options{NumShards: 8, ThresholdBytes: 1 << 30})
	want := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}
	for i, k := range want {
		m.Put(record.Record{Key: []byte(k), Value: []byte("v"), Seq: uint64(i + 1)})
	}

	got := m.Range(nil, nil)
	require.Len(t, got, len(want))
	for i, r := range got {
		require.Equal(t, want[i], string(r.Key))
	}
}

func TestRangeRespectsBounds(t *testing.T) {
	m := New(Options{NumShards: 4, ThresholdBytes: 1 << 30})
	for i, k := range []string{"a", "b", "c", "d", "e"} {
		m.Put(record.Record{Key: []byte(k), Value: []byte("v"), Seq: uint64(i + 1)})
	}

	got := m.Range([]byte("b"), []byte("d"))
	var keys []string
	for _, r := range got {
		keys = append(keys, string(r.Key))
	}
	require.Equal(t, []string{"b", "c"}, keys)
}

func TestNextSeqMonotoneAndObserveSeq(t *testing.T) {
	m := New(Options{NumShards: 1, ThresholdBytes: 1 << 30, InitialSeq: 10})
	require.Equal(t, uint64(11), m.NextSeq())
	require.Equal(t, uint64(12), m.NextSeq())
	require.Equal(t, uint64(12), m.LastSeq())

	m.ObserveSeq(50)
	require.Equal(t, uint64(50), m.LastSeq())
	m.ObserveSeq(20) // must not go backwards
	require.Equal(t, uint64(50), m.LastSeq())
}

func TestTombstoneWinsOverLiveValueAtSameSeq(t *testing.T) {
	m := New(Options{NumShards: 1, ThresholdBytes: 1 << 30})
	m.Put(record.Record{Key: []byte("k"), Value: []byte("v"), Seq: 1})
	m.Put(record.Record{Key: []byte("k"), Seq: 1, Flags: record.Tombstone})

	got, ok := m.Get([]byte("k"))
	require.True(t, ok)
	require.True(t, got.IsTombstone())
}
