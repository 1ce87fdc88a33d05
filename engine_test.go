package akkaradb_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	akkaradb "github.com/SwiftStorm-Studio/akkaradb"
	"github.com/SwiftStorm-Studio/akkaradb/internal/parity"
)

func openTestEngine(t *testing.T, opts *akkaradb.Options) *akkaradb.Engine {
	t.Helper()
	dir := t.TempDir()
	e, err := akkaradb.Open(dir, opts)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, e.Close()) })
	return e
}

func TestPutGetRoundTrip(t *testing.T) {
	e := openTestEngine(t, nil)

	seq, err := e.Put([]byte("alpha"), []byte("one"))
	require.NoError(t, err)
	require.NotZero(t, seq)

	val, ok, err := e.Get([]byte("alpha"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("one"), val)

	_, ok, err = e.Get([]byte("missing"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDeleteHidesKey(t *testing.T) {
	e := openTestEngine(t, nil)

	_, err := e.Put([]byte("k"), []byte("v"))
	require.NoError(t, err)
	_, err = e.Delete([]byte("k"))
	require.NoError(t, err)

	_, ok, err := e.Get([]byte("k"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPutOverwriteKeepsNewestSeq(t *testing.T) {
	e := openTestEngine(t, nil)

	_, err := e.Put([]byte("k"), []byte("v1"))
	require.NoError(t, err)
	_, err = e.Put([]byte("k"), []byte("v2"))
	require.NoError(t, err)

	val, ok, err := e.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v2"), val)
}

func TestCompareAndSwap(t *testing.T) {
	e := openTestEngine(t, nil)

	// CAS against a never-written key succeeds with expectedSeq 0, and is
	// this engine's first sequence number, so it lands on seq 1.
	ok, err := e.CompareAndSwap([]byte("k"), 0, []byte("v1"))
	require.NoError(t, err)
	require.True(t, ok)
	createSeq := uint64(1)

	// A stale expectedSeq is rejected, and leaves the value untouched.
	ok, err = e.CompareAndSwap([]byte("k"), 0, []byte("v2"))
	require.NoError(t, err)
	require.False(t, ok)

	val, found, err := e.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v1"), val)

	// CAS to delete (newValue nil) with the correct current seq succeeds.
	ok, err = e.CompareAndSwap([]byte("k"), createSeq, nil)
	require.NoError(t, err)
	require.True(t, ok)

	_, found, err = e.Get([]byte("k"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestRejectsOversizedKey(t *testing.T) {
	e := openTestEngine(t, nil)

	huge := make([]byte, 1<<17)
	_, err := e.Put(huge, []byte("v"))
	require.ErrorIs(t, err, akkaradb.ErrInvalidArgument)
}

func TestEmptyKeyRoundTrips(t *testing.T) {
	e := openTestEngine(t, nil)

	_, err := e.Put([]byte{}, []byte("v"))
	require.NoError(t, err)

	val, ok, err := e.Get([]byte{})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), val)
}

func TestRangeMergesMemtableAndSST(t *testing.T) {
	opts := &akkaradb.Options{FlushThresholdBytes: 64, NumMemtableShards: 1}
	e := openTestEngine(t, opts)

	for i := 0; i < 20; i++ {
		_, err := e.Put([]byte(fmt.Sprintf("key-%02d", i)), []byte("v"))
		require.NoError(t, err)
	}

	it, err := e.Range(nil, nil, 0)
	require.NoError(t, err)
	defer it.Close()

	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Record().Key))
	}
	require.NoError(t, it.Err())
	require.Len(t, keys, 20)
	for i := 1; i < len(keys); i++ {
		require.Less(t, keys[i-1], keys[i])
	}
}

func TestRangeOmitsTombstones(t *testing.T) {
	e := openTestEngine(t, nil)

	_, err := e.Put([]byte("a"), []byte("1"))
	require.NoError(t, err)
	_, err = e.Put([]byte("b"), []byte("2"))
	require.NoError(t, err)
	_, err = e.Delete([]byte("a"))
	require.NoError(t, err)

	it, err := e.Range(nil, nil, 0)
	require.NoError(t, err)
	defer it.Close()

	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Record().Key))
	}
	require.NoError(t, it.Err())
	require.Equal(t, []string{"b"}, keys)
}

func TestFlushThenCloseSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	e, err := akkaradb.Open(dir, nil)
	require.NoError(t, err)

	_, err = e.Put([]byte("persisted"), []byte("value"))
	require.NoError(t, err)
	require.NoError(t, e.Flush())
	require.NoError(t, e.Close())

	e2, err := akkaradb.Open(dir, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, e2.Close()) }()

	val, ok, err := e2.Get([]byte("persisted"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("value"), val)
}

func TestWALRecoveryWithoutExplicitFlush(t *testing.T) {
	dir := t.TempDir()
	e, err := akkaradb.Open(dir, nil)
	require.NoError(t, err)

	_, err = e.Put([]byte("unflushed"), []byte("still-there"))
	require.NoError(t, err)
	require.NoError(t, e.Close()) // Close forces its own internal flush.

	e2, err := akkaradb.Open(dir, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, e2.Close()) }()

	val, ok, err := e2.Get([]byte("unflushed"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("still-there"), val)
}

func TestMemtableFlushProducesQueryableSST(t *testing.T) {
	opts := &akkaradb.Options{FlushThresholdBytes: 32, NumMemtableShards: 1}
	e := openTestEngine(t, opts)

	for i := 0; i < 10; i++ {
		_, err := e.Put([]byte(fmt.Sprintf("sstkey-%d", i)), []byte("payload"))
		require.NoError(t, err)
	}

	snap := e.Metrics()
	require.NotZero(t, snap.SSTFilesByLevel[0])

	val, ok, err := e.Get([]byte("sstkey-0"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("payload"), val)
}

func TestOptionsValidateRejectsBadParity(t *testing.T) {
	opts := &akkaradb.Options{K: 4, M: 2}
	opts.EnsureDefaults()
	opts.ParityKind = parity.XOR // XOR requires m=1, but m is 2 here.

	err := opts.Validate()
	require.Error(t, err)
	require.ErrorIs(t, err, akkaradb.ErrInvalidArgument)
}

func TestOpenRejectsBaseDirAsPlainFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	_, err := akkaradb.Open(path, nil)
	require.Error(t, err)
}
