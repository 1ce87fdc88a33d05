package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/SwiftStorm-Studio/akkaradb/internal/record"
)

func mustOpen(t *testing.T, dir string, opts Options) *Writer {
	t.Helper()
	w, err := Open(dir, opts, nil)
	require.NoError(t, err)
	return w
}

func TestFrameEncodeDecodeRoundTrip(t *testing.T) {
	r := record.Record{Key: []byte("hello"), Value: []byte("world"), Seq: 42, Flags: 0}
	frame := encodeFrame(r)

	v, next, ok := decodeFrame(frame, 0)
	require.True(t, ok)
	require.Equal(t, len(frame), next)
	require.Equal(t, r.Key, v.Key())
	require.Equal(t, r.Value, v.Value())
	require.Equal(t, r.Seq, v.Seq)
}

func TestDecodeFrameRejectsTornInputs(t *testing.T) {
	r := record.Record{Key: []byte("k"), Value: []byte("v"), Seq: 1}
	frame := encodeFrame(r)

	for cut := 0; cut < len(frame); cut++ {
		_, _, ok := decodeFrame(frame[:cut], 0)
		require.False(t, ok, "cut at %d should not decode", cut)
	}

	corrupt := append([]byte(nil), frame...)
	corrupt[len(corrupt)-1] ^= 0xFF
	_, _, ok := decodeFrame(corrupt, 0)
	require.False(t, ok, "flipped crc byte should fail to decode")
}

func TestWriterDurableAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	w := mustOpen(t, dir, Options{GroupN: 4, GroupMicros: 500, FastMode: false})

	for i := uint64(1); i <= 10; i++ {
		require.NoError(t, w.Append(record.Record{
			Key: []byte("key"), Value: []byte("value"), Seq: i,
		}))
	}
	require.NoError(t, w.Close())

	var got []uint64
	highest, truncated, err := Replay(dir, 0, nil, func(e Entry) error {
		got = append(got, e.Record.Seq)
		return nil
	})
	require.NoError(t, err)
	require.False(t, truncated)
	require.Equal(t, uint64(10), highest)
	require.Equal(t, []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, got)
}

func TestReplaySkipsCheckpointedSeqs(t *testing.T) {
	dir := t.TempDir()
	w := mustOpen(t, dir, Options{GroupN: 1, GroupMicros: 500})
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, w.Append(record.Record{Key: []byte("k"), Seq: i}))
	}
	require.NoError(t, w.Close())

	var got []uint64
	_, _, err := Replay(dir, 3, nil, func(e Entry) error {
		got = append(got, e.Record.Seq)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{4, 5}, got)
}

func TestWriterSegmentRotation(t *testing.T) {
	dir := t.TempDir()
	w := mustOpen(t, dir, Options{GroupN: 1, GroupMicros: 500, SegmentMaxBytes: 1})

	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, w.Append(record.Record{Key: []byte("k"), Value: []byte("v"), Seq: i}))
	}
	require.NoError(t, w.Close())

	segs, err := listSegments(dir)
	require.NoError(t, err)
	require.Greater(t, len(segs), 1, "tiny SegmentMaxBytes should force multiple segments")

	var got []uint64
	_, truncated, err := Replay(dir, 0, nil, func(e Entry) error {
		got = append(got, e.Record.Seq)
		return nil
	})
	require.NoError(t, err)
	require.False(t, truncated)
	require.Equal(t, []uint64{1, 2, 3, 4, 5}, got)
}

func TestWriterSealSegmentExplicit(t *testing.T) {
	dir := t.TempDir()
	w := mustOpen(t, dir, Options{GroupN: 100, GroupMicros: 100000})
	require.NoError(t, w.Append(record.Record{Key: []byte("a"), Seq: 1}))
	require.NoError(t, w.SealSegment())
	require.NoError(t, w.Append(record.Record{Key: []byte("b"), Seq: 2}))
	require.NoError(t, w.Close())

	segs, err := listSegments(dir)
	require.NoError(t, err)
	require.Len(t, segs, 2)
}

func TestWriterFastModeDoesNotBlock(t *testing.T) {
	dir := t.TempDir()
	w := mustOpen(t, dir, Options{GroupN: 1000, GroupMicros: 100000, FastMode: true})
	require.NoError(t, w.Append(record.Record{Key: []byte("a"), Value: []byte("b"), Seq: 1}))
	require.NoError(t, w.Close())

	var got []uint64
	_, _, err := Replay(dir, 0, nil, func(e Entry) error {
		got = append(got, e.Record.Seq)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{1}, got)
}

func TestReplayStopsAtTornTail(t *testing.T) {
	dir := t.TempDir()
	w := mustOpen(t, dir, Options{GroupN: 1, GroupMicros: 500})
	require.NoError(t, w.Append(record.Record{Key: []byte("a"), Value: []byte("b"), Seq: 1}))
	require.NoError(t, w.Append(record.Record{Key: []byte("c"), Value: []byte("d"), Seq: 2}))
	require.NoError(t, w.Close())

	segs, err := listSegments(dir)
	require.NoError(t, err)
	path := segmentPath(dir, segs[len(segs)-1])

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte{9, 9, 9})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var got []uint64
	highest, truncated, err := Replay(dir, 0, nil, func(e Entry) error {
		got = append(got, e.Record.Seq)
		return nil
	})
	require.NoError(t, err)
	require.True(t, truncated)
	require.Equal(t, uint64(2), highest)
	require.Equal(t, []uint64{1, 2}, got)
}

func TestOpenRejectsLegacySingleFileLayout(t *testing.T) {
	dir := t.TempDir()
	legacy := filepath.Join(dir, "wal")
	require.NoError(t, os.WriteFile(legacy, []byte("old format"), 0o644))

	_, err := Open(legacy, Options{}, nil)
	require.Error(t, err)
}

func TestReplayOnMissingDirIsEmpty(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "does-not-exist")
	highest, truncated, err := Replay(dir, 7, nil, func(Entry) error {
		t.Fatal("fn should not be called")
		return nil
	})
	require.NoError(t, err)
	require.False(t, truncated)
	require.Equal(t, uint64(7), highest)
}
