package block

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/SwiftStorm-Studio/akkaradb/internal/record"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	buf := make([]byte, Size)
	p := NewPacker(buf)

	recs := []record.Record{
		{Key: []byte("a"), Value: []byte("1"), Seq: 1},
		{Key: []byte("b"), Value: []byte("2"), Seq: 2},
		{Key: []byte("c"), Value: nil, Seq: 3, Flags: record.Tombstone},
	}
	for _, r := range recs {
		ok, err := p.Append(r)
		require.NoError(t, err)
		require.True(t, ok)
	}
	sealed := p.Seal()
	require.Len(t, sealed, Size)

	views, err := Unpack(sealed)
	require.NoError(t, err)
	require.Len(t, views, len(recs))
	for i, v := range views {
		require.Equal(t, recs[i].Key, v.Key())
		require.Equal(t, recs[i].Value, v.Value())
		require.Equal(t, recs[i].Seq, v.Seq)
		require.Equal(t, recs[i].Flags, v.Flags)
	}
}

func TestAppendFalseWhenFull(t *testing.T) {
	buf := make([]byte, Size)
	p := NewPacker(buf)
	big := record.Record{Key: make([]byte, 100), Value: make([]byte, MaxPayloadLen)}
	ok, err := p.Append(big)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUnpackDetectsBitFlip(t *testing.T) {
	buf := make([]byte, Size)
	p := NewPacker(buf)
	_, err := p.Append(record.Record{Key: []byte("k"), Value: []byte("v"), Seq: 1})
	require.NoError(t, err)
	sealed := p.Seal()

	corrupted := append([]byte(nil), sealed...)
	corrupted[10] ^= 0xFF
	_, err = Unpack(corrupted)
	require.ErrorIs(t, err, ErrCorruptedBlock)
}

func TestUnpackRejectsWrongSize(t *testing.T) {
	_, err := Unpack(make([]byte, 100))
	require.ErrorIs(t, err, ErrCorruptedBlock)
}
