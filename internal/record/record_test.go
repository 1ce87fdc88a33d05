package record

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	r := Record{Key: []byte("hello"), Value: []byte("world"), Seq: 42, Flags: Tombstone}
	buf := make([]byte, r.EncodedLen())
	require.NoError(t, r.Encode(buf))

	v, err := DecodeView(buf, 0)
	require.NoError(t, err)
	require.Equal(t, r.Key, v.Key())
	require.Equal(t, r.Value, v.Value())
	require.Equal(t, r.Seq, v.Seq)
	require.True(t, v.Flags.IsTombstone())
	require.Equal(t, KeyFP64(r.Key), v.KeyFP64)
}

func TestDecodeViewRejectsOverrun(t *testing.T) {
	r := Record{Key: []byte("k"), Value: []byte("v"), Seq: 1}
	buf := make([]byte, r.EncodedLen())
	require.NoError(t, r.Encode(buf))
	_, err := DecodeView(buf[:len(buf)-1], 0)
	require.Error(t, err)
}

func TestEncodeRejectsOversizedKey(t *testing.T) {
	r := Record{Key: make([]byte, MaxKeyLen+1), Value: nil, Seq: 1}
	buf := make([]byte, r.EncodedLen())
	require.Error(t, r.Encode(buf))
}
