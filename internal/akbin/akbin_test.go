package akbin

import "testing"

import "github.com/stretchr/testify/require"

func TestMiniKeyPadsAndTruncates(t *testing.T) {
	require.Equal(t, uint64(0), MiniKey(nil))
	require.Equal(t, U64([]byte{'a', 0, 0, 0, 0, 0, 0, 0}), MiniKey([]byte("a")))
	full := []byte("abcdefgh")
	require.Equal(t, U64(full), MiniKey([]byte("abcdefghijkl")))
}

func TestSipHash24Deterministic(t *testing.T) {
	var seed [16]byte
	for i := range seed {
		seed[i] = byte(i)
	}
	h1 := SipHash24(seed, []byte("hello world"))
	h2 := SipHash24(seed, []byte("hello world"))
	require.Equal(t, h1, h2)

	h3 := SipHash24(seed, []byte("hello worlD"))
	require.NotEqual(t, h1, h3)

	var seed2 [16]byte
	seed2[0] = 1
	h4 := SipHash24(seed2, []byte("hello world"))
	require.NotEqual(t, h1, h4)
}

func TestChecksumCRC32C(t *testing.T) {
	a := ChecksumCRC32C([]byte("abc"))
	b := ChecksumCRC32C([]byte("abc"))
	require.Equal(t, a, b)
	require.NotEqual(t, a, ChecksumCRC32C([]byte("abd")))
}
