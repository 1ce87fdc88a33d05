package parity

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func randomBlocks(n, size int, seed int64) [][]byte {
	r := rand.New(rand.NewSource(seed))
	out := make([][]byte, n)
	for i := range out {
		b := make([]byte, size)
		r.Read(b)
		out[i] = b
	}
	return out
}

func testEncodeVerify(t *testing.T, kind Kind, k, m int) {
	coder, err := New(kind, k, m)
	require.NoError(t, err)
	data := randomBlocks(k, 256, 1)
	parity, err := coder.Encode(data)
	require.NoError(t, err)
	require.Len(t, parity, m)

	ok, err := coder.Verify(data, parity)
	require.NoError(t, err)
	require.True(t, ok)

	if m > 0 {
		corrupt := append([]byte(nil), parity[0]...)
		corrupt[0] ^= 0xFF
		badParity := append([][]byte(nil), parity...)
		badParity[0] = corrupt
		ok, err = coder.Verify(data, badParity)
		require.NoError(t, err)
		require.False(t, ok)
	}
}

func TestEncodeVerifyAllKinds(t *testing.T) {
	testEncodeVerify(t, None, 4, 0)
	testEncodeVerify(t, XOR, 4, 1)
	testEncodeVerify(t, DualXOR, 4, 2)
	testEncodeVerify(t, ReedSolomon, 4, 2)
	testEncodeVerify(t, ReedSolomon, 6, 3)
}

func testReconstructAllSubsets(t *testing.T, kind Kind, k, m int) {
	coder, err := New(kind, k, m)
	require.NoError(t, err)
	if m == 0 {
		return
	}
	data := randomBlocks(k, 512, 2)
	parity, err := coder.Encode(data)
	require.NoError(t, err)

	total := k + m
	// Try every subset of size m (erasure pattern) up to a cap to keep the
	// test fast for larger k+m.
	tried := 0
	for mask := 0; mask < (1 << total) && tried < 200; mask++ {
		if popcount(mask) != m {
			continue
		}
		tried++
		lanes := Lanes{Data: cloneBlocks(data), Parity: cloneBlocks(parity)}
		for i := 0; i < total; i++ {
			if mask&(1<<i) != 0 {
				if i < k {
					lanes.Data[i] = nil
				} else {
					lanes.Parity[i-k] = nil
				}
			}
		}
		err := coder.Reconstruct(lanes)
		require.NoError(t, err, "mask=%b", mask)
		for i := range lanes.Data {
			require.Equal(t, data[i], lanes.Data[i], "data lane %d mask=%b", i, mask)
		}
		for i := range lanes.Parity {
			require.Equal(t, parity[i], lanes.Parity[i], "parity lane %d mask=%b", i, mask)
		}
	}
	require.Greater(t, tried, 0)
}

func TestReconstructXOR(t *testing.T) {
	testReconstructAllSubsets(t, XOR, 4, 1)
}

func TestReconstructDualXOR(t *testing.T) {
	testReconstructAllSubsets(t, DualXOR, 5, 2)
}

func TestReconstructRS(t *testing.T) {
	testReconstructAllSubsets(t, ReedSolomon, 6, 3)
}

func TestReconstructTooManyErasuresFails(t *testing.T) {
	coder, err := New(XOR, 4, 1)
	require.NoError(t, err)
	data := randomBlocks(4, 64, 3)
	parity, err := coder.Encode(data)
	require.NoError(t, err)
	lanes := Lanes{Data: cloneBlocks(data), Parity: cloneBlocks(parity)}
	lanes.Data[0] = nil
	lanes.Data[1] = nil
	err = coder.Reconstruct(lanes)
	require.ErrorIs(t, err, ErrUnrecoverable)
}

func TestEncodeDeterministic(t *testing.T) {
	coder, err := New(ReedSolomon, 4, 2)
	require.NoError(t, err)
	data := randomBlocks(4, 128, 9)
	p1, err := coder.Encode(data)
	require.NoError(t, err)
	p2, err := coder.Encode(data)
	require.NoError(t, err)
	require.Equal(t, p1, p2)
}

func popcount(x int) int {
	n := 0
	for x != 0 {
		n += x & 1
		x >>= 1
	}
	return n
}

func cloneBlocks(blocks [][]byte) [][]byte {
	out := make([][]byte, len(blocks))
	for i, b := range blocks {
		if b == nil {
			continue
		}
		out[i] = append([]byte(nil), b...)
	}
	return out
}
