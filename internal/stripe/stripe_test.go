package stripe

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/SwiftStorm-Studio/akkaradb/internal/block"
	"github.com/SwiftStorm-Studio/akkaradb/internal/parity"
	"github.com/SwiftStorm-Studio/akkaradb/internal/record"
)

func fakeBlock(fill byte) []byte {
	b := make([]byte, block.Size)
	// Wrap in a valid block so ReadStripe's CRC check passes: pack one
	// record keyed by fill, so blocks built from different fills differ, and
	// stamp the checksum the same way internal/block would.
	p := block.NewPacker(b)
	if ok, err := p.Append(record.Record{Key: []byte{fill}, Seq: 1}); err != nil || !ok {
		panic("stripe test: fakeBlock could not pack its record")
	}
	return p.Seal()
}

func TestWriterReaderRoundTripXOR(t *testing.T) {
	dir := t.TempDir()
	coder, err := parity.New(parity.XOR, 3, 1)
	require.NoError(t, err)

	w, committed, err := Open(dir, 3, 1, coder, Options{GroupN: 1, GroupMicros: 1000}, 0, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(0), committed)

	blocks := [][]byte{fakeBlock(1), fakeBlock(2), fakeBlock(3), fakeBlock(4), fakeBlock(5), fakeBlock(6)}
	for _, b := range blocks {
		require.NoError(t, w.AppendBlock(b))
	}
	require.NoError(t, w.Close())

	r, err := OpenReader(dir, 3, 1, coder)
	require.NoError(t, err)
	defer r.Close()

	got0, err := r.ReadStripe(0)
	require.NoError(t, err)
	require.Equal(t, blocks[0], got0[0])
	require.Equal(t, blocks[1], got0[1])
	require.Equal(t, blocks[2], got0[2])

	got1, err := r.ReadStripe(1)
	require.NoError(t, err)
	require.Equal(t, blocks[3], got1[0])
	require.Equal(t, blocks[4], got1[1])
	require.Equal(t, blocks[5], got1[2])
}

func TestReaderReconstructsLostLane(t *testing.T) {
	dir := t.TempDir()
	coder, err := parity.New(parity.XOR, 3, 1)
	require.NoError(t, err)

	w, _, err := Open(dir, 3, 1, coder, Options{GroupN: 1, GroupMicros: 1000}, 0, nil)
	require.NoError(t, err)
	blocks := [][]byte{fakeBlock(10), fakeBlock(20), fakeBlock(30)}
	for _, b := range blocks {
		require.NoError(t, w.AppendBlock(b))
	}
	require.NoError(t, w.Close())

	// Corrupt data_1's only stripe so its CRC fails.
	path := filepath.Join(dir, "data_1")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[100] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	r, err := OpenReader(dir, 3, 1, coder)
	require.NoError(t, err)
	defer r.Close()

	got, err := r.ReadStripe(0)
	require.NoError(t, err)
	require.Equal(t, blocks[1], got[1], "missing lane should be reconstructed from parity")
}

// TestReaderReconstructsLostLaneDefaultConfig pins the engine's default
// K=4/M=2 DualXOR configuration, an even k. DualXOR's P0 lane is a plain
// byte-wise XOR of an even number of data blocks, which is exactly the
// case where CRC32C's affine composition under XOR does not reproduce a
// freshly-computed CRC for an intact parity lane — so treating parity
// lanes as CRC-checkable data blocks would misreport them as corrupt and
// push a single real data-lane loss over the m=2 recoverability budget.
func TestReaderReconstructsLostLaneDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	coder, err := parity.New(parity.DualXOR, 4, 2)
	require.NoError(t, err)

	w, _, err := Open(dir, 4, 2, coder, Options{GroupN: 1, GroupMicros: 1000}, 0, nil)
	require.NoError(t, err)
	blocks := [][]byte{fakeBlock(10), fakeBlock(20), fakeBlock(30), fakeBlock(40)}
	for _, b := range blocks {
		require.NoError(t, w.AppendBlock(b))
	}
	require.NoError(t, w.Close())

	// Lose one real data lane. Both parity lanes remain intact on disk,
	// and must not be misread as additional failures.
	path := filepath.Join(dir, "data_2")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[100] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	r, err := OpenReader(dir, 4, 2, coder)
	require.NoError(t, err)
	defer r.Close()

	got, err := r.ReadStripe(0)
	require.NoError(t, err, "a single lost data lane must reconstruct under the default m=2 budget")
	require.Equal(t, blocks[2], got[2])
}

func TestReaderFailsWhenTooManyLanesLost(t *testing.T) {
	dir := t.TempDir()
	coder, err := parity.New(parity.XOR, 3, 1)
	require.NoError(t, err)

	w, _, err := Open(dir, 3, 1, coder, Options{GroupN: 1, GroupMicros: 1000}, 0, nil)
	require.NoError(t, err)
	blocks := [][]byte{fakeBlock(10), fakeBlock(20), fakeBlock(30)}
	for _, b := range blocks {
		require.NoError(t, w.AppendBlock(b))
	}
	require.NoError(t, w.Close())

	for _, lane := range []string{"data_0", "data_1"} {
		path := filepath.Join(dir, lane)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		data[100] ^= 0xFF
		require.NoError(t, os.WriteFile(path, data, 0o644))
	}

	r, err := OpenReader(dir, 3, 1, coder)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.ReadStripe(0)
	require.ErrorIs(t, err, ErrUnrecoverableStripe)
}

func TestOpenTruncatesToCommonAlignedLength(t *testing.T) {
	dir := t.TempDir()
	coder, err := parity.New(parity.XOR, 2, 1)
	require.NoError(t, err)

	w, _, err := Open(dir, 2, 1, coder, Options{GroupN: 1, GroupMicros: 1000}, 0, nil)
	require.NoError(t, err)
	require.NoError(t, w.AppendBlock(fakeBlock(1)))
	require.NoError(t, w.AppendBlock(fakeBlock(2)))
	require.NoError(t, w.AppendBlock(fakeBlock(3)))
	require.NoError(t, w.AppendBlock(fakeBlock(4)))
	require.NoError(t, w.Close())

	// Simulate a torn write: data_0 has 2 stripes, data_1 only 1.
	require.NoError(t, os.Truncate(filepath.Join(dir, "data_1"), block.Size))

	w2, committed, err := Open(dir, 2, 1, coder, Options{GroupN: 1, GroupMicros: 1000}, 2, nil)
	require.NoError(t, err)
	defer w2.Close()
	require.Equal(t, uint64(1), committed, "should truncate to the shortest lane's aligned block count")
}

func TestOpenTruncatesToManifestCommittedStripes(t *testing.T) {
	dir := t.TempDir()
	coder, err := parity.New(parity.XOR, 2, 1)
	require.NoError(t, err)

	w, _, err := Open(dir, 2, 1, coder, Options{GroupN: 1, GroupMicros: 1000}, 0, nil)
	require.NoError(t, err)
	require.NoError(t, w.AppendBlock(fakeBlock(1)))
	require.NoError(t, w.AppendBlock(fakeBlock(2)))
	require.NoError(t, w.AppendBlock(fakeBlock(3)))
	require.NoError(t, w.AppendBlock(fakeBlock(4)))
	require.NoError(t, w.Close())

	w2, committed, err := Open(dir, 2, 1, coder, Options{GroupN: 1, GroupMicros: 1000}, 1, nil)
	require.NoError(t, err)
	defer w2.Close()
	require.Equal(t, uint64(1), committed, "manifest's committed_stripes should win over a longer aligned lane length")
}

func TestAppendBlockRejectsWrongSize(t *testing.T) {
	dir := t.TempDir()
	coder, err := parity.New(parity.XOR, 2, 1)
	require.NoError(t, err)
	w, _, err := Open(dir, 2, 1, coder, Options{GroupN: 1, GroupMicros: 1000}, 0, nil)
	require.NoError(t, err)
	defer w.Close()

	err = w.AppendBlock([]byte("too short"))
	require.Error(t, err)
}
