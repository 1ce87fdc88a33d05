package akbin

import "encoding/binary"

// SipHash24 computes SipHash-2-4 of data keyed by the 16-byte seed (k0, k1
// taken as the little-endian halves of seed). This is the KeyFP64 fingerprint
// of spec P3. No example repo in the corpus vendors a SipHash implementation
// (the closest analogues, xxhash and the block CRC, are different
// algorithms), so this follows the reference SipHash-2-4 construction
// directly: 2 compression rounds per input word, 4 finalization rounds,
// little-endian word packing, the standard round function.
func SipHash24(seed [16]byte, data []byte) uint64 {
	k0 := binary.LittleEndian.Uint64(seed[0:8])
	k1 := binary.LittleEndian.Uint64(seed[8:16])

	v0 := k0 ^ 0x736f6d6570736575
	v1 := k1 ^ 0x646f72616e646f6d
	v2 := k0 ^ 0x6c7967656e657261
	v3 := k1 ^ 0x7465646279746573

	round := func() {
		v0 += v1
		v1 = rotl(v1, 13)
		v1 ^= v0
		v0 = rotl(v0, 32)
		v2 += v3
		v3 = rotl(v3, 16)
		v3 ^= v2
		v0 += v3
		v3 = rotl(v3, 21)
		v3 ^= v0
		v2 += v1
		v1 = rotl(v1, 17)
		v1 ^= v2
		v2 = rotl(v2, 32)
	}

	n := len(data)
	end := n - n%8
	for i := 0; i < end; i += 8 {
		m := binary.LittleEndian.Uint64(data[i : i+8])
		v3 ^= m
		round()
		round()
		v0 ^= m
	}

	var last uint64 = uint64(n&0xff) << 56
	tail := data[end:]
	for i := len(tail) - 1; i >= 0; i-- {
		last |= uint64(tail[i]) << uint(8*i)
	}
	v3 ^= last
	round()
	round()
	v0 ^= last

	v2 ^= 0xff
	round()
	round()
	round()
	round()

	return v0 ^ v1 ^ v2 ^ v3
}

func rotl(x uint64, b uint) uint64 {
	return (x << b) | (x >> (64 - b))
}
