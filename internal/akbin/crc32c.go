// Package akbin provides the little-endian byte primitives shared by every
// on-disk format in AkkaraDB: the Castagnoli CRC32 table, SipHash-2-4 key
// fingerprinting, and little-endian get/put helpers. Nothing here is
// specific to blocks, records, or any particular file format.
package akbin

import "hash/crc32"

// Castagnoli is the CRC32C polynomial used by every checksum in this module
// (blocks, WAL frames, manifest frames, SST footers).
var Castagnoli = crc32.MakeTable(crc32.Castagnoli)

// ChecksumCRC32C computes the CRC32C checksum of b.
func ChecksumCRC32C(b []byte) uint32 {
	return crc32.Checksum(b, Castagnoli)
}
