package util

import (
	"hash/crc32"
)

// Checksum utilities for segment frame validation.
// Uses CRC32 with the Castagnoli polynomial, which has hardware support on
// amd64 and arm64.

var crc32Table = crc32.MakeTable(crc32.Castagnoli)

// ComputeChecksum computes a CRC32 checksum over the concatenation of parts
func ComputeChecksum(parts ...[]byte) uint32 {
	var sum uint32
	for _, p := range parts {
		sum = crc32.Update(sum, crc32Table, p)
	}
	return sum
}

// ValidateChecksum reports whether the parts hash to expected
func ValidateChecksum(expected uint32, parts ...[]byte) bool {
	return ComputeChecksum(parts...) == expected
}
