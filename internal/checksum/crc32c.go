// Package checksum computes the CRC32C (Castagnoli) checksums stored in log
// records and table block trailers.
//
// Stored checksums are masked: a CRC computed over data that itself contains
// embedded CRCs is weak, so every checksum written to disk is rotated and
// offset first, and unmasked on read.
package checksum

import "hash/crc32"

var table = crc32.MakeTable(crc32.Castagnoli)

const maskDelta = 0xa282ead8

// Value returns the CRC32C of data.
func Value(data []byte) uint32 {
	return crc32.Checksum(data, table)
}

// Extend returns the CRC32C of concat(A, data), where crc is the CRC32C of A.
func Extend(crc uint32, data []byte) uint32 {
	return crc32.Update(crc, table, data)
}

// Mask returns the on-disk representation of crc.
func Mask(crc uint32) uint32 {
	return ((crc >> 15) | (crc << 17)) + maskDelta
}

// Unmask inverts Mask.
func Unmask(masked uint32) uint32 {
	rot := masked - maskDelta
	return (rot >> 17) | (rot << 15)
}
