package util

import (
	"encoding/binary"
	"hash/crc32"
)

// Frames written to disk carry a trailing CRC32 (Castagnoli) of their body so
// torn or bit-rotted files are detected on read instead of being replicated.

var crc32Table = crc32.MakeTable(crc32.Castagnoli)

const checksumSize = 4

// ComputeChecksum computes the frame checksum of data.
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// ValidateChecksum validates data against an expected checksum
func ValidateChecksum(data []byte, expected uint32) bool {
	return ComputeChecksum(data) == expected
}

// AppendChecksum returns data followed by its little endian checksum.
func AppendChecksum(data []byte) []byte {
	result := make([]byte, len(data)+checksumSize)
	copy(result, data)
	binary.LittleEndian.PutUint32(result[len(data):], ComputeChecksum(data))
	return result
}

// ValidateAndStripChecksum splits a frame produced by AppendChecksum and
// reports whether its checksum matched.
func ValidateAndStripChecksum(frame []byte) ([]byte, bool) {
	if len(frame) < checksumSize {
		return nil, false
	}
	n := len(frame) - checksumSize
	data := frame[:n]
	return data, ValidateChecksum(data, binary.LittleEndian.Uint32(frame[n:]))
}
