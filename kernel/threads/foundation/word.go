package foundation

import (
	"bytes"
	"encoding/binary"
)

// WordBytes returns the little-endian byte view of a data word.
func WordBytes(v uint64) [8]byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b
}

// UnpackString reads a data word as a NUL-terminated string of at most 8
// bytes.
func UnpackString(v uint64) string {
	b := WordBytes(v)
	if i := bytes.IndexByte(b[:], 0); i >= 0 {
		return string(b[:i])
	}
	return string(b[:])
}

// PackString stores the first 8 bytes of s in a data word, NUL padded.
func PackString(s string) uint64 {
	var b [8]byte
	copy(b[:], s)
	return binary.LittleEndian.Uint64(b[:])
}
