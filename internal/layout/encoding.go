package layout

import "encoding/binary"

// Little-endian accessors for header fields. Offsets are relative to the
// start of b; out-of-range offsets panic like any slice access.

// PutU32 writes v at off.
func PutU32(b []byte, off int, v uint32) {
	binary.LittleEndian.PutUint32(b[off:off+4], v)
}

// PutU64 writes v at off.
func PutU64(b []byte, off int, v uint64) {
	binary.LittleEndian.PutUint64(b[off:off+8], v)
}

// ReadU32 reads a uint32 at off.
func ReadU32(b []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(b[off : off+4])
}

// ReadU64 reads a uint64 at off.
func ReadU64(b []byte, off int) uint64 {
	return binary.LittleEndian.Uint64(b[off : off+8])
}

// Fill32 repeats v over b. A trailing partial word receives the low bytes of v.
func Fill32(b []byte, v uint32) {
	var word [4]byte
	binary.LittleEndian.PutUint32(word[:], v)
	for i := range b {
		b[i] = word[i&3]
	}
}
