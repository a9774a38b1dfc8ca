// Package objheader implements the fixed-width per-document header record
// that makes up a segment's header table.
package objheader

import (
	"encoding/binary"
	"fmt"
)

// fixedFieldsWidth is the width of OffsetInFile and Length, in bytes.
const fixedFieldsWidth = 8

// Header is the on-disk record describing one stored document: where its
// data bytes live in the segment file, how long they are, and the ordered
// index keys attached to it. Length == 0 marks an END-MARKER: no further
// headers follow in this segment's header table.
type Header struct {
	OffsetInFile int32
	Length       int32
	Keys         []int64
}

// Width returns the encoded width, in bytes, of a header carrying k keys.
func Width(k int) int {
	return fixedFieldsWidth + 8*k
}

// IsEndMarker reports whether h terminates a segment's header table.
func (h Header) IsEndMarker() bool {
	return h.Length == 0
}

// EndMarker returns the END-MARKER header for a collection with k keys.
func EndMarker(k int) Header {
	return Header{Keys: make([]int64, k)}
}

// PrimaryKey returns keys[0], the primary key. Panics if h carries no keys;
// every collection has at least one index by construction.
func (h Header) PrimaryKey() int64 {
	return h.Keys[0]
}

// Encode writes h into buf, which must be exactly Width(len(h.Keys)) bytes.
func Encode(h Header, buf []byte) error {
	want := Width(len(h.Keys))
	if len(buf) != want {
		return fmt.Errorf("objheader: encode buffer has %d bytes, want %d", len(buf), want)
	}
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.OffsetInFile))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.Length))
	for i, k := range h.Keys {
		off := fixedFieldsWidth + 8*i
		binary.LittleEndian.PutUint64(buf[off:off+8], uint64(k))
	}
	return nil
}

// Decode reads a header carrying k keys out of buf, which must be exactly
// Width(k) bytes.
func Decode(buf []byte, k int) (Header, error) {
	want := Width(k)
	if len(buf) != want {
		return Header{}, fmt.Errorf("objheader: decode buffer has %d bytes, want %d", len(buf), want)
	}
	h := Header{
		OffsetInFile: int32(binary.LittleEndian.Uint32(buf[0:4])),
		Length:       int32(binary.LittleEndian.Uint32(buf[4:8])),
		Keys:         make([]int64, k),
	}
	for i := range h.Keys {
		off := fixedFieldsWidth + 8*i
		h.Keys[i] = int64(binary.LittleEndian.Uint64(buf[off : off+8]))
	}
	return h, nil
}
