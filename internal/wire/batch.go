package wire

import (
	"encoding/binary"
	"io"

	"github.com/coldstorehq/coldstore/internal/storeerr"
)

// BatchItem is one item within a feed batch: its data bytes plus its
// ordered index keys, keys[0] being the primary key.
type BatchItem struct {
	Data []byte
	Keys []int64
}

// WriteBatch writes items as one feed batch frame:
// batch_bytes_len(i32 LE) ‖ item_count(i32 LE) ‖ items. Passing a nil or
// empty slice writes the empty batch that terminates a feed stream.
func WriteBatch(w io.Writer, items []BatchItem) error {
	body := encodeBatchBody(items)

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return storeerr.ErrIo("writing batch length", err)
	}

	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(items)))
	if _, err := w.Write(countBuf[:]); err != nil {
		return storeerr.ErrIo("writing batch item count", err)
	}

	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return storeerr.ErrIo("writing batch body", err)
		}
	}
	return nil
}

func encodeBatchBody(items []BatchItem) []byte {
	size := 0
	for _, it := range items {
		size += itemEncodedSize(it)
	}
	buf := make([]byte, size)
	off := 0
	for _, it := range items {
		off += encodeItem(buf[off:], it)
	}
	return buf
}

func itemEncodedSize(it BatchItem) int {
	return 4 + 4 + 8*len(it.Keys) + len(it.Data)
}

func encodeItem(buf []byte, it BatchItem) int {
	itemSize := int32(4 + 8*len(it.Keys) + len(it.Data))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(itemSize))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(it.Keys)))
	off := 8
	for _, k := range it.Keys {
		binary.LittleEndian.PutUint64(buf[off:off+8], uint64(k))
		off += 8
	}
	off += copy(buf[off:], it.Data)
	return off
}

// ReadBatch reads one feed batch frame from r. It returns a nil slice for
// the empty batch that terminates a feed stream.
func ReadBatch(r io.Reader) ([]BatchItem, error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, storeerr.ErrIo("reading batch header", err)
	}
	batchLen := binary.LittleEndian.Uint32(header[0:4])
	itemCount := binary.LittleEndian.Uint32(header[4:8])

	if batchLen == 0 && itemCount == 0 {
		return nil, nil
	}

	body := make([]byte, batchLen)
	if batchLen > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, storeerr.ErrIo("reading batch body", err)
		}
	}

	items := make([]BatchItem, 0, itemCount)
	off := 0
	for i := uint32(0); i < itemCount; i++ {
		it, n, err := decodeItem(body[off:])
		if err != nil {
			return nil, err
		}
		items = append(items, it)
		off += n
	}
	return items, nil
}

func decodeItem(buf []byte) (BatchItem, int, error) {
	if len(buf) < 8 {
		return BatchItem{}, 0, storeerr.ErrMalformedFrame("truncated batch item header")
	}
	// itemSize (buf[0:4]) counts keys_count, the keys and the data; the data
	// length is derived from it below. A corrupt item is not skipped.
	_ = binary.LittleEndian.Uint32(buf[0:4])
	keysCount := binary.LittleEndian.Uint32(buf[4:8])

	off := 8
	need := off + 8*int(keysCount)
	if len(buf) < need {
		return BatchItem{}, 0, storeerr.ErrMalformedFrame("truncated batch item keys")
	}
	keys := make([]int64, keysCount)
	for i := range keys {
		keys[i] = int64(binary.LittleEndian.Uint64(buf[off : off+8]))
		off += 8
	}

	dataLen := int(binary.LittleEndian.Uint32(buf[0:4])) - 4 - 8*int(keysCount)
	if dataLen < 0 || len(buf) < off+dataLen {
		return BatchItem{}, 0, storeerr.ErrMalformedFrame("truncated batch item data")
	}
	data := make([]byte, dataLen)
	copy(data, buf[off:off+dataLen])
	off += dataLen

	return BatchItem{Data: data, Keys: keys}, off, nil
}
