// Package wire implements the length-prefixed, type-tagged message framing
// used between the server and its connectors, and the msgpack-encoded
// payload structs carried inside each frame.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/coldstorehq/coldstore/internal/storeerr"
)

// Tag identifies a frame's message type. The exact integer values are part
// of the wire protocol.
type Tag int32

const (
	TagPing                       Tag = 1
	TagBeginFeed                  Tag = 2
	TagFeedItem                   Tag = 3 // never framed individually; carried inside a feed batch
	TagCreateCollection           Tag = 5
	TagStatusResponse             Tag = 6
	TagQueryByPrimaryKey          Tag = 7
	TagQueryResponse              Tag = 8
	TagDropCollection             Tag = 9
	TagGetCollectionsDescription  Tag = 10
	TagCollectionsDescription     Tag = 11
)

// MaxFramePayloadBytes is the largest payload a frame may carry; larger
// payloads are rejected with FrameTooLarge.
const MaxFramePayloadBytes = 1 << 20

// Frame is one tagged, length-prefixed message: tag(i32 LE) ‖
// payload_length(i32 LE) ‖ payload.
type Frame struct {
	Tag     Tag
	Payload []byte
}

// WriteFrame writes f to w.
func WriteFrame(w io.Writer, f Frame) error {
	var header [8]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(f.Tag))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(f.Payload)))
	if _, err := w.Write(header[:]); err != nil {
		return storeerr.ErrIo("writing frame header", err)
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return storeerr.ErrIo("writing frame payload", err)
		}
	}
	return nil
}

// ReadFrame reads one frame from r. A FrameTooLarge error is returned
// without consuming the oversized payload from r; the caller MUST close
// the connection in that case since the stream is no longer framable.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err
	}
	tag := Tag(binary.LittleEndian.Uint32(header[0:4]))
	length := binary.LittleEndian.Uint32(header[4:8])

	if length > MaxFramePayloadBytes {
		return Frame{}, storeerr.ErrFrameTooLarge(int(length), MaxFramePayloadBytes)
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, storeerr.ErrIo("reading frame payload", err)
		}
	}
	return Frame{Tag: tag, Payload: payload}, nil
}
