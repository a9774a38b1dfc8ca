package wire_test

import (
	"bytes"
	"testing"

	"github.com/coldstorehq/coldstore/internal/storeerr"
	"github.com/coldstorehq/coldstore/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, wire.WriteFrame(&buf, wire.Frame{Tag: wire.TagPing, Payload: nil}))
	require.NoError(t, wire.WriteFrame(&buf, wire.Frame{Tag: wire.TagStatusResponse, Payload: []byte("abc")}))

	f1, err := wire.ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, wire.TagPing, f1.Tag)
	assert.Empty(t, f1.Payload)

	f2, err := wire.ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, wire.TagStatusResponse, f2.Tag)
	assert.Equal(t, []byte("abc"), f2.Payload)
}

func TestReadFrameRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, wire.WriteFrame(&buf, wire.Frame{Tag: wire.TagPing, Payload: nil}))
	// Corrupt the length field to claim an oversized payload.
	corrupted := buf.Bytes()
	corrupted[4] = 0xff
	corrupted[5] = 0xff
	corrupted[6] = 0xff
	corrupted[7] = 0x7f

	_, err := wire.ReadFrame(bytes.NewReader(corrupted))
	require.Error(t, err)
	assert.Equal(t, storeerr.FrameTooLarge, storeerr.GetCode(err))
}

func TestMessagesRoundTripThroughMsgpack(t *testing.T) {
	req := wire.CreateCollectionRequest{Collection: "widgets", PrimaryKeyName: "id", OtherIndexNames: []string{"sku"}}
	payload, err := wire.Marshal(req)
	require.NoError(t, err)

	var got wire.CreateCollectionRequest
	require.NoError(t, wire.Unmarshal(payload, &got))
	assert.Equal(t, req, got)
}

func TestStatusResponseHelpers(t *testing.T) {
	ok := wire.OK()
	assert.True(t, ok.Success)
	assert.Nil(t, ok.Error)

	fail := wire.Fail("boom")
	assert.False(t, fail.Success)
	require.NotNil(t, fail.Error)
	assert.Equal(t, "boom", *fail.Error)
}
