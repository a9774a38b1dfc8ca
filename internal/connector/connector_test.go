package connector_test

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldstorehq/coldstore/internal/connector"
	"github.com/coldstorehq/coldstore/internal/wire"
)

// startEchoServer accepts one connection and echoes every Ping frame it
// receives, replying success to CreateCollection requests.
func startEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			f, err := wire.ReadFrame(conn)
			if err != nil {
				return
			}
			switch f.Tag {
			case wire.TagPing:
				wire.WriteFrame(conn, wire.Frame{Tag: wire.TagPing})
			case wire.TagCreateCollection:
				payload, _ := wire.Marshal(wire.OK())
				wire.WriteFrame(conn, wire.Frame{Tag: wire.TagStatusResponse, Payload: payload})
			default:
				return
			}
		}
	}()

	return ln.Addr().String()
}

func TestPingRoundTrip(t *testing.T) {
	addr := startEchoServer(t)
	c, err := connector.Dial(addr, nil)
	require.NoError(t, err)
	defer c.Close()

	assert.True(t, c.Ping())
	assert.True(t, c.IsHealthy())
}

func TestCreateCollectionRoundTrip(t *testing.T) {
	addr := startEchoServer(t)
	c, err := connector.Dial(addr, nil)
	require.NoError(t, err)
	defer c.Close()

	status, err := c.CreateCollection(wire.CreateCollectionRequest{Collection: "widgets", PrimaryKeyName: "id"})
	require.NoError(t, err)
	assert.True(t, status.Success)
}

func TestPingFailsAfterServerClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	c, err := connector.Dial(addr, nil)
	require.NoError(t, err)
	defer c.Close()

	assert.False(t, c.Ping())
	assert.False(t, c.IsHealthy())
}
