package connector_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldstorehq/coldstore/internal/connector"
	"github.com/coldstorehq/coldstore/internal/wire"
)

func startPingServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				for {
					f, err := wire.ReadFrame(c)
					if err != nil {
						return
					}
					if f.Tag == wire.TagPing {
						if err := wire.WriteFrame(c, wire.Frame{Tag: wire.TagPing}); err != nil {
							return
						}
					}
				}
			}(conn)
		}
	}()

	return ln.Addr().String()
}

func TestPoolGetReturn(t *testing.T) {
	addr := startPingServer(t)
	p := connector.NewPool(addr, 2, time.Hour, nil, nil)
	defer p.Close()

	require.True(t, p.IsConnected())

	c, err := p.Get(context.Background())
	require.NoError(t, err)
	assert.True(t, c.Ping())
	p.Return(c)
}

func TestPoolGetFailsWhenDisconnected(t *testing.T) {
	p := connector.NewPool("127.0.0.1:1", 2, time.Hour, nil, nil)
	defer p.Close()

	require.False(t, p.IsConnected())

	_, err := p.Get(context.Background())
	require.Error(t, err)
}
