// Package connector implements a single TCP connection to a server and the
// bounded, watchdog-managed pool of connections that sits in front of it.
package connector

import (
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coldstorehq/coldstore/internal/storeerr"
	"github.com/coldstorehq/coldstore/internal/wire"
)

// pingTimeout bounds how long a ping's round trip may take before the
// connector is declared unhealthy.
const pingTimeout = 100 * time.Millisecond

// Connector owns one TCP connection and serializes requests strictly: one
// outstanding request at a time.
type Connector struct {
	addr   string
	logger *zap.Logger

	mu        sync.Mutex
	conn      net.Conn
	isHealthy bool
}

// Dial resolves addr (preferring IPv4 when both families are returned) and
// establishes a connection.
func Dial(addr string, logger *zap.Logger) (*Connector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := dialPreferIPv4(addr)
	if err != nil {
		return nil, storeerr.ErrRemoteUnavailable(fmt.Sprintf("dialing %s: %v", addr, err))
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}

	return &Connector{addr: addr, logger: logger, conn: conn, isHealthy: true}, nil
}

func dialPreferIPv4(addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}

	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		return net.Dial("tcp", addr)
	}

	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			return net.Dial("tcp", net.JoinHostPort(v4.String(), port))
		}
	}
	return net.Dial("tcp", net.JoinHostPort(ips[0].String(), port))
}

// IsHealthy reports whether the last operation on this connector succeeded.
func (c *Connector) IsHealthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isHealthy
}

func (c *Connector) markUnhealthy() {
	c.mu.Lock()
	c.isHealthy = false
	c.mu.Unlock()
}

// Ping sends a Ping frame and waits for the echo, bounded by pingTimeout.
// Any error, including a timeout, returns false and marks the connector
// unhealthy.
func (c *Connector) Ping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn.SetDeadline(time.Now().Add(pingTimeout))
	defer c.conn.SetDeadline(time.Time{})

	if err := wire.WriteFrame(c.conn, wire.Frame{Tag: wire.TagPing}); err != nil {
		c.isHealthy = false
		return false
	}
	f, err := wire.ReadFrame(c.conn)
	if err != nil || f.Tag != wire.TagPing {
		c.isHealthy = false
		return false
	}
	return true
}

// roundTrip writes req and reads exactly one response frame, under the
// connector's serializing lock.
func (c *Connector) roundTrip(req wire.Frame) (wire.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := wire.WriteFrame(c.conn, req); err != nil {
		c.isHealthy = false
		return wire.Frame{}, err
	}
	resp, err := wire.ReadFrame(c.conn)
	if err != nil {
		c.isHealthy = false
		return wire.Frame{}, err
	}
	return resp, nil
}

// CreateCollection sends a CreateCollection request and returns the
// server's status.
func (c *Connector) CreateCollection(req wire.CreateCollectionRequest) (wire.StatusResponse, error) {
	payload, err := wire.Marshal(req)
	if err != nil {
		return wire.StatusResponse{}, err
	}
	resp, err := c.roundTrip(wire.Frame{Tag: wire.TagCreateCollection, Payload: payload})
	if err != nil {
		return wire.StatusResponse{}, err
	}
	var status wire.StatusResponse
	if err := wire.Unmarshal(resp.Payload, &status); err != nil {
		return wire.StatusResponse{}, err
	}
	return status, nil
}

// DropCollection sends a DropCollection request and returns the server's
// status.
func (c *Connector) DropCollection(name string) (wire.StatusResponse, error) {
	payload, err := wire.Marshal(wire.DropCollectionRequest{Collection: name})
	if err != nil {
		return wire.StatusResponse{}, err
	}
	resp, err := c.roundTrip(wire.Frame{Tag: wire.TagDropCollection, Payload: payload})
	if err != nil {
		return wire.StatusResponse{}, err
	}
	var status wire.StatusResponse
	if err := wire.Unmarshal(resp.Payload, &status); err != nil {
		return wire.StatusResponse{}, err
	}
	return status, nil
}

// QueryByPrimaryKey sends a QueryByPrimaryKey request and returns the
// server's response.
func (c *Connector) QueryByPrimaryKey(req wire.QueryByPrimaryKeyRequest) (wire.QueryResponse, error) {
	payload, err := wire.Marshal(req)
	if err != nil {
		return wire.QueryResponse{}, err
	}
	resp, err := c.roundTrip(wire.Frame{Tag: wire.TagQueryByPrimaryKey, Payload: payload})
	if err != nil {
		return wire.QueryResponse{}, err
	}
	var q wire.QueryResponse
	if err := wire.Unmarshal(resp.Payload, &q); err != nil {
		return wire.QueryResponse{}, err
	}
	return q, nil
}

// GetCollectionsDescription sends a GetCollectionsDescription request and
// returns the server's response.
func (c *Connector) GetCollectionsDescription() (wire.CollectionsDescription, error) {
	resp, err := c.roundTrip(wire.Frame{Tag: wire.TagGetCollectionsDescription})
	if err != nil {
		return wire.CollectionsDescription{}, err
	}
	var d wire.CollectionsDescription
	if err := wire.Unmarshal(resp.Payload, &d); err != nil {
		return wire.CollectionsDescription{}, err
	}
	return d, nil
}

// Feed sends BeginFeed, then streams items as one or more batches, then a
// terminating empty batch, and returns the final status. batchFn is called
// repeatedly to pull the next batch of items; it returns a nil slice when
// there are no more items.
func (c *Connector) Feed(collection, version string, batchFn func() []wire.BatchItem) (wire.StatusResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	payload, err := wire.Marshal(wire.BeginFeedRequest{Collection: collection, Version: version})
	if err != nil {
		return wire.StatusResponse{}, err
	}
	if err := wire.WriteFrame(c.conn, wire.Frame{Tag: wire.TagBeginFeed, Payload: payload}); err != nil {
		c.isHealthy = false
		return wire.StatusResponse{}, err
	}

	resp, err := wire.ReadFrame(c.conn)
	if err != nil {
		c.isHealthy = false
		return wire.StatusResponse{}, err
	}
	var status wire.StatusResponse
	if err := wire.Unmarshal(resp.Payload, &status); err != nil {
		return wire.StatusResponse{}, err
	}
	if !status.Success {
		return status, nil
	}

	for {
		batch := batchFn()
		if err := wire.WriteBatch(c.conn, batch); err != nil {
			c.isHealthy = false
			return wire.StatusResponse{}, err
		}
		if len(batch) == 0 {
			break
		}
	}

	finalResp, err := wire.ReadFrame(c.conn)
	if err != nil {
		c.isHealthy = false
		return wire.StatusResponse{}, err
	}
	var final wire.StatusResponse
	if err := wire.Unmarshal(finalResp.Payload, &final); err != nil {
		return wire.StatusResponse{}, err
	}
	return final, nil
}

// Close closes the underlying connection.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}
