package server_test

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldstorehq/coldstore/internal/config"
	"github.com/coldstorehq/coldstore/internal/datastore"
	"github.com/coldstorehq/coldstore/internal/server"
	"github.com/coldstorehq/coldstore/internal/wire"
)

func startTestServer(t *testing.T) (addr string, store *datastore.Store) {
	t.Helper()
	defaults := config.CollectionDefault{MaxItemsPerSegment: 1000, SegmentDataCapacityBytes: 1 << 20, MaxVersionsToKeep: 2}
	return startTestServerWithSettings(t, server.Config{}, defaults)
}

func startTestServerWithSettings(t *testing.T, cfg server.Config, defaults config.CollectionDefault) (addr string, store *datastore.Store) {
	t.Helper()
	store = datastore.New(t.TempDir(), nil, nil)
	require.NoError(t, store.Open(context.Background()))
	t.Cleanup(func() { store.Close() })

	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, portStr, err := net.SplitHostPort(probe.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	probe.Close()

	cfg.Host = "127.0.0.1"
	cfg.Port = port
	srv := server.New(cfg, defaults, store, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go srv.ListenAndServe(ctx)
	t.Cleanup(cancel)

	addr = net.JoinHostPort("127.0.0.1", portStr)
	waitForDial(t, addr)
	return addr, store
}

func waitForDial(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server never became reachable at %s", addr)
}

func TestPingRoundTrip(t *testing.T) {
	addr, _ := startTestServer(t)
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, wire.WriteFrame(conn, wire.Frame{Tag: wire.TagPing}))
	f, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	assert.Equal(t, wire.TagPing, f.Tag)
}

func TestCreateQueryFeedRoundTrip(t *testing.T) {
	addr, _ := startTestServer(t)
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	createReq, err := wire.Marshal(wire.CreateCollectionRequest{Collection: "widgets", PrimaryKeyName: "id"})
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(conn, wire.Frame{Tag: wire.TagCreateCollection, Payload: createReq}))
	f, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	var status wire.StatusResponse
	require.NoError(t, wire.Unmarshal(f.Payload, &status))
	assert.True(t, status.Success)

	beginReq, err := wire.Marshal(wire.BeginFeedRequest{Collection: "widgets", Version: "20260101_000000"})
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(conn, wire.Frame{Tag: wire.TagBeginFeed, Payload: beginReq}))
	f, err = wire.ReadFrame(conn)
	require.NoError(t, err)
	require.NoError(t, wire.Unmarshal(f.Payload, &status))
	require.True(t, status.Success)

	require.NoError(t, wire.WriteBatch(conn, []wire.BatchItem{{Data: []byte("hello"), Keys: []int64{1}}}))
	require.NoError(t, wire.WriteBatch(conn, nil))

	f, err = wire.ReadFrame(conn)
	require.NoError(t, err)
	require.NoError(t, wire.Unmarshal(f.Payload, &status))
	require.True(t, status.Success)

	queryReq, err := wire.Marshal(wire.QueryByPrimaryKeyRequest{Collection: "widgets", PrimaryKeyValues: []int64{1}})
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(conn, wire.Frame{Tag: wire.TagQueryByPrimaryKey, Payload: queryReq}))
	f, err = wire.ReadFrame(conn)
	require.NoError(t, err)
	var resp wire.QueryResponse
	require.NoError(t, wire.Unmarshal(f.Payload, &resp))
	require.Len(t, resp.ObjectsData, 1)
	assert.Equal(t, []byte("hello"), resp.ObjectsData[0])
}

// TestFeedReportsFailureStatusAfterMidFeedStoreError reproduces a feed whose
// first item is rejected by StoreItem (ItemTooLarge) while more batches are
// still queued up behind it. With a one-batch feed queue, a feeder that
// stops draining on its first error would leave the reader blocked on the
// second batch forever instead of reaching the final failure status.
func TestFeedReportsFailureStatusAfterMidFeedStoreError(t *testing.T) {
	defaults := config.CollectionDefault{MaxItemsPerSegment: 1000, SegmentDataCapacityBytes: 8, MaxVersionsToKeep: 2}
	addr, _ := startTestServerWithSettings(t, server.Config{FeedQueueCapacity: 1}, defaults)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	createReq, err := wire.Marshal(wire.CreateCollectionRequest{Collection: "widgets", PrimaryKeyName: "id"})
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(conn, wire.Frame{Tag: wire.TagCreateCollection, Payload: createReq}))
	f, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	var status wire.StatusResponse
	require.NoError(t, wire.Unmarshal(f.Payload, &status))
	require.True(t, status.Success)

	beginReq, err := wire.Marshal(wire.BeginFeedRequest{Collection: "widgets", Version: "20260101_000000"})
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(conn, wire.Frame{Tag: wire.TagBeginFeed, Payload: beginReq}))
	f, err = wire.ReadFrame(conn)
	require.NoError(t, err)
	require.NoError(t, wire.Unmarshal(f.Payload, &status))
	require.True(t, status.Success)

	// First item exceeds the collection's segment data capacity (8 bytes),
	// so StoreItem fails on the very first batch. Several more batches
	// follow behind it, unread by anything if the feeder stopped draining.
	oversized := []byte("this item is far larger than eight bytes")
	require.NoError(t, wire.WriteBatch(conn, []wire.BatchItem{{Data: oversized, Keys: []int64{1}}}))
	for i := int64(2); i <= 6; i++ {
		require.NoError(t, wire.WriteBatch(conn, []wire.BatchItem{{Data: []byte("ok"), Keys: []int64{i}}}))
	}
	require.NoError(t, wire.WriteBatch(conn, nil))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	f, err = wire.ReadFrame(conn)
	require.NoError(t, err, "server must still emit a final status instead of hanging")
	require.NoError(t, wire.Unmarshal(f.Payload, &status))
	assert.False(t, status.Success)
}

// startNullTestServer runs the dispatch loop over a datastore.NullStore, so
// handler behavior is exercised without touching disk or mmap.
func startNullTestServer(t *testing.T) string {
	t.Helper()
	store := datastore.NewNullStore()
	defaults := config.CollectionDefault{MaxItemsPerSegment: 1000, SegmentDataCapacityBytes: 1 << 20, MaxVersionsToKeep: 2}

	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, portStr, err := net.SplitHostPort(probe.Addr().String())
	require.NoError(t, err)
	probe.Close()

	srv := server.New(server.Config{Host: "127.0.0.1", Port: mustAtoi(t, portStr)}, defaults, store, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go srv.ListenAndServe(ctx)
	t.Cleanup(cancel)

	addr := net.JoinHostPort("127.0.0.1", portStr)
	waitForDial(t, addr)
	return addr
}

func mustAtoi(t *testing.T, s string) int {
	t.Helper()
	n, err := strconv.Atoi(s)
	require.NoError(t, err)
	return n
}

func TestNullStoreCreateFeedQueryRoundTrip(t *testing.T) {
	addr := startNullTestServer(t)
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	createReq, err := wire.Marshal(wire.CreateCollectionRequest{Collection: "widgets", PrimaryKeyName: "id"})
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(conn, wire.Frame{Tag: wire.TagCreateCollection, Payload: createReq}))
	f, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	var status wire.StatusResponse
	require.NoError(t, wire.Unmarshal(f.Payload, &status))
	require.True(t, status.Success)

	beginReq, err := wire.Marshal(wire.BeginFeedRequest{Collection: "widgets", Version: "v1"})
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(conn, wire.Frame{Tag: wire.TagBeginFeed, Payload: beginReq}))
	f, err = wire.ReadFrame(conn)
	require.NoError(t, err)
	require.NoError(t, wire.Unmarshal(f.Payload, &status))
	require.True(t, status.Success)

	require.NoError(t, wire.WriteBatch(conn, []wire.BatchItem{{Data: []byte("world"), Keys: []int64{7}}}))
	require.NoError(t, wire.WriteBatch(conn, nil))
	f, err = wire.ReadFrame(conn)
	require.NoError(t, err)
	require.NoError(t, wire.Unmarshal(f.Payload, &status))
	require.True(t, status.Success)

	queryReq, err := wire.Marshal(wire.QueryByPrimaryKeyRequest{Collection: "widgets", PrimaryKeyValues: []int64{7}})
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(conn, wire.Frame{Tag: wire.TagQueryByPrimaryKey, Payload: queryReq}))
	f, err = wire.ReadFrame(conn)
	require.NoError(t, err)
	var resp wire.QueryResponse
	require.NoError(t, wire.Unmarshal(f.Payload, &resp))
	require.Len(t, resp.ObjectsData, 1)
	assert.Equal(t, []byte("world"), resp.ObjectsData[0])
}

func TestDropCollectionNotFoundReportsFailure(t *testing.T) {
	addr, _ := startTestServer(t)
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	dropReq, err := wire.Marshal(wire.DropCollectionRequest{Collection: "missing"})
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(conn, wire.Frame{Tag: wire.TagDropCollection, Payload: dropReq}))
	f, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	var status wire.StatusResponse
	require.NoError(t, wire.Unmarshal(f.Payload, &status))
	assert.False(t, status.Success)
}
