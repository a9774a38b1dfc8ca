package server

import (
	"bufio"
	"context"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/coldstorehq/coldstore/internal/collection"
	"github.com/coldstorehq/coldstore/internal/datastore"
	"github.com/coldstorehq/coldstore/internal/storeerr"
	"github.com/coldstorehq/coldstore/internal/wire"
)

// targetBatchItems is the producer-side batch size assumed when converting
// Config.FeedQueueCapacity (an item count) into a channel depth measured in
// batches; §4.5 targets ~5,000 items per batch.
const targetBatchItems = 5000

// defaultFeedQueueBatches applies when FeedQueueCapacity is unset, e.g. in
// tests that construct a Config literal directly.
const defaultFeedQueueBatches = 256

func (s *Server) feedQueueBatches() int {
	if s.cfg.FeedQueueCapacity <= 0 {
		return defaultFeedQueueBatches
	}
	if n := s.cfg.FeedQueueCapacity / targetBatchItems; n > 0 {
		return n
	}
	return 1
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn, readTimeout, writeTimeout time.Duration) {
	defer conn.Close()

	r := bufio.NewReader(conn)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if readTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(readTimeout))
		}
		f, err := wire.ReadFrame(r)
		if err != nil {
			if storeerr.Is(err, storeerr.FrameTooLarge) {
				s.writeStatus(conn, wire.Fail(err.Error()))
			}
			return
		}

		if writeTimeout > 0 {
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		}
		if err := s.dispatch(ctx, conn, r, f, readTimeout, writeTimeout); err != nil {
			s.logger.Warn("request failed", zap.Int32("tag", int32(f.Tag)), zap.Error(err))
			s.writeStatus(conn, wire.Fail(err.Error()))
			if storeerr.Is(err, storeerr.MalformedFrame) {
				return
			}
		}
	}
}

func (s *Server) writeStatus(w io.Writer, status wire.StatusResponse) {
	payload, err := wire.Marshal(status)
	if err != nil {
		return
	}
	wire.WriteFrame(w, wire.Frame{Tag: wire.TagStatusResponse, Payload: payload})
}

func (s *Server) dispatch(ctx context.Context, conn net.Conn, r *bufio.Reader, f wire.Frame, readTimeout, writeTimeout time.Duration) error {
	switch f.Tag {
	case wire.TagPing:
		return wire.WriteFrame(conn, wire.Frame{Tag: wire.TagPing})

	case wire.TagCreateCollection:
		return s.handleCreateCollection(conn, f)

	case wire.TagDropCollection:
		return s.handleDropCollection(conn, f)

	case wire.TagGetCollectionsDescription:
		return s.handleGetCollectionsDescription(conn)

	case wire.TagQueryByPrimaryKey:
		return s.handleQuery(conn, f)

	case wire.TagBeginFeed:
		return s.handleBeginFeed(ctx, conn, r, f, readTimeout)

	default:
		return storeerr.ErrMalformedFrame("unknown message tag")
	}
}

func (s *Server) handleCreateCollection(w io.Writer, f wire.Frame) error {
	var req wire.CreateCollectionRequest
	if err := wire.Unmarshal(f.Payload, &req); err != nil {
		return err
	}
	if err := validateCollectionName(req.Collection); err != nil {
		return err
	}
	if err := validatePrimaryKeyName(req.PrimaryKeyName); err != nil {
		return err
	}

	indexes := []datastore.IndexDescriptor{{Name: req.PrimaryKeyName, Unique: true}}
	for _, name := range req.OtherIndexNames {
		indexes = append(indexes, datastore.IndexDescriptor{Name: name, Unique: false})
	}

	meta := datastore.CollectionMetadata{
		Name:                     req.Collection,
		Indexes:                  indexes,
		MaxItemsPerSegment:       s.defaults.MaxItemsPerSegment,
		SegmentDataCapacityBytes: s.defaults.SegmentDataCapacityBytes,
		MaxVersionsToKeep:        s.defaults.MaxVersionsToKeep,
	}
	if err := s.store.CreateCollection(meta); err != nil {
		return err
	}
	return wire.WriteFrame(w, statusFrame(wire.OK()))
}

func (s *Server) handleDropCollection(w io.Writer, f wire.Frame) error {
	var req wire.DropCollectionRequest
	if err := wire.Unmarshal(f.Payload, &req); err != nil {
		return err
	}
	if err := validateCollectionName(req.Collection); err != nil {
		return err
	}
	if err := s.store.DropCollection(req.Collection); err != nil {
		return err
	}
	return wire.WriteFrame(w, statusFrame(wire.OK()))
}

func (s *Server) handleGetCollectionsDescription(w io.Writer) error {
	infos, err := s.store.GetCollectionsInformation()
	if err != nil {
		return err
	}

	desc := wire.CollectionsDescription{Collections: make(map[string]wire.CollectionDescription, len(infos))}
	for _, info := range infos {
		keyNames := make([]string, len(info.Indexes))
		for i, idx := range info.Indexes {
			keyNames[i] = idx.Name
		}
		desc.Collections[info.Name] = wire.CollectionDescription{
			Count:                info.ObjectCount,
			SizeInBytes:          info.TotalSizeInBytes,
			LastVersion:          info.LastVersion,
			KeyNames:             keyNames,
			SegmentFileSize:      info.SegmentDataCapacityBytes,
			MaxObjectsPerSegment: info.MaxItemsPerSegment,
		}
	}

	payload, err := wire.Marshal(desc)
	if err != nil {
		return err
	}
	return wire.WriteFrame(w, wire.Frame{Tag: wire.TagCollectionsDescription, Payload: payload})
}

func (s *Server) handleQuery(w io.Writer, f wire.Frame) error {
	start := time.Now()
	if s.metrics != nil {
		defer func() { s.metrics.QueryDuration.Observe(time.Since(start).Seconds()) }()
		s.metrics.QueryRequestsTotal.Inc()
	}

	var req wire.QueryByPrimaryKeyRequest
	if err := wire.Unmarshal(f.Payload, &req); err != nil {
		return err
	}
	if err := validateCollectionName(req.Collection); err != nil {
		return err
	}
	if len(req.PrimaryKeyValues) == 0 {
		return storeerr.ErrInvalidRequest("primary_key_values must not be empty")
	}

	var objects [][]byte
	for _, k := range req.PrimaryKeyValues {
		items, err := s.store.GetByPrimaryKey(req.Collection, k)
		if err != nil {
			return err
		}
		for _, item := range items {
			objects = append(objects, item.Data)
		}
	}

	resp := wire.QueryResponse{SingleAnswer: true, ObjectsData: objects, Collection: &req.Collection}
	payload, err := wire.Marshal(resp)
	if err != nil {
		return err
	}
	return wire.WriteFrame(w, wire.Frame{Tag: wire.TagQueryResponse, Payload: payload})
}

func (s *Server) handleBeginFeed(ctx context.Context, conn net.Conn, r *bufio.Reader, f wire.Frame, readTimeout time.Duration) error {
	w := conn
	start := time.Now()
	if s.metrics != nil {
		s.metrics.FeedRequestsTotal.Inc()
		defer func() { s.metrics.FeedDuration.Observe(time.Since(start).Seconds()) }()
	}

	var req wire.BeginFeedRequest
	if err := wire.Unmarshal(f.Payload, &req); err != nil {
		return err
	}
	if err := validateCollectionName(req.Collection); err != nil {
		return err
	}
	if err := validateVersion(req.Version); err != nil {
		return err
	}

	session, err := s.store.BeginFeed(req.Collection, req.Version)
	if err != nil {
		return err
	}

	if err := wire.WriteFrame(w, statusFrame(wire.OK())); err != nil {
		session.Abort()
		return err
	}

	queue := make(chan []wire.BatchItem, s.feedQueueBatches())
	feedErrCh := make(chan error, 1)

	go func() {
		var itemCount int
		var storeErr error
		for batch := range queue {
			if storeErr != nil {
				// Already failed: keep draining so the reader below never
				// blocks sending to a full, abandoned queue.
				continue
			}
			for _, it := range batch {
				if err := session.StoreItem(collection.Item{Data: it.Data, Keys: it.Keys}); err != nil {
					storeErr = err
					break
				}
				itemCount++
			}
		}
		if storeErr == nil && s.metrics != nil {
			s.metrics.FeedItemsTotal.Add(float64(itemCount))
		}
		feedErrCh <- storeErr
	}()

	var readErr error
readLoop:
	for {
		select {
		case <-ctx.Done():
			readErr = ctx.Err()
			break readLoop
		default:
		}

		if readTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(readTimeout))
		}
		batch, err := wire.ReadBatch(r)
		if err != nil {
			readErr = err
			break readLoop
		}
		queue <- batch
		if len(batch) == 0 {
			break readLoop
		}
	}
	close(queue)

	feedErr := <-feedErrCh
	if readErr != nil {
		session.Abort()
		return readErr
	}
	if feedErr != nil {
		session.Abort()
		return feedErr
	}

	if err := session.EndFeed(); err != nil {
		return err
	}
	return wire.WriteFrame(w, statusFrame(wire.OK()))
}

func statusFrame(status wire.StatusResponse) wire.Frame {
	payload, _ := wire.Marshal(status)
	return wire.Frame{Tag: wire.TagStatusResponse, Payload: payload}
}
