// Package aggregator fans a client's requests out across N replica
// connector pools: round-robin query, parallel feed, and quorum-style
// declare/drop.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/coldstorehq/coldstore/internal/connector"
	"github.com/coldstorehq/coldstore/internal/metrics"
	"github.com/coldstorehq/coldstore/internal/storeerr"
	"github.com/coldstorehq/coldstore/internal/wire"
)

// cacheKey identifies a cached query result: the last_version a replica
// reported is part of the key, so a stale entry from a superseded version
// misses rather than needing explicit invalidation.
type cacheKey struct {
	collection  string
	primaryKey  int64
	lastVersion string
}

// Aggregator holds one connector pool per replica.
type Aggregator struct {
	pools   []*connector.Pool
	logger  *zap.Logger
	metrics *metrics.Metrics

	rrMu  sync.Mutex
	rrIdx int

	cache *lru.Cache

	versionsMu sync.RWMutex
	versions   map[string]string // collection -> last_version last observed
}

// New constructs an Aggregator over pools. cacheSize == 0 disables the
// client-side query cache.
func New(pools []*connector.Pool, cacheSize int, logger *zap.Logger, m *metrics.Metrics) (*Aggregator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Aggregator{pools: pools, logger: logger, metrics: m, versions: make(map[string]string)}

	if cacheSize > 0 {
		c, err := lru.New(cacheSize)
		if err != nil {
			return nil, fmt.Errorf("constructing query cache: %w", err)
		}
		a.cache = c
	}
	return a, nil
}

// nextPool returns the next connected pool in round-robin order, skipping
// disconnected ones, or nil if none are connected.
func (a *Aggregator) nextPool() *connector.Pool {
	a.rrMu.Lock()
	defer a.rrMu.Unlock()

	n := len(a.pools)
	for i := 0; i < n; i++ {
		idx := (a.rrIdx + i) % n
		if a.pools[idx].IsConnected() {
			a.rrIdx = (idx + 1) % n
			return a.pools[idx]
		}
	}
	return nil
}

// QueryByPrimaryKey is handled by any connected replica, chosen
// round-robin. On a socket error the aggregator marks that pool
// disconnected and retries another replica. Single-key requests consult
// the optional client-side LRU cache first.
func (a *Aggregator) QueryByPrimaryKey(ctx context.Context, collectionName string, keys []int64) (wire.QueryResponse, error) {
	attempts := len(a.pools)
	if attempts == 0 {
		return wire.QueryResponse{}, storeerr.ErrRemoteUnavailable("no replicas configured")
	}

	var ck cacheKey
	cacheable := a.cache != nil && len(keys) == 1
	if cacheable {
		ck = cacheKey{collection: collectionName, primaryKey: keys[0], lastVersion: a.lastVersion(collectionName)}
		if v, ok := a.cache.Get(ck); ok {
			if a.metrics != nil {
				a.metrics.AggregatorCacheHitsTotal.Inc()
			}
			return v.(wire.QueryResponse), nil
		}
		if a.metrics != nil {
			a.metrics.AggregatorCacheMissesTotal.Inc()
		}
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		pool := a.nextPool()
		if pool == nil {
			break
		}
		resp, err := a.queryOne(ctx, pool, collectionName, keys)
		if err == nil {
			if cacheable {
				a.cache.Add(ck, resp)
			}
			return resp, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = storeerr.ErrRemoteUnavailable("no connected replicas")
	}
	return wire.QueryResponse{}, lastErr
}

func (a *Aggregator) lastVersion(collectionName string) string {
	a.versionsMu.RLock()
	defer a.versionsMu.RUnlock()
	return a.versions[collectionName]
}

// Describe polls one connected replica's GetCollectionsDescription and
// returns its answer as-is.
func (a *Aggregator) Describe(ctx context.Context) (wire.CollectionsDescription, error) {
	pool := a.nextPool()
	if pool == nil {
		return wire.CollectionsDescription{}, storeerr.ErrRemoteUnavailable("no connected replicas")
	}
	c, err := pool.Get(ctx)
	if err != nil {
		return wire.CollectionsDescription{}, err
	}
	desc, err := c.GetCollectionsDescription()
	pool.Return(c)
	return desc, err
}

// RefreshCollectionVersions polls one connected replica's
// GetCollectionsDescription and records each collection's last_version, so
// the query cache can key on it. Callers typically run this periodically
// or after a Feed completes.
func (a *Aggregator) RefreshCollectionVersions(ctx context.Context) error {
	desc, err := a.Describe(ctx)
	if err != nil {
		return err
	}

	a.versionsMu.Lock()
	for name, d := range desc.Collections {
		if d.LastVersion != nil {
			a.versions[name] = *d.LastVersion
		}
	}
	a.versionsMu.Unlock()
	return nil
}

func (a *Aggregator) queryOne(ctx context.Context, pool *connector.Pool, collectionName string, keys []int64) (wire.QueryResponse, error) {
	c, err := pool.Get(ctx)
	if err != nil {
		return wire.QueryResponse{}, err
	}
	resp, err := c.QueryByPrimaryKey(wire.QueryByPrimaryKeyRequest{Collection: collectionName, PrimaryKeyValues: keys})
	pool.Return(c)
	if err != nil {
		return wire.QueryResponse{}, err
	}
	return resp, nil
}

// DeclareCollection requires every currently connected replica to succeed;
// it fails on the first replica that errors or reports failure.
func (a *Aggregator) DeclareCollection(ctx context.Context, req wire.CreateCollectionRequest) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, pool := range a.pools {
		pool := pool
		if !pool.IsConnected() {
			continue
		}
		g.Go(func() error {
			c, err := pool.Get(ctx)
			if err != nil {
				return err
			}
			defer pool.Return(c)
			status, err := c.CreateCollection(req)
			if err != nil {
				return err
			}
			if !status.Success {
				msg := "unknown error"
				if status.Error != nil {
					msg = *status.Error
				}
				return storeerr.ErrInvalidRequest(msg)
			}
			return nil
		})
	}
	return g.Wait()
}

// DropCollection requires every currently connected replica to succeed.
func (a *Aggregator) DropCollection(ctx context.Context, name string) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, pool := range a.pools {
		pool := pool
		if !pool.IsConnected() {
			continue
		}
		g.Go(func() error {
			c, err := pool.Get(ctx)
			if err != nil {
				return err
			}
			defer pool.Return(c)
			status, err := c.DropCollection(name)
			if err != nil {
				return err
			}
			if !status.Success {
				msg := "unknown error"
				if status.Error != nil {
					msg = *status.Error
				}
				return storeerr.ErrInvalidRequest(msg)
			}
			return nil
		})
	}
	return g.Wait()
}

// NewFeedVersion returns the version string this aggregator assigns to the
// next feed: a UTC timestamp, formatted YYYYMMDD_HHmmss. Callers pass
// `now` in explicitly so the choice stays deterministic and testable.
func NewFeedVersion(now time.Time) string {
	return now.UTC().Format("20060102_150405")
}

// Feed fans items out to every connected replica in parallel. next is
// called repeatedly, once per outgoing batch, from a single producer
// goroutine, and the same batch is forwarded to every replica still in
// flight. A replica's `Connector.Feed` failing does not stop batch delivery
// to the others: each replica's consumer runs independently behind its own
// done signal, rather than a context shared across replicas that would
// cancel on the first error. The returned error, if any, joins every
// replica's error via errors.Join.
func (a *Aggregator) Feed(ctx context.Context, collectionName, version string, next func() []wire.BatchItem) error {
	type replicaChan struct {
		pool *connector.Pool
		ch   chan []wire.BatchItem
		done chan struct{} // closed once this replica's consumer returns
		err  error
	}

	var channels []*replicaChan
	for _, pool := range a.pools {
		if pool.IsConnected() {
			channels = append(channels, &replicaChan{pool: pool, ch: make(chan []wire.BatchItem, 16), done: make(chan struct{})})
		}
	}
	if len(channels) == 0 {
		return storeerr.ErrRemoteUnavailable("no connected replicas")
	}

	var wg sync.WaitGroup
	for _, rc := range channels {
		rc := rc
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(rc.done)
			rc.err = feedOneReplica(ctx, rc.pool, rc.ch, collectionName, version)
		}()
	}

	for {
		batch := next()
		for _, rc := range channels {
			select {
			case <-rc.done:
				continue
			default:
			}
			select {
			case rc.ch <- batch:
			case <-rc.done:
			case <-ctx.Done():
			}
		}
		if len(batch) == 0 {
			break
		}
	}
	for _, rc := range channels {
		close(rc.ch)
	}
	wg.Wait()

	var errs []error
	for _, rc := range channels {
		if rc.err != nil {
			errs = append(errs, rc.err)
		}
	}
	return errors.Join(errs...)
}

// feedOneReplica drives a single replica's Connector.Feed call, sourcing
// batches from ch until it's closed. It never inspects the other replicas'
// state and never aborts early on ctx cancellation from anywhere but the
// caller of Feed itself, so one replica's failure never truncates another's
// stream.
func feedOneReplica(ctx context.Context, pool *connector.Pool, ch chan []wire.BatchItem, collectionName, version string) error {
	c, err := pool.Get(ctx)
	if err != nil {
		return err
	}
	defer pool.Return(c)

	status, err := c.Feed(collectionName, version, func() []wire.BatchItem {
		return <-ch
	})
	if err != nil {
		return err
	}
	if !status.Success {
		msg := "unknown error"
		if status.Error != nil {
			msg = *status.Error
		}
		return storeerr.ErrInvalidRequest(msg)
	}
	return nil
}

// TypedAggregator wraps Aggregator with a Marshal/Unmarshal pair so callers
// can feed and query typed values while the core continues to operate on
// opaque bytes plus caller-supplied keys.
type TypedAggregator[T any] struct {
	agg       *Aggregator
	marshal   func(T) []byte
	unmarshal func([]byte) (T, error)
}

// NewTyped builds a TypedAggregator over agg.
func NewTyped[T any](agg *Aggregator, marshal func(T) []byte, unmarshal func([]byte) (T, error)) *TypedAggregator[T] {
	return &TypedAggregator[T]{agg: agg, marshal: marshal, unmarshal: unmarshal}
}

// TypedItem is one value plus its ordered index keys for a typed feed.
type TypedItem[T any] struct {
	Value T
	Keys  []int64
}

// Feed marshals each item's value and streams it through the underlying
// Aggregator.
func (t *TypedAggregator[T]) Feed(ctx context.Context, collectionName, version string, items []TypedItem[T]) error {
	var idx int32 = -1
	next := func() []wire.BatchItem {
		i := int(atomic.AddInt32(&idx, 1))
		if i >= len(items) {
			return nil
		}
		it := items[i]
		return []wire.BatchItem{{Data: t.marshal(it.Value), Keys: it.Keys}}
	}
	return t.agg.Feed(ctx, collectionName, version, next)
}

// QueryByPrimaryKey queries and unmarshals every returned object.
func (t *TypedAggregator[T]) QueryByPrimaryKey(ctx context.Context, collectionName string, keys []int64) ([]T, error) {
	resp, err := t.agg.QueryByPrimaryKey(ctx, collectionName, keys)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(resp.ObjectsData))
	for _, data := range resp.ObjectsData {
		v, err := t.unmarshal(data)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
