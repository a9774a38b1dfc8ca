// Package datastore implements the collections directory: metadata
// persistence, version directories, and the Open/Feed/Swap lifecycle that
// exposes one active Collection Store per collection.
package datastore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/coldstorehq/coldstore/internal/collection"
	"github.com/coldstorehq/coldstore/internal/metrics"
	"github.com/coldstorehq/coldstore/internal/segment"
	"github.com/coldstorehq/coldstore/internal/storeerr"
)

const metadataFileName = "metadata.json"

// OpenParallelism bounds how many collections are opened concurrently on
// startup.
const OpenParallelism = 8

// entry is one collection's mutable state: its metadata, its active version
// store (nil until fed at least once), and the mutex serializing
// create/drop/swap against it.
type entry struct {
	mu       sync.Mutex
	meta     CollectionMetadata
	active   *collection.Store
	activeMu sync.RWMutex
}

// Store is the Data Store: the root directory owning every collection's
// metadata and active version.
type Store struct {
	root    string
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu          sync.RWMutex
	collections map[string]*entry

	opened bool
}

// New constructs a Store rooted at root. Call Open before serving requests.
// m may be nil, in which case storage gauges are not updated.
func New(root string, logger *zap.Logger, m *metrics.Metrics) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		root:        root,
		logger:      logger,
		metrics:     m,
		collections: make(map[string]*entry),
	}
}

// Open discovers every collection directory under root, loads its metadata,
// and (if it has at least one version directory) rebuilds a Collection
// Store on its greatest-named version. Collections are opened concurrently,
// bounded by OpenParallelism. Idempotent guard: fails AlreadyOpen if called
// twice.
func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.opened {
		s.mu.Unlock()
		return storeerr.ErrAlreadyOpen()
	}
	s.opened = true
	s.mu.Unlock()

	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return storeerr.ErrIo(fmt.Sprintf("creating root %s", s.root), err)
	}

	dirEntries, err := os.ReadDir(s.root)
	if err != nil {
		return storeerr.ErrIo(fmt.Sprintf("listing root %s", s.root), err)
	}

	var names []string
	for _, de := range dirEntries {
		if de.IsDir() {
			names = append(names, de.Name())
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(OpenParallelism)

	results := make([]*entry, len(names))
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			e, err := s.loadCollection(name)
			if err != nil {
				return fmt.Errorf("opening collection %q: %w", name, err)
			}
			results[i] = e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.mu.Lock()
	for i, name := range names {
		if results[i] != nil {
			s.collections[name] = results[i]
		}
	}
	s.mu.Unlock()

	s.logger.Info("data store opened", zap.String("root", s.root), zap.Int("collections", len(s.collections)))
	return nil
}

// Close unmaps and closes every collection's active Collection Store. Safe
// to call once during shutdown; further requests against the Store will
// fail once the caller stops routing them here.
func (s *Store) Close() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var firstErr error
	for name, e := range s.collections {
		e.activeMu.Lock()
		if e.active != nil {
			if err := e.active.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("closing collection %q: %w", name, err)
			}
			e.active = nil
		}
		e.activeMu.Unlock()
	}
	return firstErr
}

func (s *Store) loadCollection(name string) (*entry, error) {
	dir := filepath.Join(s.root, name)
	meta, err := readMetadata(dir)
	if err != nil {
		return nil, err
	}

	e := &entry{meta: meta}

	version, err := greatestVersion(dir)
	if err != nil {
		return nil, err
	}
	if version == "" {
		return e, nil
	}

	store, err := collection.Open(filepath.Join(dir, version), meta.KeyCount(), capsFor(meta))
	if err != nil {
		return nil, err
	}
	store.EndOfFeed()
	e.active = store
	return e, nil
}

func capsFor(meta CollectionMetadata) segment.Caps {
	return segment.Caps{
		MaxItemsPerSegment:       meta.MaxItemsPerSegment,
		SegmentDataCapacityBytes: meta.SegmentDataCapacityBytes,
	}
}

func readMetadata(dir string) (CollectionMetadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, metadataFileName))
	if err != nil {
		return CollectionMetadata{}, storeerr.ErrIo(fmt.Sprintf("reading metadata for %s", dir), err)
	}
	var meta CollectionMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return CollectionMetadata{}, storeerr.ErrIo(fmt.Sprintf("parsing metadata for %s", dir), err)
	}
	return meta.setDefaults(), nil
}

func writeMetadata(dir string, meta CollectionMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return storeerr.ErrIo("marshaling metadata", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metadataFileName), data, 0o644); err != nil {
		return storeerr.ErrIo(fmt.Sprintf("writing metadata for %s", dir), err)
	}
	return nil
}

// greatestVersion returns the lexicographically greatest version directory
// name under dir, or "" if none exist.
func greatestVersion(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", storeerr.ErrIo(fmt.Sprintf("listing %s", dir), err)
	}
	var versions []string
	for _, de := range entries {
		if de.IsDir() {
			versions = append(versions, de.Name())
		}
	}
	if len(versions) == 0 {
		return "", nil
	}
	sort.Strings(versions)
	return versions[len(versions)-1], nil
}

func (s *Store) requireOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.opened {
		return storeerr.ErrNotOpen()
	}
	return nil
}

func (s *Store) lookup(name string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.collections[name]
	s.mu.RUnlock()
	if !ok {
		return nil, storeerr.ErrNotFound(name)
	}
	return e, nil
}

// CreateCollection fails AlreadyExists if the directory already exists;
// otherwise it creates it and writes metadata.
func (s *Store) CreateCollection(meta CollectionMetadata) error {
	if err := s.requireOpen(); err != nil {
		return err
	}

	s.mu.Lock()
	if _, exists := s.collections[meta.Name]; exists {
		s.mu.Unlock()
		return storeerr.ErrAlreadyExists(meta.Name)
	}
	e := &entry{meta: meta.setDefaults()}
	s.collections[meta.Name] = e
	s.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	dir := filepath.Join(s.root, meta.Name)
	if _, err := os.Stat(dir); err == nil {
		return storeerr.ErrAlreadyExists(meta.Name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return storeerr.ErrIo(fmt.Sprintf("creating collection directory %s", dir), err)
	}
	return writeMetadata(dir, e.meta)
}

// DropCollection closes the active Collection Store, if any, then removes
// the collection's directory recursively. Fails NotFound if absent.
func (s *Store) DropCollection(name string) error {
	if err := s.requireOpen(); err != nil {
		return err
	}
	e, err := s.lookup(name)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active != nil {
		e.active.Close()
		e.active = nil
	}

	s.mu.Lock()
	delete(s.collections, name)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SegmentsTotal.DeleteLabelValues(name)
		s.metrics.CollectionSizeBytes.DeleteLabelValues(name)
	}

	dir := filepath.Join(s.root, name)
	if err := os.RemoveAll(dir); err != nil {
		return storeerr.ErrIo(fmt.Sprintf("removing collection directory %s", dir), err)
	}
	return nil
}

// GetCollectionsInformation enumerates every known collection and its
// current facts.
func (s *Store) GetCollectionsInformation() ([]CollectionInfo, error) {
	if err := s.requireOpen(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)

	infos := make([]CollectionInfo, 0, len(names))
	for _, name := range names {
		e, err := s.lookup(name)
		if err != nil {
			continue
		}
		infos = append(infos, e.info(filepath.Join(s.root, name)))
	}
	return infos, nil
}

func (e *entry) info(dir string) CollectionInfo {
	e.activeMu.RLock()
	defer e.activeMu.RUnlock()

	info := CollectionInfo{CollectionMetadata: e.meta}
	if e.active == nil {
		return info
	}
	totals := e.active.Totals()
	info.ObjectCount = totals.ObjectCount
	info.TotalSizeInBytes = totals.TotalSizeInBytes
	version := filepath.Base(e.active.Dir())
	info.LastVersion = &version
	return info
}

// GetByPrimaryKey delegates to the collection's active Collection Store.
func (s *Store) GetByPrimaryKey(name string, key int64) ([]collection.Item, error) {
	if err := s.requireOpen(); err != nil {
		return nil, err
	}
	e, err := s.lookup(name)
	if err != nil {
		return nil, err
	}

	e.activeMu.RLock()
	defer e.activeMu.RUnlock()
	if e.active == nil {
		return nil, nil
	}
	return e.active.GetByPrimary(key)
}

// FeedSession is an in-progress feed against a staging Collection Store,
// driven by StoreItem and released by exactly one of EndFeed or Abort.
type FeedSession interface {
	StoreItem(item collection.Item) error
	EndFeed() error
	Abort()
}

// feedSession is the Store's concrete FeedSession, backed by a real staging
// Collection Store on disk.
type feedSession struct {
	store      *Store
	entry      *entry
	name       string
	versionDir string
	staging    *collection.Store
}

// BeginFeed validates the version and opens a staging Collection Store for
// it. The collection is locked for the duration of the feed; call EndFeed
// or Abort to release it.
func (s *Store) BeginFeed(name, version string) (FeedSession, error) {
	if err := s.requireOpen(); err != nil {
		return nil, err
	}
	e, err := s.lookup(name)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()

	dir := filepath.Join(s.root, name)
	versionDir := filepath.Join(dir, version)

	// Monotonicity is checked before directory existence: a retained older
	// version's directory is still on disk, but re-feeding it (or anything
	// not newer than the active version) is VersionNotNewer, not
	// VersionExists. Only the active version itself reports VersionExists.
	if last := e.lastVersionLocked(); last != "" {
		lowerVersion, lowerLast := strings.ToLower(version), strings.ToLower(last)
		if lowerVersion == lowerLast {
			e.mu.Unlock()
			return nil, storeerr.ErrVersionExists(name, version)
		}
		if lowerVersion < lowerLast {
			e.mu.Unlock()
			return nil, storeerr.ErrVersionNotNewer(name, version, last)
		}
	}

	if _, err := os.Stat(versionDir); err == nil {
		e.mu.Unlock()
		return nil, storeerr.ErrVersionExists(name, version)
	}

	staging, err := collection.Open(versionDir, e.meta.KeyCount(), capsFor(e.meta))
	if err != nil {
		os.RemoveAll(versionDir)
		e.mu.Unlock()
		return nil, err
	}

	return &feedSession{store: s, entry: e, name: name, versionDir: versionDir, staging: staging}, nil
}

func (e *entry) lastVersionLocked() string {
	if e.active == nil {
		return ""
	}
	return filepath.Base(e.active.Dir())
}

// StoreItem appends one item to the staging store.
func (fs *feedSession) StoreItem(item collection.Item) error {
	return fs.staging.Store(item)
}

// EndFeed finalizes the staging store's index, atomically swaps it in as
// the active version, closes the previously active store, and runs
// best-effort retention pruning. Releases the collection lock acquired by
// BeginFeed.
func (fs *feedSession) EndFeed() error {
	defer fs.entry.mu.Unlock()

	totals := fs.staging.EndOfFeed()

	fs.entry.activeMu.Lock()
	previous := fs.entry.active
	fs.entry.active = fs.staging
	fs.entry.activeMu.Unlock()

	if previous != nil {
		previous.Close()
	}

	fs.store.pruneVersions(fs.name, fs.entry)

	if fs.store.metrics != nil {
		fs.store.metrics.SegmentsTotal.WithLabelValues(fs.name).Set(float64(fs.staging.SegmentCount()))
		fs.store.metrics.CollectionSizeBytes.WithLabelValues(fs.name).Set(float64(totals.TotalSizeInBytes))
	}

	fs.store.logger.Info("feed completed",
		zap.String("collection", fs.name),
		zap.String("version", filepath.Base(fs.versionDir)),
		zap.Int("object_count", totals.ObjectCount),
		zap.Int64("total_size_in_bytes", totals.TotalSizeInBytes))
	return nil
}

// Abort disposes the staging store and deletes its version directory.
// Releases the collection lock acquired by BeginFeed.
func (fs *feedSession) Abort() {
	defer fs.entry.mu.Unlock()
	fs.staging.Close()
	os.RemoveAll(fs.versionDir)
}

// pruneVersions removes the oldest version directories until at most
// max_versions_to_keep remain, skipping the active version, best-effort.
func (s *Store) pruneVersions(name string, e *entry) {
	dir := filepath.Join(s.root, name)
	entries, err := os.ReadDir(dir)
	if err != nil {
		s.logger.Warn("retention: listing versions failed", zap.String("collection", name), zap.Error(err))
		return
	}

	var versions []string
	for _, de := range entries {
		if de.IsDir() {
			versions = append(versions, de.Name())
		}
	}
	sort.Strings(versions)

	keep := e.meta.MaxVersionsToKeep
	if keep <= 0 {
		keep = 1
	}
	if len(versions) <= keep {
		return
	}

	e.activeMu.RLock()
	activeName := ""
	if e.active != nil {
		activeName = filepath.Base(e.active.Dir())
	}
	e.activeMu.RUnlock()

	toRemove := len(versions) - keep
	for _, v := range versions {
		if toRemove <= 0 {
			break
		}
		if v == activeName {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, v)); err != nil {
			s.logger.Warn("retention: removing old version failed",
				zap.String("collection", name), zap.String("version", v), zap.Error(err))
			continue
		}
		toRemove--
	}
}
