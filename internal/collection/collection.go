// Package collection implements one collection version: an ordered sequence
// of segments plus the in-memory primary-key index built over them.
package collection

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/coldstorehq/coldstore/internal/objheader"
	"github.com/coldstorehq/coldstore/internal/segment"
	"github.com/coldstorehq/coldstore/internal/storeerr"
)

// segmentFileName matches exactly the four-digit segment file names Open
// scans for, rejecting names like "0001.bin.tmp" that fmt.Sscanf would
// silently accept a prefix of.
var segmentFileName = regexp.MustCompile(`^([0-9]{4})` + regexp.QuoteMeta(segment.FileSuffix) + `$`)

// openSegmentWorkers bounds how many segment files a single collection Open
// call maps concurrently.
const openSegmentWorkers = 8

// Item is a document plus its ordered index keys, keys[0] being the
// primary key.
type Item struct {
	Data []byte
	Keys []int64
}

// IndexEntry locates one stored item by segment file and header slot.
type IndexEntry struct {
	FileIndex    int
	OffsetInFile int32
	Length       int32
	OtherKeys    []int64
}

// Totals summarizes a store after end-of-feed finalization.
type Totals struct {
	ObjectCount      int
	NonUniqueKeys    int
	TotalSizeInBytes int64
}

// Store is one collection version: its ordered segments and the in-memory
// dual index over their primary keys.
type Store struct {
	dir      string
	keyCount int
	caps     segment.Caps

	segments []*segment.Segment

	uniqueIndex map[int64]IndexEntry
	dupIndex    map[int64][]IndexEntry

	finalized bool
	totals    Totals
}

// Open constructs a Store from dir, which may be empty (a fresh feed target)
// or may already hold segment files (rebuilding the index by scanning every
// header table in file-index order).
func Open(dir string, keyCount int, caps segment.Caps) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, storeerr.ErrIo(fmt.Sprintf("creating version directory %s", dir), err)
	}

	s := &Store{
		dir:         dir,
		keyCount:    keyCount,
		caps:        caps,
		uniqueIndex: make(map[int64]IndexEntry),
		dupIndex:    make(map[int64][]IndexEntry),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, storeerr.ErrIo(fmt.Sprintf("listing version directory %s", dir), err)
	}

	var indexes []int
	for _, e := range entries {
		m := segmentFileName.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	if len(indexes) == 0 {
		return s, nil
	}

	segs, headerLists, err := openSegmentsConcurrently(dir, indexes, keyCount, caps)
	if err != nil {
		for _, seg := range segs {
			if seg != nil {
				seg.Close()
			}
		}
		return nil, err
	}
	s.segments = segs

	// Applied sequentially, in file-index order, so duplicate-key insertion
	// order matches on-disk scan order regardless of scan parallelism.
	for i := range indexes {
		for _, h := range headerLists[i] {
			s.applyIncremental(segs[i].FileIndex, h)
		}
	}

	return s, nil
}

// openSegmentsConcurrently maps every segment file in parallel, bounded by
// openSegmentWorkers, and returns each segment alongside the headers found
// in its table. Opening a version with many segments is dominated by
// per-file syscall and mmap overhead, not by header decoding, so scanning
// several segments' header tables at once shortens Data Store startup
// materially.
func openSegmentsConcurrently(dir string, indexes []int, keyCount int, caps segment.Caps) ([]*segment.Segment, [][]objheader.Header, error) {
	segs := make([]*segment.Segment, len(indexes))
	headerLists := make([][]objheader.Header, len(indexes))

	var g errgroup.Group
	g.SetLimit(openSegmentWorkers)

	for i, idx := range indexes {
		i, idx := i, idx
		g.Go(func() error {
			path := filepath.Join(dir, segment.FileName(idx))
			var headers []objheader.Header
			seg, err := segment.Open(path, idx, keyCount, caps, func(h objheader.Header) error {
				headers = append(headers, h)
				return nil
			})
			if err != nil {
				return err
			}
			segs[i] = seg
			headerLists[i] = headers
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return segs, headerLists, err
	}
	return segs, headerLists, nil
}

func (s *Store) currentSegment() (*segment.Segment, error) {
	if len(s.segments) == 0 {
		return s.rollover()
	}
	return s.segments[len(s.segments)-1], nil
}

func (s *Store) rollover() (*segment.Segment, error) {
	idx := len(s.segments) + 1
	path := filepath.Join(s.dir, segment.FileName(idx))
	seg, err := segment.Create(path, idx, s.keyCount, s.caps)
	if err != nil {
		return nil, err
	}
	s.segments = append(s.segments, seg)
	return seg, nil
}

// Store appends item to the current segment, rolling over to a new segment
// first if it cannot fit. An item whose data cannot fit in any segment
// (larger than the whole data area) is rejected with ItemTooLarge.
func (s *Store) Store(item Item) error {
	if s.finalized {
		return storeerr.New(storeerr.InvalidRequest, "collection: Store called after end-of-feed")
	}
	if len(item.Data) > s.caps.SegmentDataCapacityBytes {
		return storeerr.ErrItemTooLarge(len(item.Data), s.caps.SegmentDataCapacityBytes)
	}

	cur, err := s.currentSegment()
	if err != nil {
		return err
	}

	if !cur.CanFit(len(item.Data)) {
		if cur.DataBytesUsed() < s.caps.SegmentDataCapacityBytes {
			if err := cur.WriteEndMarker(); err != nil {
				return err
			}
		}
		cur, err = s.rollover()
		if err != nil {
			return err
		}
	}

	h, err := cur.Store(item.Data, item.Keys)
	if err != nil {
		return err
	}

	s.applyIncremental(cur.FileIndex, h)
	return nil
}

func (s *Store) applyIncremental(fileIndex int, h objheader.Header) {
	pk := h.PrimaryKey()
	entry := IndexEntry{
		FileIndex:    fileIndex,
		OffsetInFile: h.OffsetInFile,
		Length:       h.Length,
		OtherKeys:    append([]int64(nil), h.Keys[1:]...),
	}

	if existing, ok := s.dupIndex[pk]; ok {
		s.dupIndex[pk] = append(existing, entry)
		return
	}
	if existing, ok := s.uniqueIndex[pk]; ok {
		s.dupIndex[pk] = []IndexEntry{existing, entry}
		delete(s.uniqueIndex, pk)
		return
	}
	s.uniqueIndex[pk] = entry
}

// EndOfFeed finalizes the index, restoring the disjointness invariant
// between unique_index and dup_index, and computes summary totals.
func (s *Store) EndOfFeed() Totals {
	for pk := range s.dupIndex {
		delete(s.uniqueIndex, pk)
	}

	t := Totals{}
	for range s.uniqueIndex {
		t.ObjectCount++
	}
	for _, entries := range s.dupIndex {
		t.ObjectCount += len(entries)
		t.NonUniqueKeys++
	}
	for _, seg := range s.segments {
		t.TotalSizeInBytes += int64(seg.DataBytesUsed())
	}

	s.finalized = true
	s.totals = t
	return t
}

// Totals returns the last computed summary, valid after EndOfFeed.
func (s *Store) Totals() Totals {
	return s.totals
}

// SegmentCount returns the number of segment files backing this version.
func (s *Store) SegmentCount() int {
	return len(s.segments)
}

// GetByPrimary returns every item whose primary key equals k, in insertion
// order. Empty if k is absent.
func (s *Store) GetByPrimary(k int64) ([]Item, error) {
	if entry, ok := s.uniqueIndex[k]; ok {
		item, err := s.readEntry(entry, k)
		if err != nil {
			return nil, err
		}
		return []Item{item}, nil
	}
	if entries, ok := s.dupIndex[k]; ok {
		items := make([]Item, 0, len(entries))
		for _, e := range entries {
			item, err := s.readEntry(e, k)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return items, nil
	}
	return nil, nil
}

func (s *Store) readEntry(e IndexEntry, primaryKey int64) (Item, error) {
	var seg *segment.Segment
	for _, candidate := range s.segments {
		if candidate.FileIndex == e.FileIndex {
			seg = candidate
			break
		}
	}
	if seg == nil {
		return Item{}, storeerr.ErrIo(fmt.Sprintf("segment %d missing for key %d", e.FileIndex, primaryKey), nil)
	}
	h := objheader.Header{OffsetInFile: e.OffsetInFile, Length: e.Length}
	keys := append([]int64{primaryKey}, e.OtherKeys...)
	return Item{Data: seg.Read(h), Keys: keys}, nil
}

// Close unmaps every segment in the store.
func (s *Store) Close() error {
	var firstErr error
	for _, seg := range s.segments {
		if err := seg.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Dir returns the directory backing this store.
func (s *Store) Dir() string {
	return s.dir
}
