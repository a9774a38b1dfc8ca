package segment_test

import (
	"path/filepath"
	"testing"

	"github.com/coldstorehq/coldstore/internal/objheader"
	"github.com/coldstorehq/coldstore/internal/segment"
	"github.com/coldstorehq/coldstore/internal/storeerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCaps() segment.Caps {
	return segment.Caps{MaxItemsPerSegment: 4, SegmentDataCapacityBytes: 64}
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "0000.bin", segment.FileName(0))
	assert.Equal(t, "0042.bin", segment.FileName(42))
}

func TestCreateStoreAndReadBack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, segment.FileName(0))

	s, err := segment.Create(path, 0, 2, testCaps())
	require.NoError(t, err)
	defer s.Close()

	h1, err := s.Store([]byte("hello"), []int64{1, 100})
	require.NoError(t, err)
	assert.Equal(t, int32(0), h1.OffsetInFile)
	assert.Equal(t, int32(5), h1.Length)

	h2, err := s.Store([]byte("world!"), []int64{2, 200})
	require.NoError(t, err)
	assert.Equal(t, int32(5), h2.OffsetInFile)

	assert.Equal(t, []byte("hello"), s.Read(h1))
	assert.Equal(t, []byte("world!"), s.Read(h2))
	assert.Equal(t, 2, s.ItemCount())
	assert.Equal(t, 11, s.DataBytesUsed())
}

func TestCanFitRespectsItemCountAndByteCapacity(t *testing.T) {
	caps := segment.Caps{MaxItemsPerSegment: 1, SegmentDataCapacityBytes: 4}
	dir := t.TempDir()
	s, err := segment.Create(filepath.Join(dir, segment.FileName(0)), 0, 1, caps)
	require.NoError(t, err)
	defer s.Close()

	assert.True(t, s.CanFit(4))
	_, err = s.Store([]byte("abcd"), []int64{1})
	require.NoError(t, err)

	assert.False(t, s.CanFit(1))
}

func TestStoreRejectsOversizedItem(t *testing.T) {
	dir := t.TempDir()
	s, err := segment.Create(filepath.Join(dir, segment.FileName(0)), 0, 1, testCaps())
	require.NoError(t, err)
	defer s.Close()

	big := make([]byte, 1000)
	_, err = s.Store(big, []int64{1})
	require.Error(t, err)
	assert.Equal(t, storeerr.ItemTooLarge, storeerr.GetCode(err))
}

func TestOpenScansHeaderTableAndStopsAtEndMarker(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, segment.FileName(0))

	w, err := segment.Create(path, 0, 1, testCaps())
	require.NoError(t, err)
	_, err = w.Store([]byte("aa"), []int64{1})
	require.NoError(t, err)
	_, err = w.Store([]byte("bb"), []int64{2})
	require.NoError(t, err)
	require.NoError(t, w.WriteEndMarker())
	require.NoError(t, w.Close())

	var seen []objheader.Header
	r, err := segment.Open(path, 0, 1, testCaps(), func(h objheader.Header) error {
		seen = append(seen, h)
		return nil
	})
	require.NoError(t, err)
	defer r.Close()

	require.Len(t, seen, 2)
	assert.Equal(t, int64(1), seen[0].PrimaryKey())
	assert.Equal(t, int64(2), seen[1].PrimaryKey())
	assert.Equal(t, 2, r.ItemCount())
}

func TestSortFileIndexes(t *testing.T) {
	dir := t.TempDir()
	s2, err := segment.Create(filepath.Join(dir, segment.FileName(2)), 2, 1, testCaps())
	require.NoError(t, err)
	defer s2.Close()
	s0, err := segment.Create(filepath.Join(dir, segment.FileName(0)), 0, 1, testCaps())
	require.NoError(t, err)
	defer s0.Close()
	s1, err := segment.Create(filepath.Join(dir, segment.FileName(1)), 1, 1, testCaps())
	require.NoError(t, err)
	defer s1.Close()

	segs := []*segment.Segment{s2, s0, s1}
	segment.SortFileIndexes(segs)
	assert.Equal(t, []int{0, 1, 2}, []int{segs[0].FileIndex, segs[1].FileIndex, segs[2].FileIndex})
}
