package collection_test

import (
	"path/filepath"
	"testing"

	"github.com/coldstorehq/coldstore/internal/collection"
	"github.com/coldstorehq/coldstore/internal/segment"
	"github.com/coldstorehq/coldstore/internal/storeerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallCaps() segment.Caps {
	return segment.Caps{MaxItemsPerSegment: 2, SegmentDataCapacityBytes: 16}
}

func TestStoreAndGetByPrimaryUnique(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "v1")
	s, err := collection.Open(dir, 1, smallCaps())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Store(collection.Item{Data: []byte("aa"), Keys: []int64{1}}))
	require.NoError(t, s.Store(collection.Item{Data: []byte("bb"), Keys: []int64{2}}))

	items, err := s.GetByPrimary(1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, []byte("aa"), items[0].Data)

	items, err = s.GetByPrimary(99)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestDuplicatePrimaryKeysMoveToDupIndex(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "v1")
	s, err := collection.Open(dir, 1, smallCaps())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Store(collection.Item{Data: []byte("a1"), Keys: []int64{7}}))
	require.NoError(t, s.Store(collection.Item{Data: []byte("a2"), Keys: []int64{7}}))

	items, err := s.GetByPrimary(7)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, []byte("a1"), items[0].Data)
	assert.Equal(t, []byte("a2"), items[1].Data)
}

func TestEndOfFeedNormalizesDisjointness(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "v1")
	s, err := collection.Open(dir, 1, smallCaps())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Store(collection.Item{Data: []byte("u1"), Keys: []int64{1}}))
	require.NoError(t, s.Store(collection.Item{Data: []byte("d1"), Keys: []int64{2}}))
	require.NoError(t, s.Store(collection.Item{Data: []byte("d2"), Keys: []int64{2}}))

	totals := s.EndOfFeed()
	assert.Equal(t, 3, totals.ObjectCount)
	assert.Equal(t, 1, totals.NonUniqueKeys)

	items, err := s.GetByPrimary(1)
	require.NoError(t, err)
	assert.Len(t, items, 1)

	items, err = s.GetByPrimary(2)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestStoreRollsOverOnByteCapacity(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "v1")
	caps := segment.Caps{MaxItemsPerSegment: 10, SegmentDataCapacityBytes: 4}
	s, err := collection.Open(dir, 1, caps)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Store(collection.Item{Data: []byte("abcd"), Keys: []int64{1}}))
	require.NoError(t, s.Store(collection.Item{Data: []byte("efgh"), Keys: []int64{2}}))

	items, err := s.GetByPrimary(2)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, []byte("efgh"), items[0].Data)
}

func TestStoreRejectsOversizedItem(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "v1")
	s, err := collection.Open(dir, 1, smallCaps())
	require.NoError(t, err)
	defer s.Close()

	err = s.Store(collection.Item{Data: make([]byte, 1000), Keys: []int64{1}})
	require.Error(t, err)
	assert.Equal(t, storeerr.ItemTooLarge, storeerr.GetCode(err))
}

func TestOpenRebuildsIndexFromExistingSegments(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "v1")
	caps := smallCaps()

	s1, err := collection.Open(dir, 1, caps)
	require.NoError(t, err)
	require.NoError(t, s1.Store(collection.Item{Data: []byte("x1"), Keys: []int64{1}}))
	require.NoError(t, s1.Store(collection.Item{Data: []byte("x2"), Keys: []int64{2}}))
	s1.EndOfFeed()
	require.NoError(t, s1.Close())

	s2, err := collection.Open(dir, 1, caps)
	require.NoError(t, err)
	defer s2.Close()

	items, err := s2.GetByPrimary(1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, []byte("x1"), items[0].Data)
}
