package datastore_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldstorehq/coldstore/internal/collection"
	"github.com/coldstorehq/coldstore/internal/datastore"
	"github.com/coldstorehq/coldstore/internal/storeerr"
)

func TestNullStoreFeedAndQuery(t *testing.T) {
	store := datastore.NewNullStore()
	require.NoError(t, store.CreateCollection(datastore.CollectionMetadata{Name: "widgets"}))

	session, err := store.BeginFeed("widgets", "v1")
	require.NoError(t, err)
	require.NoError(t, session.StoreItem(collection.Item{Data: []byte("a"), Keys: []int64{1}}))
	require.NoError(t, session.EndFeed())

	items, err := store.GetByPrimaryKey("widgets", 1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, []byte("a"), items[0].Data)

	infos, err := store.GetCollectionsInformation()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, 1, infos[0].ObjectCount)
	require.NotNil(t, infos[0].LastVersion)
	assert.Equal(t, "v1", *infos[0].LastVersion)
}

func TestNullStoreVersionNotNewerRejected(t *testing.T) {
	store := datastore.NewNullStore()
	require.NoError(t, store.CreateCollection(datastore.CollectionMetadata{Name: "widgets"}))

	session, err := store.BeginFeed("widgets", "v2")
	require.NoError(t, err)
	require.NoError(t, session.EndFeed())

	_, err = store.BeginFeed("widgets", "v1")
	require.Error(t, err)
	assert.Equal(t, storeerr.VersionNotNewer, storeerr.GetCode(err))
}

func TestNullStoreDropCollectionNotFound(t *testing.T) {
	store := datastore.NewNullStore()
	err := store.DropCollection("missing")
	require.Error(t, err)
	assert.Equal(t, storeerr.NotFound, storeerr.GetCode(err))
}
