package server

import (
	"github.com/coldstorehq/coldstore/internal/collection"
	"github.com/coldstorehq/coldstore/internal/datastore"
)

// DataStore is the narrow surface the dispatch loop needs from a Data
// Store. *datastore.Store satisfies it against real segments on disk;
// datastore.NewNullStore satisfies it in memory for handler tests.
type DataStore interface {
	CreateCollection(meta datastore.CollectionMetadata) error
	DropCollection(name string) error
	GetCollectionsInformation() ([]datastore.CollectionInfo, error)
	GetByPrimaryKey(name string, key int64) ([]collection.Item, error)
	BeginFeed(name, version string) (datastore.FeedSession, error)
}
