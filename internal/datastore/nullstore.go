package datastore

import (
	"sort"
	"strings"
	"sync"

	"github.com/coldstorehq/coldstore/internal/collection"
	"github.com/coldstorehq/coldstore/internal/storeerr"
)

// NullStore is an in-memory stand-in for Store used to exercise the server's
// handler dispatch without touching disk or mmap. It implements the same
// narrow surface as Store (see server.DataStore) over plain maps and slices.
type NullStore struct {
	mu          sync.Mutex
	collections map[string]*nullCollection
}

type nullCollection struct {
	meta        CollectionMetadata
	lastVersion string
	byKey       map[int64][]collection.Item
	objectCount int
	sizeBytes   int64
}

// NewNullStore constructs an empty NullStore, ready to serve requests
// immediately (there is no Open step; it always behaves as already opened).
func NewNullStore() *NullStore {
	return &NullStore{collections: make(map[string]*nullCollection)}
}

func (n *NullStore) CreateCollection(meta CollectionMetadata) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.collections[meta.Name]; ok {
		return storeerr.ErrAlreadyExists(meta.Name)
	}
	n.collections[meta.Name] = &nullCollection{meta: meta, byKey: make(map[int64][]collection.Item)}
	return nil
}

func (n *NullStore) DropCollection(name string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.collections[name]; !ok {
		return storeerr.ErrNotFound(name)
	}
	delete(n.collections, name)
	return nil
}

func (n *NullStore) GetCollectionsInformation() ([]CollectionInfo, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	infos := make([]CollectionInfo, 0, len(n.collections))
	for _, c := range n.collections {
		info := CollectionInfo{
			CollectionMetadata: c.meta,
			ObjectCount:        c.objectCount,
			TotalSizeInBytes:   c.sizeBytes,
		}
		if c.lastVersion != "" {
			v := c.lastVersion
			info.LastVersion = &v
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

func (n *NullStore) GetByPrimaryKey(name string, key int64) ([]collection.Item, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.collections[name]
	if !ok {
		return nil, storeerr.ErrNotFound(name)
	}
	return c.byKey[key], nil
}

func (n *NullStore) BeginFeed(name, version string) (FeedSession, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.collections[name]
	if !ok {
		return nil, storeerr.ErrNotFound(name)
	}
	if c.lastVersion != "" && strings.ToLower(version) <= strings.ToLower(c.lastVersion) {
		return nil, storeerr.ErrVersionNotNewer(name, version, c.lastVersion)
	}
	return &nullFeedSession{store: n, coll: c, version: version, byKey: make(map[int64][]collection.Item)}, nil
}

// nullFeedSession accumulates items into a private map, published into the
// parent nullCollection atomically on EndFeed, mirroring the real Store's
// staging-then-swap behavior without any disk I/O.
type nullFeedSession struct {
	store   *NullStore
	coll    *nullCollection
	version string
	byKey   map[int64][]collection.Item
	count   int
	bytes   int64
}

func (fs *nullFeedSession) StoreItem(item collection.Item) error {
	if len(item.Keys) == 0 {
		return storeerr.ErrInvalidRequest("item has no keys")
	}
	primary := item.Keys[0]
	fs.byKey[primary] = append(fs.byKey[primary], item)
	fs.count++
	fs.bytes += int64(len(item.Data))
	return nil
}

func (fs *nullFeedSession) EndFeed() error {
	fs.store.mu.Lock()
	defer fs.store.mu.Unlock()
	fs.coll.byKey = fs.byKey
	fs.coll.objectCount = fs.count
	fs.coll.sizeBytes = fs.bytes
	fs.coll.lastVersion = fs.version
	return nil
}

func (fs *nullFeedSession) Abort() {}
