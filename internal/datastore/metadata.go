package datastore

// IndexDescriptor names one index a collection was declared with. The first
// descriptor is always the primary index.
type IndexDescriptor struct {
	Name   string `json:"name"`
	Unique bool   `json:"unique"`
}

// CollectionMetadata is the small JSON document persisted at
// <root>/<collection>/metadata.json. LastVersion is never stored: it is
// always derived from the version directory listing.
type CollectionMetadata struct {
	Name                     string            `json:"name"`
	Indexes                  []IndexDescriptor `json:"indexes"`
	MaxItemsPerSegment       int               `json:"max_items_per_segment"`
	SegmentDataCapacityBytes int               `json:"segment_data_capacity_bytes"`
	MaxVersionsToKeep        int               `json:"max_versions_to_keep"`
}

// KeyCount returns the number of index keys carried by every item, i.e.
// len(Indexes).
func (m CollectionMetadata) KeyCount() int {
	return len(m.Indexes)
}

func (m CollectionMetadata) setDefaults() CollectionMetadata {
	if m.MaxItemsPerSegment <= 0 {
		m.MaxItemsPerSegment = 100_000
	}
	if m.SegmentDataCapacityBytes <= 0 {
		m.SegmentDataCapacityBytes = 64 << 20
	}
	if m.MaxVersionsToKeep <= 0 {
		m.MaxVersionsToKeep = 1
	}
	return m
}

// CollectionInfo is metadata plus computed, storage-derived facts, returned
// by GetCollectionsInformation and used to answer GetCollectionsDescription.
type CollectionInfo struct {
	CollectionMetadata
	LastVersion      *string
	ObjectCount      int
	TotalSizeInBytes int64
}
