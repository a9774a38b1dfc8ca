package wire

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/coldstorehq/coldstore/internal/storeerr"
)

// Marshal encodes v as a msgpack payload suitable for Frame.Payload.
func Marshal(v interface{}) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, storeerr.ErrMalformedFrame("marshaling payload: " + err.Error())
	}
	return b, nil
}

// Unmarshal decodes a msgpack payload into v.
func Unmarshal(payload []byte, v interface{}) error {
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return storeerr.ErrMalformedFrame("unmarshaling payload: " + err.Error())
	}
	return nil
}

// BeginFeedRequest is the CtoS payload for TagBeginFeed.
type BeginFeedRequest struct {
	Collection string `msgpack:"collection"`
	Version    string `msgpack:"version"`
}

// CreateCollectionRequest is the CtoS payload for TagCreateCollection.
type CreateCollectionRequest struct {
	Collection      string   `msgpack:"collection"`
	PrimaryKeyName  string   `msgpack:"primary_key_name"`
	OtherIndexNames []string `msgpack:"other_index_names"`
}

// StatusResponse is the StoC payload for TagStatusResponse.
type StatusResponse struct {
	Success bool    `msgpack:"success"`
	Error   *string `msgpack:"error,omitempty"`
}

// OK builds a successful StatusResponse.
func OK() StatusResponse { return StatusResponse{Success: true} }

// Fail builds a failed StatusResponse carrying reason.
func Fail(reason string) StatusResponse {
	return StatusResponse{Success: false, Error: &reason}
}

// QueryByPrimaryKeyRequest is the CtoS payload for TagQueryByPrimaryKey.
type QueryByPrimaryKeyRequest struct {
	Collection       string  `msgpack:"collection"`
	PrimaryKeyValues []int64 `msgpack:"primary_key_values"`
}

// QueryResponse is the StoC payload for TagQueryResponse.
type QueryResponse struct {
	SingleAnswer bool     `msgpack:"single_answer"`
	ObjectsData  [][]byte `msgpack:"objects_data"`
	Collection   *string  `msgpack:"collection,omitempty"`
}

// DropCollectionRequest is the CtoS payload for TagDropCollection.
type DropCollectionRequest struct {
	Collection string `msgpack:"collection"`
}

// CollectionDescription is one entry of CollectionsDescription.
type CollectionDescription struct {
	Count                 int      `msgpack:"count"`
	SizeInBytes           int64    `msgpack:"size_in_bytes"`
	LastVersion           *string  `msgpack:"last_version,omitempty"`
	KeyNames              []string `msgpack:"key_names"`
	SegmentFileSize       int      `msgpack:"segment_file_size"`
	MaxObjectsPerSegment  int      `msgpack:"max_objects_per_segment"`
}

// CollectionsDescription is the StoC payload for TagCollectionsDescription.
type CollectionsDescription struct {
	Collections map[string]CollectionDescription `msgpack:"collections"`
}
