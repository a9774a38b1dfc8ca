package server

import "github.com/coldstorehq/coldstore/internal/storeerr"

// maxCollectionNameLength bounds names accepted from clients; well above
// any reasonable use, just enough to reject obviously malformed input.
const maxCollectionNameLength = 512

func validateCollectionName(name string) error {
	if name == "" {
		return storeerr.ErrInvalidRequest("collection name must not be empty")
	}
	if len(name) > maxCollectionNameLength {
		return storeerr.ErrInvalidRequest("collection name exceeds maximum length")
	}
	return nil
}

func validatePrimaryKeyName(name string) error {
	if name == "" {
		return storeerr.ErrInvalidRequest("primary_key_name must not be empty")
	}
	return nil
}

func validateVersion(version string) error {
	if version == "" {
		return storeerr.ErrInvalidRequest("version must not be empty")
	}
	return nil
}
