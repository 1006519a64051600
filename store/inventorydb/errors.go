package inventorydb

import (
	"errors"

	root "github.com/nistoar/pdr-cachemgr"
)

// ErrNotFound is returned when a row does not exist under the requested
// coordinate (volume, object, or algorithm).
var ErrNotFound = errors.New("inventorydb: not found")

// searchError wraps a failed read as an InventorySearchError.
func searchError(query string, err error) error {
	if err == nil {
		return nil
	}
	return &root.InventorySearchError{Query: query, Err: err}
}

// metadataError wraps a malformed lifted-metadata value as an
// InventoryMetadataError.
func metadataError(key string, err error) error {
	return &root.InventoryMetadataError{Key: key, Err: err}
}

// genericError wraps any other persistence failure as an InventoryError.
func genericError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &root.InventoryError{Op: op, Err: err}
}

// volumeNotFoundError reports an unregistered volume.
func volumeNotFoundError(volume string) error {
	return &root.VolumeNotFoundError{Volume: volume}
}

// algorithmNotFoundError reports an unregistered algorithm.
func algorithmNotFoundError(algorithm string) error {
	return &root.AlgorithmNotFoundError{Algorithm: algorithm}
}
