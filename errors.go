package pdrcachemgr

import (
	"errors"
	"fmt"
)

// Error kinds, named after the behavior they trigger rather than any
// particular Go type — callers branch on these with errors.Is/errors.As.
var (
	// ErrResourceNotFound means the identifier has no backing in the
	// archive. Never retried.
	ErrResourceNotFound = errors.New("pdrcachemgr: resource not found")

	// ErrStorageVolume means a transient I/O failure occurred on a cache
	// volume. The Cache Manager retries once on an alternative volume.
	ErrStorageVolume = errors.New("pdrcachemgr: storage volume error")

	// ErrRestoration means the archive stream ended early or the
	// checksum didn't match; the partial object is removed.
	ErrRestoration = errors.New("pdrcachemgr: restoration failed")

	// ErrIntegrityFailure means an existing cached object failed one of
	// its integrity checks.
	ErrIntegrityFailure = errors.New("pdrcachemgr: integrity check failed")

	// ErrCancelled is returned when an operation was cooperatively
	// cancelled; all partially acquired state has been released.
	ErrCancelled = errors.New("pdrcachemgr: cancelled")

	// ErrVolumeNotAvailable means no configured volume could accommodate
	// an object, even after asking the Deletion Planner to free space on
	// each candidate in turn.
	ErrVolumeNotAvailable = errors.New("pdrcachemgr: no cache volume available")
)

// VolumeNotFoundError reports that volume does not reference a registered
// volume.
type VolumeNotFoundError struct {
	Volume string
}

func (e *VolumeNotFoundError) Error() string {
	return fmt.Sprintf("pdrcachemgr: volume %q is not registered", e.Volume)
}

// AlgorithmNotFoundError reports that an algorithm name does not reference
// a registered algorithm.
type AlgorithmNotFoundError struct {
	Algorithm string
}

func (e *AlgorithmNotFoundError) Error() string {
	return fmt.Sprintf("pdrcachemgr: algorithm %q is not registered", e.Algorithm)
}

// InventorySearchError wraps a failed read against the inventory DB.
type InventorySearchError struct {
	Query string
	Err   error
}

func (e *InventorySearchError) Error() string {
	return fmt.Sprintf("pdrcachemgr: inventory search %q failed: %v", e.Query, e.Err)
}

func (e *InventorySearchError) Unwrap() error { return e.Err }

// InventoryMetadataError reports a problem with an object's lifted
// metadata field (e.g. an unparsable size or priority value).
type InventoryMetadataError struct {
	Key string
	Err error
}

func (e *InventoryMetadataError) Error() string {
	return fmt.Sprintf("pdrcachemgr: inventory metadata key %q invalid: %v", e.Key, e.Err)
}

func (e *InventoryMetadataError) Unwrap() error { return e.Err }

// InventoryError wraps any other inventory persistence failure. Per
// policy, inventory errors are always surfaced to the caller; workers log
// them and continue with the next item rather than retrying locally.
type InventoryError struct {
	Op  string
	Err error
}

func (e *InventoryError) Error() string {
	return fmt.Sprintf("pdrcachemgr: inventory %s: %v", e.Op, e.Err)
}

func (e *InventoryError) Unwrap() error { return e.Err }
