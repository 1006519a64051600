// Package inventorydb persists the Storage Inventory DB: the record of
// every object currently held in the cache, the volumes it can live in,
// and the checksum algorithms referenced by those objects.
package inventorydb

import (
	"context"
	"time"

	root "github.com/nistoar/pdr-cachemgr"
)

// DB is the Storage Inventory DB's operation surface, implemented by
// BoltDB. The query and mutation names mirror the conceptual schema:
// algorithms/volumes/objects with (volume, name) as the live-row key.
type DB interface {
	Open(path string) error
	Close() error

	RegisterAlgorithm(ctx context.Context, name string) error
	RegisterVolume(ctx context.Context, info root.VolumeInfo) error
	GetVolumeInfo(ctx context.Context, name string) (root.VolumeInfo, error)
	ListVolumes(ctx context.Context) ([]root.VolumeInfo, error)
	GetVolumeTotals(ctx context.Context, name string) (root.VolumeTotals, error)

	FindObject(ctx context.Context, id, volume string) ([]root.CacheObject, error)
	AddObject(ctx context.Context, id, volume, name string, metadata map[string]any) (root.CacheObject, error)
	RemoveObject(ctx context.Context, volume, name string) error
	SelectObjectsLikeID(ctx context.Context, pattern string, minStatus root.VolumeStatus) ([]root.CacheObject, error)
	SummarizeDataset(ctx context.Context, dsid string) (root.DatasetSummary, error)
	SummarizeContents(ctx context.Context, volume string) ([]root.DatasetSummary, error)
	SelectObjectsToPurge(ctx context.Context, volume string, requiredBytes int64, protected func(root.CacheObject) bool) ([]root.CacheObject, error)

	SetCheckGracePeriod(d time.Duration)
	SelectDueForCheck(ctx context.Context, volume string, max int) ([]root.CacheObject, error)
	UpdateChecked(ctx context.Context, volume, name string, checked time.Time) error
}

// New creates a new DB backed by bbolt.
func New(opts ...BoltDBOption) DB {
	return NewBoltDB(opts...)
}
