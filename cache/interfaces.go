// Package cache implements the Cache Manager (spec.md §4.3): the component
// that coordinates restoration, placement across volumes, and deletion
// planning, and is the single entry point external callers use to obtain
// cached objects.
package cache

import (
	"context"

	root "github.com/nistoar/pdr-cachemgr"
)

// InventoryReader is the read-only slice of the Storage Inventory DB's
// surface, broken out per design note §9 so background workers depend on
// a narrow interface instead of reaching back through the full Manager.
type InventoryReader interface {
	FindObject(ctx context.Context, id, volume string) ([]root.CacheObject, error)
	SelectObjectsLikeID(ctx context.Context, pattern string, minStatus root.VolumeStatus) ([]root.CacheObject, error)
	GetVolumeInfo(ctx context.Context, name string) (root.VolumeInfo, error)
	GetVolumeTotals(ctx context.Context, name string) (root.VolumeTotals, error)
	ListVolumes(ctx context.Context) ([]root.VolumeInfo, error)
}

// InventoryMutator extends InventoryReader with the writes the Manager
// performs while restoring and evicting objects.
type InventoryMutator interface {
	InventoryReader
	AddObject(ctx context.Context, id, volume, name string, metadata map[string]any) (root.CacheObject, error)
	RemoveObject(ctx context.Context, volume, name string) error
}

// Placement is the Cache Manager capability the Monitor and Cacher workers
// need, per design note §9: they receive this interface, not the Manager
// concrete type, breaking the cyclic reach-back present in the source.
type Placement interface {
	Cache(ctx context.Context, id string, recache bool, prefs int) (root.CacheObject, error)
	CacheDataset(ctx context.Context, dsid, version string, recache bool, prefs int) ([]string, error)
}
