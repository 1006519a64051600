// Package registry provides thin façades over the Storage Inventory DB for
// the Volume Registry (spec.md §4.7) and Checksum Algorithm Registry
// (spec.md §4.6). Neither registry holds any state of its own; both are
// views over inventorydb.DB.
package registry

import (
	"context"
	"fmt"

	root "github.com/nistoar/pdr-cachemgr"
	"github.com/nistoar/pdr-cachemgr/store/inventorydb"
)

// Volumes is the Volume Registry: name -> id/capacity/priority/metadata
// lookup, backed by the inventory DB.
type Volumes struct {
	db inventorydb.DB
}

// NewVolumes creates a Volume Registry over db.
func NewVolumes(db inventorydb.DB) *Volumes {
	return &Volumes{db: db}
}

// Register upserts a volume's capacity, priority, status and roles.
func (v *Volumes) Register(ctx context.Context, info root.VolumeInfo) error {
	return v.db.RegisterVolume(ctx, info)
}

// Get returns a registered volume's metadata.
func (v *Volumes) Get(ctx context.Context, name string) (root.VolumeInfo, error) {
	return v.db.GetVolumeInfo(ctx, name)
}

// List returns every registered volume.
func (v *Volumes) List(ctx context.Context) ([]root.VolumeInfo, error) {
	return v.db.ListVolumes(ctx)
}

// Totals summarizes the objects currently recorded in a volume.
func (v *Volumes) Totals(ctx context.Context, name string) (root.VolumeTotals, error) {
	return v.db.GetVolumeTotals(ctx, name)
}

// AtLeast reports whether a volume's current status is at least minStatus
// in the capability ordering NOT_AVAILABLE < FOR_INFO < FOR_GET < FOR_UPDATE.
func (v *Volumes) AtLeast(ctx context.Context, name string, minStatus root.VolumeStatus) (bool, error) {
	info, err := v.Get(ctx, name)
	if err != nil {
		return false, err
	}
	return statusRank(info.Status) >= statusRank(minStatus), nil
}

func statusRank(s root.VolumeStatus) int {
	switch s {
	case root.VolNotAvailable:
		return 0
	case root.VolForInfo:
		return 1
	case root.VolForGet:
		return 2
	case root.VolForUpdate:
		return 3
	default:
		return -1
	}
}

// FreeSpace returns the bytes still available in a volume given its
// registered capacity and current recorded usage. A capacity of 0 is
// treated as unbounded, returning the max int64.
func (v *Volumes) FreeSpace(ctx context.Context, name string) (int64, error) {
	info, err := v.Get(ctx, name)
	if err != nil {
		return 0, err
	}
	if info.Capacity <= 0 {
		return 1<<62 - 1, nil
	}
	totals, err := v.Totals(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("registry: volume totals for %q: %w", name, err)
	}
	free := info.Capacity - totals.TotalBytes
	if free < 0 {
		free = 0
	}
	return free, nil
}
