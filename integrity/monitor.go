// Package integrity implements the Integrity Monitor (spec.md §4.2): a
// batch checker that runs a configured list of Checks against objects due
// for re-verification and deletes any that fail.
package integrity

import (
	"context"
	"log/slog"
	"time"

	root "github.com/nistoar/pdr-cachemgr"
	"github.com/nistoar/pdr-cachemgr/backend"
	"github.com/nistoar/pdr-cachemgr/telemetry"
)

// Inventory is the subset of the Storage Inventory DB's surface the
// Integrity Monitor needs: finding objects due for a check, retiring ones
// that fail, and advancing the checked timestamp of ones that pass.
type Inventory interface {
	SelectDueForCheck(ctx context.Context, volume string, max int) ([]root.CacheObject, error)
	RemoveObject(ctx context.Context, volume, name string) error
	UpdateChecked(ctx context.Context, volume, name string, checked time.Time) error
}

// VolumeResolver maps a registered volume name to its backend.Volume, so
// the Monitor can read the bytes an object claims to occupy.
type VolumeResolver func(name string) (backend.Volume, error)

// Monitor applies a list of Checks to a batch of objects due for
// re-verification, deleting any object that fails a check.
type Monitor struct {
	inv      Inventory
	volumes  VolumeResolver
	checks   []Check
	volume   string // scope to one volume; "" scans every volume
	logger   *slog.Logger
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithVolume scopes the monitor to checking only the named volume.
func WithVolume(name string) Option {
	return func(m *Monitor) { m.volume = name }
}

// WithLogger sets the monitor's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) { m.logger = logger }
}

// New creates a Monitor that runs checks against objects resolved through
// volumes, using inv as the Storage Inventory DB surface.
func New(inv Inventory, volumes VolumeResolver, checks []Check, opts ...Option) *Monitor {
	m := &Monitor{
		inv:     inv,
		volumes: volumes,
		checks:  checks,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FindCorruptedObjects asks the inventory for up to maxobjs objects due
// for a check, runs every configured Check against each in order (stopping
// at the first failure), deletes any object that fails, and advances the
// checked timestamp of every object that passes. Failed object IDs are
// appended to deleted. Returns the number of objects processed (checked or
// deleted), per spec.md §4.2.
func (m *Monitor) FindCorruptedObjects(ctx context.Context, maxobjs int, deleted *[]string) (int, error) {
	start := time.Now()
	defer func() { telemetry.RecordIntegrityBatch(ctx, time.Since(start)) }()

	objs, err := m.inv.SelectDueForCheck(ctx, m.volume, maxobjs)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, obj := range objs {
		select {
		case <-ctx.Done():
			return processed, ctx.Err()
		default:
		}

		ok := m.verify(ctx, obj)
		processed++

		if ok {
			if err := m.inv.UpdateChecked(ctx, obj.Volume, obj.Name, time.Now()); err != nil {
				m.logger.Error("integrity: advancing checked timestamp failed",
					"id", obj.ID, "volume", obj.Volume, "name", obj.Name, "error", err)
			}
			continue
		}

		m.logger.Warn("integrity: object failed check, deleting", "id", obj.ID, "volume", obj.Volume, "name", obj.Name)
		if vol, verr := m.volumes(obj.Volume); verr == nil {
			if rerr := vol.Remove(ctx, obj.Name); rerr != nil {
				m.logger.Error("integrity: removing corrupted object from volume failed",
					"id", obj.ID, "volume", obj.Volume, "name", obj.Name, "error", rerr)
			}
		}
		if rerr := m.inv.RemoveObject(ctx, obj.Volume, obj.Name); rerr != nil {
			m.logger.Error("integrity: removing corrupted object from inventory failed",
				"id", obj.ID, "volume", obj.Volume, "name", obj.Name, "error", rerr)
		}
		if deleted != nil {
			*deleted = append(*deleted, obj.ID)
		}
	}

	return processed, nil
}

// verify runs every configured check against obj in order, stopping and
// reporting failure at the first one that fails.
func (m *Monitor) verify(ctx context.Context, obj root.CacheObject) bool {
	vol, err := m.volumes(obj.Volume)
	if err != nil {
		m.logger.Error("integrity: resolving volume failed", "id", obj.ID, "volume", obj.Volume, "error", err)
		return false
	}

	for _, check := range m.checks {
		err := check.Verify(ctx, obj, vol)
		telemetry.RecordIntegrityCheck(ctx, check.Name(), err == nil)
		if err != nil {
			m.logger.Info("integrity: check failed", "id", obj.ID, "check", check.Name(), "error", err)
			return false
		}
	}
	return true
}
