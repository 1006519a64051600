// Package planner implements the Deletion Planner (spec.md §4.4): given a
// volume and a number of required free bytes, it selects a victim set to
// evict by priority and age, skipping protected objects.
package planner

import (
	"context"
	"log/slog"
	"time"

	root "github.com/nistoar/pdr-cachemgr"
	"github.com/nistoar/pdr-cachemgr/telemetry"
)

// Inventory is the subset of the Storage Inventory DB's surface the
// planner needs.
type Inventory interface {
	GetVolumeInfo(ctx context.Context, name string) (root.VolumeInfo, error)
	SelectObjectsToPurge(ctx context.Context, volume string, requiredBytes int64, protected func(root.CacheObject) bool) ([]root.CacheObject, error)
}

// Config configures protection rules applied on top of the inventory's
// priority/age/size ranking.
type Config struct {
	// RefcountProtectWindow is how long an object with a nonzero
	// "refcount" metadata value stays protected from eviction, measured
	// from the object's Since timestamp. Zero disables refcount
	// protection (every object is eligible once ranked).
	RefcountProtectWindow time.Duration

	// Logger receives planning diagnostics.
	Logger *slog.Logger
}

// Option configures a Planner.
type Option func(*Config)

// WithRefcountProtectWindow sets the refcount protection TTL.
func WithRefcountProtectWindow(d time.Duration) Option {
	return func(c *Config) { c.RefcountProtectWindow = d }
}

// WithLogger sets the planner's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// Planner selects eviction victims from a Cache Volume, per spec.md §4.4.
type Planner struct {
	inv    Inventory
	cfg    Config
	logger *slog.Logger
}

// New creates a Planner over inv.
func New(inv Inventory, opts ...Option) *Planner {
	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{inv: inv, cfg: cfg, logger: logger}
}

// Result reports the outcome of one planning run.
type Result struct {
	Victims        []root.CacheObject
	BytesReclaimed int64
}

// Plan selects victims in volume totalling at least requiredBytes. When no
// non-protected set of objects sums to requiredBytes, inventorydb's
// SelectObjectsToPurge returns an error and Plan surfaces it unchanged;
// per spec.md §8, in that case no victim is selected or evicted.
func (p *Planner) Plan(ctx context.Context, volume string, requiredBytes int64) (Result, error) {
	start := time.Now()

	info, err := p.inv.GetVolumeInfo(ctx, volume)
	if err != nil {
		return Result{}, err
	}

	protect := p.protectionPredicate(info)

	victims, err := p.inv.SelectObjectsToPurge(ctx, volume, requiredBytes, protect)
	if err != nil {
		p.logger.Warn("planner: no sufficient victim set", "volume", volume, "required_bytes", requiredBytes, "error", err)
		telemetry.RecordPlannerRun(ctx, volume, 0, 0, time.Since(start))
		return Result{}, err
	}

	var reclaimed int64
	for _, v := range victims {
		if v.Size > 0 {
			reclaimed += v.Size
		}
	}

	telemetry.RecordPlannerRun(ctx, volume, len(victims), reclaimed, time.Since(start))
	p.logger.Info("planner: selected victims", "volume", volume, "count", len(victims), "bytes_reclaimed", reclaimed)

	return Result{Victims: victims, BytesReclaimed: reclaimed}, nil
}

// protectionPredicate builds the "don't evict this" test for volume,
// combining the FOR_INFO-only rule and the refcount TTL rule from
// spec.md §4.4.
func (p *Planner) protectionPredicate(info root.VolumeInfo) func(root.CacheObject) bool {
	return func(obj root.CacheObject) bool {
		if info.Status == root.VolForInfo {
			return true
		}
		if p.cfg.RefcountProtectWindow <= 0 {
			return false
		}
		if !hasPositiveRefcount(obj.Metadata) {
			return false
		}
		return time.Since(obj.Since) < p.cfg.RefcountProtectWindow
	}
}

func hasPositiveRefcount(metadata map[string]any) bool {
	v, ok := metadata["refcount"]
	if !ok {
		return false
	}
	switch n := v.(type) {
	case int:
		return n > 0
	case int64:
		return n > 0
	case float64:
		return n > 0
	default:
		return false
	}
}
