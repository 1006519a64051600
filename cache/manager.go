package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	root "github.com/nistoar/pdr-cachemgr"
	"github.com/nistoar/pdr-cachemgr/backend"
	"github.com/nistoar/pdr-cachemgr/download"
	"github.com/nistoar/pdr-cachemgr/planner"
	"github.com/nistoar/pdr-cachemgr/restore"
	"github.com/nistoar/pdr-cachemgr/telemetry"
)

// VolumeResolver maps a registered volume name to its backend.Volume.
type VolumeResolver func(name string) (backend.Volume, error)

// Config holds a Manager's construction-time settings.
type Config struct {
	Naming       NamingPolicy
	Preferences  PreferencePolicy
	DefaultPrefs int
	Logger       *slog.Logger
}

// Option configures a Manager.
type Option func(*Config)

// WithNamingPolicy overrides the default naming policy (which delegates
// to the Restorer).
func WithNamingPolicy(p NamingPolicy) Option { return func(c *Config) { c.Naming = p } }

// WithPreferencePolicy overrides the default preference policy (which
// delegates to the Restorer).
func WithPreferencePolicy(p PreferencePolicy) Option { return func(c *Config) { c.Preferences = p } }

// WithDefaultPreferences sets the preference bitmask used when a caller
// passes prefs == 0.
func WithDefaultPreferences(prefs int) Option { return func(c *Config) { c.DefaultPrefs = prefs } }

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) Option { return func(c *Config) { c.Logger = logger } }

// Manager is the Cache Manager (spec.md §4.3): it coordinates restoration,
// multi-volume placement, and deletion planning behind a single
// cache/getObject/isCached/uncache surface.
type Manager struct {
	inv      InventoryMutator
	volumes  VolumeResolver
	restorer restore.Restorer
	plan     *planner.Planner

	downloader *download.Downloader

	naming NamingPolicy
	prefs  PreferencePolicy

	defaultPrefs int
	logger       *slog.Logger
}

// New creates a Manager over inv, resolving volume names to backend.Volume
// implementations through volumes, restoring through restorer, and
// planning evictions through plan.
func New(inv InventoryMutator, volumes VolumeResolver, restorer restore.Restorer, plan *planner.Planner, opts ...Option) *Manager {
	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}

	m := &Manager{
		inv:          inv,
		volumes:      volumes,
		restorer:     restorer,
		plan:         plan,
		downloader:   download.New(),
		naming:       cfg.Naming,
		prefs:        cfg.Preferences,
		defaultPrefs: cfg.DefaultPrefs,
		logger:       cfg.Logger,
	}
	if m.naming == nil {
		m.naming = restorer.NameForObject
	}
	if m.prefs == nil {
		m.prefs = restorer.PreferencesFor
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// GetDefaultPreferencesFor delegates to the Restorer, per spec.md §4.3.
func (m *Manager) GetDefaultPreferencesFor(id string, size int64) (int, error) {
	aip, err := root.ParseAIPID(id)
	if err != nil {
		return 0, err
	}
	return m.prefs(aip, size, m.defaultPrefs), nil
}

// IsCached reports whether id has at least one live copy.
func (m *Manager) IsCached(ctx context.Context, id string) (bool, error) {
	rows, err := m.inv.FindObject(ctx, id, "")
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// Uncache removes every live copy of id, from both its volume(s) and the
// inventory.
func (m *Manager) Uncache(ctx context.Context, id string) error {
	rows, err := m.inv.FindObject(ctx, id, "")
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := m.evict(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

// evict removes obj from its volume and the inventory.
func (m *Manager) evict(ctx context.Context, obj root.CacheObject) error {
	if vol, err := m.volumes(obj.Volume); err == nil {
		if rerr := vol.Remove(ctx, obj.Name); rerr != nil {
			m.logger.Warn("cache: removing object from volume failed", "id", obj.ID, "volume", obj.Volume, "name", obj.Name, "error", rerr)
		}
	}
	return m.inv.RemoveObject(ctx, obj.Volume, obj.Name)
}

// Cache ensures at least one live copy of id exists, per spec.md §4.3.
// If a copy already exists and recache is false, its descriptor is
// returned unchanged. Concurrent Cache calls for the same id are
// coordinated so only one restoration happens; the rest share its result.
func (m *Manager) Cache(ctx context.Context, id string, recache bool, prefs int) (root.CacheObject, error) {
	if !recache {
		if rows, err := m.inv.FindObject(ctx, id, ""); err != nil {
			return root.CacheObject{}, err
		} else if len(rows) > 0 {
			return rows[0], nil
		}
	} else if err := m.Uncache(ctx, id); err != nil {
		return root.CacheObject{}, err
	}

	res, _, err := m.downloader.Do(ctx, id, func(dctx context.Context) (*download.Result, error) {
		obj, err := m.restoreAndPlace(dctx, id, prefs)
		if err != nil {
			return nil, err
		}
		return &download.Result{Object: obj}, nil
	})
	if err != nil {
		return root.CacheObject{}, err
	}
	return res.Object, nil
}

// restoreAndPlace runs the placement algorithm from spec.md §4.3 for a
// single object: it asks the Restorer where id prefers to live, tries
// each eligible volume in order, evicting via the Deletion Planner when a
// candidate is otherwise too full, and restores into the first volume
// that accommodates the object.
func (m *Manager) restoreAndPlace(ctx context.Context, id string, prefs int) (root.CacheObject, error) {
	aip, err := root.ParseAIPID(id)
	if err != nil {
		return root.CacheObject{}, err
	}

	if gone, err := m.restorer.DoesNotExist(ctx, aip); err != nil {
		return root.CacheObject{}, err
	} else if gone {
		return root.CacheObject{}, fmt.Errorf("%w: %s", root.ErrResourceNotFound, id)
	}

	size, err := m.restorer.SizeHint(ctx, aip)
	if err != nil {
		size = root.UnknownSize
	}
	if prefs == 0 {
		prefs = m.prefs(aip, size, m.defaultPrefs)
	}

	candidates, err := m.eligibleVolumes(ctx, prefs)
	if err != nil {
		return root.CacheObject{}, err
	}
	if len(candidates) == 0 {
		return root.CacheObject{}, fmt.Errorf("%w: no volume matches preferences %d", root.ErrVolumeNotAvailable, prefs)
	}

	storageRetries := 0
	for _, cand := range candidates {
		if size != root.UnknownSize {
			if err := m.makeRoom(ctx, cand, size); err != nil {
				m.logger.Info("cache: volume cannot accommodate object, trying next", "id", id, "volume", cand.Name, "size", size, "error", err)
				continue
			}
		}

		name := m.naming(aip, cand.Roles)
		target, err := m.volumes(cand.Name)
		if err != nil {
			continue
		}

		result, err := m.restorer.RestoreObject(ctx, aip, target, name)
		if err != nil {
			if errors.Is(err, root.ErrStorageVolume) && storageRetries == 0 {
				storageRetries++
				m.logger.Warn("cache: storage volume error, retrying on alternative volume", "id", id, "volume", cand.Name, "error", err)
				continue
			}
			return root.CacheObject{}, err
		}

		metadata := result.Metadata
		if metadata == nil {
			metadata = map[string]any{}
		}
		obj, err := m.inv.AddObject(ctx, id, cand.Name, name, metadata)
		if err != nil {
			telemetry.RecordInventoryOp(ctx, "add_object", "error", 0)
			return root.CacheObject{}, err
		}
		telemetry.RecordInventoryOp(ctx, "add_object", "ok", 0)

		return obj, nil
	}

	return root.CacheObject{}, fmt.Errorf("%w: %s", root.ErrVolumeNotAvailable, id)
}

// makeRoom ensures cand has at least requiredBytes free, asking the
// Deletion Planner to select and evict victims if not.
func (m *Manager) makeRoom(ctx context.Context, cand root.VolumeInfo, requiredBytes int64) error {
	totals, err := m.inv.GetVolumeTotals(ctx, cand.Name)
	if err != nil {
		return err
	}
	free := freeSpace(cand, totals)
	if free >= requiredBytes {
		return nil
	}

	result, err := m.plan.Plan(ctx, cand.Name, requiredBytes-free)
	if err != nil {
		return err
	}
	for _, victim := range result.Victims {
		if err := m.evict(ctx, victim); err != nil {
			return err
		}
	}
	return nil
}

func freeSpace(v root.VolumeInfo, totals root.VolumeTotals) int64 {
	if v.Capacity <= 0 {
		return 1<<62 - 1
	}
	free := v.Capacity - totals.TotalBytes
	if free < 0 {
		return 0
	}
	return free
}

// eligibleVolumes returns FOR_UPDATE volumes matching prefs, ordered most
// preferred first (lower Priority number first, tie-broken by name).
// A volume with Roles == 0 matches any preference mask.
func (m *Manager) eligibleVolumes(ctx context.Context, prefs int) ([]root.VolumeInfo, error) {
	all, err := m.inv.ListVolumes(ctx)
	if err != nil {
		return nil, err
	}

	var out []root.VolumeInfo
	for _, v := range all {
		if v.Status != root.VolForUpdate {
			continue
		}
		if v.Roles != 0 && prefs != 0 && int(v.Roles)&prefs == 0 {
			continue
		}
		out = append(out, v)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// GetObject calls Cache(id) if id is missing, then opens its bytes, per
// spec.md §4.3. Objects in a FOR_INFO-only volume return
// ErrVolumeNotAvailable for the byte stream: FOR_INFO volumes are
// metadata-only per spec.md §9's open-question resolution.
func (m *Manager) GetObject(ctx context.Context, id string) (io.ReadCloser, root.CacheObject, error) {
	rows, err := m.inv.FindObject(ctx, id, "")
	if err != nil {
		return nil, root.CacheObject{}, err
	}

	var obj root.CacheObject
	if len(rows) == 0 {
		obj, err = m.Cache(ctx, id, false, 0)
		if err != nil {
			return nil, root.CacheObject{}, err
		}
	} else {
		obj = rows[0]
	}

	info, err := m.inv.GetVolumeInfo(ctx, obj.Volume)
	if err != nil {
		return nil, root.CacheObject{}, err
	}
	if !info.Status.Readable() {
		return nil, obj, fmt.Errorf("%w: volume %q is metadata-only", root.ErrVolumeNotAvailable, obj.Volume)
	}

	vol, err := m.volumes(obj.Volume)
	if err != nil {
		return nil, obj, err
	}
	r, err := vol.Get(ctx, obj.Name)
	if err != nil {
		return nil, obj, err
	}
	return r, obj, nil
}

// CacheDataset caches every member of dataset dsid at version, returning
// the set of names written, per spec.md §4.3.
func (m *Manager) CacheDataset(ctx context.Context, dsid, version string, recache bool, prefs int) ([]string, error) {
	members, err := m.restorer.ListDatasetMembers(ctx, dsid, version)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(members))
	for _, member := range members {
		obj, err := m.Cache(ctx, member.String(), recache, prefs)
		if err != nil {
			return names, fmt.Errorf("caching %s: %w", member, err)
		}
		names = append(names, obj.Name)
	}
	return names, nil
}

// OptimallyCache implements the heuristic from spec.md §4.3: if the
// dataset has zero files cached, the whole dataset is queued for caching;
// else if id names an individual file not yet cached, just that file is
// queued; else nothing happens. OptimallyCache never blocks on
// restoration itself — enqueue is the caller-supplied callback.
func (m *Manager) OptimallyCache(ctx context.Context, id string, prefs int, enqueue func(id string, recache bool)) error {
	aip, err := root.ParseAIPID(id)
	if err != nil {
		return err
	}

	dsRows, err := m.inv.SelectObjectsLikeID(ctx, aip.DatasetPrefix()+"*", root.VolNotAvailable)
	if err != nil {
		return err
	}
	if len(dsRows) == 0 {
		enqueue(aip.DatasetID, false)
		return nil
	}

	cached, err := m.IsCached(ctx, id)
	if err != nil {
		return err
	}
	if !cached {
		enqueue(id, false)
	}
	return nil
}

var _ Placement = (*Manager)(nil)
