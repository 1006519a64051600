package inventorydb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	root "github.com/nistoar/pdr-cachemgr"
)

// volumeRecord is the JSON shape stored in bucketVolumes, keyed by name.
type volumeRecord struct {
	Capacity int64  `json:"capacity"`
	Priority int    `json:"priority"`
	Status   string `json:"status"`
	Roles    uint32 `json:"roles"`
}

// RegisterVolume upserts a volume's capacity, priority, status and roles.
// No in-memory cache sits in front of this data (bbolt reads are already
// local and cheap), so there is nothing to invalidate on write.
func (b *BoltDB) RegisterVolume(_ context.Context, info root.VolumeInfo) error {
	rec := volumeRecord{
		Capacity: info.Capacity,
		Priority: info.Priority,
		Status:   string(info.Status),
		Roles:    info.Roles,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return genericError("register_volume", err)
	}

	err = b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketVolumes)
		return bucket.Put([]byte(info.Name), data)
	})
	if err != nil {
		return genericError("register_volume", err)
	}
	return nil
}

// GetVolumeInfo returns a registered volume's metadata.
func (b *BoltDB) GetVolumeInfo(_ context.Context, name string) (root.VolumeInfo, error) {
	var rec volumeRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketVolumes)
		val := bucket.Get([]byte(name))
		if val == nil {
			return ErrNotFound
		}
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		if err == ErrNotFound {
			return root.VolumeInfo{}, volumeNotFoundError(name)
		}
		return root.VolumeInfo{}, searchError("get_volume_info", err)
	}
	return root.VolumeInfo{
		Name:     name,
		Capacity: rec.Capacity,
		Priority: rec.Priority,
		Status:   root.VolumeStatus(rec.Status),
		Roles:    rec.Roles,
	}, nil
}

// ListVolumes returns every registered volume.
func (b *BoltDB) ListVolumes(_ context.Context) ([]root.VolumeInfo, error) {
	var out []root.VolumeInfo
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketVolumes)
		return bucket.ForEach(func(k, v []byte) error {
			var rec volumeRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, root.VolumeInfo{
				Name:     string(k),
				Capacity: rec.Capacity,
				Priority: rec.Priority,
				Status:   root.VolumeStatus(rec.Status),
				Roles:    rec.Roles,
			})
			return nil
		})
	})
	if err != nil {
		return nil, searchError("list_volumes", err)
	}
	return out, nil
}

// GetVolumeTotals aggregates the live objects currently recorded in
// volume, per spec.md §4.1: filecount/totalsize plus the earliest Since
// and latest Checked among those objects (Checked left zero if none of
// the volume's objects have ever been checked).
func (b *BoltDB) GetVolumeTotals(_ context.Context, name string) (root.VolumeTotals, error) {
	totals := root.VolumeTotals{Name: name}
	prefix := append([]byte(name), 0)
	first := true

	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketObjects)
		cursor := bucket.Cursor()
		for k, v := cursor.Seek(prefix); k != nil && hasIDPrefix(k, string(prefix)); k, v = cursor.Next() {
			var rec objectRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			totals.ObjectCount++
			if rec.Size > 0 {
				totals.TotalBytes += rec.Size
			}
			if first || rec.Since.Before(totals.Since) {
				totals.Since = rec.Since
			}
			if rec.Checked.After(totals.Checked) {
				totals.Checked = rec.Checked
			}
			first = false
		}
		return nil
	})
	if err != nil {
		return root.VolumeTotals{}, searchError("get_volume_totals", err)
	}
	if !totals.Since.IsZero() {
		totals.SinceDate = totals.Since.UTC().Format(time.RFC3339)
	}
	if !totals.Checked.IsZero() {
		totals.CheckedDate = totals.Checked.UTC().Format(time.RFC3339)
	}
	return totals, nil
}

// RegisterAlgorithm registers a checksum algorithm name, assigning it a
// stable id on first use. No-op if the name is already registered.
func (b *BoltDB) RegisterAlgorithm(_ context.Context, name string) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketAlgorithms)
		if bucket.Get([]byte(name)) != nil {
			return nil
		}
		id, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating algorithm id: %w", err)
		}
		idBytes := make([]byte, 8)
		binary.BigEndian.PutUint64(idBytes, id)
		return bucket.Put([]byte(name), idBytes)
	})
	if err != nil {
		return genericError("register_algorithm", err)
	}
	return nil
}

// algorithmRegistered reports whether name has been registered.
func (b *BoltDB) algorithmRegistered(name string) (bool, error) {
	found := false
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketAlgorithms)
		found = bucket.Get([]byte(name)) != nil
		return nil
	})
	return found, err
}

// volumeRegistered reports whether name has been registered.
func (b *BoltDB) volumeRegistered(name string) (bool, error) {
	found := false
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketVolumes)
		found = bucket.Get([]byte(name)) != nil
		return nil
	})
	return found, err
}
