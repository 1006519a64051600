package inventorydb

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	root "github.com/nistoar/pdr-cachemgr"
)

// objectRecord is the JSON shape stored in bucketObjects, keyed by
// objectKey(Volume, Name).
type objectRecord = root.CacheObject

// AddObject inserts or replaces the live row at (volume, name). Any
// existing row at that coordinate is removed first; the new row is
// written with Since set to now and Checked zeroed, satisfying the
// idempotent-replace invariant in spec.md §4.1/§4.3.
//
// metadata's size/priority/checksum/checksumAlgorithm keys are lifted
// into the object's dedicated fields when present; otherwise the field
// defaults documented in spec.md §3 apply. Algorithm names are
// registered lazily, per spec.md §4.6.
func (b *BoltDB) AddObject(_ context.Context, id, volume, name string, metadata map[string]any) (root.CacheObject, error) {
	registered, err := b.volumeRegistered(volume)
	if err != nil {
		return root.CacheObject{}, searchError("add_object", err)
	}
	if !registered {
		return root.CacheObject{}, volumeNotFoundError(volume)
	}

	size, priority, checksum, algorithm, err := liftMetadata(metadata)
	if err != nil {
		return root.CacheObject{}, err
	}

	now := b.now()
	rec := root.CacheObject{
		ID:        id,
		Name:      name,
		Volume:    volume,
		Size:      size,
		Checksum:  checksum,
		Algorithm: root.Algorithm(algorithm),
		Priority:  priority,
		Since:     now,
		Checked:   time.Time{},
		Metadata:  metadata,
	}

	err = b.db.Update(func(tx *bbolt.Tx) error {
		if err := b.registerAlgorithmInTx(tx, algorithm); err != nil {
			return err
		}
		if _, err := b.removeObjectInTx(tx, volume, name); err != nil {
			return err
		}
		return b.insertObjectInTx(tx, rec)
	})
	if err != nil {
		return root.CacheObject{}, genericError("add_object", err)
	}
	return rec, nil
}

// liftMetadata extracts size/priority/checksum/checksumAlgorithm from a
// free-form metadata blob, applying spec.md §3's documented defaults.
func liftMetadata(metadata map[string]any) (size int64, priority int, checksum, algorithm string, err error) {
	size = root.UnknownSize
	priority = root.DefaultPriority
	algorithm = string(root.DefaultAlgorithm)

	if v, ok := metadata["size"]; ok {
		n, ok := asInt64(v)
		if !ok {
			return 0, 0, "", "", metadataError("size", fmt.Errorf("not a number: %v", v))
		}
		size = n
	}
	if v, ok := metadata["priority"]; ok {
		n, ok := asInt64(v)
		if !ok {
			return 0, 0, "", "", metadataError("priority", fmt.Errorf("not a number: %v", v))
		}
		priority = int(n)
	}
	if v, ok := metadata["checksum"]; ok {
		s, ok := asString(v)
		if !ok {
			return 0, 0, "", "", metadataError("checksum", fmt.Errorf("not a string: %v", v))
		}
		checksum = s
	}
	if v, ok := metadata["checksumAlgorithm"]; ok {
		s, ok := asString(v)
		if !ok {
			return 0, 0, "", "", metadataError("checksumAlgorithm", fmt.Errorf("not a string: %v", v))
		}
		algorithm = s
	}
	return size, priority, checksum, algorithm, nil
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// registerAlgorithmInTx lazily registers algorithm within tx if absent.
func (b *BoltDB) registerAlgorithmInTx(tx *bbolt.Tx, name string) error {
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
}

// insertObjectInTx writes rec into the objects bucket and maintains the
// by-id and by-check secondary indexes.
func (b *BoltDB) insertObjectInTx(tx *bbolt.Tx, rec root.CacheObject) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling object: %w", err)
	}

	objKey := objectKey(rec.Volume, rec.Name)
	if err := tx.Bucket(bucketObjects).Put(objKey, data); err != nil {
		return fmt.Errorf("putting object: %w", err)
	}

	idKey := idIndexKey(rec.ID, rec.Volume, rec.Name)
	if err := tx.Bucket(bucketObjectsByID).Put(idKey, objKey); err != nil {
		return fmt.Errorf("putting id index: %w", err)
	}
	if err := tx.Bucket(bucketObjectIDIndexByKey).Put(objKey, idKey); err != nil {
		return fmt.Errorf("putting id reverse index: %w", err)
	}

	chkKey := checkIndexKey(rec.Checked, rec.Volume, rec.Name)
	if err := tx.Bucket(bucketObjectsByCheck).Put(chkKey, objKey); err != nil {
		return fmt.Errorf("putting check index: %w", err)
	}
	if err := tx.Bucket(bucketObjectCheckIndexByKey).Put(objKey, chkKey); err != nil {
		return fmt.Errorf("putting check reverse index: %w", err)
	}
	return nil
}

// removeObjectInTx deletes the row at (volume, name) and its secondary
// index entries, if present. Reports whether a row existed.
func (b *BoltDB) removeObjectInTx(tx *bbolt.Tx, volume, name string) (bool, error) {
	objKey := objectKey(volume, name)
	objects := tx.Bucket(bucketObjects)
	val := objects.Get(objKey)
	if val == nil {
		return false, nil
	}

	if idKey := tx.Bucket(bucketObjectIDIndexByKey).Get(objKey); idKey != nil {
		if err := tx.Bucket(bucketObjectsByID).Delete(idKey); err != nil {
			return false, fmt.Errorf("deleting id index: %w", err)
		}
		if err := tx.Bucket(bucketObjectIDIndexByKey).Delete(objKey); err != nil {
			return false, fmt.Errorf("deleting id reverse index: %w", err)
		}
	}
	if chkKey := tx.Bucket(bucketObjectCheckIndexByKey).Get(objKey); chkKey != nil {
		if err := tx.Bucket(bucketObjectsByCheck).Delete(chkKey); err != nil {
			return false, fmt.Errorf("deleting check index: %w", err)
		}
		if err := tx.Bucket(bucketObjectCheckIndexByKey).Delete(objKey); err != nil {
			return false, fmt.Errorf("deleting check reverse index: %w", err)
		}
	}

	if err := objects.Delete(objKey); err != nil {
		return false, fmt.Errorf("deleting object: %w", err)
	}
	return true, nil
}

// RemoveObject deletes the live row at (volume, name). Idempotent: no
// error if the row does not exist. Fails if volume is unregistered.
func (b *BoltDB) RemoveObject(_ context.Context, volume, name string) error {
	registered, err := b.volumeRegistered(volume)
	if err != nil {
		return searchError("remove_object", err)
	}
	if !registered {
		return volumeNotFoundError(volume)
	}

	err = b.db.Update(func(tx *bbolt.Tx) error {
		_, err := b.removeObjectInTx(tx, volume, name)
		return err
	})
	if err != nil {
		return genericError("remove_object", err)
	}
	return nil
}

// FindObject returns all live copies of id, optionally filtered to one
// volume.
func (b *BoltDB) FindObject(_ context.Context, id, volume string) ([]root.CacheObject, error) {
	prefix := []byte(id + "\x00")
	if volume != "" {
		prefix = []byte(id + "\x00" + volume + "\x00")
	}

	var out []root.CacheObject
	err := b.db.View(func(tx *bbolt.Tx) error {
		objects := tx.Bucket(bucketObjects)
		cursor := tx.Bucket(bucketObjectsByID).Cursor()
		for k, objKey := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, objKey = cursor.Next() {
			val := objects.Get(objKey)
			if val == nil {
				continue
			}
			var rec root.CacheObject
			if err := json.Unmarshal(val, &rec); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, searchError("find_object:"+id, err)
	}
	return out, nil
}

// statusRank orders volume statuses by increasing capability, per
// spec.md §4.7 ("status is increasing in capability").
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

// SelectObjectsLikeID performs a prefix/wildcard lookup over AIP-IDs,
// filtered to volumes whose status is at least minStatus. A pattern
// ending in "*" is a prefix match; otherwise the id must match exactly.
func (b *BoltDB) SelectObjectsLikeID(_ context.Context, pattern string, minStatus root.VolumeStatus) ([]root.CacheObject, error) {
	wildcard := strings.HasSuffix(pattern, "*")
	literal := strings.TrimSuffix(pattern, "*")
	prefix := []byte(literal)
	minRank := statusRank(minStatus)

	volumeCache := map[string]root.VolumeStatus{}
	volumeStatus := func(tx *bbolt.Tx, name string) (root.VolumeStatus, bool) {
		if s, ok := volumeCache[name]; ok {
			return s, true
		}
		val := tx.Bucket(bucketVolumes).Get([]byte(name))
		if val == nil {
			return "", false
		}
		var rec volumeRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return "", false
		}
		s := root.VolumeStatus(rec.Status)
		volumeCache[name] = s
		return s, true
	}

	var out []root.CacheObject
	err := b.db.View(func(tx *bbolt.Tx) error {
		objects := tx.Bucket(bucketObjects)
		cursor := tx.Bucket(bucketObjectsByID).Cursor()
		for k, objKey := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, objKey = cursor.Next() {
			idPart, _, _ := strings.Cut(string(k), "\x00")
			if !wildcard && idPart != literal {
				continue
			}

			val := objects.Get(objKey)
			if val == nil {
				continue
			}
			var rec root.CacheObject
			if err := json.Unmarshal(val, &rec); err != nil {
				return err
			}

			status, ok := volumeStatus(tx, rec.Volume)
			if !ok || statusRank(status) < minRank {
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, searchError("select_objects_like_id:"+pattern, err)
	}
	return out, nil
}

// SummarizeDataset aggregates the objects belonging to dataset dsid,
// across all volumes. This includes both the dataset's head bag (whose
// AIP-ID is exactly dsid) and every member bag (dsid/filepath...).
func (b *BoltDB) SummarizeDataset(_ context.Context, dsid string) (root.DatasetSummary, error) {
	summary := root.DatasetSummary{DatasetID: dsid}
	prefix := []byte(dsid)
	first := true

	err := b.db.View(func(tx *bbolt.Tx) error {
		objects := tx.Bucket(bucketObjects)
		cursor := tx.Bucket(bucketObjectsByID).Cursor()
		for k, objKey := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, objKey = cursor.Next() {
			if !belongsToDataset(k, dsid) {
				continue
			}
			val := objects.Get(objKey)
			if val == nil {
				continue
			}
			var rec root.CacheObject
			if err := json.Unmarshal(val, &rec); err != nil {
				return err
			}
			summary.ObjectCount++
			if rec.Size > 0 {
				summary.TotalBytes += rec.Size
			}
			if first || rec.Since.Before(summary.Since) {
				summary.Since = rec.Since
			}
			if rec.Checked.After(summary.Checked) {
				summary.Checked = rec.Checked
			}
			first = false
		}
		return nil
	})
	if err != nil {
		return root.DatasetSummary{}, searchError("summarize_dataset:"+dsid, err)
	}
	if !summary.Since.IsZero() {
		summary.SinceDate = summary.Since.UTC().Format(time.RFC3339)
	}
	if !summary.Checked.IsZero() {
		summary.CheckedDate = summary.Checked.UTC().Format(time.RFC3339)
	}
	return summary, nil
}

// belongsToDataset reports whether an objects-by-id index key's AIP-ID
// part is exactly dsid (the head bag) or dsid/... (a member bag).
func belongsToDataset(indexKey []byte, dsid string) bool {
	idPart, _, _ := strings.Cut(string(indexKey), "\x00")
	if idPart == dsid {
		return true
	}
	return strings.HasPrefix(idPart, dsid+"/")
}

// SummarizeContents groups the objects in volume (or every volume, if
// volume is empty) into per-dataset summaries.
func (b *BoltDB) SummarizeContents(_ context.Context, volume string) ([]root.DatasetSummary, error) {
	byDataset := map[string]*root.DatasetSummary{}
	var order []string

	walk := func(tx *bbolt.Tx, k, v []byte) error {
		var rec root.CacheObject
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		aip, err := root.ParseAIPID(rec.ID)
		if err != nil {
			return nil // skip malformed ids rather than fail the whole summary
		}
		s, ok := byDataset[aip.DatasetID]
		if !ok {
			s = &root.DatasetSummary{DatasetID: aip.DatasetID, Since: rec.Since}
			byDataset[aip.DatasetID] = s
			order = append(order, aip.DatasetID)
		}
		s.ObjectCount++
		if rec.Size > 0 {
			s.TotalBytes += rec.Size
		}
		if rec.Since.Before(s.Since) {
			s.Since = rec.Since
		}
		if rec.Checked.After(s.Checked) {
			s.Checked = rec.Checked
		}
		return nil
	}

	err := b.db.View(func(tx *bbolt.Tx) error {
		objects := tx.Bucket(bucketObjects)
		cursor := objects.Cursor()
		if volume == "" {
			for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
				if err := walk(tx, k, v); err != nil {
					return err
				}
			}
			return nil
		}
		prefix := append([]byte(volume), 0)
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			if err := walk(tx, k, v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, searchError("summarize_contents", err)
	}

	out := make([]root.DatasetSummary, 0, len(order))
	for _, id := range order {
		s := byDataset[id]
		if !s.Since.IsZero() {
			s.SinceDate = s.Since.UTC().Format(time.RFC3339)
		}
		if !s.Checked.IsZero() {
			s.CheckedDate = s.Checked.UTC().Format(time.RFC3339)
		}
		out = append(out, *s)
	}
	return out, nil
}

// SelectObjectsToPurge ranks the live objects in volume by
// (priority DESC, since ASC, size DESC) and accumulates a victim set
// whose total size is at least requiredBytes, skipping any object for
// which protected returns true. Returns an error if no sufficient
// non-protected victim set exists; in that case no caller should treat
// any object as selected for deletion.
func (b *BoltDB) SelectObjectsToPurge(_ context.Context, volume string, requiredBytes int64, protected func(root.CacheObject) bool) ([]root.CacheObject, error) {
	var candidates []root.CacheObject
	prefix := append([]byte(volume), 0)

	err := b.db.View(func(tx *bbolt.Tx) error {
		objects := tx.Bucket(bucketObjects)
		cursor := objects.Cursor()
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			var rec root.CacheObject
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			candidates = append(candidates, rec)
		}
		return nil
	})
	if err != nil {
		return nil, searchError("select_objects_to_purge:"+volume, err)
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, c := candidates[i], candidates[j]
		if a.Priority != c.Priority {
			return a.Priority > c.Priority // higher number (less important) first
		}
		if !a.Since.Equal(c.Since) {
			return a.Since.Before(c.Since) // oldest first
		}
		return a.Size > c.Size // larger first
	})

	var selected []root.CacheObject
	var total int64
	for _, obj := range candidates {
		if protected != nil && protected(obj) {
			continue
		}
		selected = append(selected, obj)
		if obj.Size > 0 {
			total += obj.Size
		}
		if total >= requiredBytes {
			return selected, nil
		}
	}
	return nil, fmt.Errorf("inventorydb: no sufficient victim set in volume %q for %d bytes", volume, requiredBytes)
}

// SelectDueForCheck returns up to max objects in volume with
// now - checked >= grace period, oldest-checked first.
func (b *BoltDB) SelectDueForCheck(_ context.Context, volume string, max int) ([]root.CacheObject, error) {
	cutoff := b.now().Add(-b.gracePeriod)
	cutoffBytes := encodeTimestamp(cutoff)

	var out []root.CacheObject
	err := b.db.View(func(tx *bbolt.Tx) error {
		objects := tx.Bucket(bucketObjects)
		cursor := tx.Bucket(bucketObjectsByCheck).Cursor()
		for k, objKey := cursor.First(); k != nil; k, objKey = cursor.Next() {
			if max > 0 && len(out) >= max {
				break
			}
			if bytes.Compare(k[:8], cutoffBytes) > 0 {
				break // index is sorted by checked ascending; past the cutoff
			}

			candVolume, _ := parseObjectKey(objKey)
			if volume != "" && candVolume != volume {
				continue
			}

			val := objects.Get(objKey)
			if val == nil {
				continue
			}
			var rec root.CacheObject
			if err := json.Unmarshal(val, &rec); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, searchError("select_due_for_check:"+volume, err)
	}
	return out, nil
}

// UpdateChecked advances the checked timestamp of the row at
// (volume, name) without touching since or any other field.
func (b *BoltDB) UpdateChecked(_ context.Context, volume, name string, checked time.Time) error {
	objKey := objectKey(volume, name)

	err := b.db.Update(func(tx *bbolt.Tx) error {
		objects := tx.Bucket(bucketObjects)
		val := objects.Get(objKey)
		if val == nil {
			return ErrNotFound
		}
		var rec root.CacheObject
		if err := json.Unmarshal(val, &rec); err != nil {
			return fmt.Errorf("unmarshaling object: %w", err)
		}

		if chkKey := tx.Bucket(bucketObjectCheckIndexByKey).Get(objKey); chkKey != nil {
			if err := tx.Bucket(bucketObjectsByCheck).Delete(chkKey); err != nil {
				return fmt.Errorf("deleting old check index: %w", err)
			}
		}

		rec.Checked = checked
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshaling object: %w", err)
		}
		if err := objects.Put(objKey, data); err != nil {
			return fmt.Errorf("putting object: %w", err)
		}

		newChkKey := checkIndexKey(checked, volume, name)
		if err := tx.Bucket(bucketObjectsByCheck).Put(newChkKey, objKey); err != nil {
			return fmt.Errorf("putting check index: %w", err)
		}
		return tx.Bucket(bucketObjectCheckIndexByKey).Put(objKey, newChkKey)
	})
	if err != nil {
		if err == ErrNotFound {
			return err
		}
		return genericError("update_checked", err)
	}
	return nil
}
