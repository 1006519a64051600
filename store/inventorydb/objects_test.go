package inventorydb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	root "github.com/nistoar/pdr-cachemgr"
)

func registerVolumeForTest(t *testing.T, db *BoltDB, name string, status root.VolumeStatus) {
	t.Helper()
	require.NoError(t, db.RegisterVolume(context.Background(), root.VolumeInfo{
		Name: name, Capacity: 1 << 30, Priority: 5, Status: status,
	}))
}

func TestBoltDB_AddObject(t *testing.T) {
	ctx := context.Background()

	t.Run("fails for an unregistered volume", func(t *testing.T) {
		db := newTestBoltDB(t)

		_, err := db.AddObject(ctx, "ds1", "novolume", "ds1/data.txt", nil)
		require.Error(t, err)
		var notFound *root.VolumeNotFoundError
		assert.ErrorAs(t, err, &notFound)
	})

	t.Run("applies documented defaults when metadata omits fields", func(t *testing.T) {
		db := newTestBoltDB(t)
		registerVolumeForTest(t, db, "vol1", root.VolForUpdate)

		obj, err := db.AddObject(ctx, "ds1", "vol1", "ds1/data.txt", nil)
		require.NoError(t, err)
		assert.Equal(t, root.UnknownSize, obj.Size)
		assert.Equal(t, root.DefaultPriority, obj.Priority)
		assert.Equal(t, root.DefaultAlgorithm, obj.Algorithm)
		assert.False(t, obj.Since.IsZero())
		assert.True(t, obj.Checked.IsZero())
	})

	t.Run("lifts size/priority/checksum/checksumAlgorithm from metadata", func(t *testing.T) {
		db := newTestBoltDB(t)
		registerVolumeForTest(t, db, "vol1", root.VolForUpdate)

		metadata := map[string]any{
			"size":              int64(4096),
			"priority":          1,
			"checksum":          "deadbeef",
			"checksumAlgorithm": "blake3",
			"refcount":          2,
		}
		obj, err := db.AddObject(ctx, "ds1", "vol1", "ds1/data.txt", metadata)
		require.NoError(t, err)
		assert.Equal(t, int64(4096), obj.Size)
		assert.Equal(t, 1, obj.Priority)
		assert.Equal(t, "deadbeef", obj.Checksum)
		assert.Equal(t, root.Algorithm("blake3"), obj.Algorithm)
		assert.Equal(t, 2, obj.Metadata["refcount"])
	})

	t.Run("lazily registers a referenced algorithm", func(t *testing.T) {
		db := newTestBoltDB(t)
		registerVolumeForTest(t, db, "vol1", root.VolForUpdate)

		_, err := db.AddObject(ctx, "ds1", "vol1", "ds1/data.txt", map[string]any{"checksumAlgorithm": "blake3"})
		require.NoError(t, err)

		registered, err := db.algorithmRegistered("blake3")
		require.NoError(t, err)
		assert.True(t, registered)
	})

	t.Run("replaces an existing row at (volume, name) and advances since", func(t *testing.T) {
		baseTime := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		currentTime := baseTime
		db := newTestBoltDB(t, WithNow(func() time.Time { return currentTime }))
		registerVolumeForTest(t, db, "vol1", root.VolForUpdate)

		first, err := db.AddObject(ctx, "ds1", "vol1", "ds1/data.txt", map[string]any{"size": int64(10)})
		require.NoError(t, err)

		currentTime = baseTime.Add(time.Hour)
		second, err := db.AddObject(ctx, "ds1", "vol1", "ds1/data.txt", map[string]any{"size": int64(20)})
		require.NoError(t, err)

		assert.True(t, second.Since.After(first.Since))
		assert.Equal(t, int64(20), second.Size)

		objs, err := db.FindObject(ctx, "ds1", "vol1")
		require.NoError(t, err)
		require.Len(t, objs, 1)
		assert.Equal(t, int64(20), objs[0].Size)
	})
}

func TestBoltDB_FindObject(t *testing.T) {
	ctx := context.Background()
	db := newTestBoltDB(t)
	registerVolumeForTest(t, db, "vol1", root.VolForUpdate)
	registerVolumeForTest(t, db, "vol2", root.VolForUpdate)

	_, err := db.AddObject(ctx, "ds1/data.txt", "vol1", "ds1/data.txt", nil)
	require.NoError(t, err)
	_, err = db.AddObject(ctx, "ds1/data.txt", "vol2", "ds1/data.txt", nil)
	require.NoError(t, err)
	_, err = db.AddObject(ctx, "ds2/other.txt", "vol1", "ds2/other.txt", nil)
	require.NoError(t, err)

	t.Run("finds all copies across volumes", func(t *testing.T) {
		objs, err := db.FindObject(ctx, "ds1/data.txt", "")
		require.NoError(t, err)
		assert.Len(t, objs, 2)
	})

	t.Run("filters to a single volume", func(t *testing.T) {
		objs, err := db.FindObject(ctx, "ds1/data.txt", "vol1")
		require.NoError(t, err)
		require.Len(t, objs, 1)
		assert.Equal(t, "vol1", objs[0].Volume)
	})

	t.Run("returns empty for an unknown id", func(t *testing.T) {
		objs, err := db.FindObject(ctx, "nosuch", "")
		require.NoError(t, err)
		assert.Empty(t, objs)
	})
}

func TestBoltDB_RemoveObject(t *testing.T) {
	ctx := context.Background()
	db := newTestBoltDB(t)
	registerVolumeForTest(t, db, "vol1", root.VolForUpdate)

	_, err := db.AddObject(ctx, "ds1", "vol1", "ds1/data.txt", nil)
	require.NoError(t, err)

	require.NoError(t, db.RemoveObject(ctx, "vol1", "ds1/data.txt"))

	objs, err := db.FindObject(ctx, "ds1", "vol1")
	require.NoError(t, err)
	assert.Empty(t, objs)

	t.Run("is idempotent when the object is already gone", func(t *testing.T) {
		assert.NoError(t, db.RemoveObject(ctx, "vol1", "ds1/data.txt"))
	})

	t.Run("fails for an unregistered volume", func(t *testing.T) {
		err := db.RemoveObject(ctx, "novolume", "ds1/data.txt")
		require.Error(t, err)
		var notFound *root.VolumeNotFoundError
		assert.ErrorAs(t, err, &notFound)
	})
}

func TestBoltDB_SelectObjectsLikeID(t *testing.T) {
	ctx := context.Background()
	db := newTestBoltDB(t)
	registerVolumeForTest(t, db, "readable", root.VolForGet)
	registerVolumeForTest(t, db, "infoonly", root.VolForInfo)

	_, err := db.AddObject(ctx, "ds1/a.txt", "readable", "ds1/a.txt", nil)
	require.NoError(t, err)
	_, err = db.AddObject(ctx, "ds1/b.txt", "readable", "ds1/b.txt", nil)
	require.NoError(t, err)
	_, err = db.AddObject(ctx, "ds1/c.txt", "infoonly", "ds1/c.txt", nil)
	require.NoError(t, err)

	t.Run("prefix wildcard matches every member of a dataset", func(t *testing.T) {
		objs, err := db.SelectObjectsLikeID(ctx, "ds1/*", root.VolForInfo)
		require.NoError(t, err)
		assert.Len(t, objs, 3)
	})

	t.Run("exact match returns a single object", func(t *testing.T) {
		objs, err := db.SelectObjectsLikeID(ctx, "ds1/a.txt", root.VolForInfo)
		require.NoError(t, err)
		require.Len(t, objs, 1)
	})

	t.Run("filters by minimum volume status", func(t *testing.T) {
		objs, err := db.SelectObjectsLikeID(ctx, "ds1/*", root.VolForGet)
		require.NoError(t, err)
		assert.Len(t, objs, 2)
	})
}

func TestBoltDB_SummarizeDataset(t *testing.T) {
	ctx := context.Background()
	baseTime := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	currentTime := baseTime
	db := newTestBoltDB(t, WithNow(func() time.Time { return currentTime }))
	registerVolumeForTest(t, db, "vol1", root.VolForUpdate)

	currentTime = baseTime
	_, err := db.AddObject(ctx, "ds1", "vol1", "ds1.head", map[string]any{"size": int64(100)})
	require.NoError(t, err)
	currentTime = baseTime.Add(time.Hour)
	_, err = db.AddObject(ctx, "ds1/a.txt", "vol1", "ds1/a.txt", map[string]any{"size": int64(200)})
	require.NoError(t, err)
	currentTime = baseTime.Add(2 * time.Hour)
	_, err = db.AddObject(ctx, "ds2/b.txt", "vol1", "ds2/b.txt", map[string]any{"size": int64(300)})
	require.NoError(t, err)

	require.NoError(t, db.UpdateChecked(ctx, "vol1", "ds1/a.txt", baseTime.Add(3*time.Hour)))

	summary, err := db.SummarizeDataset(ctx, "ds1")
	require.NoError(t, err)
	assert.Equal(t, "ds1", summary.DatasetID)
	assert.Equal(t, int64(2), summary.ObjectCount)
	assert.Equal(t, int64(300), summary.TotalBytes)
	assert.True(t, summary.Since.Equal(baseTime), "Since should be the earliest member's Since")
	assert.Equal(t, baseTime.UTC().Format(time.RFC3339), summary.SinceDate)
	assert.True(t, summary.Checked.Equal(baseTime.Add(3*time.Hour)))
	assert.Equal(t, baseTime.Add(3*time.Hour).UTC().Format(time.RFC3339), summary.CheckedDate)
}

func TestBoltDB_SummarizeContents(t *testing.T) {
	ctx := context.Background()
	baseTime := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	currentTime := baseTime
	db := newTestBoltDB(t, WithNow(func() time.Time { return currentTime }))
	registerVolumeForTest(t, db, "vol1", root.VolForUpdate)
	registerVolumeForTest(t, db, "vol2", root.VolForUpdate)

	currentTime = baseTime
	_, err := db.AddObject(ctx, "ds1/a.txt", "vol1", "ds1/a.txt", map[string]any{"size": int64(10)})
	require.NoError(t, err)
	currentTime = baseTime.Add(time.Hour)
	_, err = db.AddObject(ctx, "ds1/b.txt", "vol1", "ds1/b.txt", map[string]any{"size": int64(20)})
	require.NoError(t, err)
	currentTime = baseTime.Add(2 * time.Hour)
	_, err = db.AddObject(ctx, "ds2/c.txt", "vol2", "ds2/c.txt", map[string]any{"size": int64(30)})
	require.NoError(t, err)

	t.Run("scopes to a single volume", func(t *testing.T) {
		summaries, err := db.SummarizeContents(ctx, "vol1")
		require.NoError(t, err)
		require.Len(t, summaries, 1)
		assert.Equal(t, "ds1", summaries[0].DatasetID)
		assert.Equal(t, int64(2), summaries[0].ObjectCount)
		assert.True(t, summaries[0].Since.Equal(baseTime))
		assert.Equal(t, baseTime.UTC().Format(time.RFC3339), summaries[0].SinceDate)
	})

	t.Run("spans every volume when empty", func(t *testing.T) {
		summaries, err := db.SummarizeContents(ctx, "")
		require.NoError(t, err)
		assert.Len(t, summaries, 2)
	})
}

func TestBoltDB_SelectObjectsToPurge(t *testing.T) {
	ctx := context.Background()
	baseTime := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	currentTime := baseTime
	db := newTestBoltDB(t, WithNow(func() time.Time { return currentTime }))
	registerVolumeForTest(t, db, "vol1", root.VolForUpdate)

	currentTime = baseTime
	_, err := db.AddObject(ctx, "ds1/a.txt", "vol1", "ds1/a.txt", map[string]any{"size": int64(100), "priority": 10})
	require.NoError(t, err)
	currentTime = baseTime.Add(time.Hour)
	_, err = db.AddObject(ctx, "ds1/b.txt", "vol1", "ds1/b.txt", map[string]any{"size": int64(100), "priority": 20})
	require.NoError(t, err)
	currentTime = baseTime.Add(2 * time.Hour)
	_, err = db.AddObject(ctx, "ds1/c.txt", "vol1", "ds1/c.txt", map[string]any{"size": int64(100), "priority": 20, "refcount": 1})
	require.NoError(t, err)

	protectByRefcount := func(o root.CacheObject) bool {
		// Rows are read back from JSON, so numeric metadata is float64.
		count, _ := o.Metadata["refcount"].(float64)
		return count > 0
	}

	t.Run("orders candidates by priority descending, then since ascending, skipping protected", func(t *testing.T) {
		victims, err := db.SelectObjectsToPurge(ctx, "vol1", 150, protectByRefcount)
		require.NoError(t, err)
		require.Len(t, victims, 2)
		assert.Equal(t, "ds1/b.txt", victims[0].Name)
		assert.Equal(t, "ds1/a.txt", victims[1].Name)
	})

	t.Run("fails when no sufficient non-protected victim set exists", func(t *testing.T) {
		_, err := db.SelectObjectsToPurge(ctx, "vol1", 1000, protectByRefcount)
		require.Error(t, err)
	})
}

func TestBoltDB_SelectDueForCheckAndUpdateChecked(t *testing.T) {
	ctx := context.Background()
	baseTime := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	currentTime := baseTime
	db := newTestBoltDB(t, WithNow(func() time.Time { return currentTime }), WithGracePeriod(time.Hour))
	registerVolumeForTest(t, db, "vol1", root.VolForUpdate)

	_, err := db.AddObject(ctx, "ds1/a.txt", "vol1", "ds1/a.txt", nil)
	require.NoError(t, err)
	_, err = db.AddObject(ctx, "ds1/b.txt", "vol1", "ds1/b.txt", nil)
	require.NoError(t, err)

	currentTime = baseTime.Add(2 * time.Hour)

	t.Run("selects objects whose grace period has elapsed, oldest first", func(t *testing.T) {
		due, err := db.SelectDueForCheck(ctx, "vol1", 0)
		require.NoError(t, err)
		assert.Len(t, due, 2)
	})

	t.Run("respects the max limit", func(t *testing.T) {
		due, err := db.SelectDueForCheck(ctx, "vol1", 1)
		require.NoError(t, err)
		assert.Len(t, due, 1)
	})

	t.Run("UpdateChecked removes an object from the due set without touching since", func(t *testing.T) {
		checkedAt := currentTime
		require.NoError(t, db.UpdateChecked(ctx, "vol1", "ds1/a.txt", checkedAt))

		objs, err := db.FindObject(ctx, "ds1/a.txt", "vol1")
		require.NoError(t, err)
		require.Len(t, objs, 1)
		assert.True(t, objs[0].Checked.Equal(checkedAt))
		assert.True(t, objs[0].Since.Before(checkedAt))

		currentTime = baseTime.Add(2*time.Hour + time.Minute)
		due, err := db.SelectDueForCheck(ctx, "vol1", 0)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, "ds1/b.txt", due[0].Name)
	})

	t.Run("UpdateChecked reports not found for a missing object", func(t *testing.T) {
		err := db.UpdateChecked(ctx, "vol1", "nosuch", currentTime)
		require.ErrorIs(t, err, ErrNotFound)
	})
}
