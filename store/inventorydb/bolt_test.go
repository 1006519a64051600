package inventorydb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	root "github.com/nistoar/pdr-cachemgr"
)

func newTestBoltDB(t *testing.T, opts ...BoltDBOption) *BoltDB {
	t.Helper()
	db := NewBoltDB(opts...)
	dbPath := filepath.Join(t.TempDir(), "test.db")
	require.NoError(t, db.Open(dbPath))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestBoltDB_VolumeOperations(t *testing.T) {
	ctx := context.Background()

	t.Run("RegisterVolume and GetVolumeInfo round-trip", func(t *testing.T) {
		db := newTestBoltDB(t)

		info := root.VolumeInfo{Name: "vol1", Capacity: 1 << 30, Priority: 5, Status: root.VolForUpdate, Roles: 1}
		require.NoError(t, db.RegisterVolume(ctx, info))

		got, err := db.GetVolumeInfo(ctx, "vol1")
		require.NoError(t, err)
		assert.Equal(t, info, got)
	})

	t.Run("RegisterVolume upserts an existing volume", func(t *testing.T) {
		db := newTestBoltDB(t)

		require.NoError(t, db.RegisterVolume(ctx, root.VolumeInfo{Name: "vol1", Capacity: 100, Status: root.VolForGet}))
		require.NoError(t, db.RegisterVolume(ctx, root.VolumeInfo{Name: "vol1", Capacity: 200, Status: root.VolForUpdate}))

		got, err := db.GetVolumeInfo(ctx, "vol1")
		require.NoError(t, err)
		assert.Equal(t, int64(200), got.Capacity)
		assert.Equal(t, root.VolForUpdate, got.Status)
	})

	t.Run("GetVolumeInfo returns VolumeNotFoundError for unregistered volume", func(t *testing.T) {
		db := newTestBoltDB(t)

		_, err := db.GetVolumeInfo(ctx, "nonexistent")
		require.Error(t, err)
		var notFound *root.VolumeNotFoundError
		assert.ErrorAs(t, err, &notFound)
	})

	t.Run("ListVolumes returns every registered volume", func(t *testing.T) {
		db := newTestBoltDB(t)

		require.NoError(t, db.RegisterVolume(ctx, root.VolumeInfo{Name: "vol1", Status: root.VolForGet}))
		require.NoError(t, db.RegisterVolume(ctx, root.VolumeInfo{Name: "vol2", Status: root.VolForInfo}))

		volumes, err := db.ListVolumes(ctx)
		require.NoError(t, err)
		assert.Len(t, volumes, 2)
	})
}

func TestBoltDB_RegisterAlgorithm(t *testing.T) {
	ctx := context.Background()

	t.Run("assigns a stable id on first use", func(t *testing.T) {
		db := newTestBoltDB(t)

		require.NoError(t, db.RegisterAlgorithm(ctx, "sha256"))

		registered, err := db.algorithmRegistered("sha256")
		require.NoError(t, err)
		assert.True(t, registered)
	})

	t.Run("is a no-op when already registered", func(t *testing.T) {
		db := newTestBoltDB(t)

		require.NoError(t, db.RegisterAlgorithm(ctx, "blake3"))
		require.NoError(t, db.RegisterAlgorithm(ctx, "blake3"))

		registered, err := db.algorithmRegistered("blake3")
		require.NoError(t, err)
		assert.True(t, registered)
	})
}

func TestBoltDB_SetCheckGracePeriod(t *testing.T) {
	db := newTestBoltDB(t)
	db.SetCheckGracePeriod(2 * time.Hour)
	assert.Equal(t, 2*time.Hour, db.gracePeriod)
}

func TestBoltDB_GetVolumeTotals(t *testing.T) {
	ctx := context.Background()
	baseTime := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	currentTime := baseTime
	db := newTestBoltDB(t, WithNow(func() time.Time { return currentTime }))
	require.NoError(t, db.RegisterVolume(ctx, root.VolumeInfo{Name: "vol1", Status: root.VolForUpdate}))

	currentTime = baseTime
	_, err := db.AddObject(ctx, "ds1/a.txt", "vol1", "ds1/a.txt", map[string]any{"size": int64(100)})
	require.NoError(t, err)
	currentTime = baseTime.Add(time.Hour)
	_, err = db.AddObject(ctx, "ds1/b.txt", "vol1", "ds1/b.txt", map[string]any{"size": int64(200)})
	require.NoError(t, err)

	require.NoError(t, db.UpdateChecked(ctx, "vol1", "ds1/b.txt", baseTime.Add(2*time.Hour)))

	totals, err := db.GetVolumeTotals(ctx, "vol1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), totals.ObjectCount)
	assert.Equal(t, int64(300), totals.TotalBytes)
	assert.True(t, totals.Since.Equal(baseTime), "Since should be the earliest object's Since")
	assert.Equal(t, baseTime.UTC().Format(time.RFC3339), totals.SinceDate)
	assert.True(t, totals.Checked.Equal(baseTime.Add(2*time.Hour)), "Checked should be the latest checked time")
	assert.Equal(t, baseTime.Add(2*time.Hour).UTC().Format(time.RFC3339), totals.CheckedDate)
}

func TestBoltDB_GetVolumeTotals_EmptyVolume(t *testing.T) {
	ctx := context.Background()
	db := newTestBoltDB(t)
	require.NoError(t, db.RegisterVolume(ctx, root.VolumeInfo{Name: "vol1", Status: root.VolForUpdate}))

	totals, err := db.GetVolumeTotals(ctx, "vol1")
	require.NoError(t, err)
	assert.Zero(t, totals.ObjectCount)
	assert.True(t, totals.Since.IsZero())
	assert.Empty(t, totals.SinceDate)
	assert.True(t, totals.Checked.IsZero())
	assert.Empty(t, totals.CheckedDate)
}
