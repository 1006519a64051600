package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	root "github.com/nistoar/pdr-cachemgr"
	"github.com/nistoar/pdr-cachemgr/backend"
	"github.com/nistoar/pdr-cachemgr/registry"
	"github.com/nistoar/pdr-cachemgr/store/inventorydb"
	"github.com/nistoar/pdr-cachemgr/worker/cacher"
	"github.com/nistoar/pdr-cachemgr/worker/monitor"
)

func newTestDB(t *testing.T) inventorydb.DB {
	t.Helper()
	db := inventorydb.New()
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "test.db")))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type memVolume struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemVolume() *memVolume { return &memVolume{data: map[string][]byte{}} }

func (v *memVolume) Save(_ context.Context, name string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.data[name] = data
	return nil
}

func (v *memVolume) Get(_ context.Context, name string) (io.ReadCloser, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	data, ok := v.data[name]
	if !ok {
		return nil, backend.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (v *memVolume) Remove(_ context.Context, name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.data, name)
	return nil
}

func (v *memVolume) Exists(_ context.Context, name string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.data[name]
	return ok, nil
}

func (v *memVolume) List(_ context.Context, prefix string) ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var names []string
	for name := range v.data {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	return names, nil
}

type fakePlacement struct {
	mu       sync.Mutex
	datasets []string
	failWith error
}

func (f *fakePlacement) Cache(_ context.Context, id string, recache bool, prefs int) (root.CacheObject, error) {
	return root.CacheObject{ID: id}, nil
}

func (f *fakePlacement) CacheDataset(_ context.Context, dsid, version string, recache bool, prefs int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.datasets = append(f.datasets, dsid)
	if f.failWith != nil {
		return nil, f.failWith
	}
	return []string{dsid + "/a.txt", dsid + "/b.txt"}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandleHealth(t *testing.T) {
	s := &Server{logger: discardLogger()}
	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	s.handleHealth(rec, req)
	require.Equal(t, 200, rec.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestHandleVolumeSummaries(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	require.NoError(t, db.RegisterVolume(ctx, root.VolumeInfo{Name: "main", Capacity: 1000, Priority: 1, Status: root.VolForUpdate}))
	_, err := db.AddObject(ctx, "ds/a.txt", "main", "ds/a.txt", map[string]any{"size": int64(42)})
	require.NoError(t, err)

	s := &Server{logger: discardLogger(), volumes: registry.NewVolumes(db)}
	req := httptest.NewRequest("GET", "/status/volumes", nil)
	rec := httptest.NewRecorder()
	s.handleVolumeSummaries(rec, req)
	require.Equal(t, 200, rec.Code)

	var summaries []volumeSummary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, "main", summaries[0].Name)
	assert.EqualValues(t, 42, summaries[0].TotalBytes)
	assert.EqualValues(t, 1, summaries[0].ObjectCount)
}

func TestHandleVolumeSummaries_NotConfigured(t *testing.T) {
	s := &Server{logger: discardLogger()}
	req := httptest.NewRequest("GET", "/status/volumes", nil)
	rec := httptest.NewRecorder()
	s.handleVolumeSummaries(rec, req)
	require.Equal(t, 503, rec.Code)
}

func TestHandleMonitorStatus_NeverRun(t *testing.T) {
	store := monitor.NewStatusStore(newMemVolume(), "status.json")
	s := &Server{logger: discardLogger(), monStatus: store}

	req := httptest.NewRequest("GET", "/status/monitor", nil)
	rec := httptest.NewRecorder()
	s.handleMonitorStatus(rec, req)
	require.Equal(t, 200, rec.Code)

	var resp monitorStatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Empty(t, resp.Deleted)
}

func TestHandleQueueStatus_ReportsDepth(t *testing.T) {
	ctx := context.Background()
	q := cacher.NewQueue(newMemVolume(), "queue.txt")
	require.NoError(t, q.Enqueue(ctx, "ds1/a.txt", false, ""))
	require.NoError(t, q.Enqueue(ctx, "ds2", true, "3"))

	s := &Server{logger: discardLogger(), queue: q}
	req := httptest.NewRequest("GET", "/status/queue", nil)
	rec := httptest.NewRecorder()
	s.handleQueueStatus(rec, req)
	require.Equal(t, 200, rec.Code)

	var resp map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.EqualValues(t, 2, resp["depth"])
}

func TestHandleCacheDataset_InvokesPlacementAndReturnsMembers(t *testing.T) {
	p := &fakePlacement{}
	s := &Server{logger: discardLogger(), placement: p}

	req := httptest.NewRequest("PUT", "/ds/restricted/mds2-2119?version=1", nil)
	req.SetPathValue("dsid", "mds2-2119")
	rec := httptest.NewRecorder()
	s.handleCacheDataset(rec, req)
	require.Equal(t, 202, rec.Code)

	var resp map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "mds2-2119", resp["dataset"])
	cached, ok := resp["cached"].([]any)
	require.True(t, ok)
	assert.Len(t, cached, 2)

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, []string{"mds2-2119"}, p.datasets)
}

func TestHandleCacheDataset_NotFound(t *testing.T) {
	p := &fakePlacement{failWith: root.ErrResourceNotFound}
	s := &Server{logger: discardLogger(), placement: p}

	req := httptest.NewRequest("PUT", "/ds/restricted/missing", nil)
	req.SetPathValue("dsid", "missing")
	rec := httptest.NewRecorder()
	s.handleCacheDataset(rec, req)
	require.Equal(t, 404, rec.Code)
}

func TestHandleCacheDataset_MissingDatasetID(t *testing.T) {
	s := &Server{logger: discardLogger(), placement: &fakePlacement{}}
	req := httptest.NewRequest("PUT", "/ds/restricted/", nil)
	rec := httptest.NewRecorder()
	s.handleCacheDataset(rec, req)
	require.Equal(t, 400, rec.Code)
}
