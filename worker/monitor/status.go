package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nistoar/pdr-cachemgr/backend"
)

// Status is the monitor-status document, per spec.md §6. Running is not
// persisted as part of a cycle's write; it is set by the caller when the
// document is read back, since "is the worker currently running" is a
// property of the reader's moment, not the writer's.
type Status struct {
	LastRan         int64    `json:"lastRan"`
	LastRanDate     string   `json:"lastRanDate"`
	LastChecked     int64    `json:"lastChecked"`
	LastCheckedDate string   `json:"lastCheckedDate"`
	FileCount       int      `json:"filecount"`
	Deleted         []string `json:"deleted"`
	Running         bool     `json:"running"`
}

func newStatus(cycleStart, lastChecked time.Time, fileCount int, deleted []string) Status {
	if deleted == nil {
		deleted = []string{}
	}
	return Status{
		LastRan:         cycleStart.UnixMilli(),
		LastRanDate:     cycleStart.UTC().Format(time.RFC3339),
		LastChecked:     lastChecked.UnixMilli(),
		LastCheckedDate: lastChecked.UTC().Format(time.RFC3339),
		FileCount:       fileCount,
		Deleted:         deleted,
	}
}

// StatusStore persists and retrieves the monitor-status document in a
// backend.Volume, using its atomic write path so readers never observe a
// torn write, per spec.md §5's shared-resource guarantee.
type StatusStore struct {
	vol  backend.Volume
	name string
}

// NewStatusStore creates a StatusStore that reads and writes name within
// vol.
func NewStatusStore(vol backend.Volume, name string) *StatusStore {
	return &StatusStore{vol: vol, name: name}
}

// Save writes status to the store atomically.
func (s *StatusStore) Save(ctx context.Context, status Status) error {
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("monitor: marshaling status: %w", err)
	}
	return s.vol.Save(ctx, s.name, bytes.NewReader(data))
}

// Load reads the last-saved status, setting Running to the caller's
// supplied value since that reflects the state at read time, not write
// time. Returns the zero Status if none has ever been written.
func (s *StatusStore) Load(ctx context.Context, running bool) (Status, error) {
	r, err := s.vol.Get(ctx, s.name)
	if err != nil {
		if err == backend.ErrNotFound {
			return Status{Deleted: []string{}, Running: running}, nil
		}
		return Status{}, err
	}
	defer r.Close()

	var status Status
	if err := json.NewDecoder(r).Decode(&status); err != nil {
		return Status{}, fmt.Errorf("monitor: decoding status: %w", err)
	}
	status.Running = running
	return status, nil
}
