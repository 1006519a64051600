// Package cacher implements the Cacher Worker (spec.md §4.9): a
// persistent FIFO of pending cache requests, and a pop-loop that drains
// it through the Cache Manager's Placement capability.
package cacher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/nistoar/pdr-cachemgr/backend"
)

// Entry is one pending cache request, per spec.md §6's queue file format:
// "AIPID\tRECACHE\tVERSION?". Version is empty when the entry doesn't
// pin one (latest).
type Entry struct {
	ID      string
	Recache bool
	Version string
}

func (e Entry) String() string {
	recache := "0"
	if e.Recache {
		recache = "1"
	}
	return e.ID + "\t" + recache + "\t" + e.Version
}

func parseEntry(line string) (Entry, error) {
	fields := strings.Split(line, "\t")
	if len(fields) < 2 {
		return Entry{}, fmt.Errorf("cacher: malformed queue line %q", line)
	}
	e := Entry{ID: fields[0]}
	switch fields[1] {
	case "1":
		e.Recache = true
	case "0":
		e.Recache = false
	default:
		return Entry{}, fmt.Errorf("cacher: malformed recache flag %q in line %q", fields[1], line)
	}
	if len(fields) >= 3 {
		e.Version = fields[2]
	}
	return e, nil
}

// Queue is the Cacher Worker's persistent FIFO, stored as a line-
// delimited text file in a backend.Volume. Every operation is performed
// under q's lock, so an append (Enqueue) and a load-modify-save (Pop) are
// each atomic with respect to one another, per spec.md §5.
type Queue struct {
	mu   sync.Mutex
	vol  backend.Volume
	name string
}

// NewQueue creates a Queue backed by name within vol.
func NewQueue(vol backend.Volume, name string) *Queue {
	return &Queue{vol: vol, name: name}
}

// Enqueue appends one entry, persisting synchronously before returning,
// per spec.md §4.9's queue(id, recache) operation.
func (q *Queue) Enqueue(ctx context.Context, id string, recache bool, version string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.loadLocked(ctx)
	if err != nil {
		return err
	}
	entries = append(entries, Entry{ID: id, Recache: recache, Version: version})
	return q.saveLocked(ctx, entries)
}

// LoadQueue returns every pending entry in FIFO order.
func (q *Queue) LoadQueue(ctx context.Context) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loadLocked(ctx)
}

// PopQueue removes and returns the oldest pending entry, or nil if the
// queue is empty, under an atomic load-modify-save.
func (q *Queue) PopQueue(ctx context.Context) (*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.loadLocked(ctx)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	head := entries[0]
	if err := q.saveLocked(ctx, entries[1:]); err != nil {
		return nil, err
	}
	return &head, nil
}

// HasPending reports whether any entry is queued.
func (q *Queue) HasPending(ctx context.Context) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries, err := q.loadLocked(ctx)
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}

// IsQueued reports whether id appears anywhere in the pending queue.
func (q *Queue) IsQueued(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries, err := q.loadLocked(ctx)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.ID == id {
			return true, nil
		}
	}
	return false, nil
}

func (q *Queue) loadLocked(ctx context.Context) ([]Entry, error) {
	r, err := q.vol.Get(ctx, q.name)
	if err != nil {
		if err == backend.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("cacher: loading queue: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("cacher: reading queue: %w", err)
	}

	var entries []Entry
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		e, err := parseEntry(line)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (q *Queue) saveLocked(ctx context.Context, entries []Entry) error {
	var buf bytes.Buffer
	for _, e := range entries {
		buf.WriteString(e.String())
		buf.WriteByte('\n')
	}
	return q.vol.Save(ctx, q.name, &buf)
}
