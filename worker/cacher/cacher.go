package cacher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	root "github.com/nistoar/pdr-cachemgr"
	"github.com/nistoar/pdr-cachemgr/cache"
	"github.com/nistoar/pdr-cachemgr/telemetry"
)

const defaultPollInterval = 5 * time.Second

// Config holds a Worker's construction-time settings.
type Config struct {
	PollInterval time.Duration // how often to re-check an empty queue
	Logger       *slog.Logger
}

// Option configures a Worker.
type Option func(*Config)

func WithPollInterval(d time.Duration) Option { return func(c *Config) { c.PollInterval = d } }
func WithLogger(logger *slog.Logger) Option   { return func(c *Config) { c.Logger = logger } }

// Worker is the Cacher Worker (spec.md §4.9): it pops entries from a
// persistent Queue and drains them through a cache.Placement, one at a
// time, never aborting the queue on a single item's error.
type Worker struct {
	queue     *Queue
	placement cache.Placement

	pollInterval time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a Worker draining queue through placement.
func New(queue *Queue, placement cache.Placement, opts ...Option) *Worker {
	cfg := Config{PollInterval: defaultPollInterval, Logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Worker{
		queue:        queue,
		placement:    placement,
		pollInterval: cfg.PollInterval,
		logger:       cfg.Logger,
	}
}

// Start launches the worker's pop-loop. A no-op if already running,
// satisfying spec.md §4.9's "refuses to run concurrently with itself".
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	go w.supervise(ctx)
}

// Stop requests an interrupt, honored at the next item boundary, and
// waits for the worker to exit or ctx to be done.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	stopCh, doneCh := w.stopCh, w.doneCh
	w.mu.Unlock()

	close(stopCh)
	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether the worker's pop-loop is active.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// supervise runs the pop-loop, restarting a fresh instance of the same
// loop after an unexpected panic rather than letting it kill the process,
// per spec.md §7's worker policy. The item in progress at the time of a
// crash is dropped, not retried (design note §9's open-question
// decision).
func (w *Worker) supervise(ctx context.Context) {
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		close(w.doneCh)
	}()

	for {
		if w.runGuarded(ctx) {
			return
		}
		w.logger.Warn("cacher: worker restarting after unexpected error")
	}
}

func (w *Worker) runGuarded(ctx context.Context) (stopped bool) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("cacher: worker panicked, dropping in-flight item", "panic", r)
			stopped = false
		}
	}()
	return w.loop(ctx)
}

func (w *Worker) loop(ctx context.Context) bool {
	for {
		select {
		case <-w.stopCh:
			return true
		case <-ctx.Done():
			return true
		default:
		}

		entry, err := w.queue.PopQueue(ctx)
		if err != nil {
			w.logger.Error("cacher: popping queue failed", "error", err)
			select {
			case <-w.stopCh:
				return true
			case <-ctx.Done():
				return true
			case <-time.After(w.pollInterval):
				continue
			}
		}

		if entry == nil {
			select {
			case <-w.stopCh:
				return true
			case <-ctx.Done():
				return true
			case <-time.After(w.pollInterval):
				continue
			}
		}

		w.processEntry(ctx, *entry)
	}
}

// processEntry runs one queue entry through the Cache Manager, per
// spec.md §4.9: cacheDataset when the entry names a bare dataset (no
// filepath), cache otherwise. Errors are logged and do not abort the
// queue.
func (w *Worker) processEntry(ctx context.Context, entry Entry) {
	depth, err := w.queue.LoadQueue(ctx)
	if err == nil {
		telemetry.UpdateCacherQueueDepth(ctx, len(depth))
	}

	aip, err := root.ParseAIPID(entry.ID)
	if err != nil {
		w.logger.Error("cacher: malformed queue entry", "id", entry.ID, "error", err)
		telemetry.RecordCacherItem(ctx, false)
		return
	}

	if aip.FilePath == "" {
		version := entry.Version
		if version == "" {
			version = aip.Version
		}
		if _, err := w.placement.CacheDataset(ctx, aip.DatasetID, version, entry.Recache, 0); err != nil {
			w.logger.Error("cacher: cacheDataset failed", "dsid", aip.DatasetID, "version", version, "error", err)
			telemetry.RecordCacherItem(ctx, false)
			return
		}
		telemetry.RecordCacherItem(ctx, true)
		return
	}

	if _, err := w.placement.Cache(ctx, entry.ID, entry.Recache, 0); err != nil {
		w.logger.Error("cacher: cache failed", "id", entry.ID, "error", err)
		telemetry.RecordCacherItem(ctx, false)
		return
	}
	telemetry.RecordCacherItem(ctx, true)
}
