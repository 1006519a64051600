package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nistoar/pdr-cachemgr/integrity"
	"github.com/nistoar/pdr-cachemgr/telemetry"
)

// defaultDutyCycle, defaultGracePeriod match spec.md §4.8's defaults.
const (
	defaultDutyCycle   = 30 * time.Minute
	defaultGracePeriod = 24 * time.Hour
	defaultBatchSize   = 200
)

// GracePeriodSetter is implemented by the Storage Inventory DB backing
// both the head-bag and data Integrity Monitors; the worker configures it
// once at construction so "due for check" reflects the worker's own
// gracePeriod parameter rather than the DB's own default.
type GracePeriodSetter interface {
	SetCheckGracePeriod(d time.Duration)
}

// Config holds a Worker's construction-time settings.
type Config struct {
	DutyCycle   time.Duration // interval between cycle starts; must be > 0
	GracePeriod time.Duration // minimum age before an object is due
	StartOffset time.Duration // offset from UTC midnight for cycle starts
	BatchSize   int           // max objects per FindCorruptedObjects call
	Once        bool          // exit after the first completed cycle
	Logger      *slog.Logger
}

// Option configures a Worker.
type Option func(*Config)

func WithDutyCycle(d time.Duration) Option   { return func(c *Config) { c.DutyCycle = d } }
func WithGracePeriod(d time.Duration) Option { return func(c *Config) { c.GracePeriod = d } }
func WithStartOffset(d time.Duration) Option { return func(c *Config) { c.StartOffset = d } }
func WithBatchSize(n int) Option             { return func(c *Config) { c.BatchSize = n } }
func WithOnce(once bool) Option              { return func(c *Config) { c.Once = once } }
func WithLogger(logger *slog.Logger) Option  { return func(c *Config) { c.Logger = logger } }

// Worker is the Monitor Worker (spec.md §4.8): it alternately sweeps the
// head-bag and data Integrity Monitors on a duty cycle anchored to UTC
// midnight, publishing a status document after each cycle.
type Worker struct {
	headBag *integrity.Monitor
	data    *integrity.Monitor
	status  *StatusStore

	dutyCycle   time.Duration
	gracePeriod time.Duration
	startOffset time.Duration
	batchSize   int
	once        atomic.Bool

	logger *slog.Logger

	mu      sync.Mutex
	state   State
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// New creates a Worker sweeping headBag then data each cycle, publishing
// status through status. inv, if it implements GracePeriodSetter, has its
// check grace period set to cfg.GracePeriod (or the default).
func New(headBag, data *integrity.Monitor, status *StatusStore, inv GracePeriodSetter, opts ...Option) *Worker {
	cfg := Config{
		DutyCycle:   defaultDutyCycle,
		GracePeriod: defaultGracePeriod,
		BatchSize:   defaultBatchSize,
		Logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DutyCycle <= 0 {
		// Guards the re-scheduling math in nextCycleStart, per design note §9.
		cfg.DutyCycle = defaultDutyCycle
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if inv != nil {
		inv.SetCheckGracePeriod(cfg.GracePeriod)
	}

	w := &Worker{
		headBag:     headBag,
		data:        data,
		status:      status,
		dutyCycle:   cfg.DutyCycle,
		gracePeriod: cfg.GracePeriod,
		startOffset: cfg.StartOffset,
		batchSize:   cfg.BatchSize,
		logger:      cfg.Logger,
		state:       Idle,
	}
	w.once.Store(cfg.Once)
	return w
}

// SetOnce toggles continuous-vs-one-shot mode at runtime, per spec.md
// §4.8. Taking effect at the end of the cycle in progress, if any.
func (w *Worker) SetOnce(once bool) { w.once.Store(once) }

// State reports the worker's current state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
	stateCode := map[State]int64{Idle: 0, Sleeping: 1, Checking: 2, Stopping: 3, Exited: 4}[s]
	telemetry.UpdateMonitorState(context.Background(), stateCode)
}

// Start launches the worker's background loop. A no-op if already running.
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

	go w.run(ctx)
}

// Stop requests an interrupt, honored at the next sleep boundary (i.e.
// after any cycle in progress finishes), and waits for the worker to
// exit or ctx to be done.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	stopCh, doneCh := w.stopCh, w.doneCh
	w.mu.Unlock()

	w.setState(Stopping)
	close(stopCh)

	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) run(ctx context.Context) {
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		w.setState(Exited)
		close(w.doneCh)
	}()

	for {
		start := nextCycleStart(time.Now(), w.startOffset, w.dutyCycle)
		w.setState(Sleeping)

		select {
		case <-time.After(time.Until(start)):
		case <-w.stopCh:
			w.logger.Info("monitor: stopped while sleeping")
			return
		case <-ctx.Done():
			w.logger.Info("monitor: context cancelled while sleeping")
			return
		}

		w.setState(Checking)
		if _, err := w.Cycle(ctx); err != nil {
			w.logger.Error("monitor: cycle failed", "error", err)
		}

		if w.once.Load() {
			w.logger.Info("monitor: exiting after cycle, once mode")
			return
		}

		select {
		case <-w.stopCh:
			w.logger.Info("monitor: stopped after cycle")
			return
		default:
		}
	}
}

// Cycle runs one full sweep: headBag until no objects are due, then data
// until no objects are due, then publishes a fresh status document, per
// spec.md §4.8. It can be invoked directly (outside the scheduled loop)
// for an immediate on-demand check.
func (w *Worker) Cycle(ctx context.Context) (Status, error) {
	cycleStart := time.Now()

	var deleted []string
	checked := 0

	n, err := w.sweepUntilDry(ctx, w.headBag, &deleted)
	checked += n
	if err != nil {
		return Status{}, fmt.Errorf("monitor: head-bag sweep: %w", err)
	}

	n, err = w.sweepUntilDry(ctx, w.data, &deleted)
	checked += n
	if err != nil {
		return Status{}, fmt.Errorf("monitor: data sweep: %w", err)
	}

	status := newStatus(cycleStart, cycleStart, checked, deleted)
	if err := w.status.Save(ctx, status); err != nil {
		return Status{}, fmt.Errorf("monitor: saving status: %w", err)
	}

	telemetry.RecordMonitorCycle(ctx, len(deleted), time.Since(cycleStart))
	w.logDeletions(checked, deleted)

	return status, nil
}

func (w *Worker) sweepUntilDry(ctx context.Context, m *integrity.Monitor, deleted *[]string) (int, error) {
	total := 0
	for {
		n, err := m.FindCorruptedObjects(ctx, w.batchSize, deleted)
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}
	}
}

// logDeletions records checked = N and up to 5 deleted IDs, per spec.md
// §4.8; the full list always lives in the status document.
func (w *Worker) logDeletions(checked int, deleted []string) {
	shown := deleted
	truncated := false
	if len(shown) > 5 {
		shown = shown[:5]
		truncated = true
	}
	msg := fmt.Sprintf("checked = %d", checked)
	if len(shown) > 0 {
		msg += ", including: " + strings.Join(shown, ", ")
		if truncated {
			msg += ", ..."
		}
	}
	w.logger.Info("monitor: cycle complete", "summary", msg, "checked", checked, "deletedCount", len(deleted))
}

// nextCycleStart computes the next cycle start time, per spec.md §4.8:
// start = midnight(UTC) + startOffset, advanced by dutyCycle until it is
// strictly after now. dutyCycle must be positive; callers guard this
// (design note §9).
func nextCycleStart(now time.Time, startOffset, dutyCycle time.Duration) time.Time {
	nowUTC := now.UTC()
	midnight := time.Date(nowUTC.Year(), nowUTC.Month(), nowUTC.Day(), 0, 0, 0, 0, time.UTC)
	start := midnight.Add(startOffset)
	for !start.After(nowUTC) {
		start = start.Add(dutyCycle)
	}
	return start
}
