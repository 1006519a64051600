package inventorydb

import (
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

// defaultGracePeriod is the minimum age (time since last check) before an
// object becomes eligible for re-checking, per spec.md §4.8's default.
const defaultGracePeriod = 24 * time.Hour

// BoltDB implements DB using bbolt, an ordered embedded store.
type BoltDB struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction (for testing only)

	gracePeriod time.Duration
}

// BoltDBOption configures a BoltDB instance.
type BoltDBOption func(*BoltDB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) BoltDBOption {
	return func(b *BoltDB) { b.logger = logger }
}

// WithNow sets the time function, for deterministic testing.
func WithNow(now func() time.Time) BoltDBOption {
	return func(b *BoltDB) { b.now = now }
}

// WithNoSync disables fsync per transaction.
// WARNING: this improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltDBOption {
	return func(b *BoltDB) { b.noSync = noSync }
}

// WithGracePeriod sets the initial check grace period.
func WithGracePeriod(d time.Duration) BoltDBOption {
	return func(b *BoltDB) { b.gracePeriod = d }
}

// NewBoltDB creates a new BoltDB instance with options.
func NewBoltDB(opts ...BoltDBOption) *BoltDB {
	b := &BoltDB{
		logger:      slog.Default(),
		now:         time.Now,
		gracePeriod: defaultGracePeriod,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path, creating buckets as needed.
func (b *BoltDB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	if err := b.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	b.logger.Debug("opened inventory db", "path", path, "noSync", b.noSync)
	return nil
}

func (b *BoltDB) createBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (b *BoltDB) Close() error {
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing inventory db")
	return b.db.Close()
}

// SetCheckGracePeriod sets the minimum age before an object becomes
// eligible for re-checking.
func (b *BoltDB) SetCheckGracePeriod(d time.Duration) {
	b.gracePeriod = d
}

// Compile-time interface check.
var _ DB = (*BoltDB)(nil)
