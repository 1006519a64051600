package restore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	root "github.com/nistoar/pdr-cachemgr"
	"github.com/nistoar/pdr-cachemgr/backend"
	"github.com/nistoar/pdr-cachemgr/integrity"
	"github.com/nistoar/pdr-cachemgr/telemetry"
)

// HeadBagInventory is the slice of the Storage Inventory DB the head-bag
// staging area uses to track the manifest files it has cached, kept
// separate from the primary data cache's rows but stored in the same
// underlying database under a dedicated volume name.
type HeadBagInventory interface {
	integrity.Inventory
	AddObject(ctx context.Context, id, volume, name string, metadata map[string]any) (root.CacheObject, error)
	FindObject(ctx context.Context, id, volume string) ([]root.CacheObject, error)
	RegisterVolume(ctx context.Context, info root.VolumeInfo) error
}

// BagRestorer is the default Restorer, backed by an ArchiveSource
// (a bag archive or object store) grounded on spec.md §4.5.
type BagRestorer struct {
	archive ArchiveSource
	inv     HeadBagInventory

	headBagVolume     backend.Volume
	headBagVolumeName string

	namingFn func(root.AIPID, uint32) string
	prefFn   func(id root.AIPID, size int64, defaultPrefs int) (int, bool)

	logger *slog.Logger
}

// Option configures a BagRestorer.
type Option func(*BagRestorer)

// WithNamingPolicy overrides the default AIP-ID -> in-volume-name mapping.
func WithNamingPolicy(fn func(root.AIPID, uint32) string) Option {
	return func(b *BagRestorer) { b.namingFn = fn }
}

// WithPreferencePolicy overrides the default placement preference lookup.
// fn's second return reports whether it had an opinion for id; when false
// the caller's defaultPrefs is used unchanged.
func WithPreferencePolicy(fn func(id root.AIPID, size int64, defaultPrefs int) (int, bool)) Option {
	return func(b *BagRestorer) { b.prefFn = fn }
}

// WithLogger sets the restorer's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *BagRestorer) { b.logger = logger }
}

// NewBagRestorer creates a BagRestorer that fetches from archive and
// stages head bag manifests in headBagVolume, registering that volume
// under headBagVolumeName in inv if not already registered.
func NewBagRestorer(ctx context.Context, archive ArchiveSource, inv HeadBagInventory, headBagVolume backend.Volume, headBagVolumeName string, opts ...Option) (*BagRestorer, error) {
	b := &BagRestorer{
		archive:           archive,
		inv:               inv,
		headBagVolume:     headBagVolume,
		headBagVolumeName: headBagVolumeName,
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}

	if err := inv.RegisterVolume(ctx, root.VolumeInfo{
		Name:     headBagVolumeName,
		Status:   root.VolForUpdate,
		Priority: root.DefaultPriority,
	}); err != nil {
		return nil, fmt.Errorf("restore: registering head-bag volume: %w", err)
	}
	return b, nil
}

// DoesNotExist implements Restorer.
func (b *BagRestorer) DoesNotExist(ctx context.Context, id root.AIPID) (bool, error) {
	exists, err := b.archive.Exists(ctx, id)
	if err != nil {
		return false, err
	}
	return !exists, nil
}

// NameForObject implements Restorer.
func (b *BagRestorer) NameForObject(id root.AIPID, roles uint32) string {
	if b.namingFn != nil {
		return b.namingFn(id, roles)
	}
	return DefaultNameForObject(id, roles)
}

// PreferencesFor implements Restorer.
func (b *BagRestorer) PreferencesFor(id root.AIPID, size int64, defaultPrefs int) int {
	if b.prefFn != nil {
		if p, ok := b.prefFn(id, size, defaultPrefs); ok {
			return p
		}
	}
	return defaultPrefs
}

// RestoreObject implements Restorer: fetches id from the archive and
// streams it into target under name, computing a checksum en route.
// Partial writes are rolled back before the error is returned.
func (b *BagRestorer) RestoreObject(ctx context.Context, id root.AIPID, target backend.Volume, name string) (RestoreResult, error) {
	start := time.Now()

	r, size, err := b.archive.Open(ctx, id)
	if err != nil {
		telemetry.RecordRestore(ctx, time.Since(start), 0, "error")
		if errors.Is(err, root.ErrResourceNotFound) {
			return RestoreResult{}, err
		}
		return RestoreResult{}, fmt.Errorf("restore: opening %s from archive: %w", id, err)
	}
	defer r.Close()

	hashing, err := root.NewHashingReader(r, root.DefaultAlgorithm)
	if err != nil {
		telemetry.RecordRestore(ctx, time.Since(start), 0, "error")
		return RestoreResult{}, fmt.Errorf("restore: %w", err)
	}

	written, err := writeAndVerify(ctx, target, name, hashing, size)
	if err != nil {
		telemetry.RecordRestore(ctx, time.Since(start), written, "error")
		return RestoreResult{}, err
	}

	sum := hashing.Sum()
	telemetry.RecordRestore(ctx, time.Since(start), written, "ok")

	return RestoreResult{
		BytesWritten: written,
		Checksum:     sum,
		Metadata: map[string]any{
			"size":              written,
			"checksum":          sum.Sum,
			"checksumAlgorithm": string(sum.Alg),
		},
	}, nil
}

// writeAndVerify streams src into target under name, using target's
// WriterVolume path when available (avoiding an extra buffering pass),
// and rolls back a partial write when the copy fails or the byte count
// doesn't match the archive's declared content length (expectedSize; -1
// means unknown, skipping the check).
func writeAndVerify(ctx context.Context, target backend.Volume, name string, src *root.HashingReader, expectedSize int64) (int64, error) {
	wv, ok := target.(backend.WriterVolume)
	if !ok {
		if err := target.Save(ctx, name, src); err != nil {
			return 0, fmt.Errorf("%w: saving %s: %v", root.ErrStorageVolume, name, err)
		}
		n := src.BytesRead()
		if expectedSize >= 0 && n != expectedSize {
			_ = target.Remove(ctx, name)
			return 0, fmt.Errorf("%w: content-length mismatch for %s: expected %d, got %d", root.ErrRestoration, name, expectedSize, n)
		}
		return n, nil
	}

	w, err := wv.Writer(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("%w: opening writer for %s: %v", root.ErrStorageVolume, name, err)
	}

	n, copyErr := io.Copy(w, src)
	if copyErr != nil {
		abortWrite(w, target, ctx, name)
		return 0, fmt.Errorf("%w: streaming %s: %v", root.ErrRestoration, name, copyErr)
	}
	if err := w.Close(); err != nil {
		_ = target.Remove(ctx, name)
		return 0, fmt.Errorf("%w: committing %s: %v", root.ErrRestoration, name, err)
	}
	if expectedSize >= 0 && n != expectedSize {
		_ = target.Remove(ctx, name)
		return 0, fmt.Errorf("%w: content-length mismatch for %s: expected %d, got %d", root.ErrRestoration, name, expectedSize, n)
	}
	return n, nil
}

// abortWrite discards a failed writer, preferring an Abort method
// (backend.Filesystem's atomicWriter provides one) over Close+Remove.
func abortWrite(w io.WriteCloser, target backend.Volume, ctx context.Context, name string) {
	if aborter, ok := w.(interface{ Abort() error }); ok {
		_ = aborter.Abort()
		return
	}
	_ = w.Close()
	_ = target.Remove(ctx, name)
}

// sizeStater is an optional ArchiveSource capability for reporting an
// id's size without opening its content stream.
type sizeStater interface {
	Stat(ctx context.Context, id root.AIPID) (int64, error)
}

// SizeHint implements Restorer, delegating to archive's Stat method when
// available and reporting root.UnknownSize otherwise.
func (b *BagRestorer) SizeHint(ctx context.Context, id root.AIPID) (int64, error) {
	if s, ok := b.archive.(sizeStater); ok {
		return s.Stat(ctx, id)
	}
	return root.UnknownSize, nil
}

// ListDatasetMembers implements Restorer.
func (b *BagRestorer) ListDatasetMembers(ctx context.Context, dsid, version string) ([]root.AIPID, error) {
	return b.archive.ListMembers(ctx, dsid, version)
}

// IntegrityMonitor implements Restorer, returning a Monitor bound to the
// head-bag staging volume, distinct from the primary data cache's
// integrity.Monitor.
func (b *BagRestorer) IntegrityMonitor(checks []integrity.Check) *integrity.Monitor {
	resolver := func(name string) (backend.Volume, error) { return b.headBagVolume, nil }
	return integrity.New(b.inv, resolver, checks, integrity.WithVolume(b.headBagVolumeName), integrity.WithLogger(b.logger))
}

var _ Restorer = (*BagRestorer)(nil)
