// Package download provides singleflight-based deduplication for concurrent
// restore requests. When multiple callers ask for the same not-yet-cached
// object, only one Restorer invocation is performed; the rest share its
// result, satisfying the per-ID single-flight invariant of spec.md §4.3/§5.
package download

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/singleflight"

	root "github.com/nistoar/pdr-cachemgr"
)

// Result holds the outcome of a coordinated restore.
type Result struct {
	Object root.CacheObject
}

// RestoreFunc performs the actual restoration. The context passed to it is
// detached from any single caller so that one caller's cancellation does
// not abort a restore shared by other waiters.
type RestoreFunc func(ctx context.Context) (*Result, error)

// Downloader deduplicates concurrent restores for the same id using
// singleflight. It uses DoChan so each caller can respect its own context
// deadline without cancelling the in-flight restore for others.
type Downloader struct {
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithLogger sets the logger for the downloader.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// New creates a new Downloader.
func New(opts ...Option) *Downloader {
	d := &Downloader{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Do deduplicates concurrent restores for the same key (an AIP-ID).
// Returns the result, whether it was shared with another caller, and any
// error.
//
// If the caller's context expires before the restore completes, Do returns
// the context error but the in-flight restore continues for other waiters.
func (d *Downloader) Do(ctx context.Context, key string, fn RestoreFunc) (*Result, bool, error) {
	ch := d.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val.(*Result), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Forget removes key from the singleflight group, allowing a subsequent
// call to retry rather than join a call already known to have failed.
func (d *Downloader) Forget(key string) {
	d.group.Forget(key)
}

// forgetOnDownloadError forgets key after a restore failure, unless the
// failure was just a caller's own context expiring — in that case the
// restore may still be running for other waiters and must not be evicted
// out from under them.
func forgetOnDownloadError(d *Downloader, key string, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	d.Forget(key)
}
