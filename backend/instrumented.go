package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/nistoar/pdr-cachemgr/telemetry"
)

// InstrumentedVolume wraps a Volume with metrics recording.
type InstrumentedVolume struct {
	volume Volume
	name   string
}

// NewInstrumentedVolume creates a new instrumented volume wrapper.
func NewInstrumentedVolume(v Volume, name string) *InstrumentedVolume {
	return &InstrumentedVolume{volume: v, name: name}
}

func (iv *InstrumentedVolume) Save(ctx context.Context, key string, r io.Reader) error {
	start := time.Now()
	cr := &countingReader{r: r}
	err := iv.volume.Save(ctx, key, cr)
	outcome := outcomeFromError(err)
	telemetry.RecordVolumeOp(ctx, iv.name, "save", outcome, time.Since(start), cr.n)
	return err
}

func (iv *InstrumentedVolume) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := iv.volume.Get(ctx, key)
	outcome := outcomeFromError(err)
	telemetry.RecordVolumeOp(ctx, iv.name, "get", outcome, time.Since(start), 0)
	if err != nil {
		return nil, err
	}
	return rc, nil
}

func (iv *InstrumentedVolume) Remove(ctx context.Context, key string) error {
	start := time.Now()
	err := iv.volume.Remove(ctx, key)
	outcome := outcomeFromError(err)
	telemetry.RecordVolumeOp(ctx, iv.name, "remove", outcome, time.Since(start), 0)
	return err
}

func (iv *InstrumentedVolume) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	exists, err := iv.volume.Exists(ctx, key)
	outcome := outcomeFromError(err)
	telemetry.RecordVolumeOp(ctx, iv.name, "exists", outcome, time.Since(start), 0)
	return exists, err
}

func (iv *InstrumentedVolume) List(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := iv.volume.List(ctx, prefix)
	outcome := outcomeFromError(err)
	telemetry.RecordVolumeOp(ctx, iv.name, "list", outcome, time.Since(start), 0)
	return keys, err
}

// Size delegates to the underlying volume if it implements SizeAwareVolume.
func (iv *InstrumentedVolume) Size(ctx context.Context, key string) (int64, error) {
	sv, ok := iv.volume.(SizeAwareVolume)
	if !ok {
		return 0, ErrNotFound
	}
	start := time.Now()
	size, err := sv.Size(ctx, key)
	outcome := outcomeFromError(err)
	telemetry.RecordVolumeOp(ctx, iv.name, "size", outcome, time.Since(start), 0)
	return size, err
}

// Writer delegates to the underlying volume if it implements WriterVolume.
func (iv *InstrumentedVolume) Writer(ctx context.Context, key string) (io.WriteCloser, error) {
	wv, ok := iv.volume.(WriterVolume)
	if !ok {
		return nil, fmt.Errorf("volume does not support Writer")
	}
	start := time.Now()
	wc, err := wv.Writer(ctx, key)
	outcome := outcomeFromError(err)
	telemetry.RecordVolumeOp(ctx, iv.name, "writer", outcome, time.Since(start), 0)
	if err != nil {
		return nil, err
	}
	return wc, nil
}

// Unwrap returns the underlying volume.
func (iv *InstrumentedVolume) Unwrap() Volume {
	return iv.volume
}

func outcomeFromError(err error) string {
	if err == nil {
		return "success"
	}
	if errors.Is(err, ErrNotFound) {
		return "not_found"
	}
	return "error"
}

// countingReader wraps a reader and counts bytes read.
type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

// Compile-time interface checks
var (
	_ Volume          = (*InstrumentedVolume)(nil)
	_ SizeAwareVolume = (*InstrumentedVolume)(nil)
)
