package integrity

import (
	"context"
	"fmt"
	"io"

	root "github.com/nistoar/pdr-cachemgr"
	"github.com/nistoar/pdr-cachemgr/backend"
)

// Check verifies one property of a cached object's stored bytes. Verify
// returns nil on success or a descriptive error on failure; the Monitor
// stops running further checks on an object at the first failure.
type Check interface {
	Name() string
	Verify(ctx context.Context, obj root.CacheObject, vol backend.Volume) error
}

// ChecksumCheck re-computes an object's checksum from its stored bytes and
// compares it against the inventory row's recorded checksum. An object
// with no recorded checksum passes trivially — there is nothing to verify.
type ChecksumCheck struct{}

// Name implements Check.
func (ChecksumCheck) Name() string { return "checksum" }

// Verify implements Check.
func (ChecksumCheck) Verify(ctx context.Context, obj root.CacheObject, vol backend.Volume) error {
	if obj.Checksum == "" {
		return nil
	}

	r, err := vol.Get(ctx, obj.Name)
	if err != nil {
		return fmt.Errorf("reading %s/%s: %w", obj.Volume, obj.Name, err)
	}
	defer r.Close()

	alg := obj.Algorithm
	if alg == "" {
		alg = root.DefaultAlgorithm
	}

	sum, _, err := root.HashReader(alg, r)
	if err != nil {
		return fmt.Errorf("hashing %s/%s: %w", obj.Volume, obj.Name, err)
	}
	if !sum.Equal(root.Checksum{Alg: alg, Sum: obj.Checksum}) {
		return fmt.Errorf("checksum mismatch for %s: recorded %s:%s, computed %s", obj.ID, alg, obj.Checksum, sum)
	}
	return nil
}

// SizeCheck compares an object's recorded size against its actual stored
// size. An object with an unknown recorded size (root.UnknownSize) passes
// trivially.
type SizeCheck struct{}

// Name implements Check.
func (SizeCheck) Name() string { return "size" }

// Verify implements Check.
func (SizeCheck) Verify(ctx context.Context, obj root.CacheObject, vol backend.Volume) error {
	if obj.Size == root.UnknownSize {
		return nil
	}

	var actual int64
	if sv, ok := vol.(backend.SizeAwareVolume); ok {
		n, err := sv.Size(ctx, obj.Name)
		if err != nil {
			return fmt.Errorf("stat %s/%s: %w", obj.Volume, obj.Name, err)
		}
		actual = n
	} else {
		r, err := vol.Get(ctx, obj.Name)
		if err != nil {
			return fmt.Errorf("reading %s/%s: %w", obj.Volume, obj.Name, err)
		}
		defer r.Close()
		n, err := io.Copy(io.Discard, r)
		if err != nil {
			return fmt.Errorf("reading %s/%s: %w", obj.Volume, obj.Name, err)
		}
		actual = n
	}

	if actual != obj.Size {
		return fmt.Errorf("size mismatch for %s: recorded %d, actual %d", obj.ID, obj.Size, actual)
	}
	return nil
}

// DefaultChecks returns the standard check list (checksum then size) used
// by the data monitor and the head-bag monitor when a caller doesn't
// supply its own.
func DefaultChecks() []Check {
	return []Check{ChecksumCheck{}, SizeCheck{}}
}
