// Package restore implements the Restorer (spec.md §4.5): the component
// that knows how to fetch an object identified by an AIP-ID from an
// archive and stream it into a target Cache Volume, and that enumerates a
// dataset's member files from its manifest ("head bag").
package restore

import (
	"context"
	"io"

	root "github.com/nistoar/pdr-cachemgr"
	"github.com/nistoar/pdr-cachemgr/backend"
	"github.com/nistoar/pdr-cachemgr/integrity"
)

// ArchiveSource is the archive/bag-store/object-store collaborator the
// Restorer fetches from. Per spec.md §1 this is external to the core;
// only the interface contract lives here.
type ArchiveSource interface {
	// Exists reports whether id has backing content in the archive.
	Exists(ctx context.Context, id root.AIPID) (bool, error)

	// Open streams id's content. size is -1 if the archive cannot report
	// content length up front.
	Open(ctx context.Context, id root.AIPID) (r io.ReadCloser, size int64, err error)

	// ListMembers enumerates the AIP-IDs of every file belonging to
	// dataset dsid at the given version (empty means latest), as read
	// from the dataset's head bag manifest.
	ListMembers(ctx context.Context, dsid, version string) ([]root.AIPID, error)
}

// RestoreResult reports the outcome of restoring one object.
type RestoreResult struct {
	BytesWritten int64
	Checksum     root.Checksum
	Metadata     map[string]any
}

// Restorer is the Restorer contract from spec.md §4.5.
type Restorer interface {
	// DoesNotExist is a negative existence check against the archive.
	DoesNotExist(ctx context.Context, id root.AIPID) (bool, error)

	// NameForObject deterministically maps an AIP-ID to the name it
	// should be stored under within a volume with the given roles.
	NameForObject(id root.AIPID, roles uint32) string

	// PreferencesFor returns the placement preference bitmask for id,
	// given its size, falling back to defaultPrefs when the Restorer has
	// no opinion.
	PreferencesFor(id root.AIPID, size int64, defaultPrefs int) int

	// SizeHint reports id's size in the archive when cheaply knowable
	// without opening its content stream, or root.UnknownSize if not. The
	// Cache Manager uses this to decide, before committing to a volume,
	// whether eviction is needed to make room.
	SizeHint(ctx context.Context, id root.AIPID) (int64, error)

	// RestoreObject fetches id from the archive and streams it into
	// target under name, computing its checksum en route.
	RestoreObject(ctx context.Context, id root.AIPID, target backend.Volume, name string) (RestoreResult, error)

	// ListDatasetMembers enumerates dsid's member AIP-IDs at version
	// (empty means latest) from the dataset's head bag manifest.
	ListDatasetMembers(ctx context.Context, dsid, version string) ([]root.AIPID, error)

	// IntegrityMonitor returns an integrity.Monitor bound to the
	// Restorer's own head-bag staging area (kept separate from the
	// primary data cache), running checks against cached manifest files.
	IntegrityMonitor(checks []integrity.Check) *integrity.Monitor
}

// ParseID splits an AIP-ID string into dataset id, file path, and version,
// per spec.md §4.5's parseId operation. This delegates to root.ParseAIPID;
// it exists under this name so callers holding only a restore.Restorer
// reference have the operation spec.md names.
func ParseID(id string) (dsid, filepath, version string, err error) {
	aip, err := root.ParseAIPID(id)
	if err != nil {
		return "", "", "", err
	}
	return aip.DatasetID, aip.FilePath, aip.Version, nil
}

// DefaultNameForObject is the default NamingPolicy: an object's name
// within a volume is its AIP-ID with '#' replaced so the version suffix
// doesn't collide with a filesystem fragment separator, unless the
// volume's roles request the legacy flat form (roles == 0), in which
// case the AIP-ID is used as-is.
func DefaultNameForObject(id root.AIPID, roles uint32) string {
	if roles == 0 {
		return id.String()
	}
	return sanitizeName(id.String())
}

func sanitizeName(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '#' {
			out = append(out, '_')
			continue
		}
		out = append(out, r)
	}
	return string(out)
}
