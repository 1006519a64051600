package pdrcachemgr

import "time"

// DefaultPriority is used when an object's metadata carries no priority key.
const DefaultPriority = 10

// UnknownSize marks an object whose size is not known.
const UnknownSize int64 = -1

// CacheObject is a single cached copy of an AIP-ID member, living in exactly
// one volume at a time under a (volume, name) coordinate.
type CacheObject struct {
	ID        string // AIP-ID: dsid[/filepath][#version]
	Name      string // name within Volume; may differ from ID
	Volume    string
	Size      int64 // bytes; UnknownSize if not known
	Checksum  string
	Algorithm Algorithm
	Priority  int // lower = more important
	Since     time.Time
	Checked   time.Time // zero value means never checked
	Metadata  map[string]any
}

// checksumValue returns the object's checksum as a parsed Checksum, falling
// back to the object's own Algorithm field if the checksum string carries
// no algorithm prefix.
func (o CacheObject) checksumValue() (Checksum, error) {
	if o.Checksum == "" {
		return Checksum{}, nil
	}
	if alg, hexStr, ok := splitPrefixed(o.Checksum); ok {
		return Checksum{Alg: Algorithm(alg), Sum: hexStr}, nil
	}
	return Checksum{Alg: o.Algorithm, Sum: o.Checksum}, nil
}

func splitPrefixed(s string) (alg, hexStr string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

// VolumeStatus controls what operations a volume currently permits.
type VolumeStatus string

const (
	VolNotAvailable VolumeStatus = "NOT_AVAILABLE"
	VolForInfo      VolumeStatus = "FOR_INFO" // metadata-only; bytes not readable
	VolForGet       VolumeStatus = "FOR_GET"
	VolForUpdate    VolumeStatus = "FOR_UPDATE"
)

// Readable reports whether objects in a volume with this status may have
// their bytes streamed out (as opposed to metadata-only access).
func (s VolumeStatus) Readable() bool {
	return s == VolForGet || s == VolForUpdate
}

// VolumeInfo describes a registered volume and its current utilization.
type VolumeInfo struct {
	Name     string
	Capacity int64
	Priority int
	Status   VolumeStatus
	Roles    uint32 // optional bitmask
}

// VolumeTotals summarizes the objects currently recorded in a volume.
// Since is the earliest Since timestamp among the volume's objects, and
// Checked the latest Checked timestamp; both are the zero time when the
// volume holds no objects (Checked is also zero if none have ever been
// checked).
type VolumeTotals struct {
	Name        string
	ObjectCount int64
	TotalBytes  int64
	Since       time.Time
	SinceDate   string
	Checked     time.Time
	CheckedDate string
}

// DatasetSummary summarizes the objects belonging to one dataset. Since
// and Checked follow the same earliest/latest convention as VolumeTotals.
type DatasetSummary struct {
	DatasetID   string
	ObjectCount int64
	TotalBytes  int64
	Since       time.Time
	SinceDate   string
	Checked     time.Time
	CheckedDate string
}
