package pdrcachemgr

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/zeebo/blake3"
)

// Algorithm identifies a checksum algorithm usable for cache objects.
type Algorithm string

const (
	// AlgSHA256 is the default algorithm, matching the inventory's
	// historical default when no checksumAlgorithm metadata is supplied.
	AlgSHA256 Algorithm = "sha256"
	// AlgBLAKE3 is the faster optional algorithm available to volumes
	// that want lower-latency checksum verification.
	AlgBLAKE3 Algorithm = "blake3"
)

// DefaultAlgorithm is used when an object's metadata carries no
// checksumAlgorithm key.
const DefaultAlgorithm = AlgSHA256

func (a Algorithm) newHash() (hash.Hash, error) {
	switch a {
	case AlgSHA256:
		return sha256.New(), nil
	case AlgBLAKE3:
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("unsupported checksum algorithm %q", a)
	}
}

// Valid reports whether a is a recognized algorithm.
func (a Algorithm) Valid() bool {
	switch a {
	case AlgSHA256, AlgBLAKE3:
		return true
	default:
		return false
	}
}

// Checksum is a value object combining an algorithm identifier with a hex
// digest, used wherever a checksum crosses a package boundary so callers
// never pass around bare, ambiguous strings.
type Checksum struct {
	Alg Algorithm
	Sum string // lowercase hex
}

// ParseChecksum parses a checksum string in the form "algorithm:hex".
// A bare hex string without an algorithm prefix is accepted as legacy
// input and assumed to use DefaultAlgorithm.
func ParseChecksum(s string) (Checksum, error) {
	if s == "" {
		return Checksum{}, fmt.Errorf("empty checksum")
	}

	algStr, hexStr, hasPrefix := strings.Cut(s, ":")
	if !hasPrefix {
		hexStr = algStr
		algStr = string(DefaultAlgorithm)
	}

	alg := Algorithm(strings.ToLower(algStr))
	if !alg.Valid() {
		return Checksum{}, fmt.Errorf("unsupported algorithm %q in checksum %q", algStr, s)
	}

	hexStr = strings.ToLower(hexStr)
	if _, err := hex.DecodeString(hexStr); err != nil {
		return Checksum{}, fmt.Errorf("invalid hex digest in checksum %q: %w", s, err)
	}

	return Checksum{Alg: alg, Sum: hexStr}, nil
}

// String returns the canonical "algorithm:hex" form.
func (c Checksum) String() string {
	return string(c.Alg) + ":" + c.Sum
}

// IsZero reports whether c holds no digest.
func (c Checksum) IsZero() bool {
	return c.Sum == ""
}

// Equal reports whether two checksums represent the same algorithm and
// digest, case-insensitively.
func (c Checksum) Equal(other Checksum) bool {
	return c.Alg == other.Alg && strings.EqualFold(c.Sum, other.Sum)
}

// HashBytes computes the checksum of data using alg.
func HashBytes(alg Algorithm, data []byte) (Checksum, error) {
	h, err := alg.newHash()
	if err != nil {
		return Checksum{}, err
	}
	h.Write(data)
	return Checksum{Alg: alg, Sum: hex.EncodeToString(h.Sum(nil))}, nil
}

// HashReader computes the checksum of everything read from r using alg,
// returning the checksum and the number of bytes consumed.
func HashReader(alg Algorithm, r io.Reader) (Checksum, int64, error) {
	h, err := alg.newHash()
	if err != nil {
		return Checksum{}, 0, err
	}
	n, err := io.Copy(h, r)
	if err != nil {
		return Checksum{}, n, fmt.Errorf("hashing content: %w", err)
	}
	return Checksum{Alg: alg, Sum: hex.EncodeToString(h.Sum(nil))}, n, nil
}

// HashingReader wraps a reader and computes a checksum incrementally as
// data is read through it, so a restore can stream bytes to their
// destination and compute the checksum "en route" in a single pass.
type HashingReader struct {
	r   io.Reader
	h   hash.Hash
	alg Algorithm
	n   int64
}

// NewHashingReader wraps r, hashing everything read from it using alg.
func NewHashingReader(r io.Reader, alg Algorithm) (*HashingReader, error) {
	h, err := alg.newHash()
	if err != nil {
		return nil, err
	}
	return &HashingReader{r: r, h: h, alg: alg}, nil
}

// Read implements io.Reader.
func (hr *HashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		hr.h.Write(p[:n])
		hr.n += int64(n)
	}
	return n, err
}

// Sum returns the checksum of all bytes read so far.
func (hr *HashingReader) Sum() Checksum {
	return Checksum{Alg: hr.alg, Sum: hex.EncodeToString(hr.h.Sum(nil))}
}

// BytesRead returns the total number of bytes read so far.
func (hr *HashingReader) BytesRead() int64 {
	return hr.n
}
