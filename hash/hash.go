// Package hash provides the content-addressed identifier types used
// throughout the object database and reference store. Git supports more
// than one hash algorithm per the hash-function-transition plan; a
// repository picks one at creation time and never mixes algorithms.
package hash

import (
	"crypto"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"slices"

	// Linking the algorithms this package supports into the binary.
	// Their init functions register the hash in the crypto package.
	_ "crypto/sha1" //nolint:gosec // Git still uses SHA-1 for the most part.
	_ "crypto/sha256"
)

// ErrInvalidFormat is returned when hex input cannot be decoded into an OID.
var ErrInvalidFormat = errors.New("invalid hash format")

// Algorithm identifies a hash function usable as a repository's object ID
// scheme. Git calls this the object format.
type Algorithm struct {
	name string
	crypto.Hash
	size int
}

var (
	// SHA1 is Git's default object format: a 20-byte digest.
	SHA1 = Algorithm{name: "sha1", Hash: crypto.SHA1, size: 20}
	// SHA256 is the 32-byte object format selected by
	// extensions.objectformat = sha256.
	SHA256 = Algorithm{name: "sha256", Hash: crypto.SHA256, size: 32}
)

// AlgorithmByName resolves the extensions.objectformat config value.
func AlgorithmByName(name string) (Algorithm, error) {
	switch name {
	case "", "sha1":
		return SHA1, nil
	case "sha256":
		return SHA256, nil
	default:
		return Algorithm{}, fmt.Errorf("%w: unknown object format %q", ErrInvalidFormat, name)
	}
}

// Name returns the extensions.objectformat value for this algorithm.
func (a Algorithm) Name() string { return a.name }

// Size returns the raw digest length in bytes (20 for SHA-1, 32 for SHA-256).
func (a Algorithm) Size() int { return a.size }

// New returns a fresh streaming hasher for this algorithm.
func (a Algorithm) New() hash.Hash { return a.Hash.New() }

// Zero returns the distinguished all-zero OID for this algorithm, used for
// ref creation/deletion commands.
func (a Algorithm) Zero() OID { return OID{algo: a, bytes: make([]byte, a.size)} }

// Sum hashes b in one call and returns the resulting OID.
func (a Algorithm) Sum(b []byte) OID {
	h := a.New()
	h.Write(b) //nolint:errcheck // hash.Hash.Write never fails.
	return OID{algo: a, bytes: h.Sum(nil)}
}

// FromBytes wraps a raw digest as an OID, validating its length against a.
func (a Algorithm) FromBytes(b []byte) (OID, error) {
	if len(b) != a.size {
		return OID{}, fmt.Errorf("%w: want %d raw bytes, got %d", ErrInvalidFormat, a.size, len(b))
	}
	out := make([]byte, a.size)
	copy(out, b)
	return OID{algo: a, bytes: out}, nil
}

// FromHex decodes a lowercase-or-uppercase hex string into an OID.
func (a Algorithm) FromHex(s string) (OID, error) {
	if len(s) != a.size*2 {
		return OID{}, fmt.Errorf("%w: want %d hex chars, got %d", ErrInvalidFormat, a.size*2, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return OID{}, fmt.Errorf("%w: %s", ErrInvalidFormat, err)
	}
	return OID{algo: a, bytes: b}, nil
}

// OID is a content-addressed object identifier: a fixed-width hash of an
// object's canonical bytes. Comparison is by raw bytes; display is
// lowercase hex.
type OID struct {
	algo  Algorithm
	bytes []byte
}

// Bytes returns the raw digest bytes. Callers must not mutate the result.
func (o OID) Bytes() []byte { return o.bytes }

// Algorithm returns the hash algorithm that produced this OID.
func (o OID) Algorithm() Algorithm { return o.algo }

// IsZero reports whether this is the distinguished all-zero OID.
func (o OID) IsZero() bool {
	for _, b := range o.bytes {
		if b != 0 {
			return false
		}
	}
	return len(o.bytes) > 0
}

// String renders the OID as lowercase hex, Git's wire form.
func (o OID) String() string {
	if len(o.bytes) == 0 {
		return ""
	}
	return hex.EncodeToString(o.bytes)
}

// Equal compares two OIDs by raw bytes.
func (o OID) Equal(other OID) bool { return slices.Equal(o.bytes, other.bytes) }

// Less orders two OIDs by raw byte value, for sorted-OID tables in pack
// indexes and packed-refs.
func (o OID) Less(other OID) bool {
	return slices.Compare(o.bytes, other.bytes) < 0
}

// Hasher wraps a streaming hash.Hash so callers can Write incrementally and
// Sum once at the end, matching Git's own incremental object hashing.
type Hasher struct {
	hash.Hash
	algo Algorithm
}

// NewHasher returns a streaming hasher for algo with Git's object header
// ("<type> SP <size> NUL") already written, so the caller only needs to
// write the object payload before calling Sum.
func NewHasher(algo Algorithm, header []byte) (Hasher, error) {
	h := Hasher{Hash: algo.New(), algo: algo}
	if _, err := h.Write(header); err != nil {
		return Hasher{}, err
	}
	return h, nil
}

// OID finalizes the hash and returns the resulting OID.
func (h Hasher) OID() OID {
	return OID{algo: h.algo, bytes: h.Sum(nil)}
}
