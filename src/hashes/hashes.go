// Package hashes implements the content-addressable digest abstraction used
// to fingerprint module inputs and build records.
//
// A Fingerprint is an opaque, algorithm-tagged digest. It is held as an
// (algorithm, digest bytes) pair and String encodes it as an OCI-style digest
// string ("<algo>:<hex>"), so the algorithm travels with the value and a
// record produced under one algorithm is never silently accepted under
// another.
package hashes

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"

	"github.com/cespare/xxhash/v2"
	digest "github.com/opencontainers/go-digest"
	"github.com/zeebo/blake3"

	"github.com/thought-machine/buildcache/src/cacheerr"
)

// Algorithm identifies one of the closed set of supported hash functions.
type Algorithm string

const (
	// SHA256 is the default algorithm.
	SHA256 Algorithm = "sha256"
	// BLAKE3 is a faster alternative for large modules.
	BLAKE3 Algorithm = "blake3"
	// XXH64 is a fast, non-cryptographic algorithm. It is only valid as the
	// sharding function for the in-memory fingerprint index (see cmap); it
	// is never accepted for persisted Fingerprints or Combine.
	XXH64 Algorithm = "xxh64"
)

// newHashFuncs maps each persistable algorithm to a constructor for its hash.Hash.
var newHashFuncs = map[Algorithm]func() hash.Hash{
	SHA256: func() hash.Hash { return sha256.New() },
	BLAKE3: func() hash.Hash { return blake3.New() },
}

// IsPersistable reports whether fingerprints produced with algo may be
// written to a BuildRecord or fed to Combine.
func IsPersistable(algo Algorithm) bool {
	_, ok := newHashFuncs[algo]
	return ok
}

// Fingerprint is a content-addressed, algorithm-tagged digest.
// Two Fingerprints are equal iff both their algorithm and digest bytes match.
type Fingerprint struct {
	algo Algorithm
	sum  []byte
}

// Algorithm returns the algorithm that produced this Fingerprint.
func (f Fingerprint) Algorithm() Algorithm { return f.algo }

// Bytes returns the raw digest bytes.
func (f Fingerprint) Bytes() []byte { return f.sum }

// Hex returns the digest encoded as a lowercase hex string, without the algorithm tag.
func (f Fingerprint) Hex() string { return fmt.Sprintf("%x", f.sum) }

// String returns the canonical "<algo>:<hex>" encoding used for persistence and lookup keys.
func (f Fingerprint) String() string {
	if f.algo == "" {
		return ""
	}
	return digest.NewDigestFromEncoded(digest.Algorithm(f.algo), f.Hex()).String()
}

// IsZero reports whether this is the empty Fingerprint.
func (f Fingerprint) IsZero() bool { return f.algo == "" && len(f.sum) == 0 }

// Equal reports whether two Fingerprints are byte-wise identical under the same algorithm.
func (f Fingerprint) Equal(other Fingerprint) bool {
	if f.algo != other.algo || len(f.sum) != len(other.sum) {
		return false
	}
	for i := range f.sum {
		if f.sum[i] != other.sum[i] {
			return false
		}
	}
	return true
}

// ParseFingerprint decodes a "<algo>:<hex>" string previously produced by String.
// The go-digest library supplies the "<algo>:<hex>" split; go-digest's own
// Validate is used as an extra check for the algorithms it natively knows
// (sha256), since it verifies the encoded length matches the algorithm.
func ParseFingerprint(s string) (Fingerprint, error) {
	sep := -1
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			sep = i
			break
		}
	}
	if sep < 0 {
		return Fingerprint{}, cacheerr.ConfigurationError("parse-fingerprint", fmt.Errorf("malformed fingerprint %q", s))
	}
	algo := Algorithm(s[:sep])
	if !IsPersistable(algo) {
		return Fingerprint{}, cacheerr.ConfigurationError("parse-fingerprint", fmt.Errorf("unsupported algorithm %q", algo))
	}
	d := digest.NewDigestFromEncoded(digest.Algorithm(algo), s[sep+1:])
	if algo == SHA256 {
		if err := d.Validate(); err != nil {
			return Fingerprint{}, cacheerr.ConfigurationError("parse-fingerprint", err)
		}
	}
	sum, err := decodeHex(d.Encoded())
	if err != nil {
		return Fingerprint{}, cacheerr.ConfigurationError("parse-fingerprint", err)
	}
	return Fingerprint{algo: algo, sum: sum}, nil
}

func decodeHex(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd-length hex string %q", s)
	}
	b := make([]byte, len(s)/2)
	for i := 0; i < len(b); i++ {
		hi, err := hexDigit(s[2*i])
		if err != nil {
			return nil, err
		}
		lo, err := hexDigit(s[2*i+1])
		if err != nil {
			return nil, err
		}
		b[i] = hi<<4 | lo
	}
	return b, nil
}

func hexDigit(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("invalid hex digit %q", c)
	}
}

// A Hasher is a stateful accumulator that produces a single Fingerprint.
type Hasher interface {
	// Update feeds bytes into the hash.
	Update(b []byte)
	// UpdateString feeds a UTF-8 string into the hash.
	UpdateString(s string)
	// Finish returns the Fingerprint of everything written so far. It does not reset the Hasher.
	Finish() Fingerprint
}

type hasher struct {
	algo Algorithm
	h    hash.Hash
}

func (h *hasher) Update(b []byte)       { h.h.Write(b) }
func (h *hasher) UpdateString(s string) { h.h.Write([]byte(s)) }
func (h *hasher) Finish() Fingerprint   { return Fingerprint{algo: h.algo, sum: h.h.Sum(nil)} }

// NewHasher returns a new stateful Hasher for algo.
func NewHasher(algo Algorithm) (Hasher, error) {
	newFunc, ok := newHashFuncs[algo]
	if !ok {
		return nil, cacheerr.ConfigurationError("new-hasher", fmt.Errorf("unknown hash algorithm %q", algo))
	}
	return &hasher{algo: algo, h: newFunc()}, nil
}

// Hash returns the Fingerprint of a single byte slice under algo.
func Hash(algo Algorithm, b []byte) (Fingerprint, error) {
	h, err := NewHasher(algo)
	if err != nil {
		return Fingerprint{}, err
	}
	h.Update(b)
	return h.Finish(), nil
}

// HashString is as Hash but for a string.
func HashString(algo Algorithm, s string) (Fingerprint, error) {
	h, err := NewHasher(algo)
	if err != nil {
		return Fingerprint{}, err
	}
	h.UpdateString(s)
	return h.Finish(), nil
}

// Combine hashes the concatenation of the given Fingerprints' digests, each
// preceded by an 8-byte little-endian length prefix, in the order given.
// Ordering is the caller's responsibility: callers that need a
// order-independent aggregate must sort their inputs first.
//
// Combine only accepts persistable algorithms (SHA256, BLAKE3); XXH64 is
// reserved for the in-memory fingerprint index and is rejected here.
func Combine(algo Algorithm, fingerprints []Fingerprint) (Fingerprint, error) {
	if !IsPersistable(algo) {
		return Fingerprint{}, cacheerr.ConfigurationError("combine", fmt.Errorf("algorithm %q cannot be used to combine fingerprints", algo))
	}
	h, err := NewHasher(algo)
	if err != nil {
		return Fingerprint{}, err
	}
	var lenBuf [8]byte
	for _, fp := range fingerprints {
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(fp.sum)))
		h.Update(lenBuf[:])
		h.Update(fp.sum)
	}
	return h.Finish(), nil
}

// ShardHash returns a fast, non-cryptographic hash of s suitable for sharding
// a concurrent map (see cmap.XXHash). It is never used for content addressing.
func ShardHash(s string) uint64 {
	return xxhash.Sum64String(s)
}
