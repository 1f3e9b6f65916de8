package cmap

import (
	"github.com/cespare/xxhash/v2"
)

// XXHash calculates xxHash for a string. It's the sharding function for the
// fingerprint index, which keys on "group:artifact" module coordinates; it is
// never used for content addressing (see the hashes package for that).
func XXHash(s string) uint64 {
	return xxhash.Sum64String(s)
}
