// Package util contains internal helpers (hashing, rounding, padding).
//revive:disable:var-naming  // allow 'util' as an internal helpers package name
package util

import "github.com/cespare/xxhash/v2"

// Hash32 hashes serialized key bytes to the 32-bit hash used by the engine.
// xxhash disperses well over a partition mask even for short keys; folding
// the high half in keeps entropy from both halves of the 64-bit sum.
func Hash32(b []byte) uint32 {
	h := xxhash.Sum64(b)
	return uint32(h>>32) ^ uint32(h)
}
