package util

import "github.com/cespare/xxhash"

// Hash maps a key onto a stable 64-bit value; coordinators use it to pick
// offsets-topic partitions.
func Hash(s string) uint64 {
	return xxhash.Sum64String(s)
}
