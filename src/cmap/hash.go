package cmap

import "github.com/cespare/xxhash/v2"

// XXHash is the hasher to use for string-keyed maps.
func XXHash(key string) uint64 {
	return xxhash.Sum64String(key)
}

// XXHashes hashes a composite key made of several strings. The parts are
// hashed separately and xor-combined, so no separator is needed between them.
func XXHashes(parts ...string) uint64 {
	var h uint64
	for _, part := range parts {
		h ^= xxhash.Sum64String(part)
	}
	return h
}
