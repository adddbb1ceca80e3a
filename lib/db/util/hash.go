package util

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

// UintKey is a hashed string key, used to route keys to shards.
type UintKey uint64

// GenerateSeed returns a random seed for HashString.
func GenerateSeed() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint64(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint64(b[:])
}

// HashString hashes s with seeded FNV-1a.
func HashString(s string, seed uint64) UintKey {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	hash := uint64(offset64) ^ seed
	for i := 0; i < len(s); i++ {
		hash ^= uint64(s[i])
		hash *= prime64
	}
	return UintKey(hash)
}

// ShardIndex maps a hashed key to one of n shards. The low bits of FNV
// output are weak, so the key is shifted first.
func ShardIndex(key UintKey, n int) int {
	return int((uint64(key) >> 7) % uint64(n))
}
