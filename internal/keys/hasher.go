package keys

import (
	"github.com/cespare/xxhash/v2"
)

type hasher interface {
	WriteString(value string) error
}

// CacheKeyHasher implements a key hash using Hash64 for computing cache keys
// in a stable way.
type CacheKeyHasher struct {
	hasher *xxhash.Digest
}

// NewCacheKeyHasher returns a hasher for string values.
func NewCacheKeyHasher(xhash *xxhash.Digest) *CacheKeyHasher {
	return &CacheKeyHasher{hasher: xhash}
}

// WriteString writes the provided string to the hash.
func (c *CacheKeyHasher) WriteString(value string) error {
	_, err := c.hasher.WriteString(value)
	return err
}

// Key returns the stable uint64 key that this hash defines.
func (c *CacheKeyHasher) Key() uint64 {
	return c.hasher.Sum64()
}
