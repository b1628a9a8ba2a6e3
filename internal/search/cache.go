package search

import (
	"crypto/md5"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rotisserie/eris"
)

// DefaultCacheSize is the number of embeddings kept per process.
const DefaultCacheSize = 200

// EmbeddingCache is a process-local LRU of embeddings keyed by the MD5 of
// the embedded text. It is safe for concurrent use.
type EmbeddingCache struct {
	lru *lru.Cache[string, []float32]
}

// NewEmbeddingCache creates a cache holding up to size embeddings.
func NewEmbeddingCache(size int) (*EmbeddingCache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, eris.Wrap(err, "search: create embedding cache")
	}
	return &EmbeddingCache{lru: c}, nil
}

// Key returns the cache key for text.
func Key(text string) string {
	sum := md5.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached embedding for text.
func (c *EmbeddingCache) Get(text string) ([]float32, bool) {
	return c.lru.Get(Key(text))
}

// Put stores the embedding for text, evicting the least recently used entry
// when full.
func (c *EmbeddingCache) Put(text string, vec []float32) {
	c.lru.Add(Key(text), vec)
}

// Len returns the number of cached embeddings.
func (c *EmbeddingCache) Len() int {
	return c.lru.Len()
}
