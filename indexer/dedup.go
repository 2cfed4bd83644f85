package indexer

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultDedupSize = 10000

// dedupCache remembers recently handled events by signature and log index.
// It only saves work; the unique keys of the store are what keep
// persistence idempotent.
type dedupCache struct {
	cache *lru.Cache[string, struct{}]
}

func newDedupCache(size int) (*dedupCache, error) {
	if size <= 0 {
		size = DefaultDedupSize
	}
	c, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup cache: %w", err)
	}
	return &dedupCache{cache: c}, nil
}

func dedupKey(sig solana.Signature, logIndex int) string {
	return fmt.Sprintf("%s:%d", sig, logIndex)
}

// claim reports whether the event is new and marks it as handled.
func (d *dedupCache) claim(key string) bool {
	seen, _ := d.cache.ContainsOrAdd(key, struct{}{})
	return !seen
}

// release forgets key so a later sweep retries it.
func (d *dedupCache) release(key string) {
	d.cache.Remove(key)
}
