package searcher

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/masamong/recall/pkg/types"
)

// resultCache memoizes whole search results for a short TTL. Users often
// re-ask the same question within a conversation; serving the cached ranking
// skips the full fan-out.
type resultCache struct {
	cache *lru.Cache[string, cacheEntry]
	ttl   time.Duration
}

type cacheEntry struct {
	result    *types.RetrievalResult
	expiresAt time.Time
}

func newResultCache(size int, ttl time.Duration) *resultCache {
	if size <= 0 || ttl <= 0 {
		return nil
	}
	cache, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return nil
	}
	return &resultCache{cache: cache, ttl: ttl}
}

// key hashes everything that can change a result: the cleaned query, the
// scope, the result count, the rerank toggle and the expansion-steering
// context. Context lines are length-prefixed so concatenation cannot alias.
func (c *resultCache) key(query string, req SearchRequest, topK int) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%d|%d|%t", query, req.GuildID, req.ChannelID, topK, req.SkipRerank)
	for _, line := range req.RecentContext {
		fmt.Fprintf(h, "|%d:%s", len(line), line)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (c *resultCache) get(key string) (*types.RetrievalResult, bool) {
	entry, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		c.cache.Remove(key)
		return nil, false
	}
	return copyResult(entry.result), true
}

func (c *resultCache) set(key string, result *types.RetrievalResult) {
	c.cache.Add(key, cacheEntry{
		result:    copyResult(result),
		expiresAt: time.Now().Add(c.ttl),
	})
}

// copyResult deep-copies so cached rankings survive caller mutations.
func copyResult(r *types.RetrievalResult) *types.RetrievalResult {
	if r == nil {
		return nil
	}
	out := &types.RetrievalResult{
		Entries:       make([]types.RetrievalEntry, len(r.Entries)),
		QueryVariants: append([]string(nil), r.QueryVariants...),
		TopScore:      r.TopScore,
	}
	for i, e := range r.Entries {
		copied := e
		copied.Sources = append([]string(nil), e.Sources...)
		copied.Window = append([]types.Turn(nil), e.Window...)
		out.Entries[i] = copied
	}
	return out
}
