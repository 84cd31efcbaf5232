package oracle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/metrics"
)

// CachingOracle coalesces identical in-flight prompts and remembers successful answers for a
// short TTL. Errors are never cached.
type CachingOracle struct {
	inner    Oracle
	cache    *expirable.LRU[string, Result]
	inflight singleflight.Group
}

// NewCachingOracle wraps inner. size <= 0 disables the result cache but keeps coalescing.
func NewCachingOracle(inner Oracle, size int, ttl time.Duration) *CachingOracle {
	c := &CachingOracle{inner: inner}
	if size > 0 {
		c.cache = expirable.NewLRU[string, Result](size, nil, ttl)
	}
	return c
}

// Invoke returns a cached answer when present, otherwise calls inner once per distinct prompt.
func (c *CachingOracle) Invoke(ctx context.Context, systemPrompt, userText string) (Result, error) {
	key := promptKey(systemPrompt, userText)
	if c.cache != nil {
		if res, ok := c.cache.Get(key); ok {
			metrics.OracleCacheHits.Inc()
			// cached answers cost nothing
			return Result{Text: res.Text}, nil
		}
	}

	v, err, _ := c.inflight.Do(key, func() (interface{}, error) {
		return c.inner.Invoke(ctx, systemPrompt, userText)
	})
	if err != nil {
		return Result{}, err
	}
	res := v.(Result)
	if c.cache != nil {
		c.cache.Add(key, res)
	}
	return res, nil
}

// Len reports the number of cached answers.
func (c *CachingOracle) Len() int {
	if c.cache == nil {
		return 0
	}
	return c.cache.Len()
}

func promptKey(system, user string) string {
	h := sha256.New()
	h.Write([]byte(system))
	h.Write([]byte{0})
	h.Write([]byte(user))
	return hex.EncodeToString(h.Sum(nil))
}
