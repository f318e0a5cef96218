package ledger

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// CachedClient memoizes successful transaction reads. A confirmed
// transaction never changes, so repeated verification of the same claim does
// not hit the RPC node. Account reads are always passed through.
type CachedClient struct {
	Client
	cache *gocache.Cache
}

func NewCachedClient(inner Client, ttl, cleanupInterval time.Duration) *CachedClient {
	return &CachedClient{
		Client: inner,
		cache:  gocache.New(ttl, cleanupInterval),
	}
}

func cacheKey(ref Reference) string {
	return "autotrust:v1:" + string(ref.Kind) + ":" + ref.Program + ":" + ref.Value
}

func (c *CachedClient) Read(ctx context.Context, ref Reference) (Record, error) {
	if ref.Kind != RefTransaction {
		return c.Client.Read(ctx, ref)
	}
	key := cacheKey(ref)
	if v, ok := c.cache.Get(key); ok {
		return v.(Record), nil
	}
	rec, err := c.Client.Read(ctx, ref)
	if err != nil {
		return Record{}, err
	}
	c.cache.SetDefault(key, rec)
	return rec, nil
}

func (c *CachedClient) Purge() {
	c.cache.Flush()
}
