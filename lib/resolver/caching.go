package resolver

import (
	"context"
	"fmt"
	"net"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// cacheEntry is a resolved host with its expiry time
type cacheEntry struct {
	ips     []net.IP
	expires time.Time
}

// cachingResolver implements IHostResolver by caching the results of another resolver
type cachingResolver struct {
	inner IHostResolver
	cache *lru.Cache
	ttl   time.Duration
	now   func() time.Time
}

// NewCachingResolver wraps inner with an LRU cache of size hosts whose entries expire after ttl
func NewCachingResolver(inner IHostResolver, size int, ttl time.Duration) (IHostResolver, error) {
	if inner == nil {
		return nil, fmt.Errorf("inner resolver is required")
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolver cache: %w", err)
	}
	return &cachingResolver{
		inner: inner,
		cache: cache,
		ttl:   ttl,
		now:   time.Now,
	}, nil
}

func (r *cachingResolver) GetName() string {
	return "cached " + r.inner.GetName()
}

func (r *cachingResolver) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	if ip, ok := literalIP(host); ok {
		return ip, nil
	}

	if value, ok := r.cache.Get(host); ok {
		entry := value.(cacheEntry)
		if r.now().Before(entry.expires) {
			return copyIPs(entry.ips), nil
		}
		r.cache.Remove(host)
	}

	ips, err := r.inner.Resolve(ctx, host)
	if err != nil {
		// failures are never cached
		return nil, err
	}

	r.cache.Add(host, cacheEntry{ips: copyIPs(ips), expires: r.now().Add(r.ttl)})
	return ips, nil
}

func (r *cachingResolver) Close() error {
	r.cache.Purge()
	return r.inner.Close()
}

func copyIPs(ips []net.IP) []net.IP {
	out := make([]net.IP, len(ips))
	copy(out, ips)
	return out
}
