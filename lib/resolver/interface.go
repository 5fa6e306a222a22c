package resolver

import (
	"context"
	"net"
	"time"

	"github.com/ValentinKolb/dIO/common"
)

// IHostResolver resolves host names to IP addresses
type IHostResolver interface {
	// Resolve returns the addresses of host, IPv4 addresses first.
	// Literal IP addresses are returned as they are.
	Resolve(ctx context.Context, host string) ([]net.IP, error)
	// GetName returns the name of the resolver (e.g. "system", "dns")
	GetName() string
	// Close releases resources held by the resolver
	Close() error
}

// --------------------------------------------------------------------------
// Resolver Factory Method
// --------------------------------------------------------------------------

// defaultQueryTimeout bounds a single query of the DNS resolver
const defaultQueryTimeout = 5 * time.Second

// New creates the resolver described by config: the DNS resolver if a nameserver
// is set, otherwise the system resolver, wrapped in a cache if CacheSize > 0
func New(config common.ResolverConfig) (IHostResolver, error) {
	var r IHostResolver
	if config.Nameserver != "" {
		r = NewDNSResolver(config.Nameserver, defaultQueryTimeout)
	} else {
		r = NewSystemResolver()
	}

	if config.CacheSize > 0 {
		ttl := time.Duration(config.CacheTTLSecond) * time.Second
		if ttl <= 0 {
			ttl = 30 * time.Second
		}
		return NewCachingResolver(r, config.CacheSize, ttl)
	}
	return r, nil
}
