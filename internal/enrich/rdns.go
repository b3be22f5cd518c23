// Package enrich annotates a finished session with reverse DNS names for
// the addresses that answered.
//
// It runs after the command loop has exited, with privileges long dropped,
// and only when the summary asks for it.
package enrich

import (
	"context"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/KilimcininKorOglu/poros-packet/internal/trace"
)

// LookupFunc resolves an address to host names, like
// net.Resolver.LookupAddr.
type LookupFunc func(ctx context.Context, addr string) ([]string, error)

// RDNSResolver performs reverse DNS lookups.
type RDNSResolver struct {
	timeout     time.Duration
	concurrency int
	cache       *Cache[string]
	lookup      LookupFunc
}

// RDNSConfig holds configuration for the rDNS resolver.
type RDNSConfig struct {
	Timeout     time.Duration
	Concurrency int
	CacheSize   int
	CacheTTL    time.Duration

	// Lookup defaults to net.DefaultResolver.LookupAddr
	Lookup LookupFunc
}

// DefaultRDNSConfig returns default rDNS configuration.
func DefaultRDNSConfig() RDNSConfig {
	return RDNSConfig{
		Timeout:     2 * time.Second,
		Concurrency: 10,
		CacheSize:   1000,
		CacheTTL:    5 * time.Minute,
	}
}

// NewRDNSResolver creates a new reverse DNS resolver.
func NewRDNSResolver(config RDNSConfig) *RDNSResolver {
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Second
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.Lookup == nil {
		config.Lookup = net.DefaultResolver.LookupAddr
	}

	var cache *Cache[string]
	if config.CacheSize > 0 {
		cache = NewCache[string](config.CacheSize, config.CacheTTL)
	}

	return &RDNSResolver{
		timeout:     config.Timeout,
		concurrency: config.Concurrency,
		cache:       cache,
		lookup:      config.Lookup,
	}
}

// Lookup returns the first name of addr, or "" when it has none. DNS
// failures are not errors: most hops have no PTR record.
func (r *RDNSResolver) Lookup(ctx context.Context, addr netip.Addr) string {
	if !addr.IsValid() {
		return ""
	}

	key := addr.String()
	if r.cache != nil {
		if cached, ok := r.cache.Get(key); ok {
			return cached
		}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	hostname := ""
	if names, err := r.lookup(lookupCtx, key); err == nil && len(names) > 0 {
		// Remove trailing dot from FQDN
		hostname = strings.TrimSuffix(names[0], ".")
	}

	// Negative results are cached too
	if r.cache != nil && ctx.Err() == nil {
		r.cache.Set(key, hostname)
	}
	return hostname
}

// LookupBatch performs reverse DNS lookups for multiple addresses
// concurrently.
func (r *RDNSResolver) LookupBatch(ctx context.Context, addrs []netip.Addr) map[netip.Addr]string {
	results := make(map[netip.Addr]string, len(addrs))
	var mu sync.Mutex
	var wg sync.WaitGroup

	sem := make(chan struct{}, r.concurrency)

	for _, addr := range addrs {
		if !addr.IsValid() {
			continue
		}

		wg.Add(1)
		go func(addr netip.Addr) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			hostname := r.Lookup(ctx, addr)

			mu.Lock()
			results[addr] = hostname
			mu.Unlock()
		}(addr)
	}

	wg.Wait()
	return results
}

// Annotate fills in Hop.Hostname for every responding hop of session.
func (r *RDNSResolver) Annotate(ctx context.Context, session *trace.Session) {
	names := r.LookupBatch(ctx, session.Addrs())

	for i := range session.Paths {
		hops := session.Paths[i].Hops
		for j := range hops {
			if name := names[hops[j].IP]; name != "" {
				hops[j].Hostname = name
			}
		}
	}
}

// Close releases resources held by the resolver.
func (r *RDNSResolver) Close() error {
	if r.cache != nil {
		r.cache.Clear()
	}
	return nil
}
