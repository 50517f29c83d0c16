package infra

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"
)

// DNSCache caches resolved addresses per hostname with a TTL. Entries
// past TTL are re-resolved lazily on the next lookup, not proactively
// evicted. Safe for concurrent use across connections.
type DNSCache struct {
	resolver *net.Resolver
	ttl      time.Duration

	mu      sync.RWMutex
	entries map[string]dnsEntry
}

type dnsEntry struct {
	addrs   []string
	expires time.Time
}

// NewDNSCache creates a cache with the given entry TTL.
func NewDNSCache(ttl time.Duration) *DNSCache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &DNSCache{
		resolver: net.DefaultResolver,
		ttl:      ttl,
		entries:  make(map[string]dnsEntry),
	}
}

// Lookup resolves host, serving from cache while the entry is fresh.
// When a refresh fails but a stale entry exists, the stale addresses
// are served so a flaky resolver does not take down live connections.
func (c *DNSCache) Lookup(ctx context.Context, host string) ([]string, error) {
	// Literal IPs bypass the cache.
	if net.ParseIP(host) != nil {
		return []string{host}, nil
	}

	c.mu.RLock()
	e, ok := c.entries[host]
	c.mu.RUnlock()
	if ok && time.Now().Before(e.expires) {
		return e.addrs, nil
	}

	addrs, err := c.resolver.LookupHost(ctx, host)
	if err != nil {
		if ok {
			slog.Warn("dns refresh failed, serving stale entry", "host", host, "err", err)
			return e.addrs, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.entries[host] = dnsEntry{addrs: addrs, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return addrs, nil
}

// DialContext is a cache-backed dial function pluggable into
// http.Transport and websocket.Dialer. Each resolved address is tried
// in order until one connects.
func (c *DNSCache) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}

	addrs, err := c.Lookup(ctx, host)
	if err != nil {
		return nil, err
	}

	d := net.Dialer{Timeout: 10 * time.Second}
	var lastErr error
	for _, a := range addrs {
		conn, err := d.DialContext(ctx, network, net.JoinHostPort(a, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// Len returns the number of cached hostnames.
func (c *DNSCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
