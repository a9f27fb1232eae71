// Package doh resolves hostnames over DNS-over-HTTPS, the way a censored
// network's resolver cannot MITM or blackhole: each provider is queried over
// a direct TLS connection and its JSON response is hand-scanned for the
// "data" fields, the same way as the engine this package was adapted from.
package doh

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	apperrors "github.com/havenwall/dpifrag/pkg/errors"
	"github.com/havenwall/dpifrag/pkg/tlsconfig"
)

const cacheTTL = 5 * time.Minute

type provider struct {
	server string
	path   string
}

// providers is the fixed, hardcoded fallback chain: Cloudflare, Google,
// Quad9, tried in order until one returns a non-empty answer.
var providers = []provider{
	{server: "1.1.1.1", path: "/dns-query"},
	{server: "8.8.8.8", path: "/resolve"},
	{server: "9.9.9.9", path: "/dns-query"},
}

type cacheEntry struct {
	addrs  []netip.Addr
	expiry time.Time
}

// Resolver resolves hostnames to IP addresses over DoH, caching successful
// answers for cacheTTL.
type Resolver struct {
	mu    sync.RWMutex
	cache map[string]cacheEntry

	dialTimeout time.Duration
}

// New builds a Resolver with an empty cache.
func New() *Resolver {
	return &Resolver{
		cache:       make(map[string]cacheEntry),
		dialTimeout: 5 * time.Second,
	}
}

// Resolve returns the IP addresses for hostname, consulting the cache first
// and falling back to each DoH provider in turn.
func (r *Resolver) Resolve(ctx context.Context, hostname string) ([]netip.Addr, error) {
	if addrs, ok := r.getCached(hostname); ok {
		return addrs, nil
	}

	var lastErr error
	for _, p := range providers {
		addrs, err := r.query(ctx, p, hostname)
		if err != nil {
			lastErr = err
			continue
		}
		if len(addrs) == 0 {
			continue
		}
		r.cacheResult(hostname, addrs)
		return addrs, nil
	}

	if addrs, err := r.resolveOS(ctx, hostname); err == nil && len(addrs) > 0 {
		r.cacheResult(hostname, addrs)
		return addrs, nil
	}

	return nil, apperrors.NewDNSResolutionFailed(hostname, lastErr)
}

// resolveOS falls back to the operating system's resolver when every DoH
// provider is unreachable or censored, so a flow is never abandoned purely
// because the DoH path is blocked.
func (r *Resolver) resolveOS(ctx context.Context, hostname string) ([]netip.Addr, error) {
	ipAddrs, err := net.DefaultResolver.LookupIPAddr(ctx, hostname)
	if err != nil {
		return nil, err
	}
	addrs := make([]netip.Addr, 0, len(ipAddrs))
	for _, ipAddr := range ipAddrs {
		if addr, ok := netip.AddrFromSlice(ipAddr.IP); ok {
			addrs = append(addrs, addr.Unmap())
		}
	}
	return addrs, nil
}

// ResolveHostPort splits "host[:port]" (default port 443), resolving host
// via DoH unless it is already a literal IP address.
func (r *Resolver) ResolveHostPort(ctx context.Context, hostPort string) (netip.AddrPort, error) {
	host := hostPort
	port := uint16(443)

	if idx := strings.LastIndex(hostPort, ":"); idx >= 0 {
		host = hostPort[:idx]
		p, err := strconv.ParseUint(hostPort[idx+1:], 10, 16)
		if err != nil {
			return netip.AddrPort{}, apperrors.NewProtocolParseFailure("invalid port in "+hostPort, err)
		}
		port = uint16(p)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return netip.AddrPortFrom(addr, port), nil
	}

	addrs, err := r.Resolve(ctx, host)
	if err != nil {
		return netip.AddrPort{}, err
	}

	chosen := addrs[0]
	for _, a := range addrs {
		if a.Is4() {
			chosen = a
			break
		}
	}
	return netip.AddrPortFrom(chosen, port), nil
}

func (r *Resolver) getCached(hostname string) ([]netip.Addr, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.cache[hostname]
	if !ok || time.Now().After(entry.expiry) {
		return nil, false
	}
	return entry.addrs, true
}

func (r *Resolver) cacheResult(hostname string, addrs []netip.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[hostname] = cacheEntry{addrs: addrs, expiry: time.Now().Add(cacheTTL)}
}

func (r *Resolver) query(ctx context.Context, p provider, hostname string) ([]netip.Addr, error) {
	dialCtx, cancel := context.WithTimeout(ctx, r.dialTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", net.JoinHostPort(p.server, "443"))
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", p.server, err)
	}
	defer conn.Close()

	if deadline, ok := dialCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	tlsConn := tls.Client(conn, tlsconfig.NewClientConfig(p.server, tlsconfig.ProfileSecure))
	if err := tlsConn.HandshakeContext(dialCtx); err != nil {
		return nil, fmt.Errorf("tls handshake with %s: %w", p.server, err)
	}

	request := fmt.Sprintf(
		"GET %s?name=%s&type=A HTTP/1.1\r\nHost: %s\r\nAccept: application/dns-json\r\nConnection: close\r\n\r\n",
		p.path, hostname, p.server,
	)
	if _, err := tlsConn.Write([]byte(request)); err != nil {
		return nil, fmt.Errorf("write to %s: %w", p.server, err)
	}

	response, err := io.ReadAll(tlsConn)
	if err != nil && len(response) == 0 {
		return nil, fmt.Errorf("read from %s: %w", p.server, err)
	}

	return parseDoHResponse(string(response)), nil
}

// parseDoHResponse pulls every `"data":"<ip>"` field out of the response
// body by substring scan rather than strict JSON decoding, matching the
// engine's deliberately loose original parser — any JSON-shaped answer
// body from any of the three providers parses the same way without a
// provider-specific schema.
func parseDoHResponse(response string) []netip.Addr {
	body := response
	if idx := strings.Index(response, "\r\n\r\n"); idx >= 0 {
		body = response[idx+4:]
	}

	var addrs []netip.Addr
	for _, part := range strings.Split(body, `"data"`) {
		start := strings.Index(part, `:"`)
		if start < 0 {
			continue
		}
		rest := part[start+2:]
		end := strings.Index(rest, `"`)
		if end < 0 {
			continue
		}
		ipStr := rest[:end]
		if addr, err := netip.ParseAddr(ipStr); err == nil {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}
