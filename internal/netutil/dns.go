package netutil

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"
)

const reverseLookupTimeout = 500 * time.Millisecond

// HostResolver turns client addresses into display names.
type HostResolver struct {
	lookup func(ctx context.Context, addr string) ([]string, error)

	mu    sync.Mutex
	cache map[string]string
}

func NewHostResolver() *HostResolver {
	return &HostResolver{
		lookup: net.DefaultResolver.LookupAddr,
		cache:  make(map[string]string),
	}
}

// ClientHostname resolves remoteAddr (ip or ip:port) by reverse DNS. Names are
// shortened to their first label; the IP is returned when lookup fails.
func (r *HostResolver) ClientHostname(ctx context.Context, remoteAddr string) string {
	ip := remoteAddr
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		ip = host
	}
	if ip == "" {
		return ""
	}

	r.mu.Lock()
	if name, ok := r.cache[ip]; ok {
		r.mu.Unlock()
		return name
	}
	r.mu.Unlock()

	name := ip
	if parsed := net.ParseIP(ip); parsed != nil && parsed.IsLoopback() {
		name = "localhost"
	} else {
		ctx, cancel := context.WithTimeout(ctx, reverseLookupTimeout)
		names, err := r.lookup(ctx, ip)
		cancel()
		if err == nil && len(names) > 0 {
			name = shortName(names[0])
		}
	}

	r.mu.Lock()
	r.cache[ip] = name
	r.mu.Unlock()
	return name
}

func shortName(fqdn string) string {
	fqdn = strings.TrimSuffix(fqdn, ".")
	if i := strings.IndexByte(fqdn, '.'); i > 0 {
		return fqdn[:i]
	}
	return fqdn
}
