package proxyconfig

import (
	"context"
	"net"
	"sync"
	"time"
)

// ProbeTimeout bounds each reachability dial.
const ProbeTimeout = 2 * time.Second

// Probe dials every distinct upstream once and reports which accepted a TCP
// connection. Browser and log rules have no upstream and are skipped.
func Probe(ctx context.Context, cfgs []ProxyConfig) map[string]bool {
	targets := make(map[string]struct{})
	for _, c := range cfgs {
		if c.Protocol == Browser || c.Protocol == Log || c.Hostname == "" {
			continue
		}
		targets[c.Target()] = struct{}{}
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]bool, len(targets))
	)
	dialer := net.Dialer{Timeout: ProbeTimeout}
	for target := range targets {
		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			conn, err := dialer.DialContext(ctx, "tcp", target)
			if err == nil {
				conn.Close()
			}
			mu.Lock()
			results[target] = err == nil
			mu.Unlock()
		}(target)
	}
	wg.Wait()
	return results
}

// Refresh probes every registered rule and records the results.
func (s *Store) Refresh(ctx context.Context) []ProxyConfig {
	s.SetReachable(Probe(ctx, s.Snapshot()))
	return s.Snapshot()
}
