package netutil

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"
)

const (
	listenAttempts    = 5
	listenBaseBackoff = 100 * time.Millisecond
)

// ListenWithRetry listens on addr, retrying with exponential backoff when the
// port is briefly unavailable (for example a previous listener still closing).
func ListenWithRetry(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	backoff := listenBaseBackoff
	var lastErr error
	for attempt := 1; attempt <= listenAttempts; attempt++ {
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err == nil {
			return ln, nil
		}
		lastErr = err
		slog.Warn("Listen failed, retrying",
			"addr", addr,
			"attempt", attempt,
			"error", err)
		if attempt == listenAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("netutil: listen %s after %d attempts: %w", addr, listenAttempts, lastErr)
}

// Port returns the TCP port of a listener address.
func Port(addr net.Addr) int {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	_, p, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(p)
	return n
}
