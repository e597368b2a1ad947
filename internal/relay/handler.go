package relay

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/dgnsrekt/allproxy/internal/proxyconfig"
)

func parseSet(q string, norm func(string) string) map[string]bool {
	if q == "" {
		return nil
	}
	out := make(map[string]bool)
	for _, f := range strings.Split(q, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out[norm(f)] = true
		}
	}
	return out
}

// SSEHandler streams relay events. ?feeds=a,b picks feeds (default AllFeed);
// ?protocols=https,redis narrows by protocol.
func SSEHandler(broker *Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		feeds := parseSet(r.URL.Query().Get("feeds"), func(s string) string { return s })
		if feeds == nil {
			feeds = map[string]bool{AllFeed: true}
		}
		protocols := parseSet(r.URL.Query().Get("protocols"), func(s string) string {
			if p, err := proxyconfig.ParseProtocol(s); err == nil {
				return string(p)
			}
			return s
		})

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		flusher.Flush()

		id, ch := broker.Subscribe()
		defer broker.Unsubscribe(id)

		for {
			select {
			case <-r.Context().Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if !feeds[evt.Feed] {
					continue
				}
				if protocols != nil && !protocols[evt.Protocol] {
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Feed, evt.Payload)
				flusher.Flush()
			}
		}
	}
}
