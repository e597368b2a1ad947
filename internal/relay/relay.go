// Package relay republishes captured Messages as a read-only SSE feed.
package relay

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/dgnsrekt/allproxy/internal/message"
	"github.com/dgnsrekt/allproxy/internal/proxyconfig"
)

// AllFeed carries every Message regardless of configured feeds.
const AllFeed = "messages"

type feed struct {
	name       string
	protocols  map[proxyconfig.Protocol]bool // nil means any
	urlPattern string
	endpoints  map[string]bool // nil means any
}

func (f feed) matches(msg *message.Message) bool {
	if f.protocols != nil {
		p, err := proxyconfig.ParseProtocol(msg.Protocol)
		if err != nil || !f.protocols[p] {
			return false
		}
	}
	if f.urlPattern != "" && !strings.Contains(msg.URL, f.urlPattern) {
		return false
	}
	if f.endpoints != nil && !f.endpoints[msg.Endpoint] {
		return false
	}
	return true
}

// Relay encodes each Message once and publishes it on AllFeed and on every
// configured feed it matches.
type Relay struct {
	broker *Broker
	feeds  []feed
}

func NewRelay(cfg *Config, broker *Broker) *Relay {
	r := &Relay{broker: broker}
	if cfg == nil {
		return r
	}
	for _, fc := range cfg.Feeds {
		f := feed{name: fc.Name, urlPattern: fc.URLPattern}
		if len(fc.Protocols) > 0 {
			f.protocols = make(map[proxyconfig.Protocol]bool, len(fc.Protocols))
			for _, p := range fc.Protocols {
				if proto, err := proxyconfig.ParseProtocol(p); err == nil {
					f.protocols[proto] = true
				}
			}
		}
		if len(fc.Endpoints) > 0 {
			f.endpoints = make(map[string]bool, len(fc.Endpoints))
			for _, e := range fc.Endpoints {
				f.endpoints[e] = true
			}
		}
		r.feeds = append(r.feeds, f)
	}
	slog.Info("Relay configured", "feeds", len(r.feeds))
	return r
}

// Publish is cheap when nobody is subscribed.
func (r *Relay) Publish(msg message.Message) {
	if r.broker.ClientCount() == 0 {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("Relay could not encode message", "seq", msg.SequenceNumber, "error", err)
		return
	}
	payload := string(data)
	base := Event{Protocol: normalizeProtocol(msg.Protocol), Type: msg.Type.String(), Payload: payload}

	all := base
	all.Feed = AllFeed
	r.broker.Publish(all)
	for _, f := range r.feeds {
		if f.matches(&msg) {
			evt := base
			evt.Feed = f.name
			r.broker.Publish(evt)
		}
	}
}

// FeedNames lists AllFeed followed by the configured feeds.
func (r *Relay) FeedNames() []string {
	out := []string{AllFeed}
	for _, f := range r.feeds {
		out = append(out, f.name)
	}
	return out
}

func normalizeProtocol(s string) string {
	if p, err := proxyconfig.ParseProtocol(s); err == nil {
		return string(p)
	}
	return s
}
