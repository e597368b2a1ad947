// Package format renders captured TCP payloads as readable text. Formatters never
// fail: anything they cannot parse comes back as a hex dump.
package format

import (
	"log/slog"

	"github.com/dgnsrekt/allproxy/internal/proxyconfig"
)

// Formatter renders one request/response pair.
type Formatter interface {
	Format(req, resp []byte) (string, string)
}

// For returns the formatter for a TCP-family protocol, wrapped so a panic in the
// parser degrades to a hex dump.
func For(proto proxyconfig.Protocol) Formatter {
	var f Formatter
	switch proto {
	case proxyconfig.SQL:
		f = SQL{}
	case proxyconfig.Mongo:
		f = Mongo{}
	case proxyconfig.Redis:
		f = Redis{}
	default:
		f = Hex{}
	}
	return safe{name: string(proto), inner: f}
}

type safe struct {
	name  string
	inner Formatter
}

func (s safe) Format(req, resp []byte) (reqText, respText string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("Formatter failed, falling back to hex",
				"protocol", s.name,
				"panic", r)
			reqText, respText = Dump(req), Dump(resp)
		}
	}()
	return s.inner.Format(req, resp)
}
