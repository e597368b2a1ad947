package tcpproxy

import (
	"strings"
	"sync"
	"time"

	"github.com/dgnsrekt/allproxy/internal/capture"
	"github.com/dgnsrekt/allproxy/internal/format"
	"github.com/dgnsrekt/allproxy/internal/message"
	"github.com/dgnsrekt/allproxy/internal/proxyconfig"
)

const maxEndpointLen = 100

// pairer groups the bytes of one connection into request/response pairs. A
// pair completes when the client starts a new request after the server
// answered, or when the server goes quiet for pairIdle.
type pairer struct {
	opts   Options
	cfg    *proxyconfig.ProxyConfig
	host   string
	format format.Formatter

	mu    sync.Mutex
	gen   uint64
	msg   *message.Message
	req   *capture.Buffer
	resp  *capture.Buffer
	timer *time.Timer
}

func newPairer(opts Options, cfg *proxyconfig.ProxyConfig, host string) *pairer {
	p := &pairer{
		opts:   opts,
		cfg:    cfg,
		host:   host,
		format: format.For(cfg.Protocol),
	}
	p.reset()
	return p
}

func (p *pairer) reset() {
	p.gen++
	p.msg = nil
	p.req = capture.NewBuffer(p.opts.MaxBodyBytes)
	p.resp = capture.NewBuffer(p.opts.MaxBodyBytes)
}

// begin stamps the pair on its first bytes.
func (p *pairer) begin() {
	if p.msg != nil {
		return
	}
	p.msg = p.opts.Builder.NewRequest(message.RequestInfo{
		Protocol:   string(p.cfg.Protocol),
		URL:        string(p.cfg.Protocol) + "//" + p.cfg.Target(),
		ClientIP:   p.host,
		ServerHost: p.cfg.Target(),
	}, p.cfg)
}

func (p *pairer) request(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resp.Size() > 0 {
		p.flushLocked()
	}
	p.begin()
	_, _ = p.req.Write(b)
}

func (p *pairer) response(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.begin()
	_, _ = p.resp.Write(b)
	if p.timer != nil {
		p.timer.Stop()
	}
	gen := p.gen
	p.timer = time.AfterFunc(pairIdle, func() { p.idle(gen) })
}

// idle completes pair gen unless it was already completed.
func (p *pairer) idle(gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gen == p.gen {
		p.flushLocked()
	}
}

func (p *pairer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
	}
	p.flushLocked()
}

func (p *pairer) flushLocked() {
	if p.msg == nil {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	reqText, respText := p.format.Format(p.req.Bytes(), p.resp.Bytes())
	msg := p.msg
	msg.Type = message.RequestAndResponse
	msg.RequestBody = reqText
	msg.Endpoint = endpoint(reqText)
	p.opts.Builder.Complete(msg, 0, nil, respText)
	p.opts.Emitter.Emit(message.RequestAndResponse, msg, p.cfg)
	p.reset()
}

// endpoint is the first non-empty line of the formatted request.
func endpoint(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			if len(line) > maxEndpointLen {
				line = line[:maxEndpointLen]
			}
			return line
		}
	}
	return ""
}
