package message

import (
	"time"

	"github.com/dgnsrekt/allproxy/internal/proxyconfig"
)

// RequestInfo is the request half of an exchange as seen by an engine.
type RequestInfo struct {
	Method      string
	Protocol    string
	URL         string
	Path        string
	ClientIP    string
	ServerHost  string
	Headers     map[string]string
	ContentType string
	Body        []byte
}

// Builder stamps and assembles Messages. Engines share one Builder so every
// capture draws from the same Sequencer.
type Builder struct {
	seq *Sequencer
	now func() time.Time
}

func NewBuilder(seq *Sequencer) *Builder {
	return &Builder{seq: seq, now: time.Now}
}

// Sequencer exposes the counter used for stamps.
func (b *Builder) Sequencer() *Sequencer {
	return b.seq
}

// NewRequest stamps a new exchange and fills its request half. The response half
// holds the NoResponse placeholder until Complete is called.
func (b *Builder) NewRequest(info RequestInfo, cfg *proxyconfig.ProxyConfig) *Message {
	stamp := b.seq.Next(b.now())
	m := &Message{
		Type:            Request,
		Timestamp:       stamp.Timestamp,
		SequenceNumber:  stamp.Seq,
		RequestHeaders:  info.Headers,
		ResponseHeaders: map[string]string{},
		Method:          info.Method,
		Protocol:        info.Protocol,
		URL:             info.URL,
		ClientIP:        info.ClientIP,
		ServerHost:      info.ServerHost,
		Path:            info.Path,
		ResponseBody:    NoResponse,
		ProxyConfig:     cfg,
	}
	if m.RequestHeaders == nil {
		m.RequestHeaders = map[string]string{}
	}
	b.SetRequestBody(m, info.ContentType, info.Body)
	return m
}

// SetRequestBody replaces the request body and recomputes the endpoint label.
func (b *Builder) SetRequestBody(m *Message, contentType string, body []byte) {
	m.RequestBody = RequestBody(contentType, body)
	m.Endpoint = Endpoint(m.Method, m.URL, body)
}

// Complete fills the response half and the elapsed time.
func (b *Builder) Complete(m *Message, status int, headers map[string]string, body any) {
	m.Status = status
	if headers == nil {
		headers = map[string]string{}
	}
	m.ResponseHeaders = headers
	m.ResponseBody = body
	m.ElapsedTime = b.elapsed(m)
}

// Error builds a finished exchange whose response is a synthetic error document.
func (b *Builder) Error(info RequestInfo, cfg *proxyconfig.ProxyConfig, status int, errText string) *Message {
	m := b.NewRequest(info, cfg)
	m.Type = RequestAndResponse
	b.Complete(m, status, nil, map[string]any{"error": errText})
	return m
}

func (b *Builder) elapsed(m *Message) float64 {
	d := float64(b.now().UnixMilli()) - m.Timestamp
	if d < 0 {
		return 0
	}
	return float64(int64(d))
}
