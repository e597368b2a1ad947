package message

import (
	"net/http"
	"strings"

	"github.com/dgnsrekt/allproxy/internal/proxyconfig"
)

// Type identifies which halves of an exchange a Message carries.
type Type int

const (
	Request Type = iota
	Response
	RequestAndResponse
)

func (t Type) String() string {
	switch t {
	case Request:
		return "REQUEST"
	case Response:
		return "RESPONSE"
	case RequestAndResponse:
		return "REQUEST_AND_RESPONSE"
	default:
		return "UNKNOWN"
	}
}

// NoResponse is the responseBody placeholder of a partial emission.
const NoResponse = "No Response"

// Message is one captured request/response exchange as delivered to observers.
type Message struct {
	Type            Type                     `json:"type"`
	Timestamp       float64                  `json:"timestamp"`
	SequenceNumber  float64                  `json:"sequenceNumber"`
	RequestHeaders  map[string]string        `json:"requestHeaders"`
	ResponseHeaders map[string]string        `json:"responseHeaders"`
	Method          string                   `json:"method"`
	Protocol        string                   `json:"protocol"`
	URL             string                   `json:"url"`
	Endpoint        string                   `json:"endpoint"`
	RequestBody     any                      `json:"requestBody"`
	ResponseBody    any                      `json:"responseBody"`
	ClientIP        string                   `json:"clientIp"`
	ServerHost      string                   `json:"serverHost"`
	Path            string                   `json:"path"`
	ElapsedTime     float64                  `json:"elapsedTime"`
	Status          int                      `json:"status"`
	ProxyConfig     *proxyconfig.ProxyConfig `json:"proxyConfig,omitempty"`
	Modified        bool                     `json:"modified"`
}

// Snapshot returns a copy that is safe to hand to another goroutine. Header maps
// are duplicated and the config is detached from its listener.
func (m *Message) Snapshot() Message {
	out := *m
	out.RequestHeaders = cloneHeaders(m.RequestHeaders)
	out.ResponseHeaders = cloneHeaders(m.ResponseHeaders)
	if m.ProxyConfig != nil {
		cfg := m.ProxyConfig.Clone()
		out.ProxyConfig = &cfg
	}
	return out
}

// HasResponse reports whether the response half has been filled in.
func (m *Message) HasResponse() bool {
	s, ok := m.ResponseBody.(string)
	return !ok || s != NoResponse
}

func cloneHeaders(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// FlattenHeaders converts a multi-valued header into the string→string form observers
// consume. Repeated values are comma joined; keys are lower-cased.
func FlattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vals := range h {
		if len(vals) == 0 {
			continue
		}
		out[strings.ToLower(k)] = strings.Join(vals, ", ")
	}
	return out
}
