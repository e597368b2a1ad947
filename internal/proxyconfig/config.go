package proxyconfig

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
)

// Protocol is the closed set of rule protocols. Values carry a trailing colon.
type Protocol string

const (
	Browser Protocol = "browser:"
	GRPC    Protocol = "grpc:"
	HTTP    Protocol = "http:"
	HTTPS   Protocol = "https:"
	Log     Protocol = "log:"
	Mongo   Protocol = "mongo:"
	Redis   Protocol = "redis:"
	SQL     Protocol = "sql:"
	TCP     Protocol = "tcp:"
)

var protocols = []Protocol{Browser, GRPC, HTTP, HTTPS, Log, Mongo, Redis, SQL, TCP}

// DynamicComment marks configs synthesized for forward-proxy traffic.
const DynamicComment = "dynamically added"

// ParseProtocol accepts a protocol name with or without its trailing colon.
func ParseProtocol(s string) (Protocol, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s != "" && !strings.HasSuffix(s, ":") {
		s += ":"
	}
	for _, p := range protocols {
		if string(p) == s {
			return p, nil
		}
	}
	return "", NewError(CodeValidation, fmt.Sprintf("unknown protocol %q", s), nil)
}

func (p *Protocol) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseProtocol(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func (p *Protocol) UnmarshalText(text []byte) error {
	parsed, err := ParseProtocol(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// IsTCPFamily reports protocols relayed by the raw TCP proxy.
func (p Protocol) IsTCPFamily() bool {
	switch p {
	case Mongo, Redis, SQL, TCP:
		return true
	}
	return false
}

// IsHTTPFamily reports protocols handled by the HTTP/1 engine.
func (p Protocol) IsHTTPFamily() bool {
	switch p {
	case Browser, HTTP, HTTPS:
		return true
	}
	return false
}

// ProxyConfig is one interception rule.
type ProxyConfig struct {
	Protocol      Protocol `json:"protocol" yaml:"protocol"`
	Path          string   `json:"path" yaml:"path"`
	Hostname      string   `json:"hostname" yaml:"hostname"`
	Port          int      `json:"port" yaml:"port"`
	Recording     bool     `json:"recording" yaml:"recording"`
	HostReachable bool     `json:"hostReachable" yaml:"hostReachable"`
	IsSecure      bool     `json:"isSecure" yaml:"isSecure"`
	Comment       string   `json:"comment" yaml:"comment"`

	listener io.Closer
}

// Clone returns a value copy without the listening resource.
func (c *ProxyConfig) Clone() ProxyConfig {
	out := *c
	out.listener = nil
	return out
}

// Target is the upstream host:port.
func (c *ProxyConfig) Target() string {
	return net.JoinHostPort(c.Hostname, strconv.Itoa(c.Port))
}

// Key identifies a rule for activation diffing. Two configs with the same key
// share one listener across a replacement.
func (c *ProxyConfig) Key() string {
	return fmt.Sprintf("%s|%s|%s|%d|%t", c.Protocol, c.Path, c.Hostname, c.Port, c.IsSecure)
}

// IsDynamic reports whether the config was synthesized for forward traffic.
func (c *ProxyConfig) IsDynamic() bool {
	return c.Comment == DynamicComment
}

// ListenPort parses the local port a TCP-family rule listens on, taken from Path.
func (c *ProxyConfig) ListenPort() (int, error) {
	port, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(c.Path), ":"))
	if err != nil || port <= 0 || port > 65535 {
		return 0, NewError(CodeValidation, fmt.Sprintf("%s rule needs a listen port in path, got %q", c.Protocol, c.Path), err)
	}
	return port, nil
}

func (c *ProxyConfig) SetListener(l io.Closer) {
	c.listener = l
}

func (c *ProxyConfig) Listener() io.Closer {
	return c.listener
}

// CloseListener closes and forgets the listening resource, if any.
func (c *ProxyConfig) CloseListener() error {
	if c.listener == nil {
		return nil
	}
	err := c.listener.Close()
	c.listener = nil
	return err
}

// Validate checks the fields a rule needs for its protocol.
func (c *ProxyConfig) Validate() error {
	if c.Protocol == "" {
		return NewError(CodeValidation, "protocol is required", nil)
	}
	if c.Protocol == Browser || c.Protocol == Log {
		return nil
	}
	if c.Hostname == "" {
		return NewError(CodeValidation, fmt.Sprintf("%s rule %q needs a hostname", c.Protocol, c.Path), nil)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return NewError(CodeValidation, fmt.Sprintf("%s rule %q has invalid port %d", c.Protocol, c.Path, c.Port), nil)
	}
	if c.Protocol.IsTCPFamily() {
		if _, err := c.ListenPort(); err != nil {
			return err
		}
	}
	return nil
}
