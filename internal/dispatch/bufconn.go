package dispatch

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"time"
)

// maxHelloRecord is the largest TLS record the SNI sniffer buffers.
const maxHelloRecord = 5 + 16*1024

// bufConn is a net.Conn that can be peeked before it is handed on.
type bufConn struct {
	r *bufio.Reader
	net.Conn
}

func newBufConn(c net.Conn) *bufConn {
	return &bufConn{r: bufio.NewReaderSize(c, maxHelloRecord), Conn: c}
}

func (c *bufConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}

// CloseWrite half-closes the write side when the underlying conn supports it.
func (c *bufConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}

// sample returns up to n leading bytes without consuming them. Fewer bytes
// are returned when the peer closes early.
func (c *bufConn) sample(n int) ([]byte, error) {
	b, err := c.r.Peek(n)
	if err != nil && len(b) > 0 && errors.Is(err, io.EOF) {
		return b, nil
	}
	return b, err
}

var errHelloSeen = errors.New("dispatch: client hello captured")

// serverName reads the SNI of a buffered ClientHello without consuming it.
// An empty name is returned when the record is not a hello or carries none.
func (c *bufConn) serverName() string {
	hdr, err := c.r.Peek(5)
	if err != nil || hdr[0] != recordTypeHandshake {
		return ""
	}
	n := int(hdr[3])<<8 | int(hdr[4])
	record, err := c.r.Peek(5 + n)
	if err != nil {
		return ""
	}

	var name string
	srv := tls.Server(helloConn{r: bytes.NewReader(record)}, &tls.Config{
		GetConfigForClient: func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			name = hello.ServerName
			return nil, errHelloSeen
		},
	})
	_ = srv.Handshake()
	return name
}

// helloConn feeds recorded bytes to a tls.Server and swallows its replies.
type helloConn struct {
	r io.Reader
}

func (c helloConn) Read(p []byte) (int, error) { return c.r.Read(p) }
func (helloConn) Write(p []byte) (int, error) { return len(p), nil }
func (helloConn) Close() error { return nil }
func (helloConn) LocalAddr() net.Addr { return nil }
func (helloConn) RemoteAddr() net.Addr { return nil }
func (helloConn) SetDeadline(time.Time) error { return nil }
func (helloConn) SetReadDeadline(time.Time) error { return nil }
func (helloConn) SetWriteDeadline(time.Time) error { return nil }
