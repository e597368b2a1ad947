package httpproxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/dgnsrekt/allproxy/internal/message"
	"github.com/dgnsrekt/allproxy/internal/proxyconfig"
)

const resendTimeout = 60 * time.Second

// Resender replays requests through the proxy's own listener so the replay is
// captured like live traffic.
type Resender struct {
	proxy   *url.URL
	forward *http.Client
	reverse *http.Client
}

// NewResender targets the proxy listening at addr (host:port).
func NewResender(addr string) *Resender {
	proxyURL := &url.URL{Scheme: "http", Host: addr}
	tlsCfg := &tls.Config{InsecureSkipVerify: true}
	return &Resender{
		proxy: proxyURL,
		forward: &http.Client{
			Timeout: resendTimeout,
			Transport: &http.Transport{
				Proxy:              http.ProxyURL(proxyURL),
				TLSClientConfig:    tlsCfg,
				DisableCompression: true,
			},
			CheckRedirect: noRedirect,
		},
		reverse: &http.Client{
			Timeout:       resendTimeout,
			Transport:     &http.Transport{Proxy: nil, TLSClientConfig: tlsCfg, DisableCompression: true},
			CheckRedirect: noRedirect,
		},
	}
}

func reverseTLSClient(serverName string) *http.Client {
	return &http.Client{
		Timeout: resendTimeout,
		Transport: &http.Transport{
			TLSClientConfig:    &tls.Config{ServerName: serverName, InsecureSkipVerify: true},
			DisableCompression: true,
		},
		CheckRedirect: noRedirect,
	}
}

func noRedirect(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

// Resend sends req and discards the response. With Forward set the original
// absolute URL goes through the proxy as a forward-proxy request. Otherwise the
// request is addressed to the proxy listener with the original Host; https URLs
// go over TLS with the original server name so the dispatcher hands them to the
// interception server for that host.
func (rs *Resender) Resend(ctx context.Context, req message.ResendRequest) error {
	body, err := resendBody(req)
	if err != nil {
		return err
	}
	target, err := url.Parse(req.URL)
	if err != nil {
		return proxyconfig.NewError(proxyconfig.CodeValidation, fmt.Sprintf("bad resend url %q", req.URL), err)
	}

	client := rs.forward
	origHost := target.Host
	if !req.Forward {
		client = rs.reverse
		if strings.EqualFold(target.Scheme, "https") {
			client = reverseTLSClient(target.Hostname())
			defer client.CloseIdleConnections()
			target.Scheme = "https"
		} else {
			target.Scheme = rs.proxy.Scheme
		}
		target.Host = rs.proxy.Host
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	var reader io.Reader = http.NoBody
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	out, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return fmt.Errorf("httpproxy: build resend: %w", err)
	}
	for k, v := range req.Headers {
		switch strings.ToLower(k) {
		case "content-length", "host":
			continue
		}
		out.Header.Set(k, v)
	}
	if !req.Forward {
		out.Host = origHost
	}

	resp, err := client.Do(out)
	if err != nil {
		return proxyconfig.NewError(proxyconfig.CodeUnreachable, fmt.Sprintf("resend %s %s", method, req.URL), err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	slog.Info("Request resent", "method", method, "url", req.URL, "forward", req.Forward, "status", resp.StatusCode)
	return nil
}

// resendBody renders the body and applies edits in path order.
func resendBody(req message.ResendRequest) ([]byte, error) {
	body, err := message.BodyBytes(req.Body)
	if err != nil {
		return nil, proxyconfig.NewError(proxyconfig.CodeValidation, "resend body is not serializable", err)
	}
	if len(req.BodyEdits) == 0 {
		return body, nil
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if !gjson.ValidBytes(body) {
		return nil, proxyconfig.NewError(proxyconfig.CodeValidation, "body edits need a JSON body", nil)
	}
	paths := make([]string, 0, len(req.BodyEdits))
	for p := range req.BodyEdits {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		body, err = sjson.SetBytes(body, p, req.BodyEdits[p])
		if err != nil {
			return nil, proxyconfig.NewError(proxyconfig.CodeValidation, fmt.Sprintf("edit %q", p), err)
		}
	}
	return body, nil
}
