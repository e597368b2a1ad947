package httpproxy

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"

	"github.com/dgnsrekt/allproxy/internal/capture"
	"github.com/dgnsrekt/allproxy/internal/message"
	"github.com/dgnsrekt/allproxy/internal/netutil"
)

const wsDialTimeout = 10 * time.Second

// serveWebSocket relays an upgrade request. Once the origin answers 101 both
// connections are hijacked and frames are copied verbatim while an unmasked
// copy of each data or close frame is emitted.
func (h *Handler) serveWebSocket(w http.ResponseWriter, r *http.Request, ex *exchange, info message.RequestInfo) {
	ex.msg = h.opts.Builder.NewRequest(info, ex.cfg)
	ex.phase = phaseForwarding

	upstream, err := dialOrigin(r, ex)
	if err != nil {
		slog.Warn("WebSocket origin dial failed", "url", ex.url, "error", err)
		h.finishError(w, ex, originStatus(err), err.Error())
		return
	}

	out := r.Clone(r.Context())
	out.URL.Scheme = ""
	out.URL.Host = ""
	out.URL.Path = ex.target.Path
	out.URL.RawPath = ex.target.RawPath
	out.URL.RawQuery = ex.target.RawQuery
	out.RequestURI = ""
	out.Host = ex.target.Host
	if ex.forward {
		out.Host = r.Host
	}
	out.Header.Del("Proxy-Connection")
	if err := out.Write(upstream); err != nil {
		upstream.Close()
		h.finishError(w, ex, http.StatusBadGateway, err.Error())
		return
	}

	upstreamBuf := bufio.NewReader(upstream)
	resp, err := http.ReadResponse(upstreamBuf, out)
	if err != nil {
		upstream.Close()
		h.finishError(w, ex, http.StatusBadGateway, err.Error())
		return
	}
	ex.phase = phaseAwaitingResponseBody
	if resp.StatusCode != http.StatusSwitchingProtocols {
		h.respondStream(w, ex, resp)
		resp.Body.Close()
		upstream.Close()
		return
	}

	client, clientBuf, err := http.NewResponseController(w).Hijack()
	if err != nil {
		upstream.Close()
		h.finishError(w, ex, http.StatusInternalServerError, err.Error())
		return
	}
	if err := writeSwitching(clientBuf.Writer, resp); err != nil {
		client.Close()
		upstream.Close()
		return
	}

	h.opts.Builder.Complete(ex.msg, resp.StatusCode, message.FlattenHeaders(resp.Header), "")
	h.emitFinal(ex)
	ex.phase = phaseComplete

	slog.Debug("WebSocket upgraded", "url", ex.url)
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			client.Close()
			upstream.Close()
		})
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer closeBoth()
		h.pumpFrames(clientBuf.Reader, upstream, capture.Outgoing, ex, info)
	}()
	go func() {
		defer wg.Done()
		defer closeBoth()
		h.pumpFrames(upstreamBuf, client, capture.Incoming, ex, info)
	}()
	wg.Wait()
}

func dialOrigin(r *http.Request, ex *exchange) (net.Conn, error) {
	secure := ex.target.Scheme == "https" || ex.target.Scheme == "wss"
	host := ex.target.Host
	if ex.target.Port() == "" {
		port := "80"
		if secure {
			port = "443"
		}
		host = net.JoinHostPort(ex.target.Hostname(), port)
	}
	dialer := &net.Dialer{Timeout: wsDialTimeout}
	if secure {
		return tls.DialWithDialer(dialer, "tcp", host, &tls.Config{
			InsecureSkipVerify: true,
			ServerName:         ex.target.Hostname(),
			NextProtos:         []string{"http/1.1"},
		})
	}
	return dialer.DialContext(r.Context(), "tcp", host)
}

func writeSwitching(w *bufio.Writer, resp *http.Response) error {
	if _, err := fmt.Fprintf(w, "HTTP/1.1 %s\r\n", resp.Status); err != nil {
		return err
	}
	if err := resp.Header.Write(w); err != nil {
		return err
	}
	if _, err := w.WriteString("\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

// pumpFrames copies frames from src to dst until either side fails.
func (h *Handler) pumpFrames(src io.Reader, dst io.Writer, dir capture.Direction, ex *exchange, info message.RequestInfo) {
	for {
		hdr, err := ws.ReadHeader(src)
		if err != nil {
			if !netutil.IsBenign(err) {
				slog.Debug("WebSocket read ended", "url", ex.url, "direction", dir, "error", err)
			}
			return
		}
		if err := ws.WriteHeader(dst, hdr); err != nil {
			return
		}

		keep := hdr.Length
		if keep > int64(h.opts.MaxBodyBytes) {
			keep = int64(h.opts.MaxBodyBytes)
		}
		buf := capture.NewBuffer(int(keep))
		if _, err := io.CopyN(io.MultiWriter(dst, buf), src, hdr.Length); err != nil {
			return
		}

		frame := capture.Frame{Direction: dir, OpCode: hdr.OpCode, Fin: hdr.Fin, Payload: buf.Bytes()}
		if hdr.Masked {
			ws.Cipher(frame.Payload, hdr.Mask, 0)
		}
		if frame.IsData() || hdr.OpCode == ws.OpClose {
			h.emitFrame(frame, ex, info)
		}
	}
}

func (h *Handler) emitFrame(frame capture.Frame, ex *exchange, info message.RequestInfo) {
	info.Body = nil
	msg := h.opts.Builder.NewRequest(info, ex.cfg)
	text := frame.Describe(h.opts.MaxBodyBytes)
	msg.Type = message.RequestAndResponse
	if frame.Direction == capture.Outgoing {
		msg.RequestBody = text
		h.opts.Builder.Complete(msg, http.StatusSwitchingProtocols, nil, "")
	} else {
		msg.RequestBody = ""
		h.opts.Builder.Complete(msg, http.StatusSwitchingProtocols, nil, text)
	}
	msg.Endpoint = "ws:" + string(frame.Direction)
	h.opts.Emitter.Emit(message.RequestAndResponse, msg, ex.cfg)
}
