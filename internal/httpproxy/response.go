package httpproxy

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dgnsrekt/allproxy/internal/capture"
	"github.com/dgnsrekt/allproxy/internal/message"
)

// respond relays the origin response to the client and completes the
// exchange. A local replacement file wins over a breakpoint; anything else is
// streamed while a bounded copy is captured.
func (h *Handler) respond(w http.ResponseWriter, r *http.Request, ex *exchange, resp *http.Response) {
	if file, data, ok := h.opts.Replacements.Lookup(ex.target.Host, ex.target.Path); ok {
		h.respondReplaced(w, ex, resp, file, data)
		return
	}
	if h.opts.Breakpoints != nil && h.opts.Breakpoints.BreakpointEnabled() &&
		message.IsJSONContentType(resp.Header.Get("Content-Type")) {
		h.respondBreakpoint(w, r, ex, resp)
		return
	}
	h.respondStream(w, ex, resp)
}

func (h *Handler) respondReplaced(w http.ResponseWriter, ex *exchange, resp *http.Response, file string, data []byte) {
	_, _ = io.Copy(io.Discard, resp.Body)

	header := w.Header()
	copyHeader(header, resp.Header)
	removeHopHeaders(header)
	header.Del("Content-Encoding")
	header.Set("Content-Length", strconv.Itoa(len(data)))
	header.Set(ReplacedHeader, file)
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(data); err != nil {
		slog.Debug("Client write failed", "url", ex.url, "error", err)
	}

	slog.Debug("Response replaced from file", "url", ex.url, "file", file)
	h.opts.Builder.Complete(ex.msg, resp.StatusCode, message.FlattenHeaders(header), h.responseBody(header.Get("Content-Type"), data, false, len(data)))
	h.emitFinal(ex)
}

func (h *Handler) respondBreakpoint(w http.ResponseWriter, r *http.Request, ex *exchange, resp *http.Response) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		slog.Debug("Origin body read failed", "url", ex.url, "error", err)
	}
	decoded := capture.Body(raw, resp.Header.Get("Content-Encoding"))
	h.opts.Builder.Complete(ex.msg, resp.StatusCode, message.FlattenHeaders(resp.Header), message.ToJSON(decoded))

	edited := h.opts.Breakpoints.Breakpoint(r.Context(), ex.msg.Snapshot())

	header := w.Header()
	copyHeader(header, resp.Header)
	removeHopHeaders(header)
	status := resp.StatusCode
	body := raw
	if edited.Modified {
		out, err := message.BodyBytes(edited.ResponseBody)
		if err != nil {
			slog.Warn("Edited body not serializable", "url", ex.url, "error", err)
			out = decoded
		}
		for k, v := range edited.ResponseHeaders {
			header.Set(k, v)
		}
		header.Del("Content-Encoding")
		header.Set("Content-Length", strconv.Itoa(len(out)))
		if edited.Status > 0 {
			status = edited.Status
		}
		body = out
		ex.msg.Status = status
		ex.msg.ResponseBody = edited.ResponseBody
		ex.msg.ResponseHeaders = message.FlattenHeaders(header)
		ex.msg.Modified = true
	}

	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		slog.Debug("Client write failed", "url", ex.url, "error", err)
	}
	h.emitFinal(ex)
}

func (h *Handler) respondStream(w http.ResponseWriter, ex *exchange, resp *http.Response) {
	header := w.Header()
	copyHeader(header, resp.Header)
	removeHopHeaders(header)
	for k := range resp.Trailer {
		header.Add("Trailer", k)
	}
	w.WriteHeader(resp.StatusCode)

	buf := capture.NewBuffer(h.opts.MaxBodyBytes)
	if err := flushCopy(w, io.TeeReader(resp.Body, buf)); err != nil {
		slog.Debug("Response relay ended early", "url", ex.url, "error", err)
	}
	for k, vv := range resp.Trailer {
		for _, v := range vv {
			header.Add(http.TrailerPrefix+k, v)
		}
	}

	respHeaders := message.FlattenHeaders(resp.Header)
	for k, v := range message.FlattenHeaders(resp.Trailer) {
		respHeaders[k] = v
	}
	body := capture.Body(buf.Bytes(), resp.Header.Get("Content-Encoding"))
	h.opts.Builder.Complete(ex.msg, resp.StatusCode, respHeaders,
		h.responseBody(resp.Header.Get("Content-Type"), body, buf.Truncated(), buf.Size()))
	h.emitFinal(ex)
}

// responseBody coerces a captured body for observers: parsed JSON when it is
// a complete document, text otherwise, binary as base64.
func (h *Handler) responseBody(contentType string, body []byte, truncated bool, size int) any {
	if !truncated {
		if v := message.ToJSON(body); v != "" && (contentType == "" || message.IsJSONContentType(contentType)) {
			if _, isString := v.(string); !isString {
				return v
			}
		}
		return capture.Text(body)
	}
	return fmt.Sprintf("%s ... (truncated, %d bytes)", capture.Text(body), size)
}

// flushCopy copies src to w, flushing after each read so streamed responses
// reach the client as they arrive.
func flushCopy(w http.ResponseWriter, src io.Reader) error {
	rc := http.NewResponseController(w)
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			_ = rc.Flush()
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
