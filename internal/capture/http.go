package capture

import (
	"bytes"
	"encoding/base64"
	"sync"
	"unicode/utf8"
)

// Buffer records the first max bytes written to it and counts the rest. It sits
// behind an io.TeeReader so the bytes reaching the peer are never altered.
type Buffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	max   int
	total int
}

// NewBuffer returns a Buffer keeping at most max bytes; max <= 0 means unbounded.
func NewBuffer(max int) *Buffer {
	return &Buffer{max: max}
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total += len(p)
	keep := p
	if b.max > 0 {
		room := b.max - b.buf.Len()
		if room <= 0 {
			return len(p), nil
		}
		if len(keep) > room {
			keep = keep[:room]
		}
	}
	b.buf.Write(keep)
	return len(p), nil
}

// Bytes returns a copy of the recorded prefix.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}

// Size is the number of bytes written, recorded or not.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// Truncated reports whether bytes were dropped.
func (b *Buffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total > b.buf.Len()
}

// Body decodes a captured body per its Content-Encoding. When decoding fails the
// raw bytes are returned.
func Body(raw []byte, contentEncoding string) []byte {
	if len(raw) == 0 || contentEncoding == "" {
		return raw
	}
	decoded, err := Decode(raw, contentEncoding)
	if err != nil {
		return raw
	}
	return decoded
}

// Text renders bytes for display: UTF-8 as-is, anything else base64 encoded.
func Text(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return base64.StdEncoding.EncodeToString(b)
}
