package capture

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
)

// maxDecodedBytes bounds decompression output.
const maxDecodedBytes = 64 << 20

// Decode undoes a Content-Encoding header value. Stacked encodings are removed in
// reverse order of application.
func Decode(data []byte, contentEncoding string) ([]byte, error) {
	encodings := strings.Split(contentEncoding, ",")
	out := data
	for i := len(encodings) - 1; i >= 0; i-- {
		enc := strings.ToLower(strings.TrimSpace(encodings[i]))
		var err error
		out, err = decodeOne(out, enc)
		if err != nil {
			return nil, fmt.Errorf("capture: decode %s: %w", enc, err)
		}
	}
	return out, nil
}

func decodeOne(data []byte, enc string) ([]byte, error) {
	switch enc {
	case "", "identity":
		return data, nil
	case "gzip", "x-gzip":
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return readLimited(r)
	case "br":
		return readLimited(brotli.NewReader(bytes.NewReader(data)))
	case "deflate":
		// Servers disagree on whether deflate carries a zlib wrapper.
		if r, err := zlib.NewReader(bytes.NewReader(data)); err == nil {
			defer r.Close()
			if out, err := readLimited(r); err == nil {
				return out, nil
			}
		}
		r := flate.NewReader(bytes.NewReader(data))
		defer r.Close()
		return readLimited(r)
	default:
		return nil, fmt.Errorf("unsupported encoding %q", enc)
	}
}

// readLimited reads to EOF, tolerating a truncated stream after some output.
func readLimited(r io.Reader) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, maxDecodedBytes))
	if err != nil && (len(out) == 0 || !isTruncation(err)) {
		return nil, err
	}
	return out, nil
}

func isTruncation(err error) bool {
	return err == io.ErrUnexpectedEOF || err == io.EOF
}
