package grpcproxy

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/dgnsrekt/allproxy/internal/capture"
	"github.com/dgnsrekt/allproxy/internal/format"
)

const frameHeaderLen = 5

// renderFrames splits a gRPC body into length-prefixed messages and hex dumps
// each one. Compressed messages are inflated with grpcEncoding first.
func renderFrames(body []byte, grpcEncoding string) string {
	if len(body) == 0 {
		return ""
	}
	var sb strings.Builder
	for n := 1; len(body) > 0; n++ {
		if len(body) < frameHeaderLen {
			fmt.Fprintf(&sb, "(partial)\n%s", format.Dump(body))
			break
		}
		compressed := body[0] == 1
		size := int(binary.BigEndian.Uint32(body[1:frameHeaderLen]))
		body = body[frameHeaderLen:]
		partial := size > len(body)
		if partial {
			size = len(body)
		}
		payload := body[:size]
		body = body[size:]

		if compressed && grpcEncoding != "" && grpcEncoding != "identity" && !partial {
			if out, err := capture.Decode(payload, grpcEncoding); err == nil {
				payload = out
			}
		}
		fmt.Fprintf(&sb, "message %d compressed=%t length=%d", n, compressed, size)
		if partial {
			sb.WriteString(" (partial)")
		}
		sb.WriteByte('\n')
		sb.WriteString(format.Dump(payload))
	}
	return sb.String()
}
