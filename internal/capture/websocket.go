package capture

import (
	"fmt"

	"github.com/gobwas/ws"
)

// Direction of a relayed WebSocket frame.
type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

// Frame is one relayed WebSocket frame, payload already unmasked.
type Frame struct {
	Direction Direction
	OpCode    ws.OpCode
	Fin       bool
	Payload   []byte
}

// IsData reports whether the frame carries application data rather than control.
func (f Frame) IsData() bool {
	return f.OpCode == ws.OpText || f.OpCode == ws.OpBinary || f.OpCode == ws.OpContinuation
}

// Describe renders the frame payload for display, truncated to maxBytes.
func (f Frame) Describe(maxBytes int) string {
	text := Text(f.Payload)
	if f.OpCode == ws.OpClose {
		text = describeClose(f.Payload)
	}
	out, truncated, size, _ := truncateStringBytes(text, maxBytes)
	if truncated {
		out += fmt.Sprintf(" ... (%d bytes)", size)
	}
	return out
}

func describeClose(p []byte) string {
	code, reason := ws.ParseCloseFrameData(p)
	return fmt.Sprintf("close %d %s", code, reason)
}

func truncateStringBytes(in string, maxBytes int) (string, bool, int, string) {
	raw := []byte(in)
	out, truncated, origLen, hash := truncateBytes(raw, maxBytes)
	return string(out), truncated, origLen, hash
}
