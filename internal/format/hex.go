package format

import (
	"fmt"
	"strings"
)

const bytesPerRow = 16

// Hex renders both directions as hex dumps.
type Hex struct{}

func (Hex) Format(req, resp []byte) (string, string) {
	return Dump(req), Dump(resp)
}

// Dump renders b as rows of `offset  hex bytes  |ascii|`, 16 bytes per row.
func Dump(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	var sb strings.Builder
	for off := 0; off < len(b); off += bytesPerRow {
		end := off + bytesPerRow
		if end > len(b) {
			end = len(b)
		}
		row := b[off:end]

		fmt.Fprintf(&sb, "%08x  ", off)
		for i := 0; i < bytesPerRow; i++ {
			if i < len(row) {
				fmt.Fprintf(&sb, "%02x ", row[i])
			} else {
				sb.WriteString("   ")
			}
			if i == 7 {
				sb.WriteByte(' ')
			}
		}
		sb.WriteString(" |")
		for _, c := range row {
			if c >= 0x20 && c < 0x7f {
				sb.WriteByte(c)
			} else {
				sb.WriteByte('.')
			}
		}
		sb.WriteString("|\n")
	}
	return sb.String()
}
