package format

import (
	"encoding/binary"
	"fmt"
	"strings"
)

const mongoHeaderLen = 16

var mongoOpcodes = map[int32]string{
	1:    "OP_REPLY",
	1000: "OP_MSG_LEGACY",
	2001: "OP_UPDATE",
	2002: "OP_INSERT",
	2004: "OP_QUERY",
	2005: "OP_GET_MORE",
	2006: "OP_DELETE",
	2007: "OP_KILL_CURSORS",
	2012: "OP_COMPRESSED",
	2013: "OP_MSG",
}

var replyFlags = []string{"CursorNotFound", "QueryFailure", "ShardConfigStale", "AwaitCapable"}

// Mongo renders MongoDB wire protocol messages.
type Mongo struct{}

func (Mongo) Format(req, resp []byte) (string, string) {
	return formatMongo(req), formatMongo(resp)
}

func formatMongo(b []byte) string {
	if len(b) < mongoHeaderLen {
		return Dump(b)
	}

	var parts []string
	for len(b) >= mongoHeaderLen {
		length := int(int32(binary.LittleEndian.Uint32(b[0:4])))
		if length < mongoHeaderLen {
			parts = append(parts, Dump(b))
			break
		}
		partial := length > len(b)
		if partial {
			length = len(b)
		}
		parts = append(parts, formatMongoMessage(b[:length], partial))
		b = b[length:]
	}
	if len(b) > 0 {
		parts = append(parts, Dump(b))
	}
	return strings.Join(parts, "\n")
}

func formatMongoMessage(msg []byte, partial bool) string {
	requestID := int32(binary.LittleEndian.Uint32(msg[4:8]))
	responseTo := int32(binary.LittleEndian.Uint32(msg[8:12]))
	opCode := int32(binary.LittleEndian.Uint32(msg[12:16]))
	body := msg[mongoHeaderLen:]

	name, ok := mongoOpcodes[opCode]
	if !ok {
		name = fmt.Sprintf("OP_UNKNOWN(%d)", opCode)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s requestID=%d responseTo=%d length=%d", name, requestID, responseTo, len(msg))

	switch opCode {
	case 1:
		if len(body) >= 20 {
			flags := binary.LittleEndian.Uint32(body[0:4])
			var set []string
			for i, f := range replyFlags {
				if flags&(1<<uint(i)) != 0 {
					set = append(set, f)
				}
			}
			numberReturned := int32(binary.LittleEndian.Uint32(body[16:20]))
			fmt.Fprintf(&sb, "\nflags=[%s] numberReturned=%d", strings.Join(set, ","), numberReturned)
		}
	case 2004:
		if len(body) > 4 {
			coll, rest, _ := readNullString(body[4:])
			fmt.Fprintf(&sb, "\ncollection=%s", coll)
			if len(rest) > 8 {
				if cmd := firstBSONKey(rest[8:]); cmd != "" {
					fmt.Fprintf(&sb, " command=%s", cmd)
				}
			}
		}
	case 2001, 2002, 2005, 2006:
		if len(body) > 4 {
			coll, _, _ := readNullString(body[4:])
			fmt.Fprintf(&sb, "\ncollection=%s", coll)
		}
	case 2013:
		// flagBits, then sections; kind 0 carries the command document.
		if len(body) > 5 && body[4] == 0 {
			if cmd := firstBSONKey(body[5:]); cmd != "" {
				fmt.Fprintf(&sb, "\ncommand=%s", cmd)
			}
		}
	}
	sb.WriteString("\n")
	sb.WriteString(Dump(body))
	if partial {
		sb.WriteString("(partial)")
	}
	return sb.String()
}

// firstBSONKey returns the name of the first element of a BSON document.
func firstBSONKey(doc []byte) string {
	if len(doc) < 6 {
		return ""
	}
	key, _, ok := readNullString(doc[5:])
	if !ok {
		return ""
	}
	return key
}
