package format

import (
	"encoding/binary"
	"fmt"
	"regexp"
	"strings"
)

// MySQL command codes, indexed by command byte.
var mysqlCommands = [...]string{
	0x00: "Sleep",
	0x01: "Quit",
	0x02: "InitDB",
	0x03: "Query",
	0x04: "FieldList",
	0x05: "CreateDB",
	0x06: "DropDB",
	0x07: "Refresh",
	0x08: "Shutdown",
	0x09: "Statistics",
	0x0a: "ProcessInfo",
	0x0b: "Connect",
	0x0c: "ProcessKill",
	0x0d: "Debug",
	0x0e: "Ping",
	0x0f: "Time",
	0x10: "DelayedInsert",
	0x11: "ChangeUser",
	0x12: "BinlogDump",
	0x13: "TableDump",
	0x14: "ConnectOut",
	0x15: "RegisterSlave",
	0x16: "StmtPrepare",
	0x17: "StmtExecute",
	0x18: "StmtSendLongData",
	0x19: "StmtClose",
	0x1a: "StmtReset",
	0x1b: "SetOption",
	0x1c: "StmtFetch",
	0x1d: "Daemon",
	0x1e: "BinlogDumpGTID",
	0x1f: "ResetConnection",
}

const (
	mysqlOK   = 0x00
	mysqlEOF  = 0xfe
	mysqlERR  = 0xff
	mysqlNULL = 0xfb
)

var sqlKeywords = regexp.MustCompile(`(?i)\s+(FROM|WHERE|AND|OR|ORDER\s+BY|GROUP\s+BY|HAVING|LIMIT|VALUES|SET|(?:LEFT|RIGHT|INNER|OUTER)\s+JOIN|JOIN|UNION)\b`)

// SQL renders MySQL client/server protocol packets.
type SQL struct{}

func (SQL) Format(req, resp []byte) (string, string) {
	return formatMySQLRequest(req), formatMySQLResponse(resp)
}

type mysqlPacket struct {
	seq     byte
	payload []byte
}

// splitPackets walks 4-byte framed packets. partial is true when the buffer ends
// inside a packet.
func splitPackets(b []byte) (packets []mysqlPacket, partial bool) {
	for len(b) > 0 {
		if len(b) < 4 {
			return packets, true
		}
		n := int(b[0]) | int(b[1])<<8 | int(b[2])<<16
		seq := b[3]
		b = b[4:]
		if n > len(b) {
			packets = append(packets, mysqlPacket{seq: seq, payload: b})
			return packets, true
		}
		packets = append(packets, mysqlPacket{seq: seq, payload: b[:n]})
		b = b[n:]
	}
	return packets, false
}

func formatMySQLRequest(req []byte) string {
	packets, partial := splitPackets(req)
	if len(packets) == 0 {
		return Dump(req)
	}

	var lines []string
	for _, p := range packets {
		if len(p.payload) == 0 {
			continue
		}
		if p.seq != 0 {
			lines = append(lines, fmt.Sprintf("Packet seq=%d (%d bytes)", p.seq, len(p.payload)))
			continue
		}
		cmd := p.payload[0]
		if int(cmd) >= len(mysqlCommands) {
			lines = append(lines, fmt.Sprintf("Unknown command 0x%02x\n%s", cmd, Dump(p.payload)))
			continue
		}
		name := mysqlCommands[cmd]
		arg := string(p.payload[1:])
		switch name {
		case "Query", "StmtPrepare":
			lines = append(lines, PrettySQL(arg))
		case "InitDB", "CreateDB", "DropDB", "FieldList":
			lines = append(lines, name+" "+strings.TrimRight(arg, "\x00"))
		default:
			lines = append(lines, name)
		}
	}
	out := strings.Join(lines, "\n")
	if partial {
		out += "\n(partial)"
	}
	return out
}

// PrettySQL puts each major clause of a statement on its own line.
func PrettySQL(q string) string {
	q = strings.TrimSpace(q)
	return sqlKeywords.ReplaceAllString(q, "\n$1")
}

func formatMySQLResponse(resp []byte) string {
	packets, partial := splitPackets(resp)
	if len(packets) == 0 {
		return Dump(resp)
	}

	first := packets[0].payload
	if len(first) == 0 {
		return Dump(resp)
	}
	switch {
	case first[0] == 0x0a && packets[0].seq == 0:
		return formatHandshake(first)
	case first[0] == mysqlOK:
		return formatOK(first)
	case first[0] == mysqlERR:
		return formatERR(first)
	case first[0] == mysqlEOF && len(first) < 9:
		return "EOF"
	}

	out, complete := formatResultSet(packets)
	if partial || !complete {
		out += "\n(partial)"
	}
	return out
}

func formatHandshake(p []byte) string {
	version, _, _ := readNullString(p[1:])
	return "Handshake v10 server " + version
}

func formatOK(p []byte) string {
	affected, n := readLenEncInt(p[1:])
	if n == 0 {
		return "OK"
	}
	lastID, _ := readLenEncInt(p[1+n:])
	return fmt.Sprintf("OK affected_rows=%d last_insert_id=%d", affected, lastID)
}

func formatERR(p []byte) string {
	if len(p) < 3 {
		return "ERR"
	}
	code := binary.LittleEndian.Uint16(p[1:3])
	rest := p[3:]
	state := ""
	if len(rest) >= 6 && rest[0] == '#' {
		state = string(rest[1:6])
		rest = rest[6:]
	}
	if state != "" {
		return fmt.Sprintf("ERR %d (%s): %s", code, state, rest)
	}
	return fmt.Sprintf("ERR %d: %s", code, rest)
}

// formatResultSet renders a text-protocol result set. complete is false when the
// packets end before the terminating EOF/OK.
func formatResultSet(packets []mysqlPacket) (string, bool) {
	count, n := readLenEncInt(packets[0].payload)
	if n == 0 || count == 0 || count > 4096 {
		return Dump(joinPayloads(packets)), true
	}

	rest := packets[1:]
	columns := make([]string, 0, count)
	for len(columns) < int(count) {
		if len(rest) == 0 {
			return fmt.Sprintf("columns: %s", strings.Join(columns, ", ")), false
		}
		columns = append(columns, columnName(rest[0].payload))
		rest = rest[1:]
	}
	if len(rest) > 0 && isEOF(rest[0].payload) {
		rest = rest[1:]
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "columns: %s", strings.Join(columns, ", "))
	rows := 0
	for _, p := range rest {
		if isEOF(p.payload) || (len(p.payload) > 0 && p.payload[0] == mysqlERR) {
			fmt.Fprintf(&sb, "\n%d row(s)", rows)
			return sb.String(), true
		}
		rows++
		sb.WriteString("\n")
		values := p.payload
		for _, col := range columns {
			if len(values) == 0 {
				break
			}
			var v string
			if values[0] == mysqlNULL {
				v = "NULL"
				values = values[1:]
			} else {
				s, used := readLenEncString(values)
				if used == 0 {
					break
				}
				v = s
				values = values[used:]
			}
			fmt.Fprintf(&sb, "\n%s = %s", col, v)
		}
	}
	return sb.String(), false
}

// columnName pulls `name` out of a ColumnDefinition41 packet: catalog, schema,
// table, org_table, name.
func columnName(p []byte) string {
	var s string
	for i := 0; i < 5; i++ {
		var used int
		s, used = readLenEncString(p)
		if used == 0 {
			return "?"
		}
		p = p[used:]
	}
	return s
}

func isEOF(p []byte) bool {
	return len(p) > 0 && p[0] == mysqlEOF && len(p) < 9
}

func joinPayloads(packets []mysqlPacket) []byte {
	var out []byte
	for _, p := range packets {
		out = append(out, p.payload...)
	}
	return out
}

// readLenEncInt decodes a length-encoded integer, returning bytes consumed (0 on
// truncation).
func readLenEncInt(b []byte) (uint64, int) {
	if len(b) == 0 {
		return 0, 0
	}
	switch b[0] {
	case 0xfc:
		if len(b) < 3 {
			return 0, 0
		}
		return uint64(binary.LittleEndian.Uint16(b[1:3])), 3
	case 0xfd:
		if len(b) < 4 {
			return 0, 0
		}
		return uint64(b[1]) | uint64(b[2])<<8 | uint64(b[3])<<16, 4
	case 0xfe:
		if len(b) < 9 {
			return 0, 0
		}
		return binary.LittleEndian.Uint64(b[1:9]), 9
	case mysqlNULL, mysqlERR:
		return 0, 0
	default:
		return uint64(b[0]), 1
	}
}

func readLenEncString(b []byte) (string, int) {
	n, used := readLenEncInt(b)
	if used == 0 || uint64(len(b)-used) < n {
		return "", 0
	}
	end := used + int(n)
	return string(b[used:end]), end
}

func readNullString(b []byte) (string, []byte, bool) {
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), b[i+1:], true
		}
	}
	return string(b), nil, false
}
