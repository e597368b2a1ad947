package format

import (
	"encoding/binary"
	"math/rand"
	"strings"
	"testing"

	"github.com/dgnsrekt/allproxy/internal/proxyconfig"
)

func mysqlFrame(seq byte, payload []byte) []byte {
	n := len(payload)
	return append([]byte{byte(n), byte(n >> 8), byte(n >> 16), seq}, payload...)
}

func lenEnc(s string) []byte {
	return append([]byte{byte(len(s))}, s...)
}

func columnDef(name string) []byte {
	var p []byte
	for _, s := range []string{"def", "shop", "users", "users", name, name} {
		p = append(p, lenEnc(s)...)
	}
	return append(p, 0x0c, 0x21, 0x00)
}

func TestSQLQueryPretty(t *testing.T) {
	req := mysqlFrame(0, append([]byte{0x03}, "select id, name from users where id = 1 and active = 1"...))
	got, _ := SQL{}.Format(req, nil)
	want := "select id, name\nfrom users\nwhere id = 1\nand active = 1"
	if got != want {
		t.Fatalf("Format(query) = %q; want %q", got, want)
	}
}

func TestSQLCommandTable(t *testing.T) {
	tests := []struct {
		cmd  byte
		want string
	}{
		{0x01, "Quit"},
		{0x0e, "Ping"},
		{0x1f, "ResetConnection"},
	}
	for _, tt := range tests {
		got, _ := SQL{}.Format(mysqlFrame(0, []byte{tt.cmd}), nil)
		if got != tt.want {
			t.Fatalf("Format(cmd 0x%02x) = %q; want %q", tt.cmd, got, tt.want)
		}
	}
	if got, _ := (SQL{}).Format(mysqlFrame(0, append([]byte{0x02}, "shop"...)), nil); got != "InitDB shop" {
		t.Fatalf("Format(InitDB) = %q; want %q", got, "InitDB shop")
	}
}

func TestSQLResultSet(t *testing.T) {
	var resp []byte
	resp = append(resp, mysqlFrame(1, []byte{0x02})...)
	resp = append(resp, mysqlFrame(2, columnDef("id"))...)
	resp = append(resp, mysqlFrame(3, columnDef("name"))...)
	resp = append(resp, mysqlFrame(4, []byte{0xfe, 0, 0, 2, 0})...)
	resp = append(resp, mysqlFrame(5, append(lenEnc("1"), lenEnc("ada")...))...)
	resp = append(resp, mysqlFrame(6, append(lenEnc("2"), mysqlNULL))...)
	resp = append(resp, mysqlFrame(7, []byte{0xfe, 0, 0, 2, 0})...)

	_, got := SQL{}.Format(nil, resp)
	for _, want := range []string{"columns: id, name", "id = 1", "name = ada", "name = NULL", "2 row(s)"} {
		if !strings.Contains(got, want) {
			t.Fatalf("Format(result set) = %q; missing %q", got, want)
		}
	}
	if strings.Contains(got, "(partial)") {
		t.Fatalf("Format(complete result set) = %q; want no partial tag", got)
	}

	truncated := resp[:len(resp)-12]
	_, got = SQL{}.Format(nil, truncated)
	if !strings.HasSuffix(got, "(partial)") {
		t.Fatalf("Format(truncated) = %q; want (partial) suffix", got)
	}
}

func TestSQLOKAndERR(t *testing.T) {
	_, ok := SQL{}.Format(nil, mysqlFrame(1, []byte{0x00, 0x03, 0x07, 0x02, 0x00}))
	if ok != "OK affected_rows=3 last_insert_id=7" {
		t.Fatalf("Format(OK) = %q", ok)
	}

	errPayload := append([]byte{0xff, 0x28, 0x04}, "#42000You have an error"...)
	_, e := SQL{}.Format(nil, mysqlFrame(1, errPayload))
	if e != "ERR 1064 (42000): You have an error" {
		t.Fatalf("Format(ERR) = %q", e)
	}
}

func mongoMsg(requestID, responseTo, opCode int32, body []byte) []byte {
	b := make([]byte, mongoHeaderLen, mongoHeaderLen+len(body))
	binary.LittleEndian.PutUint32(b[0:4], uint32(mongoHeaderLen+len(body)))
	binary.LittleEndian.PutUint32(b[4:8], uint32(requestID))
	binary.LittleEndian.PutUint32(b[8:12], uint32(responseTo))
	binary.LittleEndian.PutUint32(b[12:16], uint32(opCode))
	return append(b, body...)
}

func TestMongoOpMsgAndReply(t *testing.T) {
	// OP_MSG: flagBits, kind 0, document {find: ...}
	doc := []byte{0x10, 0, 0, 0, 0x02}
	doc = append(doc, "find\x00"...)
	body := append([]byte{0, 0, 0, 0, 0}, doc...)
	req, _ := Mongo{}.Format(mongoMsg(7, 0, 2013, body), nil)
	if !strings.Contains(req, "OP_MSG requestID=7") || !strings.Contains(req, "command=find") {
		t.Fatalf("Format(OP_MSG) = %q", req)
	}

	reply := make([]byte, 20)
	binary.LittleEndian.PutUint32(reply[0:4], 0b1010)
	binary.LittleEndian.PutUint32(reply[16:20], 3)
	_, resp := Mongo{}.Format(nil, mongoMsg(8, 7, 1, reply))
	if !strings.Contains(resp, "OP_REPLY requestID=8 responseTo=7") {
		t.Fatalf("Format(OP_REPLY) = %q", resp)
	}
	if !strings.Contains(resp, "flags=[QueryFailure,AwaitCapable] numberReturned=3") {
		t.Fatalf("Format(OP_REPLY flags) = %q", resp)
	}
}

func TestRedisNormalizesLineEndings(t *testing.T) {
	req, resp := Redis{}.Format([]byte("*1\r\n$4\r\nPING\r\n"), []byte("+PONG\r\n"))
	if req != "*1\n$4\nPING\n" || resp != "+PONG\n" {
		t.Fatalf("Format() = %q, %q", req, resp)
	}
}

func TestDump(t *testing.T) {
	got := Dump([]byte("hello\x00world, this is hex"))
	lines := strings.Split(strings.TrimSuffix(got, "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("Dump() = %d rows; want 2:\n%s", len(lines), got)
	}
	if !strings.HasPrefix(lines[0], "00000000  68 65 6c 6c 6f 00") {
		t.Fatalf("row 0 = %q", lines[0])
	}
	if !strings.HasSuffix(lines[0], "|hello.world, thi|") {
		t.Fatalf("row 0 ascii = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "00000010  ") {
		t.Fatalf("row 1 = %q", lines[1])
	}
}

func TestFormattersNeverPanic(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	protos := []proxyconfig.Protocol{proxyconfig.SQL, proxyconfig.Mongo, proxyconfig.Redis, proxyconfig.TCP}
	for i := 0; i < 500; i++ {
		req := make([]byte, rng.Intn(64))
		resp := make([]byte, rng.Intn(64))
		rng.Read(req)
		rng.Read(resp)
		for _, p := range protos {
			For(p).Format(req, resp)
		}
	}
}

type panicky struct{}

func (panicky) Format(req, resp []byte) (string, string) { panic("boom") }

func TestSafeFallsBackToHex(t *testing.T) {
	f := safe{name: "test", inner: panicky{}}
	req, resp := f.Format([]byte("ab"), []byte("cd"))
	if req != Dump([]byte("ab")) || resp != Dump([]byte("cd")) {
		t.Fatalf("Format() = %q, %q; want hex dumps", req, resp)
	}
}
