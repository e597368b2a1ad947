package format

import "strings"

// Redis renders RESP traffic with CRLF line endings normalized.
type Redis struct{}

func (Redis) Format(req, resp []byte) (string, string) {
	return strings.ReplaceAll(string(req), "\r\n", "\n"),
		strings.ReplaceAll(string(resp), "\r\n", "\n")
}
