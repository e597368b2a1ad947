// Package storage persists captured exchanges and owns the on-disk directories
// observers and the HTTP engine read from.
package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dgnsrekt/allproxy/internal/capture"
	"github.com/dgnsrekt/allproxy/internal/message"
)

// Archive kinds accepted by Open.
const (
	ArchiveNone   = "none"
	ArchiveJSONL  = "jsonl"
	ArchiveSQLite = "sqlite"
)

// Record is one archived exchange.
type Record struct {
	ID         string          `json:"id"`
	RecordedAt time.Time       `json:"recorded_at"`
	Message    message.Message `json:"message"`
}

// Archive receives every finished exchange. Implementations must not block.
type Archive interface {
	Record(msg message.Message)
	Close() error
}

// Recent is implemented by archives that can list what they stored.
type Recent interface {
	Recent(limit int, protocol string) ([]Record, error)
}

// NewRecord stamps msg with a fresh id.
func NewRecord(msg message.Message) Record {
	return Record{ID: uuid.NewString(), RecordedAt: time.Now().UTC(), Message: msg}
}

// Open builds the archive named by kind under dir. "none" returns nil.
func Open(kind, dir string, maxBodyBytes int) (Archive, error) {
	switch strings.ToLower(kind) {
	case "", ArchiveNone:
		return nil, nil
	case ArchiveJSONL:
		return NewWriterRegistry(dir, 1024, 100, maxBodyBytes), nil
	case ArchiveSQLite:
		return OpenSQLite(dir, maxBodyBytes)
	default:
		return nil, fmt.Errorf("storage: unknown archive kind %q", kind)
	}
}

// capBodies trims string bodies so one large exchange cannot bloat the archive.
func capBodies(msg message.Message, maxBytes int) message.Message {
	if maxBytes <= 0 {
		return msg
	}
	capOne := func(body any) any {
		s, ok := body.(string)
		if !ok {
			return body
		}
		out, truncated, size, sum := capture.Truncate([]byte(s), maxBytes)
		if truncated {
			return fmt.Sprintf("%s ... (truncated, %d bytes, sha256 %s)", out, size, sum)
		}
		return s
	}
	msg.RequestBody = capOne(msg.RequestBody)
	msg.ResponseBody = capOne(msg.ResponseBody)
	return msg
}
