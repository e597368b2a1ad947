package storage

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/dgnsrekt/allproxy/internal/message"
)

// WriterRegistry is the JSONL archive: one JSONLWriter per protocol, created on
// first use, all sharing this run's file name.
type WriterRegistry struct {
	baseDir      string
	runID        string
	maxSizeMB    int
	bufferSize   int
	maxBodyBytes int

	writers map[string]*JSONLWriter
	mu      sync.RWMutex
}

// NewWriterRegistry creates a WriterRegistry rooted at baseDir.
func NewWriterRegistry(baseDir string, bufferSize, maxSizeMB, maxBodyBytes int) *WriterRegistry {
	return &WriterRegistry{
		baseDir:      baseDir,
		runID:        uuid.NewString()[:8],
		maxSizeMB:    maxSizeMB,
		bufferSize:   bufferSize,
		maxBodyBytes: maxBodyBytes,
		writers:      make(map[string]*JSONLWriter),
	}
}

// Record queues msg on its protocol's writer.
func (r *WriterRegistry) Record(msg message.Message) {
	w := r.GetWriter(protocolDir(msg.Protocol))
	if err := w.Write(NewRecord(capBodies(msg, r.maxBodyBytes))); err != nil {
		slog.Debug("Archive record dropped", "protocol", msg.Protocol, "error", err)
	}
}

// GetWriter returns (or creates) the JSONLWriter for a protocol directory.
func (r *WriterRegistry) GetWriter(subDir string) *JSONLWriter {
	r.mu.RLock()
	if writer, ok := r.writers[subDir]; ok {
		r.mu.RUnlock()
		return writer
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if writer, ok := r.writers[subDir]; ok {
		return writer
	}

	writer := NewJSONLWriter(r.baseDir, subDir, r.runID, r.bufferSize, r.maxSizeMB)
	r.writers[subDir] = writer

	slog.Info("Created new JSONL writer",
		"subdir", subDir,
		"run_id", r.runID)

	return writer
}

// Close closes all managed writers.
func (r *WriterRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var lastErr error
	for subDir, writer := range r.writers {
		if err := writer.Close(); err != nil {
			slog.Error("Failed to close writer",
				"subdir", subDir,
				"error", err)
			lastErr = err
		}
	}
	r.writers = make(map[string]*JSONLWriter)

	return lastErr
}

func protocolDir(protocol string) string {
	p := strings.TrimSuffix(strings.ToLower(protocol), ":")
	if p == "" {
		return "other"
	}
	return p
}
