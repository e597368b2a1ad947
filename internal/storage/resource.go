package storage

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// Replacements serves local files in place of origin response bodies. A file at
// <dir>/<host>/<path> replaces the response for that host and path.
type Replacements struct {
	baseDir string
}

func NewReplacements(baseDir string) *Replacements {
	return &Replacements{baseDir: baseDir}
}

// Path returns where the replacement for host and urlPath lives.
func (r *Replacements) Path(host, urlPath string) string {
	return filepath.Join(r.baseDir, hostSegment(host), filepath.FromSlash(pathSegments(urlPath)))
}

// Lookup returns the replacement file and its bytes, if one exists. Any read
// problem is treated as "no replacement".
func (r *Replacements) Lookup(host, urlPath string) (string, []byte, bool) {
	if r == nil || r.baseDir == "" {
		return "", nil, false
	}
	p := r.Path(host, urlPath)
	st, err := os.Stat(p)
	if err != nil || st.IsDir() {
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Debug("Replacement lookup failed", "path", p, "error", err)
		}
		return "", nil, false
	}
	data, err := os.ReadFile(p)
	if err != nil {
		slog.Warn("Replacement file unreadable", "path", p, "error", err)
		return "", nil, false
	}
	return p, data, true
}

// Save writes data as the replacement for host and urlPath.
func (r *Replacements) Save(host, urlPath string, data []byte) error {
	p := r.Path(host, urlPath)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return err
	}
	slog.Debug("Replacement file written", "path", p, "size", len(data))
	return nil
}
