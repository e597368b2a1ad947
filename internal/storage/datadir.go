package storage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dgnsrekt/allproxy/internal/proxyconfig"
)

// DefaultChunkSize is the read size used when ReadFile is asked for chunk <= 0.
const DefaultChunkSize = 64 * 1024

// DataDir confines observer file operations to one directory tree.
type DataDir struct {
	root string
}

// NewDataDir creates root if needed and returns a DataDir over it.
func NewDataDir(root string) (*DataDir, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: data dir %s: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("storage: mkdir %s: %w", abs, err)
	}
	return &DataDir{root: abs}, nil
}

// Root returns the absolute sandbox directory.
func (d *DataDir) Root() string { return d.root }

// Resolve maps a sandbox-relative name onto the filesystem. Absolute names are
// treated as relative to the root; anything that climbs out is rejected.
func (d *DataDir) Resolve(name string) (string, error) {
	clean := filepath.Clean(filepath.Join(d.root, filepath.FromSlash(strings.TrimLeft(name, `/\`))))
	rel, err := filepath.Rel(d.root, clean)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", proxyconfig.NewError(proxyconfig.CodeSandbox, fmt.Sprintf("path %q escapes data directory", name), err)
	}
	if resolved, err := filepath.EvalSymlinks(clean); err == nil {
		rel, err := filepath.Rel(d.root, resolved)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", proxyconfig.NewError(proxyconfig.CodeSandbox, fmt.Sprintf("path %q links outside data directory", name), err)
		}
	}
	return clean, nil
}

func (d *DataDir) Mkdir(name string) error {
	p, err := d.Resolve(name)
	if err != nil {
		return err
	}
	return os.MkdirAll(p, 0o755)
}

func (d *DataDir) WriteFile(name string, data []byte) error {
	p, err := d.Resolve(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o644)
}

func (d *DataDir) AppendFile(name string, data []byte) error {
	p, err := d.Resolve(name)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// DeleteFile removes a file or an entire directory tree. The root itself
// cannot be removed.
func (d *DataDir) DeleteFile(name string) error {
	p, err := d.Resolve(name)
	if err != nil {
		return err
	}
	if p == d.root {
		return proxyconfig.NewError(proxyconfig.CodeSandbox, "cannot delete data directory root", nil)
	}
	return os.RemoveAll(p)
}

func (d *DataDir) RenameFile(from, to string) error {
	src, err := d.Resolve(from)
	if err != nil {
		return err
	}
	dst, err := d.Resolve(to)
	if err != nil {
		return err
	}
	return os.Rename(src, dst)
}

func (d *DataDir) Exists(name string) (bool, error) {
	p, err := d.Resolve(name)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// ReadDir lists entry names, directories suffixed with "/", sorted.
func (d *DataDir) ReadDir(name string) ([]string, error) {
	p, err := d.Resolve(name)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(p)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() {
			n += "/"
		}
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

// GrepDir returns the names of regular files directly under dir containing
// match on any line.
func (d *DataDir) GrepDir(dir, match string) ([]string, error) {
	p, err := d.Resolve(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(p)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		ok, err := fileContains(filepath.Join(p, e.Name()), match)
		if err != nil {
			continue
		}
		if ok {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

func fileContains(path, match string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if strings.Contains(sc.Text(), match) {
			return true, nil
		}
	}
	return false, sc.Err()
}

// Chunk is one piece of a file read by offset.
type Chunk struct {
	Data       string `json:"data"`
	Offset     int64  `json:"offset"`
	NextOffset int64  `json:"nextOffset"`
	Size       int64  `json:"size"`
	EOF        bool   `json:"eof"`
}

// ReadFile reads up to chunk bytes starting at offset.
func (d *DataDir) ReadFile(name string, offset int64, chunk int) (Chunk, error) {
	p, err := d.Resolve(name)
	if err != nil {
		return Chunk{}, err
	}
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	if offset < 0 {
		offset = 0
	}
	f, err := os.Open(p)
	if err != nil {
		return Chunk{}, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return Chunk{}, err
	}

	buf := make([]byte, chunk)
	n, err := f.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return Chunk{}, err
	}
	next := offset + int64(n)
	return Chunk{
		Data:       string(buf[:n]),
		Offset:     offset,
		NextOffset: next,
		Size:       st.Size(),
		EOF:        next >= st.Size(),
	}, nil
}
