package proxyconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// File is the on-disk rule document.
type File struct {
	Configs []*ProxyConfig `json:"configs" yaml:"configs"`
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Load reads a rule file. A missing file yields an empty set.
func Load(path string) ([]*ProxyConfig, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("proxyconfig: read %s: %w", path, err)
	}

	var f File
	if isYAML(path) {
		err = yaml.Unmarshal(data, &f)
	} else {
		err = json.Unmarshal(data, &f)
	}
	if err != nil {
		return nil, fmt.Errorf("proxyconfig: parse %s: %w", path, err)
	}

	out := f.Configs[:0]
	for _, c := range f.Configs {
		if c == nil {
			continue
		}
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("proxyconfig: %s: %w", path, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// Save writes the rule set atomically via a temp file and rename.
func Save(path string, cfgs []ProxyConfig) error {
	f := File{Configs: make([]*ProxyConfig, len(cfgs))}
	for i := range cfgs {
		f.Configs[i] = &cfgs[i]
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(&f)
	} else {
		data, err = json.MarshalIndent(&f, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("proxyconfig: encode: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("proxyconfig: mkdir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("proxyconfig: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("proxyconfig: rename %s: %w", path, err)
	}
	return nil
}
