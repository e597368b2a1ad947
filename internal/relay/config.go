package relay

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dgnsrekt/allproxy/internal/proxyconfig"
)

// FeedConfig names a subset of captured traffic. Empty fields match anything.
type FeedConfig struct {
	Name       string   `yaml:"name"`
	Protocols  []string `yaml:"protocols,omitempty"`
	URLPattern string   `yaml:"url_pattern,omitempty"`
	Endpoints  []string `yaml:"endpoints,omitempty"`
}

// Config is the feeds file.
type Config struct {
	Feeds []FeedConfig `yaml:"feeds"`
}

// LoadConfig reads a feeds YAML file. An empty path yields no extra feeds.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return &Config{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("relay config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("relay config: %w", err)
	}
	for i, f := range cfg.Feeds {
		if f.Name == "" {
			return nil, fmt.Errorf("relay config: feed[%d] missing name", i)
		}
		if f.Name == AllFeed {
			return nil, fmt.Errorf("relay config: feed[%d] uses reserved name %q", i, AllFeed)
		}
		for _, p := range f.Protocols {
			if _, err := proxyconfig.ParseProtocol(p); err != nil {
				return nil, fmt.Errorf("relay config: feed[%d] (%s): %w", i, f.Name, err)
			}
		}
	}
	return &cfg, nil
}
