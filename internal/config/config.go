// Package config loads allproxy settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/samber/lo"
)

// Config holds all configuration for the proxy.
type Config struct {
	// Listeners
	ListenPort       int
	GRPCPort         int
	GRPCSecurePort   int
	ConsoleAddr      string
	ConsoleFallbacks []string

	// PublicHostname, when set, puts the proxy in blocking mode: forward
	// proxy requests are refused.
	PublicHostname string
	HTTP2          bool
	Docker         bool

	// Storage
	DataDir     string
	ConfigFile  string
	CACert      string
	CAKey       string
	CertDir     string
	ReplaceDir  string
	Archive     string
	RelayConfig string

	MaxBodyBytes int

	LogLevel string
	LogFile  string
}

// Load reads configuration from environment variables and optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	docker := getEnvBoolOrDefault("ALLPROXY_DOCKER", false)
	consoleDefault := "127.0.0.1:8889"
	if docker {
		consoleDefault = "0.0.0.0:8889"
	}
	dataDir := getEnvOrDefault("ALLPROXY_DATA_DIR", "./allproxy_data")

	cfg := &Config{
		ListenPort:       getEnvIntOrDefault("ALLPROXY_LISTEN_PORT", 8888),
		GRPCPort:         getEnvIntOrDefault("ALLPROXY_GRPC_PORT", 0),
		GRPCSecurePort:   getEnvIntOrDefault("ALLPROXY_GRPC_SECURE_PORT", 0),
		ConsoleAddr:      getEnvOrDefault("ALLPROXY_CONSOLE_ADDR", consoleDefault),
		ConsoleFallbacks: getEnvListOrDefault("ALLPROXY_CONSOLE_FALLBACKS", []string{"127.0.0.1:8890", "127.0.0.1:8891"}),
		PublicHostname:   strings.TrimSpace(os.Getenv("ALLPROXY_PUBLIC_HOSTNAME")),
		HTTP2:            getEnvBoolOrDefault("ALLPROXY_HTTP2", true),
		Docker:           docker,
		DataDir:          dataDir,
		ConfigFile:       getEnvOrDefault("ALLPROXY_CONFIG_FILE", filepath.Join(dataDir, "config.json")),
		CACert:           getEnvOrDefault("ALLPROXY_CA_CERT", filepath.Join(dataDir, "ca", "ca.pem")),
		CAKey:            getEnvOrDefault("ALLPROXY_CA_KEY", filepath.Join(dataDir, "ca", "ca.key")),
		CertDir:          getEnvOrDefault("ALLPROXY_CERT_DIR", filepath.Join(dataDir, "certs")),
		ReplaceDir:       getEnvOrDefault("ALLPROXY_REPLACE_DIR", filepath.Join(dataDir, "replace-responses")),
		Archive:          strings.ToLower(getEnvOrDefault("ALLPROXY_ARCHIVE", "none")),
		RelayConfig:      os.Getenv("ALLPROXY_RELAY_CONFIG"),
		MaxBodyBytes:     getEnvIntOrDefault("ALLPROXY_MAX_BODY_BYTES", 50*1024*1024),
		LogLevel:         strings.ToLower(getEnvOrDefault("ALLPROXY_LOG_LEVEL", "info")),
		LogFile:          getEnvOrDefault("ALLPROXY_LOG_FILE", "logs/allproxy.log"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	for name, port := range map[string]int{
		"ALLPROXY_LISTEN_PORT":      c.ListenPort,
		"ALLPROXY_GRPC_PORT":        c.GRPCPort,
		"ALLPROXY_GRPC_SECURE_PORT": c.GRPCSecurePort,
	} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("config: %s out of range: %d", name, port)
		}
	}
	if _, _, err := net.SplitHostPort(c.ConsoleAddr); err != nil {
		return fmt.Errorf("config: ALLPROXY_CONSOLE_ADDR: %w", err)
	}
	if !lo.Contains([]string{"none", "jsonl", "sqlite"}, c.Archive) {
		return fmt.Errorf("config: ALLPROXY_ARCHIVE must be none, jsonl or sqlite, got %q", c.Archive)
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 50 * 1024 * 1024
	}
	return nil
}

// Blocking reports whether forward proxying is refused.
func (c *Config) Blocking() bool {
	return c.PublicHostname != ""
}

// ListenAddr is the main proxy address on every interface.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort("", strconv.Itoa(c.ListenPort))
}

// GRPCAddrs returns the h2c and TLS gRPC addresses; a disabled port yields "".
func (c *Config) GRPCAddrs() (plain, secure string) {
	if c.GRPCPort > 0 {
		plain = net.JoinHostPort("", strconv.Itoa(c.GRPCPort))
	}
	if c.GRPCSecurePort > 0 {
		secure = net.JoinHostPort("", strconv.Itoa(c.GRPCSecurePort))
	}
	return plain, secure
}

// BrowserProfileDir is where launched browsers keep their profile.
func (c *Config) BrowserProfileDir() string {
	return filepath.Join(c.DataDir, "browser-profile")
}

// ArchiveDir holds the capture archive.
func (c *Config) ArchiveDir() string {
	return filepath.Join(c.DataDir, "archive")
}

// FilesDir is the sandbox observers read and write through file events.
func (c *Config) FilesDir() string {
	return filepath.Join(c.DataDir, "files")
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvListOrDefault(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	parts := lo.Map(strings.Split(val, ","), func(s string, _ int) string { return strings.TrimSpace(s) })
	return lo.Compact(parts)
}
