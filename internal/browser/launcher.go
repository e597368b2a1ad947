// Package browser finds local Chromium-family browsers and launches them with
// the proxy configured.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// Browser is one installed browser.
type Browser struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Config holds launch settings.
type Config struct {
	ProxyPort  int
	StartURL   string
	ProfileDir string
	// Headless is used by tests and CI.
	Headless bool
}

type candidate struct {
	name  string
	bins  []string
	paths map[string][]string // GOOS -> absolute paths
}

var candidates = []candidate{
	{name: "chrome", bins: []string{"google-chrome", "google-chrome-stable"}, paths: map[string][]string{
		"darwin":  {"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"},
		"windows": {`C:\Program Files\Google\Chrome\Application\chrome.exe`},
	}},
	{name: "chromium", bins: []string{"chromium", "chromium-browser"}, paths: map[string][]string{
		"darwin": {"/Applications/Chromium.app/Contents/MacOS/Chromium"},
	}},
	{name: "brave", bins: []string{"brave-browser", "brave"}, paths: map[string][]string{
		"darwin": {"/Applications/Brave Browser.app/Contents/MacOS/Brave Browser"},
	}},
	{name: "edge", bins: []string{"microsoft-edge", "microsoft-edge-stable"}, paths: map[string][]string{
		"darwin":  {"/Applications/Microsoft Edge.app/Contents/MacOS/Microsoft Edge"},
		"windows": {`C:\Program Files (x86)\Microsoft\Edge\Application\msedge.exe`},
	}},
}

// Launcher starts browsers and keeps them until Close.
type Launcher struct {
	cfg      Config
	lookPath func(string) (string, error)
	stat     func(string) (os.FileInfo, error)

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func NewLauncher(cfg Config) *Launcher {
	if cfg.StartURL == "" {
		cfg.StartURL = "about:blank"
	}
	return &Launcher{
		cfg:      cfg,
		lookPath: exec.LookPath,
		stat:     os.Stat,
		running:  make(map[string]context.CancelFunc),
	}
}

// Detect lists the supported browsers installed on this machine.
func (l *Launcher) Detect() []Browser {
	var out []Browser
	for _, c := range candidates {
		if p := l.find(c); p != "" {
			out = append(out, Browser{Name: c.name, Path: p})
		}
	}
	return out
}

func (l *Launcher) find(c candidate) string {
	for _, bin := range c.bins {
		if p, err := l.lookPath(bin); err == nil {
			return p
		}
	}
	for _, p := range c.paths[runtime.GOOS] {
		if _, err := l.stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Launch starts the named browser with its traffic routed through the proxy.
// An empty name picks the first detected browser.
func (l *Launcher) Launch(ctx context.Context, name string) error {
	var chosen *Browser
	for _, b := range l.Detect() {
		if name == "" || strings.EqualFold(b.Name, name) {
			chosen = &b
			break
		}
	}
	if chosen == nil {
		return fmt.Errorf("browser: %q is not installed", name)
	}

	profile := l.cfg.ProfileDir
	if profile == "" {
		profile = filepath.Join(os.TempDir(), "allproxy-browser")
	}
	profile = filepath.Join(profile, chosen.Name)
	if err := os.MkdirAll(profile, 0o755); err != nil {
		return fmt.Errorf("browser: create profile dir: %w", err)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(chosen.Path),
		chromedp.UserDataDir(profile),
		chromedp.ProxyServer(fmt.Sprintf("http://127.0.0.1:%d", l.cfg.ProxyPort)),
		chromedp.Flag("headless", l.cfg.Headless),
		chromedp.Flag("proxy-bypass-list", "<-loopback>"),
		chromedp.Flag("ignore-certificate-errors", true),
		chromedp.NoFirstRun,
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	cancel := func() {
		tabCancel()
		allocCancel()
	}

	if err := chromedp.Run(tabCtx,
		network.Enable(),
		network.SetCacheDisabled(true),
		chromedp.Navigate(l.cfg.StartURL),
	); err != nil {
		cancel()
		return fmt.Errorf("browser: start %s: %w", chosen.Name, err)
	}

	l.mu.Lock()
	if prev, ok := l.running[chosen.Name]; ok {
		prev()
	}
	l.running[chosen.Name] = cancel
	l.mu.Unlock()

	slog.Info("Browser launched", "browser", chosen.Name, "path", chosen.Path, "proxy_port", l.cfg.ProxyPort)
	return nil
}

// Close stops every launched browser.
func (l *Launcher) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for name, cancel := range l.running {
		cancel()
		slog.Info("Browser stopped", "browser", name)
	}
	l.running = make(map[string]context.CancelFunc)
}
