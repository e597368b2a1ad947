package observer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/dgnsrekt/allproxy/internal/message"
	"github.com/dgnsrekt/allproxy/internal/proxyconfig"
)

const eventTimeout = 30 * time.Second

// Log-search events belong to an external search tool this proxy does not
// ship; they are answered with an unsupported status.
var unsupportedEvents = map[string]bool{
	"read file":         true,
	"new subset":        true,
	"get subsets":       true,
	"json field exists": true,
	"file line matcher": true,
}

type handlerFunc func(ctx context.Context, s *Session, data json.RawMessage) (any, error)

func (m *Manager) handlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		EventProxyConfig: m.onProxyConfig,
		EventBreakpoint:  m.onBreakpoint,
		"resend":         m.onResend,
		"mkdir":          m.fsPath(func(p fsArgs) (any, error) { return nil, m.data.Mkdir(p.Path) }),
		"writeFile":      m.fsPath(func(p fsArgs) (any, error) { return nil, m.data.WriteFile(p.Path, []byte(p.Data)) }),
		"appendFile":     m.fsPath(func(p fsArgs) (any, error) { return nil, m.data.AppendFile(p.Path, []byte(p.Data)) }),
		"deleteFile":     m.fsPath(func(p fsArgs) (any, error) { return nil, m.data.DeleteFile(p.Path) }),
		"renameFile":     m.fsPath(func(p fsArgs) (any, error) { return nil, m.data.RenameFile(p.Path, p.To) }),
		"exists":         m.fsPath(func(p fsArgs) (any, error) { return m.data.Exists(p.Path) }),
		"readDir":        m.fsPath(func(p fsArgs) (any, error) { return m.data.ReadDir(p.Path) }),
		"grepDir":        m.fsPath(func(p fsArgs) (any, error) { return m.data.GrepDir(p.Path, p.Match) }),
		"readFile":       m.fsPath(func(p fsArgs) (any, error) { return m.data.ReadFile(p.Path, p.Offset, p.Chunk) }),
		"detect browsers": m.onDetectBrowsers,
		"launch browser":  m.onLaunchBrowser,
		"ostype":          m.onOSType,
	}
}

// Handle runs one observer request and replies when the frame carries an id.
func (m *Manager) Handle(s *Session, env Envelope) {
	var (
		result any
		err    error
	)
	if unsupportedEvents[env.Event] {
		result = map[string]string{"status": "unsupported", "event": env.Event}
	} else if h, ok := m.handlers()[env.Event]; ok {
		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		result, err = h(ctx, s, env.Data)
		cancel()
	} else {
		err = fmt.Errorf("unknown event %q", env.Event)
	}

	if err != nil {
		slog.Warn("Observer event failed", "event", env.Event, "session", s.id, "error", err)
		result = map[string]string{"error": err.Error()}
	}
	if env.ID != 0 {
		if rerr := s.conn.Reply(env.Event, env.ID, result); rerr != nil {
			slog.Debug("Observer reply failed", "event", env.Event, "session", s.id, "error", rerr)
		}
	}
}

// onProxyConfig replaces the session's rule set, persists it and sends it back
// with fresh reachability.
func (m *Manager) onProxyConfig(ctx context.Context, s *Session, data json.RawMessage) (any, error) {
	var cfgs []*proxyconfig.ProxyConfig
	if err := json.Unmarshal(data, &cfgs); err != nil {
		var file proxyconfig.File
		if ferr := json.Unmarshal(data, &file); ferr != nil {
			return nil, proxyconfig.NewError(proxyconfig.CodeValidation, "proxy config must be a list of rules", err)
		}
		cfgs = file.Configs
	}
	for _, c := range cfgs {
		if err := c.Validate(); err != nil {
			return nil, err
		}
	}

	added, removed := m.store.ReplaceSession(s.id, cfgs)
	slog.Info("Observer replaced proxy rules",
		"session", s.id,
		"rules", len(cfgs),
		"added", len(added),
		"removed", len(removed))

	m.store.SetReachable(proxyconfig.Probe(ctx, m.store.Session(s.id)))
	current := m.store.Session(s.id)
	if m.configPath != "" {
		path := m.configPath
		m.saveLater(func() {
			if err := proxyconfig.Save(path, current); err != nil {
				slog.Error("Failed to save proxy config", "file", path, "error", err)
			}
		})
	}
	if err := s.conn.Send(EventProxyConfig, current, nil); err != nil {
		return nil, err
	}
	return current, nil
}

func (m *Manager) onBreakpoint(_ context.Context, s *Session, data json.RawMessage) (any, error) {
	var enabled bool
	if err := json.Unmarshal(data, &enabled); err != nil {
		var obj struct {
			Enabled bool `json:"enabled"`
		}
		if oerr := json.Unmarshal(data, &obj); oerr != nil {
			return nil, proxyconfig.NewError(proxyconfig.CodeValidation, "breakpoint expects a boolean", err)
		}
		enabled = obj.Enabled
	}
	s.breakpoint.Store(enabled)
	slog.Info("Breakpoint mode changed", "session", s.id, "enabled", enabled)
	return map[string]bool{"enabled": enabled}, nil
}

func (m *Manager) onResend(ctx context.Context, _ *Session, data json.RawMessage) (any, error) {
	m.mu.RLock()
	r := m.resender
	m.mu.RUnlock()
	if r == nil {
		return nil, errors.New("resend is not available")
	}
	var req message.ResendRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, proxyconfig.NewError(proxyconfig.CodeValidation, "malformed resend request", err)
	}
	if err := r.Resend(ctx, req); err != nil {
		m.Error(fmt.Sprintf("Resend of %s %s failed: %v", req.Method, req.URL, err))
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

type fsArgs struct {
	Path   string `json:"path"`
	To     string `json:"to"`
	Data   string `json:"data"`
	Match  string `json:"match"`
	Offset int64  `json:"offset"`
	Chunk  int    `json:"chunk"`
}

func (m *Manager) fsPath(fn func(fsArgs) (any, error)) handlerFunc {
	return func(_ context.Context, _ *Session, data json.RawMessage) (any, error) {
		if m.data == nil {
			return nil, errors.New("data directory is not configured")
		}
		var args fsArgs
		if err := json.Unmarshal(data, &args); err != nil {
			// A bare string is the path.
			if serr := json.Unmarshal(data, &args.Path); serr != nil {
				return nil, proxyconfig.NewError(proxyconfig.CodeValidation, "malformed file request", err)
			}
		}
		out, err := fn(args)
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = map[string]bool{"ok": true}
		}
		return out, nil
	}
}

func (m *Manager) onDetectBrowsers(_ context.Context, _ *Session, _ json.RawMessage) (any, error) {
	if m.browsers == nil {
		return []any{}, nil
	}
	return m.browsers.Detect(), nil
}

func (m *Manager) onLaunchBrowser(ctx context.Context, _ *Session, data json.RawMessage) (any, error) {
	if m.browsers == nil {
		return nil, errors.New("browser launching is not available")
	}
	var args struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &args); err != nil {
		if serr := json.Unmarshal(data, &args.Name); serr != nil {
			return nil, proxyconfig.NewError(proxyconfig.CodeValidation, "launch browser expects a name", err)
		}
	}
	// The browser outlives this request.
	if err := m.browsers.Launch(context.WithoutCancel(ctx), args.Name); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func (m *Manager) onOSType(_ context.Context, _ *Session, _ json.RawMessage) (any, error) {
	host, _ := os.Hostname()
	_, docker := os.LookupEnv("ALLPROXY_DOCKER")
	return map[string]any{
		"os":        runtime.GOOS,
		"arch":      runtime.GOARCH,
		"goVersion": runtime.Version(),
		"numCPU":    runtime.NumCPU(),
		"hostname":  host,
		"docker":    docker,
	}, nil
}
