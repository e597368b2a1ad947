// Package observer delivers captured Messages to connected consoles with
// per-observer flow control, acknowledgement and reconnect replay.
package observer

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/google/uuid"

	"github.com/dgnsrekt/allproxy/internal/browser"
	"github.com/dgnsrekt/allproxy/internal/message"
	"github.com/dgnsrekt/allproxy/internal/proxyconfig"
	"github.com/dgnsrekt/allproxy/internal/storage"
)

// Server to observer events.
const (
	EventPortConfig  = "port config"
	EventProxyConfig = "proxy config"
	EventMessages    = "reqResJson"
	EventStatus      = "status dialog"
	EventError       = "error dialog"
	EventBreakpoint  = "breakpoint"
)

// Sink receives every emitted Message; it must not block.
type Sink interface {
	Publish(msg message.Message)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(message.Message)

func (f SinkFunc) Publish(msg message.Message) { f(msg) }

// Resender replays a captured request.
type Resender interface {
	Resend(ctx context.Context, req message.ResendRequest) error
}

// Browsers finds and starts local browsers pointed at the proxy.
type Browsers interface {
	Detect() []browser.Browser
	Launch(ctx context.Context, name string) error
}

// PortConfig is the listener layout reported to observers on connect.
type PortConfig struct {
	HTTPPort       int `json:"httpPort"`
	GRPCPort       int `json:"grpcPort,omitempty"`
	GRPCSecurePort int `json:"grpcSecurePort,omitempty"`
	ConsolePort    int `json:"consolePort,omitempty"`
}

// Options wires a Manager to the rest of the proxy. Only Store and Sequencer
// are required.
type Options struct {
	Store      *proxyconfig.Store
	Sequencer  *message.Sequencer
	Ports      PortConfig
	ConfigPath string
	SaveDelay  time.Duration
	DataDir    *storage.DataDir
	Resender   Resender
	Browsers   Browsers
}

// Manager owns the connected observers.
type Manager struct {
	store    *proxyconfig.Store
	seq      *message.Sequencer
	ports    PortConfig
	data     *storage.DataDir
	browsers Browsers

	configPath string
	saveLater  func(func())

	table *retransmitTable
	bp    breakpointQueue

	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string
	sinks    []Sink
	resender Resender
}

func NewManager(opts Options) *Manager {
	delay := opts.SaveDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	return &Manager{
		store:      opts.Store,
		seq:        opts.Sequencer,
		ports:      opts.Ports,
		data:       opts.DataDir,
		browsers:   opts.Browsers,
		resender:   opts.Resender,
		configPath: opts.ConfigPath,
		saveLater:  debounce.New(delay),
		table:      newRetransmitTable(),
		sessions:   make(map[string]*Session),
	}
}

// AddSink registers a consumer for every emitted Message.
func (m *Manager) AddSink(s Sink) {
	m.mu.Lock()
	m.sinks = append(m.sinks, s)
	m.mu.Unlock()
}

// SetResender installs the replay handler after construction; the HTTP engine
// and the Manager refer to each other.
func (m *Manager) SetResender(r Resender) {
	m.mu.Lock()
	m.resender = r
	m.mu.Unlock()
}

// SetPorts updates the listener layout sent to observers that connect later.
func (m *Manager) SetPorts(p PortConfig) {
	m.mu.Lock()
	m.ports = p
	m.mu.Unlock()
}

// Ports returns the current listener layout.
func (m *Manager) Ports() PortConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ports
}

// Connect registers a new observer, sends it the listener and rule layout and
// replays anything a departed observer left unacknowledged.
func (m *Manager) Connect(conn Conn) *Session {
	s := newSession(uuid.NewString(), conn)
	cfgs := m.store.Attach(s.id)

	m.mu.Lock()
	m.sessions[s.id] = s
	m.order = append(m.order, s.id)
	ports := m.ports
	m.mu.Unlock()

	if err := conn.Send(EventPortConfig, ports, nil); err != nil {
		slog.Warn("Failed to send port config", "session", s.id, "error", err)
	}
	if err := conn.Send(EventProxyConfig, cfgs, nil); err != nil {
		slog.Warn("Failed to send proxy config", "session", s.id, "error", err)
	}

	replayed, dropped := m.table.replay(s.id, m.seq.Current())
	if len(replayed) > 0 || dropped > 0 {
		slog.Info("Replaying unacknowledged messages",
			"session", s.id,
			"replayed", len(replayed),
			"dropped_stale", dropped)
	}
	for _, e := range replayed {
		m.deliver(s, e)
	}
	return s
}

// Disconnect tears a session down and closes the listeners its rules own.
// Its unacknowledged messages stay in the table for the next observer.
func (m *Manager) Disconnect(s *Session) {
	m.mu.Lock()
	if _, ok := m.sessions[s.id]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, s.id)
	for i, id := range m.order {
		if id == s.id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	s.close()
	m.table.markDead(s.id)
	m.store.Detach(s.id)
}

// Sessions returns the number of connected observers.
func (m *Manager) Sessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Emit delivers msg as typ to every observer subscribed to cfg. A nil or
// dynamically added cfg reaches every observer.
func (m *Manager) Emit(typ message.Type, msg *message.Message, cfg *proxyconfig.ProxyConfig) {
	out := msg.Snapshot()
	out.Type = typ
	if cfg != nil {
		c := cfg.Clone()
		out.ProxyConfig = &c
	}

	m.mu.RLock()
	sinks := m.sinks
	var targets []*Session
	seen := make(map[string]bool)
	for _, id := range m.order {
		s := m.sessions[id]
		if s == nil || seen[id] {
			continue
		}
		if cfg == nil || cfg.IsDynamic() || m.store.Owns(id, cfg) {
			seen[id] = true
			targets = append(targets, s)
		}
	}
	m.mu.RUnlock()

	for _, sink := range sinks {
		sink.Publish(out)
	}
	if len(targets) == 0 {
		return
	}

	ids := make([]string, 0, len(targets))
	for _, s := range targets {
		ids = append(ids, s.id)
	}
	e := m.table.register(out, ids, m.seq.Current())
	for _, s := range targets {
		m.deliver(s, e)
	}
}

func (m *Manager) deliver(s *Session, e *entry) {
	if b := s.offer(e); b != nil {
		m.sendBatch(s, b)
	}
}

func (m *Manager) sendBatch(s *Session, b *batch) {
	err := s.conn.Send(EventMessages, b, func(json.RawMessage) {
		m.table.ack(s.id, b.ids)
		if next := s.acked(); next != nil {
			m.sendBatch(s, next)
		}
	})
	if err != nil {
		slog.Debug("Batch send failed", "session", s.id, "batch", b.BatchSeq, "error", err)
	}
}

// Status shows a status dialog on every observer.
func (m *Manager) Status(text string) { m.broadcast(EventStatus, text) }

// Error shows an error dialog on every observer.
func (m *Manager) Error(text string) { m.broadcast(EventError, text) }

func (m *Manager) broadcast(event string, data any) {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, id := range m.order {
		sessions = append(sessions, m.sessions[id])
	}
	m.mu.RUnlock()
	for _, s := range sessions {
		if err := s.conn.Send(event, data, nil); err != nil {
			slog.Debug("Broadcast failed", "event", event, "session", s.id, "error", err)
		}
	}
}

// Close disconnects every observer.
func (m *Manager) Close() {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()
	for _, s := range sessions {
		m.Disconnect(s)
		s.conn.Close()
	}
}
