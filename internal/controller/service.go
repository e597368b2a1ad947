// Package controller implements the console operations behind the REST API.
package controller

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/dgnsrekt/allproxy/internal/message"
	"github.com/dgnsrekt/allproxy/internal/observer"
	"github.com/dgnsrekt/allproxy/internal/proxyconfig"
	"github.com/dgnsrekt/allproxy/internal/storage"
)

// ConsoleSession owns the rules pushed through the REST API. It sits beside
// observer sessions in the store and is never detached.
const ConsoleSession = "console"

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 1000
)

// Health summarizes the running proxy.
type Health struct {
	Status    string    `json:"status"`
	Observers int       `json:"observers"`
	Rules     int       `json:"rules"`
	Sequence  float64   `json:"sequence"`
	StartedAt time.Time `json:"started_at"`
}

// Options wires a Service. Archive and Resender may be nil.
type Options struct {
	Store      *proxyconfig.Store
	Observers  *observer.Manager
	Sequencer  *message.Sequencer
	Resender   observer.Resender
	Archive    storage.Archive
	ConfigPath string
}

// Service wraps the rule store, observer manager and archive for the console.
type Service struct {
	opts    Options
	started time.Time
}

func NewService(opts Options) *Service {
	return &Service{opts: opts, started: time.Now().UTC()}
}

func (s *Service) requireNonEmpty(value, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return proxyconfig.NewError(proxyconfig.CodeValidation, fieldName+" is required", nil)
	}
	return nil
}

func (s *Service) Health(_ context.Context) Health {
	h := Health{
		Status:    "ok",
		Observers: s.opts.Observers.Sessions(),
		Rules:     len(s.opts.Store.All()),
		StartedAt: s.started,
	}
	if s.opts.Sequencer != nil {
		h.Sequence = s.opts.Sequencer.Current()
	}
	return h
}

// ListConfigs returns every active rule, optionally narrowed to one protocol.
func (s *Service) ListConfigs(_ context.Context, protocol string) ([]proxyconfig.ProxyConfig, error) {
	all := s.opts.Store.Snapshot()
	if protocol == "" {
		return all, nil
	}
	p, err := proxyconfig.ParseProtocol(protocol)
	if err != nil {
		return nil, err
	}
	return lo.Filter(all, func(c proxyconfig.ProxyConfig, _ int) bool { return c.Protocol == p }), nil
}

// ReplaceConfigs swaps the console-owned rule set, probes the new targets and
// persists the result.
func (s *Service) ReplaceConfigs(ctx context.Context, cfgs []*proxyconfig.ProxyConfig) ([]proxyconfig.ProxyConfig, error) {
	for _, c := range cfgs {
		if err := c.Validate(); err != nil {
			return nil, err
		}
	}
	dupes := lo.FindDuplicates(lo.Map(cfgs, func(c *proxyconfig.ProxyConfig, _ int) string { return c.Key() }))
	if len(dupes) > 0 {
		return nil, proxyconfig.NewError(proxyconfig.CodeValidation, "duplicate rule "+dupes[0], nil)
	}

	added, removed := s.opts.Store.ReplaceSession(ConsoleSession, cfgs)
	slog.Info("Console replaced proxy rules",
		"rules", len(cfgs),
		"added", len(added),
		"removed", len(removed))

	s.opts.Store.SetReachable(proxyconfig.Probe(ctx, s.opts.Store.Session(ConsoleSession)))
	current := s.opts.Store.Session(ConsoleSession)
	if s.opts.ConfigPath != "" {
		if err := proxyconfig.Save(s.opts.ConfigPath, current); err != nil {
			slog.Error("Failed to save proxy config", "file", s.opts.ConfigPath, "error", err)
		}
	}
	return current, nil
}

// ProbeConfigs refreshes HostReachable on every rule.
func (s *Service) ProbeConfigs(ctx context.Context) []proxyconfig.ProxyConfig {
	return s.opts.Store.Refresh(ctx)
}

func (s *Service) Ports(_ context.Context) observer.PortConfig {
	return s.opts.Observers.Ports()
}

func (s *Service) Resend(ctx context.Context, req message.ResendRequest) error {
	if err := s.requireNonEmpty(req.URL, "url"); err != nil {
		return err
	}
	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" {
		return proxyconfig.NewError(proxyconfig.CodeValidation, "url must be absolute", err)
	}
	if s.opts.Resender == nil {
		return proxyconfig.NewError(proxyconfig.CodeUnreachable, "resend is not available", nil)
	}
	return s.opts.Resender.Resend(ctx, req)
}

// Recent lists archived exchanges, newest first. Only archives that can list
// their rows support it.
func (s *Service) Recent(_ context.Context, limit int, protocol string) ([]storage.Record, error) {
	lister, ok := s.opts.Archive.(storage.Recent)
	if !ok {
		return nil, proxyconfig.NewError(proxyconfig.CodeNotFound, "archive listing needs ALLPROXY_ARCHIVE=sqlite", nil)
	}
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	limit = min(limit, maxRecentLimit)
	if protocol != "" {
		p, err := proxyconfig.ParseProtocol(protocol)
		if err != nil {
			return nil, err
		}
		protocol = string(p)
	}
	return lister.Recent(limit, protocol)
}
