package proxyconfig

import (
	"log/slog"
	"sync"
)

// Activator owns the listening resources of TCP-family rules.
type Activator interface {
	Activate(cfg *ProxyConfig) error
	Deactivate(cfg *ProxyConfig)
}

// Store holds the rule set of every connected observer plus the startup set that
// applies until an observer claims it. The claiming session is its holder; when
// the holder leaves, its current rules become the unclaimed set again.
type Store struct {
	mu        sync.RWMutex
	sessions  map[string][]*ProxyConfig
	order     []string
	pending   []*ProxyConfig
	claimed   bool
	holder    string
	activator Activator
}

func NewStore() *Store {
	return &Store{sessions: make(map[string][]*ProxyConfig)}
}

// SetActivator installs the listener owner used on every rule change.
func (s *Store) SetActivator(a Activator) {
	s.mu.Lock()
	s.activator = a
	s.mu.Unlock()
}

// SeedPending installs the startup rule set and activates its TCP-family rules.
func (s *Store) SeedPending(cfgs []*ProxyConfig) {
	s.mu.Lock()
	s.pending = cfgs
	s.claimed = false
	s.holder = ""
	act := s.activator
	s.mu.Unlock()

	activate(act, cfgs)
}

// Attach registers an observer session. A session arriving while the startup set is
// unclaimed adopts it, listeners included; others start empty until they push
// their own rules.
func (s *Store) Attach(id string) []ProxyConfig {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cfgs []*ProxyConfig
	if !s.claimed {
		cfgs = s.pending
		s.pending = nil
		s.claimed = true
		s.holder = id
	}
	s.sessions[id] = cfgs
	s.order = append(s.order, id)
	return cloneAll(cfgs)
}

// Detach removes a session and closes the listeners its rules own. The holder's
// rules instead return to the unclaimed set with their listeners open, so
// matching continues and the next observer adopts them.
func (s *Store) Detach(id string) {
	s.mu.Lock()
	cfgs, ok := s.sessions[id]
	delete(s.sessions, id)
	for i, sid := range s.order {
		if sid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if ok && s.claimed && s.holder == id {
		s.pending = cfgs
		s.claimed = false
		s.holder = ""
		s.mu.Unlock()
		slog.Debug("Proxy rules returned to the unclaimed set", "session", id, "rules", len(cfgs))
		return
	}
	act := s.activator
	s.mu.Unlock()

	if ok {
		deactivate(act, cfgs)
	}
}

// ReplaceSession swaps a session's rule set wholesale. Rules present before and
// after keep their listener; the rest are deactivated or activated.
func (s *Store) ReplaceSession(id string, cfgs []*ProxyConfig) (added, removed []*ProxyConfig) {
	s.mu.Lock()
	old := s.sessions[id]
	if _, ok := s.sessions[id]; !ok {
		s.order = append(s.order, id)
	}

	prev := make(map[string]*ProxyConfig, len(old))
	for _, c := range old {
		prev[c.Key()] = c
	}
	for _, c := range cfgs {
		if o, ok := prev[c.Key()]; ok {
			c.SetListener(o.Listener())
			delete(prev, c.Key())
			continue
		}
		added = append(added, c)
	}
	for _, c := range old {
		if _, gone := prev[c.Key()]; gone {
			removed = append(removed, c)
		}
	}
	s.sessions[id] = cfgs
	act := s.activator
	s.mu.Unlock()

	deactivate(act, removed)
	activate(act, added)
	return added, removed
}

// Session returns copies of one session's rules.
func (s *Store) Session(id string) []ProxyConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneAll(s.sessions[id])
}

// Owns reports whether session id holds a recording rule with cfg's protocol and path.
func (s *Store) Owns(id string, cfg *ProxyConfig) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.sessions[id] {
		if c.Protocol == cfg.Protocol && c.Path == cfg.Path && c.Recording {
			return true
		}
	}
	return false
}

// All returns every registered rule across sessions, plus the startup set while
// it is unclaimed. The pointers are live; callers must not mutate them.
func (s *Store) All() []*ProxyConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ProxyConfig
	for _, id := range s.order {
		out = append(out, s.sessions[id]...)
	}
	if !s.claimed {
		out = append(out, s.pending...)
	}
	return out
}

// Snapshot returns copies of All for serialization.
func (s *Store) Snapshot() []ProxyConfig {
	return cloneAll(s.All())
}

// Match runs Match over every registered rule.
func (s *Store) Match(protocol Protocol, clientHost, requestURL string, forward bool) *ProxyConfig {
	return Match(s.All(), protocol, clientHost, requestURL, forward)
}

// SetReachable records probe results keyed by Target.
func (s *Store) SetReachable(results map[string]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	apply := func(cfgs []*ProxyConfig) {
		for _, c := range cfgs {
			if ok, found := results[c.Target()]; found {
				c.HostReachable = ok
			}
		}
	}
	for _, cfgs := range s.sessions {
		apply(cfgs)
	}
	apply(s.pending)
}

func activate(act Activator, cfgs []*ProxyConfig) {
	if act == nil {
		return
	}
	for _, c := range cfgs {
		if !c.Protocol.IsTCPFamily() {
			continue
		}
		if err := act.Activate(c); err != nil {
			slog.Error("Failed to activate proxy rule",
				"protocol", c.Protocol,
				"path", c.Path,
				"target", c.Target(),
				"error", err)
		}
	}
}

func deactivate(act Activator, cfgs []*ProxyConfig) {
	if act == nil {
		return
	}
	for _, c := range cfgs {
		if c.Protocol.IsTCPFamily() {
			act.Deactivate(c)
		}
	}
}

func cloneAll(cfgs []*ProxyConfig) []ProxyConfig {
	out := make([]ProxyConfig, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, c.Clone())
	}
	return out
}
