package observer

import (
	"context"
	"encoding/json"
	"log/slog"
	"reflect"
	"sync"

	"github.com/dgnsrekt/allproxy/internal/message"
)

// breakpointQueue lets one breakpoint round trip run at a time, process wide.
// Waiters are granted the slot in arrival order.
type breakpointQueue struct {
	mu      sync.Mutex
	busy    bool
	waiters []chan struct{}
}

func (q *breakpointQueue) acquire(ctx context.Context) error {
	q.mu.Lock()
	if !q.busy {
		q.busy = true
		q.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	q.waiters = append(q.waiters, ch)
	q.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		q.mu.Lock()
		for i, w := range q.waiters {
			if w == ch {
				q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
				q.mu.Unlock()
				return ctx.Err()
			}
		}
		q.mu.Unlock()
		// Granted while cancelling: pass the slot on.
		q.release()
		return ctx.Err()
	}
}

func (q *breakpointQueue) release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.waiters) > 0 {
		next := q.waiters[0]
		q.waiters = q.waiters[1:]
		close(next)
		return
	}
	q.busy = false
}

func (q *breakpointQueue) waiting() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}

// BreakpointEnabled reports whether any connected observer wants to edit
// responses.
func (m *Manager) BreakpointEnabled() bool {
	return m.breakpointSession() != nil
}

func (m *Manager) breakpointSession() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.order {
		if s := m.sessions[id]; s != nil && s.breakpoint.Load() {
			return s
		}
	}
	return nil
}

// Breakpoint sends msg to the first observer with breakpoints enabled and
// waits for its edited copy. The original is returned unchanged when no
// observer is interested, when that observer leaves, or when ctx ends.
func (m *Manager) Breakpoint(ctx context.Context, msg message.Message) message.Message {
	if !m.BreakpointEnabled() {
		return msg
	}
	if err := m.bp.acquire(ctx); err != nil {
		return msg
	}
	defer m.bp.release()

	s := m.breakpointSession()
	if s == nil {
		return msg
	}

	reply := make(chan json.RawMessage, 1)
	out := msg.Snapshot()
	out.ProxyConfig = nil
	if err := s.conn.Send(EventBreakpoint, out, func(data json.RawMessage) {
		reply <- data
	}); err != nil {
		slog.Warn("Breakpoint send failed", "session", s.id, "error", err)
		return msg
	}

	select {
	case data := <-reply:
		var edited message.Message
		if err := json.Unmarshal(data, &edited); err != nil {
			slog.Warn("Breakpoint reply unreadable, releasing original", "session", s.id, "error", err)
			return msg
		}
		result := msg
		result.ResponseBody = edited.ResponseBody
		if edited.ResponseHeaders != nil {
			result.ResponseHeaders = edited.ResponseHeaders
		}
		if edited.Status != 0 {
			result.Status = edited.Status
		}
		result.Modified = result.Status != msg.Status || !reflect.DeepEqual(normalize(result.ResponseBody), normalize(msg.ResponseBody))
		return result
	case <-s.done:
		slog.Info("Breakpoint observer left, releasing original", "session", s.id)
		return msg
	case <-ctx.Done():
		return msg
	}
}

// normalize round-trips v through JSON so decoded and constructed values compare
// equal.
func normalize(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if json.Unmarshal(b, &out) != nil {
		return v
	}
	return out
}
