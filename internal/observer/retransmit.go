package observer

import (
	"sync"

	"github.com/dgnsrekt/allproxy/internal/message"
)

// StalenessWindow is how far behind the global counter a pending entry may
// fall before reconnect replay drops it.
const StalenessWindow = 1000

// pruneEvery sets how many registrations pass between sweeps of entries no
// live session can ever acknowledge.
const pruneEvery = 256

type entry struct {
	id      uint64
	msg     message.Message
	seq     float64
	pending map[string]bool
}

// retransmitTable holds every delivered-but-unacknowledged Message, keyed by
// emission id, with the sessions still owing an ack.
type retransmitTable struct {
	mu      sync.Mutex
	nextID  uint64
	entries map[uint64]*entry
	order   []uint64
	dead    map[string]bool
	since   int
}

func newRetransmitTable() *retransmitTable {
	return &retransmitTable{
		entries: make(map[uint64]*entry),
		dead:    make(map[string]bool),
	}
}

// register records msg as owed by sessions. current is the global counter,
// used to sweep stale entries of departed sessions.
func (t *retransmitTable) register(msg message.Message, sessions []string, current float64) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	e := &entry{id: t.nextID, msg: msg, seq: msg.SequenceNumber, pending: make(map[string]bool, len(sessions))}
	for _, id := range sessions {
		e.pending[id] = true
	}
	t.entries[e.id] = e
	t.order = append(t.order, e.id)

	t.since++
	if t.since >= pruneEvery {
		t.since = 0
		t.pruneLocked(current)
	}
	return e
}

// ack clears session from each entry; fully acknowledged entries are removed.
func (t *retransmitTable) ack(session string, ids []uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		e, ok := t.entries[id]
		if !ok {
			continue
		}
		delete(e.pending, session)
		if len(e.pending) == 0 {
			delete(t.entries, id)
		}
	}
}

func (t *retransmitTable) markDead(session string) {
	t.mu.Lock()
	t.dead[session] = true
	t.mu.Unlock()
}

// replay hands every entry still owed by a departed session over to session,
// in original order. Entries more than StalenessWindow behind current are
// dropped instead.
func (t *retransmitTable) replay(session string, current float64) (replayed []*entry, dropped int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, id := range t.order {
		e, ok := t.entries[id]
		if !ok {
			continue
		}
		owedByDead := false
		for sid := range e.pending {
			if t.dead[sid] {
				owedByDead = true
				delete(e.pending, sid)
			}
		}
		if !owedByDead {
			continue
		}
		if current-e.seq > StalenessWindow {
			dropped++
			if len(e.pending) == 0 {
				delete(t.entries, id)
			}
			continue
		}
		e.pending[session] = true
		replayed = append(replayed, e)
	}
	t.dead = make(map[string]bool)
	t.compactLocked()
	return replayed, dropped
}

// pruneLocked removes stale entries owed only by departed sessions.
func (t *retransmitTable) pruneLocked(current float64) {
	for id, e := range t.entries {
		if current-e.seq <= StalenessWindow {
			continue
		}
		live := false
		for sid := range e.pending {
			if !t.dead[sid] {
				live = true
				break
			}
		}
		if !live {
			delete(t.entries, id)
		}
	}
	t.compactLocked()
}

func (t *retransmitTable) compactLocked() {
	out := t.order[:0]
	for _, id := range t.order {
		if _, ok := t.entries[id]; ok {
			out = append(out, id)
		}
	}
	t.order = out
}

func (t *retransmitTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
