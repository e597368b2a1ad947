package observer

import (
	"sync"
	"sync/atomic"

	"github.com/dgnsrekt/allproxy/internal/message"
)

// Window limits.
const (
	MaxOut    = 2
	BatchSize = 100
)

// Session is one connected observer.
type Session struct {
	id   string
	conn Conn
	done chan struct{}

	breakpoint atomic.Bool

	mu          sync.Mutex
	closed      bool
	messagesOut int
	queue       []*entry
	batchSeq    int
}

func newSession(id string, conn Conn) *Session {
	return &Session{id: id, conn: conn, done: make(chan struct{})}
}

func (s *Session) ID() string { return s.id }

// Outstanding returns the number of unacknowledged batches and queued messages.
func (s *Session) Outstanding() (batches, queued int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messagesOut, len(s.queue)
}

// batch is one reqResJson payload.
type batch struct {
	Messages []message.Message `json:"messages"`
	BatchSeq int               `json:"batchSeq"`
	Queued   int               `json:"queued"`

	ids []uint64
}

// offer sends e now if the window has room, else queues it. The caller sends
// the returned batch, if any, outside the lock.
func (s *Session) offer(e *entry) *batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if s.messagesOut >= MaxOut {
		s.queue = append(s.queue, e)
		return nil
	}
	s.messagesOut++
	return s.batchLocked([]*entry{e})
}

// acked closes one batch and, when the queue is non-empty, opens the next
// with up to BatchSize messages in FIFO order.
func (s *Session) acked() *batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.messagesOut > 0 {
		s.messagesOut--
	}
	if s.closed || len(s.queue) == 0 || s.messagesOut >= MaxOut {
		return nil
	}
	n := min(len(s.queue), BatchSize)
	take := s.queue[:n:n]
	s.queue = s.queue[n:]
	s.messagesOut++
	return s.batchLocked(take)
}

func (s *Session) batchLocked(entries []*entry) *batch {
	s.batchSeq++
	b := &batch{
		Messages: make([]message.Message, 0, len(entries)),
		BatchSeq: s.batchSeq,
		Queued:   len(s.queue),
		ids:      make([]uint64, 0, len(entries)),
	}
	for _, e := range entries {
		b.Messages = append(b.Messages, e.msg)
		b.ids = append(b.ids, e.id)
	}
	return b
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.queue = nil
	close(s.done)
}
