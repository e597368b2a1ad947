package message

import (
	"sync"
	"time"
)

// maxDuplicates is how many stamps may share one millisecond before the
// timestamp is pushed into the next millisecond.
const maxDuplicates = 999

// Stamp is the ordering identity assigned when an exchange is first observed.
type Stamp struct {
	Seq       float64
	Timestamp float64
}

// Sequencer issues process-wide, strictly increasing stamps. One instance is shared
// by every engine that observes traffic.
type Sequencer struct {
	mu       sync.Mutex
	seq      int64
	lastMs   int64
	dupCount int
}

func NewSequencer() *Sequencer {
	return &Sequencer{}
}

// Next returns the next stamp. Seq is a counter; Timestamp is the millisecond clock
// with a sub-decimal duplicate counter when several stamps land in the same
// millisecond. Both increase strictly, even when the wall clock steps backwards.
func (s *Sequencer) Next(now time.Time) Stamp {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	ms := now.UnixMilli()
	if ms <= s.lastMs {
		s.dupCount++
		if s.dupCount > maxDuplicates {
			s.lastMs++
			s.dupCount = 0
		}
		ms = s.lastMs
	} else {
		s.lastMs = ms
		s.dupCount = 0
	}

	return Stamp{
		Seq:       float64(s.seq),
		Timestamp: float64(ms) + float64(s.dupCount)/1000,
	}
}

// Current returns the last issued sequence number, 0 before the first call to Next.
func (s *Sequencer) Current() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return float64(s.seq)
}
