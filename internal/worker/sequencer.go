package worker

import (
	"sync"

	"maskguard-service/internal/domain/detection"
)

// sequencer releases events in the order their frames were admitted to the
// queue, per source. Workers finish out of order; a finished frame waits
// until every earlier frame of the same source is finished or dropped.
type sequencer struct {
	mu    sync.Mutex
	lanes map[string]*lane
}

type lane struct {
	mu      sync.Mutex
	pending []*slot
}

type slot struct {
	seq   uint64
	done  bool
	event *detection.Event
}

func newSequencer() *sequencer {
	return &sequencer{lanes: make(map[string]*lane)}
}

func (s *sequencer) lane(source string) *lane {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lanes[source]
	if !ok {
		l = &lane{}
		s.lanes[source] = l
	}
	return l
}

// expect reserves a position for a frame about to be pushed.
func (s *sequencer) expect(f *detection.Frame) {
	l := s.lane(f.SourceID)
	l.mu.Lock()
	l.pending = append(l.pending, &slot{seq: f.Sequence})
	l.mu.Unlock()
}

// forget removes the reservation of a frame the queue refused.
func (s *sequencer) forget(f *detection.Frame, emit func(*detection.Event)) {
	s.complete(f, nil, emit)
}

// complete records the outcome for f (nil event = dropped) and emits every
// event that is now at the head of its source lane. emit runs under the lane
// lock so releases of one source never interleave.
func (s *sequencer) complete(f *detection.Frame, event *detection.Event, emit func(*detection.Event)) {
	l := s.lane(f.SourceID)
	l.mu.Lock()
	defer l.mu.Unlock()

	found := false
	for _, sl := range l.pending {
		if sl.seq == f.Sequence && !sl.done {
			sl.done = true
			sl.event = event
			found = true
			break
		}
	}
	if !found {
		// frame bypassed admission; nothing to order against
		if event != nil {
			emit(event)
		}
		return
	}

	n := 0
	for n < len(l.pending) && l.pending[n].done {
		if ev := l.pending[n].event; ev != nil {
			emit(ev)
		}
		l.pending[n] = nil
		n++
	}
	l.pending = l.pending[n:]
}

func (s *sequencer) inFlight() int {
	s.mu.Lock()
	lanes := make([]*lane, 0, len(s.lanes))
	for _, l := range s.lanes {
		lanes = append(lanes, l)
	}
	s.mu.Unlock()

	total := 0
	for _, l := range lanes {
		l.mu.Lock()
		total += len(l.pending)
		l.mu.Unlock()
	}
	return total
}
