package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"maskguard-service/internal/domain/detection"
)

func frameFor(source string, seq uint64) *detection.Frame {
	return &detection.Frame{SourceID: source, Sequence: seq}
}

func eventFor(f *detection.Frame) *detection.Event {
	return &detection.Event{SourceID: f.SourceID, Sequence: f.Sequence}
}

func TestSequencerReleasesInAdmissionOrder(t *testing.T) {
	s := newSequencer()
	var got []uint64
	emit := func(e *detection.Event) { got = append(got, e.Sequence) }

	frames := []*detection.Frame{frameFor("a", 1), frameFor("a", 2), frameFor("a", 3)}
	for _, f := range frames {
		s.expect(f)
	}

	s.complete(frames[2], eventFor(frames[2]), emit)
	s.complete(frames[1], eventFor(frames[1]), emit)
	assert.Empty(t, got)
	assert.Equal(t, 3, s.inFlight())

	s.complete(frames[0], eventFor(frames[0]), emit)
	assert.Equal(t, []uint64{1, 2, 3}, got)
	assert.Equal(t, 0, s.inFlight())
}

func TestSequencerDroppedFrameReleasesSlot(t *testing.T) {
	s := newSequencer()
	var got []uint64
	emit := func(e *detection.Event) { got = append(got, e.Sequence) }

	a1, a2, b1 := frameFor("a", 1), frameFor("a", 2), frameFor("b", 1)
	s.expect(a1)
	s.expect(a2)
	s.expect(b1)

	s.complete(b1, eventFor(b1), emit)
	assert.Equal(t, []uint64{1}, got, "sources are ordered independently")

	s.complete(a2, eventFor(a2), emit)
	s.forget(a1, emit)
	assert.Equal(t, []uint64{1, 2}, got)
}

func TestSequencerUnknownFrameEmitsImmediately(t *testing.T) {
	s := newSequencer()
	var got []uint64
	s.complete(frameFor("x", 9), eventFor(frameFor("x", 9)), func(e *detection.Event) { got = append(got, e.Sequence) })
	assert.Equal(t, []uint64{9}, got)
}
