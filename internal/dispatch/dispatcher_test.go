package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maskguard-service/internal/domain/detection"
)

type recordingSink struct {
	name  string
	mu    sync.Mutex
	got   []uint64
	fail  func(attempt int64, e *detection.Event) error
	calls atomic.Int64
	block chan struct{}
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Deliver(ctx context.Context, e *detection.Event) error {
	n := s.calls.Add(1)
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.fail != nil {
		if err := s.fail(n, e); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.got = append(s.got, e.Sequence)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) sequences() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.got...)
}

type evenOnly struct{ recordingSink }

func (s *evenOnly) Accept(e *detection.Event) bool { return e.Sequence%2 == 0 }

func event(seq uint64) *detection.Event {
	return &detection.Event{SourceID: "cam-1", Sequence: seq, Detections: []detection.Detection{}}
}

var fastRetry = LaneConfig{Buffer: 16, MaxRetries: 2, RetryDelay: time.Millisecond, MaxRetryDelay: 2 * time.Millisecond}

func TestDispatcherDeliversInOrder(t *testing.T) {
	d := New(nil, zerolog.Nop())
	sink := &recordingSink{name: "storage"}
	require.NoError(t, d.Register(sink, fastRetry))
	require.NoError(t, d.Start(context.Background()))

	for i := uint64(1); i <= 10; i++ {
		d.Dispatch(event(i))
	}
	require.NoError(t, d.Close(context.Background()))

	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, sink.sequences())
	assert.Equal(t, uint64(10), d.Stats()["storage"].Delivered)
}

func TestDispatcherRegisterRules(t *testing.T) {
	d := New(nil, zerolog.Nop())
	require.NoError(t, d.Register(&recordingSink{name: "a"}, LaneConfig{}))
	assert.ErrorIs(t, d.Register(&recordingSink{name: "a"}, LaneConfig{}), ErrDuplicateSink)
	require.NoError(t, d.Start(context.Background()))
	assert.ErrorIs(t, d.Register(&recordingSink{name: "b"}, LaneConfig{}), ErrAlreadyStarted)
	assert.ErrorIs(t, d.Start(context.Background()), ErrAlreadyStarted)
	require.NoError(t, d.Close(context.Background()))
}

func TestDispatcherRetriesThenSucceeds(t *testing.T) {
	d := New(nil, zerolog.Nop())
	sink := &recordingSink{name: "alert", fail: func(n int64, e *detection.Event) error {
		if n < 3 {
			return errors.New("bot api unavailable")
		}
		return nil
	}}
	require.NoError(t, d.Register(sink, fastRetry))
	require.NoError(t, d.Start(context.Background()))

	d.Dispatch(event(1))
	require.NoError(t, d.Close(context.Background()))

	stats := d.Stats()["alert"]
	assert.Equal(t, uint64(1), stats.Delivered)
	assert.Equal(t, uint64(2), stats.Retries)
	assert.Equal(t, []uint64{1}, sink.sequences())
}

func TestDispatcherFailingSinkIsIsolated(t *testing.T) {
	d := New(nil, zerolog.Nop())
	var reported []*detection.SinkDeliveryError
	var mu sync.Mutex
	d.OnFailure = func(err *detection.SinkDeliveryError) {
		mu.Lock()
		reported = append(reported, err)
		mu.Unlock()
	}

	broken := &recordingSink{name: "alert", fail: func(int64, *detection.Event) error {
		return errors.New("connection refused")
	}}
	healthy := &recordingSink{name: "storage"}
	require.NoError(t, d.Register(broken, fastRetry))
	require.NoError(t, d.Register(healthy, fastRetry))
	require.NoError(t, d.Start(context.Background()))

	for i := uint64(1); i <= 3; i++ {
		d.Dispatch(event(i))
	}
	require.NoError(t, d.Close(context.Background()))

	assert.Equal(t, []uint64{1, 2, 3}, healthy.sequences())
	stats := d.Stats()
	assert.Equal(t, uint64(3), stats["alert"].Failed)
	assert.Equal(t, uint64(6), stats["alert"].Retries)
	assert.Contains(t, stats["alert"].LastError, "connection refused")
	assert.Equal(t, uint64(3), stats["storage"].Delivered)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reported, 3)
	assert.ErrorIs(t, reported[0], detection.ErrSinkDelivery)
	assert.Equal(t, 3, reported[0].Attempts)
	assert.Equal(t, "alert", reported[0].Sink)
}

func TestDispatcherFullLaneDropsWithoutBlocking(t *testing.T) {
	d := New(nil, zerolog.Nop())
	slow := &recordingSink{name: "telemetry", block: make(chan struct{})}
	fast := &recordingSink{name: "metrics"}
	require.NoError(t, d.Register(slow, LaneConfig{Buffer: 2}))
	require.NoError(t, d.Register(fast, LaneConfig{Buffer: 16}))
	require.NoError(t, d.Start(context.Background()))

	d.Dispatch(event(1))
	require.Eventually(t, func() bool { return slow.calls.Load() == 1 }, time.Second, time.Millisecond)

	start := time.Now()
	for i := uint64(2); i <= 6; i++ {
		d.Dispatch(event(i))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	close(slow.block)
	require.NoError(t, d.Close(context.Background()))

	assert.Equal(t, uint64(3), d.Stats()["telemetry"].Dropped)
	assert.Equal(t, []uint64{1, 2, 3}, slow.sequences())
	assert.Len(t, fast.sequences(), 6)
}

func TestDispatcherFilterRunsBeforeDelivery(t *testing.T) {
	d := New(nil, zerolog.Nop())
	sink := &evenOnly{recordingSink{name: "alert"}}
	require.NoError(t, d.Register(sink, fastRetry))
	require.NoError(t, d.Start(context.Background()))

	for i := uint64(1); i <= 4; i++ {
		d.Dispatch(event(i))
	}
	require.NoError(t, d.Close(context.Background()))

	assert.Equal(t, []uint64{2, 4}, sink.sequences())
	assert.Equal(t, uint64(2), d.Stats()["alert"].Filtered)
}

func TestDispatcherCloseDeadlineDropsPending(t *testing.T) {
	d := New(nil, zerolog.Nop())
	stuck := &recordingSink{name: "storage", block: make(chan struct{})}
	require.NoError(t, d.Register(stuck, LaneConfig{Buffer: 8}))
	require.NoError(t, d.Start(context.Background()))

	for i := uint64(1); i <= 4; i++ {
		d.Dispatch(event(i))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Close(ctx), context.DeadlineExceeded)

	stats := d.Stats()["storage"]
	assert.Equal(t, uint64(0), stats.Delivered)
	assert.Equal(t, uint64(0), stats.Failed)
	assert.Equal(t, uint64(4), stats.Dropped)

	d.Dispatch(event(5))
	assert.Equal(t, uint64(4), d.Stats()["storage"].Dropped)
}

func TestDispatcherRecoversSinkPanic(t *testing.T) {
	d := New(nil, zerolog.Nop())
	sink := &recordingSink{name: "storage", fail: func(n int64, e *detection.Event) error {
		if e.Sequence == 1 {
			panic("nil map")
		}
		return nil
	}}
	require.NoError(t, d.Register(sink, LaneConfig{MaxRetries: 0, Buffer: 4}))
	require.NoError(t, d.Start(context.Background()))

	d.Dispatch(event(1))
	d.Dispatch(event(2))
	require.NoError(t, d.Close(context.Background()))

	assert.Equal(t, []uint64{2}, sink.sequences())
	assert.Equal(t, uint64(1), d.Stats()["storage"].Failed)
}
