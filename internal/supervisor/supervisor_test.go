package supervisor

import (
	"context"
	"errors"
	"image"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maskguard-service/internal/dispatch"
	"maskguard-service/internal/domain/detection"
	"maskguard-service/internal/source"
)

// scriptedCapture yields frames from a shared budget; once an incarnation's
// budget is spent it either fails or blocks until ctx ends.
type scriptedCapture struct {
	frames   int
	failOpen bool
	failEnd  bool
	interval time.Duration
	served   int
}

func (c *scriptedCapture) Open(ctx context.Context) error {
	if c.failOpen {
		return errors.New("connection refused")
	}
	return nil
}

func (c *scriptedCapture) Read(ctx context.Context) (image.Image, error) {
	if c.served < c.frames {
		c.served++
		if c.interval > 0 {
			select {
			case <-time.After(c.interval):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return image.NewGray(image.Rect(0, 0, 4, 4)), nil
	}
	if c.failEnd {
		return nil, errors.New("stream ended")
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *scriptedCapture) Close() error { return nil }

type nopClassifier struct {
	jitter bool
	mu     sync.Mutex
	rnd    *rand.Rand
}

func (n *nopClassifier) Classify(ctx context.Context, img image.Image) ([]detection.Detection, error) {
	if n.jitter {
		n.mu.Lock()
		d := time.Duration(n.rnd.Intn(2000)) * time.Microsecond
		n.mu.Unlock()
		time.Sleep(d)
	}
	return []detection.Detection{{Label: detection.LabelUnmasked, Confidence: 0.95}}, nil
}

type collectSink struct {
	mu     sync.Mutex
	events map[string][]uint64
}

func newCollectSink() *collectSink { return &collectSink{events: map[string][]uint64{}} }

func (c *collectSink) Name() string { return "collect" }

func (c *collectSink) Deliver(ctx context.Context, e *detection.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[e.SourceID] = append(c.events[e.SourceID], e.Sequence)
	return nil
}

func (c *collectSink) snapshot() map[string][]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]uint64, len(c.events))
	for k, v := range c.events {
		out[k] = append([]uint64(nil), v...)
	}
	return out
}

type failingSink struct{ calls atomic.Int64 }

func (f *failingSink) Name() string { return "broken" }

func (f *failingSink) Deliver(ctx context.Context, e *detection.Event) error {
	f.calls.Add(1)
	return errors.New("down")
}

func testConfig() Config {
	return Config{
		QueueCapacity:       50,
		Workers:             4,
		ConfidenceThreshold: 0.5,
		PopTimeout:          5 * time.Millisecond,
		PushTimeout:         50 * time.Millisecond,
		RestartCooldown:     time.Millisecond,
		MaxRestarts:         2,
		HealthInterval:      10 * time.Millisecond,
		ShutdownGrace:       5 * time.Second,
		FlushTimeout:        5 * time.Second,
	}
}

func sourceConfigs(ids ...string) []source.Config {
	out := make([]source.Config, 0, len(ids))
	for _, id := range ids {
		out = append(out, source.Config{
			ID:            id,
			URL:           "http://" + id + ".local/stream",
			MaxRetries:    0,
			RetryDelay:    time.Millisecond,
			MaxRetryDelay: time.Millisecond,
		})
	}
	return out
}

func strictlyIncreasing(t *testing.T, seqs []uint64) {
	t.Helper()
	for i := 1; i < len(seqs); i++ {
		assert.Less(t, seqs[i-1], seqs[i])
	}
}

func TestNewRequiresSources(t *testing.T) {
	_, err := New(testConfig(), nil, &nopClassifier{}, nil, nil, nil, zerolog.Nop())
	assert.ErrorIs(t, err, ErrNoSources)

	cfg := testConfig()
	cfg.QueueCapacity = 0
	_, err = New(cfg, sourceConfigs("a"), &nopClassifier{}, nil, nil, nil, zerolog.Nop())
	assert.ErrorIs(t, err, detection.ErrInvalidCapacity)

	_, err = New(testConfig(), sourceConfigs("a", "a"), &nopClassifier{}, nil, nil, nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestPipelineThreeSourcesFourWorkers(t *testing.T) {
	sink := newCollectSink()
	broken := &failingSink{}
	captures := func(cfg source.Config) (source.Capture, error) {
		return &scriptedCapture{frames: 40, interval: 200 * time.Microsecond}, nil
	}
	classifier := &nopClassifier{jitter: true, rnd: rand.New(rand.NewSource(7))}

	sup, err := New(testConfig(), sourceConfigs("cam-a", "cam-b", "cam-c"), classifier, []SinkRegistration{
		{Sink: sink, Lane: dispatch.LaneConfig{Buffer: 512}},
		{Sink: broken, Lane: dispatch.LaneConfig{Buffer: 4, MaxRetries: 1, RetryDelay: time.Millisecond}},
	}, captures, nil, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, sup.Start(context.Background()))

	require.Eventually(t, func() bool {
		st := sup.Status()
		var captured uint64
		for _, s := range st.Sources {
			captured += s.Stats.Captured + s.Stats.Dropped
		}
		return captured == 120
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, sup.Shutdown())

	st := sup.Status()
	assert.LessOrEqual(t, st.Queue.HighWater, 50)
	assert.Equal(t, 0, st.Queue.Length)
	assert.Equal(t, 0, st.Workers.InFlight)

	got := sink.snapshot()
	require.Len(t, got, 3)
	var delivered uint64
	for id, seqs := range got {
		strictlyIncreasing(t, seqs)
		delivered += uint64(len(seqs))
		assert.NotEmpty(t, seqs, id)
	}
	assert.Equal(t, st.Workers.Events, delivered)
	assert.Equal(t, delivered, st.Sinks["collect"].Delivered)
	assert.Positive(t, broken.calls.Load())
	assert.Zero(t, st.Sinks["broken"].Delivered)
}

func TestSourceRestartKeepsSequenceMonotonic(t *testing.T) {
	sink := newCollectSink()
	var incarnation atomic.Int32
	captures := func(cfg source.Config) (source.Capture, error) {
		if incarnation.Add(1) == 1 {
			return &scriptedCapture{frames: 3, failEnd: true}, nil
		}
		return &scriptedCapture{frames: 2}, nil
	}

	sup, err := New(testConfig(), sourceConfigs("cam-a"), &nopClassifier{}, []SinkRegistration{
		{Sink: sink, Lane: dispatch.LaneConfig{Buffer: 16}},
	}, captures, nil, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, sup.Start(context.Background()))

	require.Eventually(t, func() bool {
		return sup.Status().Workers.Events == 5
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, sup.Shutdown())

	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, sink.snapshot()["cam-a"])
	st := sup.Status().Sources[0]
	assert.Equal(t, 1, st.Restarts)
	assert.False(t, st.Disabled)
	assert.Equal(t, uint64(5), st.Stats.Captured)
}

func TestSourceDisabledAfterMaxRestartsAndReEnabled(t *testing.T) {
	var opens atomic.Int32
	failing := atomic.Bool{}
	failing.Store(true)
	captures := func(cfg source.Config) (source.Capture, error) {
		opens.Add(1)
		if failing.Load() {
			return &scriptedCapture{failOpen: true}, nil
		}
		return &scriptedCapture{frames: 1}, nil
	}

	sup, err := New(testConfig(), sourceConfigs("cam-a", "cam-b"), &nopClassifier{}, nil, captures, nil, zerolog.Nop())
	require.NoError(t, err)

	assert.ErrorIs(t, sup.Enable("cam-a"), ErrNotRunning)
	require.NoError(t, sup.Start(context.Background()))

	require.Eventually(t, func() bool {
		st := sup.Status()
		return st.Sources[0].Disabled && !st.Sources[0].Running && st.Sources[1].Disabled
	}, 5*time.Second, 2*time.Millisecond)

	st := sup.Status().Sources[0]
	assert.Equal(t, 2, st.Restarts)
	assert.Equal(t, detection.StatusFailed, st.Status)
	assert.Contains(t, st.LastError, "connection refused")
	assert.Equal(t, int32(6), opens.Load())

	assert.ErrorIs(t, sup.Enable("nope"), ErrUnknownSource)

	failing.Store(false)
	require.NoError(t, sup.Enable("cam-a"))
	assert.ErrorIs(t, sup.Enable("cam-a"), ErrSourceActive)

	require.Eventually(t, func() bool {
		return sup.Status().Workers.Events == 1
	}, 5*time.Second, 2*time.Millisecond)
	st = sup.Status().Sources[0]
	assert.False(t, st.Disabled)
	assert.Equal(t, 0, st.Restarts)

	require.NoError(t, sup.Shutdown())
	assert.ErrorIs(t, sup.Enable("cam-b"), ErrNotRunning)
}

func TestUnsupportedEndpointDisablesSource(t *testing.T) {
	captures := func(cfg source.Config) (source.Capture, error) {
		return nil, source.ErrUnsupportedEndpoint
	}
	sup, err := New(testConfig(), sourceConfigs("cam-a"), &nopClassifier{}, nil, captures, nil, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, sup.Start(context.Background()))

	require.Eventually(t, func() bool { return sup.Status().Sources[0].Disabled }, time.Second, time.Millisecond)
	require.NoError(t, sup.Shutdown())
	assert.NoError(t, sup.Shutdown())
}

func TestSourceStreamingBetweenFailuresStaysEnabled(t *testing.T) {
	var incarnation atomic.Int32
	captures := func(cfg source.Config) (source.Capture, error) {
		if incarnation.Add(1) < 5 {
			return &scriptedCapture{frames: 20, failEnd: true}, nil
		}
		return &scriptedCapture{frames: 20}, nil
	}

	sup, err := New(testConfig(), sourceConfigs("cam-a"), &nopClassifier{}, nil, captures, nil, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, sup.Start(context.Background()))

	require.Eventually(t, func() bool {
		st := sup.Status().Sources[0]
		return st.Stats.Captured+st.Stats.Dropped == 100
	}, 5*time.Second, 2*time.Millisecond)

	st := sup.Status().Sources[0]
	assert.False(t, st.Disabled)
	assert.True(t, st.Running)
	assert.Equal(t, 1, st.Restarts)
	assert.Equal(t, 4, st.Total)
	assert.Equal(t, int32(5), incarnation.Load())

	require.NoError(t, sup.Shutdown())
}

func TestOperatorDisableAndRestart(t *testing.T) {
	sink := newCollectSink()
	captures := func(cfg source.Config) (source.Capture, error) {
		return &scriptedCapture{frames: 1}, nil
	}

	sup, err := New(testConfig(), sourceConfigs("cam-a"), &nopClassifier{}, []SinkRegistration{
		{Sink: sink, Lane: dispatch.LaneConfig{Buffer: 16}},
	}, captures, nil, zerolog.Nop())
	require.NoError(t, err)
	assert.ErrorIs(t, sup.Disable("cam-a"), ErrNotRunning)
	require.NoError(t, sup.Start(context.Background()))

	require.Eventually(t, func() bool { return sup.Status().Workers.Events == 1 }, 5*time.Second, 2*time.Millisecond)

	require.NoError(t, sup.Disable("cam-a"))
	assert.ErrorIs(t, sup.Disable("cam-a"), ErrSourceStopped)
	assert.ErrorIs(t, sup.Disable("nope"), ErrUnknownSource)
	require.Eventually(t, func() bool {
		st := sup.Status().Sources[0]
		return st.Disabled && !st.Running
	}, 5*time.Second, 2*time.Millisecond)
	assert.Equal(t, "disabled by operator", sup.Status().Sources[0].LastError)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sup.Restart(ctx, "cam-a"))
	require.Eventually(t, func() bool { return sup.Status().Workers.Events == 2 }, 5*time.Second, 2*time.Millisecond)

	// restarting a running source replaces its incarnation
	require.NoError(t, sup.Restart(ctx, "cam-a"))
	require.Eventually(t, func() bool { return sup.Status().Workers.Events == 3 }, 5*time.Second, 2*time.Millisecond)

	st := sup.Status().Sources[0]
	assert.False(t, st.Disabled)
	assert.True(t, st.Running)

	require.NoError(t, sup.Shutdown())
	assert.ErrorIs(t, sup.Restart(ctx, "cam-a"), ErrNotRunning)
	assert.Equal(t, []uint64{1, 2, 3}, sink.snapshot()["cam-a"])
}

func TestHealthTickReportsStatus(t *testing.T) {
	captures := func(cfg source.Config) (source.Capture, error) {
		return &scriptedCapture{}, nil
	}
	sup, err := New(testConfig(), sourceConfigs("cam-a", "cam-b"), &nopClassifier{}, nil, captures, nil, zerolog.Nop())
	require.NoError(t, err)

	ticks := make(chan Status, 8)
	sup.OnHealth = func(st Status) {
		select {
		case ticks <- st:
		default:
		}
	}
	require.NoError(t, sup.Start(context.Background()))
	defer func() { require.NoError(t, sup.Shutdown()) }()

	select {
	case st := <-ticks:
		assert.Len(t, st.Sources, 2)
		assert.Equal(t, 50, st.Queue.Capacity)
	case <-time.After(2 * time.Second):
		t.Fatal("no health tick")
	}
}
