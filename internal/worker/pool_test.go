package worker

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maskguard-service/internal/domain/detection"
	"maskguard-service/internal/queue"
)

// seqImage carries the frame identity into the fake classifier.
type seqImage struct {
	image.Image
	source string
	seq    uint64
}

func newFrame(source string, seq uint64) *detection.Frame {
	return &detection.Frame{
		SourceID: source,
		Sequence: seq,
		Image:    seqImage{Image: image.NewGray(image.Rect(0, 0, 1, 1)), source: source, seq: seq},
	}
}

type fakeClassifier struct {
	fn func(ctx context.Context, img seqImage) ([]detection.Detection, error)
}

func (f *fakeClassifier) Classify(ctx context.Context, img image.Image) ([]detection.Detection, error) {
	return f.fn(ctx, img.(seqImage))
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []*detection.Event
}

func (r *recordingDispatcher) Dispatch(e *detection.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingDispatcher) bySource() map[string][]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][]uint64)
	for _, e := range r.events {
		out[e.SourceID] = append(out[e.SourceID], e.Sequence)
	}
	return out
}

func (r *recordingDispatcher) all() []*detection.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*detection.Event(nil), r.events...)
}

func newPool(t *testing.T, capacity, workers int, threshold float64, c Classifier) (*Pool, *queue.FrameQueue, *recordingDispatcher) {
	t.Helper()
	q, err := queue.NewFrameQueue(capacity)
	require.NoError(t, err)
	out := &recordingDispatcher{}
	p, err := NewPool(Config{Workers: workers, ConfidenceThreshold: threshold, PopTimeout: 5 * time.Millisecond}, q, c, out, nil, zerolog.Nop())
	require.NoError(t, err)
	return p, q, out
}

func TestNewPoolValidates(t *testing.T) {
	q, err := queue.NewFrameQueue(1)
	require.NoError(t, err)
	c := &fakeClassifier{}

	_, err = NewPool(Config{}, nil, c, &recordingDispatcher{}, nil, zerolog.Nop())
	assert.Error(t, err)

	_, err = NewPool(Config{ConfidenceThreshold: 1.5}, q, c, &recordingDispatcher{}, nil, zerolog.Nop())
	assert.Error(t, err)

	p, err := NewPool(Config{}, q, c, &recordingDispatcher{}, nil, zerolog.Nop())
	require.NoError(t, err)
	assert.Greater(t, p.Stats().Workers, 0)
}

func TestPoolPreservesPerSourceOrder(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	var rndMu sync.Mutex
	c := &fakeClassifier{fn: func(ctx context.Context, img seqImage) ([]detection.Detection, error) {
		rndMu.Lock()
		d := time.Duration(rnd.Intn(3000)) * time.Microsecond
		rndMu.Unlock()
		time.Sleep(d)
		return nil, nil
	}}
	p, q, out := newPool(t, 64, 6, 0.5, c)
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))

	const perSource = 60
	var producers sync.WaitGroup
	for s := 0; s < 3; s++ {
		producers.Add(1)
		go func(source string) {
			defer producers.Done()
			for i := uint64(1); i <= perSource; i++ {
				assert.NoError(t, p.Push(ctx, newFrame(source, i), time.Second))
			}
		}(fmt.Sprintf("cam-%d", s))
	}
	producers.Wait()
	q.Close()

	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, p.Drain(drainCtx))

	got := out.bySource()
	require.Len(t, got, 3)
	for source, seqs := range got {
		require.Len(t, seqs, perSource, source)
		for i, seq := range seqs {
			assert.Equal(t, uint64(i+1), seq, source)
		}
	}
	assert.Equal(t, 0, p.Stats().InFlight)
}

func TestPoolClassifierFailureDoesNotBlockNextFrame(t *testing.T) {
	c := &fakeClassifier{fn: func(ctx context.Context, img seqImage) ([]detection.Detection, error) {
		switch img.seq {
		case 2:
			return nil, errors.New("malformed image")
		case 3:
			panic("model exploded")
		}
		return []detection.Detection{{Label: detection.LabelMasked, Confidence: 0.9}}, nil
	}}
	p, q, out := newPool(t, 8, 2, 0.5, c)
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))

	for i := uint64(1); i <= 4; i++ {
		require.NoError(t, p.Push(ctx, newFrame("cam-1", i), 0))
	}
	require.NoError(t, p.Push(ctx, newFrame("cam-2", 1), 0))
	q.Close()
	require.NoError(t, p.Drain(ctx))

	got := out.bySource()
	assert.Equal(t, []uint64{1, 4}, got["cam-1"])
	assert.Equal(t, []uint64{1}, got["cam-2"])

	stats := p.Stats()
	assert.Equal(t, uint64(5), stats.Processed)
	assert.Equal(t, uint64(2), stats.Failed)
	assert.Equal(t, uint64(3), stats.Events)
}

func TestPoolFiltersByConfidence(t *testing.T) {
	c := &fakeClassifier{fn: func(ctx context.Context, img seqImage) ([]detection.Detection, error) {
		if img.seq == 2 {
			return []detection.Detection{{Label: detection.LabelUnmasked, Confidence: 0.3}}, nil
		}
		return []detection.Detection{
			{Label: detection.LabelUnmasked, Confidence: 0.95},
			{Label: detection.LabelMasked, Confidence: 0.6},
			{Label: detection.LabelImproper, Confidence: 0.79},
			{Label: "cat", Confidence: 0.99},
		}, nil
	}}
	p, q, out := newPool(t, 4, 1, 0.8, c)
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))

	require.NoError(t, p.Push(ctx, newFrame("cam-1", 1), 0))
	require.NoError(t, p.Push(ctx, newFrame("cam-1", 2), 0))
	q.Close()
	require.NoError(t, p.Drain(ctx))

	events := out.all()
	require.Len(t, events, 2)
	require.Len(t, events[0].Detections, 1)
	assert.Equal(t, detection.LabelUnmasked, events[0].Detections[0].Label)
	assert.NotNil(t, events[1].Detections)
	assert.Empty(t, events[1].Detections)
}

func TestPoolDrainDeadlineDropsQueuedFrames(t *testing.T) {
	release := make(chan struct{})
	c := &fakeClassifier{fn: func(ctx context.Context, img seqImage) ([]detection.Detection, error) {
		select {
		case <-release:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	p, q, out := newPool(t, 8, 1, 0.5, c)
	defer close(release)
	ctx := context.Background()
	require.NoError(t, p.Start(ctx))

	for i := uint64(1); i <= 4; i++ {
		require.NoError(t, p.Push(ctx, newFrame("cam-1", i), 0))
	}
	q.Close()

	drainCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	err := p.Drain(drainCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Empty(t, out.all())
	stats := p.Stats()
	assert.Equal(t, uint64(4), stats.Dropped)
	assert.Equal(t, 0, stats.InFlight)
	assert.Equal(t, 0, q.Len())
}

func TestPoolPushForgetsRejectedFrames(t *testing.T) {
	c := &fakeClassifier{fn: func(ctx context.Context, img seqImage) ([]detection.Detection, error) {
		return nil, nil
	}}
	p, q, out := newPool(t, 1, 1, 0.5, c)
	ctx := context.Background()

	require.NoError(t, p.Push(ctx, newFrame("cam-1", 1), 0))
	assert.ErrorIs(t, p.Push(ctx, newFrame("cam-1", 2), 0), detection.ErrQueueFull)

	require.NoError(t, p.Start(ctx))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.Push(ctx, newFrame("cam-1", 3), time.Second))
	q.Close()
	require.NoError(t, p.Drain(ctx))

	assert.Equal(t, []uint64{1, 3}, out.bySource()["cam-1"])
}

func TestPoolStartTwice(t *testing.T) {
	p, q, _ := newPool(t, 1, 1, 0.5, &fakeClassifier{})
	require.NoError(t, p.Start(context.Background()))
	assert.Error(t, p.Start(context.Background()))
	q.Close()
	p.Stop()
}
