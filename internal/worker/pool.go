// Package worker runs the detection worker pool: each worker pops a frame,
// classifies it, filters detections and hands the event to the dispatcher.
package worker

import (
	"context"
	"errors"
	"fmt"
	"image"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"maskguard-service/internal/domain/detection"
	"maskguard-service/internal/metrics"
	"maskguard-service/internal/queue"
)

// Classifier is the external face/mask model. Calls are synchronous and
// stateless; errors are treated as per-frame and recoverable.
type Classifier interface {
	Classify(ctx context.Context, img image.Image) ([]detection.Detection, error)
}

// Dispatcher receives events in per-source order. Dispatch must not block.
type Dispatcher interface {
	Dispatch(event *detection.Event)
}

type Config struct {
	Workers             int
	ConfidenceThreshold float64
	PopTimeout          time.Duration
}

type Stats struct {
	Workers   int    `json:"workers"`
	Processed uint64 `json:"processed"`
	Events    uint64 `json:"events"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	InFlight  int    `json:"in_flight"`
}

type Pool struct {
	cfg        Config
	queue      *queue.FrameQueue
	classifier Classifier
	out        Dispatcher
	seq        *sequencer
	metrics    *metrics.Metrics
	log        zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool

	processed atomic.Uint64
	events    atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

func NewPool(cfg Config, q *queue.FrameQueue, classifier Classifier, out Dispatcher, m *metrics.Metrics, log zerolog.Logger) (*Pool, error) {
	if q == nil || classifier == nil || out == nil {
		return nil, errors.New("worker pool requires a queue, a classifier and a dispatcher")
	}
	if cfg.ConfidenceThreshold < 0 || cfg.ConfidenceThreshold > 1 {
		return nil, fmt.Errorf("confidence threshold %.2f outside [0,1]", cfg.ConfidenceThreshold)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = 250 * time.Millisecond
	}
	return &Pool{
		cfg:        cfg,
		queue:      q,
		classifier: classifier,
		out:        out,
		seq:        newSequencer(),
		metrics:    m,
		log:        log.With().Str("component", "worker_pool").Logger(),
	}, nil
}

// Push admits a frame into the queue while recording its position for
// ordered release. Sources push through the pool rather than the raw queue.
func (p *Pool) Push(ctx context.Context, frame *detection.Frame, timeout time.Duration) error {
	p.seq.expect(frame)
	if err := p.queue.Push(ctx, frame, timeout); err != nil {
		p.seq.forget(frame, p.emit)
		return err
	}
	return nil
}

func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.New("worker pool already started")
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.started = true

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	p.log.Info().Int("workers", p.cfg.Workers).Float64("confidence_threshold", p.cfg.ConfidenceThreshold).Msg("worker pool started")
	return nil
}

// Drain waits for the workers to empty a closed queue. If ctx expires first,
// in-flight classifications are cancelled and every frame still queued is
// logged as dropped. The queue must be closed before calling Drain.
func (p *Pool) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info().Msg("worker pool drained")
		return nil
	case <-ctx.Done():
	}

	p.log.Warn().Int("queued", p.queue.Len()).Msg("drain deadline reached, cancelling workers")
	p.Stop()
	p.discardQueued()
	return ctx.Err()
}

// Stop cancels all workers and waits for them to return.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.cfg.Workers,
		Processed: p.processed.Load(),
		Events:    p.events.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
		InFlight:  p.seq.inFlight(),
	}
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.log.With().Int("worker", id).Logger()

	for {
		frame, err := p.queue.Pop(ctx, p.cfg.PopTimeout)
		switch {
		case err == nil:
		case errors.Is(err, detection.ErrQueueEmpty):
			continue
		case errors.Is(err, detection.ErrQueueClosed):
			log.Debug().Msg("queue closed and empty, worker exiting")
			return
		default:
			return
		}

		p.metrics.Queue(p.queue.Len(), p.queue.Cap())
		p.process(ctx, frame, log)
	}
}

func (p *Pool) process(ctx context.Context, frame *detection.Frame, log zerolog.Logger) {
	start := time.Now()
	raw, err := p.classify(ctx, frame.Image)
	p.metrics.ClassifyLatency(time.Since(start).Seconds())
	p.processed.Add(1)

	if err != nil {
		if ctx.Err() != nil {
			p.drop(frame, "shutdown")
			log.Warn().
				Str("source_id", frame.SourceID).
				Uint64("sequence", frame.Sequence).
				Msg("classification cancelled, frame dropped")
			return
		}
		cerr := &detection.ClassifierError{SourceID: frame.SourceID, Sequence: frame.Sequence, Err: err}
		p.failed.Add(1)
		p.metrics.ClassifierError(frame.SourceID)
		p.drop(frame, "classifier_error")
		log.Error().Err(cerr).Msg("classifier failed, frame dropped")
		return
	}

	kept := make([]detection.Detection, 0, len(raw))
	for _, d := range raw {
		if !d.Label.Valid() {
			log.Debug().Str("label", string(d.Label)).Msg("ignoring unknown label")
			continue
		}
		if d.Confidence < p.cfg.ConfidenceThreshold {
			continue
		}
		kept = append(kept, d)
	}

	p.seq.complete(frame, detection.NewEvent(frame, kept, time.Now()), p.emit)
}

// classify shields the worker from classifier panics.
func (p *Pool) classify(ctx context.Context, img image.Image) (dets []detection.Detection, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return p.classifier.Classify(ctx, img)
}

func (p *Pool) emit(event *detection.Event) {
	p.events.Add(1)
	p.out.Dispatch(event)
}

func (p *Pool) drop(frame *detection.Frame, reason string) {
	p.dropped.Add(1)
	p.metrics.FrameDropped(frame.SourceID, reason)
	p.seq.complete(frame, nil, p.emit)
}

func (p *Pool) discardQueued() {
	for {
		frame, err := p.queue.Pop(context.Background(), 0)
		if err != nil {
			return
		}
		p.drop(frame, "shutdown")
		p.log.Warn().
			Str("source_id", frame.SourceID).
			Uint64("sequence", frame.Sequence).
			Msg("frame not processed before shutdown, dropped")
	}
}
