// Package source turns camera endpoints into sampled frames on the shared
// queue. Each FrameSource runs in its own goroutine and owns its state.
package source

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"maskguard-service/internal/domain/detection"
	"maskguard-service/internal/metrics"
	"maskguard-service/internal/utils"
)

// FramePusher accepts sampled frames; implemented by the frame queue and by
// the worker pool's ordered admission.
type FramePusher interface {
	Push(ctx context.Context, frame *detection.Frame, timeout time.Duration) error
}

type Stats struct {
	RawFrames uint64 `json:"raw_frames"`
	Captured  uint64 `json:"captured"`
	Dropped   uint64 `json:"dropped"`
}

type FrameSource struct {
	cfg     Config
	capture Capture
	out     FramePusher
	seq     *atomic.Uint64
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	state  detection.SourceState
	opened bool

	rawFrames atomic.Uint64
	captured  atomic.Uint64
	dropped   atomic.Uint64
}

// New builds a FrameSource. seq is shared across restarts of the same camera
// so sequence numbers are never reused within a process.
func New(cfg Config, capture Capture, out FramePusher, seq *atomic.Uint64, m *metrics.Metrics, log zerolog.Logger) *FrameSource {
	if seq == nil {
		seq = new(atomic.Uint64)
	}
	s := &FrameSource{
		cfg:     cfg.withDefaults(),
		capture: capture,
		out:     out,
		seq:     seq,
		metrics: m,
		log:     log.With().Str("source_id", cfg.ID).Logger(),
		now:     time.Now,
	}
	s.state = detection.SourceState{SourceID: cfg.ID, Status: detection.StatusConnecting}
	return s
}

func (s *FrameSource) ID() string { return s.cfg.ID }

func (s *FrameSource) State() detection.SourceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *FrameSource) Stats() Stats {
	return Stats{
		RawFrames: s.rawFrames.Load(),
		Captured:  s.captured.Load(),
		Dropped:   s.dropped.Load(),
	}
}

// Open connects to the camera within the configured open timeout.
func (s *FrameSource) Open(ctx context.Context) error {
	s.setStatus(detection.StatusConnecting)

	openCtx, cancel := context.WithTimeout(ctx, s.cfg.OpenTimeout)
	defer cancel()

	if err := s.capture.Open(openCtx); err != nil {
		return &detection.ConnectionError{SourceID: s.cfg.ID, Endpoint: s.cfg.Endpoint(), Err: err}
	}

	s.mu.Lock()
	s.opened = true
	s.mu.Unlock()
	s.log.Info().Str("endpoint", s.cfg.Endpoint()).Msg("camera connected")
	return nil
}

// Run captures until ctx is cancelled, the queue closes, or the retry
// ceiling is exceeded. Only the last case returns an error, always a
// *detection.ConnectionError, after the state moved to failed.
func (s *FrameSource) Run(ctx context.Context) error {
	defer s.capture.Close()

	s.mu.RLock()
	opened := s.opened
	s.mu.RUnlock()

	if !opened {
		if err := s.Open(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var connErr *detection.ConnectionError
			if errors.As(err, &connErr) {
				err = connErr.Err
			}
			if err := s.reconnect(ctx, err); err != nil {
				return err
			}
		}
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		img, err := s.read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if err := s.reconnect(ctx, err); err != nil {
				return err
			}
			continue
		}
		s.markStreaming()

		raw := s.rawFrames.Add(1)
		if (raw-1)%uint64(s.cfg.FrameSkip) != 0 {
			continue
		}

		if stop := s.emit(ctx, img, raw); stop {
			return nil
		}
	}
}

func (s *FrameSource) read(ctx context.Context) (image.Image, error) {
	readCtx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout)
	defer cancel()
	return s.capture.Read(readCtx)
}

// reconnect backs off and reconnects until a connection succeeds or the
// consecutive failure count exceeds MaxRetries.
func (s *FrameSource) reconnect(ctx context.Context, cause error) error {
	for {
		failures := s.fail(cause)
		if failures > s.cfg.MaxRetries {
			s.setStatus(detection.StatusFailed)
			s.log.Error().Err(cause).Int("consecutive_failures", failures).Msg("retry ceiling exceeded, source failed")
			return &detection.ConnectionError{
				SourceID: s.cfg.ID,
				Endpoint: s.cfg.Endpoint(),
				Attempts: failures,
				Err:      cause,
			}
		}

		delay := utils.Backoff(failures, s.cfg.RetryDelay, s.cfg.MaxRetryDelay)
		s.log.Warn().
			Err(cause).
			Int("attempt", failures).
			Int("max_retries", s.cfg.MaxRetries).
			Dur("delay", delay).
			Msg("camera read failed, reconnecting")

		if !utils.SleepCtx(ctx, delay) {
			return nil
		}

		_ = s.capture.Close()
		err := s.Open(ctx)
		if err == nil {
			s.setStatus(detection.StatusDegraded)
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		var connErr *detection.ConnectionError
		if errors.As(err, &connErr) {
			cause = connErr.Err
		} else {
			cause = err
		}
	}
}

func (s *FrameSource) emit(ctx context.Context, img image.Image, raw uint64) (stop bool) {
	resized, sx, sy := resize(img, s.cfg.ResizeWidth, s.cfg.ResizeHeight)
	b := resized.Bounds()

	frame := &detection.Frame{
		SourceID:   s.cfg.ID,
		Sequence:   s.seq.Add(1),
		CapturedAt: s.now(),
		Image:      resized,
		Sampling: detection.Sampling{
			SkipFactor: s.cfg.FrameSkip,
			RawIndex:   raw,
			ScaleX:     sx,
			ScaleY:     sy,
			Width:      b.Dx(),
			Height:     b.Dy(),
		},
	}

	var err error
	for attempt := 0; attempt <= s.cfg.PushRetries; attempt++ {
		err = s.out.Push(ctx, frame, s.cfg.PushTimeout)
		if !errors.Is(err, detection.ErrQueueFull) {
			break
		}
	}

	switch {
	case err == nil:
		s.captured.Add(1)
		s.metrics.FrameCaptured(s.cfg.ID)
		return false
	case errors.Is(err, detection.ErrQueueFull):
		s.dropped.Add(1)
		s.metrics.FrameDropped(s.cfg.ID, "queue_full")
		s.log.Debug().Uint64("sequence", frame.Sequence).Msg("queue full, frame dropped")
		return false
	case errors.Is(err, detection.ErrQueueClosed):
		s.log.Info().Msg("queue closed, stopping capture")
		return true
	default:
		if ctx.Err() == nil {
			s.log.Error().Err(err).Msg("push failed, stopping capture")
		}
		return true
	}
}

func (s *FrameSource) fail(err error) int {
	s.mu.Lock()
	s.state.ConsecutiveFailures++
	s.state.Status = detection.StatusDegraded
	n := s.state.ConsecutiveFailures
	s.opened = false
	s.mu.Unlock()
	s.metrics.SourceStatus(s.cfg.ID, detection.StatusDegraded)
	return n
}

func (s *FrameSource) markStreaming() {
	s.mu.Lock()
	changed := s.state.Status != detection.StatusStreaming
	s.state.Status = detection.StatusStreaming
	s.state.ConsecutiveFailures = 0
	s.state.LastFrameAt = s.now()
	s.mu.Unlock()
	if changed {
		s.metrics.SourceStatus(s.cfg.ID, detection.StatusStreaming)
		s.log.Info().Msg("camera streaming")
	}
}

func (s *FrameSource) setStatus(status detection.ConnectionStatus) {
	s.mu.Lock()
	s.state.Status = status
	s.mu.Unlock()
	s.metrics.SourceStatus(s.cfg.ID, status)
}
