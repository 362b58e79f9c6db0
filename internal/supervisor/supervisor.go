// Package supervisor wires the pipeline together and keeps it running:
// queue, dispatcher, worker pool and one goroutine per camera, with
// restarts for failed cameras and an ordered drain on shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"maskguard-service/internal/dispatch"
	"maskguard-service/internal/domain/detection"
	"maskguard-service/internal/metrics"
	"maskguard-service/internal/queue"
	"maskguard-service/internal/source"
	"maskguard-service/internal/utils"
	"maskguard-service/internal/worker"
)

var (
	ErrUnknownSource = errors.New("unknown source")
	ErrSourceActive  = errors.New("source is not disabled")
	ErrSourceStopped = errors.New("source is already disabled")
	ErrNotRunning    = errors.New("supervisor is not running")
	ErrNoSources     = errors.New("at least one source is required")
)

type Config struct {
	QueueCapacity       int
	Workers             int
	ConfidenceThreshold float64
	PopTimeout          time.Duration
	PushTimeout         time.Duration
	PushRetries         int

	RestartCooldown time.Duration
	MaxRestarts     int
	HealthInterval  time.Duration
	ShutdownGrace   time.Duration
	FlushTimeout    time.Duration
}

// SinkRegistration binds a sink to its dispatcher lane settings.
type SinkRegistration struct {
	Sink dispatch.Sink
	Lane dispatch.LaneConfig
}

// CaptureFactory opens the transport for a camera. source.NewCapture is the
// production implementation.
type CaptureFactory func(cfg source.Config) (source.Capture, error)

type Supervisor struct {
	cfg        Config
	queue      *queue.FrameQueue
	dispatcher *dispatch.Dispatcher
	pool       *worker.Pool
	newCapture CaptureFactory
	metrics    *metrics.Metrics
	log        zerolog.Logger

	order   []string
	sources map[string]*managedSource

	mu            sync.Mutex
	running       bool
	stopping      bool
	sourceCtx     context.Context
	cancelSources context.CancelFunc
	sourceWG      sync.WaitGroup
	healthStop    chan struct{}
	healthDone    chan struct{}

	// OnHealth, if set before Start, receives the status on every health tick.
	OnHealth func(Status)
}

type managedSource struct {
	cfg source.Config
	seq atomic.Uint64

	mu        sync.Mutex
	current   *source.FrameSource
	live      bool
	restarts  int // consecutive, reset once an incarnation streams
	total     int
	disabled  bool
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	lastError string
	past      source.Stats
}

type SourceStatus struct {
	detection.SourceState
	Endpoint  string       `json:"endpoint"`
	Restarts  int          `json:"restarts"`
	Total     int          `json:"total_restarts"`
	Disabled  bool         `json:"disabled"`
	Running   bool         `json:"running"`
	LastError string       `json:"last_error,omitempty"`
	Stats     source.Stats `json:"stats"`
}

type Status struct {
	Sources []SourceStatus                `json:"sources"`
	Queue   queue.Stats                   `json:"queue"`
	Workers worker.Stats                  `json:"workers"`
	Sinks   map[string]dispatch.SinkStats `json:"sinks"`
}

// New builds the pipeline in dependency order: queue, dispatcher, worker
// pool, then the sources that feed it.
func New(cfg Config, sources []source.Config, classifier worker.Classifier, sinks []SinkRegistration, newCapture CaptureFactory, m *metrics.Metrics, log zerolog.Logger) (*Supervisor, error) {
	if len(sources) == 0 {
		return nil, ErrNoSources
	}
	if newCapture == nil {
		newCapture = source.NewCapture
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 30 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 5 * time.Second
	}

	q, err := queue.NewFrameQueue(cfg.QueueCapacity)
	if err != nil {
		return nil, err
	}
	m.Queue(0, q.Cap())

	d := dispatch.New(m, log)
	for _, reg := range sinks {
		if err := d.Register(reg.Sink, reg.Lane); err != nil {
			return nil, err
		}
	}

	pool, err := worker.NewPool(worker.Config{
		Workers:             cfg.Workers,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		PopTimeout:          cfg.PopTimeout,
	}, q, classifier, d, m, log)
	if err != nil {
		return nil, err
	}

	s := &Supervisor{
		cfg:        cfg,
		queue:      q,
		dispatcher: d,
		pool:       pool,
		newCapture: newCapture,
		metrics:    m,
		log:        log.With().Str("component", "supervisor").Logger(),
		sources:    make(map[string]*managedSource, len(sources)),
	}
	for _, sc := range sources {
		if _, dup := s.sources[sc.ID]; dup {
			return nil, fmt.Errorf("duplicate source id %q", sc.ID)
		}
		sc.PushTimeout = cfg.PushTimeout
		sc.PushRetries = cfg.PushRetries
		s.order = append(s.order, sc.ID)
		s.sources[sc.ID] = &managedSource{cfg: sc}
	}
	return s, nil
}

// Dispatcher exposes the dispatcher so callers can hook delivery failures.
func (s *Supervisor) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }

func (s *Supervisor) SourceIDs() []string {
	return append([]string(nil), s.order...)
}

// Start launches the dispatcher, the workers and one goroutine per source.
// Workers and sink lanes are not bound to ctx; they stop in Shutdown.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.stopping {
		return errors.New("supervisor already started")
	}

	if err := s.dispatcher.Start(ctx); err != nil {
		return err
	}
	if err := s.pool.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	s.sourceCtx, s.cancelSources = context.WithCancel(ctx)
	s.running = true
	for _, id := range s.order {
		s.launch(s.sources[id])
	}

	s.healthStop = make(chan struct{})
	s.healthDone = make(chan struct{})
	go s.healthLoop()

	s.log.Info().
		Int("sources", len(s.order)).
		Int("queue_capacity", s.queue.Cap()).
		Msg("pipeline started")
	return nil
}

// launch must be called with s.mu held.
func (s *Supervisor) launch(ms *managedSource) {
	ctx, cancel := context.WithCancel(s.sourceCtx)
	done := make(chan struct{})

	ms.mu.Lock()
	ms.running = true
	ms.cancel = cancel
	ms.done = done
	ms.mu.Unlock()

	s.sourceWG.Add(1)
	go func() {
		defer s.sourceWG.Done()
		defer close(done)
		defer cancel()
		s.runSource(ctx, ms)
	}()
}

func (s *Supervisor) runSource(ctx context.Context, ms *managedSource) {
	log := s.log.With().Str("source_id", ms.cfg.ID).Logger()
	defer func() {
		ms.mu.Lock()
		ms.running = false
		ms.mu.Unlock()
	}()

	for {
		capture, err := s.newCapture(ms.cfg)
		if err != nil {
			log.Error().Err(err).Msg("cannot create capture, source disabled")
			ms.disable(err)
			s.metrics.SourceStatus(ms.cfg.ID, detection.StatusFailed)
			return
		}

		src := source.New(ms.cfg, capture, s.pool, &ms.seq, s.metrics, s.log)
		ms.setCurrent(src)

		err = src.Run(ctx)
		ms.retire(src)
		if err == nil || ctx.Err() != nil {
			return
		}

		restarts, ok := ms.nextRestart(err, s.cfg.MaxRestarts)
		if !ok {
			ms.disable(err)
			log.Error().
				Err(err).
				Int("restarts", restarts).
				Msg("restart limit reached, source disabled")
			return
		}

		s.metrics.SourceRestarted(ms.cfg.ID)
		log.Warn().
			Err(err).
			Int("restart", restarts).
			Int("max_restarts", s.cfg.MaxRestarts).
			Dur("cooldown", s.cfg.RestartCooldown).
			Msg("source failed, restarting after cooldown")

		if !utils.SleepCtx(ctx, s.cfg.RestartCooldown) {
			return
		}
	}
}

// Enable restarts a disabled source, whether it exhausted its restarts or
// was stopped by an operator.
func (s *Supervisor) Enable(sourceID string) error {
	ms, ok := s.sources[sourceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, sourceID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.stopping {
		return ErrNotRunning
	}

	ms.mu.Lock()
	if !ms.disabled || ms.running {
		ms.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSourceActive, sourceID)
	}
	ms.disabled = false
	ms.restarts = 0
	ms.mu.Unlock()

	s.log.Info().Str("source_id", sourceID).Msg("source re-enabled by operator")
	s.launch(ms)
	return nil
}

// Disable stops a source and keeps it down until Enable or Restart. It does
// not wait for the capture goroutine to exit.
func (s *Supervisor) Disable(sourceID string) error {
	ms, ok := s.sources[sourceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, sourceID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.stopping {
		return ErrNotRunning
	}

	ms.mu.Lock()
	if ms.disabled {
		ms.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSourceStopped, sourceID)
	}
	ms.disabled = true
	ms.lastError = "disabled by operator"
	cancel := ms.cancel
	ms.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.metrics.SourceStatus(sourceID, detection.StatusFailed)
	s.log.Info().Str("source_id", sourceID).Msg("source disabled by operator")
	return nil
}

// Restart stops the running incarnation of a source, waits for it to exit
// and starts a fresh one with a clean restart budget. Disabled sources are
// started as well.
func (s *Supervisor) Restart(ctx context.Context, sourceID string) error {
	ms, ok := s.sources[sourceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, sourceID)
	}

	s.mu.Lock()
	if !s.running || s.stopping {
		s.mu.Unlock()
		return ErrNotRunning
	}
	ms.mu.Lock()
	cancel, done, running := ms.cancel, ms.done, ms.running
	ms.mu.Unlock()
	s.mu.Unlock()

	if running {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.stopping {
		return ErrNotRunning
	}
	ms.mu.Lock()
	if ms.running {
		ms.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSourceActive, sourceID)
	}
	ms.disabled = false
	ms.restarts = 0
	ms.mu.Unlock()

	s.log.Info().Str("source_id", sourceID).Msg("source restarted by operator")
	s.launch(ms)
	return nil
}

func (s *Supervisor) Status() Status {
	st := Status{
		Sources: make([]SourceStatus, 0, len(s.order)),
		Queue:   s.queue.Stats(),
		Workers: s.pool.Stats(),
		Sinks:   s.dispatcher.Stats(),
	}
	for _, id := range s.order {
		st.Sources = append(st.Sources, s.sources[id].status())
	}
	return st
}

// Shutdown stops the sources, closes the queue, lets the workers drain it
// within ShutdownGrace and flushes the sinks within FlushTimeout. Every frame
// or event that does not make it is logged as dropped by its owner.
func (s *Supervisor) Shutdown() error {
	s.mu.Lock()
	if !s.running || s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	s.mu.Unlock()

	s.log.Info().Msg("stopping sources")
	s.cancelSources()
	s.sourceWG.Wait()

	s.queue.Close()
	s.log.Info().Int("queued", s.queue.Len()).Msg("queue closed, draining workers")

	var errs []error
	drainCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	if err := s.pool.Drain(drainCtx); err != nil {
		errs = append(errs, fmt.Errorf("drain workers: %w", err))
	}
	cancel()

	flushCtx, cancel := context.WithTimeout(context.Background(), s.cfg.FlushTimeout)
	if err := s.dispatcher.Close(flushCtx); err != nil {
		errs = append(errs, fmt.Errorf("flush sinks: %w", err))
	}
	cancel()

	close(s.healthStop)
	<-s.healthDone

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.logSummary("pipeline stopped")
	return errors.Join(errs...)
}

func (s *Supervisor) healthLoop() {
	defer close(s.healthDone)
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.healthStop:
			return
		case <-ticker.C:
			st := s.logSummary("pipeline health")
			if s.OnHealth != nil {
				s.OnHealth(st)
			}
		}
	}
}

func (s *Supervisor) logSummary(msg string) Status {
	st := s.Status()
	s.metrics.Queue(st.Queue.Length, st.Queue.Capacity)

	var streaming, degraded, failed, disabled int
	for _, src := range st.Sources {
		switch {
		case src.Disabled:
			disabled++
		case src.Status == detection.StatusStreaming:
			streaming++
		case src.Status == detection.StatusFailed:
			failed++
		default:
			degraded++
		}
		if src.Disabled {
			s.log.Warn().Str("source_id", src.SourceID).Str("last_error", src.LastError).Msg("source disabled")
		}
	}

	s.log.Info().
		Int("streaming", streaming).
		Int("degraded", degraded).
		Int("failed", failed).
		Int("disabled", disabled).
		Int("queue_length", st.Queue.Length).
		Int("queue_high_water", st.Queue.HighWater).
		Uint64("events", st.Workers.Events).
		Uint64("frames_dropped", st.Workers.Dropped).
		Msg(msg)
	return st
}

func (ms *managedSource) setCurrent(src *source.FrameSource) {
	ms.mu.Lock()
	ms.current = src
	ms.live = true
	ms.mu.Unlock()
}

// retire folds the finished incarnation's counters into the running total.
// An incarnation that read frames ends the run of consecutive failures.
func (ms *managedSource) retire(src *source.FrameSource) {
	st := src.Stats()
	ms.mu.Lock()
	ms.past.RawFrames += st.RawFrames
	ms.past.Captured += st.Captured
	ms.past.Dropped += st.Dropped
	ms.live = false
	if st.RawFrames > 0 {
		ms.restarts = 0
	}
	ms.mu.Unlock()
}

// nextRestart counts a restart unless the limit is already used up.
func (ms *managedSource) nextRestart(err error, limit int) (int, bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.lastError = err.Error()
	if ms.restarts >= limit {
		return ms.restarts, false
	}
	ms.restarts++
	ms.total++
	return ms.restarts, true
}

func (ms *managedSource) disable(err error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.disabled = true
	ms.lastError = err.Error()
}

func (ms *managedSource) status() SourceStatus {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	st := SourceStatus{
		SourceState: detection.SourceState{SourceID: ms.cfg.ID, Status: detection.StatusConnecting},
		Endpoint:    ms.cfg.Endpoint(),
		Restarts:    ms.restarts,
		Total:       ms.total,
		Disabled:    ms.disabled,
		Running:     ms.running,
		LastError:   ms.lastError,
		Stats:       ms.past,
	}
	if ms.current != nil {
		st.SourceState = ms.current.State()
		if ms.live {
			cur := ms.current.Stats()
			st.Stats.RawFrames += cur.RawFrames
			st.Stats.Captured += cur.Captured
			st.Stats.Dropped += cur.Dropped
		}
	}
	if ms.disabled {
		st.Status = detection.StatusFailed
	}
	return st
}
