// Package dispatch fans detection events out to sinks. Every sink gets its
// own buffered lane and goroutine, so a slow or failing sink only ever
// delays itself.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"maskguard-service/internal/domain/detection"
	"maskguard-service/internal/metrics"
	"maskguard-service/internal/utils"
)

var (
	ErrAlreadyStarted = errors.New("dispatcher already started")
	ErrDuplicateSink  = errors.New("sink already registered")
)

type Sink interface {
	Name() string
	Deliver(ctx context.Context, event *detection.Event) error
}

// Filter is implemented by sinks that only want some events. Accept runs
// once per event on the sink's lane, before any delivery attempt.
type Filter interface {
	Accept(event *detection.Event) bool
}

type LaneConfig struct {
	Buffer        int
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
}

func (c LaneConfig) withDefaults() LaneConfig {
	if c.Buffer <= 0 {
		c.Buffer = 256
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	if c.MaxRetryDelay < c.RetryDelay {
		c.MaxRetryDelay = c.RetryDelay * 16
	}
	return c
}

type SinkStats struct {
	Delivered uint64 `json:"delivered"`
	Filtered  uint64 `json:"filtered"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Retries   uint64 `json:"retries"`
	Pending   int    `json:"pending"`
	LastError string `json:"last_error,omitempty"`
}

type Dispatcher struct {
	metrics *metrics.Metrics
	log     zerolog.Logger

	mu      sync.RWMutex
	lanes   []*lane
	started bool
	closed  bool

	deliverCtx context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	// OnFailure, when set, is called from the failing sink's lane after its
	// retries are exhausted.
	OnFailure func(err *detection.SinkDeliveryError)
}

func New(m *metrics.Metrics, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		metrics: m,
		log:     log.With().Str("component", "dispatcher").Logger(),
	}
}

// Register adds a sink. Sinks must be registered before Start.
func (d *Dispatcher) Register(sink Sink, cfg LaneConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return ErrAlreadyStarted
	}
	for _, l := range d.lanes {
		if l.name == sink.Name() {
			return fmt.Errorf("%w: %s", ErrDuplicateSink, sink.Name())
		}
	}
	cfg = cfg.withDefaults()
	d.lanes = append(d.lanes, &lane{
		name:  sink.Name(),
		sink:  sink,
		cfg:   cfg,
		ch:    make(chan *detection.Event, cfg.Buffer),
		owner: d,
		log:   d.log.With().Str("sink", sink.Name()).Logger(),
	})
	return nil
}

func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return ErrAlreadyStarted
	}
	d.started = true
	// delivery survives the caller's ctx so Close can flush after shutdown starts
	d.deliverCtx, d.cancel = context.WithCancel(context.WithoutCancel(ctx))

	for _, l := range d.lanes {
		d.wg.Add(1)
		go l.run(d.deliverCtx, &d.wg)
	}
	d.log.Info().Int("sinks", len(d.lanes)).Msg("dispatcher started")
	return nil
}

// Dispatch offers the event to every sink lane and returns immediately.
// A full lane drops the event for that sink only.
func (d *Dispatcher) Dispatch(event *detection.Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.log.Warn().
			Str("source_id", event.SourceID).
			Uint64("sequence", event.Sequence).
			Msg("dispatcher closed, event dropped")
		return
	}
	for _, l := range d.lanes {
		select {
		case l.ch <- event:
		default:
			l.drop(event, "lane_full")
		}
	}
}

// Close stops intake and waits for lanes to flush. When ctx expires first,
// pending retries are abandoned and every undelivered event is logged as
// dropped before Close returns ctx.Err().
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, l := range d.lanes {
		close(l.ch)
	}
	started := d.started
	d.mu.Unlock()

	if !started {
		for _, l := range d.lanes {
			for event := range l.ch {
				l.drop(event, "shutdown")
			}
		}
		return nil
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		d.log.Info().Msg("dispatcher flushed")
		return nil
	case <-ctx.Done():
	}

	d.log.Warn().Msg("flush deadline reached, abandoning pending deliveries")
	d.cancel()
	<-done
	return ctx.Err()
}

func (d *Dispatcher) Stats() map[string]SinkStats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]SinkStats, len(d.lanes))
	for _, l := range d.lanes {
		out[l.name] = l.stats()
	}
	return out
}

type lane struct {
	name  string
	sink  Sink
	cfg   LaneConfig
	ch    chan *detection.Event
	owner *Dispatcher
	log   zerolog.Logger

	delivered atomic.Uint64
	filtered  atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
	retries   atomic.Uint64

	errMu   sync.Mutex
	lastErr string
}

func (l *lane) run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for event := range l.ch {
		if ctx.Err() != nil {
			l.drop(event, "shutdown")
			continue
		}
		if f, ok := l.sink.(Filter); ok && !f.Accept(event) {
			l.filtered.Add(1)
			l.owner.metrics.SinkDelivery(l.name, "filtered", -1)
			continue
		}
		l.deliver(ctx, event)
	}
}

func (l *lane) deliver(ctx context.Context, event *detection.Event) {
	start := time.Now()
	var err error
	attempts := 0

	for {
		attempts++
		err = l.attempt(ctx, event)
		if err == nil {
			l.delivered.Add(1)
			l.owner.metrics.SinkDelivery(l.name, "delivered", time.Since(start).Seconds())
			return
		}
		if ctx.Err() != nil {
			l.drop(event, "shutdown")
			return
		}
		if attempts > l.cfg.MaxRetries {
			break
		}

		delay := utils.Backoff(attempts, l.cfg.RetryDelay, l.cfg.MaxRetryDelay)
		l.log.Warn().
			Err(err).
			Str("source_id", event.SourceID).
			Uint64("sequence", event.Sequence).
			Int("attempt", attempts).
			Dur("retry_in", delay).
			Msg("sink delivery failed, retrying")
		l.retries.Add(1)
		l.owner.metrics.SinkRetry(l.name)

		if !utils.SleepCtx(ctx, delay) {
			l.drop(event, "shutdown")
			return
		}
	}

	derr := &detection.SinkDeliveryError{
		Sink:     l.name,
		SourceID: event.SourceID,
		Sequence: event.Sequence,
		Attempts: attempts,
		Elapsed:  time.Since(start),
		Err:      err,
	}
	l.failed.Add(1)
	l.setLastError(derr)
	l.owner.metrics.SinkDelivery(l.name, "failed", derr.Elapsed.Seconds())
	l.log.Error().Err(derr).Msg("sink delivery gave up")
	if l.owner.OnFailure != nil {
		l.owner.OnFailure(derr)
	}
}

// attempt isolates the lane from a panicking sink.
func (l *lane) attempt(ctx context.Context, event *detection.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	return l.sink.Deliver(ctx, event)
}

func (l *lane) drop(event *detection.Event, reason string) {
	l.dropped.Add(1)
	l.owner.metrics.SinkDelivery(l.name, "dropped", -1)
	l.log.Warn().
		Str("source_id", event.SourceID).
		Uint64("sequence", event.Sequence).
		Str("reason", reason).
		Msg("event dropped for sink")
}

func (l *lane) setLastError(err error) {
	l.errMu.Lock()
	l.lastErr = err.Error()
	l.errMu.Unlock()
}

func (l *lane) stats() SinkStats {
	l.errMu.Lock()
	lastErr := l.lastErr
	l.errMu.Unlock()
	return SinkStats{
		Delivered: l.delivered.Load(),
		Filtered:  l.filtered.Load(),
		Failed:    l.failed.Load(),
		Dropped:   l.dropped.Load(),
		Retries:   l.retries.Load(),
		Pending:   len(l.ch),
		LastError: lastErr,
	}
}
