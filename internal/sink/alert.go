package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"maskguard-service/internal/domain/detection"
	"maskguard-service/internal/metrics"
	"maskguard-service/internal/repository"
)

// Notifier delivers a violation summary to one channel.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, summary detection.ViolationSummary) error
}

type alertStore interface {
	CreateAlert(ctx context.Context, alert *repository.Alert) error
	GetLastAlertTime(ctx context.Context, sourceID string) (*time.Time, error)
}

// AlertSink notifies on violation events that pass the gate. It relies on
// the dispatcher calling Accept and Deliver sequentially for each event.
type AlertSink struct {
	gate      *AlertGate
	notifiers []Notifier
	store     alertStore
	metrics   *metrics.Metrics
	log       zerolog.Logger

	mu      sync.Mutex
	pending map[string]*pendingAlert
}

type pendingAlert struct {
	sequence uint64
	reason   string
	sent     map[string]bool
}

func NewAlertSink(gate *AlertGate, notifiers []Notifier, store alertStore, m *metrics.Metrics, log zerolog.Logger) *AlertSink {
	return &AlertSink{
		gate:      gate,
		notifiers: notifiers,
		store:     store,
		metrics:   m,
		log:       log.With().Str("sink", "alert").Logger(),
		pending:   make(map[string]*pendingAlert),
	}
}

func (s *AlertSink) Name() string { return "alert" }

// Restore seeds the cool-down of each source from the last stored alert, so
// a restarted process does not repeat a recent alert.
func (s *AlertSink) Restore(ctx context.Context, sourceIDs []string) error {
	if s.store == nil {
		return nil
	}
	for _, id := range sourceIDs {
		at, err := s.store.GetLastAlertTime(ctx, id)
		if err != nil {
			return fmt.Errorf("load last alert for %s: %w", id, err)
		}
		if at != nil {
			s.gate.Seed(id, *at)
		}
	}
	return nil
}

func (s *AlertSink) Accept(event *detection.Event) bool {
	reason := s.gate.Decide(event)

	s.mu.Lock()
	defer s.mu.Unlock()
	if reason == "" {
		decision := "suppressed"
		if event.Compliant(s.gate.minViolations) {
			decision = "compliant"
		}
		s.metrics.AlertDecision(event.SourceID, decision)
		return false
	}
	s.metrics.AlertDecision(event.SourceID, "notify")
	s.pending[event.SourceID] = &pendingAlert{
		sequence: event.Sequence,
		reason:   reason,
		sent:     make(map[string]bool, len(s.notifiers)),
	}
	return true
}

// Deliver sends the alert through every notifier not yet successful for this
// event. Only a complete send starts the cool-down.
func (s *AlertSink) Deliver(ctx context.Context, event *detection.Event) error {
	s.mu.Lock()
	p, ok := s.pending[event.SourceID]
	if !ok || p.sequence != event.Sequence {
		p = &pendingAlert{sequence: event.Sequence, reason: ReasonCooldown, sent: make(map[string]bool)}
		s.pending[event.SourceID] = p
	}
	s.mu.Unlock()

	summary := detection.NewViolationSummary(event, p.reason)
	var errs []error
	for _, n := range s.notifiers {
		if p.sent[n.Name()] {
			continue
		}
		if err := n.Notify(ctx, summary); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
			continue
		}
		p.sent[n.Name()] = true
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	sentAt := time.Now()
	s.gate.MarkSent(event.SourceID, sentAt)

	s.mu.Lock()
	if cur, ok := s.pending[event.SourceID]; ok && cur == p {
		delete(s.pending, event.SourceID)
	}
	s.mu.Unlock()

	channels := make([]string, 0, len(s.notifiers))
	for _, n := range s.notifiers {
		channels = append(channels, n.Name())
	}
	s.log.Info().
		Str("source_id", event.SourceID).
		Uint64("sequence", event.Sequence).
		Int("violations", summary.Violations).
		Str("reason", summary.Reason).
		Strs("channels", channels).
		Msg("violation alert sent")

	if s.store != nil {
		record := &repository.Alert{
			SourceID:       event.SourceID,
			SequenceNumber: int64(event.Sequence),
			Violations:     summary.Violations,
			FaceCount:      summary.Total,
			Reason:         summary.Reason,
			Channels:       strings.Join(channels, ","),
			Message:        FormatAlert(summary),
			SentAt:         sentAt,
		}
		if err := s.store.CreateAlert(ctx, record); err != nil {
			s.log.Error().Err(err).Str("source_id", event.SourceID).Msg("failed to store alert record")
		}
	}
	return nil
}

// FormatAlert renders the human readable alert text.
func FormatAlert(s detection.ViolationSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Mask violation on %s\n", s.SourceID)
	fmt.Fprintf(&b, "%d of %d detected faces without a properly worn mask\n", s.Violations, s.Total)
	fmt.Fprintf(&b, "Compliance: %.2f%%\n", detection.ComplianceRate(s.Total, s.Violations))
	fmt.Fprintf(&b, "Frame #%d at %s (%s)", s.Sequence, s.At.Format("2006-01-02 15:04:05"), s.Reason)
	return b.String()
}
