package sink

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"maskguard-service/internal/domain/detection"
)

type eventStore interface {
	InsertEvent(ctx context.Context, runID uuid.UUID, event *detection.Event) (bool, error)
}

// StorageSink persists every event. Inserts are idempotent per run, so
// retried deliveries never duplicate rows.
type StorageSink struct {
	store eventStore
	runID uuid.UUID
	log   zerolog.Logger
}

func NewStorageSink(store eventStore, runID uuid.UUID, log zerolog.Logger) *StorageSink {
	return &StorageSink{store: store, runID: runID, log: log.With().Str("sink", "storage").Logger()}
}

func (s *StorageSink) Name() string { return "storage" }

func (s *StorageSink) Deliver(ctx context.Context, event *detection.Event) error {
	inserted, err := s.store.InsertEvent(ctx, s.runID, event)
	if err != nil {
		return fmt.Errorf("persist event: %w", err)
	}
	if !inserted {
		s.log.Debug().
			Str("source_id", event.SourceID).
			Uint64("sequence", event.Sequence).
			Msg("event already stored")
	}
	return nil
}
