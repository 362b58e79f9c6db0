package db

import (
	"fmt"

	"gorm.io/gorm"
)

var migrationStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`,
	`CREATE TABLE IF NOT EXISTS detection_events (
		id               BIGSERIAL PRIMARY KEY,
		run_id           UUID NOT NULL,
		source_id        TEXT NOT NULL,
		sequence_number  BIGINT NOT NULL,
		captured_at      TIMESTAMPTZ NOT NULL,
		processed_at     TIMESTAMPTZ NOT NULL,
		face_count       INT NOT NULL DEFAULT 0,
		masked_count     INT NOT NULL DEFAULT 0,
		unmasked_count   INT NOT NULL DEFAULT 0,
		improper_count   INT NOT NULL DEFAULT 0,
		violation_count  INT NOT NULL DEFAULT 0,
		detections       JSONB,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_detection_events_run_source_seq
		ON detection_events(run_id, source_id, sequence_number);`,
	`CREATE INDEX IF NOT EXISTS idx_detection_events_source_captured
		ON detection_events(source_id, captured_at);`,
	`CREATE INDEX IF NOT EXISTS idx_detection_events_captured_at ON detection_events(captured_at);`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id               UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
		source_id        TEXT NOT NULL,
		sequence_number  BIGINT NOT NULL,
		violations       INT NOT NULL,
		face_count       INT NOT NULL,
		reason           TEXT NOT NULL,
		channels         TEXT,
		message          TEXT,
		sent_at          TIMESTAMPTZ NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_source_sent_at ON alerts(source_id, sent_at);`,
}

func runMigrations(db *gorm.DB) error {
	for i, stmt := range migrationStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
