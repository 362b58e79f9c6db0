package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"maskguard-service/internal/domain/detection"
)

const maxPageSize = 100

type DetectionRepository struct {
	db *gorm.DB
}

func NewDetectionRepository(db *gorm.DB) *DetectionRepository {
	return &DetectionRepository{db: db}
}

type DetectionEvent struct {
	ID             int64                                     `gorm:"primaryKey"`
	RunID          uuid.UUID                                 `gorm:"type:uuid;not null"`
	SourceID       string                                    `gorm:"not null"`
	SequenceNumber int64                                     `gorm:"not null"`
	CapturedAt     time.Time                                 `gorm:"not null"`
	ProcessedAt    time.Time                                 `gorm:"not null"`
	FaceCount      int                                       `gorm:"not null"`
	MaskedCount    int                                       `gorm:"not null"`
	UnmaskedCount  int                                       `gorm:"not null"`
	ImproperCount  int                                       `gorm:"not null"`
	ViolationCount int                                       `gorm:"not null"`
	Detections     datatypes.JSONType[[]detection.Detection] `gorm:"type:jsonb"`
	CreatedAt      time.Time
}

type Alert struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	SourceID       string    `gorm:"not null"`
	SequenceNumber int64     `gorm:"not null"`
	Violations     int       `gorm:"not null"`
	FaceCount      int       `gorm:"not null"`
	Reason         string    `gorm:"not null"`
	Channels       string
	Message        string
	SentAt         time.Time `gorm:"not null"`
	CreatedAt      time.Time
}

type ComplianceTotals struct {
	Events     int64
	Faces      int64
	Violations int64
}

type HourlyCompliance struct {
	Hour       time.Time
	Faces      int64
	Violations int64
}

type EventFilter struct {
	SourceID       *string
	From           *time.Time
	To             *time.Time
	ViolationsOnly bool
	Limit          int
	Offset         int
}

func newDetectionEvent(runID uuid.UUID, event *detection.Event) DetectionEvent {
	counts := event.CountByLabel()
	return DetectionEvent{
		RunID:          runID,
		SourceID:       event.SourceID,
		SequenceNumber: int64(event.Sequence),
		CapturedAt:     event.CapturedAt,
		ProcessedAt:    event.ProcessedAt,
		FaceCount:      len(event.Detections),
		MaskedCount:    counts[detection.LabelMasked],
		UnmaskedCount:  counts[detection.LabelUnmasked],
		ImproperCount:  counts[detection.LabelImproper],
		ViolationCount: event.Violations(),
		Detections:     datatypes.NewJSONType(event.Detections),
		CreatedAt:      time.Now(),
	}
}

// InsertEvent stores an event once per (run_id, source_id, sequence_number).
// A redelivered event is ignored and reported with inserted == false.
func (r *DetectionRepository) InsertEvent(ctx context.Context, runID uuid.UUID, event *detection.Event) (bool, error) {
	row := newDetectionEvent(runID, event)
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "run_id"}, {Name: "source_id"}, {Name: "sequence_number"}},
			DoNothing: true,
		}).
		Create(&row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *DetectionRepository) CreateAlert(ctx context.Context, alert *Alert) error {
	if alert.ID == uuid.Nil {
		alert.ID = uuid.New()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now()
	}
	return r.db.WithContext(ctx).Create(alert).Error
}

func (r *DetectionRepository) FindEvents(ctx context.Context, f EventFilter) ([]DetectionEvent, error) {
	query := r.db.WithContext(ctx).Model(&DetectionEvent{})
	query = applyRange(query, "captured_at", f.SourceID, f.From, f.To)
	if f.ViolationsOnly {
		query = query.Where("violation_count > 0")
	}
	query = paginate(query.Order("captured_at DESC"), f.Limit, f.Offset)

	var events []DetectionEvent
	err := query.Find(&events).Error
	return events, err
}

func (r *DetectionRepository) FindAlerts(ctx context.Context, sourceID *string, from, to *time.Time, limit, offset int) ([]Alert, error) {
	query := r.db.WithContext(ctx).Model(&Alert{})
	query = applyRange(query, "sent_at", sourceID, from, to)
	query = paginate(query.Order("sent_at DESC"), limit, offset)

	var alerts []Alert
	err := query.Find(&alerts).Error
	return alerts, err
}

func (r *DetectionRepository) ComplianceTotals(ctx context.Context, sourceID *string, from, to *time.Time) (ComplianceTotals, error) {
	var totals ComplianceTotals
	query := r.db.WithContext(ctx).
		Model(&DetectionEvent{}).
		Select("COUNT(*) AS events, COALESCE(SUM(face_count), 0) AS faces, COALESCE(SUM(violation_count), 0) AS violations")
	query = applyRange(query, "captured_at", sourceID, from, to)
	err := query.Scan(&totals).Error
	return totals, err
}

func (r *DetectionRepository) HourlyCompliance(ctx context.Context, sourceID *string, from, to *time.Time) ([]HourlyCompliance, error) {
	var rows []HourlyCompliance
	query := r.db.WithContext(ctx).
		Model(&DetectionEvent{}).
		Select("date_trunc('hour', captured_at) AS hour, COALESCE(SUM(face_count), 0) AS faces, COALESCE(SUM(violation_count), 0) AS violations")
	query = applyRange(query, "captured_at", sourceID, from, to)
	err := query.Group("hour").Order("hour").Scan(&rows).Error
	return rows, err
}

func (r *DetectionRepository) GetLastAlertTime(ctx context.Context, sourceID string) (*time.Time, error) {
	var alert Alert
	err := r.db.WithContext(ctx).
		Where("source_id = ?", sourceID).
		Order("sent_at DESC").
		First(&alert).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &alert.SentAt, nil
}

func (r *DetectionRepository) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("captured_at < ?", cutoff).
		Delete(&DetectionEvent{})
	return res.RowsAffected, res.Error
}

func applyRange(query *gorm.DB, column string, sourceID *string, from, to *time.Time) *gorm.DB {
	if sourceID != nil {
		query = query.Where("source_id = ?", *sourceID)
	}
	if from != nil {
		query = query.Where(column+" >= ?", *from)
	}
	if to != nil {
		query = query.Where(column+" <= ?", *to)
	}
	return query
}

func paginate(query *gorm.DB, limit, offset int) *gorm.DB {
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	query = query.Limit(limit)
	if offset > 0 {
		query = query.Offset(offset)
	}
	return query
}
