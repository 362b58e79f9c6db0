package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"maskguard-service/internal/domain/detection"
	"maskguard-service/internal/repository"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
)

const (
	defaultWindow   = 24 * time.Hour
	defaultPageSize = 50
	maxPageSize     = 100
)

type complianceStore interface {
	FindEvents(ctx context.Context, f repository.EventFilter) ([]repository.DetectionEvent, error)
	FindAlerts(ctx context.Context, sourceID *string, from, to *time.Time, limit, offset int) ([]repository.Alert, error)
	ComplianceTotals(ctx context.Context, sourceID *string, from, to *time.Time) (repository.ComplianceTotals, error)
	HourlyCompliance(ctx context.Context, sourceID *string, from, to *time.Time) ([]repository.HourlyCompliance, error)
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type ComplianceService struct {
	repo complianceStore
	log  zerolog.Logger
	now  func() time.Time
}

func NewComplianceService(repo complianceStore, log zerolog.Logger) *ComplianceService {
	return &ComplianceService{
		repo: repo,
		log:  log,
		now:  time.Now,
	}
}

// Compliance reports the share of faces wearing a mask correctly over a
// period, overall and per hour. Without bounds the last 24 hours are used.
func (s *ComplianceService) Compliance(ctx context.Context, sourceQuery, from, to *string) (*ComplianceReport, error) {
	sourceID := normalizeSource(sourceQuery)
	fromTime, toTime, err := parseRange(from, to)
	if err != nil {
		return nil, err
	}
	if toTime == nil {
		now := s.now().UTC()
		toTime = &now
	}
	if fromTime == nil {
		start := toTime.Add(-defaultWindow)
		fromTime = &start
	}
	if fromTime.After(*toTime) {
		return nil, fmt.Errorf("%w: from must be before to", ErrInvalidInput)
	}

	totals, err := s.repo.ComplianceTotals(ctx, sourceID, fromTime, toTime)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to load compliance totals")
		return nil, fmt.Errorf("failed to load compliance totals: %w", err)
	}

	hourly, err := s.repo.HourlyCompliance(ctx, sourceID, fromTime, toTime)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to load hourly compliance")
		return nil, fmt.Errorf("failed to load hourly compliance: %w", err)
	}

	report := &ComplianceReport{
		From:           *fromTime,
		To:             *toTime,
		Events:         totals.Events,
		Faces:          totals.Faces,
		Violations:     totals.Violations,
		ComplianceRate: detection.ComplianceRate(int(totals.Faces), int(totals.Violations)),
		Hourly:         make([]HourlyPoint, 0, len(hourly)),
	}
	if sourceID != nil {
		report.SourceID = *sourceID
	}
	for _, h := range hourly {
		report.Hourly = append(report.Hourly, HourlyPoint{
			Hour:           h.Hour,
			Faces:          h.Faces,
			Violations:     h.Violations,
			ComplianceRate: detection.ComplianceRate(int(h.Faces), int(h.Violations)),
		})
	}
	return report, nil
}

func (s *ComplianceService) FindEvents(ctx context.Context, sourceQuery, from, to *string, violationsOnly bool, limit, offset int) ([]EventInfo, error) {
	fromTime, toTime, err := parseRange(from, to)
	if err != nil {
		return nil, err
	}
	limit, offset = page(limit, offset)

	events, err := s.repo.FindEvents(ctx, repository.EventFilter{
		SourceID:       normalizeSource(sourceQuery),
		From:           fromTime,
		To:             toTime,
		ViolationsOnly: violationsOnly,
		Limit:          limit,
		Offset:         offset,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find events: %w", err)
	}

	result := make([]EventInfo, 0, len(events))
	for _, e := range events {
		result = append(result, EventInfo{
			ID:             e.ID,
			RunID:          e.RunID.String(),
			SourceID:       e.SourceID,
			Sequence:       e.SequenceNumber,
			CapturedAt:     e.CapturedAt,
			ProcessedAt:    e.ProcessedAt,
			FaceCount:      e.FaceCount,
			MaskedCount:    e.MaskedCount,
			UnmaskedCount:  e.UnmaskedCount,
			ImproperCount:  e.ImproperCount,
			ViolationCount: e.ViolationCount,
			Detections:     e.Detections.Data(),
		})
	}
	return result, nil
}

func (s *ComplianceService) FindAlerts(ctx context.Context, sourceQuery, from, to *string, limit, offset int) ([]AlertInfo, error) {
	fromTime, toTime, err := parseRange(from, to)
	if err != nil {
		return nil, err
	}
	limit, offset = page(limit, offset)

	alerts, err := s.repo.FindAlerts(ctx, normalizeSource(sourceQuery), fromTime, toTime, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to find alerts: %w", err)
	}

	result := make([]AlertInfo, 0, len(alerts))
	for _, a := range alerts {
		result = append(result, AlertInfo{
			ID:         a.ID.String(),
			SourceID:   a.SourceID,
			Sequence:   a.SequenceNumber,
			Violations: a.Violations,
			FaceCount:  a.FaceCount,
			Reason:     a.Reason,
			Channels:   splitChannels(a.Channels),
			SentAt:     a.SentAt,
		})
	}
	return result, nil
}

// CleanupOldEvents removes detection events older than the given number of days.
func (s *ComplianceService) CleanupOldEvents(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, fmt.Errorf("%w: retention days must be positive", ErrInvalidInput)
	}
	cutoff := s.now().Add(-time.Duration(days) * 24 * time.Hour)
	deleted, err := s.repo.DeleteEventsBefore(ctx, cutoff)
	if err != nil {
		s.log.Error().Err(err).Int("days", days).Msg("failed to cleanup old events")
		return 0, err
	}
	if deleted > 0 {
		s.log.Info().Int64("deleted_count", deleted).Int("days", days).Msg("cleaned up old events")
	}
	return deleted, nil
}

func normalizeSource(q *string) *string {
	if q == nil {
		return nil
	}
	v := strings.TrimSpace(*q)
	if v == "" {
		return nil
	}
	return &v
}

func parseRange(from, to *string) (*time.Time, *time.Time, error) {
	var fromTime, toTime *time.Time
	if from != nil && *from != "" {
		t, err := time.Parse(time.RFC3339, *from)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: invalid from time format", ErrInvalidInput)
		}
		fromTime = &t
	}
	if to != nil && *to != "" {
		t, err := time.Parse(time.RFC3339, *to)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: invalid to time format", ErrInvalidInput)
		}
		toTime = &t
	}
	return fromTime, toTime, nil
}

func page(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func splitChannels(v string) []string {
	if v == "" {
		return []string{}
	}
	return strings.Split(v, ",")
}

type ComplianceReport struct {
	SourceID       string        `json:"source_id,omitempty"`
	From           time.Time     `json:"from"`
	To             time.Time     `json:"to"`
	Events         int64         `json:"events"`
	Faces          int64         `json:"faces"`
	Violations     int64         `json:"violations"`
	ComplianceRate float64       `json:"compliance_rate"`
	Hourly         []HourlyPoint `json:"hourly"`
}

type HourlyPoint struct {
	Hour           time.Time `json:"hour"`
	Faces          int64     `json:"faces"`
	Violations     int64     `json:"violations"`
	ComplianceRate float64   `json:"compliance_rate"`
}

type EventInfo struct {
	ID             int64                 `json:"id"`
	RunID          string                `json:"run_id"`
	SourceID       string                `json:"source_id"`
	Sequence       int64                 `json:"sequence"`
	CapturedAt     time.Time             `json:"captured_at"`
	ProcessedAt    time.Time             `json:"processed_at"`
	FaceCount      int                   `json:"face_count"`
	MaskedCount    int                   `json:"masked_count"`
	UnmaskedCount  int                   `json:"unmasked_count"`
	ImproperCount  int                   `json:"improper_count"`
	ViolationCount int                   `json:"violation_count"`
	Detections     []detection.Detection `json:"detections"`
}

type AlertInfo struct {
	ID         string    `json:"id"`
	SourceID   string    `json:"source_id"`
	Sequence   int64     `json:"sequence"`
	Violations int       `json:"violations"`
	FaceCount  int       `json:"face_count"`
	Reason     string    `json:"reason"`
	Channels   []string  `json:"channels"`
	SentAt     time.Time `json:"sent_at"`
}
