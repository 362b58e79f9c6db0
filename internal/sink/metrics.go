package sink

import (
	"context"

	"maskguard-service/internal/domain/detection"
	"maskguard-service/internal/metrics"
)

// MetricsSink feeds the analytics counters: events, detections by label
// and violation events.
type MetricsSink struct {
	m *metrics.Metrics
}

func NewMetricsSink(m *metrics.Metrics) *MetricsSink {
	return &MetricsSink{m: m}
}

func (s *MetricsSink) Name() string { return "metrics" }

func (s *MetricsSink) Deliver(_ context.Context, event *detection.Event) error {
	s.m.RecordEvent(event)
	return nil
}
