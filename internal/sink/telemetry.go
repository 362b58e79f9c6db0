package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"maskguard-service/internal/domain/detection"
)

type telemetryMessage struct {
	*detection.Event
	Faces          int     `json:"faces"`
	Violations     int     `json:"violations"`
	ComplianceRate float64 `json:"compliance_rate"`
}

// TelemetrySink publishes every event to <prefix>/detections/<source>.
type TelemetrySink struct {
	pub    Publisher
	prefix string
}

func NewTelemetrySink(pub Publisher, topicPrefix string) *TelemetrySink {
	return &TelemetrySink{pub: pub, prefix: topicPrefix}
}

func (s *TelemetrySink) Name() string { return "telemetry" }

func (s *TelemetrySink) Deliver(ctx context.Context, event *detection.Event) error {
	payload, err := json.Marshal(telemetryMessage{
		Event:          event,
		Faces:          len(event.Detections),
		Violations:     event.Violations(),
		ComplianceRate: event.ComplianceRate(),
	})
	if err != nil {
		return fmt.Errorf("marshal telemetry: %w", err)
	}
	return s.pub.Publish(ctx, topic(s.prefix, "detections", event.SourceID), payload)
}
