package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"maskguard-service/internal/domain/detection"
)

// MQTTNotifier publishes violation summaries to <prefix>/alerts/<source>.
type MQTTNotifier struct {
	pub    Publisher
	prefix string
}

func NewMQTTNotifier(pub Publisher, topicPrefix string) *MQTTNotifier {
	return &MQTTNotifier{pub: pub, prefix: topicPrefix}
}

func (n *MQTTNotifier) Name() string { return "mqtt" }

func (n *MQTTNotifier) Notify(ctx context.Context, summary detection.ViolationSummary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	return n.pub.Publish(ctx, topic(n.prefix, "alerts", summary.SourceID), payload)
}
