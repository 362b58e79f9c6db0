package detection

import "time"

type ConnectionStatus string

const (
	StatusConnecting ConnectionStatus = "connecting"
	StatusStreaming  ConnectionStatus = "streaming"
	StatusDegraded   ConnectionStatus = "degraded"
	StatusFailed     ConnectionStatus = "failed"
)

// SourceState is owned by a single frame source; other components only see
// copies returned from its snapshot accessor.
type SourceState struct {
	SourceID            string           `json:"source_id"`
	Status              ConnectionStatus `json:"status"`
	LastFrameAt         time.Time        `json:"last_frame_at"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
}
