package detection

import (
	"image"
	"time"
)

type Label string

const (
	LabelMasked   Label = "masked"
	LabelUnmasked Label = "unmasked"
	LabelImproper Label = "improper"
)

func (l Label) Valid() bool {
	switch l {
	case LabelMasked, LabelUnmasked, LabelImproper:
		return true
	}
	return false
}

// Violation reports whether the label breaks the mask policy.
func (l Label) Violation() bool {
	return l == LabelUnmasked || l == LabelImproper
}

type Box struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

type Detection struct {
	Box        Box     `json:"box"`
	Label      Label   `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Sampling describes how a raw camera frame was reduced before enqueue.
type Sampling struct {
	SkipFactor int     `json:"skip_factor"`
	RawIndex   uint64  `json:"raw_index"`
	ScaleX     float64 `json:"scale_x"`
	ScaleY     float64 `json:"scale_y"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
}

// Frame is one sampled image from a camera. It must not be mutated after
// construction; the queue hands each frame to exactly one worker.
type Frame struct {
	SourceID   string
	Sequence   uint64
	CapturedAt time.Time
	Image      image.Image
	Sampling   Sampling
}

// Event is the classifier result for one frame. An empty Detections slice
// means nothing passed the confidence threshold.
type Event struct {
	SourceID    string      `json:"source_id"`
	Sequence    uint64      `json:"sequence"`
	CapturedAt  time.Time   `json:"captured_at"`
	ProcessedAt time.Time   `json:"processed_at"`
	Detections  []Detection `json:"detections"`
}

func NewEvent(frame *Frame, detections []Detection, processedAt time.Time) *Event {
	if detections == nil {
		detections = []Detection{}
	}
	return &Event{
		SourceID:    frame.SourceID,
		Sequence:    frame.Sequence,
		CapturedAt:  frame.CapturedAt,
		ProcessedAt: processedAt,
		Detections:  detections,
	}
}

func (e *Event) Violations() int {
	n := 0
	for _, d := range e.Detections {
		if d.Label.Violation() {
			n++
		}
	}
	return n
}

func (e *Event) CountByLabel() map[Label]int {
	counts := make(map[Label]int, 3)
	for _, d := range e.Detections {
		counts[d.Label]++
	}
	return counts
}

// Compliant reports whether the event stays under the alerting threshold.
func (e *Event) Compliant(minViolations int) bool {
	if minViolations <= 0 {
		minViolations = 1
	}
	return e.Violations() < minViolations
}

// ComplianceRate is the percentage of detected faces wearing a mask properly.
func (e *Event) ComplianceRate() float64 {
	return ComplianceRate(len(e.Detections), e.Violations())
}

func ComplianceRate(total, violations int) float64 {
	if total <= 0 {
		return 100
	}
	rate := float64(total-violations) / float64(total) * 100
	return float64(int64(rate*100+0.5)) / 100
}

type ViolationSummary struct {
	SourceID   string    `json:"source_id"`
	Sequence   uint64    `json:"sequence"`
	At         time.Time `json:"at"`
	Violations int       `json:"violations"`
	Total      int       `json:"total"`
	Reason     string    `json:"reason"`
}

func NewViolationSummary(e *Event, reason string) ViolationSummary {
	return ViolationSummary{
		SourceID:   e.SourceID,
		Sequence:   e.Sequence,
		At:         e.CapturedAt,
		Violations: e.Violations(),
		Total:      len(e.Detections),
		Reason:     reason,
	}
}
