// Package classifier talks to the face/mask inference service.
package classifier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"

	"maskguard-service/internal/domain/detection"
)

var ErrUnexpectedResponse = errors.New("unexpected classifier response")

type Config struct {
	Endpoint    string
	Timeout     time.Duration
	JPEGQuality int
}

type HTTPClassifier struct {
	client  *resty.Client
	cfg     Config
	quality int
}

type boxPayload struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

type detectionPayload struct {
	Box        boxPayload `json:"box"`
	Label      string     `json:"label"`
	Confidence float64    `json:"confidence"`
}

type responsePayload struct {
	Detections []detectionPayload `json:"detections"`
}

func NewHTTPClassifier(cfg Config) *HTTPClassifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	quality := cfg.JPEGQuality
	if quality <= 0 || quality > 100 {
		quality = 85
	}
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	return &HTTPClassifier{client: client, cfg: cfg, quality: quality}
}

// Classify posts the frame as JPEG and maps the model's labels onto the
// domain labels. Unknown labels are passed through for the caller to filter.
func (c *HTTPClassifier) Classify(ctx context.Context, img image.Image) ([]detection.Detection, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: c.quality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	var payload responsePayload
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "image/jpeg").
		SetBody(buf.Bytes()).
		SetResult(&payload).
		Post(c.cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("classifier request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnexpectedResponse, resp.StatusCode(), truncate(resp.String(), 200))
	}

	out := make([]detection.Detection, 0, len(payload.Detections))
	for _, d := range payload.Detections {
		if d.Confidence < 0 || d.Confidence > 1 {
			return nil, fmt.Errorf("%w: confidence %.3f out of range", ErrUnexpectedResponse, d.Confidence)
		}
		out = append(out, detection.Detection{
			Box:        detection.Box{X: d.Box.X, Y: d.Box.Y, Width: d.Box.Width, Height: d.Box.Height},
			Label:      MapLabel(d.Label),
			Confidence: d.Confidence,
		})
	}
	return out, nil
}

// MapLabel converts model output labels to domain labels.
func MapLabel(raw string) detection.Label {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "mask", "with_mask", "masked":
		return detection.LabelMasked
	case "no_mask", "without_mask", "unmasked":
		return detection.LabelUnmasked
	case "incorrect_mask", "mask_weared_incorrect", "improper":
		return detection.LabelImproper
	default:
		return detection.Label(raw)
	}
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
