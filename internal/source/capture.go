package source

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net/url"
	"strings"
)

// Capture is a connection to one camera endpoint.
type Capture interface {
	Open(ctx context.Context) error
	Read(ctx context.Context) (image.Image, error)
	Close() error
}

var ErrUnsupportedEndpoint = errors.New("unsupported camera endpoint")

// videoCaptureOpener is installed by the gocv build; nil otherwise.
var videoCaptureOpener func(cfg Config) Capture

// NewCapture picks a Capture implementation for the endpoint: MJPEG over
// HTTP(S) natively, RTSP and local devices through OpenCV.
func NewCapture(cfg Config) (Capture, error) {
	if cfg.URL == "" {
		if cfg.Device == nil {
			return nil, fmt.Errorf("%w: source %s has neither url nor device", ErrUnsupportedEndpoint, cfg.ID)
		}
		return openerFor(cfg)
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedEndpoint, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return NewMJPEGCapture(cfg.URL, cfg.withDefaults().OpenTimeout), nil
	case "rtsp", "rtsps", "rtmp", "file":
		return openerFor(cfg)
	default:
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupportedEndpoint, u.Scheme)
	}
}

func openerFor(cfg Config) (Capture, error) {
	if videoCaptureOpener == nil {
		return nil, fmt.Errorf("%w: %s requires a build with -tags gocv", ErrUnsupportedEndpoint, cfg.Endpoint())
	}
	return videoCaptureOpener(cfg), nil
}
