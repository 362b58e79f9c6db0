//go:build gocv

package source

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"
)

func init() {
	videoCaptureOpener = func(cfg Config) Capture {
		return &videoCapture{cfg: cfg}
	}
}

// videoCapture wraps an OpenCV VideoCapture for RTSP streams and local devices.
type videoCapture struct {
	cfg Config

	mu  sync.Mutex
	cap *gocv.VideoCapture
	mat gocv.Mat
}

func (v *videoCapture) Open(ctx context.Context) error {
	type result struct {
		cap *gocv.VideoCapture
		err error
	}
	done := make(chan result, 1)
	go func() {
		var (
			c   *gocv.VideoCapture
			err error
		)
		if v.cfg.Device != nil && v.cfg.URL == "" {
			c, err = gocv.OpenVideoCapture(*v.cfg.Device)
		} else {
			c, err = gocv.OpenVideoCapture(v.cfg.URL)
		}
		if err == nil && !c.IsOpened() {
			c.Close()
			err = errors.New("capture not opened")
		}
		done <- result{cap: c, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return fmt.Errorf("open %s: %w", v.cfg.Endpoint(), r.err)
		}
		v.mu.Lock()
		v.closeLocked()
		v.cap = r.cap
		v.mat = gocv.NewMat()
		v.mu.Unlock()
		return nil
	case <-ctx.Done():
		// release a capture that opens after ctx expired
		go func() {
			if r := <-done; r.cap != nil {
				r.cap.Close()
			}
		}()
		return fmt.Errorf("open %s: %w", v.cfg.Endpoint(), ctx.Err())
	}
}

func (v *videoCapture) Read(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cap == nil {
		return nil, errors.New("video capture not open")
	}
	if !v.cap.Read(&v.mat) || v.mat.Empty() {
		return nil, errors.New("empty frame from video capture")
	}
	img, err := v.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("convert frame: %w", err)
	}
	return img, nil
}

func (v *videoCapture) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closeLocked()
}

func (v *videoCapture) closeLocked() error {
	var err error
	if v.cap != nil {
		err = v.cap.Close()
		v.cap = nil
		v.mat.Close()
	}
	return err
}
