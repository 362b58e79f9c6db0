package source

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

const maxPartBytes = 16 << 20

// MJPEGCapture reads a multipart/x-mixed-replace JPEG stream, the format
// served by most IP cameras on their HTTP snapshot endpoint.
type MJPEGCapture struct {
	url    string
	client *resty.Client

	mu     sync.Mutex
	body   io.ReadCloser
	reader *multipart.Reader
	cancel context.CancelFunc
}

func NewMJPEGCapture(url string, openTimeout time.Duration) *MJPEGCapture {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: openTimeout}).DialContext,
		TLSHandshakeTimeout:   openTimeout,
		ResponseHeaderTimeout: openTimeout,
	}
	client := resty.New().
		SetTransport(transport).
		SetDoNotParseResponse(true).
		SetHeader("Accept", "multipart/x-mixed-replace, image/jpeg")
	return &MJPEGCapture{url: url, client: client}
}

func (c *MJPEGCapture) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()

	// The stream outlives ctx, which only bounds connection setup.
	connCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	resp, err := c.client.R().SetContext(connCtx).Get(c.url)
	if err != nil {
		cancel()
		return fmt.Errorf("connect %s: %w", c.url, err)
	}
	body := resp.RawBody()
	if resp.StatusCode() != http.StatusOK {
		body.Close()
		cancel()
		return fmt.Errorf("connect %s: unexpected status %d", c.url, resp.StatusCode())
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header().Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		body.Close()
		cancel()
		return fmt.Errorf("connect %s: not an mjpeg stream (content-type %q)", c.url, resp.Header().Get("Content-Type"))
	}

	c.body = body
	c.reader = multipart.NewReader(body, strings.TrimPrefix(params["boundary"], "--"))
	c.cancel = cancel
	return nil
}

func (c *MJPEGCapture) Read(ctx context.Context) (image.Image, error) {
	c.mu.Lock()
	reader, cancel := c.reader, c.cancel
	c.mu.Unlock()
	if reader == nil {
		return nil, errors.New("mjpeg capture not open")
	}

	// A read that outlives ctx tears the connection down; the source reconnects.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	part, err := reader.NextPart()
	if err != nil {
		return nil, fmt.Errorf("next part: %w", err)
	}
	defer part.Close()

	img, err := jpeg.Decode(io.LimitReader(part, maxPartBytes))
	if err != nil {
		return nil, fmt.Errorf("decode jpeg: %w", err)
	}
	return img, nil
}

func (c *MJPEGCapture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *MJPEGCapture) closeLocked() error {
	var err error
	if c.body != nil {
		err = c.body.Close()
		c.body = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.reader = nil
	return err
}
