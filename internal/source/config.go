package source

import (
	"fmt"
	"time"
)

// Config is the immutable per-camera record handed to a FrameSource at
// construction. Either URL or Device identifies the endpoint.
type Config struct {
	ID     string
	URL    string
	Device *int

	FrameSkip    int
	ResizeWidth  int
	ResizeHeight int

	OpenTimeout   time.Duration
	ReadTimeout   time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration

	PushTimeout time.Duration
	PushRetries int
}

func (c Config) Endpoint() string {
	if c.URL != "" {
		return c.URL
	}
	if c.Device != nil {
		return fmt.Sprintf("device://%d", *c.Device)
	}
	return ""
}

func (c Config) withDefaults() Config {
	if c.FrameSkip <= 0 {
		c.FrameSkip = 1
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 5 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 30 * time.Second
	}
	if c.MaxRetryDelay < c.RetryDelay {
		c.MaxRetryDelay = c.RetryDelay
	}
	return c
}
