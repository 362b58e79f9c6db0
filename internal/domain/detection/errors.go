package detection

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrQueueFull   = errors.New("frame queue full")
	ErrQueueEmpty  = errors.New("frame queue empty")
	ErrQueueClosed = errors.New("frame queue closed")

	ErrConnection      = errors.New("source connection failed")
	ErrClassifier      = errors.New("classifier failed")
	ErrSinkDelivery    = errors.New("sink delivery failed")
	ErrInvalidCapacity = errors.New("queue capacity must be positive")
)

type ConnectionError struct {
	SourceID string
	Endpoint string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("source %s (%s): connection failed after %d attempts: %v", e.SourceID, e.Endpoint, e.Attempts, e.Err)
	}
	return fmt.Sprintf("source %s (%s): connection failed: %v", e.SourceID, e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

type ClassifierError struct {
	SourceID string
	Sequence uint64
	Err      error
}

func (e *ClassifierError) Error() string {
	return fmt.Sprintf("classify %s#%d: %v", e.SourceID, e.Sequence, e.Err)
}

func (e *ClassifierError) Unwrap() error { return e.Err }

func (e *ClassifierError) Is(target error) bool { return target == ErrClassifier }

type SinkDeliveryError struct {
	Sink     string
	SourceID string
	Sequence uint64
	Attempts int
	Elapsed  time.Duration
	Err      error
}

func (e *SinkDeliveryError) Error() string {
	return fmt.Sprintf("sink %s: event %s#%d dropped after %d attempts (%s): %v",
		e.Sink, e.SourceID, e.Sequence, e.Attempts, e.Elapsed, e.Err)
}

func (e *SinkDeliveryError) Unwrap() error { return e.Err }

func (e *SinkDeliveryError) Is(target error) bool { return target == ErrSinkDelivery }
