// Package queue holds the bounded FIFO shared between frame sources and
// detection workers.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"maskguard-service/internal/domain/detection"
)

// FrameQueue is a fixed-capacity multi-producer/multi-consumer FIFO.
// When full, Push fails instead of displacing queued frames.
type FrameQueue struct {
	mu     sync.Mutex
	buf    []*detection.Frame
	head   int
	size   int
	closed bool

	// closed and replaced whenever a waiter may make progress
	notEmpty chan struct{}
	notFull  chan struct{}

	pushed    uint64
	popped    uint64
	rejected  uint64
	highWater int
}

type Stats struct {
	Capacity  int    `json:"capacity"`
	Length    int    `json:"length"`
	Pushed    uint64 `json:"pushed"`
	Popped    uint64 `json:"popped"`
	Rejected  uint64 `json:"rejected"`
	HighWater int    `json:"high_water"`
	Closed    bool   `json:"closed"`
}

func NewFrameQueue(capacity int) (*FrameQueue, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: got %d", detection.ErrInvalidCapacity, capacity)
	}
	return &FrameQueue{
		buf:      make([]*detection.Frame, capacity),
		notEmpty: make(chan struct{}),
		notFull:  make(chan struct{}),
	}, nil
}

// Push appends frame, waiting at most timeout for free space. A zero timeout
// fails immediately when the queue is full.
func (q *FrameQueue) Push(ctx context.Context, frame *detection.Frame, timeout time.Duration) error {
	var timer *time.Timer
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return detection.ErrQueueClosed
		}
		if q.size < len(q.buf) {
			q.buf[(q.head+q.size)%len(q.buf)] = frame
			q.size++
			q.pushed++
			if q.size > q.highWater {
				q.highWater = q.size
			}
			q.signal(&q.notEmpty)
			q.mu.Unlock()
			return nil
		}
		wait := q.notFull
		q.mu.Unlock()

		if timeout <= 0 {
			return q.reject(0)
		}
		if timer == nil {
			timer = time.NewTimer(timeout)
			defer timer.Stop()
		}

		select {
		case <-wait:
		case <-timer.C:
			return q.reject(timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Pop removes the oldest frame, waiting at most timeout for one to arrive.
// Once the queue is closed, Pop keeps returning queued frames and then
// ErrQueueClosed.
func (q *FrameQueue) Pop(ctx context.Context, timeout time.Duration) (*detection.Frame, error) {
	var timer *time.Timer
	for {
		q.mu.Lock()
		if q.size > 0 {
			frame := q.buf[q.head]
			q.buf[q.head] = nil
			q.head = (q.head + 1) % len(q.buf)
			q.size--
			q.popped++
			q.signal(&q.notFull)
			q.mu.Unlock()
			return frame, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, detection.ErrQueueClosed
		}
		wait := q.notEmpty
		q.mu.Unlock()

		if timeout <= 0 {
			return nil, detection.ErrQueueEmpty
		}
		if timer == nil {
			timer = time.NewTimer(timeout)
			defer timer.Stop()
		}

		select {
		case <-wait:
		case <-timer.C:
			return nil, detection.ErrQueueEmpty
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close rejects further pushes and wakes every waiter. Queued frames stay
// available to Pop.
func (q *FrameQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.signal(&q.notEmpty)
	q.signal(&q.notFull)
}

func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *FrameQueue) Cap() int {
	return len(q.buf)
}

func (q *FrameQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Capacity:  len(q.buf),
		Length:    q.size,
		Pushed:    q.pushed,
		Popped:    q.popped,
		Rejected:  q.rejected,
		HighWater: q.highWater,
		Closed:    q.closed,
	}
}

func (q *FrameQueue) reject(timeout time.Duration) error {
	q.mu.Lock()
	q.rejected++
	q.mu.Unlock()
	return fmt.Errorf("%w: capacity %d, waited %s", detection.ErrQueueFull, len(q.buf), timeout)
}

// signal must be called with q.mu held.
func (q *FrameQueue) signal(ch *chan struct{}) {
	close(*ch)
	*ch = make(chan struct{})
}
