package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/effaaykhan/Data-Loss-Prevention-sub002/pkg/models"
)

// ErrClosed is returned by Pop once the queue is closed and drained.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded FIFO of activity events. Push never blocks: when the
// queue is full the oldest event is dropped and the overflow counter grows.
type Queue struct {
	mu       sync.Mutex
	buf      []*models.ActivityEvent
	head     int
	size     int
	overflow uint64
	closed   bool
	ready    chan struct{}
	onDrop   func(*models.ActivityEvent)
}

// New creates a queue with the given capacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Queue{
		buf:   make([]*models.ActivityEvent, capacity),
		ready: make(chan struct{}, 1),
	}
}

// OnDrop registers a callback invoked (outside the lock) for each dropped event.
func (q *Queue) OnDrop(fn func(*models.ActivityEvent)) {
	q.mu.Lock()
	q.onDrop = fn
	q.mu.Unlock()
}

// Push appends an event. It reports whether an older event was dropped to make room.
func (q *Queue) Push(ev *models.ActivityEvent) bool {
	if ev == nil {
		return false
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	var dropped *models.ActivityEvent
	if q.size == len(q.buf) {
		dropped = q.buf[q.head]
		q.buf[q.head] = nil
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		q.overflow++
	}
	q.buf[(q.head+q.size)%len(q.buf)] = ev
	q.size++
	onDrop := q.onDrop
	q.mu.Unlock()

	q.signal()
	if dropped != nil && onDrop != nil {
		onDrop(dropped)
	}
	return dropped != nil
}

// Pop removes the oldest event, waiting until one is available or ctx is done.
func (q *Queue) Pop(ctx context.Context) (*models.ActivityEvent, error) {
	for {
		q.mu.Lock()
		if q.size > 0 {
			ev := q.buf[q.head]
			q.buf[q.head] = nil
			q.head = (q.head + 1) % len(q.buf)
			q.size--
			more := q.size > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return ev, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.ready:
		}
	}
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Overflow returns how many events have been dropped since creation.
func (q *Queue) Overflow() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.overflow
}

// Close stops accepting events. Queued events can still be popped.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
