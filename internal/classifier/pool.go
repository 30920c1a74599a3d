package classifier

import (
	"context"
	"errors"
	"sync"

	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/logger"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/queue"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/pkg/models"
)

// Handler receives every classified event. err is the classification error, if any.
type Handler func(ctx context.Context, ev *models.ActivityEvent, res Result, err error)

// Pool classifies queued events on a fixed number of workers, independent of
// how many collectors feed the queue.
type Pool struct {
	classifier *Classifier
	queue      *queue.Queue
	workers    int
	next       Handler
}

// NewPool creates a worker pool.
func NewPool(c *Classifier, q *queue.Queue, workers int, next Handler) *Pool {
	if workers <= 0 {
		workers = 4
	}
	return &Pool{classifier: c, queue: q, workers: workers, next: next}
}

// Run blocks until ctx is done or the queue is closed and drained.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.workerLoop(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (p *Pool) workerLoop(ctx context.Context) {
	for {
		ev, err := p.queue.Pop(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return
			}
			logger.Errorf("Failed to pop event: %v", err)
			continue
		}
		p.handle(ctx, ev)
	}
}

func (p *Pool) handle(ctx context.Context, ev *models.ActivityEvent) {
	defer func() {
		if r := recover(); r != nil {
			logger.With("event_id", ev.ID, "stage", "classify").Errorf("event handling panicked: %v", r)
		}
	}()
	res, err := p.classifier.ClassifyEvent(ev)
	if err != nil {
		logger.With("event_id", ev.ID, "stage", "classify").Warnf("classification skipped: %v", err)
	}
	if p.next != nil {
		p.next(ctx, ev, res, err)
	}
}
