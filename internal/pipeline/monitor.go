package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/classifier"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/logger"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/metrics"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/queue"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/pkg/models"
)

// QueueMonitor publishes the intake queue depth and turns dropped events into
// queue-overflow system events.
type QueueMonitor struct {
	queue     *queue.Queue
	agentID   string
	processor *Processor
	metrics   *metrics.Metrics

	mu       sync.Mutex
	reported uint64
}

// NewQueueMonitor creates a monitor that reports through processor.
func NewQueueMonitor(q *queue.Queue, agentID string, processor *Processor, m *metrics.Metrics) *QueueMonitor {
	q.OnDrop(func(*models.ActivityEvent) { m.IncOverflow() })
	return &QueueMonitor{queue: q, agentID: agentID, processor: processor, metrics: m}
}

// Run checks the queue every second until ctx is done.
func (m *QueueMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.metrics.SetQueueDepth(m.queue.Len())
			m.Report(ctx)
		}
	}
}

// Report emits one system event for the drops since the last report.
// It bypasses the intake queue so the report cannot itself be dropped.
func (m *QueueMonitor) Report(ctx context.Context) {
	total := m.queue.Overflow()
	m.mu.Lock()
	delta := total - m.reported
	m.reported = total
	m.mu.Unlock()
	if delta == 0 {
		return
	}
	logger.Warnf("Intake queue overflow: %d event(s) dropped", delta)
	m.processor.Handle(ctx, QueueOverflowEvent(m.agentID, delta), classifier.Result{}, nil)
}
