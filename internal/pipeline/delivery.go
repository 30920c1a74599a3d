package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/logger"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/metrics"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/outbox"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/transport"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/pkg/models"
)

// Submitter sends a batch of records to the server.
type Submitter interface {
	SubmitEvents(ctx context.Context, agentID string, records []*models.EventRecord) (models.SubmitResult, error)
}

// DeliveryConfig configures the delivery loop.
type DeliveryConfig struct {
	AgentID       string
	BatchSize     int
	FlushInterval time.Duration
	MinBackoff    time.Duration
	MaxBackoff    time.Duration
	// Retention bounds how long undelivered records are kept.
	Retention time.Duration
	Metrics   *metrics.Metrics
	// OnRetentionDrop is called with the number of records purged.
	OnRetentionDrop func(n int)
}

// Deliverer moves records from the outbox to the server. A record leaves the
// outbox only once the server acknowledged it.
type Deliverer struct {
	outbox  *outbox.Outbox
	client  Submitter
	cfg     DeliveryConfig
	limiter *rate.Limiter
	kick    chan struct{}
	last    atomic.Int64
	now     func() time.Time
}

// NewDeliverer creates a delivery loop.
func NewDeliverer(ob *outbox.Outbox, client Submitter, cfg DeliveryConfig) *Deliverer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 2 * time.Minute
	}
	return &Deliverer{
		outbox: ob,
		client: client,
		cfg:    cfg,
		// Bounds submission attempts while a backlog drains.
		limiter: rate.NewLimiter(rate.Every(cfg.MinBackoff/10), 10),
		kick:    make(chan struct{}, 1),
		now:     time.Now,
	}
}

// Kick requests a delivery attempt without waiting for the flush interval.
func (d *Deliverer) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// LastDelivery returns the time of the last acknowledged submission.
func (d *Deliverer) LastDelivery() *time.Time {
	ns := d.last.Load()
	if ns == 0 {
		return nil
	}
	t := time.Unix(0, ns).UTC()
	return &t
}

// Run delivers until ctx is done.
func (d *Deliverer) Run(ctx context.Context) error {
	go d.retentionLoop(ctx)

	var backoff time.Duration
	for {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil
		}
		n, err := d.DeliverOnce(ctx)

		var wait time.Duration
		kick := d.kick
		switch {
		case err != nil:
			backoff = nextBackoff(backoff, d.cfg.MinBackoff, d.cfg.MaxBackoff)
			wait = backoff
			kick = nil
			if transport.IsTransient(err) {
				logger.Warnf("Event delivery failed, retrying in %s: %v", wait, err)
			} else {
				logger.Errorf("Event delivery rejected, records kept, retrying in %s: %v", wait, err)
			}
		case n >= d.cfg.BatchSize:
			backoff = 0
			continue
		default:
			backoff = 0
			wait = d.cfg.FlushInterval
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		case <-kick:
			timer.Stop()
		}
	}
}

// DeliverOnce submits one batch and returns how many records were acknowledged.
func (d *Deliverer) DeliverOnce(ctx context.Context) (int, error) {
	records, err := d.outbox.Peek(ctx, d.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		d.cfg.Metrics.SetOutboxDepth(0)
		return 0, nil
	}

	res, err := d.client.SubmitEvents(ctx, d.cfg.AgentID, records)
	if err != nil {
		d.cfg.Metrics.IncDeliveryFailure()
		return 0, err
	}
	acked, err := d.outbox.Ack(ctx, res.Acknowledged())
	if err != nil {
		return 0, err
	}
	d.last.Store(d.now().UnixNano())
	d.cfg.Metrics.AddDelivered(len(res.Accepted))
	if depth, err := d.outbox.Len(ctx); err == nil {
		d.cfg.Metrics.SetOutboxDepth(depth)
	}
	if len(res.Duplicates) > 0 {
		logger.Debugf("Server already had %d of %d record(s)", len(res.Duplicates), len(records))
	}
	return acked, nil
}

// PurgeExpired drops records older than the retention window.
func (d *Deliverer) PurgeExpired(ctx context.Context) (int, error) {
	if d.cfg.Retention <= 0 {
		return 0, nil
	}
	n, err := d.outbox.Purge(ctx, d.now().Add(-d.cfg.Retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.Warnf("Dropped %d undelivered record(s) older than %s", n, d.cfg.Retention)
		d.cfg.Metrics.AddRetentionDrops(n)
		if d.cfg.OnRetentionDrop != nil {
			d.cfg.OnRetentionDrop(n)
		}
	}
	return n, nil
}

func (d *Deliverer) retentionLoop(ctx context.Context) {
	if d.cfg.Retention <= 0 {
		return
	}
	every := d.cfg.Retention / 24
	if every > time.Hour {
		every = time.Hour
	}
	if every < time.Second {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if _, err := d.PurgeExpired(ctx); err != nil && ctx.Err() == nil {
			logger.Errorf("Outbox retention purge failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func nextBackoff(cur, min, max time.Duration) time.Duration {
	if cur <= 0 {
		return min
	}
	cur *= 2
	if cur > max {
		return max
	}
	return cur
}
