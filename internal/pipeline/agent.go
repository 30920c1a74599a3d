package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/classifier"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/collector"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/logger"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/metrics"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/outbox"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/queue"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/rules"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/pkg/models"
)

// AgentClient is the server protocol the agent needs.
type AgentClient interface {
	Submitter
	HeartbeatSender
}

// AgentConfig wires an agent.
type AgentConfig struct {
	ID   string
	Name string

	Queue      *queue.Queue
	Classifier *classifier.Classifier
	Workers    int
	Evaluator  *rules.Evaluator
	// Refresher keeps the evaluator in sync with the server; nil disables sync.
	Refresher  *rules.Refresher
	Enforcer   Enforcer
	Outbox     *outbox.Outbox
	Client     AgentClient
	Collectors []collector.Collector

	Delivery          DeliveryConfig
	HeartbeatInterval time.Duration
	Metrics           *metrics.Metrics
}

// Agent runs collectors → queue → classifier pool → local decision and
// enforcement → outbox → delivery, plus heartbeat and policy sync.
type Agent struct {
	cfg       AgentConfig
	processor *Processor
	pool      *classifier.Pool
	deliverer *Deliverer
	heartbeat *Heartbeater
	monitor   *QueueMonitor
	sink      collector.Sink
}

// NewAgent assembles an agent.
func NewAgent(cfg AgentConfig) *Agent {
	a := &Agent{cfg: cfg}

	a.processor = NewProcessor(ProcessorConfig{
		Engine:   cfg.Evaluator,
		Version:  func() string { return cfg.Evaluator.Snapshot().Version() },
		Enforcer: cfg.Enforcer,
		Sink:     SinkFunc(a.store),
		Metrics:  cfg.Metrics,
	})
	a.pool = classifier.NewPool(cfg.Classifier, cfg.Queue, cfg.Workers, a.processor.Handle)

	dcfg := cfg.Delivery
	dcfg.AgentID = cfg.ID
	dcfg.Metrics = cfg.Metrics
	dcfg.OnRetentionDrop = func(n int) {
		a.processor.Handle(context.Background(), RetentionDropEvent(cfg.ID, n), classifier.Result{}, nil)
	}
	a.deliverer = NewDeliverer(cfg.Outbox, cfg.Client, dcfg)
	a.heartbeat = NewHeartbeater(cfg.Client, cfg.HeartbeatInterval, a.Status)

	a.sink = &collector.StampSink{
		Next:    cfg.Queue,
		AgentID: cfg.ID,
		Actor:   collector.CurrentActor(),
		Metrics: cfg.Metrics,
	}
	a.monitor = NewQueueMonitor(cfg.Queue, cfg.ID, a.processor, cfg.Metrics)
	return a
}

// Run blocks until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	logger.Infof("Agent %s starting with %d collector(s)", a.cfg.ID, len(a.cfg.Collectors))

	var wg sync.WaitGroup
	start := func(name string, fn func(ctx context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			logger.Debugf("%s stopped", name)
		}()
	}

	if a.cfg.Refresher != nil {
		start("policy sync", a.cfg.Refresher.Run)
	}
	start("classifier pool", func(ctx context.Context) { _ = a.pool.Run(ctx) })
	start("delivery", func(ctx context.Context) { _ = a.deliverer.Run(ctx) })
	start("heartbeat", func(ctx context.Context) { _ = a.heartbeat.Run(ctx) })
	start("queue monitor", a.monitor.Run)
	for _, c := range a.cfg.Collectors {
		c := c
		start(c.Name()+" collector", func(ctx context.Context) { a.runCollector(ctx, c) })
	}

	<-ctx.Done()
	a.cfg.Queue.Close()
	wg.Wait()
	logger.Infof("Agent %s stopped", a.cfg.ID)
	return nil
}

// runCollector restarts a collector that returns an error while ctx is live.
func (a *Agent) runCollector(ctx context.Context, c collector.Collector) {
	backoff := time.Second
	for {
		err := c.Run(ctx, a.sink)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			logger.Infof("%s collector exited", c.Name())
			return
		}
		logger.Errorf("%s collector failed, restarting in %s: %v", c.Name(), backoff, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff, time.Second, time.Minute)
	}
}

func (a *Agent) store(ctx context.Context, rec *models.EventRecord) error {
	if _, err := a.cfg.Outbox.Enqueue(context.WithoutCancel(ctx), rec); err != nil {
		return err
	}
	a.deliverer.Kick()
	return nil
}

// Status builds the heartbeat payload.
func (a *Agent) Status(ctx context.Context) models.Heartbeat {
	hb := models.Heartbeat{
		AgentID:        a.cfg.ID,
		AgentName:      a.cfg.Name,
		Timestamp:      time.Now().UTC(),
		QueueDepth:     a.cfg.Queue.Len(),
		OverflowCount:  a.cfg.Queue.Overflow(),
		LastDeliveryAt: a.deliverer.LastDelivery(),
		PolicyVersion:  a.cfg.Evaluator.Snapshot().Version(),
	}
	if n, err := a.cfg.Outbox.Len(ctx); err == nil {
		hb.OutboxDepth = n
	}
	hb.OutboxDropped = a.cfg.Outbox.Dropped()
	if a.cfg.Refresher != nil {
		hb.PolicySyncStatus, _ = a.cfg.Refresher.Status()
	}
	HostStats(ctx, &hb)
	return hb
}
