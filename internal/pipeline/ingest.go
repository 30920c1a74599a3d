package pipeline

import (
	"context"
	"sync"
	"time"

	inputredis "github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/input/redis"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/logger"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/pkg/models"
)

// MessageSource yields raw queued messages. Pop returns nil, nil when
// nothing arrived within its block timeout.
type MessageSource interface {
	Pop(ctx context.Context) ([]byte, error)
	Close() error
}

// Ingester stores record batches idempotently.
type Ingester interface {
	Ingest(ctx context.Context, batch models.EventBatch) (models.SubmitResult, error)
}

// RedisIngest consumes event records relayed through a Redis list and hands
// them to the server's idempotent ingest in batches.
type RedisIngest struct {
	source        MessageSource
	ingester      Ingester
	workers       int
	batchSize     int
	flushInterval time.Duration
}

// NewRedisIngest creates the ingest pipeline.
func NewRedisIngest(source MessageSource, ingester Ingester, workers, batchSize int, flushInterval time.Duration) *RedisIngest {
	return &RedisIngest{
		source:        source,
		ingester:      ingester,
		workers:       workers,
		batchSize:     batchSize,
		flushInterval: flushInterval,
	}
}

// Run starts the read, decode and write loops and blocks until ctx is done.
func (p *RedisIngest) Run(ctx context.Context) error {
	logger.Infof("Redis record ingest started")

	if p.workers <= 0 {
		p.workers = 4
	}
	if p.batchSize <= 0 {
		p.batchSize = 500
	}
	if p.flushInterval <= 0 {
		p.flushInterval = 2 * time.Second
	}

	msgCh := make(chan []byte, p.workers*4)
	recCh := make(chan []models.EventRecord, p.workers*4)

	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		p.readLoop(ctx, msgCh)
		close(msgCh)
	}()

	var workers sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			p.workerLoop(msgCh, recCh)
		}()
	}
	go func() {
		workers.Wait()
		close(recCh)
	}()

	p.writeLoop(ctx, recCh)
	readers.Wait()
	return nil
}

// Close releases the message source.
func (p *RedisIngest) Close() error {
	return p.source.Close()
}

func (p *RedisIngest) readLoop(ctx context.Context, out chan<- []byte) {
	for {
		payload, err := p.source.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Errorf("Failed to pop redis message: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		if payload == nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		select {
		case out <- payload:
		case <-ctx.Done():
			return
		}
	}
}

func (p *RedisIngest) workerLoop(in <-chan []byte, out chan<- []models.EventRecord) {
	for payload := range in {
		batch, err := inputredis.Decode(payload)
		if err != nil {
			logger.Warnf("Failed to decode queued records: %v", err)
			continue
		}
		recs := batch.Records[:0]
		for _, rec := range batch.Records {
			if rec.EventID() == "" {
				logger.Warnf("Dropping queued record without event id from agent %s", batch.AgentID)
				continue
			}
			if rec.Event.AgentID == "" {
				rec.Event.AgentID = batch.AgentID
			}
			recs = append(recs, rec)
		}
		if len(recs) > 0 {
			out <- recs
		}
	}
}

// writeLoop keeps retrying a failed batch every second; the records stay in
// memory until the store accepts them or ctx ends.
func (p *RedisIngest) writeLoop(ctx context.Context, in <-chan []models.EventRecord) {
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	var batch []models.EventRecord
	flush := func() {
		if len(batch) == 0 {
			return
		}
		for {
			res, err := p.ingester.Ingest(context.WithoutCancel(ctx), models.EventBatch{Records: batch})
			if err != nil {
				logger.Errorf("Failed to ingest %d queued record(s): %v", len(batch), err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(1 * time.Second):
				}
				continue
			}
			logger.Debugf("Ingested queued records: accepted=%d duplicates=%d", len(res.Accepted), len(res.Duplicates))
			batch = nil
			return
		}
	}

	for {
		select {
		case <-ticker.C:
			flush()
		case recs, ok := <-in:
			if !ok {
				flush()
				return
			}
			batch = append(batch, recs...)
			if len(batch) >= p.batchSize {
				flush()
			}
		}
	}
}
