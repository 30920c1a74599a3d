package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/logger"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/pkg/models"
)

// Fanout batches records and writes every batch to each output writer.
type Fanout struct {
	writers       []RecordWriter
	in            chan *models.EventRecord
	batchSize     int
	flushInterval time.Duration
}

// NewFanout creates a fanout over writers.
func NewFanout(batchSize int, flushInterval time.Duration, writers ...RecordWriter) *Fanout {
	if batchSize <= 0 {
		batchSize = 500
	}
	if flushInterval <= 0 {
		flushInterval = 2 * time.Second
	}
	return &Fanout{
		writers:       writers,
		in:            make(chan *models.EventRecord, batchSize*2),
		batchSize:     batchSize,
		flushInterval: flushInterval,
	}
}

// Put hands a record to the write loop.
func (f *Fanout) Put(ctx context.Context, rec *models.EventRecord) error {
	if len(f.writers) == 0 {
		return nil
	}
	select {
	case f.in <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run writes batches until ctx is done, then flushes what is buffered.
func (f *Fanout) Run(ctx context.Context) error {
	if len(f.writers) == 0 {
		<-ctx.Done()
		return nil
	}
	logger.Infof("Record output started: %d writer(s), batch=%d", len(f.writers), f.batchSize)
	f.writeLoop(ctx)
	return nil
}

func (f *Fanout) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(f.flushInterval)
	defer ticker.Stop()

	var batch []*models.EventRecord
	flush := func() {
		if len(batch) == 0 {
			return
		}
		for _, w := range f.writers {
			for {
				if err := w.WriteRecords(batch); err != nil {
					if errors.Is(err, ErrRejected) {
						logger.Errorf("Output rejected %d record(s), dropping them for this output: %v", len(batch), err)
						break
					}
					logger.Errorf("Failed to write %d record(s): %v", len(batch), err)
					select {
					case <-ctx.Done():
					case <-time.After(1 * time.Second):
						continue
					}
				}
				break
			}
		}
		batch = nil
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case rec := <-f.in:
					batch = append(batch, rec)
					continue
				default:
				}
				break
			}
			flush()
			return
		case <-ticker.C:
			flush()
		case rec := <-f.in:
			batch = append(batch, rec)
			if len(batch) >= f.batchSize {
				flush()
			}
		}
	}
}

// Close closes every writer.
func (f *Fanout) Close() error {
	var first error
	for _, w := range f.writers {
		if err := w.Close(); err != nil {
			logger.Errorf("Failed to close record writer: %v", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}
