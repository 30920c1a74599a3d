package clipboard

import (
	"context"
	"crypto/sha256"
	"time"

	"github.com/atotto/clipboard"

	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/collector"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/logger"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/pkg/models"
)

// Reader reads the current clipboard text.
type Reader interface {
	ReadText() (string, error)
}

// Writer replaces the clipboard text.
type Writer interface {
	WriteText(text string) error
}

// System is the OS clipboard.
type System struct{}

func (System) ReadText() (string, error) { return clipboard.ReadAll() }

func (System) WriteText(text string) error { return clipboard.WriteAll(text) }

// Collector polls the clipboard and emits one event per distinct content.
type Collector struct {
	reader   Reader
	interval time.Duration
	last     [sha256.Size]byte
	seen     bool
}

// New creates a clipboard collector. A nil reader uses the OS clipboard.
func New(reader Reader, interval time.Duration) *Collector {
	if reader == nil {
		reader = System{}
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Collector{reader: reader, interval: interval}
}

// Name returns the collector name.
func (c *Collector) Name() string { return "clipboard" }

// Run polls until ctx is done.
func (c *Collector) Run(ctx context.Context, sink collector.Sink) error {
	if clipboard.Unsupported {
		if _, ok := c.reader.(System); ok {
			logger.Warnf("Clipboard collector: no clipboard utility available, collector disabled")
			<-ctx.Done()
			return nil
		}
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	failures := 0
	for {
		collector.Guard(c.Name(), func() {
			if err := c.poll(sink); err != nil {
				failures++
				if failures == 1 || failures%100 == 0 {
					logger.Warnf("Clipboard read failed (%d consecutive): %v", failures, err)
				}
				return
			}
			failures = 0
		})
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (c *Collector) poll(sink collector.Sink) error {
	text, err := c.reader.ReadText()
	if err != nil {
		return err
	}
	if text == "" {
		return nil
	}
	sum := sha256.Sum256([]byte(text))
	if c.seen && sum == c.last {
		return nil
	}
	c.last = sum
	c.seen = true

	ev := collector.NewEvent(models.SourceClipboard, models.SubtypeCopy, "clipboard")
	ev.ContentSample = []byte(text)
	ev.Size = int64(len(text))
	sink.Push(ev)
	return nil
}
