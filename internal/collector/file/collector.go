package file

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/collector"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/collector/fswatch"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/logger"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/pkg/models"
)

// Config configures the file collector.
type Config struct {
	Paths []string
	// WorkDir is the agent working directory. It is always excluded.
	WorkDir string
	// Excludes is shared with the enforcement executor, which adds every
	// quarantine folder it moves files into.
	Excludes *fswatch.ExcludeSet
	Settle   time.Duration
}

// Collector watches directories recursively and emits file events.
type Collector struct {
	cfg Config
}

// New creates a file collector.
func New(cfg Config) *Collector {
	return &Collector{cfg: cfg}
}

// Name returns the collector name.
func (c *Collector) Name() string { return "file" }

// Run watches until ctx is done.
func (c *Collector) Run(ctx context.Context, sink collector.Sink) error {
	if len(c.cfg.Paths) == 0 {
		return fmt.Errorf("file collector has no paths")
	}
	excludes := c.cfg.Excludes
	if excludes == nil {
		excludes = fswatch.NewExcludeSet()
	}
	excludes.Add(c.cfg.WorkDir)
	w, err := fswatch.New(excludes, c.cfg.Settle)
	if err != nil {
		return err
	}
	watched := 0
	for _, p := range c.cfg.Paths {
		if w.Excluded(p) {
			logger.Warnf("File collector skips %s: it lies inside an excluded folder", p)
			continue
		}
		if err := w.AddRecursive(p); err != nil {
			logger.Warnf("File collector cannot watch %s: %v", p, err)
			continue
		}
		watched++
	}
	if watched == 0 {
		_ = w.Close()
		return fmt.Errorf("file collector: none of %d paths could be watched", len(c.cfg.Paths))
	}
	logger.Infof("File collector watching %d path(s)", watched)

	return w.Run(ctx, func(ev fswatch.Event) {
		collector.Guard(c.Name(), func() {
			if out := toActivity(ev); out != nil {
				sink.Push(out)
			}
		})
	})
}

func subtypeFor(op fswatch.Op) (models.Subtype, bool) {
	switch op {
	case fswatch.Create:
		return models.SubtypeCreate, true
	case fswatch.Write:
		return models.SubtypeModify, true
	case fswatch.Remove:
		return models.SubtypeDelete, true
	case fswatch.Rename:
		return models.SubtypeMove, true
	}
	return "", false
}

func toActivity(ev fswatch.Event) *models.ActivityEvent {
	subtype, ok := subtypeFor(ev.Op)
	if !ok {
		return nil
	}
	out := collector.NewEvent(models.SourceFile, subtype, ev.Path)
	out.OccurredAt = ev.At
	if subtype == models.SubtypeCreate || subtype == models.SubtypeModify {
		if info, err := os.Stat(ev.Path); err == nil {
			out.Size = info.Size()
		}
	}
	return out
}
