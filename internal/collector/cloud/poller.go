package cloud

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/baseline"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/collector"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/logger"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/metrics"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/pkg/models"
)

// minWindow is the narrowest query window tried when a backlog does not fit
// in one query.
const minWindow = time.Second

// Poller polls monitored folders and emits one event per new tracked activity.
type Poller struct {
	src      ActivitySource
	tracker  *baseline.Tracker
	folders  []string
	interval time.Duration
	metrics  *metrics.Metrics
	trigger  chan struct{}
	running  sync.Mutex
	now      func() time.Time
}

// NewPoller creates a poller. folders are polled in addition to every folder
// the tracker already holds a baseline for.
func NewPoller(src ActivitySource, tracker *baseline.Tracker, folders []string, interval time.Duration, m *metrics.Metrics) *Poller {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Poller{
		src:      src,
		tracker:  tracker,
		folders:  append([]string(nil), folders...),
		interval: interval,
		metrics:  m,
		trigger:  make(chan struct{}, 1),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source.
func (p *Poller) SetClock(now func() time.Time) {
	p.now = now
}

// Name returns the collector name.
func (p *Poller) Name() string { return "cloud" }

// PollNow requests an immediate cycle. It reports false when one is already pending.
func (p *Poller) PollNow() bool {
	select {
	case p.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Run polls on the interval and on demand until ctx is done.
func (p *Poller) Run(ctx context.Context, sink collector.Sink) error {
	logger.Infof("Cloud poller started: interval=%s folders=%d", p.interval, len(p.folders))
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.PollOnce(ctx, sink)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-p.trigger:
		}
	}
}

// PollOnce runs one cycle over every monitored folder.
func (p *Poller) PollOnce(ctx context.Context, sink collector.Sink) {
	p.running.Lock()
	defer p.running.Unlock()

	folders, err := p.monitored(ctx)
	if err != nil {
		logger.Errorf("Cloud poller cannot list baselines: %v", err)
		p.metrics.IncCloudPoll("error")
		return
	}
	for _, folder := range folders {
		if ctx.Err() != nil {
			return
		}
		collector.Guard(p.Name(), func() {
			p.pollFolder(ctx, folder, sink)
		})
	}
}

func (p *Poller) monitored(ctx context.Context) ([]string, error) {
	set := make(map[string]struct{}, len(p.folders))
	for _, f := range p.folders {
		set[f] = struct{}{}
	}
	known, err := p.tracker.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, b := range known {
		set[b.FolderID] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out, nil
}

func (p *Poller) pollFolder(ctx context.Context, folder string, sink collector.Sink) {
	polled := false
	emitted := 0
	b, err := p.tracker.Cycle(ctx, folder, func(ctx context.Context, cursor time.Time) (time.Time, error) {
		polled = true
		activities, until, err := p.fetch(ctx, folder, cursor)
		if err != nil {
			return time.Time{}, err
		}
		// Everything up to a closed window's bound has been seen.
		newest := cursor
		if until.After(newest) {
			newest = until
		}
		var events []*models.ActivityEvent
		for _, a := range activities {
			it, err := Normalize(a)
			if err != nil {
				logger.Warnf("Cloud activity in folder %s skipped: %v", folder, err)
				continue
			}
			if !it.At.After(cursor) || (!until.IsZero() && it.At.After(until)) {
				continue
			}
			if it.At.After(newest) {
				newest = it.At
			}
			if !it.Tracked {
				p.metrics.IncCloudSkipped()
				logger.Debugf("Cloud activity %q on %s outside monitored actions", it.RawAction, it.ItemID)
				continue
			}
			events = append(events, toEvent(folder, it))
		}
		for _, ev := range events {
			sink.Push(ev)
		}
		emitted = len(events)
		return newest, nil
	})
	switch {
	case err != nil:
		p.metrics.IncCloudPoll("error")
		logger.Warnf("Cloud poll of folder %s failed, cursor kept: %v", folder, err)
	case !polled:
		p.metrics.IncCloudPoll("initialized")
	default:
		p.metrics.IncCloudPoll("ok")
		if emitted > 0 {
			logger.Infof("Cloud poll of folder %s: %d event(s), cursor=%s", folder, emitted, b.LastSeenActivityAt.Format(time.RFC3339Nano))
		}
	}
}

// fetch queries activity after cursor. When the backlog does not fit in one
// query the window is halved until it does, so the cursor can move through the
// backlog chunk by chunk. until is zero for an open window.
func (p *Poller) fetch(ctx context.Context, folder string, cursor time.Time) ([]Activity, time.Time, error) {
	var until time.Time
	span := p.now().Sub(cursor)
	for {
		activities, err := p.src.Query(ctx, folder, cursor, until)
		if !errors.Is(err, ErrTooManyPages) {
			return activities, until, err
		}
		if span <= minWindow {
			return nil, time.Time{}, err
		}
		span /= 2
		until = cursor.Add(span)
		logger.Infof("Cloud backlog in folder %s does not fit one query; polling up to %s", folder, until.Format(time.RFC3339Nano))
	}
}

func toEvent(folder string, it Item) *models.ActivityEvent {
	ev := &models.ActivityEvent{
		ID:         baseline.EventID(folder, it.ItemID, it.RawAction, it.At),
		Source:     models.SourceCloud,
		Subtype:    it.Subtype,
		OccurredAt: it.At,
		Actor:      it.Actor,
		PayloadRef: "drive://" + folder + "/" + it.ItemID,
		Metadata: map[string]string{
			models.MetaFolderID:  folder,
			models.MetaRawAction: it.RawAction,
		},
	}
	if it.ItemID != "" {
		ev.Metadata[models.MetaItemID] = it.ItemID
	}
	if it.ItemName != "" {
		ev.Metadata[models.MetaItemName] = it.ItemName
	}
	if it.MimeType != "" {
		ev.Metadata[models.MetaMimeType] = it.MimeType
	}
	return ev
}
