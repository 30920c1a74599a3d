package rules

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/logger"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/metrics"
)

// Refresher periodically pulls the policy set and swaps it into the evaluator.
// A failed refresh keeps the last good snapshot.
type Refresher struct {
	source    PolicySource
	evaluator *Evaluator
	interval  time.Duration
	timeout   time.Duration
	metrics   *metrics.Metrics

	mu       sync.Mutex
	status   string
	lastSync time.Time
}

// NewRefresher creates a refresher. timeout bounds each fetch.
func NewRefresher(src PolicySource, eval *Evaluator, interval, timeout time.Duration, m *metrics.Metrics) *Refresher {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Refresher{
		source:    src,
		evaluator: eval,
		interval:  interval,
		timeout:   timeout,
		metrics:   m,
		status:    "never",
	}
}

// Refresh fetches once. Unchanged versions are not recompiled.
func (r *Refresher) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	set, err := r.source.Fetch(ctx)
	if err != nil {
		r.metrics.IncPolicyRefreshFailure()
		r.setStatus(fmt.Sprintf("failed: %v", err), false)
		logger.Warnf("Policy refresh failed, keeping version %q: %v", r.evaluator.Snapshot().Version(), err)
		return err
	}

	cur := r.evaluator.Snapshot()
	if set.Version != "" && cur != nil && cur.Version() == set.Version {
		r.setStatus("ok", true)
		return nil
	}

	snap, stats := Compile(set)
	r.evaluator.Swap(snap)
	r.setStatus("ok", true)
	logger.Infof("Policy snapshot %q loaded: loaded=%d disabled=%d invalid=%d total=%d",
		set.Version, stats.Loaded, stats.SkippedDisabled, stats.SkippedInvalid, stats.Total)
	return nil
}

// Run refreshes immediately and then on every interval until ctx is done.
func (r *Refresher) Run(ctx context.Context) {
	_ = r.Refresh(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = r.Refresh(ctx)
		}
	}
}

// Status returns the outcome of the last refresh and when it last succeeded.
func (r *Refresher) Status() (string, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, r.lastSync
}

func (r *Refresher) setStatus(status string, ok bool) {
	r.mu.Lock()
	r.status = status
	if ok {
		r.lastSync = time.Now().UTC()
	}
	r.mu.Unlock()
}
