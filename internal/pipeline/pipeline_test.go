package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/classifier"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/collector"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/enforce"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/outbox"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/queue"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/rules"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/transport"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/pkg/models"
)

type recordSink struct {
	mu      sync.Mutex
	records []*models.EventRecord
}

func (s *recordSink) Put(_ context.Context, rec *models.EventRecord) error {
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
	return nil
}

func (s *recordSink) snapshot() []*models.EventRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.EventRecord(nil), s.records...)
}

type failingEnforcer struct{}

func (failingEnforcer) Execute(_ *models.ActivityEvent, m models.PolicyMatch) models.EnforcementResult {
	return models.EnforcementResult{Action: m.Action, Result: models.ActionResultFailed, Error: "permission denied"}
}

func evaluator(t *testing.T, policies ...models.Policy) *rules.Evaluator {
	t.Helper()
	snap, stats := rules.Compile(models.PolicySet{Version: "v1", Policies: policies})
	require.Equal(t, len(policies), stats.Loaded)
	return rules.NewEvaluator(snap)
}

func blockUSB() models.Policy {
	return models.Policy{
		ID: "usb-cards", Name: "Block cards to USB", Enabled: true, Priority: 10,
		Severity: models.SeverityCritical, Action: models.ActionBlock,
		Conditions: models.Conditions{Sources: []models.Source{models.SourceUSB}, DataTypes: []models.DataType{models.DataCreditCard}},
	}
}

func TestProcessorDecidesAndStampsVersion(t *testing.T) {
	sink := &recordSink{}
	ev := evaluator(t, blockUSB())
	p := NewProcessor(ProcessorConfig{Engine: ev, Version: func() string { return ev.Snapshot().Version() }, Sink: sink})

	e := collector.NewEvent(models.SourceUSB, models.SubtypeCopy, "/media/x/report.xlsx")
	findings := []models.Finding{{DataType: models.DataCreditCard, Confidence: 0.95, Span: models.Span{Length: 19}}}
	p.Handle(context.Background(), e, classifier.Result{Findings: findings, ContentType: "text/plain"}, nil)

	recs := sink.snapshot()
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, models.ActionBlock, rec.Match.Action)
	assert.Equal(t, "usb-cards", rec.Match.PolicyID)
	assert.Equal(t, "v1", rec.PolicyVersion)
	assert.Equal(t, models.ActionResultSkipped, rec.Enforcement.Result)
	assert.Equal(t, "text/plain", rec.ContentType)
}

func TestClassificationErrorStillRecorded(t *testing.T) {
	sink := &recordSink{}
	p := NewProcessor(ProcessorConfig{Engine: evaluator(t), Sink: sink})
	e := collector.NewEvent(models.SourceFile, models.SubtypeCreate, "/tmp/huge.bin")

	p.Handle(context.Background(), e, classifier.Result{}, fmt.Errorf("read: %w", classifier.ErrOversized))
	recs := sink.snapshot()
	require.Len(t, recs, 1)
	assert.Empty(t, recs[0].Findings)
	assert.NotNil(t, recs[0].Findings)
	assert.Contains(t, recs[0].ClassificationError, "oversized")
	assert.Equal(t, models.ActionLog, recs[0].Match.Action)
	assert.True(t, recs[0].Match.Default)
	assert.Equal(t, "oversized", classificationReason(fmt.Errorf("x: %w", classifier.ErrOversized)))
	assert.Equal(t, "binary", classificationReason(classifier.ErrBinaryContent))
}

func TestEnforcementFailureRaisesSystemEvent(t *testing.T) {
	sink := &recordSink{}
	p := NewProcessor(ProcessorConfig{Engine: evaluator(t, blockUSB()), Enforcer: failingEnforcer{}, Sink: sink})
	e := collector.NewEvent(models.SourceUSB, models.SubtypeCopy, "/media/x/a.txt")
	findings := []models.Finding{{DataType: models.DataCreditCard, Confidence: 0.95}}

	p.Handle(context.Background(), e, classifier.Result{Findings: findings}, nil)
	recs := sink.snapshot()
	require.Len(t, recs, 2)

	assert.Equal(t, models.ActionResultFailed, recs[0].Enforcement.Result)
	assert.Equal(t, models.ActionBlock, recs[0].Enforcement.Action)
	assert.Equal(t, models.ActionBlock, recs[0].Match.Action)

	sys := recs[1]
	assert.Equal(t, models.SourceSystem, sys.Event.Source)
	assert.Equal(t, models.SubtypeEnforcementFailure, sys.Event.Subtype)
	assert.Equal(t, e.ID, sys.Event.Meta(models.MetaFailedEventID))
	assert.Equal(t, "block", sys.Event.Meta(models.MetaAttemptedAction))
	assert.Equal(t, models.SeverityLow, sys.Match.Severity)
	assert.Equal(t, models.ActionResultSuccess, sys.Enforcement.Result)
}

type memWriter struct {
	mu      sync.Mutex
	batches [][]*models.EventRecord
	fails   int
	rejects int
	calls   int
	closed  bool
}

func (w *memWriter) WriteRecords(r []*models.EventRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.rejects > 0 {
		w.rejects--
		return fmt.Errorf("%w: schema mismatch", ErrRejected)
	}
	if w.fails > 0 {
		w.fails--
		return errors.New("sink down")
	}
	w.batches = append(w.batches, append([]*models.EventRecord(nil), r...))
	return nil
}

func (w *memWriter) Close() error { w.closed = true; return nil }

func (w *memWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, b := range w.batches {
		n += len(b)
	}
	return n
}

func TestFanoutBatchesAndRetries(t *testing.T) {
	a, b := &memWriter{}, &memWriter{fails: 1}
	f := NewFanout(2, time.Hour, a, b)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = f.Run(ctx); close(done) }()

	for i := 0; i < 3; i++ {
		require.NoError(t, f.Put(ctx, &models.EventRecord{Event: models.ActivityEvent{ID: fmt.Sprint(i)}}))
	}
	require.Eventually(t, func() bool { return a.count() == 2 && b.count() == 2 }, 3*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, 3, a.count())
	require.NoError(t, f.Close())
	assert.True(t, a.closed)
}

func TestFanoutDropsRejectedBatchForThatOutputOnly(t *testing.T) {
	good, picky := &memWriter{}, &memWriter{rejects: 1}
	f := NewFanout(2, time.Hour, picky, good)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.Run(ctx) }()

	start := time.Now()
	for i := 0; i < 4; i++ {
		require.NoError(t, f.Put(ctx, &models.EventRecord{Event: models.ActivityEvent{ID: fmt.Sprint(i)}}))
	}
	require.Eventually(t, func() bool { return good.count() == 4 && picky.count() == 2 }, 3*time.Second, 10*time.Millisecond)
	// No retry pause after a rejection.
	assert.Less(t, time.Since(start), time.Second)

	picky.mu.Lock()
	defer picky.mu.Unlock()
	assert.Equal(t, 2, picky.calls)
	assert.Equal(t, "2", picky.batches[0][0].EventID())
}

func TestPermanentStatus(t *testing.T) {
	for code, want := range map[int]bool{400: true, 401: true, 413: true, 422: true, 408: false, 429: false, 500: false, 503: false} {
		assert.Equal(t, want, PermanentStatus(code), "status %d", code)
	}
}

type fakeSubmitter struct {
	mu      sync.Mutex
	err     error
	partial bool
	got     []string
}

func (f *fakeSubmitter) SubmitEvents(_ context.Context, _ string, recs []*models.EventRecord) (models.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return models.SubmitResult{}, f.err
	}
	var res models.SubmitResult
	for i, r := range recs {
		if f.partial && i > 0 {
			break
		}
		f.got = append(f.got, r.EventID())
		res.Accepted = append(res.Accepted, r.EventID())
	}
	return res, nil
}

func (f *fakeSubmitter) SendHeartbeat(context.Context, models.Heartbeat) error { return nil }

func (f *fakeSubmitter) delivered() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.got...)
}

func newOutbox(t *testing.T) *outbox.Outbox {
	t.Helper()
	ob, err := outbox.Open(":memory:", 100)
	require.NoError(t, err)
	t.Cleanup(func() { ob.Close() })
	return ob
}

func enqueue(t *testing.T, ob *outbox.Outbox, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := ob.Enqueue(context.Background(), &models.EventRecord{Event: models.ActivityEvent{ID: id}})
		require.NoError(t, err)
	}
}

func TestDeliveryKeepsRecordsUntilAcknowledged(t *testing.T) {
	ctx := context.Background()
	ob := newOutbox(t)
	enqueue(t, ob, "a", "b")
	sub := &fakeSubmitter{err: fmt.Errorf("decode: %w", transport.ErrSchema)}
	d := NewDeliverer(ob, sub, DeliveryConfig{AgentID: "agent", BatchSize: 10})

	_, err := d.DeliverOnce(ctx)
	require.Error(t, err)
	n, err := ob.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Nil(t, d.LastDelivery())

	sub.err = nil
	sub.partial = true
	acked, err := d.DeliverOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, acked)
	n, _ = ob.Len(ctx)
	assert.Equal(t, 1, n)

	sub.partial = false
	acked, err = d.DeliverOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, acked)
	n, _ = ob.Len(ctx)
	assert.Equal(t, 0, n)
	assert.Equal(t, []string{"a", "b"}, sub.delivered())
	assert.NotNil(t, d.LastDelivery())
}

func TestRetentionPurgeReportsDrops(t *testing.T) {
	ob := newOutbox(t)
	enqueue(t, ob, "stale")
	var dropped int
	d := NewDeliverer(ob, &fakeSubmitter{}, DeliveryConfig{
		Retention:       time.Hour,
		OnRetentionDrop: func(n int) { dropped = n },
	})
	d.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	n, err := d.PurgeExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, dropped)
}

func TestNextBackoff(t *testing.T) {
	assert.Equal(t, time.Second, nextBackoff(0, time.Second, 8*time.Second))
	assert.Equal(t, 4*time.Second, nextBackoff(2*time.Second, time.Second, 8*time.Second))
	assert.Equal(t, 8*time.Second, nextBackoff(6*time.Second, time.Second, 8*time.Second))
}

type scriptedCollector struct {
	events []*models.ActivityEvent
}

func (c *scriptedCollector) Name() string { return "scripted" }

func (c *scriptedCollector) Run(ctx context.Context, sink collector.Sink) error {
	for _, ev := range c.events {
		sink.Push(ev)
	}
	<-ctx.Done()
	return nil
}

func TestAgentBlocksUSBCopyAndDelivers(t *testing.T) {
	mount := t.TempDir()
	path := filepath.Join(mount, "report.xlsx")
	require.NoError(t, os.WriteFile(path, []byte("card 4111 1111 1111 1111 exp 12/29"), 0644))

	ev := collector.NewEvent(models.SourceUSB, models.SubtypeCopy, path)
	ev.Metadata[models.MetaMountPoint] = mount

	sub := &fakeSubmitter{}
	ob := newOutbox(t)
	a := NewAgent(AgentConfig{
		ID:                "agent-1",
		Queue:             queue.New(10),
		Classifier:        classifier.New(classifier.Options{}),
		Workers:           2,
		Evaluator:         evaluator(t, blockUSB()),
		Enforcer:          enforce.New(enforce.Config{QuarantineDir: filepath.Join(t.TempDir(), "q")}),
		Outbox:            ob,
		Client:            sub,
		Collectors:        []collector.Collector{&scriptedCollector{events: []*models.ActivityEvent{ev}}},
		Delivery:          DeliveryConfig{FlushInterval: 20 * time.Millisecond, MinBackoff: 10 * time.Millisecond},
		HeartbeatInterval: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return len(sub.delivered()) == 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.NoFileExists(t, path)
	assert.Equal(t, []string{ev.ID}, sub.delivered())
	n, err := ob.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	hb := a.Status(context.Background())
	assert.Equal(t, "agent-1", hb.AgentID)
	assert.Equal(t, "v1", hb.PolicyVersion)
	assert.NotNil(t, hb.LastDeliveryAt)
}

func TestAgentReportsQueueOverflow(t *testing.T) {
	q := queue.New(1)
	ob := newOutbox(t)
	a := NewAgent(AgentConfig{
		ID: "agent-1", Queue: q, Classifier: classifier.New(classifier.Options{}),
		Evaluator: evaluator(t), Outbox: ob, Client: &fakeSubmitter{},
	})
	q.Push(collector.NewEvent(models.SourceClipboard, models.SubtypeCopy, "clipboard"))
	q.Push(collector.NewEvent(models.SourceClipboard, models.SubtypeCopy, "clipboard"))
	q.Push(collector.NewEvent(models.SourceClipboard, models.SubtypeCopy, "clipboard"))

	a.monitor.Report(context.Background())
	a.monitor.Report(context.Background())

	recs, err := ob.Peek(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, models.SubtypeQueueOverflow, recs[0].Event.Subtype)
	assert.Equal(t, "2", recs[0].Event.Meta(models.MetaDroppedCount))
	assert.Equal(t, "agent-1", recs[0].Event.AgentID)
}

func TestQueueMonitorReportsDropsThroughProcessor(t *testing.T) {
	q := queue.New(2)
	sink := &recordSink{}
	p := NewProcessor(ProcessorConfig{Engine: evaluator(t), Sink: sink})
	m := NewQueueMonitor(q, "server", p, nil)

	for i := 0; i < 5; i++ {
		q.Push(collector.NewEvent(models.SourceCloud, models.SubtypeModify, "drive://folder-1/item"))
	}
	m.Report(context.Background())
	m.Report(context.Background())
	q.Push(collector.NewEvent(models.SourceCloud, models.SubtypeModify, "drive://folder-1/item"))
	m.Report(context.Background())

	recs := sink.snapshot()
	require.Len(t, recs, 2)
	assert.Equal(t, models.SubtypeQueueOverflow, recs[0].Event.Subtype)
	assert.Equal(t, "3", recs[0].Event.Meta(models.MetaDroppedCount))
	assert.Equal(t, "1", recs[1].Event.Meta(models.MetaDroppedCount))
	assert.Equal(t, "server", recs[1].Event.AgentID)
	assert.Equal(t, 2, q.Len())
}
