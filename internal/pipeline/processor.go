package pipeline

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/classifier"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/collector"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/logger"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/metrics"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/rules"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/pkg/models"
)

// Enforcer carries out a decision.
type Enforcer interface {
	Execute(ev *models.ActivityEvent, match models.PolicyMatch) models.EnforcementResult
}

// Processor turns a classified event into a decided, enforced record.
type Processor struct {
	engine   rules.Engine
	version  func() string
	enforcer Enforcer
	sink     RecordSink
	metrics  *metrics.Metrics
	now      func() time.Time
}

// ProcessorConfig wires a processor.
type ProcessorConfig struct {
	Engine rules.Engine
	// Version returns the policy version stamped on records.
	Version  func() string
	Enforcer Enforcer
	Sink     RecordSink
	Metrics  *metrics.Metrics
}

// NewProcessor creates a processor. A nil engine decides everything with the
// default log match and a nil enforcer records decisions without acting.
func NewProcessor(cfg ProcessorConfig) *Processor {
	return &Processor{
		engine:   cfg.Engine,
		version:  cfg.Version,
		enforcer: cfg.Enforcer,
		sink:     cfg.Sink,
		metrics:  cfg.Metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Handle is a classifier.Handler.
func (p *Processor) Handle(ctx context.Context, ev *models.ActivityEvent, res classifier.Result, err error) {
	p.metrics.IncClassified()
	if err != nil {
		p.metrics.IncClassificationError(classificationReason(err))
	}
	rec := p.Process(ev, res.Findings, res.ContentType, err)
	p.put(ctx, rec)

	if ev.Source != models.SourceSystem && rec.Enforcement.Result == models.ActionResultFailed {
		p.put(ctx, p.Process(EnforcementFailureEvent(ev, rec.Enforcement), nil, "", nil))
	}
}

// Process decides and enforces one event. Exactly one match is produced per event.
func (p *Processor) Process(ev *models.ActivityEvent, findings []models.Finding, contentType string, classErr error) *models.EventRecord {
	rec := &models.EventRecord{
		Event:       *ev,
		Findings:    findings,
		ContentType: contentType,
	}
	if rec.Findings == nil {
		rec.Findings = []models.Finding{}
	}
	if classErr != nil {
		rec.ClassificationError = classErr.Error()
		rec.Findings = []models.Finding{}
	}
	if p.version != nil {
		rec.PolicyVersion = p.version()
	}

	switch {
	case ev.Source == models.SourceSystem || p.engine == nil:
		rec.Match = rules.DefaultMatch(rec.Findings)
	default:
		rec.Match = p.engine.Evaluate(ev, rec.Findings)
	}
	p.metrics.IncDecision(string(rec.Match.Action))

	switch {
	case ev.Source == models.SourceSystem:
		rec.Enforcement = models.EnforcementResult{Action: rec.Match.Action, Result: models.ActionResultSuccess, CompletedAt: p.now()}
	case p.enforcer == nil:
		rec.Enforcement = models.EnforcementResult{Action: rec.Match.Action, Result: models.ActionResultSkipped, CompletedAt: p.now()}
	default:
		rec.Enforcement = p.enforcer.Execute(ev, rec.Match)
	}
	rec.RecordedAt = p.now()

	if rec.Match.Action != models.ActionLog || len(rec.Findings) > 0 {
		logger.With("event_id", ev.ID, "stage", "decide").Infof("%s %s %s: %d finding(s), action=%s policy=%s result=%s",
			ev.Source, ev.Subtype, ev.PayloadRef, len(rec.Findings), rec.Match.Action, rec.Match.PolicyID, rec.Enforcement.Result)
	}
	return rec
}

func (p *Processor) put(ctx context.Context, rec *models.EventRecord) {
	if p.sink == nil {
		return
	}
	if err := p.sink.Put(ctx, rec); err != nil {
		logger.With("event_id", rec.EventID(), "stage", "record").Errorf("failed to store record: %v", err)
	}
}

// EnforcementFailureEvent describes a failed enforcement as its own event.
func EnforcementFailureEvent(failed *models.ActivityEvent, res models.EnforcementResult) *models.ActivityEvent {
	ev := collector.NewEvent(models.SourceSystem, models.SubtypeEnforcementFailure, failed.PayloadRef)
	ev.AgentID = failed.AgentID
	ev.Actor = failed.Actor
	ev.Metadata[models.MetaFailedEventID] = failed.ID
	ev.Metadata[models.MetaAttemptedAction] = string(res.Action)
	return ev
}

// QueueOverflowEvent reports events dropped from the intake queue.
func QueueOverflowEvent(agentID string, dropped uint64) *models.ActivityEvent {
	ev := collector.NewEvent(models.SourceSystem, models.SubtypeQueueOverflow, "")
	ev.AgentID = agentID
	ev.Metadata[models.MetaDroppedCount] = strconv.FormatUint(dropped, 10)
	return ev
}

// RetentionDropEvent reports undelivered records purged from the outbox.
func RetentionDropEvent(agentID string, dropped int) *models.ActivityEvent {
	ev := collector.NewEvent(models.SourceSystem, models.SubtypeRetentionDrop, "")
	ev.AgentID = agentID
	ev.Metadata[models.MetaDroppedCount] = strconv.Itoa(dropped)
	return ev
}

func classificationReason(err error) string {
	switch {
	case errors.Is(err, classifier.ErrOversized):
		return "oversized"
	case errors.Is(err, classifier.ErrBinaryContent):
		return "binary"
	case strings.Contains(err.Error(), "permission"):
		return "permission"
	}
	return "read"
}
