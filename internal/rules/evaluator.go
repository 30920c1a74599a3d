package rules

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/effaaykhan/Data-Loss-Prevention-sub002/pkg/models"
)

// Evaluator selects the winning policy for an event against the current
// snapshot. Swaps replace the whole snapshot pointer; readers never see a
// partially updated set.
type Evaluator struct {
	current atomic.Pointer[Snapshot]
	ctx     context.Context
}

// NewEvaluator creates an evaluator. snap may be nil (every event gets the default match).
func NewEvaluator(snap *Snapshot) *Evaluator {
	e := &Evaluator{ctx: context.Background()}
	if snap == nil {
		snap, _ = Compile(models.PolicySet{})
	}
	e.current.Store(snap)
	return e
}

// Swap atomically installs a new snapshot.
func (e *Evaluator) Swap(snap *Snapshot) {
	if snap != nil {
		e.current.Store(snap)
	}
}

// Snapshot returns the snapshot currently in use.
func (e *Evaluator) Snapshot() *Snapshot {
	return e.current.Load()
}

// Evaluate returns exactly one PolicyMatch. Ties on priority are broken by
// severity, then the longest matching path prefix, then creation order.
func (e *Evaluator) Evaluate(ev *models.ActivityEvent, findings []models.Finding) models.PolicyMatch {
	snap := e.current.Load()
	if snap == nil || ev == nil {
		return DefaultMatch(findings)
	}

	var best *compiledPolicy
	bestPrefixLen := -1
	for i := range snap.policies {
		p := &snap.policies[i]
		prefixLen, ok := p.matches(e.ctx, ev, findings)
		if !ok {
			continue
		}
		if best == nil || better(p, prefixLen, best, bestPrefixLen) {
			best, bestPrefixLen = p, prefixLen
		}
	}
	if best == nil {
		return DefaultMatch(findings)
	}

	pol := best.policy
	sev := pol.Severity
	if sev == "" {
		sev = models.SeverityForConfidence(models.HighestConfidence(findings))
	}
	return models.PolicyMatch{
		PolicyID:       pol.ID,
		PolicyName:     pol.Name,
		Action:         pol.Action,
		Severity:       sev,
		Priority:       pol.Priority,
		QuarantinePath: pol.QuarantinePath,
		MatchedRules:   []models.RuleSnapshot{models.SnapshotOf(pol)},
	}
}

func better(p *compiledPolicy, prefixLen int, cur *compiledPolicy, curPrefixLen int) bool {
	if p.policy.Priority != cur.policy.Priority {
		return p.policy.Priority > cur.policy.Priority
	}
	if a, b := p.policy.Severity.Rank(), cur.policy.Severity.Rank(); a != b {
		return a > b
	}
	if prefixLen != curPrefixLen {
		return prefixLen > curPrefixLen
	}
	return p.order < cur.order
}

// matches reports whether the policy applies and, if so, the length of the
// longest literal path prefix that matched (0 without path conditions).
func (p *compiledPolicy) matches(ctx context.Context, ev *models.ActivityEvent, findings []models.Finding) (int, bool) {
	if p.sources != nil {
		if _, ok := p.sources[models.Source(strings.ToLower(string(ev.Source)))]; !ok {
			return 0, false
		}
	}
	if p.agents != nil {
		if _, ok := p.agents[ev.AgentID]; !ok {
			return 0, false
		}
	}
	if p.dataTypes != nil {
		hit := false
		for _, f := range findings {
			if _, ok := p.dataTypes[f.DataType]; ok {
				hit = true
				break
			}
		}
		if !hit {
			return 0, false
		}
	}

	prefixLen := 0
	if len(p.globs) > 0 {
		path := normalizePath(ev.PayloadRef)
		matched := false
		for _, g := range p.globs {
			if g.match(path) {
				matched = true
				if g.literal > prefixLen {
					prefixLen = g.literal
				}
			}
		}
		if !matched {
			return 0, false
		}
	}

	if p.detection != nil && !p.detection.matches(ctx, ev, findings) {
		return 0, false
	}
	return prefixLen, true
}
