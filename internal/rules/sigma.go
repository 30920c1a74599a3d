package rules

import (
	"context"
	"fmt"
	"strings"

	sigma "github.com/bradleyjkemp/sigma-go"
	sigmaevaluator "github.com/bradleyjkemp/sigma-go/evaluator"

	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/logger"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/pkg/models"
)

// detection is a compiled Sigma rule evaluated against the event field map.
type detection struct {
	policyID string
	title    string
	match    func(ctx context.Context, fields map[string]interface{}) (bool, error)
}

func compileDetection(policyID, raw string) (*detection, error) {
	rule, err := sigma.ParseRule([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("parse sigma detection: %w", err)
	}
	if ok, reason := isSimpleSingleEventRule(rule); !ok {
		return nil, fmt.Errorf("unsupported sigma detection: %s", reason)
	}
	eval := sigmaevaluator.ForRule(rule)
	return &detection{
		policyID: policyID,
		title:    strings.TrimSpace(rule.Title),
		match: func(ctx context.Context, fields map[string]interface{}) (bool, error) {
			res, err := eval.Matches(ctx, fields)
			return res.Match, err
		},
	}, nil
}

func (d *detection) matches(ctx context.Context, ev *models.ActivityEvent, findings []models.Finding) bool {
	fields := ev.Fields()
	types := make([]string, 0, len(findings))
	for _, f := range findings {
		types = append(types, string(f.DataType))
	}
	fields["data_types"] = strings.Join(types, ",")
	ok, err := d.match(ctx, fields)
	if err != nil {
		logger.With("policy_id", d.policyID, "event_id", ev.ID, "stage", "evaluate").
			Warnf("Sigma detection %q failed, policy treated as not matching: %v", d.title, err)
		return false
	}
	return ok
}

func isSimpleSingleEventRule(rule sigma.Rule) (bool, string) {
	if rule.Detection.Timeframe > 0 {
		return false, "timeframe is not supported"
	}

	for _, cond := range rule.Detection.Conditions {
		if cond.Aggregation != nil {
			return false, "aggregation condition is not supported"
		}
		if !isSimpleSearchExpression(cond.Search) {
			return false, "complex condition expression is not supported"
		}
	}

	for _, search := range rule.Detection.Searches {
		if len(search.Keywords) > 0 {
			return false, "keyword search is not supported"
		}
		if len(search.EventMatchers) == 0 {
			return false, "search has no event matchers"
		}
	}

	return true, ""
}

func isSimpleSearchExpression(expr sigma.SearchExpr) bool {
	switch e := expr.(type) {
	case sigma.SearchIdentifier:
		return true
	case sigma.And:
		for _, child := range e {
			if !isSimpleSearchExpression(child) {
				return false
			}
		}
		return true
	case sigma.Or:
		for _, child := range e {
			if !isSimpleSearchExpression(child) {
				return false
			}
		}
		return true
	case sigma.Not:
		return isSimpleSearchExpression(e.Expr)
	default:
		return false
	}
}
