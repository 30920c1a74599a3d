package rules

import "github.com/effaaykhan/Data-Loss-Prevention-sub002/pkg/models"

// Engine decides the single PolicyMatch for a classified event.
type Engine interface {
	Evaluate(ev *models.ActivityEvent, findings []models.Finding) models.PolicyMatch
}

// DefaultMatch is the decision taken when no policy matches: action log,
// severity derived from the strongest finding.
func DefaultMatch(findings []models.Finding) models.PolicyMatch {
	return models.PolicyMatch{
		Action:   models.ActionLog,
		Severity: models.SeverityForConfidence(models.HighestConfidence(findings)),
		Default:  true,
	}
}
