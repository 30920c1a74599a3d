package models

// RuleSnapshot is an audit copy of the rule that produced a decision.
type RuleSnapshot struct {
	PolicyID   string     `json:"policy_id"`
	Name       string     `json:"name"`
	Conditions Conditions `json:"conditions"`
	Severity   Severity   `json:"severity"`
	Priority   int        `json:"priority"`
	Action     Action     `json:"action"`
}

// PolicyMatch is the single decision taken for an event.
type PolicyMatch struct {
	PolicyID       string         `json:"policy_id,omitempty"`
	PolicyName     string         `json:"policy_name,omitempty"`
	Action         Action         `json:"action"`
	Severity       Severity       `json:"severity"`
	Priority       int            `json:"priority"`
	Default        bool           `json:"default"`
	QuarantinePath string         `json:"quarantine_path,omitempty"`
	MatchedRules   []RuleSnapshot `json:"matched_rules,omitempty"`
}

// SnapshotOf copies a policy into an audit snapshot.
func SnapshotOf(p Policy) RuleSnapshot {
	c := p.Conditions
	c.Sources = append([]Source(nil), c.Sources...)
	c.DataTypes = append([]DataType(nil), c.DataTypes...)
	c.PathGlobs = append([]string(nil), c.PathGlobs...)
	c.AgentIDs = append([]string(nil), c.AgentIDs...)
	return RuleSnapshot{
		PolicyID:   p.ID,
		Name:       p.Name,
		Conditions: c,
		Severity:   p.Severity,
		Priority:   p.Priority,
		Action:     p.Action,
	}
}
