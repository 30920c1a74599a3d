package models

import (
	"strings"
	"time"
)

// Action is what the pipeline does about a matched event.
type Action string

const (
	ActionLog        Action = "log"
	ActionAlert      Action = "alert"
	ActionBlock      Action = "block"
	ActionQuarantine Action = "quarantine"
)

// Valid reports whether the action is one of the known values.
func (a Action) Valid() bool {
	switch a {
	case ActionLog, ActionAlert, ActionBlock, ActionQuarantine:
		return true
	}
	return false
}

// Severity is an ordered label.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank lowest.
func (s Severity) Rank() int {
	switch Severity(strings.ToLower(string(s))) {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// SeverityForConfidence maps a classifier confidence onto a severity.
func SeverityForConfidence(c float64) Severity {
	switch {
	case c >= 0.9:
		return SeverityCritical
	case c >= 0.75:
		return SeverityHigh
	case c >= 0.5:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Conditions scope a policy. Empty lists match anything.
type Conditions struct {
	Sources   []Source   `json:"sources,omitempty" yaml:"sources"`
	DataTypes []DataType `json:"data_types,omitempty" yaml:"data_types"`
	PathGlobs []string   `json:"path_globs,omitempty" yaml:"path_globs"`
	AgentIDs  []string   `json:"agent_ids,omitempty" yaml:"agent_ids"`
	// Detection is an optional Sigma rule document evaluated against the event fields.
	Detection string `json:"detection,omitempty" yaml:"detection"`
}

// Policy is a condition → action rule. The pipeline only reads policies.
type Policy struct {
	ID             string     `json:"id" yaml:"id"`
	Name           string     `json:"name" yaml:"name"`
	Conditions     Conditions `json:"conditions" yaml:"conditions"`
	Severity       Severity   `json:"severity" yaml:"severity"`
	Priority       int        `json:"priority" yaml:"priority"`
	Action         Action     `json:"action" yaml:"action"`
	Enabled        bool       `json:"enabled" yaml:"enabled"`
	CreatedAt      time.Time  `json:"created_at" yaml:"created_at"`
	QuarantinePath string     `json:"quarantine_path,omitempty" yaml:"quarantine_path"`
}

// PolicySet is the versioned snapshot exchanged between server and agents.
type PolicySet struct {
	Version  string   `json:"version" yaml:"version"`
	Policies []Policy `json:"policies" yaml:"policies"`
}

// HasSource reports whether any enabled policy targets the source.
// A policy without a source condition targets every source.
func (s PolicySet) HasSource(src Source) bool {
	for _, p := range s.Policies {
		if !p.Enabled {
			continue
		}
		if len(p.Conditions.Sources) == 0 {
			return true
		}
		for _, ps := range p.Conditions.Sources {
			if ps == src {
				return true
			}
		}
	}
	return false
}
