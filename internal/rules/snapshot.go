package rules

import (
	"fmt"
	"sort"
	"strings"

	"github.com/effaaykhan/Data-Loss-Prevention-sub002/internal/logger"
	"github.com/effaaykhan/Data-Loss-Prevention-sub002/pkg/models"
)

// CompileStats tracks how many policies made it into a snapshot.
type CompileStats struct {
	Total           int
	Loaded          int
	SkippedDisabled int
	SkippedInvalid  int
}

type compiledPolicy struct {
	policy    models.Policy
	order     int
	sources   map[models.Source]struct{}
	dataTypes map[models.DataType]struct{}
	agents    map[string]struct{}
	globs     []pathGlob
	detection *detection
}

// Snapshot is an immutable, compiled policy set. It is never modified after
// Compile returns, so it can be shared by concurrent evaluations.
type Snapshot struct {
	version  string
	set      models.PolicySet
	policies []compiledPolicy
}

// Compile builds a snapshot from the enabled policies of set. Policies with an
// unknown action, a bad glob or an unsupported detection are skipped.
func Compile(set models.PolicySet) (*Snapshot, CompileStats) {
	stats := CompileStats{Total: len(set.Policies)}

	ordered := make([]models.Policy, len(set.Policies))
	copy(ordered, set.Policies)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	compiled := make([]compiledPolicy, 0, len(ordered))
	for i, p := range ordered {
		if !p.Enabled {
			stats.SkippedDisabled++
			continue
		}
		cp, err := compilePolicy(p, i)
		if err != nil {
			logger.Warnf("Skipping policy %s (%s): %v", p.ID, p.Name, err)
			stats.SkippedInvalid++
			continue
		}
		compiled = append(compiled, cp)
		stats.Loaded++
	}

	return &Snapshot{
		version:  set.Version,
		set:      clonePolicySet(set),
		policies: compiled,
	}, stats
}

func compilePolicy(p models.Policy, order int) (compiledPolicy, error) {
	if !p.Action.Valid() {
		return compiledPolicy{}, fmt.Errorf("unknown action %q", p.Action)
	}
	cp := compiledPolicy{
		policy: clonePolicy(p),
		order:  order,
	}
	if len(p.Conditions.Sources) > 0 {
		cp.sources = make(map[models.Source]struct{}, len(p.Conditions.Sources))
		for _, s := range p.Conditions.Sources {
			cp.sources[models.Source(strings.ToLower(string(s)))] = struct{}{}
		}
	}
	if len(p.Conditions.DataTypes) > 0 {
		cp.dataTypes = make(map[models.DataType]struct{}, len(p.Conditions.DataTypes))
		for _, d := range p.Conditions.DataTypes {
			cp.dataTypes[models.DataType(strings.ToLower(string(d)))] = struct{}{}
		}
	}
	if len(p.Conditions.AgentIDs) > 0 {
		cp.agents = make(map[string]struct{}, len(p.Conditions.AgentIDs))
		for _, a := range p.Conditions.AgentIDs {
			cp.agents[a] = struct{}{}
		}
	}
	for _, raw := range p.Conditions.PathGlobs {
		g, err := compileGlob(raw)
		if err != nil {
			return compiledPolicy{}, err
		}
		cp.globs = append(cp.globs, g)
	}
	if strings.TrimSpace(p.Conditions.Detection) != "" {
		d, err := compileDetection(p.ID, p.Conditions.Detection)
		if err != nil {
			return compiledPolicy{}, err
		}
		cp.detection = d
	}
	return cp, nil
}

// Version returns the policy bundle version the snapshot was built from.
func (s *Snapshot) Version() string {
	if s == nil {
		return ""
	}
	return s.version
}

// PolicySet returns a copy of the source policy set.
func (s *Snapshot) PolicySet() models.PolicySet {
	if s == nil {
		return models.PolicySet{}
	}
	return clonePolicySet(s.set)
}

// Len returns the number of active policies.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.policies)
}

// HasSource reports whether any active policy can match events of src.
func (s *Snapshot) HasSource(src models.Source) bool {
	if s == nil {
		return false
	}
	for _, p := range s.policies {
		if p.sources == nil {
			return true
		}
		if _, ok := p.sources[src]; ok {
			return true
		}
	}
	return false
}

func clonePolicy(p models.Policy) models.Policy {
	out := p
	out.Conditions.Sources = append([]models.Source(nil), p.Conditions.Sources...)
	out.Conditions.DataTypes = append([]models.DataType(nil), p.Conditions.DataTypes...)
	out.Conditions.PathGlobs = append([]string(nil), p.Conditions.PathGlobs...)
	out.Conditions.AgentIDs = append([]string(nil), p.Conditions.AgentIDs...)
	return out
}

func clonePolicySet(set models.PolicySet) models.PolicySet {
	out := models.PolicySet{Version: set.Version, Policies: make([]models.Policy, 0, len(set.Policies))}
	for _, p := range set.Policies {
		out.Policies = append(out.Policies, clonePolicy(p))
	}
	return out
}
