package rules

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/effaaykhan/Data-Loss-Prevention-sub002/pkg/models"
)

// PolicySource yields the active policy set.
type PolicySource interface {
	Fetch(ctx context.Context) (models.PolicySet, error)
}

// SourceFunc adapts a function to PolicySource.
type SourceFunc func(ctx context.Context) (models.PolicySet, error)

// Fetch calls f.
func (f SourceFunc) Fetch(ctx context.Context) (models.PolicySet, error) {
	return f(ctx)
}

// FileSource reads a YAML (or JSON) policy bundle from disk on every fetch.
type FileSource struct {
	Path string
}

// Fetch reads and parses the policy file.
func (s FileSource) Fetch(ctx context.Context) (models.PolicySet, error) {
	if err := ctx.Err(); err != nil {
		return models.PolicySet{}, err
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return models.PolicySet{}, fmt.Errorf("read policy file: %w", err)
	}
	var set models.PolicySet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return models.PolicySet{}, fmt.Errorf("parse policy file %s: %w", s.Path, err)
	}
	return set, nil
}
