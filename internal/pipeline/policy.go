package pipeline

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-bexpr"
)

// NopOperations is the standalone-mode policy engine: every verification
// passes, delegations get no id, audits go nowhere. The pipeline is fully
// functional with it; only the external audit trail is absent.
type NopOperations struct{}

func (NopOperations) Verify(context.Context, string, string, string) error {
	return nil
}

func (NopOperations) CreateDelegation(context.Context, string, string, []string, map[string]any) (string, error) {
	return "", nil
}

func (NopOperations) Audit(context.Context, string, map[string]any) error {
	return nil
}

// ConstraintPolicy evaluates a boolean expression against a call
// descriptor. Expressions use bexpr syntax, e.g.
//
//	tool != "delete_all" and depth <= 3
//
// over the fields calling_agent, target_agent, tool, and depth.
type ConstraintPolicy struct {
	evaluator *bexpr.Evaluator
	source    string
}

// NewConstraintPolicy compiles the expression. An empty expression yields a
// nil policy (allow everything).
func NewConstraintPolicy(expression string) (*ConstraintPolicy, error) {
	if expression == "" {
		return nil, nil
	}
	evaluator, err := bexpr.CreateEvaluator(expression)
	if err != nil {
		return nil, fmt.Errorf("compile constraint policy: %w", err)
	}
	return &ConstraintPolicy{evaluator: evaluator, source: expression}, nil
}

// Allows evaluates the policy over a call descriptor.
func (p *ConstraintPolicy) Allows(call map[string]any) (bool, error) {
	if p == nil {
		return true, nil
	}
	ok, err := p.evaluator.Evaluate(call)
	if err != nil {
		return false, fmt.Errorf("evaluate constraint policy %q: %w", p.source, err)
	}
	return ok, nil
}
