package workflow

import (
	"context"
	"fmt"

	"github.com/songzhibin97/route-engine/rules"
	"github.com/songzhibin97/route-engine/types"
)

// AssigneeResolver returns the identities that receive the tasks of a task node.
type AssigneeResolver interface {
	Resolve(ctx context.Context, node types.NodeDefinition, vars map[string]interface{}) ([]string, error)
}

// AssigneeResolverFunc is a function adapter for AssigneeResolver.
type AssigneeResolverFunc func(ctx context.Context, node types.NodeDefinition, vars map[string]interface{}) ([]string, error)

// Resolve implements the AssigneeResolver interface.
func (f AssigneeResolverFunc) Resolve(ctx context.Context, node types.NodeDefinition, vars map[string]interface{}) ([]string, error) {
	return f(ctx, node, vars)
}

// expressionResolver uses the static assignees of the node, then its
// assignee expression, which may yield a string or a list of strings.
type expressionResolver struct {
	evaluator rules.Evaluator
}

func (r expressionResolver) Resolve(_ context.Context, node types.NodeDefinition, vars map[string]interface{}) ([]string, error) {
	assignees := append([]string(nil), node.Assignees...)
	if node.AssigneesExpr == "" {
		return dedupe(assignees), nil
	}

	value, err := r.evaluator.Value(node.AssigneesExpr, vars)
	if err != nil {
		return nil, fmt.Errorf("node %s assignees: %w", node.ID, err)
	}
	switch v := value.(type) {
	case nil:
	case string:
		if v != "" {
			assignees = append(assignees, v)
		}
	case []string:
		assignees = append(assignees, v...)
	case []interface{}:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: node %s assignee %v is %T, not a string", ErrInvalidExpression, node.ID, item, item)
			}
			assignees = append(assignees, s)
		}
	default:
		return nil, fmt.Errorf("%w: node %s assignees evaluated to %T", ErrInvalidExpression, node.ID, value)
	}
	return dedupe(assignees), nil
}

func dedupe(list []string) []string {
	seen := make(map[string]bool, len(list))
	out := list[:0]
	for _, s := range list {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
