// Package graph holds the pure operations over route definitions: structural
// validation, transition ordering and selection, and reachability.
package graph

import (
	"errors"
	"fmt"
	"sort"

	"github.com/songzhibin97/route-engine/rules"
	"github.com/songzhibin97/route-engine/types"
)

var (
	// ErrDefinitionInvalid is returned for malformed definitions.
	ErrDefinitionInvalid = errors.New("definition invalid")
	// ErrNoTransition is returned when no outgoing transition of a non-end
	// node evaluates to true.
	ErrNoTransition = errors.New("no transition matched")
)

// OutgoingTransitions returns the node's transitions ordered by priority,
// definition order breaking ties.
func OutgoingTransitions(node types.NodeDefinition) []types.Transition {
	out := append([]types.Transition(nil), node.Transitions...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority < out[j].Priority
	})
	return out
}

// IncomingSources returns the distinct nodes with a transition to nodeID, in
// definition order.
func IncomingSources(def types.Definition, nodeID string) []string {
	var sources []string
	seen := make(map[string]bool)
	for _, n := range def.Nodes {
		for _, t := range n.Transitions {
			if t.Target == nodeID && !seen[n.ID] {
				seen[n.ID] = true
				sources = append(sources, n.ID)
			}
		}
	}
	return sources
}

// EvaluateCondition evaluates a transition or rule condition. An empty
// condition always holds.
func EvaluateCondition(eval rules.Evaluator, expression string, vars map[string]interface{}) (bool, error) {
	if expression == "" || expression == "true" {
		return true, nil
	}
	ok, err := eval.Evaluate(expression, vars)
	if err != nil {
		if errors.Is(err, rules.ErrInvalidExpression) {
			return false, err
		}
		return false, fmt.Errorf("%w: %v", rules.ErrInvalidExpression, err)
	}
	return ok, nil
}

// SelectFirst returns the first outgoing transition whose condition holds.
func SelectFirst(eval rules.Evaluator, node types.NodeDefinition, vars map[string]interface{}) (types.Transition, error) {
	for _, t := range OutgoingTransitions(node) {
		ok, err := EvaluateCondition(eval, t.Condition, vars)
		if err != nil {
			return types.Transition{}, fmt.Errorf("node %s transition to %s: %w", node.ID, t.Target, err)
		}
		if ok {
			return t, nil
		}
	}
	return types.Transition{}, fmt.Errorf("%w: node %s", ErrNoTransition, node.ID)
}

// SelectAll returns every outgoing transition whose condition holds, as a
// fork does.
func SelectAll(eval rules.Evaluator, node types.NodeDefinition, vars map[string]interface{}) ([]types.Transition, error) {
	var selected []types.Transition
	for _, t := range OutgoingTransitions(node) {
		ok, err := EvaluateCondition(eval, t.Condition, vars)
		if err != nil {
			return nil, fmt.Errorf("node %s transition to %s: %w", node.ID, t.Target, err)
		}
		if ok {
			selected = append(selected, t)
		}
	}
	if len(selected) == 0 {
		return nil, fmt.Errorf("%w: node %s", ErrNoTransition, node.ID)
	}
	return selected, nil
}

// Reaches reports whether to is reachable from from by following at least
// one transition.
func Reaches(def types.Definition, from, to string) bool {
	visited := make(map[string]bool)
	queue := []string{from}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		node, ok := def.Node(id)
		if !ok {
			continue
		}
		for _, t := range node.Transitions {
			if t.Target == to {
				return true
			}
			if !visited[t.Target] {
				visited[t.Target] = true
				queue = append(queue, t.Target)
			}
		}
	}
	return false
}

// HasEscalation reports whether the node declares at least one rule.
func HasEscalation(node types.NodeDefinition) bool {
	return len(node.EscalationRules) > 0
}
