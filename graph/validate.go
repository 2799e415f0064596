package graph

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/songzhibin97/route-engine/types"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks that a definition is a well formed route graph.
func Validate(def types.Definition) error {
	if err := structValidator().Struct(def); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			fields := make([]string, 0, len(validationErrors))
			for _, fe := range validationErrors {
				fields = append(fields, fmt.Sprintf("%s failed on '%s'", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrDefinitionInvalid, strings.Join(fields, "; "))
		}
		return fmt.Errorf("%w: %v", ErrDefinitionInvalid, err)
	}

	invalid := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s: %s", ErrDefinitionInvalid, def.ID, fmt.Sprintf(format, args...))
	}

	nodes := make(map[string]types.NodeDefinition, len(def.Nodes))
	var starts, ends int
	for _, n := range def.Nodes {
		if _, dup := nodes[n.ID]; dup {
			return invalid("duplicate node id %q", n.ID)
		}
		nodes[n.ID] = n
		switch n.Kind {
		case types.KindStart:
			starts++
		case types.KindEnd:
			ends++
		}
	}
	if starts != 1 {
		return invalid("expected exactly one start node, found %d", starts)
	}
	if ends == 0 {
		return invalid("missing end node")
	}

	for _, n := range def.Nodes {
		if n.Kind != types.KindEnd && len(n.Transitions) == 0 {
			return invalid("node %q has no outgoing transition", n.ID)
		}
		transitionIDs := make(map[string]bool)
		for _, t := range n.Transitions {
			if _, ok := nodes[t.Target]; !ok {
				return invalid("node %q has a transition to unknown node %q", n.ID, t.Target)
			}
			if t.ID != "" {
				if transitionIDs[t.ID] {
					return invalid("node %q has duplicate transition id %q", n.ID, t.ID)
				}
				transitionIDs[t.ID] = true
			}
		}
		ruleIDs := make(map[string]bool)
		for _, r := range n.EscalationRules {
			if ruleIDs[r.ID] {
				return invalid("node %q has duplicate escalation rule %q", n.ID, r.ID)
			}
			ruleIDs[r.ID] = true
			if r.Action == types.ActionResume && n.Kind != types.KindTask {
				return invalid("escalation rule %q of %s node %q resumes tasks it never has", r.ID, n.Kind, n.ID)
			}
		}
		if n.Kind == types.KindJoin {
			sources := IncomingSources(def, n.ID)
			if len(sources) == 0 {
				return invalid("join %q has no incoming transition", n.ID)
			}
			if n.Join.Mode == types.JoinThreshold && (n.Join.Threshold < 1 || n.Join.Threshold > len(sources)) {
				return invalid("join %q threshold %d outside 1..%d", n.ID, n.Join.Threshold, len(sources))
			}
		}
		if n.Kind == types.KindStart && len(IncomingSources(def, n.ID)) > 0 {
			return invalid("start node %q has incoming transitions", n.ID)
		}
	}

	start, _ := def.StartNode()
	reachable := map[string]bool{start.ID: true}
	for _, n := range def.Nodes {
		if n.ID != start.ID && Reaches(def, start.ID, n.ID) {
			reachable[n.ID] = true
		}
	}
	for _, n := range def.Nodes {
		if !reachable[n.ID] {
			return invalid("node %q is unreachable from start", n.ID)
		}
	}

	return nil
}
