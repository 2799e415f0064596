// Package escalation evaluates the escalation rules of suspended nodes and
// runs the eligible ones from a periodic background job.
package escalation

import (
	"time"

	"go.uber.org/zap"

	"github.com/songzhibin97/route-engine/graph"
	"github.com/songzhibin97/route-engine/rules"
	"github.com/songzhibin97/route-engine/types"
)

// Result is the outcome of evaluating the rules of one node state.
type Result struct {
	// Eligible rules, in definition order.
	Eligible []types.EscalationRule
	// Released holds the while-condition-true rules whose condition turned
	// false and whose latch must be cleared.
	Released []string
}

// Evaluator decides which escalation rules of a node state may fire.
type Evaluator struct {
	rules  rules.Evaluator
	logger *zap.Logger
}

// NewEvaluator creates an Evaluator using the given expression evaluator.
func NewEvaluator(eval rules.Evaluator, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{rules: eval, logger: logger}
}

// Evaluate checks every rule of the node in definition order. A rule whose
// condition fails to evaluate is left out and logged; it never hides the
// other rules.
func (v *Evaluator) Evaluate(def types.Definition, inst types.RouteInstance, ns types.NodeState, log map[string]types.RuleExecution, now time.Time) Result {
	var res Result
	node, ok := def.Node(ns.NodeID)
	if !ok {
		return res
	}

	base := graph.NewContext(inst, ns, now)
	for _, rule := range node.EscalationRules {
		rec := log[rule.ID]
		policy := rule.EffectivePolicy()
		if policy == types.PolicyOnce && rec.Count() > 0 {
			continue
		}

		vars := make(map[string]interface{}, len(base)+2)
		for k, val := range base {
			vars[k] = val
		}
		vars["ruleId"] = rule.ID
		vars["ruleExecutionCount"] = rec.Count()

		holds, err := graph.EvaluateCondition(v.rules, rule.Condition, vars)
		if err != nil {
			v.logger.Warn("escalation rule skipped",
				zap.Uint64("instance", inst.ID),
				zap.String("node", ns.NodeID),
				zap.String("rule", rule.ID),
				zap.Error(err),
			)
			continue
		}

		if policy == types.PolicyWhileConditionTrue && rec.Latched {
			if !holds {
				res.Released = append(res.Released, rule.ID)
			}
			continue
		}
		if holds {
			res.Eligible = append(res.Eligible, rule)
		}
	}
	return res
}
