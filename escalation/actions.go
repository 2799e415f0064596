package escalation

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/songzhibin97/route-engine/events"
	"github.com/songzhibin97/route-engine/ledger"
	"github.com/songzhibin97/route-engine/types"
	"github.com/songzhibin97/route-engine/workflow"
)

// Built-in action names.
const (
	ActionResume   = types.ActionResume
	ActionReassign = "reassign"
	ActionNotify   = "notify"
)

// Target is what an escalation action acts on.
type Target struct {
	Engine    *workflow.WorkflowEngine
	Rule      types.EscalationRule
	Instance  types.RouteInstance
	NodeState types.NodeState
	Caller    types.Caller
}

// Action is the side effect of an escalation rule. Actions may run more than
// once for the same firing and must tolerate it.
type Action interface {
	Execute(ctx context.Context, target Target) error
}

// ActionFunc is a function adapter for Action.
type ActionFunc func(ctx context.Context, target Target) error

// Execute implements the Action interface.
func (f ActionFunc) Execute(ctx context.Context, target Target) error {
	return f(ctx, target)
}

// resumeAction closes every open task of the node with the "status" param,
// "escalated" by default.
func resumeAction(ctx context.Context, t Target) error {
	status := stringParam(t.Rule.Params, "status", "escalated")
	form, _ := t.Rule.Params["form"].(map[string]interface{})
	return t.Engine.Resume(ctx, t.Caller, workflow.ResumeRequest{
		InstanceID:  t.Instance.ID,
		NodeID:      t.NodeState.NodeID,
		NodeStateID: t.NodeState.ID,
		FormData:    form,
		Status:      status,
		Comment:     fmt.Sprintf("escalation %s", t.Rule.ID),
	})
}

// reassignAction hands every open task of the node to the "assignees" param.
func reassignAction(ctx context.Context, t Target) error {
	assignees, err := stringsParam(t.Rule.Params, "assignees")
	if err != nil {
		return err
	}
	if len(assignees) == 0 {
		return fmt.Errorf("rule %s: reassign needs assignees", t.Rule.ID)
	}
	var errs error
	for _, task := range ledger.Open(t.NodeState) {
		errs = multierr.Append(errs, t.Engine.ReassignTask(ctx, t.Caller, t.Instance.ID, task.ID, assignees))
	}
	return errs
}

// notifyAction publishes a reminder to whoever holds an open task of the node.
func notifyAction(ctx context.Context, t Target) error {
	var recipients []string
	seen := make(map[string]bool)
	for _, task := range ledger.Open(t.NodeState) {
		for _, who := range append(append([]string(nil), task.Assignees...), task.Delegates...) {
			if !seen[who] {
				seen[who] = true
				recipients = append(recipients, who)
			}
		}
	}
	t.Engine.Publish(ctx, events.Event{
		Type:        events.TaskReminder,
		InstanceID:  t.Instance.ID,
		NodeID:      t.NodeState.NodeID,
		NodeStateID: t.NodeState.ID,
		Actor:       t.Caller.Principal,
		Recipients:  recipients,
		At:          t.Engine.Clock().Now(),
		Data: map[string]interface{}{
			"rule":    t.Rule.ID,
			"message": stringParam(t.Rule.Params, "message", ""),
		},
	})
	return nil
}

func stringParam(params map[string]interface{}, key, fallback string) string {
	if s, ok := params[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

func stringsParam(params map[string]interface{}, key string) ([]string, error) {
	switch v := params[key].(type) {
	case nil:
		return nil, nil
	case string:
		return []string{v}, nil
	case []string:
		return v, nil
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("param %s: %v is %T, not a string", key, item, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("param %s: unsupported type %T", key, v)
	}
}
