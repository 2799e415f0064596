package graph

import (
	"time"

	"github.com/songzhibin97/route-engine/ledger"
	"github.com/songzhibin97/route-engine/types"
)

// NewContext builds the variable context seen by transition conditions,
// escalation conditions and assignee expressions.
//
// Workflow and node variables are also exposed flattened, node variables
// winning, so conditions can refer to them by plain name.
func NewContext(inst types.RouteInstance, ns types.NodeState, now time.Time) map[string]interface{} {
	wfVars := copyVars(inst.Variables)
	nodeVars := copyVars(ns.Variables)

	ctx := make(map[string]interface{}, len(wfVars)+len(nodeVars)+24)
	for k, v := range wfVars {
		ctx[k] = v
	}
	for k, v := range nodeVars {
		ctx[k] = v
	}

	view := ledger.NewView(ns)
	ctx["WorkflowVariables"] = wfVars
	ctx["NodeVariables"] = nodeVars
	ctx["workflowInitiator"] = inst.Initiator
	ctx["workflowInstanceId"] = inst.ID
	ctx["workflowStartTime"] = inst.CreatedAt
	ctx["workflowTarget"] = inst.Target
	ctx["nodeId"] = ns.NodeID
	ctx["nodeState"] = ns.State
	ctx["nodeStartTime"] = ns.StartedAt
	ctx["nodeLastActor"] = ns.LastActor
	ctx["status"] = ns.Status
	ctx["button"] = ns.Status
	ctx["currentTime"] = now
	ctx["nodeElapsedSeconds"] = int64(0)
	if !ns.StartedAt.IsZero() {
		ctx["nodeElapsedSeconds"] = int64(now.Sub(ns.StartedAt) / time.Second)
	}
	ctx["numberOfTasks"] = view.Len()
	ctx["numberOfProcessedTasks"] = ledger.CountProcessed(ns)
	ctx["numberOfEndedTasks"] = ledger.CountEnded(ns)
	ctx["tasks"] = view

	due, hasDue := ledger.EarliestDue(ns)
	ctx["taskDueTime"] = due
	ctx["overdue"] = hasDue && now.After(due)
	return ctx
}

func copyVars(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
