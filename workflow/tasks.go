package workflow

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/songzhibin97/route-engine/events"
	"github.com/songzhibin97/route-engine/ledger"
	"github.com/songzhibin97/route-engine/storage"
	"github.com/songzhibin97/route-engine/types"
)

// TaskFilter narrows ListTasks. Zero fields match everything.
type TaskFilter struct {
	// Actor matches tasks the actor is assigned or delegated.
	Actor      string
	InstanceID uint64
	Target     string
	OpenOnly   bool
}

// TaskEntry is a task with the route and node it belongs to.
type TaskEntry struct {
	types.Task
	InstanceID uint64
	NodeID     string
	Target     string
}

// ListTasks returns the tasks matching filter in instance then spawn order,
// e.g. the open worklist of one actor.
func (e *WorkflowEngine) ListTasks(ctx context.Context, filter TaskFilter) ([]TaskEntry, error) {
	var instances []types.RouteInstance
	if filter.InstanceID != 0 {
		inst, err := e.Instance(ctx, filter.InstanceID)
		if err != nil {
			return nil, err
		}
		if filter.Target == "" || inst.Target == filter.Target {
			instances = append(instances, inst)
		}
	} else {
		f := storage.InstanceFilter{Target: filter.Target}
		if filter.OpenOnly {
			f.State = types.RouteRunning
		}
		list, err := e.storage.ListInstances(ctx, f)
		if err != nil {
			return nil, err
		}
		instances = list
	}

	var entries []TaskEntry
	for _, inst := range instances {
		states, err := e.storage.ListNodeStates(ctx, inst.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load node states of instance %d: %w", inst.ID, err)
		}
		for _, ns := range states {
			for _, task := range ns.Tasks {
				if filter.OpenOnly && task.Ended {
					continue
				}
				if filter.Actor != "" && !containsString(task.Assignees, filter.Actor) && !containsString(task.Delegates, filter.Actor) {
					continue
				}
				entries = append(entries, TaskEntry{Task: task, InstanceID: inst.ID, NodeID: ns.NodeID, Target: inst.Target})
			}
		}
	}
	return entries, nil
}

// CancelTask ends one open task without a status. The node then leaves as
// soon as its completion policy holds for the remaining tasks. Only the
// system and the route initiator may cancel tasks.
func (e *WorkflowEngine) CancelTask(ctx context.Context, caller types.Caller, instanceID, taskID uint64) error {
	return e.updateTask(ctx, caller, "CancelTask", instanceID, taskID, func(x *execution, ns *types.NodeState, node types.NodeDefinition) error {
		if !caller.System && caller.Principal != x.inst.Initiator {
			return fmt.Errorf("%w: %s may not cancel task %d", ErrCancelNotAllowed, caller.Principal, taskID)
		}
		if err := ledger.CancelTask(ns, taskID, x.actor, x.now); err != nil {
			return err
		}
		x.emit(events.Event{
			Type:        events.TaskEnded,
			NodeID:      node.ID,
			NodeStateID: ns.ID,
			TaskID:      taskID,
			Data:        map[string]interface{}{"canceled": true},
		})
		if !ledger.Satisfied(*ns, node.Completion) {
			return nil
		}
		ledger.CancelOpen(ns, x.now)
		if err := x.leave(ns, node); err != nil {
			return err
		}
		return x.drive(ctx)
	})
}

// ReassignTask replaces the assignees of an open task. Only nodes that allow
// reassignment accept it, unless the caller is the system.
func (e *WorkflowEngine) ReassignTask(ctx context.Context, caller types.Caller, instanceID, taskID uint64, assignees []string) error {
	return e.updateTask(ctx, caller, "ReassignTask", instanceID, taskID, func(x *execution, ns *types.NodeState, node types.NodeDefinition) error {
		if !node.AllowReassignment && !caller.System {
			return fmt.Errorf("%w: node %s", ErrReassignNotAllowed, node.ID)
		}
		if len(assignees) == 0 {
			return fmt.Errorf("%w: task %d needs at least one assignee", ErrReassignNotAllowed, taskID)
		}
		if err := ledger.Reassign(ns, taskID, assignees); err != nil {
			return err
		}
		x.emit(events.Event{
			Type:        events.TaskReassigned,
			NodeID:      node.ID,
			NodeStateID: ns.ID,
			TaskID:      taskID,
			Recipients:  append([]string(nil), assignees...),
		})
		return nil
	})
}

// DelegateTask lets additional actors act on an open task. The caller must
// be one of its assignees, unless it is the system.
func (e *WorkflowEngine) DelegateTask(ctx context.Context, caller types.Caller, instanceID, taskID uint64, delegates []string) error {
	return e.updateTask(ctx, caller, "DelegateTask", instanceID, taskID, func(x *execution, ns *types.NodeState, node types.NodeDefinition) error {
		task, _ := ledger.Find(ns, taskID)
		if !caller.System && !containsString(task.Assignees, caller.Principal) {
			return fmt.Errorf("%w: %s is not an assignee of task %d", ErrReassignNotAllowed, caller.Principal, taskID)
		}
		if err := ledger.Delegate(ns, taskID, delegates); err != nil {
			return err
		}
		x.emit(events.Event{
			Type:        events.TaskReassigned,
			NodeID:      node.ID,
			NodeStateID: ns.ID,
			TaskID:      taskID,
			Recipients:  append([]string(nil), delegates...),
			Data:        map[string]interface{}{"delegated": true},
		})
		return nil
	})
}

func (e *WorkflowEngine) updateTask(ctx context.Context, caller types.Caller, op string, instanceID, taskID uint64,
	update func(x *execution, ns *types.NodeState, node types.NodeDefinition) error) error {
	ctx, span := e.startSpan(ctx, op,
		attribute.Int64("instance", int64(instanceID)),
		attribute.Int64("task", int64(taskID)),
	)
	defer span.End()

	var x *execution
	err := e.retryOnConflict(ctx, op, func() error {
		var err error
		x, err = e.load(ctx, instanceID, caller)
		if err != nil {
			return err
		}
		if x.inst.Terminal() {
			return fmt.Errorf("%w: %w: instance %d is %s", ErrNodeNotSuspended, ErrInstanceTerminal, instanceID, x.inst.State)
		}
		ns, node, err := x.locate(ResumeRequest{TaskID: taskID})
		if err != nil {
			return err
		}
		if err := update(x, ns, node); err != nil {
			return err
		}
		x.touch(ns)
		return x.commit(ctx)
	})
	if err != nil {
		return spanError(span, err)
	}
	e.publish(ctx, x.events)
	e.logger.Debug("task updated",
		zap.String("operation", op),
		zap.Uint64("instance", instanceID),
		zap.Uint64("task", taskID),
		zap.String("actor", caller.Principal),
	)
	return nil
}
