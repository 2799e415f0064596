package workflow

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/songzhibin97/route-engine/events"
	"github.com/songzhibin97/route-engine/graph"
	"github.com/songzhibin97/route-engine/ledger"
	"github.com/songzhibin97/route-engine/types"
)

// ResumeRequest carries the completion of one task, or of every open task of
// a node when TaskID is zero.
type ResumeRequest struct {
	InstanceID uint64
	// NodeID may be omitted when TaskID is set.
	NodeID string
	// NodeStateID, when set, pins the request to one entry of the node; a
	// re-entered node then reports ErrNodeNotSuspended.
	NodeStateID string
	TaskID      uint64
	FormData    map[string]interface{}
	Status      string
	Comment     string
}

// Start creates a route instance of a definition and drives it to its first
// suspension or to its end.
func (e *WorkflowEngine) Start(ctx context.Context, caller types.Caller, definitionID string, vars map[string]interface{}, target string) (*types.RouteInstance, error) {
	ctx, span := e.startSpan(ctx, "Start", attribute.String("definition", definitionID))
	defer span.End()

	def, err := e.Definition(ctx, definitionID)
	if err != nil {
		return nil, spanError(span, err)
	}
	if err := graph.Validate(def); err != nil {
		return nil, spanError(span, err)
	}
	start, _ := def.StartNode()

	id, err := e.nextID()
	if err != nil {
		return nil, spanError(span, err)
	}
	variables := make(map[string]interface{}, len(vars))
	for k, v := range vars {
		variables[k] = v
	}

	x := e.newExecution(def, types.RouteInstance{
		ID:           id,
		DefinitionID: def.ID,
		Target:       target,
		Variables:    variables,
		State:        types.RouteRunning,
		Initiator:    caller.Principal,
	}, caller)
	x.inst.CreatedAt = x.now
	x.instDirty = true
	x.emit(events.Event{Type: events.RouteStarted, Data: map[string]interface{}{"definition": def.ID, "target": target}})
	x.queue = []hop{{target: start.ID}}

	if err := x.drive(ctx); err != nil {
		return nil, spanError(span, err)
	}
	if err := x.commit(ctx); err != nil {
		return nil, spanError(span, fmt.Errorf("failed to save instance %d: %w", id, err))
	}
	e.publish(ctx, x.events)

	span.SetAttributes(attribute.Int64("instance", int64(id)))
	e.logger.Info("route started",
		zap.Uint64("instance", id),
		zap.String("definition", def.ID),
		zap.String("initiator", caller.Principal),
		zap.String("state", x.inst.State),
	)
	inst := x.inst
	inst.Version++
	return &inst, nil
}

// Resume records the completion of a task and, once the node's completion
// policy holds, moves the route forward.
func (e *WorkflowEngine) Resume(ctx context.Context, caller types.Caller, req ResumeRequest) error {
	ctx, span := e.startSpan(ctx, "Resume",
		attribute.Int64("instance", int64(req.InstanceID)),
		attribute.String("node", req.NodeID),
		attribute.Int64("task", int64(req.TaskID)),
	)
	defer span.End()

	var x *execution
	err := e.retryOnConflict(ctx, "resume", func() error {
		var err error
		x, err = e.load(ctx, req.InstanceID, caller)
		if err != nil {
			return err
		}
		if err := x.resume(ctx, req); err != nil {
			return err
		}
		return x.commit(ctx)
	})
	if err != nil {
		return spanError(span, err)
	}
	e.publish(ctx, x.events)
	e.logger.Debug("node resumed",
		zap.Uint64("instance", req.InstanceID),
		zap.String("node", req.NodeID),
		zap.Uint64("task", req.TaskID),
		zap.String("status", req.Status),
		zap.String("actor", caller.Principal),
	)
	return nil
}

func (x *execution) resume(ctx context.Context, req ResumeRequest) error {
	if x.inst.Terminal() {
		return fmt.Errorf("%w: %w: instance %d is %s", ErrNodeNotSuspended, ErrInstanceTerminal, x.inst.ID, x.inst.State)
	}
	ns, node, err := x.locate(req)
	if err != nil {
		return err
	}

	payload := make(map[string]interface{}, len(req.FormData)+1)
	for k, v := range req.FormData {
		payload[k] = v
	}
	if req.Comment != "" {
		payload["comment"] = req.Comment
	}

	var closed []uint64
	if req.TaskID != 0 {
		if err := ledger.CloseTask(ns, req.TaskID, req.Status, x.actor, payload, x.now); err != nil {
			if errors.Is(err, ledger.ErrTaskEnded) {
				return fmt.Errorf("%w: %w", ErrNodeNotSuspended, err)
			}
			return err
		}
		closed = append(closed, req.TaskID)
	} else {
		open := ledger.Open(*ns)
		if len(open) == 0 {
			return fmt.Errorf("%w: node %s has no open task", ErrNodeNotSuspended, ns.NodeID)
		}
		for _, t := range open {
			if err := ledger.CloseTask(ns, t.ID, req.Status, x.actor, payload, x.now); err != nil {
				return err
			}
			closed = append(closed, t.ID)
		}
	}
	for _, id := range closed {
		x.emit(events.Event{
			Type:        events.TaskEnded,
			NodeID:      node.ID,
			NodeStateID: ns.ID,
			TaskID:      id,
			Data:        map[string]interface{}{"status": req.Status},
		})
	}

	for k, v := range req.FormData {
		if _, ok := x.inst.Variables[k]; ok {
			x.setVar(k, v)
		}
		if ns.Variables == nil {
			ns.Variables = make(map[string]interface{}, len(req.FormData))
		}
		ns.Variables[k] = v
	}
	ns.Status = req.Status
	ns.LastActor = x.actor
	x.touch(ns)

	if !ledger.Satisfied(*ns, node.Completion) {
		return nil
	}
	ledger.CancelOpen(ns, x.now)
	if err := x.leave(ns, node); err != nil {
		return err
	}
	return x.drive(ctx)
}

// locate resolves the suspended task node state a request refers to.
func (x *execution) locate(req ResumeRequest) (*types.NodeState, types.NodeDefinition, error) {
	var ns *types.NodeState
	switch {
	case req.TaskID != 0:
		ns = x.byTask(req.TaskID)
		if ns == nil {
			return nil, types.NodeDefinition{}, fmt.Errorf("%w: %d in instance %d", ErrUnknownTask, req.TaskID, x.inst.ID)
		}
		if req.NodeID != "" && ns.NodeID != req.NodeID {
			return nil, types.NodeDefinition{}, fmt.Errorf("%w: %d does not belong to node %s", ErrUnknownTask, req.TaskID, req.NodeID)
		}
	case req.NodeID != "":
		if _, ok := x.def.Node(req.NodeID); !ok {
			return nil, types.NodeDefinition{}, fmt.Errorf("%w: %s in definition %s", ErrUnknownNode, req.NodeID, x.def.ID)
		}
		ns = x.active(req.NodeID)
		if ns == nil {
			return nil, types.NodeDefinition{}, fmt.Errorf("%w: node %s has no live state", ErrNodeNotSuspended, req.NodeID)
		}
	default:
		return nil, types.NodeDefinition{}, fmt.Errorf("%w: a node or task reference is required", ErrUnknownNode)
	}

	if req.NodeStateID != "" && ns.ID != req.NodeStateID {
		return nil, types.NodeDefinition{}, fmt.Errorf("%w: node state %s was replaced by %s", ErrNodeNotSuspended, req.NodeStateID, ns.ID)
	}
	if ns.State != types.NodeSuspended || ns.Kind != types.KindTask {
		return nil, types.NodeDefinition{}, fmt.Errorf("%w: node %s is %s", ErrNodeNotSuspended, ns.NodeID, ns.State)
	}
	node, ok := x.def.Node(ns.NodeID)
	if !ok {
		return nil, types.NodeDefinition{}, fmt.Errorf("%w: %s in definition %s", ErrUnknownNode, ns.NodeID, x.def.ID)
	}
	return ns, node, nil
}

// Cancel cancels a running instance, its live node states and their open
// tasks. Canceling a terminal instance does nothing.
func (e *WorkflowEngine) Cancel(ctx context.Context, caller types.Caller, instanceID uint64) error {
	ctx, span := e.startSpan(ctx, "Cancel", attribute.Int64("instance", int64(instanceID)))
	defer span.End()

	var x *execution
	err := e.retryOnConflict(ctx, "cancel", func() error {
		var err error
		x, err = e.load(ctx, instanceID, caller)
		if err != nil {
			return err
		}
		if x.inst.Terminal() {
			return nil
		}
		for _, ns := range x.states {
			if ns.Active() {
				x.cancelState(ns)
			}
		}
		x.inst.State = types.RouteCanceled
		x.inst.EndedAt = x.now
		x.instDirty = true
		x.emit(events.Event{Type: events.RouteCanceled})
		return x.commit(ctx)
	})
	if err != nil {
		return spanError(span, err)
	}
	if len(x.events) > 0 {
		e.publish(ctx, x.events)
		e.logger.Info("route canceled", zap.Uint64("instance", instanceID), zap.String("actor", caller.Principal))
	}
	return nil
}
