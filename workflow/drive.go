package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/songzhibin97/route-engine/events"
	"github.com/songzhibin97/route-engine/graph"
	"github.com/songzhibin97/route-engine/ledger"
	"github.com/songzhibin97/route-engine/storage"
	"github.com/songzhibin97/route-engine/types"
)

// hop is a pending entry into a node.
type hop struct {
	target string
	from   string
}

// execution accumulates the changes one operation makes to one instance.
// Nothing is visible to other operations until commit.
type execution struct {
	e         *WorkflowEngine
	def       types.Definition
	inst      types.RouteInstance
	instDirty bool
	states    []*types.NodeState
	dirty     map[string]bool
	queue     []hop
	events    []events.Event
	actor     string
	now       time.Time
}

func (e *WorkflowEngine) newExecution(def types.Definition, inst types.RouteInstance, caller types.Caller) *execution {
	if inst.Variables == nil {
		inst.Variables = make(map[string]interface{})
	}
	return &execution{
		e:     e,
		def:   def,
		inst:  inst,
		dirty: make(map[string]bool),
		actor: caller.Principal,
		now:   e.clock.Now(),
	}
}

// load reads an instance, its definition and its node states.
func (e *WorkflowEngine) load(ctx context.Context, instanceID uint64, caller types.Caller) (*execution, error) {
	inst, err := e.Instance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	def, err := e.Definition(ctx, inst.DefinitionID)
	if err != nil {
		return nil, err
	}
	list, err := e.storage.ListNodeStates(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load node states of instance %d: %w", instanceID, err)
	}
	x := e.newExecution(def, inst, caller)
	for i := range list {
		ns := list[i]
		x.states = append(x.states, &ns)
	}
	return x, nil
}

// commit writes every touched record in one changeset.
func (x *execution) commit(ctx context.Context) error {
	var cs storage.Changeset
	if x.instDirty {
		inst := x.inst
		cs.Instance = &inst
	}
	for _, ns := range x.states {
		if x.dirty[ns.ID] {
			cs.NodeStates = append(cs.NodeStates, *ns)
		}
	}
	if cs.Empty() {
		return nil
	}
	return x.e.storage.Commit(ctx, cs)
}

func (x *execution) touch(ns *types.NodeState) {
	x.dirty[ns.ID] = true
}

func (x *execution) setVar(key string, value interface{}) {
	x.inst.Variables[key] = value
	x.instDirty = true
}

func (x *execution) emit(ev events.Event) {
	ev.InstanceID = x.inst.ID
	if ev.Actor == "" {
		ev.Actor = x.actor
	}
	ev.At = x.now
	x.events = append(x.events, ev)
}

// active returns the live node state of a node, if any.
func (x *execution) active(nodeID string) *types.NodeState {
	for _, ns := range x.states {
		if ns.NodeID == nodeID && ns.Active() {
			return ns
		}
	}
	return nil
}

// byTask returns the node state owning a task.
func (x *execution) byTask(taskID uint64) *types.NodeState {
	for _, ns := range x.states {
		if _, ok := ledger.Find(ns, taskID); ok {
			return ns
		}
	}
	return nil
}

// enter creates a ready node state for node.
func (x *execution) enter(node types.NodeDefinition) (*types.NodeState, error) {
	id, err := x.e.nextStateID()
	if err != nil {
		return nil, err
	}
	return x.add(id, node), nil
}

func (x *execution) add(id string, node types.NodeDefinition) *types.NodeState {
	ns := &types.NodeState{
		ID:            id,
		InstanceID:    x.inst.ID,
		NodeID:        node.ID,
		Kind:          node.Kind,
		State:         types.NodeReady,
		HasEscalation: graph.HasEscalation(node),
		StartedAt:     x.now,
	}
	if len(node.Variables) > 0 {
		ns.Variables = make(map[string]interface{}, len(node.Variables))
		for k, v := range node.Variables {
			ns.Variables[k] = v
		}
	}
	x.states = append(x.states, ns)
	x.touch(ns)
	return ns
}

// cancelState cancels a live node state and its open tasks.
func (x *execution) cancelState(ns *types.NodeState) {
	ledger.CancelOpen(ns, x.now)
	ns.State = types.NodeCanceled
	ns.EndedAt = x.now
	x.touch(ns)
}

// drive runs the queued hops until every branch is suspended or the route
// ended.
func (x *execution) drive(ctx context.Context) error {
	for hops := 0; len(x.queue) > 0; hops++ {
		if x.inst.Terminal() {
			x.queue = nil
			return nil
		}
		if hops >= x.e.maxHops {
			return fmt.Errorf("%w: instance %d exceeded %d hops at node %s",
				ErrGraphCycleDetected, x.inst.ID, x.e.maxHops, x.queue[0].target)
		}
		next := x.queue[0]
		x.queue = x.queue[1:]

		node, ok := x.def.Node(next.target)
		if !ok {
			return fmt.Errorf("%w: %s in definition %s", ErrUnknownNode, next.target, x.def.ID)
		}

		var err error
		switch node.Kind {
		case types.KindEnd:
			err = x.reachEnd(node)
		case types.KindTask:
			err = x.suspendOnTasks(ctx, node)
		case types.KindJoin:
			err = x.arrive(node, next.from)
		default:
			err = x.runAutomatic(ctx, node)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// reachEnd marks the route done and cancels every other live branch.
func (x *execution) reachEnd(node types.NodeDefinition) error {
	ns, err := x.enter(node)
	if err != nil {
		return err
	}
	ns.State = types.NodeEnded
	ns.EndedAt = x.now

	for _, other := range x.states {
		if other != ns && other.Active() {
			x.cancelState(other)
		}
	}
	x.inst.State = types.RouteDone
	x.inst.EndedAt = x.now
	x.instDirty = true
	x.emit(events.Event{Type: events.RouteDone, NodeID: node.ID, NodeStateID: ns.ID})
	return nil
}

// suspendOnTasks spawns one task per assignee and suspends the node. With no
// assignee a single unassigned task is spawned.
func (x *execution) suspendOnTasks(ctx context.Context, node types.NodeDefinition) error {
	ns, err := x.enter(node)
	if err != nil {
		return err
	}
	ns.State = types.NodeRunning

	assignees, err := x.e.resolver.Resolve(ctx, node, graph.NewContext(x.inst, *ns, x.now))
	if err != nil {
		return err
	}
	groups := make([][]string, 0, len(assignees))
	for _, a := range assignees {
		groups = append(groups, []string{a})
	}
	if len(groups) == 0 {
		groups = append(groups, nil)
	}

	for _, group := range groups {
		id, err := x.e.nextID()
		if err != nil {
			return err
		}
		task := types.Task{ID: id, Assignees: group, CreatedAt: x.now}
		if node.DueIn > 0 {
			task.DueAt = x.now.Add(node.DueIn)
		}
		ledger.AddTask(ns, task)
		x.emit(events.Event{
			Type:        events.TaskAssigned,
			NodeID:      node.ID,
			NodeStateID: ns.ID,
			TaskID:      id,
			Recipients:  group,
		})
	}

	ns.State = types.NodeSuspended
	x.emit(events.Event{Type: events.NodeSuspended, NodeID: node.ID, NodeStateID: ns.ID})
	return nil
}

// runAutomatic executes the node action and leaves the node.
func (x *execution) runAutomatic(ctx context.Context, node types.NodeDefinition) error {
	ns, err := x.enter(node)
	if err != nil {
		return err
	}
	ns.State = types.NodeRunning

	if node.Action != "" {
		action, ok := x.e.action(node.Action)
		if !ok {
			return fmt.Errorf("%w: %s on node %s", ErrActionNotRegistered, node.Action, node.ID)
		}
		result, err := action.Execute(ctx, graph.NewContext(x.inst, *ns, x.now))
		if err != nil {
			return fmt.Errorf("node %s action %s: %w", node.ID, node.Action, err)
		}
		x.applyResult(result)
	}
	return x.leave(ns, node)
}

func (x *execution) applyResult(result interface{}) {
	switch v := result.(type) {
	case nil:
	case map[string]interface{}:
		for k, val := range v {
			x.setVar(k, val)
		}
	default:
		x.setVar("result", v)
	}
}

// leave closes a node state and queues its selected transitions. Forks take
// every transition that holds, other nodes the first one.
func (x *execution) leave(ns *types.NodeState, node types.NodeDefinition) error {
	ns.State = types.NodeClosing
	x.touch(ns)
	vars := graph.NewContext(x.inst, *ns, x.now)

	var selected []types.Transition
	if node.Kind == types.KindFork {
		all, err := graph.SelectAll(x.e.evaluator, node, vars)
		if err != nil {
			return err
		}
		selected = all
	} else {
		t, err := graph.SelectFirst(x.e.evaluator, node, vars)
		if err != nil {
			return err
		}
		selected = []types.Transition{t}
	}

	ns.State = types.NodeEnded
	ns.EndedAt = x.now
	for _, t := range selected {
		x.queue = append(x.queue, hop{target: t.Target, from: node.ID})
	}
	return nil
}

// arrive records a branch reaching a join and leaves the join once its
// policy holds.
//
// Join node states get deterministic IDs so that two operations arriving at
// the same join concurrently both try to create the same record and one of
// them fails its commit.
func (x *execution) arrive(node types.NodeDefinition, from string) error {
	ns := x.active(node.ID)
	if ns == nil {
		generation := 1
		for _, s := range x.states {
			if s.NodeID == node.ID {
				generation++
			}
		}
		ns = x.add(fmt.Sprintf("%d.%s.%d", x.inst.ID, node.ID, generation), node)
		ns.State = types.NodeSuspended
		x.emit(events.Event{Type: events.NodeSuspended, NodeID: node.ID, NodeStateID: ns.ID})
	}
	x.touch(ns)
	if from != "" && !containsString(ns.Arrivals, from) {
		ns.Arrivals = append(ns.Arrivals, from)
	}

	expected := graph.IncomingSources(x.def, node.ID)
	if !joinSatisfied(node.Join, ns.Arrivals, expected) {
		return nil
	}

	if node.Join.Mode == types.JoinAny || node.Join.Mode == types.JoinThreshold {
		x.pruneBranches(ns, node.ID)
	}
	ns.State = types.NodeRunning
	return x.leave(ns, node)
}

// pruneBranches cancels the live branches and pending hops still heading
// for a join that already proceeded.
func (x *execution) pruneBranches(join *types.NodeState, joinID string) {
	for _, s := range x.states {
		if s != join && s.Active() && graph.Reaches(x.def, s.NodeID, joinID) {
			x.cancelState(s)
		}
	}
	kept := x.queue[:0]
	for _, h := range x.queue {
		if h.target != joinID && !graph.Reaches(x.def, h.target, joinID) {
			kept = append(kept, h)
		}
	}
	x.queue = kept
}

func joinSatisfied(policy types.JoinPolicy, arrivals, expected []string) bool {
	arrived := 0
	for _, src := range expected {
		if containsString(arrivals, src) {
			arrived++
		}
	}
	switch policy.Mode {
	case types.JoinAny:
		return arrived >= 1
	case types.JoinThreshold:
		need := policy.Threshold
		if need <= 0 || need > len(expected) {
			need = len(expected)
		}
		return arrived >= need
	default:
		return arrived == len(expected)
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
