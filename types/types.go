package types

import "time"

// NodeKind is the kind of a node in a route definition.
type NodeKind string

const (
	KindStart     NodeKind = "start"
	KindEnd       NodeKind = "end"
	KindTask      NodeKind = "task"
	KindAutomatic NodeKind = "automatic"
	KindFork      NodeKind = "fork"
	KindJoin      NodeKind = "join"
)

// Policy is the re-execution policy of an escalation rule.
type Policy string

const (
	// PolicyOnce fires at most once per node state.
	PolicyOnce Policy = "once"
	// PolicyEveryEvaluation fires on every evaluation where the condition holds.
	PolicyEveryEvaluation Policy = "every-evaluation"
	// PolicyWhileConditionTrue fires once per contiguous run of true evaluations.
	PolicyWhileConditionTrue Policy = "while-condition-true"
)

// Completion modes of a task node.
const (
	CompletionAll       = "all"
	CompletionAny       = "any"
	CompletionAnyStatus = "any-status"
	CompletionThreshold = "threshold"
)

// Join modes of a join node.
const (
	JoinAll       = "all"
	JoinAny       = "any"
	JoinThreshold = "threshold"
)

// Definition is an immutable route template.
type Definition struct {
	ID    string           `json:"id" yaml:"id" validate:"required"`
	Name  string           `json:"name" yaml:"name"`
	Nodes []NodeDefinition `json:"nodes" yaml:"nodes" validate:"required,min=2,dive"`
}

// Node returns the node definition with the given id.
func (d Definition) Node(id string) (NodeDefinition, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeDefinition{}, false
}

// StartNode returns the start node of the definition.
func (d Definition) StartNode() (NodeDefinition, bool) {
	for _, n := range d.Nodes {
		if n.Kind == KindStart {
			return n, true
		}
	}
	return NodeDefinition{}, false
}

// NodeDefinition describes one step of a route.
type NodeDefinition struct {
	ID          string       `json:"id" yaml:"id" validate:"required"`
	Kind        NodeKind     `json:"kind" yaml:"kind" validate:"required,oneof=start end task automatic fork join"`
	Action      string       `json:"action,omitempty" yaml:"action,omitempty"`
	Transitions []Transition `json:"transitions,omitempty" yaml:"transitions,omitempty" validate:"dive"`

	// Task nodes.
	Assignees         []string      `json:"assignees,omitempty" yaml:"assignees,omitempty"`
	AssigneesExpr     string        `json:"assignees_expr,omitempty" yaml:"assignees_expr,omitempty"`
	DueIn             time.Duration `json:"due_in,omitempty" yaml:"due_in,omitempty" validate:"gte=0"`
	Completion        Completion    `json:"completion,omitempty" yaml:"completion,omitempty"`
	AllowReassignment bool          `json:"allow_reassignment,omitempty" yaml:"allow_reassignment,omitempty"`

	// Join nodes.
	Join JoinPolicy `json:"join,omitempty" yaml:"join,omitempty"`

	EscalationRules []EscalationRule       `json:"escalation_rules,omitempty" yaml:"escalation_rules,omitempty" validate:"dive"`
	Variables       map[string]interface{} `json:"variables,omitempty" yaml:"variables,omitempty"`
}

// Transition is a conditioned edge to another node.
type Transition struct {
	ID        string `json:"id,omitempty" yaml:"id,omitempty"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
	Target    string `json:"target" yaml:"target" validate:"required"`
	Priority  int    `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// Completion is the policy deciding when a task node may leave.
type Completion struct {
	Mode      string `json:"mode,omitempty" yaml:"mode,omitempty" validate:"omitempty,oneof=all any any-status threshold"`
	Status    string `json:"status,omitempty" yaml:"status,omitempty" validate:"required_if=Mode any-status"`
	Threshold int    `json:"threshold,omitempty" yaml:"threshold,omitempty" validate:"gte=0"`
}

// JoinPolicy decides when a join node may proceed.
type JoinPolicy struct {
	Mode      string `json:"mode,omitempty" yaml:"mode,omitempty" validate:"omitempty,oneof=all any threshold"`
	Threshold int    `json:"threshold,omitempty" yaml:"threshold,omitempty" validate:"gte=0"`
}

// EscalationRule is a condition and action evaluated while a node is suspended.
type EscalationRule struct {
	ID        string                 `json:"id" yaml:"id" validate:"required"`
	Condition string                 `json:"condition" yaml:"condition" validate:"required"`
	Action    string                 `json:"action" yaml:"action" validate:"required"`
	Policy    Policy                 `json:"policy,omitempty" yaml:"policy,omitempty" validate:"omitempty,oneof=once every-evaluation while-condition-true"`
	Params    map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`
}

// ActionResume is the escalation action that completes the open tasks of the
// node it fires on. Only task nodes accept it.
const ActionResume = "resume"

// EffectivePolicy returns the policy, defaulting to PolicyOnce.
func (r EscalationRule) EffectivePolicy() Policy {
	if r.Policy == "" {
		return PolicyOnce
	}
	return r.Policy
}

// Route instance states.
const (
	RouteRunning  = "running"
	RouteDone     = "done"
	RouteCanceled = "canceled"
)

// RouteInstance is a running execution of a Definition against a target item.
type RouteInstance struct {
	ID           uint64                 `json:"id"`
	DefinitionID string                 `json:"definition_id"`
	Target       string                 `json:"target"`
	Variables    map[string]interface{} `json:"variables"`
	State        string                 `json:"state"`
	Initiator    string                 `json:"initiator"`
	CreatedAt    time.Time              `json:"created_at"`
	EndedAt      time.Time              `json:"ended_at,omitempty"`
	Version      int64                  `json:"version"`
}

// Terminal reports whether the instance is done or canceled.
func (i RouteInstance) Terminal() bool {
	return i.State == RouteDone || i.State == RouteCanceled
}

// Node state values.
const (
	NodeReady     = "ready"
	NodeRunning   = "running"
	NodeSuspended = "suspended"
	NodeClosing   = "closing"
	NodeEnded     = "ended"
	NodeCanceled  = "canceled"
)

// NodeState is the mutable execution record of one node within one instance.
type NodeState struct {
	ID            string                 `json:"id"`
	InstanceID    uint64                 `json:"instance_id"`
	NodeID        string                 `json:"node_id"`
	Kind          NodeKind               `json:"kind"`
	State         string                 `json:"state"`
	Tasks         []Task                 `json:"tasks,omitempty"`
	Variables     map[string]interface{} `json:"variables,omitempty"`
	Arrivals      []string               `json:"arrivals,omitempty"`
	HasEscalation bool                   `json:"has_escalation,omitempty"`
	Status        string                 `json:"status,omitempty"`
	LastActor     string                 `json:"last_actor,omitempty"`
	StartedAt     time.Time              `json:"started_at"`
	EndedAt       time.Time              `json:"ended_at,omitempty"`
	Version       int64                  `json:"version"`
}

// Active reports whether the node state still takes part in execution.
func (n NodeState) Active() bool {
	switch n.State {
	case NodeEnded, NodeCanceled:
		return false
	}
	return true
}

// Ref returns a reference to the node state.
func (n NodeState) Ref() NodeStateRef {
	return NodeStateRef{InstanceID: n.InstanceID, NodeStateID: n.ID, NodeID: n.NodeID}
}

// NodeStateRef identifies a node state across the store.
type NodeStateRef struct {
	InstanceID  uint64 `json:"instance_id"`
	NodeStateID string `json:"node_state_id"`
	NodeID      string `json:"node_id"`
}

// Task is a unit of human work spawned by a task node.
type Task struct {
	ID          uint64                 `json:"id"`
	NodeStateID string                 `json:"node_state_id"`
	Assignees   []string               `json:"assignees,omitempty"`
	Delegates   []string               `json:"delegates,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	DueAt       time.Time              `json:"due_at,omitempty"`
	Ended       bool                   `json:"ended"`
	Canceled    bool                   `json:"canceled,omitempty"`
	Status      string                 `json:"status,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Actor       string                 `json:"actor,omitempty"`
	Comment     string                 `json:"comment,omitempty"`
	EndedAt     time.Time              `json:"ended_at,omitempty"`
}

// RuleExecution is the execution log of one escalation rule on one node state.
type RuleExecution struct {
	NodeStateID string      `json:"node_state_id"`
	RuleID      string      `json:"rule_id"`
	Fired       []time.Time `json:"fired"`
	// Latched is set when the rule fired and cleared once its condition
	// evaluates false again.
	Latched bool `json:"latched"`
}

// Count returns how many times the rule fired.
func (r RuleExecution) Count() int {
	return len(r.Fired)
}

// Caller identifies who an operation acts for.
type Caller struct {
	Principal string
	// System marks unrestricted, background operations.
	System bool
}

// SystemPrincipal is the principal recorded for system operations.
const SystemPrincipal = "system"

// SystemCaller returns the unrestricted caller used by background jobs.
func SystemCaller() Caller {
	return Caller{Principal: SystemPrincipal, System: true}
}

// User returns a caller acting as the given principal.
func User(principal string) Caller {
	return Caller{Principal: principal}
}

// Clone returns a copy that shares no mutable state with i.
func (i RouteInstance) Clone() RouteInstance {
	i.Variables = cloneVars(i.Variables)
	return i
}

// Clone returns a copy that shares no mutable state with n.
func (n NodeState) Clone() NodeState {
	n.Variables = cloneVars(n.Variables)
	n.Arrivals = append([]string(nil), n.Arrivals...)
	if n.Tasks != nil {
		tasks := make([]Task, len(n.Tasks))
		for i, t := range n.Tasks {
			t.Assignees = append([]string(nil), t.Assignees...)
			t.Delegates = append([]string(nil), t.Delegates...)
			t.Payload = cloneVars(t.Payload)
			tasks[i] = t
		}
		n.Tasks = tasks
	}
	return n
}

func cloneVars(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
