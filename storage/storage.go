package storage

import (
	"context"
	"errors"
	"time"

	"github.com/songzhibin97/route-engine/types"
)

var (
	// ErrNotFound is returned when a requested resource is not found.
	ErrNotFound = errors.New("resource not found")
	// ErrVersionConflict is returned by Commit when a record changed since
	// it was loaded, or when a new record already exists.
	ErrVersionConflict = errors.New("version conflict")
	// ErrAlreadyRecorded is returned when an exclusive execution record
	// already exists for a rule.
	ErrAlreadyRecorded = errors.New("execution already recorded")
)

// Changeset is the set of records written atomically by Commit.
//
// Version on every record is the version the caller loaded; zero means the
// record must not exist yet. Commit stores Version+1.
type Changeset struct {
	Instance   *types.RouteInstance
	NodeStates []types.NodeState
}

// Empty reports whether the changeset writes nothing.
func (c Changeset) Empty() bool {
	return c.Instance == nil && len(c.NodeStates) == 0
}

// InstanceFilter narrows ListInstances.
type InstanceFilter struct {
	State        string
	Initiator    string
	DefinitionID string
	Target       string
}

func (f InstanceFilter) match(inst types.RouteInstance) bool {
	return (f.State == "" || inst.State == f.State) &&
		(f.Initiator == "" || inst.Initiator == f.Initiator) &&
		(f.DefinitionID == "" || inst.DefinitionID == f.DefinitionID) &&
		(f.Target == "" || inst.Target == f.Target)
}

// Storage defines the interface for persisting definitions, route instances
// and their node states.
type Storage interface {
	// SaveDefinition saves a route definition.
	SaveDefinition(ctx context.Context, def types.Definition) error

	// GetDefinition retrieves a definition by ID.
	GetDefinition(ctx context.Context, id string) (types.Definition, error)

	// GetInstance retrieves a route instance by ID.
	GetInstance(ctx context.Context, id uint64) (types.RouteInstance, error)

	// ListInstances returns the instances matching filter.
	ListInstances(ctx context.Context, filter InstanceFilter) ([]types.RouteInstance, error)

	// GetNodeState retrieves a node state.
	GetNodeState(ctx context.Context, instanceID uint64, id string) (types.NodeState, error)

	// ListNodeStates returns every node state of an instance, oldest first.
	ListNodeStates(ctx context.Context, instanceID uint64) ([]types.NodeState, error)

	// Commit writes a changeset atomically, failing with ErrVersionConflict
	// without writing anything if any version check fails.
	Commit(ctx context.Context, cs Changeset) error

	// ListSuspendedWithEscalation returns the suspended node states of
	// running instances that declare escalation rules.
	ListSuspendedWithEscalation(ctx context.Context) ([]types.NodeStateRef, error)

	// ExecutionLog returns the rule executions recorded for a node state,
	// keyed by rule ID.
	ExecutionLog(ctx context.Context, nodeStateID string) (map[string]types.RuleExecution, error)

	// RecordExecution appends a firing to a rule's log and latches it. With
	// exclusive set it fails with ErrAlreadyRecorded if a firing exists.
	RecordExecution(ctx context.Context, nodeStateID, ruleID string, at time.Time, exclusive bool) error

	// ReleaseExecution clears the latch of a rule.
	ReleaseExecution(ctx context.Context, nodeStateID, ruleID string) error

	// DeleteInstance removes an instance with its node states and execution logs.
	DeleteInstance(ctx context.Context, id uint64) error
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

// escalationCandidate reports whether a node state belongs in the escalation index.
func escalationCandidate(ns types.NodeState) bool {
	return ns.State == types.NodeSuspended && ns.HasEscalation
}
