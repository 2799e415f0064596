package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/songzhibin97/route-engine/types"
)

// MemoryStorage is an in-memory implementation of the Storage interface.
type MemoryStorage struct {
	definitions map[string]types.Definition
	instances   map[uint64]types.RouteInstance
	nodeStates  map[uint64]map[string]types.NodeState
	nodeOrder   map[uint64][]string
	executions  map[string]map[string]types.RuleExecution
	mu          sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		definitions: make(map[string]types.Definition),
		instances:   make(map[uint64]types.RouteInstance),
		nodeStates:  make(map[uint64]map[string]types.NodeState),
		nodeOrder:   make(map[uint64][]string),
		executions:  make(map[string]map[string]types.RuleExecution),
	}
}

// getItem is a standalone generic helper function.
func getItem[K comparable, T any](ctx context.Context, mu *sync.RWMutex, m map[K]T, id K) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%v", ErrNotFound, id)
		}
		return item, nil
	})
}

// SaveDefinition saves a definition to memory.
func (s *MemoryStorage) SaveDefinition(ctx context.Context, def types.Definition) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.definitions[def.ID] = def
		return nil
	})
}

// GetDefinition retrieves a definition from memory.
func (s *MemoryStorage) GetDefinition(ctx context.Context, id string) (types.Definition, error) {
	return getItem(ctx, &s.mu, s.definitions, id)
}

// GetInstance retrieves a route instance from memory.
func (s *MemoryStorage) GetInstance(ctx context.Context, id uint64) (types.RouteInstance, error) {
	inst, err := getItem(ctx, &s.mu, s.instances, id)
	if err != nil {
		return types.RouteInstance{}, err
	}
	return inst.Clone(), nil
}

// ListInstances returns the instances matching filter ordered by ID.
func (s *MemoryStorage) ListInstances(ctx context.Context, filter InstanceFilter) ([]types.RouteInstance, error) {
	return withContext(ctx, func() ([]types.RouteInstance, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.RouteInstance
		for _, inst := range s.instances {
			if filter.match(inst) {
				out = append(out, inst.Clone())
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// GetNodeState retrieves a node state from memory.
func (s *MemoryStorage) GetNodeState(ctx context.Context, instanceID uint64, id string) (types.NodeState, error) {
	return withContext(ctx, func() (types.NodeState, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		ns, ok := s.nodeStates[instanceID][id]
		if !ok {
			return types.NodeState{}, fmt.Errorf("%w: node state %d/%s", ErrNotFound, instanceID, id)
		}
		return ns.Clone(), nil
	})
}

// ListNodeStates returns the node states of an instance in creation order.
func (s *MemoryStorage) ListNodeStates(ctx context.Context, instanceID uint64) ([]types.NodeState, error) {
	return withContext(ctx, func() ([]types.NodeState, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		states := s.nodeStates[instanceID]
		out := make([]types.NodeState, 0, len(states))
		for _, id := range s.nodeOrder[instanceID] {
			out = append(out, states[id].Clone())
		}
		return out, nil
	})
}

// Commit applies a changeset under the storage lock.
func (s *MemoryStorage) Commit(ctx context.Context, cs Changeset) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		if cs.Instance != nil {
			existing, ok := s.instances[cs.Instance.ID]
			if err := checkVersion(ok, existing.Version, cs.Instance.Version); err != nil {
				return fmt.Errorf("instance %d: %w", cs.Instance.ID, err)
			}
		}
		for _, ns := range cs.NodeStates {
			existing, ok := s.nodeStates[ns.InstanceID][ns.ID]
			if err := checkVersion(ok, existing.Version, ns.Version); err != nil {
				return fmt.Errorf("node state %s: %w", ns.ID, err)
			}
		}

		if cs.Instance != nil {
			inst := cs.Instance.Clone()
			inst.Version++
			s.instances[inst.ID] = inst
		}
		for _, ns := range cs.NodeStates {
			stored := ns.Clone()
			stored.Version++
			states, ok := s.nodeStates[ns.InstanceID]
			if !ok {
				states = make(map[string]types.NodeState)
				s.nodeStates[ns.InstanceID] = states
			}
			if _, exists := states[ns.ID]; !exists {
				s.nodeOrder[ns.InstanceID] = append(s.nodeOrder[ns.InstanceID], ns.ID)
			}
			states[ns.ID] = stored
		}
		return nil
	})
}

// checkVersion compares the stored version with the one the caller loaded.
func checkVersion(exists bool, stored, expected int64) error {
	switch {
	case expected == 0 && exists:
		return fmt.Errorf("%w: already exists", ErrVersionConflict)
	case expected != 0 && !exists:
		return fmt.Errorf("%w: missing", ErrVersionConflict)
	case expected != 0 && stored != expected:
		return fmt.Errorf("%w: stored %d, expected %d", ErrVersionConflict, stored, expected)
	}
	return nil
}

// ListSuspendedWithEscalation scans every node state.
func (s *MemoryStorage) ListSuspendedWithEscalation(ctx context.Context) ([]types.NodeStateRef, error) {
	return withContext(ctx, func() ([]types.NodeStateRef, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		ids := make([]uint64, 0, len(s.nodeOrder))
		for id := range s.nodeOrder {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		var refs []types.NodeStateRef
		for _, instanceID := range ids {
			if s.instances[instanceID].State != types.RouteRunning {
				continue
			}
			for _, id := range s.nodeOrder[instanceID] {
				if ns := s.nodeStates[instanceID][id]; escalationCandidate(ns) {
					refs = append(refs, ns.Ref())
				}
			}
		}
		return refs, nil
	})
}

// ExecutionLog returns the rule executions of a node state.
func (s *MemoryStorage) ExecutionLog(ctx context.Context, nodeStateID string) (map[string]types.RuleExecution, error) {
	return withContext(ctx, func() (map[string]types.RuleExecution, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make(map[string]types.RuleExecution, len(s.executions[nodeStateID]))
		for id, rec := range s.executions[nodeStateID] {
			rec.Fired = append([]time.Time(nil), rec.Fired...)
			out[id] = rec
		}
		return out, nil
	})
}

// RecordExecution appends a firing to the rule log.
func (s *MemoryStorage) RecordExecution(ctx context.Context, nodeStateID, ruleID string, at time.Time, exclusive bool) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		log, ok := s.executions[nodeStateID]
		if !ok {
			log = make(map[string]types.RuleExecution)
			s.executions[nodeStateID] = log
		}
		rec, err := appendFiring(log[ruleID], nodeStateID, ruleID, at, exclusive)
		if err != nil {
			return err
		}
		log[ruleID] = rec
		return nil
	})
}

// ReleaseExecution clears the latch of a rule.
func (s *MemoryStorage) ReleaseExecution(ctx context.Context, nodeStateID, ruleID string) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if rec, ok := s.executions[nodeStateID][ruleID]; ok {
			rec.Latched = false
			s.executions[nodeStateID][ruleID] = rec
		}
		return nil
	})
}

// DeleteInstance removes an instance and everything it owns.
func (s *MemoryStorage) DeleteInstance(ctx context.Context, id uint64) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.instances[id]; !ok {
			return fmt.Errorf("%w: id=%d", ErrNotFound, id)
		}
		for nsID := range s.nodeStates[id] {
			delete(s.executions, nsID)
		}
		delete(s.instances, id)
		delete(s.nodeStates, id)
		delete(s.nodeOrder, id)
		return nil
	})
}

// appendFiring applies one firing to an execution record.
func appendFiring(rec types.RuleExecution, nodeStateID, ruleID string, at time.Time, exclusive bool) (types.RuleExecution, error) {
	if exclusive && rec.Count() > 0 {
		return rec, fmt.Errorf("%w: rule %s on node state %s", ErrAlreadyRecorded, ruleID, nodeStateID)
	}
	rec.NodeStateID = nodeStateID
	rec.RuleID = ruleID
	rec.Fired = append(rec.Fired, at)
	rec.Latched = true
	return rec, nil
}
