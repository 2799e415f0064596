package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/route-engine/types"
)

var baseTime = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// Helper function to create a sample definition
func newDefinition(id string) types.Definition {
	return types.Definition{
		ID:   id,
		Name: "Test Route",
		Nodes: []types.NodeDefinition{
			{ID: "start", Kind: types.KindStart, Transitions: []types.Transition{{Target: "end"}}},
			{ID: "end", Kind: types.KindEnd},
		},
	}
}

// Helper function to create a sample instance
func newInstance(id uint64, state string) types.RouteInstance {
	return types.RouteInstance{
		ID:           id,
		DefinitionID: "review",
		Target:       "doc-1",
		Variables:    map[string]interface{}{"key": "value"},
		State:        state,
		Initiator:    "alice",
		CreatedAt:    baseTime,
	}
}

// Helper function to create a sample node state
func newNodeState(instanceID uint64, id, state string) types.NodeState {
	return types.NodeState{
		ID:            id,
		InstanceID:    instanceID,
		NodeID:        "taskA",
		Kind:          types.KindTask,
		State:         state,
		HasEscalation: true,
		StartedAt:     baseTime,
		Tasks: []types.Task{
			{ID: 7, NodeStateID: id, Assignees: []string{"bob"}, CreatedAt: baseTime},
		},
	}
}

// runStorageSuite exercises the behaviour every Storage implementation shares.
func runStorageSuite(t *testing.T, newStore func(t *testing.T) Storage) {
	ctx := context.Background()

	t.Run("SaveAndGetDefinition", func(t *testing.T) {
		store := newStore(t)
		def := newDefinition("review")
		require.NoError(t, store.SaveDefinition(ctx, def))

		got, err := store.GetDefinition(ctx, "review")
		require.NoError(t, err)
		assert.Equal(t, def, got)

		_, err = store.GetDefinition(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("CommitCreatesRecords", func(t *testing.T) {
		store := newStore(t)
		inst := newInstance(1, types.RouteRunning)
		err := store.Commit(ctx, Changeset{
			Instance:   &inst,
			NodeStates: []types.NodeState{newNodeState(1, "b", types.NodeSuspended)},
		})
		require.NoError(t, err)
		require.NoError(t, store.Commit(ctx, Changeset{NodeStates: []types.NodeState{newNodeState(1, "a", types.NodeReady)}}))
		require.NoError(t, store.Commit(ctx, Changeset{NodeStates: []types.NodeState{newNodeState(1, "c", types.NodeReady)}}))

		got, err := store.GetInstance(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Version)
		assert.Equal(t, "value", got.Variables["key"])
		assert.Equal(t, "alice", got.Initiator)

		ns, err := store.GetNodeState(ctx, 1, "b")
		require.NoError(t, err)
		assert.Equal(t, int64(1), ns.Version)
		require.Len(t, ns.Tasks, 1)
		assert.Equal(t, []string{"bob"}, ns.Tasks[0].Assignees)

		states, err := store.ListNodeStates(ctx, 1)
		require.NoError(t, err)
		var ids []string
		for _, s := range states {
			ids = append(ids, s.ID)
		}
		assert.Equal(t, []string{"b", "a", "c"}, ids)

		_, err = store.GetInstance(ctx, 2)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.GetNodeState(ctx, 1, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("CommitVersionConflicts", func(t *testing.T) {
		store := newStore(t)
		inst := newInstance(1, types.RouteRunning)
		ns := newNodeState(1, "n1", types.NodeSuspended)
		require.NoError(t, store.Commit(ctx, Changeset{Instance: &inst, NodeStates: []types.NodeState{ns}}))

		// creating again collides
		err := store.Commit(ctx, Changeset{NodeStates: []types.NodeState{ns}})
		assert.ErrorIs(t, err, ErrVersionConflict)

		// updating a record that was never created
		ghost := newNodeState(1, "ghost", types.NodeReady)
		ghost.Version = 3
		err = store.Commit(ctx, Changeset{NodeStates: []types.NodeState{ghost}})
		assert.ErrorIs(t, err, ErrVersionConflict)

		loaded, err := store.GetNodeState(ctx, 1, "n1")
		require.NoError(t, err)
		loaded.State = types.NodeEnded
		require.NoError(t, store.Commit(ctx, Changeset{NodeStates: []types.NodeState{loaded}}))

		// the same stale copy cannot be written twice
		err = store.Commit(ctx, Changeset{NodeStates: []types.NodeState{loaded}})
		assert.ErrorIs(t, err, ErrVersionConflict)

		// a failing node state aborts the instance write as well
		current, err := store.GetInstance(ctx, 1)
		require.NoError(t, err)
		current.State = types.RouteDone
		err = store.Commit(ctx, Changeset{Instance: &current, NodeStates: []types.NodeState{loaded}})
		assert.ErrorIs(t, err, ErrVersionConflict)

		after, err := store.GetInstance(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, types.RouteRunning, after.State)
		assert.Equal(t, int64(1), after.Version)
	})

	t.Run("ConcurrentUpdatesOneWins", func(t *testing.T) {
		store := newStore(t)
		inst := newInstance(1, types.RouteRunning)
		require.NoError(t, store.Commit(ctx, Changeset{Instance: &inst}))
		loaded, err := store.GetInstance(ctx, 1)
		require.NoError(t, err)

		var wins int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				update := loaded.Clone()
				update.Variables["touched"] = "yes"
				if err := store.Commit(ctx, Changeset{Instance: &update}); err == nil {
					atomic.AddInt32(&wins, 1)
				} else {
					assert.ErrorIs(t, err, ErrVersionConflict)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins)
	})

	t.Run("ListSuspendedWithEscalation", func(t *testing.T) {
		store := newStore(t)
		inst := newInstance(1, types.RouteRunning)
		noRules := newNodeState(1, "n2", types.NodeSuspended)
		noRules.HasEscalation = false
		require.NoError(t, store.Commit(ctx, Changeset{
			Instance: &inst,
			NodeStates: []types.NodeState{
				newNodeState(1, "n1", types.NodeSuspended),
				noRules,
				newNodeState(1, "n3", types.NodeReady),
			},
		}))

		refs, err := store.ListSuspendedWithEscalation(ctx)
		require.NoError(t, err)
		assert.Equal(t, []types.NodeStateRef{{InstanceID: 1, NodeStateID: "n1", NodeID: "taskA"}}, refs)

		ns, err := store.GetNodeState(ctx, 1, "n1")
		require.NoError(t, err)
		ns.State = types.NodeEnded
		require.NoError(t, store.Commit(ctx, Changeset{NodeStates: []types.NodeState{ns}}))

		refs, err = store.ListSuspendedWithEscalation(ctx)
		require.NoError(t, err)
		assert.Empty(t, refs)
	})

	t.Run("ExecutionLog", func(t *testing.T) {
		store := newStore(t)

		require.NoError(t, store.RecordExecution(ctx, "n1", "remind", baseTime, true))
		err := store.RecordExecution(ctx, "n1", "remind", baseTime.Add(time.Minute), true)
		assert.ErrorIs(t, err, ErrAlreadyRecorded)

		require.NoError(t, store.RecordExecution(ctx, "n1", "nag", baseTime, false))
		require.NoError(t, store.RecordExecution(ctx, "n1", "nag", baseTime.Add(time.Minute), false))

		log, err := store.ExecutionLog(ctx, "n1")
		require.NoError(t, err)
		assert.Equal(t, 1, log["remind"].Count())
		assert.Equal(t, 2, log["nag"].Count())
		assert.True(t, log["nag"].Latched)
		assert.Equal(t, "nag", log["nag"].RuleID)

		require.NoError(t, store.ReleaseExecution(ctx, "n1", "nag"))
		log, err = store.ExecutionLog(ctx, "n1")
		require.NoError(t, err)
		assert.False(t, log["nag"].Latched)
		assert.Equal(t, 2, log["nag"].Count())

		empty, err := store.ExecutionLog(ctx, "other")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("ListInstances", func(t *testing.T) {
		store := newStore(t)
		for i, state := range []string{types.RouteRunning, types.RouteDone, types.RouteCanceled, types.RouteRunning} {
			inst := newInstance(uint64(i+1), state)
			require.NoError(t, store.Commit(ctx, Changeset{Instance: &inst}))
		}

		all, err := store.ListInstances(ctx, InstanceFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 4)

		running, err := store.ListInstances(ctx, InstanceFilter{State: types.RouteRunning})
		require.NoError(t, err)
		require.Len(t, running, 2)
		assert.Equal(t, uint64(1), running[0].ID)
		assert.Equal(t, uint64(4), running[1].ID)

		none, err := store.ListInstances(ctx, InstanceFilter{Initiator: "mallory"})
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("DeleteInstance", func(t *testing.T) {
		store := newStore(t)
		inst := newInstance(1, types.RouteDone)
		require.NoError(t, store.Commit(ctx, Changeset{
			Instance:   &inst,
			NodeStates: []types.NodeState{newNodeState(1, "n1", types.NodeSuspended)},
		}))
		require.NoError(t, store.RecordExecution(ctx, "n1", "remind", baseTime, true))

		require.NoError(t, store.DeleteInstance(ctx, 1))

		_, err := store.GetInstance(ctx, 1)
		assert.ErrorIs(t, err, ErrNotFound)
		states, err := store.ListNodeStates(ctx, 1)
		require.NoError(t, err)
		assert.Empty(t, states)
		log, err := store.ExecutionLog(ctx, "n1")
		require.NoError(t, err)
		assert.Empty(t, log)
		refs, err := store.ListSuspendedWithEscalation(ctx)
		require.NoError(t, err)
		assert.Empty(t, refs)

		assert.ErrorIs(t, store.DeleteInstance(ctx, 1), ErrNotFound)
	})

	t.Run("ContextCancellation", func(t *testing.T) {
		store := newStore(t)
		cctx, cancel := context.WithCancel(context.Background())
		cancel() // Cancel immediately

		err := store.SaveDefinition(cctx, newDefinition("review"))
		assert.ErrorIs(t, err, context.Canceled)

		_, err = store.GetDefinition(cctx, "review")
		assert.ErrorIs(t, err, context.Canceled)

		inst := newInstance(1, types.RouteRunning)
		err = store.Commit(cctx, Changeset{Instance: &inst})
		assert.ErrorIs(t, err, context.Canceled)

		_, err = store.GetInstance(cctx, 1)
		assert.ErrorIs(t, err, context.Canceled)

		err = store.RecordExecution(cctx, "n1", "remind", baseTime, true)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestChangesetEmpty(t *testing.T) {
	assert.True(t, Changeset{}.Empty())
	inst := newInstance(1, types.RouteRunning)
	assert.False(t, Changeset{Instance: &inst}.Empty())
}

func TestCheckVersion(t *testing.T) {
	tests := []struct {
		name     string
		exists   bool
		stored   int64
		expected int64
		wantErr  bool
	}{
		{"create", false, 0, 0, false},
		{"create existing", true, 1, 0, true},
		{"update missing", false, 0, 2, true},
		{"update current", true, 2, 2, false},
		{"update stale", true, 3, 2, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkVersion(tt.exists, tt.stored, tt.expected)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrVersionConflict)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
