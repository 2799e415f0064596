package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/route-engine/types"
)

func TestMemoryStorage(t *testing.T) {
	runStorageSuite(t, func(t *testing.T) Storage {
		return NewMemoryStorage()
	})

	t.Run("ReturnsCopies", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()
		inst := newInstance(1, types.RouteRunning)
		ns := newNodeState(1, "n1", types.NodeSuspended)
		require.NoError(t, store.Commit(ctx, Changeset{Instance: &inst, NodeStates: []types.NodeState{ns}}))

		// mutating the caller's copy after commit must not leak into the store
		inst.Variables["key"] = "changed"
		ns.Tasks[0].Assignees[0] = "mallory"

		got, err := store.GetInstance(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "value", got.Variables["key"])
		got.Variables["key"] = "again"

		again, err := store.GetInstance(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "value", again.Variables["key"])

		state, err := store.GetNodeState(ctx, 1, "n1")
		require.NoError(t, err)
		assert.Equal(t, "bob", state.Tasks[0].Assignees[0])
	})

	t.Run("EscalationSkipsTerminalInstances", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()
		inst := newInstance(1, types.RouteCanceled)
		require.NoError(t, store.Commit(ctx, Changeset{
			Instance:   &inst,
			NodeStates: []types.NodeState{newNodeState(1, "n1", types.NodeSuspended)},
		}))

		refs, err := store.ListSuspendedWithEscalation(ctx)
		require.NoError(t, err)
		assert.Empty(t, refs)
	})
}
