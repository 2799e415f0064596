package workflow

import (
	"context"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/songzhibin97/route-engine/storage"
	"github.com/songzhibin97/route-engine/types"
)

// ListInstances returns the instances matching filter, e.g. the running
// routes launched by one initiator.
func (e *WorkflowEngine) ListInstances(ctx context.Context, filter storage.InstanceFilter) ([]types.RouteInstance, error) {
	return e.storage.ListInstances(ctx, filter)
}

// CleanupTerminated deletes done and canceled instances with their node
// states and execution logs. A limit of zero removes all of them. It returns
// how many instances were removed.
func (e *WorkflowEngine) CleanupTerminated(ctx context.Context, limit int) (int, error) {
	var terminal []types.RouteInstance
	for _, state := range []string{types.RouteDone, types.RouteCanceled} {
		list, err := e.storage.ListInstances(ctx, storage.InstanceFilter{State: state})
		if err != nil {
			return 0, err
		}
		terminal = append(terminal, list...)
	}

	var errs error
	removed := 0
	for _, inst := range terminal {
		if limit > 0 && removed >= limit {
			break
		}
		if err := e.storage.DeleteInstance(ctx, inst.ID); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		removed++
	}
	e.logger.Info("terminated instances removed", zap.Int("removed", removed), zap.Error(errs))
	return removed, errs
}
