package workflow

import "context"

// Action is the work attached to an automatic, fork or start node.
//
// The context holds the evaluation variables of the node. A map result is
// merged into the workflow variables; any other non-nil result is stored
// under "result".
type Action interface {
	Execute(ctx context.Context, context map[string]interface{}) (interface{}, error)
}

// ActionFunc is a function adapter for Action.
type ActionFunc func(ctx context.Context, context map[string]interface{}) (interface{}, error)

// Execute implements the Action interface.
func (f ActionFunc) Execute(ctx context.Context, context map[string]interface{}) (interface{}, error) {
	return f(ctx, context)
}
