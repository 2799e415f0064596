package workflow

import (
	"errors"

	"github.com/songzhibin97/route-engine/graph"
	"github.com/songzhibin97/route-engine/ledger"
	"github.com/songzhibin97/route-engine/rules"
)

// Standard error definitions
var (
	ErrDefinitionInvalid   = graph.ErrDefinitionInvalid
	ErrNoTransition        = graph.ErrNoTransition
	ErrInvalidExpression   = rules.ErrInvalidExpression
	ErrUnknownTask         = ledger.ErrUnknownTask
	ErrDefinitionNotFound  = errors.New("definition not found")
	ErrInstanceNotFound    = errors.New("instance not found")
	ErrUnknownNode         = errors.New("unknown node")
	ErrNodeNotSuspended    = errors.New("node is not suspended")
	ErrInstanceTerminal    = errors.New("instance is terminal")
	ErrGraphCycleDetected  = errors.New("graph cycle detected")
	ErrActionNotRegistered = errors.New("action not registered")
	ErrReassignNotAllowed  = errors.New("reassignment not allowed")
	ErrCancelNotAllowed    = errors.New("task cancellation not allowed")
)
