package workflow

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/songzhibin97/route-engine/events"
)

const (
	// DefaultMaxHops bounds one drive-forward invocation.
	DefaultMaxHops = 100
	// DefaultConflictRetries bounds the retries of an operation that lost a
	// version race.
	DefaultConflictRetries = 10
	// DefaultDefinitionCacheTTL is how long a loaded definition is reused.
	DefaultDefinitionCacheTTL = 5 * time.Minute
)

// Option configures a WorkflowEngine.
type Option func(*WorkflowEngine)

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *WorkflowEngine) {
		e.logger = logger
	}
}

// WithClock sets the clock used for timestamps and due dates.
func WithClock(c clock.Clock) Option {
	return func(e *WorkflowEngine) {
		e.clock = c
	}
}

// WithMaxHops sets the hop bound of the drive-forward loop.
func WithMaxHops(n int) Option {
	return func(e *WorkflowEngine) {
		if n > 0 {
			e.maxHops = n
		}
	}
}

// WithAssigneeResolver replaces the default assignee resolution.
func WithAssigneeResolver(r AssigneeResolver) Option {
	return func(e *WorkflowEngine) {
		e.resolver = r
	}
}

// WithEventBus sets the bus events are published on after each commit.
func WithEventBus(bus *events.EventBus) Option {
	return func(e *WorkflowEngine) {
		e.eventBus = bus
	}
}

// WithDefinitionCacheTTL sets how long definitions stay cached.
func WithDefinitionCacheTTL(ttl time.Duration) Option {
	return func(e *WorkflowEngine) {
		e.cacheTTL = ttl
	}
}

// WithConflictRetries sets how many times an operation is retried after a
// version conflict.
func WithConflictRetries(n int) Option {
	return func(e *WorkflowEngine) {
		if n >= 0 {
			e.conflictRetries = n
		}
	}
}

// WithTracerProvider sets the provider of the engine tracer.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *WorkflowEngine) {
		e.tracer = tp.Tracer(tracerName)
	}
}
