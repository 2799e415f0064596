package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/jellydator/ttlcache/v3"
	"github.com/songzhibin97/gkit/generator"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/songzhibin97/route-engine/events"
	"github.com/songzhibin97/route-engine/graph"
	"github.com/songzhibin97/route-engine/rules"
	"github.com/songzhibin97/route-engine/storage"
	"github.com/songzhibin97/route-engine/types"
)

const tracerName = "github.com/songzhibin97/route-engine/workflow"

// WorkflowEngine drives route instances through their definitions.
//
// The engine keeps no per-instance state in memory: every operation loads the
// instance and its node states, applies its changes to a private copy and
// commits them in one versioned changeset, retrying from scratch when another
// operation committed first.
type WorkflowEngine struct {
	actions         map[string]Action
	mu              sync.RWMutex
	evaluator       rules.Evaluator
	storage         storage.Storage
	eventBus        *events.EventBus
	generate        generator.Generator
	resolver        AssigneeResolver
	definitions     *ttlcache.Cache[string, types.Definition]
	cacheTTL        time.Duration
	logger          *zap.Logger
	clock           clock.Clock
	tracer          trace.Tracer
	maxHops         int
	conflictRetries int
}

// NewWorkflowEngine creates a new WorkflowEngine with the given generator,
// storage and evaluator.
func NewWorkflowEngine(generate generator.Generator, store storage.Storage, evaluator rules.Evaluator, opts ...Option) (*WorkflowEngine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}
	if evaluator == nil {
		evaluator = rules.NewExprEvaluator()
	}

	e := &WorkflowEngine{
		actions:         make(map[string]Action),
		evaluator:       evaluator,
		storage:         store,
		generate:        generate,
		cacheTTL:        DefaultDefinitionCacheTTL,
		logger:          zap.NewNop(),
		clock:           clock.New(),
		tracer:          otel.Tracer(tracerName),
		maxHops:         DefaultMaxHops,
		conflictRetries: DefaultConflictRetries,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.resolver == nil {
		e.resolver = expressionResolver{evaluator: e.evaluator}
	}
	e.definitions = ttlcache.New(ttlcache.WithTTL[string, types.Definition](e.cacheTTL))
	return e, nil
}

// Evaluator returns the expression evaluator of the engine.
func (e *WorkflowEngine) Evaluator() rules.Evaluator {
	return e.evaluator
}

// Storage returns the store the engine persists to.
func (e *WorkflowEngine) Storage() storage.Storage {
	return e.storage
}

// Clock returns the clock of the engine.
func (e *WorkflowEngine) Clock() clock.Clock {
	return e.clock
}

// RegisterAction registers an action for automatic, fork and start nodes.
func (e *WorkflowEngine) RegisterAction(name string, action Action) error {
	if name == "" || action == nil {
		return errors.New("name and action are required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.actions[name] = action
	return nil
}

func (e *WorkflowEngine) action(name string) (Action, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.actions[name]
	return a, ok
}

// RegisterDefinition validates and persists a route definition.
func (e *WorkflowEngine) RegisterDefinition(ctx context.Context, def types.Definition) error {
	if err := graph.Validate(def); err != nil {
		return err
	}
	if err := e.storage.SaveDefinition(ctx, def); err != nil {
		return fmt.Errorf("failed to save definition %s: %w", def.ID, err)
	}
	e.definitions.Set(def.ID, def, ttlcache.DefaultTTL)
	e.logger.Info("definition registered", zap.String("definition", def.ID), zap.Int("nodes", len(def.Nodes)))
	return nil
}

// Definition returns a definition, from the cache when possible.
func (e *WorkflowEngine) Definition(ctx context.Context, id string) (types.Definition, error) {
	if item := e.definitions.Get(id); item != nil {
		return item.Value(), nil
	}
	def, err := e.storage.GetDefinition(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return types.Definition{}, fmt.Errorf("%w: %s", ErrDefinitionNotFound, id)
	} else if err != nil {
		return types.Definition{}, fmt.Errorf("failed to get definition %s: %w", id, err)
	}
	e.definitions.Set(id, def, ttlcache.DefaultTTL)
	return def, nil
}

// Instance returns a route instance.
func (e *WorkflowEngine) Instance(ctx context.Context, id uint64) (types.RouteInstance, error) {
	inst, err := e.storage.GetInstance(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return types.RouteInstance{}, fmt.Errorf("%w: %d", ErrInstanceNotFound, id)
	} else if err != nil {
		return types.RouteInstance{}, fmt.Errorf("failed to get instance %d: %w", id, err)
	}
	return inst, nil
}

// NodeStates returns every node state of an instance, oldest first.
func (e *WorkflowEngine) NodeStates(ctx context.Context, instanceID uint64) ([]types.NodeState, error) {
	if _, err := e.Instance(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.storage.ListNodeStates(ctx, instanceID)
}

// NodeState returns one node state of an instance.
func (e *WorkflowEngine) NodeState(ctx context.Context, instanceID uint64, id string) (types.NodeState, error) {
	ns, err := e.storage.GetNodeState(ctx, instanceID, id)
	if errors.Is(err, storage.ErrNotFound) {
		return types.NodeState{}, fmt.Errorf("%w: node state %s of instance %d", ErrUnknownNode, id, instanceID)
	}
	return ns, err
}

// Publish sends an event on the engine's bus, if any.
func (e *WorkflowEngine) Publish(ctx context.Context, event events.Event) {
	e.publish(ctx, []events.Event{event})
}

// publish delivers events after a commit. Failures are logged only.
func (e *WorkflowEngine) publish(ctx context.Context, evs []events.Event) {
	if e.eventBus == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, ev := range evs {
		if err := e.eventBus.Publish(ctx, ev); err != nil && !errors.Is(err, events.ErrNoHandler) {
			e.logger.Warn("failed to publish event",
				zap.String("event", ev.Type),
				zap.Uint64("instance", ev.InstanceID),
				zap.Error(err),
			)
		}
	}
}

func (e *WorkflowEngine) nextID() (uint64, error) {
	id, err := e.generate.NextID()
	if err != nil {
		return 0, fmt.Errorf("failed to generate ID: %w", err)
	}
	return id, nil
}

func (e *WorkflowEngine) nextStateID() (string, error) {
	id, err := e.nextID()
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(id, 10), nil
}

// retryOnConflict runs fn until it succeeds, fails with an error other than
// a version conflict, or the retry budget is spent.
func (e *WorkflowEngine) retryOnConflict(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.conflictRetries)), ctx)
	return backoff.RetryNotify(func() error {
		err := fn()
		if err == nil || errors.Is(err, storage.ErrVersionConflict) {
			return err
		}
		return backoff.Permanent(err)
	}, policy, func(err error, wait time.Duration) {
		e.logger.Debug("version conflict, retrying",
			zap.String("operation", op),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
}

func (e *WorkflowEngine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func spanError(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
