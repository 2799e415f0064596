package escalation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/songzhibin97/route-engine/events"
	"github.com/songzhibin97/route-engine/storage"
	"github.com/songzhibin97/route-engine/types"
	"github.com/songzhibin97/route-engine/workflow"
)

const tracerName = "github.com/songzhibin97/route-engine/escalation"

const (
	// DefaultInterval is the period between two scans.
	DefaultInterval = time.Minute
	// DefaultWorkers bounds the node states evaluated in parallel.
	DefaultWorkers = 8
)

var (
	// ErrUnknownAction is returned when a rule names an action that is not registered.
	ErrUnknownAction = errors.New("unknown escalation action")
	// ErrSystemCallerRequired is returned when a scan is requested by a
	// non-system caller.
	ErrSystemCallerRequired = errors.New("system caller required")
	// ErrAlreadyStarted is returned by Start on a running scheduler.
	ErrAlreadyStarted = errors.New("scheduler already started")
)

// Report summarizes one scan.
type Report struct {
	Nodes  int
	Fired  int
	Failed int
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the scan period.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithWorkers sets how many node states are evaluated in parallel.
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithLogger sets the scheduler logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithClock sets the clock used for evaluation and execution records.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

// Scheduler periodically scans suspended node states with escalation rules
// and runs the rules that are eligible.
//
// A rule action runs before its execution is recorded, so a crash between
// the two runs it again on the next scan. Several schedulers may scan the
// same store; exclusive records keep once rules from being recorded twice.
type Scheduler struct {
	engine    *workflow.WorkflowEngine
	store     storage.Storage
	evaluator *Evaluator
	actions   map[string]Action
	mu        sync.RWMutex
	interval  time.Duration
	workers   int
	logger    *zap.Logger
	clock     clock.Clock
	id        string

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a scheduler over the engine and its store, with the
// resume, reassign and notify actions registered.
func NewScheduler(engine *workflow.WorkflowEngine, opts ...Option) *Scheduler {
	s := &Scheduler{
		engine:   engine,
		store:    engine.Storage(),
		actions:  make(map[string]Action),
		interval: DefaultInterval,
		workers:  DefaultWorkers,
		logger:   zap.NewNop(),
		clock:    engine.Clock(),
		id:       uuid.NewString(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("scheduler", s.id))
	s.evaluator = NewEvaluator(engine.Evaluator(), s.logger)

	s.actions[ActionResume] = ActionFunc(resumeAction)
	s.actions[ActionReassign] = ActionFunc(reassignAction)
	s.actions[ActionNotify] = ActionFunc(notifyAction)
	return s
}

// RegisterAction registers or replaces an escalation action.
func (s *Scheduler) RegisterAction(name string, action Action) error {
	if name == "" || action == nil {
		return errors.New("name and action are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[name] = action
	return nil
}

func (s *Scheduler) action(name string) (Action, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.actions[name]
	return a, ok
}

// Start runs a scan every interval until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	logger := cronLogger{s.logger.Sugar()}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.SkipIfStillRunning(logger), cron.Recover(logger)),
	)
	if _, err := c.AddFunc("@every "+s.interval.String(), func() {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("escalation scan failed", zap.Error(err))
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("failed to schedule escalation scan: %w", err)
	}

	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	c.Start()
	go func() {
		defer close(done)
		<-ctx.Done()
		<-c.Stop().Done()
	}()

	s.logger.Info("escalation scheduler started",
		zap.Duration("interval", s.interval),
		zap.Int("workers", s.workers),
	)
	return nil
}

// Stop stops the periodic scan and waits for a running scan to finish.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("escalation scheduler stopped")
}

// RunOnce scans every suspended node state with escalation rules and runs
// the eligible rules. Failures of single rules or nodes are logged and
// counted; only a failing scan is returned as an error.
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "RunOnce")
	defer span.End()

	refs, err := s.ListSuspendedNodesWithEscalation(ctx, types.SystemCaller())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Report{}, err
	}

	var fired, failed int64
	var g errgroup.Group
	g.SetLimit(s.workers)
	for _, ref := range refs {
		ref := ref
		g.Go(func() error {
			n, err := s.process(ctx, ref)
			atomic.AddInt64(&fired, int64(n))
			if err != nil {
				atomic.AddInt64(&failed, int64(len(multierr.Errors(err))))
				s.logger.Warn("escalation failed",
					zap.Uint64("instance", ref.InstanceID),
					zap.String("node", ref.NodeID),
					zap.String("node_state", ref.NodeStateID),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	report := Report{Nodes: len(refs), Fired: int(fired), Failed: int(failed)}
	span.SetAttributes(
		attribute.Int("nodes", report.Nodes),
		attribute.Int("fired", report.Fired),
		attribute.Int("failed", report.Failed),
	)
	if report.Nodes > 0 {
		s.logger.Debug("escalation scan done",
			zap.Int("nodes", report.Nodes),
			zap.Int("fired", report.Fired),
			zap.Int("failed", report.Failed),
		)
	}
	return report, nil
}

// process runs the eligible rules of one node state in definition order.
func (s *Scheduler) process(ctx context.Context, ref types.NodeStateRef) (int, error) {
	eligible, err := s.ComputeEscalationRulesToExecute(ctx, ref)
	if err != nil {
		return 0, err
	}
	var errs error
	fired := 0
	for _, rule := range eligible {
		ran, err := s.execute(ctx, types.SystemCaller(), rule, ref)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("rule %s: %w", rule.ID, err))
			continue
		}
		if ran {
			fired++
		}
	}
	return fired, errs
}

// ListSuspendedNodesWithEscalation returns the suspended node states of
// running instances whose node declares escalation rules. The scan ignores
// per-user access and requires the system caller.
func (s *Scheduler) ListSuspendedNodesWithEscalation(ctx context.Context, caller types.Caller) ([]types.NodeStateRef, error) {
	if !caller.System {
		return nil, fmt.Errorf("%w: %s", ErrSystemCallerRequired, caller.Principal)
	}
	refs, err := s.store.ListSuspendedWithEscalation(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list suspended node states: %w", err)
	}
	return refs, nil
}

// ComputeEscalationRulesToExecute returns the rules of a node state that may
// fire now, and clears the latch of while-condition-true rules whose
// condition no longer holds. Node states that are no longer suspended, or
// whose instance stopped running, have no eligible rule.
func (s *Scheduler) ComputeEscalationRulesToExecute(ctx context.Context, ref types.NodeStateRef) ([]types.EscalationRule, error) {
	inst, ns, err := s.load(ctx, ref)
	if err != nil || !live(inst, ns) {
		return nil, err
	}
	def, err := s.engine.Definition(ctx, inst.DefinitionID)
	if err != nil {
		return nil, err
	}
	log, err := s.store.ExecutionLog(ctx, ns.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read execution log of %s: %w", ns.ID, err)
	}

	res := s.evaluator.Evaluate(def, inst, ns, log, s.clock.Now())
	var errs error
	for _, ruleID := range res.Released {
		errs = multierr.Append(errs, s.store.ReleaseExecution(ctx, ns.ID, ruleID))
	}
	return res.Eligible, errs
}

// ScheduleExecution runs a rule on a node state and records the execution.
// It does nothing when the node state is no longer suspended.
func (s *Scheduler) ScheduleExecution(ctx context.Context, caller types.Caller, rule types.EscalationRule, ref types.NodeStateRef) error {
	_, err := s.execute(ctx, caller, rule, ref)
	return err
}

func (s *Scheduler) execute(ctx context.Context, caller types.Caller, rule types.EscalationRule, ref types.NodeStateRef) (bool, error) {
	inst, ns, err := s.load(ctx, ref)
	if err != nil {
		return false, err
	}
	if !live(inst, ns) {
		s.logger.Debug("escalation skipped, node moved on",
			zap.Uint64("instance", ref.InstanceID),
			zap.String("node_state", ref.NodeStateID),
			zap.String("rule", rule.ID),
		)
		return false, nil
	}
	action, ok := s.action(rule.Action)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownAction, rule.Action)
	}

	err = action.Execute(ctx, Target{Engine: s.engine, Rule: rule, Instance: inst, NodeState: ns, Caller: caller})
	if errors.Is(err, workflow.ErrNodeNotSuspended) {
		// a node still live after the action did not lose a race
		if inst, ns, lerr := s.load(ctx, ref); lerr == nil && live(inst, ns) {
			return false, fmt.Errorf("action %s on node %s: %w", rule.Action, ns.NodeID, err)
		}
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("action %s: %w", rule.Action, err)
	}

	now := s.clock.Now()
	exclusive := rule.EffectivePolicy() == types.PolicyOnce
	if err := s.store.RecordExecution(ctx, ns.ID, rule.ID, now, exclusive); errors.Is(err, storage.ErrAlreadyRecorded) {
		s.logger.Debug("escalation already recorded by another scheduler",
			zap.String("node_state", ns.ID),
			zap.String("rule", rule.ID),
		)
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("failed to record execution: %w", err)
	}

	s.engine.Publish(ctx, events.Event{
		Type:        events.EscalationFired,
		InstanceID:  inst.ID,
		NodeID:      ns.NodeID,
		NodeStateID: ns.ID,
		Actor:       caller.Principal,
		At:          now,
		Data:        map[string]interface{}{"rule": rule.ID, "action": rule.Action},
	})
	s.logger.Info("escalation fired",
		zap.Uint64("instance", inst.ID),
		zap.String("node", ns.NodeID),
		zap.String("rule", rule.ID),
		zap.String("action", rule.Action),
	)
	return true, nil
}

func (s *Scheduler) load(ctx context.Context, ref types.NodeStateRef) (types.RouteInstance, types.NodeState, error) {
	inst, err := s.engine.Instance(ctx, ref.InstanceID)
	if err != nil {
		return types.RouteInstance{}, types.NodeState{}, err
	}
	ns, err := s.engine.NodeState(ctx, ref.InstanceID, ref.NodeStateID)
	if err != nil {
		return types.RouteInstance{}, types.NodeState{}, err
	}
	return inst, ns, nil
}

func live(inst types.RouteInstance, ns types.NodeState) bool {
	return inst.State == types.RouteRunning && ns.State == types.NodeSuspended
}

// cronLogger routes cron's own logging to zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
