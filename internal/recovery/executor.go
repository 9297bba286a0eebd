package recovery

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/memoright/memoright-ops/internal/observability"
	"github.com/memoright/memoright-ops/model"
)

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutionLock guards executions with lock in addition to the
// in-memory IN_PROGRESS check.
func WithExecutionLock(lock ExecutionLock) ExecutorOption {
	return func(x *Executor) { x.lock = lock }
}

// WithDefaultStepTimeout bounds every handler call that does not declare
// its own timeout. Zero means no deadline.
func WithDefaultStepTimeout(d time.Duration) ExecutorOption {
	return func(x *Executor) { x.defaultStepTimeout = d }
}

// Executor runs a plan's steps in order with dependency gating, persisting
// the plan after every transition and publishing an event for each.
//
// Cancellation is cooperative: Cancel marks the plan CANCELLED but does not
// interrupt a handler that is already running. Its result is discarded when
// it returns.
type Executor struct {
	registry           *Registry
	handlers           *HandlerRegistry
	events             *EventBus
	lock               ExecutionLock
	logger             *zap.Logger
	defaultStepTimeout time.Duration

	background sync.WaitGroup
}

// NewExecutor creates an executor over the plans held by registry.
func NewExecutor(registry *Registry, handlers *HandlerRegistry, events *EventBus, logger *zap.Logger, opts ...ExecutorOption) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if events == nil {
		events = NewEventBus()
	}
	x := &Executor{
		registry: registry,
		handlers: handlers,
		events:   events,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Execute runs the plan to completion or first failure and returns its final
// state. A handler error marks the step and the plan FAILED and is returned
// as a STEP_EXECUTION_FAILED error alongside the failed plan. If the plan is
// cancelled while a handler is running, the cancelled plan is returned with
// a nil error.
func (x *Executor) Execute(ctx context.Context, planID, triggeredBy string, trigger model.TriggerType) (plan model.Plan, err error) {
	ctx, span := startExecuteSpan(ctx, planID, triggeredBy, trigger)
	defer func() {
		span.SetAttributes(observability.AttrStatus.String(string(plan.Status)))
		observability.EndSpanWithError(span, err)
	}()

	ex, err := x.begin(ctx, planID, triggeredBy, trigger)
	if err != nil {
		return model.Plan{}, err
	}
	defer ex.release(ctx)
	return x.run(ctx, ex)
}

// Start begins executing the plan in the background and returns it as soon
// as it is IN_PROGRESS. The execution is detached from ctx cancellation.
// Errors that prevent the start are returned exactly as Execute would.
func (x *Executor) Start(ctx context.Context, planID, triggeredBy string, trigger model.TriggerType) (model.Plan, error) {
	ctx, span := startExecuteSpan(context.WithoutCancel(ctx), planID, triggeredBy, trigger)

	ex, err := x.begin(ctx, planID, triggeredBy, trigger)
	if err != nil {
		observability.EndSpanWithError(span, err)
		return model.Plan{}, err
	}

	x.background.Add(1)
	go func() {
		defer x.background.Done()
		plan, err := x.run(ctx, ex)
		ex.release(ctx)
		span.SetAttributes(observability.AttrStatus.String(string(plan.Status)))
		observability.EndSpanWithError(span, err)
	}()
	return ex.started, nil
}

// Wait blocks until executions begun by Start have returned or ctx is done.
func (x *Executor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		x.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func startExecuteSpan(ctx context.Context, planID, triggeredBy string, trigger model.TriggerType) (context.Context, trace.Span) {
	if trigger == "" {
		trigger = model.TriggerManual
	}
	return observability.StartSpan(ctx, "plan.execute",
		observability.AttrPlanID.String(planID),
		observability.AttrTriggerType.String(string(trigger)),
		observability.AttrActor.String(triggeredBy),
	)
}

// execution is one attempt at running a plan, from begin to run.
type execution struct {
	e           *entry
	run         uint64
	order       []int
	index       map[string]int
	triggeredBy string
	logger      *zap.Logger
	started     model.Plan
	unlock      func(context.Context)
}

func (ex *execution) release(ctx context.Context) {
	if ex.unlock != nil {
		ex.unlock(context.WithoutCancel(ctx))
	}
}

// begin resolves the plan, takes the execution lock and moves the plan to
// IN_PROGRESS. The caller must release the returned execution.
func (x *Executor) begin(ctx context.Context, planID, triggeredBy string, trigger model.TriggerType) (*execution, error) {
	if trigger == "" {
		trigger = model.TriggerManual
	}
	logger := observability.RequestLogger(ctx, x.logger).With(zap.String("plan_id", planID))
	ex := &execution{triggeredBy: triggeredBy, logger: logger}

	// 1. Resolve the plan.
	e, ok := x.registry.lookup(planID)
	if !ok {
		return nil, notFound(planID)
	}
	ex.e = e

	// 2. Take the cross-replica lock.
	if x.lock != nil {
		token, acquired, lerr := x.lock.Acquire(ctx, planID)
		if lerr != nil {
			return nil, fmt.Errorf("acquire execution lock for %q: %w", planID, lerr)
		}
		if !acquired {
			return nil, model.NewConflictError(fmt.Sprintf("plan %q is already executing elsewhere", planID))
		}
		stopRefresh := x.keepLock(ctx, logger, planID, token)
		ex.unlock = func(ctx context.Context) {
			stopRefresh()
			if rerr := x.lock.Release(ctx, planID, token); rerr != nil {
				logger.Warn("failed to release execution lock", zap.Error(rerr))
			}
		}
	}

	// 3. Reset and start.
	e.emit.Lock()
	defer e.emit.Unlock()
	e.mu.Lock()
	if e.deleted || e.plan.Status == model.StatusInProgress {
		err := notFound(planID)
		if !e.deleted {
			err = model.NewConflictError(fmt.Sprintf("plan %q is already in progress", planID))
		}
		e.mu.Unlock()
		ex.release(ctx)
		return nil, err
	}
	e.run++
	ex.run = e.run
	now := time.Now().UTC()
	e.plan.Reset()
	e.plan.Status = model.StatusInProgress
	e.plan.StartTime = &now
	e.plan.TriggeredBy = triggeredBy
	e.plan.TriggerType = trigger
	e.plan.UpdatedAt = now
	_ = x.registry.persist(ctx, &e.plan)
	ex.order = stepOrder(e.plan.Steps)
	ex.index = stepIndex(e.plan.Steps)
	trace.SpanFromContext(ctx).SetAttributes(observability.AttrPlanKind.String(e.plan.Kind))
	started := newPlanEvent(&e.plan, model.EventPlanStarted, triggeredBy)
	started.Message = fmt.Sprintf("triggered %s", trigger)
	ex.started = e.plan.Clone()
	e.mu.Unlock()

	logger.Info("plan execution started",
		zap.String("trigger_type", string(trigger)),
		zap.String("triggered_by", triggeredBy),
		zap.Int("steps", len(ex.order)),
	)
	x.events.Publish(ctx, started)
	return ex, nil
}

// keepLock refreshes the execution lock every third of its TTL until the
// returned stop function is called or the lock is lost.
func (x *Executor) keepLock(ctx context.Context, logger *zap.Logger, planID, token string) (stop func()) {
	interval := x.lock.TTL() / 3
	if interval <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			held, err := x.lock.Refresh(ctx, planID, token)
			switch {
			case ctx.Err() != nil:
				return
			case err != nil:
				logger.Warn("failed to refresh execution lock", zap.Error(err))
			case !held:
				logger.Error("execution lock lost while plan is running")
				return
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// run executes the steps of a begun execution and finishes the plan.
func (x *Executor) run(ctx context.Context, ex *execution) (plan model.Plan, err error) {
	e, run, index, triggeredBy, logger := ex.e, ex.run, ex.index, ex.triggeredBy, ex.logger
	planID := ex.started.ID

	// 4. Run steps in order.
	for _, i := range ex.order {
		e.emit.Lock()
		e.mu.Lock()
		if e.run != run || e.plan.Status != model.StatusInProgress {
			plan = e.plan.Clone()
			e.mu.Unlock()
			e.emit.Unlock()
			return plan, nil
		}

		step := &e.plan.Steps[i]
		if missing := unmetDependency(&e.plan, index, step); missing != "" {
			skipped := time.Now().UTC()
			step.Status = model.StatusCancelled
			step.EndTime = &skipped
			e.plan.UpdatedAt = skipped
			_ = x.registry.persist(ctx, &e.plan)
			ev := newStepEvent(&e.plan, step, model.EventStepCancelled, triggeredBy)
			ev.Message = fmt.Sprintf("dependency %q is not completed", missing)
			e.mu.Unlock()

			logger.Info("step skipped, dependency not completed",
				zap.String("step_id", ev.StepID),
				zap.String("dependency", missing),
			)
			x.events.Publish(ctx, ev)
			e.emit.Unlock()
			continue
		}

		stepStart := time.Now().UTC()
		step.Status = model.StatusInProgress
		step.StartTime = &stepStart
		e.plan.UpdatedAt = stepStart
		_ = x.registry.persist(ctx, &e.plan)
		snapshot := *step
		snapshot.Params = maps.Clone(step.Params)
		ev := newStepEvent(&e.plan, step, model.EventStepStarted, triggeredBy)
		e.mu.Unlock()

		x.events.Publish(ctx, ev)
		e.emit.Unlock()

		output, herr := x.runStep(ctx, logger, planID, snapshot)

		e.emit.Lock()
		e.mu.Lock()
		if e.run != run || e.plan.Status != model.StatusInProgress {
			logger.Info("discarding result of step finished after cancellation",
				zap.String("step_id", snapshot.ID),
				zap.Bool("handler_failed", herr != nil),
			)
			plan = e.plan.Clone()
			e.mu.Unlock()
			e.emit.Unlock()
			return plan, nil
		}

		stepEnd := time.Now().UTC()
		step = &e.plan.Steps[i]
		step.EndTime = &stepEnd
		e.plan.UpdatedAt = stepEnd

		if herr != nil {
			step.Status = model.StatusFailed
			step.Error = herr.Error()
			_ = x.registry.persist(ctx, &e.plan)
			stepFailed := newStepEvent(&e.plan, step, model.EventStepFailed, triggeredBy)
			stepFailed.Message = step.Error

			e.plan.Status = model.StatusFailed
			e.plan.EndTime = &stepEnd
			_ = x.registry.persist(ctx, &e.plan)
			planFailed := newPlanEvent(&e.plan, model.EventPlanFailed, triggeredBy)
			planFailed.StepID = step.ID
			planFailed.StepName = step.Name
			planFailed.Message = step.Error
			plan = e.plan.Clone()
			e.mu.Unlock()

			logger.Warn("step failed, plan aborted",
				zap.String("step_id", snapshot.ID),
				zap.Error(herr),
			)
			x.events.Publish(ctx, stepFailed, planFailed)
			e.emit.Unlock()
			return plan, model.NewStepExecutionError(snapshot.ID, herr)
		}

		step.Status = model.StatusCompleted
		step.Output = output
		_ = x.registry.persist(ctx, &e.plan)
		ev = newStepEvent(&e.plan, step, model.EventStepCompleted, triggeredBy)
		ev.Message = output
		e.mu.Unlock()

		x.events.Publish(ctx, ev)
		e.emit.Unlock()
	}

	// 5. Finish.
	e.emit.Lock()
	defer e.emit.Unlock()
	e.mu.Lock()
	if e.run != run || e.plan.Status != model.StatusInProgress {
		plan = e.plan.Clone()
		e.mu.Unlock()
		return plan, nil
	}
	final := model.StatusCompleted
	for _, s := range e.plan.Steps {
		if s.Status != model.StatusCompleted && s.Status != model.StatusCancelled {
			final = model.StatusFailed
			break
		}
	}
	end := time.Now().UTC()
	e.plan.Status = final
	e.plan.EndTime = &end
	e.plan.UpdatedAt = end
	_ = x.registry.persist(ctx, &e.plan)
	evType := model.EventPlanCompleted
	if final == model.StatusFailed {
		evType = model.EventPlanFailed
	}
	done := newPlanEvent(&e.plan, evType, triggeredBy)
	plan = e.plan.Clone()
	e.mu.Unlock()

	logger.Info("plan execution finished",
		zap.String("status", string(final)),
		zap.Duration("duration", done.Duration),
	)
	x.events.Publish(ctx, done)
	return plan, nil
}

// Cancel marks an executing plan and its running step CANCELLED. The
// running handler is not interrupted.
func (x *Executor) Cancel(ctx context.Context, planID, reason, actor string) (plan model.Plan, err error) {
	ctx, span := observability.StartSpan(ctx, "plan.cancel",
		observability.AttrPlanID.String(planID),
		observability.AttrActor.String(actor),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	e, ok := x.registry.lookup(planID)
	if !ok {
		return model.Plan{}, notFound(planID)
	}

	e.emit.Lock()
	defer e.emit.Unlock()
	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return model.Plan{}, notFound(planID)
	}
	if e.plan.Status != model.StatusInProgress {
		status := e.plan.Status
		e.mu.Unlock()
		return model.Plan{}, model.NewConflictError(
			fmt.Sprintf("plan %q is %s, only IN_PROGRESS plans can be cancelled", planID, status),
		)
	}

	now := time.Now().UTC()
	var events []model.PlanEvent
	for i := range e.plan.Steps {
		s := &e.plan.Steps[i]
		if s.Status == model.StatusInProgress {
			s.Status = model.StatusCancelled
			s.EndTime = &now
			ev := newStepEvent(&e.plan, s, model.EventStepCancelled, actor)
			ev.Message = "plan cancelled"
			events = append(events, ev)
		}
	}
	e.plan.Status = model.StatusCancelled
	e.plan.EndTime = &now
	e.plan.UpdatedAt = now
	if e.plan.Metadata == nil {
		e.plan.Metadata = make(map[string]any)
	}
	e.plan.Metadata[model.MetadataCancellationReason] = reason
	_ = x.registry.persist(ctx, &e.plan)
	ev := newPlanEvent(&e.plan, model.EventPlanCancelled, actor)
	ev.Message = reason
	events = append(events, ev)
	plan = e.plan.Clone()
	e.mu.Unlock()

	observability.RequestLogger(ctx, x.logger).Info("plan cancelled",
		zap.String("plan_id", planID),
		zap.String("reason", reason),
	)
	x.events.Publish(ctx, events...)
	return plan, nil
}

// Reset returns a plan that is not executing, and all its steps, to PENDING.
func (x *Executor) Reset(ctx context.Context, planID, actor string) (model.Plan, error) {
	e, ok := x.registry.lookup(planID)
	if !ok {
		return model.Plan{}, notFound(planID)
	}

	e.emit.Lock()
	defer e.emit.Unlock()
	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return model.Plan{}, notFound(planID)
	}
	if e.plan.Status == model.StatusInProgress {
		e.mu.Unlock()
		return model.Plan{}, model.NewConflictError(fmt.Sprintf("plan %q is in progress and cannot be reset", planID))
	}
	e.plan.Reset()
	e.plan.UpdatedAt = time.Now().UTC()
	_ = x.registry.persist(ctx, &e.plan)
	ev := newPlanEvent(&e.plan, model.EventPlanReset, actor)
	plan := e.plan.Clone()
	e.mu.Unlock()

	x.events.Publish(ctx, ev)
	return plan, nil
}

// runStep resolves and invokes the step's handler under the step deadline.
func (x *Executor) runStep(ctx context.Context, logger *zap.Logger, planID string, step model.Step) (out string, err error) {
	ctx, span := observability.StartSpan(ctx, "step.run",
		observability.AttrPlanID.String(planID),
		observability.AttrStepID.String(step.ID),
		observability.AttrHandler.String(step.Handler),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	fn, ok := x.handlers.Lookup(step.Handler)
	if !ok {
		return "", errUnknownHandler(step.Handler)
	}

	timeout := x.defaultStepTimeout
	if step.Timeout != "" {
		d, perr := time.ParseDuration(step.Timeout)
		if perr != nil {
			return "", fmt.Errorf("invalid step timeout %q: %w", step.Timeout, perr)
		}
		timeout = d
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	logger.Debug("running step",
		zap.String("step_id", step.ID),
		zap.String("handler", step.Handler),
		zap.Any("params", observability.RedactBody(step.Params, nil)),
	)
	return callHandler(ctx, fn, step.Params)
}

// callHandler invokes fn, turning a panic into an error.
func callHandler(ctx context.Context, fn HandlerFunc, params map[string]any) (out string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panicked: %v", rec)
		}
	}()
	return fn(ctx, params)
}

// stepOrder returns step indices sorted by Order, keeping declaration order
// for ties.
func stepOrder(steps []model.Step) []int {
	idx := make([]int, len(steps))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return steps[idx[a]].Order < steps[idx[b]].Order })
	return idx
}

func stepIndex(steps []model.Step) map[string]int {
	m := make(map[string]int, len(steps))
	for i, s := range steps {
		m[s.ID] = i
	}
	return m
}

// unmetDependency returns the first dependency of step that is not currently
// COMPLETED, or "" when all are. A dependency naming no step in the plan is
// never satisfied.
func unmetDependency(p *model.Plan, index map[string]int, step *model.Step) string {
	for _, dep := range step.Dependencies {
		i, ok := index[dep]
		if !ok || p.Steps[i].Status != model.StatusCompleted {
			return dep
		}
	}
	return ""
}

func newPlanEvent(p *model.Plan, typ, actor string) model.PlanEvent {
	ev := model.PlanEvent{
		ID:                   uuid.NewString(),
		Type:                 typ,
		PlanID:               p.ID,
		PlanName:             p.Name,
		PlanKind:             p.Kind,
		Priority:             p.Priority,
		TriggerType:          p.TriggerType,
		Status:               p.Status,
		Actor:                actor,
		NotificationChannels: append([]string(nil), p.NotificationChannels...),
		Timestamp:            time.Now().UTC(),
	}
	if p.StartTime != nil && p.EndTime != nil {
		ev.Duration = p.EndTime.Sub(*p.StartTime)
	}
	return ev
}

func newStepEvent(p *model.Plan, s *model.Step, typ, actor string) model.PlanEvent {
	ev := newPlanEvent(p, typ, actor)
	ev.StepID = s.ID
	ev.StepName = s.Name
	ev.Status = s.Status
	ev.Duration = 0
	if s.StartTime != nil && s.EndTime != nil {
		ev.Duration = s.EndTime.Sub(*s.StartTime)
	}
	return ev
}
