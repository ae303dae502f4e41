package saga

import (
	"context"
	"sync"
	"time"

	"github.com/go-conductor/conductor/log"
	"github.com/go-conductor/conductor/pubsub"
	"github.com/pkg/errors"
)

const (
	defaultSweepInterval = time.Minute
	defaultSweepHorizon  = time.Minute * 5
)

// Orchestrator drives saga executions through their lifecycle: dependency
// ordered parallel step execution, per-step retry with backoff, reverse-order
// compensation on unrecoverable failure.
type Orchestrator interface {
	// Execute runs the saga to a terminal status. At most one logical
	// execution per saga uid is in flight process-wide; a concurrent caller
	// joins the in-flight run and observes its outcome.
	Execute(ctx context.Context, sagaUID string) error
	// Compensate rolls back completed steps in reverse order. fromStep other
	// than "" narrows compensation to that single step only.
	Compensate(ctx context.Context, sagaUID string, fromStep string) error
	// Retry resets a failed step to pending and re-enters execution
	Retry(ctx context.Context, sagaUID, stepID string) error
	Pause(ctx context.Context, sagaUID string) error
	Resume(ctx context.Context, sagaUID string) error
	// Cancel compensates and force-sets the saga to compensated regardless
	// of the compensation outcome
	Cancel(ctx context.Context, sagaUID string) error
	// RecoverInflight re-enters every non-terminal saga, used at process start
	RecoverInflight(ctx context.Context) error

	Start()
	Stop()
}

type Option func(o *options)

type options struct {
	sweepInterval time.Duration
	sweepHorizon  time.Duration
}

// WithRecoverySweep tunes the background sweep that force-compensates sagas
// running longer than horizon. A zero interval disables the sweep; the
// monitor's own timeout policy stays in effect either way.
func WithRecoverySweep(interval, horizon time.Duration) Option {
	return func(o *options) {
		o.sweepInterval = interval
		o.sweepHorizon = horizon
	}
}

func NewOrchestrator(store Store, registry *Registry, bus pubsub.Bus, logger log.Logger, opts ...Option) Orchestrator {
	o := &orchestrator{
		store:    store,
		registry: registry,
		bus:      bus,
		logger:   logger,
		inflight: make(map[string]*inflight),
		options: options{
			sweepInterval: defaultSweepInterval,
			sweepHorizon:  defaultSweepHorizon,
		},
		stopCh: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(&o.options)
	}

	return o
}

type orchestrator struct {
	store    Store
	registry *Registry
	bus      pubsub.Bus
	logger   log.Logger
	options  options

	inflightMutex sync.Mutex
	inflight      map[string]*inflight

	stopOnce sync.Once
	stopCh   chan struct{}
	sweepWg  sync.WaitGroup
}

type inflight struct {
	done chan struct{}
	err  error
}

func (o *orchestrator) Execute(ctx context.Context, sagaUID string) error {
	o.inflightMutex.Lock()

	if run, exists := o.inflight[sagaUID]; exists {
		o.inflightMutex.Unlock()

		select {
		case <-run.done:
			return run.err
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "waiting for in-flight execution of saga %s", sagaUID)
		}
	}

	run := &inflight{done: make(chan struct{})}
	o.inflight[sagaUID] = run
	o.inflightMutex.Unlock()

	run.err = o.run(ctx, sagaUID)

	o.inflightMutex.Lock()
	delete(o.inflight, sagaUID)
	o.inflightMutex.Unlock()

	close(run.done)

	return run.err
}

func (o *orchestrator) run(ctx context.Context, sagaUID string) error {
	execution, err := o.store.GetByID(ctx, sagaUID)
	if err != nil {
		return errors.Wrapf(err, "loading saga %s", sagaUID)
	}

	if execution == nil {
		return WithNoRetry(errors.Errorf("saga %s not found", sagaUID))
	}

	if execution.Status == StatusCompleted || execution.Status == StatusCompensated {
		return WithNoRetry(errors.Errorf("saga %s already finished with status %s", sagaUID, execution.Status))
	}

	started := execution.Status == StatusCreated

	execution.Status = StatusRunning
	if execution.StartedAt.IsZero() {
		execution.StartedAt = time.Now().UTC()
	}

	if err := o.store.Update(ctx, execution); err != nil {
		return errors.Wrapf(err, "persisting saga %s as running", sagaUID)
	}

	if started {
		o.emit(ctx, NewEvent(sagaUID, EventSagaStarted, map[string]interface{}{
			"definition_id":      execution.DefinitionID,
			"definition_version": execution.DefinitionVersion,
		}))
	}

	definition, err := o.registry.Definition(execution.DefinitionID, execution.DefinitionVersion)
	if err != nil {
		return errors.Wrapf(err, "resolving definition for saga %s", sagaUID)
	}

	if stepErr := o.executeSteps(ctx, execution, definition); stepErr != nil {
		o.logger.Logf(log.WarnLevel, "saga %s failed, compensating: %s", sagaUID, stepErr)

		if compErr := o.compensateExecution(ctx, execution, definition, ""); compErr != nil {
			now := time.Now().UTC()
			execution.Status = StatusFailed
			execution.CompletedAt = &now

			if err := o.store.Update(ctx, execution); err != nil {
				o.logger.Logf(log.ErrorLevel, "persisting saga %s as failed: %s", sagaUID, err)
			}

			o.emit(ctx, NewEvent(sagaUID, EventSagaFailed, map[string]interface{}{
				"error":              stepErr.Error(),
				"compensation_error": compErr.Error(),
			}))

			return errors.Wrapf(compErr, "compensating saga %s after failure %s", sagaUID, stepErr)
		}

		return stepErr
	}

	now := time.Now().UTC()
	execution.Status = StatusCompleted
	execution.CompletedAt = &now

	if err := o.store.Update(ctx, execution); err != nil {
		return errors.Wrapf(err, "persisting saga %s as completed", sagaUID)
	}

	o.emit(ctx, NewEvent(sagaUID, EventSagaCompleted, nil))

	return nil
}

// executeSteps runs the definition's steps in dependency waves: every step
// whose dependencies are all completed runs concurrently with the rest of its
// wave, the next wave starts once the current one fully settles. No
// executable step while unexecuted steps remain means the definition is
// malformed and the saga deadlocked.
func (o *orchestrator) executeSteps(ctx context.Context, execution *Execution, definition Definition) error {
	var mutex sync.Mutex

	remaining := make(map[string]Step)
	for _, step := range definition.Steps {
		if execution.StepCompleted(step.ID) {
			continue
		}

		// a re-entered execution can carry states from an interrupted run:
		// a step caught mid-attempt runs again, a failed one ends the saga
		switch state := execution.StepState(step.ID); state.Status {
		case StepStatusRunning:
			state.Status = StepStatusPending
		case StepStatusFailed:
			return errors.Errorf("step %s of saga %s failed before: %s", step.ID, execution.UID, state.Error)
		}

		remaining[step.ID] = step
	}

	for len(remaining) > 0 {
		var wave []Step

		for _, step := range definition.Steps {
			if _, waiting := remaining[step.ID]; !waiting {
				continue
			}

			if execution.StepState(step.ID).Status != StepStatusPending {
				continue
			}

			ready := true
			for _, dep := range step.DependsOn {
				if !execution.StepCompleted(dep) {
					ready = false
					break
				}
			}

			if ready {
				wave = append(wave, step)
			}
		}

		if len(wave) == 0 {
			return WithNoRetry(errors.Errorf("saga %s deadlock detected: %d steps remain but none is executable", execution.UID, len(remaining)))
		}

		var wg sync.WaitGroup
		errCh := make(chan error, len(wave))

		for _, step := range wave {
			wg.Add(1)

			go func(step Step) {
				defer wg.Done()

				if err := o.executeStep(ctx, execution, step, &mutex); err != nil {
					errCh <- err
				}
			}(step)
		}

		wg.Wait()
		close(errCh)

		if err := <-errCh; err != nil {
			return err
		}

		for _, step := range wave {
			delete(remaining, step.ID)
		}
	}

	return nil
}

func (o *orchestrator) executeStep(ctx context.Context, execution *Execution, step Step, mutex *sync.Mutex) error {
	mutex.Lock()
	state := execution.StepState(step.ID)
	state.Status = StepStatusRunning
	now := time.Now().UTC()
	state.StartedAt = &now
	snapshot := execution.ContextSnapshot()

	if err := o.store.Update(ctx, execution); err != nil {
		mutex.Unlock()
		return errors.Wrapf(err, "persisting step %s of saga %s as running", step.ID, execution.UID)
	}
	mutex.Unlock()

	handler, err := o.registry.Handler(step.Action)

	var result interface{}
	if err == nil {
		result, err = o.executeWithRetry(ctx, handler, step, snapshot)
	}

	mutex.Lock()
	defer mutex.Unlock()

	if err != nil {
		state.Status = StepStatusFailed
		state.Error = err.Error()

		if updErr := o.store.Update(ctx, execution); updErr != nil {
			o.logger.Logf(log.ErrorLevel, "persisting step %s of saga %s as failed: %s", step.ID, execution.UID, updErr)
		}

		o.emit(ctx, NewEvent(execution.UID, EventStepFailed, map[string]interface{}{
			"step_id":     step.ID,
			"error":       err.Error(),
			"retry_count": state.RetryCount,
		}))

		return errors.Wrapf(err, "executing step %s of saga %s", step.ID, execution.UID)
	}

	state.Status = StepStatusCompleted
	state.Result = result
	execution.Context[step.ID] = result

	if err := o.store.Update(ctx, execution); err != nil {
		return errors.Wrapf(err, "persisting step %s of saga %s as completed", step.ID, execution.UID)
	}

	o.emit(ctx, NewEvent(execution.UID, EventStepCompleted, map[string]interface{}{
		"step_id": step.ID,
	}))

	return nil
}

// executeWithRetry runs a step attempt loop: per-attempt validation, a race
// of the handler against the step timeout, then backoff before the next
// attempt. MaxAttempts counts retries, so the handler runs MaxAttempts+1
// times at most.
func (o *orchestrator) executeWithRetry(ctx context.Context, handler StepHandler, step Step, sagaCtx map[string]interface{}) (interface{}, error) {
	policy := DefaultRetryPolicy(step)
	if provider, ok := handler.(RetryPolicyProvider); ok {
		policy = provider.RetryPolicy()
	}

	var lastErr error

	for attempt := 1; ; attempt++ {
		result, err := o.attempt(ctx, handler, step, sagaCtx)
		if err == nil {
			return result, nil
		}

		if IsNoRetry(err) {
			return nil, err
		}

		lastErr = err

		if attempt > policy.MaxAttempts {
			return nil, lastErr
		}

		delay := policy.Delay(attempt)
		o.logger.Logf(log.DebugLevel, "step %s attempt %d failed, retrying in %s: %s", step.ID, attempt, delay, err)

		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "retry of step %s interrupted", step.ID)
		case <-time.After(delay):
		}
	}
}

func (o *orchestrator) attempt(ctx context.Context, handler StepHandler, step Step, sagaCtx map[string]interface{}) (interface{}, error) {
	if validator, ok := handler.(Validator); ok {
		if !validator.Validate(step.Payload) {
			return nil, errors.Errorf("validation failed for step %s", step.ID)
		}
	}

	execCtx := ctx
	cancel := func() {}

	if step.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, step.Timeout)
	}
	defer cancel()

	type outcome struct {
		result interface{}
		err    error
	}

	outcomeCh := make(chan outcome, 1)

	// the handler keeps running if it loses the race; execCtx cancellation
	// is a best-effort signal it may ignore
	go func() {
		result, err := handler.Execute(execCtx, step.Payload, sagaCtx)
		outcomeCh <- outcome{result: result, err: err}
	}()

	select {
	case out := <-outcomeCh:
		return out.result, out.err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, errors.Wrapf(ctx.Err(), "execution of step %s interrupted", step.ID)
		}
		return nil, errors.Errorf("step %s timeout after %s", step.ID, step.Timeout)
	}
}

func (o *orchestrator) Compensate(ctx context.Context, sagaUID string, fromStep string) error {
	execution, err := o.store.GetByID(ctx, sagaUID)
	if err != nil {
		return errors.Wrapf(err, "loading saga %s", sagaUID)
	}

	if execution == nil {
		return WithNoRetry(errors.Errorf("saga %s not found", sagaUID))
	}

	definition, err := o.registry.Definition(execution.DefinitionID, execution.DefinitionVersion)
	if err != nil {
		return errors.Wrapf(err, "resolving definition for saga %s", sagaUID)
	}

	if err := o.compensateExecution(ctx, execution, definition, fromStep); err != nil {
		now := time.Now().UTC()
		execution.Status = StatusFailed
		execution.CompletedAt = &now

		if updErr := o.store.Update(ctx, execution); updErr != nil {
			o.logger.Logf(log.ErrorLevel, "persisting saga %s as failed: %s", sagaUID, updErr)
		}

		o.emit(ctx, NewEvent(sagaUID, EventSagaFailed, map[string]interface{}{
			"compensation_error": err.Error(),
		}))

		return errors.Wrapf(err, "compensating saga %s", sagaUID)
	}

	return nil
}

// compensateExecution rolls back completed steps in reverse definition
// order. fromStep other than "" matches only that single step, not "from
// this step onward"; see the Compensate doc.
func (o *orchestrator) compensateExecution(ctx context.Context, execution *Execution, definition Definition, fromStep string) error {
	execution.Status = StatusCompensating

	if err := o.store.Update(ctx, execution); err != nil {
		return errors.Wrapf(err, "persisting saga %s as compensating", execution.UID)
	}

	var completed []Step
	for _, step := range definition.Steps {
		if execution.StepCompleted(step.ID) {
			completed = append(completed, step)
		}
	}

	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]

		if fromStep != "" && step.ID != fromStep {
			continue
		}

		if !step.Compensable {
			o.logger.Logf(log.DebugLevel, "step %s of saga %s has no compensation configured, skipping", step.ID, execution.UID)
			continue
		}

		handler, err := o.registry.Handler(step.Action)
		if err != nil {
			return errors.Wrapf(err, "resolving handler to compensate step %s of saga %s", step.ID, execution.UID)
		}

		compensator, ok := handler.(Compensator)
		if !ok {
			return WithNoRetry(errors.Errorf("compensation handler not found for step %s of saga %s", step.ID, execution.UID))
		}

		state := execution.StepState(step.ID)

		if err := compensator.Compensate(ctx, state.Result, execution.Context); err != nil {
			return errors.Wrapf(err, "compensating step %s of saga %s", step.ID, execution.UID)
		}

		state.Status = StepStatusCompensated

		if err := o.store.Update(ctx, execution); err != nil {
			return errors.Wrapf(err, "persisting compensated step %s of saga %s", step.ID, execution.UID)
		}

		o.emit(ctx, NewEvent(execution.UID, EventStepCompensated, map[string]interface{}{
			"step_id": step.ID,
		}))
	}

	now := time.Now().UTC()
	execution.Status = StatusCompensated
	execution.CompletedAt = &now

	if err := o.store.Update(ctx, execution); err != nil {
		return errors.Wrapf(err, "persisting saga %s as compensated", execution.UID)
	}

	o.emit(ctx, NewEvent(execution.UID, EventSagaCompensated, nil))

	return nil
}

func (o *orchestrator) Retry(ctx context.Context, sagaUID, stepID string) error {
	execution, err := o.store.GetByID(ctx, sagaUID)
	if err != nil {
		return errors.Wrapf(err, "loading saga %s", sagaUID)
	}

	if execution == nil {
		return WithNoRetry(errors.Errorf("saga %s not found", sagaUID))
	}

	state, exists := execution.Steps[stepID]
	if !exists || state.Status != StepStatusFailed {
		return WithNoRetry(errors.Errorf("step %s of saga %s is not failed, nothing to retry", stepID, sagaUID))
	}

	state.RetryCount++
	state.Status = StepStatusPending
	state.Error = ""
	execution.Status = StatusRunning

	if err := o.store.Update(ctx, execution); err != nil {
		return errors.Wrapf(err, "persisting retry of step %s of saga %s", stepID, sagaUID)
	}

	return o.Execute(ctx, sagaUID)
}

// Pause is a named no-op hook: execution state stays untouched and running
// waves are not interrupted. Reserved for flag checking before step dispatch.
func (o *orchestrator) Pause(ctx context.Context, sagaUID string) error {
	o.logger.Logf(log.InfoLevel, "pause requested for saga %s", sagaUID)
	return nil
}

func (o *orchestrator) Resume(ctx context.Context, sagaUID string) error {
	return o.Execute(ctx, sagaUID)
}

func (o *orchestrator) Cancel(ctx context.Context, sagaUID string) error {
	if err := o.Compensate(ctx, sagaUID, ""); err != nil {
		o.logger.Logf(log.ErrorLevel, "compensation during cancel of saga %s: %s", sagaUID, err)
	}

	execution, err := o.store.GetByID(ctx, sagaUID)
	if err != nil {
		return errors.Wrapf(err, "loading saga %s", sagaUID)
	}

	if execution == nil {
		return WithNoRetry(errors.Errorf("saga %s not found", sagaUID))
	}

	now := time.Now().UTC()
	execution.Status = StatusCompensated
	execution.CompletedAt = &now

	return errors.Wrapf(o.store.Update(ctx, execution), "persisting cancelled saga %s", sagaUID)
}

func (o *orchestrator) RecoverInflight(ctx context.Context) error {
	active, err := o.store.GetActive(ctx)
	if err != nil {
		return errors.Wrap(err, "loading active sagas for recovery")
	}

	for _, execution := range active {
		sagaUID := execution.UID

		go func() {
			if err := o.Execute(context.Background(), sagaUID); err != nil {
				o.logger.Logf(log.ErrorLevel, "recovering saga %s: %s", sagaUID, err)
			}
		}()
	}

	o.logger.Logf(log.InfoLevel, "recovery started for %d in-flight sagas", len(active))

	return nil
}

// Start launches the background sweep that force-compensates sagas running
// longer than the configured horizon. It is a coarse in-process safety net
// that exists independently of the monitor's timeout policy.
func (o *orchestrator) Start() {
	if o.options.sweepInterval <= 0 {
		return
	}

	o.sweepWg.Add(1)

	go func() {
		defer o.sweepWg.Done()

		ticker := time.NewTicker(o.options.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-o.stopCh:
				return
			case <-ticker.C:
				o.sweep()
			}
		}
	}()
}

func (o *orchestrator) Stop() {
	o.stopOnce.Do(func() {
		close(o.stopCh)
	})
	o.sweepWg.Wait()
}

func (o *orchestrator) sweep() {
	ctx := context.Background()

	stale, err := o.store.GetByFilter(ctx,
		WithStatus(StatusRunning),
		WithStartedBefore(time.Now().UTC().Add(-o.options.sweepHorizon)),
	)

	if err != nil {
		o.logger.Logf(log.ErrorLevel, "sweeping stale sagas: %s", err)
		return
	}

	for _, execution := range stale {
		o.logger.Logf(log.WarnLevel, "saga %s running longer than %s, compensating", execution.UID, o.options.sweepHorizon)

		if err := o.Compensate(ctx, execution.UID, ""); err != nil {
			o.logger.Logf(log.ErrorLevel, "force-compensating saga %s: %s", execution.UID, err)
		}
	}
}

func (o *orchestrator) emit(ctx context.Context, event Event) {
	if err := o.store.AppendEvent(ctx, event); err != nil {
		o.logger.Logf(log.ErrorLevel, "appending event %s for saga %s: %s", event.Type, event.SagaUID, err)
	}

	if o.bus != nil {
		o.bus.Publish(event.Topic(), event)
	}
}
