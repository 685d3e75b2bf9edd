package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Executor drives one saga instance through its definition: it invokes steps,
// records outcomes in the store, and decides forward-vs-compensate
// transitions. Within one instance steps run strictly sequentially; distinct
// instances run fully concurrently, each owned by its own executor.
//
// Exclusive ownership is enforced through the store's version check, not
// mutual exclusion: if two executors ever race on the same instance, one
// write loses with ErrVersionConflict and that executor aborts its turn.
//
// Most callers use a Coordinator; construct an Executor directly only when
// scheduling instances yourself.
type Executor struct {
	def    *Definition
	store  Store
	opts   *options
	logger *slog.Logger

	canceled atomic.Bool
}

// NewExecutor creates an executor for one saga definition.
func NewExecutor(def *Definition, store Store, opts ...Option) *Executor {
	o := newOptions(opts)
	return &Executor{
		def:    def,
		store:  store,
		opts:   o,
		logger: o.logger.With("saga_type", def.Type()),
	}
}

// Cancel requests cancellation of the instance this executor is running.
// The current step is forced to an immediate permanent failure, which
// triggers compensation. Cancellation is ignored once compensation has
// started.
func (e *Executor) Cancel() {
	e.canceled.Store(true)
}

// Run drives inst until it reaches a terminal state or the run is
// interrupted. It returns nil when a terminal state was reached; a non-nil
// error means the instance is still active (context canceled, store
// unavailable, or a version conflict) and will be resumed by a later
// recovery sweep.
//
// Run mutates inst in place; the caller must own the instance for the
// duration of the call.
func (e *Executor) Run(ctx context.Context, inst *Instance) error {
	if inst.SagaType != e.def.Type() {
		return fmt.Errorf("instance %s has saga type %s, executor runs %s", inst.ID, inst.SagaType, e.def.Type())
	}
	if inst.Status.Terminal() {
		return nil
	}

	runStart := time.Now()
	e.opts.metrics.RecordSagaStart(ctx, e.def.Type())
	defer func() {
		e.opts.metrics.RecordSagaEnd(ctx, e.def.Type(), inst.Status, time.Since(runStart))
	}()

	if inst.Status == StatusPending {
		if err := e.transition(ctx, inst, StatusRunning); err != nil {
			return err
		}
	}

	var err error
	switch inst.Status {
	case StatusRunning:
		err = e.runForward(ctx, inst)
	case StatusCompensating:
		err = e.runCompensation(ctx, inst)
	}

	if err != nil {
		if IsVersionConflict(err) {
			// Double ownership: another executor advanced this instance.
			// Abort the turn; the conflicting write was rejected so no state
			// was corrupted.
			e.logger.Error("version conflict, aborting turn",
				"saga_id", inst.ID,
				"error", err)
		}
		return err
	}

	return nil
}

// runForward executes forward steps from inst.CurrentStep. A permanent
// failure (including retry exhaustion and cancellation) flips the instance
// into compensation within the same run.
func (e *Executor) runForward(ctx context.Context, inst *Instance) error {
	for inst.CurrentStep < e.def.Len() {
		step := e.def.step(inst.CurrentStep)

		e.logger.Info("executing step",
			"saga_id", inst.ID,
			"step", step.Name,
			"step_index", inst.CurrentStep)

		result, err := e.invokeForward(ctx, inst, step)
		if err != nil {
			if ctx.Err() != nil {
				// Interrupted, not failed: leave the instance as persisted
				// and let the next recovery sweep resume it.
				return fmt.Errorf("saga %s interrupted: %w", inst.ID, ctx.Err())
			}

			e.logger.Error("step failed permanently, compensating",
				"saga_id", inst.ID,
				"step", step.Name,
				"error", err)

			inst.LastError = err.Error()
			if terr := e.transition(ctx, inst, StatusCompensating); terr != nil {
				return terr
			}
			return e.runCompensation(ctx, inst)
		}

		inst.CompletedSteps = append(inst.CompletedSteps, StepRecord{
			Name:      step.Name,
			Outcome:   OutcomeSuccess,
			Result:    result,
			Timestamp: time.Now(),
		})
		inst.CurrentStep++
		if err := e.persist(ctx, inst); err != nil {
			return err
		}

		e.logger.Debug("step completed",
			"saga_id", inst.ID,
			"step", step.Name)
	}

	if err := e.transition(ctx, inst, StatusCompleted); err != nil {
		return err
	}

	e.logger.Info("saga completed",
		"saga_id", inst.ID,
		"steps", e.def.Len())

	return nil
}

// invokeForward runs one forward step with bounded retry. The returned error
// is nil on success and permanent otherwise, except when ctx was canceled.
func (e *Executor) invokeForward(ctx context.Context, inst *Instance, step StepSpec) (json.RawMessage, error) {
	key := Key(inst.ID, step.Name, false)
	budget := step.retryBudget()

	var lastErr error
	for attempt := 0; attempt < budget; attempt++ {
		if attempt > 0 {
			delay := e.opts.retryBackoff.NextDelay(attempt - 1)
			e.logger.Info("retrying step after backoff",
				"saga_id", inst.ID,
				"step", step.Name,
				"attempt", attempt+1,
				"backoff_delay", delay)
			e.opts.metrics.RecordRetry(ctx, e.def.Type(), step.Name)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		if e.canceled.Load() {
			return nil, Permanent(fmt.Errorf("step %s: saga canceled by request", step.Name))
		}

		stepStart := time.Now()
		result, err := e.opts.invoker.Invoke(ctx, step.Forward, key, inst.Payload, step.timeout())
		stepDuration := time.Since(stepStart)

		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		e.opts.metrics.RecordStepExecution(ctx, e.def.Type(), step.Name, outcome, stepDuration)

		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if IsPermanent(err) {
			return nil, err
		}

		lastErr = err
		if attempt < budget-1 {
			e.logger.Warn("step failed, will retry",
				"saga_id", inst.ID,
				"step", step.Name,
				"attempt", attempt+1,
				"max_attempts", budget,
				"error", err)
		}
	}

	return nil, exhaustedError(step.Name, budget, lastErr)
}

// runCompensation undoes completed steps in reverse completion order (LIFO).
// Each compensation is retried until confirmed; only context cancellation or
// a persistence failure interrupts the loop, and the next recovery sweep
// picks the instance back up from the surviving completed-step log.
func (e *Executor) runCompensation(ctx context.Context, inst *Instance) error {
	e.logger.Info("starting compensation",
		"saga_id", inst.ID,
		"steps_to_compensate", len(inst.CompletedSteps))

	for len(inst.CompletedSteps) > 0 {
		idx := len(inst.CompletedSteps) - 1
		record := inst.CompletedSteps[idx]
		step := e.def.step(idx)

		if step.Name != record.Name {
			// The completed-step log must be a prefix of the definition.
			return fmt.Errorf("saga %s: completed step %q at index %d does not match definition step %q",
				inst.ID, record.Name, idx, step.Name)
		}

		if step.Compensate != nil {
			if err := e.invokeCompensation(ctx, inst, step); err != nil {
				return err
			}
		}

		inst.CompletedSteps = inst.CompletedSteps[:idx]
		if err := e.persist(ctx, inst); err != nil {
			return err
		}

		e.logger.Info("step compensated",
			"saga_id", inst.ID,
			"step", step.Name)
	}

	if err := e.transition(ctx, inst, StatusCompensated); err != nil {
		return err
	}

	e.logger.Info("compensation completed",
		"saga_id", inst.ID)

	return nil
}

// invokeCompensation retries one compensating action until it is confirmed.
// After the configured number of unconfirmed attempts an operator alert is
// raised; retries continue regardless. Permanent and retryable failures are
// treated alike here: compensation is required by contract to be idempotent
// and eventually successful.
func (e *Executor) invokeCompensation(ctx context.Context, inst *Instance, step StepSpec) error {
	key := Key(inst.ID, step.Name, true)

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			delay := e.opts.compBackoff.NextDelay(attempt - 1)
			select {
			case <-ctx.Done():
				return fmt.Errorf("saga %s interrupted during compensation: %w", inst.ID, ctx.Err())
			case <-time.After(delay):
			}
		}

		stepStart := time.Now()
		_, err := e.opts.invoker.Invoke(ctx, step.Compensate, key, inst.Payload, step.timeout())
		stepDuration := time.Since(stepStart)

		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		e.opts.metrics.RecordCompensation(ctx, e.def.Type(), step.Name, outcome, stepDuration)

		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("saga %s interrupted during compensation: %w", inst.ID, ctx.Err())
		}

		e.logger.Error("compensation attempt failed",
			"saga_id", inst.ID,
			"step", step.Name,
			"attempt", attempt+1,
			"error", err)

		if attempt+1 == e.opts.alertAttempts {
			e.raiseAlert(ctx, inst, step, attempt+1, err)
		}
	}
}

// raiseAlert surfaces a compensation that cannot be confirmed. The saga stays
// in StatusCompensating and keeps retrying; the alert exists so an operator
// can intervene.
func (e *Executor) raiseAlert(ctx context.Context, inst *Instance, step StepSpec, attempts int, err error) {
	e.opts.metrics.RecordCompensationAlert(ctx, e.def.Type(), step.Name)

	alert := Alert{
		SagaID:   inst.ID,
		SagaType: inst.SagaType,
		Step:     step.Name,
		Attempts: attempts,
		Err:      err,
	}

	if e.opts.alert != nil {
		func() {
			defer func() { _ = recover() }()
			e.opts.alert(ctx, alert)
		}()
		return
	}

	e.logger.Error("compensation not confirmed, operator attention required",
		"saga_id", inst.ID,
		"step", step.Name,
		"attempts", attempts,
		"error", err)
}

// transition moves inst to a new status, persists it, and publishes the
// transition event. The persistence write carries the version check, so a
// lost race surfaces here as ErrVersionConflict.
func (e *Executor) transition(ctx context.Context, inst *Instance, to Status) error {
	from := inst.Status
	inst.Status = to

	if err := e.persist(ctx, inst); err != nil {
		inst.Status = from
		return err
	}

	publish(ctx, e.opts.publisher, TransitionEvent{
		SagaID:    inst.ID,
		SagaType:  inst.SagaType,
		From:      from,
		To:        to,
		Timestamp: inst.UpdatedAt,
	})

	return nil
}

// persist writes inst through the store's compare-and-set update.
func (e *Executor) persist(ctx context.Context, inst *Instance) error {
	inst.UpdatedAt = time.Now()
	if err := e.store.Update(ctx, inst); err != nil {
		return fmt.Errorf("persist saga %s: %w", inst.ID, err)
	}
	return nil
}
