package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// traceRecorder collects step invocations and transition events in order.
type traceRecorder struct {
	mu          sync.Mutex
	invocations []string
	transitions []string
}

func (r *traceRecorder) record(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invocations = append(r.invocations, name)
}

func (r *traceRecorder) Publish(ctx context.Context, ev TransitionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, string(ev.From)+"->"+string(ev.To))
}

func (r *traceRecorder) trace() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.invocations...)
}

func (r *traceRecorder) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.transitions...)
}

func (r *traceRecorder) action(name string, err error) Action {
	return ActionFunc(func(ctx context.Context, key IdempotencyKey, payload json.RawMessage) (json.RawMessage, error) {
		r.record(name)
		return nil, err
	})
}

func equalTrace(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

// runSaga creates an instance in a fresh store and drives it with an executor.
func runSaga(t *testing.T, def *Definition, opts ...Option) (*Instance, *MemoryStore, error) {
	t.Helper()
	store := NewMemoryStore()
	inst := NewInstance("saga-1", def.Type(), json.RawMessage(`{"order":"o-1"}`))
	if err := store.Create(context.Background(), inst); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	base := []Option{
		WithRetryBackoff(&testBackoff{delay: time.Millisecond}),
		WithCompensationBackoff(&testBackoff{delay: time.Millisecond}),
	}
	exec := NewExecutor(def, store, append(base, opts...)...)
	err := exec.Run(context.Background(), inst)
	return inst, store, err
}

func TestExecutorForward(t *testing.T) {
	t.Run("runs all steps in order and completes", func(t *testing.T) {
		rec := &traceRecorder{}
		def, _ := NewDefinition("order",
			StepSpec{Name: "s1", Forward: rec.action("s1", nil), Compensate: rec.action("undo-s1", nil)},
			StepSpec{Name: "s2", Forward: rec.action("s2", nil), Compensate: rec.action("undo-s2", nil)},
			StepSpec{Name: "s3", Forward: rec.action("s3", nil), Compensate: rec.action("undo-s3", nil)},
		)

		inst, _, err := runSaga(t, def, WithPublisher(rec))
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}

		if inst.Status != StatusCompleted {
			t.Errorf("expected completed, got %s", inst.Status)
		}
		if !equalTrace(rec.trace(), []string{"s1", "s2", "s3"}) {
			t.Errorf("unexpected invocation order: %v", rec.trace())
		}
		if len(inst.CompletedSteps) != 3 {
			t.Errorf("expected 3 completed steps, got %d", len(inst.CompletedSteps))
		}
		want := []string{"pending->running", "running->completed"}
		if !equalTrace(rec.events(), want) {
			t.Errorf("unexpected transitions: %v", rec.events())
		}
	})

	t.Run("step results are recorded", func(t *testing.T) {
		def, _ := NewDefinition("order",
			StepSpec{Name: "s1", Forward: ActionFunc(func(ctx context.Context, key IdempotencyKey, payload json.RawMessage) (json.RawMessage, error) {
				return json.RawMessage(`{"reservation":"r-42"}`), nil
			})},
		)

		inst, store, err := runSaga(t, def)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}

		if string(inst.CompletedSteps[0].Result) != `{"reservation":"r-42"}` {
			t.Errorf("unexpected step result: %s", inst.CompletedSteps[0].Result)
		}
		if inst.CompletedSteps[0].Outcome != OutcomeSuccess {
			t.Errorf("unexpected outcome: %s", inst.CompletedSteps[0].Outcome)
		}

		// The log is persisted, not only in memory
		stored, err := store.Get(context.Background(), inst.ID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if len(stored.CompletedSteps) != 1 {
			t.Errorf("expected persisted completed step, got %d", len(stored.CompletedSteps))
		}
	})

	t.Run("retryable failures are retried until success", func(t *testing.T) {
		action := &countingAction{fn: failN(2)}
		def, _ := NewDefinition("order",
			StepSpec{Name: "flaky", Forward: action, MaxRetries: 3},
		)

		inst, _, err := runSaga(t, def)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}

		if inst.Status != StatusCompleted {
			t.Errorf("expected completed, got %s", inst.Status)
		}
		if action.count() != 3 {
			t.Errorf("expected 3 attempts, got %d", action.count())
		}
	})

	t.Run("unclassified errors are retried", func(t *testing.T) {
		action := &countingAction{fn: func(call int) (json.RawMessage, error) {
			if call == 1 {
				return nil, errors.New("unclassified")
			}
			return nil, nil
		}}
		def, _ := NewDefinition("order",
			StepSpec{Name: "flaky", Forward: action, MaxRetries: 1},
		)

		inst, _, err := runSaga(t, def)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if inst.Status != StatusCompleted {
			t.Errorf("expected completed, got %s", inst.Status)
		}
		if action.count() != 2 {
			t.Errorf("expected 2 attempts, got %d", action.count())
		}
	})

	t.Run("permanent failure is never retried", func(t *testing.T) {
		action := &countingAction{fn: func(call int) (json.RawMessage, error) {
			return nil, Permanent(errors.New("declined"))
		}}
		def, _ := NewDefinition("order",
			StepSpec{Name: "charge", Forward: action, MaxRetries: 5},
		)

		inst, _, err := runSaga(t, def)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}

		if action.count() != 1 {
			t.Errorf("expected 1 attempt, got %d", action.count())
		}
		if inst.Status != StatusCompensated {
			t.Errorf("expected compensated, got %s", inst.Status)
		}
		if inst.LastError == "" {
			t.Error("expected failure cause to be recorded")
		}
	})

	t.Run("retry budget bounds attempts exactly", func(t *testing.T) {
		// maxRetries=2 gives one initial attempt plus two retries. An action
		// that fails three times must exhaust the budget; its would-be
		// successful fourth call must never be issued.
		action := &countingAction{fn: failN(3)}
		def, _ := NewDefinition("order",
			StepSpec{Name: "flaky", Forward: action, MaxRetries: 2},
		)

		inst, _, err := runSaga(t, def)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}

		if action.count() != 3 {
			t.Errorf("expected exactly 3 attempts, got %d", action.count())
		}
		if inst.Status != StatusCompensated {
			t.Errorf("expected compensated after exhaustion, got %s", inst.Status)
		}
	})

	t.Run("negative MaxRetries disables retries", func(t *testing.T) {
		action := &countingAction{fn: failN(1)}
		def, _ := NewDefinition("order",
			StepSpec{Name: "once", Forward: action, MaxRetries: -1},
		)

		inst, _, _ := runSaga(t, def)
		if action.count() != 1 {
			t.Errorf("expected 1 attempt, got %d", action.count())
		}
		if inst.Status != StatusCompensated {
			t.Errorf("expected compensated, got %s", inst.Status)
		}
	})

	t.Run("panicking action fails the step permanently", func(t *testing.T) {
		calls := &countingAction{fn: func(call int) (json.RawMessage, error) {
			panic("unexpected state")
		}}
		def, _ := NewDefinition("order",
			StepSpec{Name: "boom", Forward: calls, MaxRetries: 3},
		)

		inst, _, err := runSaga(t, def)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if calls.count() != 1 {
			t.Errorf("expected no retries after panic, got %d attempts", calls.count())
		}
		if inst.Status != StatusCompensated {
			t.Errorf("expected compensated, got %s", inst.Status)
		}
	})

	t.Run("terminal instance is a no-op", func(t *testing.T) {
		action := &countingAction{}
		def, _ := NewDefinition("order", StepSpec{Name: "s1", Forward: action})

		store := NewMemoryStore()
		inst := NewInstance("saga-done", "order", nil)
		inst.Status = StatusCompleted
		_ = store.Create(context.Background(), inst)

		exec := NewExecutor(def, store)
		if err := exec.Run(context.Background(), inst); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if action.count() != 0 {
			t.Error("terminal instance must not execute steps")
		}
	})

	t.Run("wrong saga type rejected", func(t *testing.T) {
		def, _ := NewDefinition("order", StepSpec{Name: "s1", Forward: &countingAction{}})
		store := NewMemoryStore()
		inst := NewInstance("saga-1", "payment", nil)
		_ = store.Create(context.Background(), inst)

		exec := NewExecutor(def, store)
		if err := exec.Run(context.Background(), inst); err == nil {
			t.Error("expected error for mismatched saga type")
		}
	})
}

func TestExecutorCompensation(t *testing.T) {
	t.Run("compensates completed steps in reverse order", func(t *testing.T) {
		rec := &traceRecorder{}
		def, _ := NewDefinition("order",
			StepSpec{Name: "s1", Forward: rec.action("s1", nil), Compensate: rec.action("undo-s1", nil)},
			StepSpec{Name: "s2", Forward: rec.action("s2", nil), Compensate: rec.action("undo-s2", nil)},
			StepSpec{Name: "s3", Forward: rec.action("s3", Permanent(errors.New("failed"))), Compensate: rec.action("undo-s3", nil)},
		)

		inst, _, err := runSaga(t, def, WithPublisher(rec))
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}

		if inst.Status != StatusCompensated {
			t.Errorf("expected compensated, got %s", inst.Status)
		}
		// s3 failed so only s1 and s2 are undone, newest first
		want := []string{"s1", "s2", "s3", "undo-s2", "undo-s1"}
		if !equalTrace(rec.trace(), want) {
			t.Errorf("unexpected trace: %v", rec.trace())
		}
		wantEvents := []string{"pending->running", "running->compensating", "compensating->compensated"}
		if !equalTrace(rec.events(), wantEvents) {
			t.Errorf("unexpected transitions: %v", rec.events())
		}
	})

	t.Run("order checkout failure scenario", func(t *testing.T) {
		// reserveInventory succeeds, authorizePayment fails permanently:
		// releaseInventory runs exactly once, refundPayment never runs.
		rec := &traceRecorder{}
		release := &countingAction{}
		refund := &countingAction{}

		def, _ := NewDefinition("order-checkout",
			StepSpec{Name: "reserveInventory", Forward: rec.action("reserveInventory", nil), Compensate: release},
			StepSpec{Name: "authorizePayment", Forward: rec.action("authorizePayment", Permanent(errors.New("card declined"))), Compensate: refund},
		)

		inst, _, err := runSaga(t, def, WithPublisher(rec))
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}

		if inst.Status != StatusCompensated {
			t.Errorf("expected compensated, got %s", inst.Status)
		}
		if release.count() != 1 {
			t.Errorf("expected releaseInventory once, got %d", release.count())
		}
		if refund.count() != 0 {
			t.Errorf("refundPayment must never run, got %d", refund.count())
		}
		wantEvents := []string{"pending->running", "running->compensating", "compensating->compensated"}
		if !equalTrace(rec.events(), wantEvents) {
			t.Errorf("unexpected transitions: %v", rec.events())
		}
	})

	t.Run("failure at first step compensates nothing", func(t *testing.T) {
		undo := &countingAction{}
		def, _ := NewDefinition("order",
			StepSpec{Name: "s1", Forward: ActionFunc(func(ctx context.Context, key IdempotencyKey, payload json.RawMessage) (json.RawMessage, error) {
				return nil, Permanent(errors.New("failed"))
			}), Compensate: undo},
		)

		inst, _, err := runSaga(t, def)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if inst.Status != StatusCompensated {
			t.Errorf("expected compensated, got %s", inst.Status)
		}
		if undo.count() != 0 {
			t.Errorf("nothing completed, nothing to undo; got %d calls", undo.count())
		}
	})

	t.Run("nil compensation is skipped", func(t *testing.T) {
		rec := &traceRecorder{}
		def, _ := NewDefinition("order",
			StepSpec{Name: "validate", Forward: rec.action("validate", nil)}, // no effects to undo
			StepSpec{Name: "reserve", Forward: rec.action("reserve", nil), Compensate: rec.action("undo-reserve", nil)},
			StepSpec{Name: "charge", Forward: rec.action("charge", Permanent(errors.New("declined")))},
		)

		inst, _, err := runSaga(t, def)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if inst.Status != StatusCompensated {
			t.Errorf("expected compensated, got %s", inst.Status)
		}
		want := []string{"validate", "reserve", "charge", "undo-reserve"}
		if !equalTrace(rec.trace(), want) {
			t.Errorf("unexpected trace: %v", rec.trace())
		}
	})

	t.Run("compensation retries until confirmed", func(t *testing.T) {
		undo := &countingAction{fn: failN(4)}
		def, _ := NewDefinition("order",
			StepSpec{Name: "reserve", Forward: &countingAction{}, Compensate: undo},
			StepSpec{Name: "charge", Forward: ActionFunc(func(ctx context.Context, key IdempotencyKey, payload json.RawMessage) (json.RawMessage, error) {
				return nil, Permanent(errors.New("declined"))
			})},
		)

		inst, _, err := runSaga(t, def)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if inst.Status != StatusCompensated {
			t.Errorf("expected compensated, got %s", inst.Status)
		}
		if undo.count() != 5 {
			t.Errorf("expected 5 compensation attempts, got %d", undo.count())
		}
	})

	t.Run("permanent compensation errors are retried too", func(t *testing.T) {
		undo := &countingAction{fn: func(call int) (json.RawMessage, error) {
			if call < 3 {
				return nil, Permanent(errors.New("still failing"))
			}
			return nil, nil
		}}
		def, _ := NewDefinition("order",
			StepSpec{Name: "reserve", Forward: &countingAction{}, Compensate: undo},
			StepSpec{Name: "charge", Forward: ActionFunc(func(ctx context.Context, key IdempotencyKey, payload json.RawMessage) (json.RawMessage, error) {
				return nil, Permanent(errors.New("declined"))
			})},
		)

		inst, _, err := runSaga(t, def)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if inst.Status != StatusCompensated {
			t.Errorf("expected compensated, got %s", inst.Status)
		}
		if undo.count() != 3 {
			t.Errorf("expected 3 compensation attempts, got %d", undo.count())
		}
	})

	t.Run("alert raised after configured attempts, retries continue", func(t *testing.T) {
		var alerts []Alert
		var mu sync.Mutex

		undo := &countingAction{fn: failN(5)}
		def, _ := NewDefinition("order",
			StepSpec{Name: "reserve", Forward: &countingAction{}, Compensate: undo},
			StepSpec{Name: "charge", Forward: ActionFunc(func(ctx context.Context, key IdempotencyKey, payload json.RawMessage) (json.RawMessage, error) {
				return nil, Permanent(errors.New("declined"))
			})},
		)

		inst, _, err := runSaga(t, def,
			WithCompensationAlertAttempts(3),
			WithAlertFunc(func(ctx context.Context, alert Alert) {
				mu.Lock()
				alerts = append(alerts, alert)
				mu.Unlock()
			}),
		)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}

		if inst.Status != StatusCompensated {
			t.Errorf("expected compensated, got %s", inst.Status)
		}
		mu.Lock()
		defer mu.Unlock()
		if len(alerts) != 1 {
			t.Fatalf("expected exactly one alert, got %d", len(alerts))
		}
		if alerts[0].Step != "reserve" {
			t.Errorf("unexpected alert step: %s", alerts[0].Step)
		}
		if alerts[0].Attempts != 3 {
			t.Errorf("unexpected alert attempts: %d", alerts[0].Attempts)
		}
		if undo.count() != 6 {
			t.Errorf("retries must continue past the alert, got %d attempts", undo.count())
		}
	})

	t.Run("panicking alert hook does not break compensation", func(t *testing.T) {
		undo := &countingAction{fn: failN(3)}
		def, _ := NewDefinition("order",
			StepSpec{Name: "reserve", Forward: &countingAction{}, Compensate: undo},
			StepSpec{Name: "charge", Forward: ActionFunc(func(ctx context.Context, key IdempotencyKey, payload json.RawMessage) (json.RawMessage, error) {
				return nil, Permanent(errors.New("declined"))
			})},
		)

		inst, _, err := runSaga(t, def,
			WithCompensationAlertAttempts(2),
			WithAlertFunc(func(ctx context.Context, alert Alert) {
				panic("alert sink down")
			}),
		)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if inst.Status != StatusCompensated {
			t.Errorf("expected compensated, got %s", inst.Status)
		}
	})

	t.Run("resume compensation from persisted state", func(t *testing.T) {
		rec := &traceRecorder{}
		def, _ := NewDefinition("order",
			StepSpec{Name: "s1", Forward: rec.action("s1", nil), Compensate: rec.action("undo-s1", nil)},
			StepSpec{Name: "s2", Forward: rec.action("s2", nil), Compensate: rec.action("undo-s2", nil)},
		)

		// Simulate a crash mid-compensation: both steps completed, status
		// already flipped, nothing undone yet.
		store := NewMemoryStore()
		inst := NewInstance("saga-crashed", "order", nil)
		inst.Status = StatusCompensating
		inst.CurrentStep = 2
		inst.CompletedSteps = []StepRecord{
			{Name: "s1", Outcome: OutcomeSuccess, Timestamp: time.Now()},
			{Name: "s2", Outcome: OutcomeSuccess, Timestamp: time.Now()},
		}
		inst.LastError = "charge failed"
		_ = store.Create(context.Background(), inst)

		exec := NewExecutor(def, store,
			WithCompensationBackoff(&testBackoff{delay: time.Millisecond}),
		)
		if err := exec.Run(context.Background(), inst); err != nil {
			t.Fatalf("Run failed: %v", err)
		}

		if inst.Status != StatusCompensated {
			t.Errorf("expected compensated, got %s", inst.Status)
		}
		if !equalTrace(rec.trace(), []string{"undo-s2", "undo-s1"}) {
			t.Errorf("unexpected trace: %v", rec.trace())
		}
	})
}

func TestExecutorIdempotencyKeys(t *testing.T) {
	t.Run("same key on every retry", func(t *testing.T) {
		action := &countingAction{fn: failN(2)}
		def, _ := NewDefinition("order",
			StepSpec{Name: "flaky", Forward: action, MaxRetries: 2},
		)

		_, _, err := runSaga(t, def)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}

		keys := action.seenKeys()
		if len(keys) != 3 {
			t.Fatalf("expected 3 invocations, got %d", len(keys))
		}
		for _, key := range keys {
			if key != "saga-1:flaky" {
				t.Errorf("retry must reuse the key, got %s", key)
			}
		}
	})

	t.Run("compensation gets a distinct key", func(t *testing.T) {
		undo := &countingAction{}
		def, _ := NewDefinition("order",
			StepSpec{Name: "reserve", Forward: &countingAction{}, Compensate: undo},
			StepSpec{Name: "charge", Forward: ActionFunc(func(ctx context.Context, key IdempotencyKey, payload json.RawMessage) (json.RawMessage, error) {
				return nil, Permanent(errors.New("declined"))
			})},
		)

		_, _, err := runSaga(t, def)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}

		keys := undo.seenKeys()
		if len(keys) != 1 {
			t.Fatalf("expected 1 compensation, got %d", len(keys))
		}
		if keys[0] != "saga-1:reserve:undo" {
			t.Errorf("unexpected compensation key: %s", keys[0])
		}
	})
}

func TestExecutorResume(t *testing.T) {
	t.Run("resumes forward from persisted step", func(t *testing.T) {
		rec := &traceRecorder{}
		def, _ := NewDefinition("order",
			StepSpec{Name: "s1", Forward: rec.action("s1", nil)},
			StepSpec{Name: "s2", Forward: rec.action("s2", nil)},
			StepSpec{Name: "s3", Forward: rec.action("s3", nil)},
		)

		// Crash after s1: the persisted state says Running at step 1.
		store := NewMemoryStore()
		inst := NewInstance("saga-resumed", "order", nil)
		inst.Status = StatusRunning
		inst.CurrentStep = 1
		inst.CompletedSteps = []StepRecord{{Name: "s1", Outcome: OutcomeSuccess, Timestamp: time.Now()}}
		_ = store.Create(context.Background(), inst)

		exec := NewExecutor(def, store)
		if err := exec.Run(context.Background(), inst); err != nil {
			t.Fatalf("Run failed: %v", err)
		}

		if inst.Status != StatusCompleted {
			t.Errorf("expected completed, got %s", inst.Status)
		}
		// s1 already ran before the crash; it must not run again
		if !equalTrace(rec.trace(), []string{"s2", "s3"}) {
			t.Errorf("unexpected trace: %v", rec.trace())
		}
	})
}

func TestExecutorCancel(t *testing.T) {
	t.Run("cancel forces compensation at the next step", func(t *testing.T) {
		rec := &traceRecorder{}

		store := NewMemoryStore()
		var exec *Executor

		def, _ := NewDefinition("order",
			StepSpec{Name: "s1", Forward: ActionFunc(func(ctx context.Context, key IdempotencyKey, payload json.RawMessage) (json.RawMessage, error) {
				rec.record("s1")
				exec.Cancel()
				return nil, nil
			}), Compensate: rec.action("undo-s1", nil)},
			StepSpec{Name: "s2", Forward: rec.action("s2", nil), Compensate: rec.action("undo-s2", nil)},
		)

		inst := NewInstance("saga-canceled", "order", nil)
		_ = store.Create(context.Background(), inst)

		exec = NewExecutor(def, store,
			WithCompensationBackoff(&testBackoff{delay: time.Millisecond}),
		)
		if err := exec.Run(context.Background(), inst); err != nil {
			t.Fatalf("Run failed: %v", err)
		}

		if inst.Status != StatusCompensated {
			t.Errorf("expected compensated, got %s", inst.Status)
		}
		// s1 completed before the cancel landed, so it is undone; s2 never ran
		if !equalTrace(rec.trace(), []string{"s1", "undo-s1"}) {
			t.Errorf("unexpected trace: %v", rec.trace())
		}
		if inst.LastError == "" {
			t.Error("expected cancellation to be recorded as the failure cause")
		}
	})
}

func TestExecutorInterruption(t *testing.T) {
	t.Run("context cancellation leaves the instance active", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())

		def, _ := NewDefinition("order",
			StepSpec{Name: "s1", Forward: ActionFunc(func(c context.Context, key IdempotencyKey, payload json.RawMessage) (json.RawMessage, error) {
				cancel()
				<-c.Done()
				return nil, c.Err()
			})},
			StepSpec{Name: "s2", Forward: &countingAction{}},
		)

		store := NewMemoryStore()
		inst := NewInstance("saga-interrupted", "order", nil)
		_ = store.Create(context.Background(), inst)

		exec := NewExecutor(def, store)
		err := exec.Run(ctx, inst)
		if err == nil {
			t.Fatal("expected error for interrupted run")
		}

		stored, getErr := store.Get(context.Background(), inst.ID)
		if getErr != nil {
			t.Fatalf("Get failed: %v", getErr)
		}
		if stored.Status.Terminal() {
			t.Errorf("interrupted instance must stay active, got %s", stored.Status)
		}
	})
}

func TestExecutorVersionConflict(t *testing.T) {
	t.Run("conflicting write aborts the turn", func(t *testing.T) {
		store := NewMemoryStore()

		def, _ := NewDefinition("order",
			StepSpec{Name: "s1", Forward: ActionFunc(func(ctx context.Context, key IdempotencyKey, payload json.RawMessage) (json.RawMessage, error) {
				// Another owner advances the instance mid-step.
				other, err := store.Get(ctx, "saga-contended")
				if err != nil {
					return nil, Permanent(err)
				}
				other.CurrentStep = 5
				if err := store.Update(ctx, other); err != nil {
					return nil, Permanent(err)
				}
				return nil, nil
			})},
		)

		inst := NewInstance("saga-contended", "order", nil)
		_ = store.Create(context.Background(), inst)

		exec := NewExecutor(def, store)
		err := exec.Run(context.Background(), inst)
		if err == nil {
			t.Fatal("expected version conflict")
		}
		if !IsVersionConflict(err) {
			t.Errorf("expected version conflict, got %v", err)
		}
	})
}

func TestExecutorConcurrentInstances(t *testing.T) {
	t.Run("distinct instances run independently", func(t *testing.T) {
		def, _ := NewDefinition("order",
			StepSpec{Name: "s1", Forward: &countingAction{}},
			StepSpec{Name: "s2", Forward: &countingAction{}},
		)

		store := NewMemoryStore()

		var wg sync.WaitGroup
		errs := make(chan error, 20)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				inst := NewInstance(fmt.Sprintf("saga-%d", id), "order", nil)
				if err := store.Create(context.Background(), inst); err != nil {
					errs <- err
					return
				}
				exec := NewExecutor(def, store)
				if err := exec.Run(context.Background(), inst); err != nil {
					errs <- err
				}
			}(i)
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			t.Errorf("unexpected error: %v", err)
		}

		instances, err := store.List(context.Background(), Filter{})
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(instances) != 20 {
			t.Fatalf("expected 20 instances, got %d", len(instances))
		}
		for _, inst := range instances {
			if inst.Status != StatusCompleted {
				t.Errorf("instance %s expected completed, got %s", inst.ID, inst.Status)
			}
		}
	})
}
