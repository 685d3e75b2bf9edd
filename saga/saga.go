// Package saga provides a saga orchestration engine for distributed transactions.
//
// A saga is a multi-step business transaction spanning several independently
// failing services. The engine executes an ordered sequence of forward steps
// and, when one of them fails permanently, undoes every step already completed
// by running the paired compensating actions in reverse order. Progress is
// persisted durably after every step, so an instance interrupted by a crash
// resumes from its last persisted position and still reaches a terminal state.
//
// This replaces two-phase commit with an "eventually, compensations undo
// effects" contract: compensating actions must be idempotent and eventually
// successful; the engine retries them until they are confirmed.
//
// # Overview
//
// The package is organized around five pieces:
//   - Action: the narrow interface through which steps call external collaborators
//   - Definition / Registry: immutable saga templates, looked up by saga type
//   - Store: durable instance state with compare-and-set updates
//   - Executor: the per-instance state machine (forward, retry, compensate)
//   - Coordinator: process-wide entry point, worker pool, crash recovery
//
// # Basic Usage
//
// Register a definition, then start instances through the coordinator:
//
//	def, err := saga.NewDefinition("order-checkout",
//	    saga.StepSpec{
//	        Name:       "reserve-inventory",
//	        Forward:    saga.ActionFunc(reserveInventory),
//	        Compensate: saga.ActionFunc(releaseInventory),
//	        MaxRetries: 3,
//	        Timeout:    5 * time.Second,
//	    },
//	    saga.StepSpec{
//	        Name:       "authorize-payment",
//	        Forward:    saga.ActionFunc(authorizePayment),
//	        Compensate: saga.ActionFunc(refundPayment),
//	    },
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	registry := saga.NewRegistry()
//	if err := registry.Register(def); err != nil {
//	    log.Fatal(err)
//	}
//
//	coord := saga.NewCoordinator(registry, saga.NewMemoryStore())
//	defer coord.Close()
//
//	id, err := coord.Start(ctx, "order-checkout", payload)
//
// The Start call returns as soon as the instance is persisted; execution runs
// on the coordinator's worker pool. Query progress with GetStatus:
//
//	snap, err := coord.GetStatus(ctx, id)
//
// # Failure Handling
//
// A step reports one of three outcomes through its returned error:
//   - nil: success, the saga advances
//   - saga.Retryable(err): transient, retried up to the step's MaxRetries
//     with exponential backoff before being escalated to a permanent failure
//   - saga.Permanent(err): compensation starts immediately
//
// Unwrapped errors are treated as retryable. Exhausting the retry budget is a
// permanent failure for that step.
//
// Compensation runs in exact reverse completion order (LIFO) and is retried
// indefinitely with backoff; after a bounded number of unconfirmed attempts an
// operator alert is raised while retries continue in the background. A stuck
// instance therefore stays in StatusCompensating rather than being silently
// declared failed; StatusFailed is reached only through the administrative
// Coordinator.Abandon override.
//
// # Idempotency
//
// Every invocation carries an idempotency key derived from the saga id and
// step name. Actions are required by contract to deduplicate on that key: the
// same logical step, retried, must not double-apply side effects. The engine
// guarantees it passes the same key on every retry of the same step.
//
// # Crash Recovery
//
// All mutable saga state lives in the Store, never in process memory, and
// every persisted mutation bumps the instance version (optimistic locking).
// Coordinator.Recover scans the store for non-terminal instances and resumes
// their executors; it runs at startup and periodically, which is the engine's
// only recovery mechanism and the reason restarts are safe.
package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// IdempotencyKey identifies one logical step invocation. The engine derives
// it deterministically from the saga instance id, the step name, and the
// invocation direction, and passes the same key on every retry.
type IdempotencyKey string

// Key derives the idempotency key for a step invocation. Compensating
// invocations get a distinct key so an action implementing both directions
// against the same collaborator can deduplicate them independently.
func Key(sagaID, stepName string, compensating bool) IdempotencyKey {
	if compensating {
		return IdempotencyKey(sagaID + ":" + stepName + ":undo")
	}
	return IdempotencyKey(sagaID + ":" + stepName)
}

// Action executes one named operation against an external collaborator.
//
// Implementations are responsible for their own persistence of effects and
// for deduplicating repeated invocations with the same key. The returned data
// is recorded in the instance's completed-step log and surfaced by the Status
// API; return nil if there is nothing useful to record.
//
// Report transient failures with Retryable and unrecoverable ones with
// Permanent; plain errors are classified as retryable.
type Action interface {
	Execute(ctx context.Context, key IdempotencyKey, payload json.RawMessage) (json.RawMessage, error)
}

// ActionFunc adapts a function to the Action interface.
//
// Example:
//
//	reserve := saga.ActionFunc(func(ctx context.Context, key saga.IdempotencyKey, payload json.RawMessage) (json.RawMessage, error) {
//	    return nil, inventoryClient.Reserve(ctx, string(key), payload)
//	})
type ActionFunc func(ctx context.Context, key IdempotencyKey, payload json.RawMessage) (json.RawMessage, error)

// Execute implements Action.
func (f ActionFunc) Execute(ctx context.Context, key IdempotencyKey, payload json.RawMessage) (json.RawMessage, error) {
	return f(ctx, key, payload)
}

// Default per-step settings applied when a StepSpec leaves them zero.
const (
	DefaultStepTimeout = 30 * time.Second
	DefaultMaxRetries  = 3
)

// StepSpec describes one forward/compensation pair in a saga definition.
//
// Forward is required. Compensate may be nil for steps with no effects to
// undo (for example a pure validation); such steps are skipped during
// compensation. MaxRetries bounds retries of the forward action only;
// compensation retries indefinitely.
type StepSpec struct {
	// Name identifies the step within its definition. Must be unique.
	Name string

	// Forward is the action performed when the saga advances.
	Forward Action

	// Compensate undoes Forward's effects. Must be idempotent.
	Compensate Action

	// MaxRetries is the number of retries after the initial forward attempt.
	// Zero means DefaultMaxRetries; use a negative value for no retries.
	MaxRetries int

	// Timeout bounds each forward or compensating invocation.
	// Zero means DefaultStepTimeout.
	Timeout time.Duration
}

// retryBudget returns the total number of forward attempts allowed.
func (s StepSpec) retryBudget() int {
	retries := s.MaxRetries
	if retries == 0 {
		retries = DefaultMaxRetries
	}
	if retries < 0 {
		retries = 0
	}
	return retries + 1
}

// timeout returns the effective per-invocation timeout.
func (s StepSpec) timeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return DefaultStepTimeout
}

// Definition is an immutable saga template: a saga type name and the ordered
// steps every instance of that type executes. Definitions are registered once
// at startup and never mutated afterwards.
type Definition struct {
	sagaType string
	steps    []StepSpec
}

// NewDefinition creates a saga definition.
//
// Returns an error if sagaType is empty, no steps are given, a step has an
// empty or duplicate name, or a step has no forward action.
func NewDefinition(sagaType string, steps ...StepSpec) (*Definition, error) {
	if sagaType == "" {
		return nil, fmt.Errorf("saga type is required")
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("at least one step is required")
	}

	seen := make(map[string]struct{}, len(steps))
	for i, step := range steps {
		if step.Name == "" {
			return nil, fmt.Errorf("step %d: name is required", i)
		}
		if step.Forward == nil {
			return nil, fmt.Errorf("step %s: forward action is required", step.Name)
		}
		if _, dup := seen[step.Name]; dup {
			return nil, fmt.Errorf("step %s: duplicate step name", step.Name)
		}
		seen[step.Name] = struct{}{}
	}

	copied := make([]StepSpec, len(steps))
	copy(copied, steps)

	return &Definition{
		sagaType: sagaType,
		steps:    copied,
	}, nil
}

// Type returns the saga type name.
func (d *Definition) Type() string {
	return d.sagaType
}

// Len returns the number of steps.
func (d *Definition) Len() int {
	return len(d.steps)
}

// Steps returns a copy of the step specs in execution order.
func (d *Definition) Steps() []StepSpec {
	steps := make([]StepSpec, len(d.steps))
	copy(steps, d.steps)
	return steps
}

// step returns the step spec at index i. Callers keep i in range; the executor's
// currentStep invariant guarantees it.
func (d *Definition) step(i int) StepSpec {
	return d.steps[i]
}
