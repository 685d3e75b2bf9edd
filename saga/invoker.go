package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Invoker executes one action against an external collaborator with a
// timeout. The executor funnels every forward and compensating invocation
// through its Invoker, which makes it the seam for injecting cross-cutting
// concerns (auditing, tracing, fault injection in tests) without touching
// the state machine.
type Invoker interface {
	// Invoke runs the action with the given idempotency key and payload,
	// bounded by timeout. A nil error is success; classify failures with
	// Retryable or Permanent.
	Invoke(ctx context.Context, action Action, key IdempotencyKey, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, action Action, key IdempotencyKey, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error)

// Invoke implements Invoker.
func (f InvokerFunc) Invoke(ctx context.Context, action Action, key IdempotencyKey, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	return f(ctx, action, key, payload, timeout)
}

// defaultInvoker bounds each invocation with context.WithTimeout and converts
// panics into permanent failures so a misbehaving action cannot take down the
// worker pool.
type defaultInvoker struct{}

func (defaultInvoker) Invoke(ctx context.Context, action Action, key IdempotencyKey, payload json.RawMessage, timeout time.Duration) (result json.RawMessage, err error) {
	invokeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("action panicked: %v", r))
		}
	}()

	result, err = action.Execute(invokeCtx, key, payload)
	if err != nil && invokeCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		// The step timed out but the saga itself was not canceled.
		err = Retryable(fmt.Errorf("invocation timed out after %s: %w", timeout, err))
	}
	return result, err
}

// Compile-time check
var _ Invoker = defaultInvoker{}
