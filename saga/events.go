package saga

import (
	"context"
	"time"
)

// TransitionEvent is emitted on every instance state transition. Audit and
// observability collaborators consume these through a Publisher.
type TransitionEvent struct {
	SagaID    string    `json:"saga_id"`
	SagaType  string    `json:"saga_type"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher receives transition events. Publishing is best-effort: the engine
// never blocks a saga on a publisher and never fails a transition because one
// errored or panicked. Implementations that need delivery guarantees should
// enqueue internally and return promptly.
type Publisher interface {
	Publish(ctx context.Context, event TransitionEvent)
}

// PublisherFunc adapts a function to the Publisher interface.
//
// Example:
//
//	coord := saga.NewCoordinator(registry, store,
//	    saga.WithPublisher(saga.PublisherFunc(func(ctx context.Context, ev saga.TransitionEvent) {
//	        audit.Record(ctx, ev.SagaID, string(ev.From), string(ev.To))
//	    })),
//	)
type PublisherFunc func(ctx context.Context, event TransitionEvent)

// Publish implements Publisher.
func (f PublisherFunc) Publish(ctx context.Context, event TransitionEvent) {
	f(ctx, event)
}

// publish safely delivers an event, swallowing publisher panics so a
// misbehaving subscriber cannot break the saga.
func publish(ctx context.Context, p Publisher, event TransitionEvent) {
	if p == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	p.Publish(ctx, event)
}

// Alert describes a compensation that could not be confirmed after the
// configured number of attempts. The engine keeps retrying in the background;
// the alert exists so an operator can intervene (for example with
// Coordinator.Abandon when the business has resolved the effect out of band).
type Alert struct {
	SagaID   string
	SagaType string
	Step     string
	Attempts int
	Err      error
}

// AlertFunc receives operator-visible alerts. The default implementation
// logs at Error level.
type AlertFunc func(ctx context.Context, alert Alert)
