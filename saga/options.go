package saga

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/event/v3/backoff"

	"github.com/rbaliyan/saga-engine/ratelimit"
)

// BackoffStrategy is an alias for backoff.Strategy from the main event
// library. All implementations from github.com/rbaliyan/event/v3/backoff can
// be used directly.
//
// Implementations must be stateless and safe for concurrent use.
type BackoffStrategy = backoff.Strategy

// Defaults applied when the corresponding option is not set.
const (
	// DefaultMaxConcurrent bounds how many saga instances a coordinator
	// executes in parallel.
	DefaultMaxConcurrent = 16

	// DefaultSweepInterval is how often the coordinator re-scans the store
	// for non-terminal instances.
	DefaultSweepInterval = 30 * time.Second

	// DefaultCompensationAlertAttempts is the number of unconfirmed
	// compensation attempts after which an operator alert is raised.
	DefaultCompensationAlertAttempts = 10
)

func defaultRetryBackoff() BackoffStrategy {
	return &backoff.Exponential{
		Initial:    200 * time.Millisecond,
		Multiplier: 2.0,
		Max:        10 * time.Second,
		Jitter:     0.1,
	}
}

func defaultCompensationBackoff() BackoffStrategy {
	return &backoff.Exponential{
		Initial:    time.Second,
		Multiplier: 2.0,
		Max:        time.Minute,
		Jitter:     0.1,
	}
}

// Option configures an Executor or a Coordinator. The two share one option
// set; coordinator-only options are no-ops on a bare executor.
type Option func(*options)

type options struct {
	logger         *slog.Logger
	metrics        *MetricsRecorder
	invoker        Invoker
	publisher      Publisher
	alert          AlertFunc
	retryBackoff   BackoffStrategy
	compBackoff    BackoffStrategy
	alertAttempts  int
	maxConcurrent  int
	sweepInterval  time.Duration
	limiter        ratelimit.Limiter
}

func newOptions(opts []Option) *options {
	o := &options{
		logger:        slog.Default(),
		invoker:       defaultInvoker{},
		retryBackoff:  defaultRetryBackoff(),
		compBackoff:   defaultCompensationBackoff(),
		alertAttempts: DefaultCompensationAlertAttempts,
		maxConcurrent: DefaultMaxConcurrent,
		sweepInterval: DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithLogger sets a custom logger. If not set, slog.Default() is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics enables OpenTelemetry metrics collection.
//
// Example:
//
//	recorder := saga.NewMetricsRecorder("myapp")
//	coord := saga.NewCoordinator(registry, store, saga.WithMetrics(recorder))
func WithMetrics(recorder *MetricsRecorder) Option {
	return func(o *options) {
		o.metrics = recorder
	}
}

// WithInvoker replaces the default step invoker. The default bounds each
// invocation with the step timeout and converts panics into permanent
// failures; replace it to inject tracing or fault injection.
func WithInvoker(invoker Invoker) Option {
	return func(o *options) {
		if invoker != nil {
			o.invoker = invoker
		}
	}
}

// WithPublisher sets the transition event publisher. Events carry
// {sagaId, fromState, toState, timestamp} and are emitted on every
// transition, best-effort.
func WithPublisher(p Publisher) Option {
	return func(o *options) {
		o.publisher = p
	}
}

// WithAlertFunc sets the operator alert hook raised when a compensation is
// not confirmed after the configured number of attempts. If not set, alerts
// are logged at Error level.
func WithAlertFunc(fn AlertFunc) Option {
	return func(o *options) {
		o.alert = fn
	}
}

// WithRetryBackoff sets the backoff strategy for forward step retries.
//
// The default is exponential: 200ms initial, doubling, capped at 10s, with
// 10% jitter.
func WithRetryBackoff(strategy BackoffStrategy) Option {
	return func(o *options) {
		if strategy != nil {
			o.retryBackoff = strategy
		}
	}
}

// WithCompensationBackoff sets the backoff strategy for compensation
// retries. Compensation retries indefinitely; this only shapes the delays.
//
// The default is exponential: 1s initial, doubling, capped at 1m, with 10%
// jitter.
func WithCompensationBackoff(strategy BackoffStrategy) Option {
	return func(o *options) {
		if strategy != nil {
			o.compBackoff = strategy
		}
	}
}

// WithCompensationAlertAttempts sets how many unconfirmed compensation
// attempts trigger an operator alert. Retries continue after the alert.
func WithCompensationAlertAttempts(attempts int) Option {
	return func(o *options) {
		if attempts > 0 {
			o.alertAttempts = attempts
		}
	}
}

// WithMaxConcurrent bounds how many saga instances the coordinator executes
// in parallel. Instances beyond the bound wait for a worker slot.
func WithMaxConcurrent(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConcurrent = n
		}
	}
}

// WithSweepInterval sets how often Coordinator.Run re-scans the store for
// non-terminal instances.
func WithSweepInterval(interval time.Duration) Option {
	return func(o *options) {
		if interval > 0 {
			o.sweepInterval = interval
		}
	}
}

// WithDispatchLimiter throttles executor dispatch to protect downstream
// collaborators. Each instance acquires from the limiter once before its
// executor runs.
//
// Example:
//
//	coord := saga.NewCoordinator(registry, store,
//	    saga.WithDispatchLimiter(ratelimit.NewTokenBucket(50, 10)),
//	)
func WithDispatchLimiter(l ratelimit.Limiter) Option {
	return func(o *options) {
		o.limiter = l
	}
}
