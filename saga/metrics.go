package saga

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records engine metrics using OpenTelemetry.
//
// Metrics recorded:
//   - saga_executions_total: Counter of executor runs by saga type and final status
//   - saga_step_executions_total: Counter of forward step invocations by step and result
//   - saga_step_retries_total: Counter of forward step retries
//   - saga_compensation_steps_total: Counter of compensating invocations by step and result
//   - saga_compensation_alerts_total: Counter of unconfirmed-compensation alerts
//   - saga_execution_duration_seconds: Histogram of executor run duration
//   - saga_step_duration_seconds: Histogram of individual invocation duration
//   - saga_active_count: Gauge of currently executing instances
//
// All methods are nil-receiver safe, so metrics stay optional without nil
// checks at call sites.
//
// Example:
//
//	recorder := saga.NewMetricsRecorder("myapp")
//	coord := saga.NewCoordinator(registry, store, saga.WithMetrics(recorder))
type MetricsRecorder struct {
	meterName string
	meter     metric.Meter

	// Counters
	sagaExecutions     metric.Int64Counter
	stepExecutions     metric.Int64Counter
	stepRetries        metric.Int64Counter
	compensationSteps  metric.Int64Counter
	compensationAlerts metric.Int64Counter

	// Histograms
	sagaDuration metric.Float64Histogram
	stepDuration metric.Float64Histogram

	// Gauge tracking
	activeCount int64
	activeGauge metric.Int64ObservableGauge

	initOnce sync.Once
	initErr  error
}

// NewMetricsRecorder creates a new metrics recorder.
//
// The meterName is used to create the OpenTelemetry meter and should be
// unique to your application (e.g., "myapp" or "github.com/myorg/myapp").
func NewMetricsRecorder(meterName string) *MetricsRecorder {
	return &MetricsRecorder{
		meterName: meterName,
	}
}

// init lazily initializes the metrics instruments. This allows the recorder
// to be created before the OTel SDK is configured.
func (m *MetricsRecorder) init() error {
	m.initOnce.Do(func() {
		m.meter = otel.Meter(m.meterName)

		m.sagaExecutions, m.initErr = m.meter.Int64Counter(
			"saga_executions_total",
			metric.WithDescription("Total number of saga executor runs"),
			metric.WithUnit("{execution}"),
		)
		if m.initErr != nil {
			return
		}

		m.stepExecutions, m.initErr = m.meter.Int64Counter(
			"saga_step_executions_total",
			metric.WithDescription("Total number of forward step invocations"),
			metric.WithUnit("{execution}"),
		)
		if m.initErr != nil {
			return
		}

		m.stepRetries, m.initErr = m.meter.Int64Counter(
			"saga_step_retries_total",
			metric.WithDescription("Total number of forward step retries"),
			metric.WithUnit("{retry}"),
		)
		if m.initErr != nil {
			return
		}

		m.compensationSteps, m.initErr = m.meter.Int64Counter(
			"saga_compensation_steps_total",
			metric.WithDescription("Total number of compensating invocations"),
			metric.WithUnit("{execution}"),
		)
		if m.initErr != nil {
			return
		}

		m.compensationAlerts, m.initErr = m.meter.Int64Counter(
			"saga_compensation_alerts_total",
			metric.WithDescription("Total number of unconfirmed-compensation alerts"),
			metric.WithUnit("{alert}"),
		)
		if m.initErr != nil {
			return
		}

		m.sagaDuration, m.initErr = m.meter.Float64Histogram(
			"saga_execution_duration_seconds",
			metric.WithDescription("Duration of saga executor runs in seconds"),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
		)
		if m.initErr != nil {
			return
		}

		m.stepDuration, m.initErr = m.meter.Float64Histogram(
			"saga_step_duration_seconds",
			metric.WithDescription("Duration of individual invocations in seconds"),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
		)
		if m.initErr != nil {
			return
		}

		m.activeGauge, m.initErr = m.meter.Int64ObservableGauge(
			"saga_active_count",
			metric.WithDescription("Number of currently executing saga instances"),
			metric.WithUnit("{saga}"),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(atomic.LoadInt64(&m.activeCount))
				return nil
			}),
		)
	})

	return m.initErr
}

// RecordSagaStart records the start of an executor run.
func (m *MetricsRecorder) RecordSagaStart(ctx context.Context, sagaType string) {
	if m == nil {
		return
	}
	if err := m.init(); err != nil {
		return
	}
	atomic.AddInt64(&m.activeCount, 1)
}

// RecordSagaEnd records the end of an executor run with the status the
// instance held when the run yielded.
func (m *MetricsRecorder) RecordSagaEnd(ctx context.Context, sagaType string, status Status, duration time.Duration) {
	if m == nil {
		return
	}
	if err := m.init(); err != nil {
		return
	}

	atomic.AddInt64(&m.activeCount, -1)

	attrs := metric.WithAttributes(
		attribute.String("saga_type", sagaType),
		attribute.String("status", string(status)),
	)

	m.sagaExecutions.Add(ctx, 1, attrs)
	m.sagaDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordStepExecution records a forward step invocation.
// The result should be "success" or "failure".
func (m *MetricsRecorder) RecordStepExecution(ctx context.Context, sagaType, stepName, result string, duration time.Duration) {
	if m == nil {
		return
	}
	if err := m.init(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("saga_type", sagaType),
		attribute.String("step_name", stepName),
		attribute.String("result", result),
	)

	m.stepExecutions.Add(ctx, 1, attrs)
	m.stepDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordRetry records a forward step retry.
func (m *MetricsRecorder) RecordRetry(ctx context.Context, sagaType, stepName string) {
	if m == nil {
		return
	}
	if err := m.init(); err != nil {
		return
	}

	m.stepRetries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("saga_type", sagaType),
		attribute.String("step_name", stepName),
	))
}

// RecordCompensation records a compensating invocation.
// The result should be "success" or "failure".
func (m *MetricsRecorder) RecordCompensation(ctx context.Context, sagaType, stepName, result string, duration time.Duration) {
	if m == nil {
		return
	}
	if err := m.init(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("saga_type", sagaType),
		attribute.String("step_name", stepName),
		attribute.String("result", result),
	)

	m.compensationSteps.Add(ctx, 1, attrs)
	m.stepDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordCompensationAlert records an unconfirmed-compensation alert.
func (m *MetricsRecorder) RecordCompensationAlert(ctx context.Context, sagaType, stepName string) {
	if m == nil {
		return
	}
	if err := m.init(); err != nil {
		return
	}

	m.compensationAlerts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("saga_type", sagaType),
		attribute.String("step_name", stepName),
	))
}
