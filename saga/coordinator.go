package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Coordinator is the process-wide entry point of the engine. It creates new
// saga instances, recovers in-flight instances after a restart by scanning
// the store, and schedules executor runs on a bounded worker pool.
//
// Dispatch is single-owner: the coordinator never hands the same instance id
// to two tasks simultaneously, and the store's version check guards against
// duplicate-recovery races across processes.
//
// Example:
//
//	coord := saga.NewCoordinator(registry, store,
//	    saga.WithMaxConcurrent(32),
//	    saga.WithMetrics(saga.NewMetricsRecorder("myapp")),
//	)
//	defer coord.Close()
//
//	go coord.Run(ctx) // recovery sweeps
//
//	id, err := coord.Start(ctx, "order-checkout", payload)
type Coordinator struct {
	registry *Registry
	store    Store
	opts     *options
	logger   *slog.Logger

	sem chan struct{}

	// baseCtx governs executor tasks; Close cancels it so even indefinite
	// compensation retries yield promptly.
	baseCtx   context.Context
	cancelAll context.CancelFunc

	mu       sync.Mutex
	inflight map[string]*Executor
	closed   bool

	wg sync.WaitGroup
}

// NewCoordinator creates a coordinator over a definition registry and a
// store.
func NewCoordinator(registry *Registry, store Store, opts ...Option) *Coordinator {
	o := newOptions(opts)
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		registry:  registry,
		store:     store,
		opts:      o,
		logger:    o.logger.With("component", "saga.coordinator"),
		sem:       make(chan struct{}, o.maxConcurrent),
		baseCtx:   baseCtx,
		cancelAll: cancel,
		inflight:  make(map[string]*Executor),
	}
}

// Start creates and dispatches a new saga instance. It returns as soon as
// the instance is durably persisted; execution proceeds on the worker pool.
// Returns ErrUnknownSagaType if the saga type is not registered.
func (c *Coordinator) Start(ctx context.Context, sagaType string, payload json.RawMessage) (string, error) {
	def, err := c.registry.Lookup(sagaType)
	if err != nil {
		return "", err
	}

	inst := NewInstance(uuid.NewString(), sagaType, payload)
	if err := c.store.Create(ctx, inst); err != nil {
		return "", fmt.Errorf("create saga instance: %w", err)
	}

	c.logger.Info("saga accepted",
		"saga_id", inst.ID,
		"saga_type", sagaType)

	c.dispatch(def, inst)

	return inst.ID, nil
}

// GetStatus returns a snapshot of an instance's last durably persisted
// state. It never blocks on saga completion. Returns ErrNotFound for an
// unknown or archived id.
func (c *Coordinator) GetStatus(ctx context.Context, sagaID string) (*Snapshot, error) {
	inst, err := c.store.Get(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	return inst.Snapshot(), nil
}

// Cancel requests cancellation of a running instance. The current step is
// forced to an immediate permanent failure, which triggers compensation.
//
// Cancellation of a compensating instance is rejected with ErrNotCancelable:
// compensation, once started, runs to completion, because a partial undo is
// not a valid terminal state. Terminal instances are likewise rejected.
func (c *Coordinator) Cancel(ctx context.Context, sagaID string) error {
	inst, err := c.store.Get(ctx, sagaID)
	if err != nil {
		return err
	}
	if inst.Status == StatusCompensating || inst.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrNotCancelable, sagaID, inst.Status)
	}

	c.mu.Lock()
	exec, running := c.inflight[sagaID]
	c.mu.Unlock()

	if running {
		exec.Cancel()
		c.logger.Info("cancellation requested", "saga_id", sagaID)
		return nil
	}

	// Not in flight in this process: flip the persisted state directly and
	// let the next recovery sweep run the compensation. The version check
	// makes this safe against an executor elsewhere.
	inst.LastError = "canceled by request"
	inst.Status = StatusCompensating
	inst.UpdatedAt = time.Now()
	if err := c.store.Update(ctx, inst); err != nil {
		return fmt.Errorf("cancel saga %s: %w", sagaID, err)
	}

	c.logger.Info("cancellation persisted for recovery",
		"saga_id", sagaID)

	return nil
}

// Abandon is the administrative override that moves a compensating instance
// to StatusFailed, abandoning its compensation retries. This is never done
// automatically: by default a stuck saga stays in StatusCompensating and is
// retried on every recovery sweep. Use Abandon only when the remaining
// compensations have been resolved out of band.
func (c *Coordinator) Abandon(ctx context.Context, sagaID string) error {
	inst, err := c.store.Get(ctx, sagaID)
	if err != nil {
		return err
	}
	if inst.Status != StatusCompensating {
		return fmt.Errorf("saga instance %s is %s, only compensating instances can be abandoned", sagaID, inst.Status)
	}

	inst.Status = StatusFailed
	inst.UpdatedAt = time.Now()
	if err := c.store.Update(ctx, inst); err != nil {
		return fmt.Errorf("abandon saga %s: %w", sagaID, err)
	}

	publish(ctx, c.opts.publisher, TransitionEvent{
		SagaID:    inst.ID,
		SagaType:  inst.SagaType,
		From:      StatusCompensating,
		To:        StatusFailed,
		Timestamp: inst.UpdatedAt,
	})

	c.logger.Warn("saga abandoned by administrative override",
		"saga_id", sagaID)

	return nil
}

// Acknowledge archives a failed instance after an operator has surfaced and
// acted on it. Completed and compensated instances are archived
// automatically when their executor finishes.
func (c *Coordinator) Acknowledge(ctx context.Context, sagaID string) error {
	inst, err := c.store.Get(ctx, sagaID)
	if err != nil {
		return err
	}
	if inst.Status != StatusFailed {
		return fmt.Errorf("saga instance %s is %s, only failed instances need acknowledgement", sagaID, inst.Status)
	}
	return c.store.Archive(ctx, sagaID)
}

// Recover loads all non-terminal instances from the store and resumes their
// executors. Run it once at startup and periodically (Run does both); this
// is what gives the engine crash-restart correctness: no coordinator state
// survives a restart except what the store holds.
//
// Instances already in flight in this process are skipped, preserving the
// single-owner dispatch policy. Returns the number of instances dispatched.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	instances, err := c.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("load active instances: %w", err)
	}

	dispatched := 0
	for _, inst := range instances {
		def, err := c.registry.Lookup(inst.SagaType)
		if err != nil {
			// An instance for a type this process does not know. Leave it
			// for a process that does.
			c.logger.Warn("skipping instance with unregistered saga type",
				"saga_id", inst.ID,
				"saga_type", inst.SagaType)
			continue
		}
		if c.dispatch(def, inst) {
			dispatched++
		}
	}

	if dispatched > 0 {
		c.logger.Info("recovery sweep dispatched instances",
			"count", dispatched)
	}

	return dispatched, nil
}

// Run performs an initial recovery sweep and then re-sweeps on the
// configured interval until ctx is canceled. It blocks; run it on its own
// goroutine.
func (c *Coordinator) Run(ctx context.Context) error {
	if _, err := c.Recover(ctx); err != nil {
		c.logger.Error("initial recovery sweep failed", "error", err)
	}

	ticker := time.NewTicker(c.opts.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.Recover(ctx); err != nil {
				c.logger.Error("recovery sweep failed", "error", err)
			}
		}
	}
}

// Close stops accepting dispatches, interrupts in-flight executors, and
// waits for them to yield. Instances that have not reached a terminal state
// remain in the store and resume on the next recovery sweep of any process.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancelAll()
	c.wg.Wait()
}

// dispatch hands inst to an executor task unless the id is already owned by
// one. Reports whether a task was started.
func (c *Coordinator) dispatch(def *Definition, inst *Instance) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if _, owned := c.inflight[inst.ID]; owned {
		c.mu.Unlock()
		return false
	}
	exec := NewExecutor(def, c.store, c.executorOptions()...)
	c.inflight[inst.ID] = exec
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.inflight, inst.ID)
			c.mu.Unlock()
		}()

		// Suspension points only: the worker slot, the dispatch limiter,
		// and the step invocations inside Run.
		select {
		case c.sem <- struct{}{}:
		case <-c.baseCtx.Done():
			return
		}
		defer func() { <-c.sem }()

		ctx := c.baseCtx

		if c.opts.limiter != nil {
			if err := c.opts.limiter.Wait(ctx); err != nil {
				c.logger.Error("dispatch limiter rejected saga",
					"saga_id", inst.ID,
					"error", err)
				return
			}
		}

		if err := exec.Run(ctx, inst); err != nil {
			c.logger.Error("executor yielded before terminal state",
				"saga_id", inst.ID,
				"error", err)
			return
		}

		c.finish(ctx, inst)
	}()

	return true
}

// finish archives an instance that reached Completed or Compensated. Failed
// instances stay active until an operator acknowledges them.
func (c *Coordinator) finish(ctx context.Context, inst *Instance) {
	if inst.Status != StatusCompleted && inst.Status != StatusCompensated {
		return
	}

	if err := c.store.Archive(ctx, inst.ID); err != nil {
		// Not fatal: the instance is terminal and a later sweep or operator
		// can archive it.
		c.logger.Warn("archive failed",
			"saga_id", inst.ID,
			"error", err)
	}
}

// executorOptions projects the coordinator's options onto a fresh executor.
func (c *Coordinator) executorOptions() []Option {
	return []Option{
		WithLogger(c.opts.logger),
		WithMetrics(c.opts.metrics),
		WithInvoker(c.opts.invoker),
		WithPublisher(c.opts.publisher),
		WithAlertFunc(c.opts.alert),
		WithRetryBackoff(c.opts.retryBackoff),
		WithCompensationBackoff(c.opts.compBackoff),
		WithCompensationAlertAttempts(c.opts.alertAttempts),
	}
}
