package saga

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a saga instance.
//
// State transitions:
//
//	pending -> running -> completed
//	                   \
//	                compensating -> compensated
//	                            \
//	                            failed (administrative override only)
type Status string

const (
	// StatusPending indicates the instance is created but not started.
	StatusPending Status = "pending"

	// StatusRunning indicates forward steps are executing.
	StatusRunning Status = "running"

	// StatusCompleted indicates all forward steps succeeded. Terminal.
	StatusCompleted Status = "completed"

	// StatusCompensating indicates completed steps are being undone in
	// reverse order.
	StatusCompensating Status = "compensating"

	// StatusCompensated indicates every completed step was undone. Terminal.
	StatusCompensated Status = "compensated"

	// StatusFailed indicates compensation was abandoned by administrative
	// override. Terminal. Never reached automatically.
	StatusFailed Status = "failed"
)

// Terminal reports whether s is a terminal status. Terminal instances are no
// longer dispatched and may be archived.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCompensated || s == StatusFailed
}

// ActiveStatuses are the statuses the recovery sweep resumes.
var ActiveStatuses = []Status{StatusPending, StatusRunning, StatusCompensating}

// OutcomeSuccess is the outcome recorded for a completed forward step. The
// completed-step log only holds successful steps: a failed forward step is
// never appended, and compensation pops entries instead of rewriting them.
const OutcomeSuccess = "success"

// StepRecord is one entry in an instance's completed-step log.
type StepRecord struct {
	Name      string          `json:"name" bson:"name"`
	Outcome   string          `json:"outcome" bson:"outcome"`
	Result    json.RawMessage `json:"result,omitempty" bson:"result,omitempty"`
	Timestamp time.Time       `json:"timestamp" bson:"timestamp"`
}

// Instance is one saga execution: the persisted record the engine depends on
// for recovery. During forward execution CompletedSteps is a prefix of the
// definition's step sequence; during compensation it is consumed from the
// end. CurrentStep always stays within [0, len(steps)].
//
// Version increases strictly on every persisted mutation; a write with a
// stale version is rejected with ErrVersionConflict, which is what prevents
// two executors from advancing the same instance concurrently.
type Instance struct {
	ID             string          // Unique instance id
	SagaType       string          // Definition name this instance executes
	Payload        json.RawMessage // Opaque input data passed to every action
	Status         Status          // Current lifecycle state
	CurrentStep    int             // Index of the next forward step
	CompletedSteps []StepRecord    // Successful forward steps, in order
	LastError      string          // Failure that triggered compensation, if any
	CreatedAt      time.Time       // When the instance was created
	UpdatedAt      time.Time       // Last persisted mutation
	Version        int64           // Optimistic concurrency counter
}

// NewInstance creates a pending instance for the given saga type.
func NewInstance(id, sagaType string, payload json.RawMessage) *Instance {
	now := time.Now()
	return &Instance{
		ID:        id,
		SagaType:  sagaType,
		Payload:   payload,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy. Stores copy on write and read so callers never
// share mutable state with the store.
func (in *Instance) Clone() *Instance {
	clone := *in
	if in.CompletedSteps != nil {
		clone.CompletedSteps = make([]StepRecord, len(in.CompletedSteps))
		copy(clone.CompletedSteps, in.CompletedSteps)
	}
	return &clone
}

// Snapshot returns the Status-API view of the instance. It reflects the last
// durably persisted state and is always queryable without blocking on saga
// completion.
func (in *Instance) Snapshot() *Snapshot {
	steps := make([]StepRecord, len(in.CompletedSteps))
	copy(steps, in.CompletedSteps)
	return &Snapshot{
		SagaID:         in.ID,
		SagaType:       in.SagaType,
		Status:         in.Status,
		CurrentStep:    in.CurrentStep,
		CompletedSteps: steps,
		LastError:      in.LastError,
		UpdatedAt:      in.UpdatedAt,
	}
}

// Snapshot is a read-only view of an instance's progress.
type Snapshot struct {
	SagaID         string       `json:"saga_id"`
	SagaType       string       `json:"saga_type"`
	Status         Status       `json:"status"`
	CurrentStep    int          `json:"current_step"`
	CompletedSteps []StepRecord `json:"completed_steps"`
	LastError      string       `json:"last_error,omitempty"`
	UpdatedAt      time.Time    `json:"updated_at"`
}
