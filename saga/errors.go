// Error handling in this package follows the event ecosystem conventions:
// sentinel errors checked with errors.Is, version conflicts shared with
// github.com/rbaliyan/event/v3/errors, and step failures classified as
// retryable or permanent through typed wrappers.
package saga

import (
	"errors"
	"fmt"

	eventerrors "github.com/rbaliyan/event/v3/errors"
)

// Sentinel errors for caller and configuration mistakes. These are surfaced
// immediately and never retried.
var (
	// ErrDuplicateDefinition is returned by Registry.Register when the saga
	// type is already registered.
	ErrDuplicateDefinition = errors.New("saga definition already registered")

	// ErrUnknownSagaType is returned when a saga type has no registered
	// definition.
	ErrUnknownSagaType = errors.New("unknown saga type")

	// ErrDuplicateID is returned by Store.Create when an instance with the
	// same id already exists.
	ErrDuplicateID = errors.New("saga instance already exists")

	// ErrNotFound is returned when a saga instance does not exist in the
	// active store.
	ErrNotFound = errors.New("saga instance not found")

	// ErrNotCancelable is returned by Coordinator.Cancel for an instance that
	// is compensating or already terminal. Compensation, once started, runs
	// to completion; partial undo is not a valid terminal state.
	ErrNotCancelable = errors.New("saga instance cannot be canceled")
)

// ErrVersionConflict is returned when a compare-and-set update fails because
// the stored version differs from the expected one. It signals that another
// executor already advanced the instance; the losing writer aborts its turn
// and the next recovery sweep resumes correctly.
//
// This is an alias to the shared event errors package for ecosystem
// consistency.
var ErrVersionConflict = eventerrors.ErrVersionConflict

// NewVersionConflictError creates a detailed version conflict error for a
// saga instance.
func NewVersionConflictError(sagaID string, expected, actual int64) error {
	return eventerrors.NewVersionConflictError("saga instance", sagaID, expected, actual)
}

// IsVersionConflict checks if an error indicates a compare-and-set failure
// due to a concurrent modification.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict) || eventerrors.IsVersionConflict(err)
}

// IsNotFound checks if an error indicates a missing saga instance.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || eventerrors.IsNotFound(err)
}

// retryableError marks a step failure as transient.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return "retryable: " + e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// permanentError marks a step failure as unrecoverable.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return "permanent: " + e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Retryable wraps err so the executor retries the step, up to the step's
// retry budget, before escalating to a permanent failure. Wrapping nil
// returns nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// Permanent wraps err so the executor skips retries and starts compensation
// immediately. Wrapping nil returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent. Everything else,
// including plain unwrapped errors, counts as retryable: transient faults are
// the common case and the retry budget still bounds them.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// IsRetryable reports whether err should be retried.
func IsRetryable(err error) bool {
	return err != nil && !IsPermanent(err)
}

// exhaustedError records that a step's retry budget ran out. Treated as a
// permanent failure for the step, so it triggers compensation.
func exhaustedError(stepName string, attempts int, last error) error {
	return Permanent(fmt.Errorf("step %s: %d attempts exhausted, last error: %w", stepName, attempts, last))
}
