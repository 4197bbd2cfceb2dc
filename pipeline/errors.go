package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError rejects an ingress payload. Nothing has been enqueued when
// it is returned, and retrying the same payload fails the same way.
type ValidationError struct {
	// Reason describes what is wrong with the payload.
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid payload: " + e.Reason
}

func invalid(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// TransientError wraps an infrastructure failure (store, queue, result
// store). The caller should let the queue redeliver or retry the call.
type TransientError struct {
	// Op names the step that failed.
	Op string
	// CollectionID is set when the failure concerns one collection.
	CollectionID string
	Err          error
}

func (e *TransientError) Error() string {
	if e.CollectionID != "" {
		return fmt.Sprintf("%s (collection %s): %v", e.Op, e.CollectionID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

func transient(op, collectionID string, err error) *TransientError {
	return &TransientError{Op: op, CollectionID: collectionID, Err: err}
}

// IsTransient reports whether err is or wraps a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// MergeError reports a merge whose value is NaN or infinite. The same two
// packets merge to the same value on every delivery, so the reduce item is
// left to exhaust its receives.
type MergeError struct {
	CollectionID string
	// Consumed are the packet ids that were being merged.
	Consumed [2]string
	Value    float64
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("collection %s: merging %s and %s produced non-finite value %v",
		e.CollectionID, e.Consumed[0], e.Consumed[1], e.Value)
}

// ItemError is the failure of one item of a map batch.
type ItemError struct {
	// Index is the position of the item in the batch.
	Index int
	Err   error
}

// BatchError reports map items that failed while the rest of the batch
// committed. Only the failed items should be redelivered.
type BatchError struct {
	Failed []ItemError
}

func (e *BatchError) Error() string {
	parts := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		parts = append(parts, fmt.Sprintf("item %d: %v", f.Index, f.Err))
	}
	return fmt.Sprintf("%d map item(s) failed: %s", len(e.Failed), strings.Join(parts, "; "))
}

// Unwrap exposes the item causes to errors.Is and errors.As.
func (e *BatchError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, f := range e.Failed {
		errs = append(errs, f.Err)
	}
	return errs
}

// FailedIndexes returns the set of failed batch positions.
func (e *BatchError) FailedIndexes() map[int]error {
	out := make(map[int]error, len(e.Failed))
	for _, f := range e.Failed {
		out[f.Index] = f.Err
	}
	return out
}
