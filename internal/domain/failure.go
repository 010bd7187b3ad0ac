package domain

import (
	"errors"
	"fmt"
)

// FailureClass buckets pipeline failures for retry and dead-letter routing.
type FailureClass string

const (
	// FailureTransient covers broker/engine timeouts, network errors and rate
	// limiting. Retried with backoff up to the configured attempt budget.
	FailureTransient FailureClass = "transient"
	// FailureValidation covers malformed envelopes. Never retried.
	FailureValidation FailureClass = "validation"
	// FailureTransform covers structurally valid but semantically invalid
	// payloads (negative price). Never retried.
	FailureTransform FailureClass = "transform"
	// FailureWritePermanent covers engine-side rejections that will not heal
	// (mapping conflict, document too large). Never retried.
	FailureWritePermanent FailureClass = "write_permanent"
	// FailureBlocking covers conditions that must pause consumption instead
	// of dead-lettering (idempotency ledger unavailable).
	FailureBlocking FailureClass = "blocking"
)

// ClassifiedError attaches a FailureClass to an underlying error so the
// retry router can decide between backoff, dead-letter and pause.
type ClassifiedError struct {
	Class FailureClass
	Err   error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure.
func Transient(err error) error {
	return &ClassifiedError{Class: FailureTransient, Err: err}
}

// Validation wraps err as a permanent envelope-validation failure.
func Validation(err error) error {
	return &ClassifiedError{Class: FailureValidation, Err: err}
}

// TransformFailure wraps err as a permanent semantic-transform failure.
func TransformFailure(err error) error {
	return &ClassifiedError{Class: FailureTransform, Err: err}
}

// WritePermanent wraps err as a permanent engine-side write failure.
func WritePermanent(err error) error {
	return &ClassifiedError{Class: FailureWritePermanent, Err: err}
}

// Blocking wraps err as a consumption-pausing failure.
func Blocking(err error) error {
	return &ClassifiedError{Class: FailureBlocking, Err: err}
}

// ClassOf extracts the failure class from err. Unclassified errors are
// treated as transient so they stay on the retry path rather than being
// dead-lettered on a guess.
func ClassOf(err error) FailureClass {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	return FailureTransient
}

// IsPermanent reports whether err must never be retried.
func IsPermanent(err error) bool {
	switch ClassOf(err) {
	case FailureValidation, FailureTransform, FailureWritePermanent:
		return true
	default:
		return false
	}
}
