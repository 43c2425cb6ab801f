package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a pipeline failure and determines how the top-level
// boundary routes it: retry in place, park in the DLQ, or fail the run.
type ErrorKind string

const (
	// KindTransient covers infrastructure failures that are expected to
	// clear on their own: upstream timeouts, DB deadlocks, lock contention.
	// Retried in-pipeline with backoff, then parked retryable.
	KindTransient ErrorKind = "TRANSIENT"

	// KindValidation covers recoverable data problems (unknown ticker, bad
	// decimal scale). Parked in the DLQ for manual replay; no automatic
	// retry.
	KindValidation ErrorKind = "VALIDATION"

	// KindFatal covers messages that can never succeed: missing required
	// keys, unparseable payloads. Parked with status FAILED immediately.
	KindFatal ErrorKind = "FATAL"

	// KindBusiness covers fatal business-rule breaches: a negative quantity
	// emerging where prohibited, a duplicate externalRefId with a
	// conflicting payload. Fails the run or event.
	KindBusiness ErrorKind = "BUSINESS"

	// KindCapacity means a circuit breaker is open; new work is refused
	// while existing work drains.
	KindCapacity ErrorKind = "CAPACITY"
)

// Well-known error codes carried into DLQ entries.
const (
	CodeNoActiveBatch  = "NO_ACTIVE_BATCH"
	CodeUnknownTicker  = "UNKNOWN_TICKER"
	CodeLockBusy       = "LOCK_BUSY"
	CodeBadPayload     = "BAD_PAYLOAD"
	CodeUpstreamFailed = "UPSTREAM_FAILED"
	CodeConflictingRef = "CONFLICTING_EXTERNAL_REF"
)

// PipelineError is the result type carried from pipeline internals to the
// top boundary. The boundary translates Kind into DB state updates and DLQ
// routing rather than using exceptions for flow.
type PipelineError struct {
	Kind ErrorKind
	Code string
	Msg  string
	Err  error
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// Retryable reports whether the failure should be retried automatically.
func (e *PipelineError) Retryable() bool {
	return e.Kind == KindTransient
}

// Transient builds a retryable infrastructure error.
func Transient(code, msg string, err error) *PipelineError {
	return &PipelineError{Kind: KindTransient, Code: code, Msg: msg, Err: err}
}

// Validation builds a recoverable data-validation error.
func Validation(code, msg string, err error) *PipelineError {
	return &PipelineError{Kind: KindValidation, Code: code, Msg: msg, Err: err}
}

// Fatal builds a never-retry error.
func Fatal(code, msg string, err error) *PipelineError {
	return &PipelineError{Kind: KindFatal, Code: code, Msg: msg, Err: err}
}

// Business builds a fatal business-rule error.
func Business(code, msg string, err error) *PipelineError {
	return &PipelineError{Kind: KindBusiness, Code: code, Msg: msg, Err: err}
}

// Capacity builds a breaker-open error.
func Capacity(msg string, err error) *PipelineError {
	return &PipelineError{Kind: KindCapacity, Code: "", Msg: msg, Err: err}
}

// AsPipelineError extracts a *PipelineError from err's chain. Unclassified
// errors default to KindTransient so unknown infrastructure failures get
// retried rather than silently dropped.
func AsPipelineError(err error) *PipelineError {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe
	}
	return &PipelineError{Kind: KindTransient, Msg: "unclassified error", Err: err}
}
