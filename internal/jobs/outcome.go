package jobs

import (
	"errors"

	"file-ingestion-service/internal/models"
)

// OutcomeKind classifies what happened when a handler ran.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeTransient
	OutcomePermanent
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransient:
		return "transient_failure"
	case OutcomePermanent:
		return "permanent_failure"
	}
	return "unknown"
}

// Outcome is returned by every handler; the controller decides the next transition from it.
type Outcome struct {
	Kind    OutcomeKind
	Result  models.Result
	Message string
	Err     error
}

// Success reports completed work with its result fields.
func Success(result models.Result, message string) Outcome {
	return Outcome{Kind: OutcomeSuccess, Result: result, Message: message}
}

// TransientFailure reports an error eligible for retry within the policy bound.
func TransientFailure(err error) Outcome {
	return Outcome{Kind: OutcomeTransient, Err: err}
}

// PermanentFailure reports an error that must not be retried.
func PermanentFailure(err error) Outcome {
	return Outcome{Kind: OutcomePermanent, Err: err}
}

// FromError maps a plain error onto an Outcome: nil is success, errors wrapped
// with Permanent are permanent, everything else is transient.
func FromError(err error) Outcome {
	switch {
	case err == nil:
		return Success(models.Result{}, "")
	case IsPermanent(err):
		return PermanentFailure(err)
	default:
		return TransientFailure(err)
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retriable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err (or anything it wraps) was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
