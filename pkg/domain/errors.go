package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/amitpaz1/formbridge/pkg/validation"
)

var (
	ErrSubmissionNotFound     = errors.New("submission not found")
	ErrSubmissionExpired      = errors.New("submission expired")
	ErrInvalidResumeToken     = errors.New("invalid resume token")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrIntakeNotFound         = errors.New("intake not found")
	ErrUploadNotFound         = errors.New("upload not found")
	ErrIdempotencyConflict    = errors.New("idempotency key reused with different request")
	ErrValidation             = errors.New("validation failed")
	// ErrStaleWrite is returned by stores when the expected resume token no
	// longer matches the stored one.
	ErrStaleWrite = errors.New("stale write")
)

type ErrorKind string

const (
	KindNotFound     ErrorKind = "not_found"
	KindConflict     ErrorKind = "conflict"
	KindValidation   ErrorKind = "validation"
	KindExpired      ErrorKind = "expired"
	KindInvalidState ErrorKind = "invalid_state"
	KindInternal     ErrorKind = "internal"
)

type SubmissionNotFoundError struct {
	SubmissionID string
}

func (e *SubmissionNotFoundError) Error() string {
	return fmt.Sprintf("submission %q not found", e.SubmissionID)
}

func (e *SubmissionNotFoundError) Is(target error) bool { return target == ErrSubmissionNotFound }

type SubmissionExpiredError struct {
	SubmissionID string
}

func (e *SubmissionExpiredError) Error() string {
	return fmt.Sprintf("submission %q has expired", e.SubmissionID)
}

func (e *SubmissionExpiredError) Is(target error) bool { return target == ErrSubmissionExpired }

type InvalidResumeTokenError struct {
	SubmissionID string
}

func (e *InvalidResumeTokenError) Error() string {
	if e.SubmissionID == "" {
		return "resume token is not valid"
	}
	return fmt.Sprintf("resume token is not current for submission %q", e.SubmissionID)
}

func (e *InvalidResumeTokenError) Is(target error) bool { return target == ErrInvalidResumeToken }

type InvalidStateTransitionError struct {
	SubmissionID string
	From         State
	To           State
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("submission %q cannot move from %s to %s", e.SubmissionID, e.From, e.To)
}

func (e *InvalidStateTransitionError) Is(target error) bool {
	return target == ErrInvalidStateTransition
}

type IntakeNotFoundError struct {
	IntakeID string
}

func (e *IntakeNotFoundError) Error() string { return fmt.Sprintf("intake %q not found", e.IntakeID) }

func (e *IntakeNotFoundError) Is(target error) bool { return target == ErrIntakeNotFound }

type UploadNotFoundError struct {
	SubmissionID string
	UploadID     string
}

func (e *UploadNotFoundError) Error() string {
	return fmt.Sprintf("upload %q not found on submission %q", e.UploadID, e.SubmissionID)
}

func (e *UploadNotFoundError) Is(target error) bool { return target == ErrUploadNotFound }

type IdempotencyConflictError struct {
	Key string
}

func (e *IdempotencyConflictError) Error() string {
	return fmt.Sprintf("idempotency key %q was already used with a different request", e.Key)
}

func (e *IdempotencyConflictError) Is(target error) bool { return target == ErrIdempotencyConflict }

// ValidationError carries the full validation result.
type ValidationError struct {
	Result validation.Result
}

func (e *ValidationError) Error() string {
	fields := make([]string, 0, len(e.Result.Errors))
	for _, fe := range e.Result.Errors {
		fields = append(fields, fe.Field+":"+string(fe.Code))
	}
	return "validation failed: " + strings.Join(fields, ", ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// KindOf classifies err for transport mapping.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSubmissionNotFound), errors.Is(err, ErrIntakeNotFound), errors.Is(err, ErrUploadNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidResumeToken), errors.Is(err, ErrIdempotencyConflict), errors.Is(err, ErrStaleWrite):
		return KindConflict
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrSubmissionExpired):
		return KindExpired
	case errors.Is(err, ErrInvalidStateTransition):
		return KindInvalidState
	default:
		return KindInternal
	}
}

// CodeOf returns the stable machine-readable code for err.
func CodeOf(err error) string {
	switch {
	case errors.Is(err, ErrSubmissionNotFound):
		return "SUBMISSION_NOT_FOUND"
	case errors.Is(err, ErrIntakeNotFound):
		return "INTAKE_NOT_FOUND"
	case errors.Is(err, ErrUploadNotFound):
		return "UPLOAD_NOT_FOUND"
	case errors.Is(err, ErrInvalidResumeToken), errors.Is(err, ErrStaleWrite):
		return "INVALID_RESUME_TOKEN"
	case errors.Is(err, ErrIdempotencyConflict):
		return "IDEMPOTENCY_CONFLICT"
	case errors.Is(err, ErrValidation):
		return "VALIDATION_FAILED"
	case errors.Is(err, ErrSubmissionExpired):
		return "SUBMISSION_EXPIRED"
	case errors.Is(err, ErrInvalidStateTransition):
		return "INVALID_STATE_TRANSITION"
	default:
		return "INTERNAL"
	}
}
