package transfers

import (
	"errors"
	"fmt"
	"strings"
)

// Domain errors for serial transfers.
var (
	// ErrNotFound indicates the transfer, line or serial does not exist.
	ErrNotFound = errors.New("transfers: not found")
	// ErrValidation covers malformed input and business-rule violations of a request.
	ErrValidation = errors.New("transfers: validation failed")
	// ErrForbidden indicates the actor's role does not allow the operation.
	ErrForbidden = errors.New("transfers: forbidden")
	// ErrDuplicateRequest indicates an Idempotency-Key that was already used.
	ErrDuplicateRequest = errors.New("transfers: duplicate request")

	// ErrPreconditionFailed matches every *PreconditionFailedError.
	ErrPreconditionFailed = errors.New("transfers: precondition failed")
	// ErrSerialValidationFailed matches every *SerialValidationError.
	ErrSerialValidationFailed = errors.New("transfers: serial validation failed")

	// ErrERPUnavailable means the ERP could not be reached or answered unusably.
	ErrERPUnavailable = errors.New("transfers: erp unavailable")
	// ErrERPRejected matches every *ERPRejectedError.
	ErrERPRejected = errors.New("transfers: erp rejected posting")
	// ErrFinalizeFailed means the local commit after an ERP call could not be written.
	ErrFinalizeFailed = errors.New("transfers: finalize failed")

	errNumberTaken = errors.New("transfers: transfer number taken")
)

// PreconditionFailedError reports a transition attempted from the wrong status.
type PreconditionFailedError struct {
	Event    EventKind
	Required Status
	Actual   Status
}

func (e *PreconditionFailedError) Error() string {
	return fmt.Sprintf("cannot %s: transfer must be %s but is %s", e.Event, e.Required, e.Actual)
}

// Is matches ErrPreconditionFailed.
func (e *PreconditionFailedError) Is(target error) bool {
	return target == ErrPreconditionFailed
}

// SerialValidationError lists every issue that blocks submission.
type SerialValidationError struct {
	Issues []Issue
}

func (e *SerialValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, i := range e.Issues {
		parts = append(parts, i.String())
	}
	return "serial validation failed: " + strings.Join(parts, "; ")
}

// Is matches ErrSerialValidationFailed.
func (e *SerialValidationError) Is(target error) bool {
	return target == ErrSerialValidationFailed
}

// ERPRejectedError carries the ERP's own rejection text.
type ERPRejectedError struct {
	Message string
}

func (e *ERPRejectedError) Error() string {
	return "ERP rejected the stock transfer: " + e.Message
}

// Is matches ErrERPRejected.
func (e *ERPRejectedError) Is(target error) bool {
	return target == ErrERPRejected
}
