package erp

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable covers transport failures, timeouts, 5xx responses, malformed bodies and an open breaker.
	ErrUnavailable = errors.New("erp: service unavailable")
	// ErrNotConfigured is returned when no Service Layer URL is set.
	ErrNotConfigured = fmt.Errorf("%w: not configured", ErrUnavailable)
	// ErrSerialNotFound means the ERP has no record of the serial for the item.
	ErrSerialNotFound = errors.New("erp: serial not found")
	// ErrItemNotFound means the item code does not exist in the ERP.
	ErrItemNotFound = errors.New("erp: item not found")
	// ErrUnauthorized means the Service Layer refused the credentials.
	ErrUnauthorized = errors.New("erp: login rejected")
)

// BusinessError is a rejection reported by the ERP in its error body.
// Message carries the ERP text verbatim.
type BusinessError struct {
	Status  int
	Code    string
	Message string
}

func (e *BusinessError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("erp: %s (code %s)", e.Message, e.Code)
	}
	return "erp: " + e.Message
}
