package diagnostics

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable, machine-readable name of a lifecycle failure.
type ErrorKind string

const (
	KindInvalidTransition        ErrorKind = "InvalidTransition"
	KindStaleTransition          ErrorKind = "StaleTransition"
	KindConcurrentModification   ErrorKind = "ConcurrentModification"
	KindIncompleteCriticalReport ErrorKind = "IncompleteCriticalReport"
	KindBarcodeConflict          ErrorKind = "BarcodeConflict"
	KindSelfApprovalForbidden    ErrorKind = "SelfApprovalForbidden"
	KindAlreadyAcknowledged      ErrorKind = "AlreadyAcknowledged"
	KindNotFound                 ErrorKind = "NotFound"
	KindInvalidPayload           ErrorKind = "InvalidPayload"
	KindActorNotPermitted        ErrorKind = "ActorNotPermitted"
)

// LifecycleError is the sentinel type behind every error the package returns
// to callers. Match with errors.Is against the Err* values.
type LifecycleError struct {
	Kind    ErrorKind
	Message string
}

func (e *LifecycleError) Error() string { return e.Message }

var (
	ErrInvalidTransition        = &LifecycleError{KindInvalidTransition, "transition not permitted from current state"}
	ErrStaleTransition          = &LifecycleError{KindStaleTransition, "transition already applied with a different payload"}
	ErrConcurrentModification   = &LifecycleError{KindConcurrentModification, "order was modified concurrently"}
	ErrIncompleteCriticalReport = &LifecycleError{KindIncompleteCriticalReport, "critical result requires critical details"}
	ErrBarcodeConflict          = &LifecycleError{KindBarcodeConflict, "barcode is bound to another active order"}
	ErrSelfApprovalForbidden    = &LifecycleError{KindSelfApprovalForbidden, "approver must differ from performer and verifier"}
	ErrAlreadyAcknowledged      = &LifecycleError{KindAlreadyAcknowledged, "escalation already acknowledged"}
	ErrNotFound                 = &LifecycleError{KindNotFound, "not found"}
	ErrInvalidPayload           = &LifecycleError{KindInvalidPayload, "invalid payload"}
	ErrActorNotPermitted        = &LifecycleError{KindActorNotPermitted, "actor role may not request this transition"}
)

// KindOf returns the kind of the first LifecycleError in err's chain, or ""
// when err is not a lifecycle error.
func KindOf(err error) ErrorKind {
	var le *LifecycleError
	if errors.As(err, &le) {
		return le.Kind
	}
	return ""
}

// Retryable reports whether the caller may reload and try again.
func Retryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

func invalidPayload(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidPayload)
}
