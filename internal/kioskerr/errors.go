package kioskerr

import (
	"errors"
	"fmt"
)

// Error is a stable, machine-readable error class surfaced to the operator.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any *Error carrying the same Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Code == t.Code
}

// WithMessage returns a new Error with the same Code but a specific message.
func (e *Error) WithMessage(msg string) *Error {
	return &Error{Code: e.Code, Message: msg}
}

// WithMessagef returns a new Error with a formatted message.
func (e *Error) WithMessagef(format string, args ...any) *Error {
	return &Error{Code: e.Code, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrConnectionAlreadyActive = &Error{Code: "E_CONNECTION_ALREADY_ACTIVE"}
	ErrOpenFailed              = &Error{Code: "E_OPEN_FAILED"}
	ErrCounterUnknown          = &Error{Code: "E_COUNTER_UNKNOWN"}
	ErrSoftTimeout             = &Error{Code: "E_SOFT_TIMEOUT"}
	ErrHardTimeout             = &Error{Code: "E_HARD_TIMEOUT"}
	ErrPartialDispense         = &Error{Code: "E_PARTIAL_DISPENSE"}
	ErrDispenseExhausted       = &Error{Code: "E_DISPENSE_EXHAUSTED"}
	ErrManualIntervention      = &Error{Code: "E_MANUAL_INTERVENTION"}
	ErrDeviceEmpty             = &Error{Code: "E_DEVICE_EMPTY"}
	ErrDispenseUnconfirmed     = &Error{Code: "E_DISPENSE_UNCONFIRMED"}
	ErrPhaseOrder              = &Error{Code: "E_PHASE_ORDER"}
	ErrInvalidPolicy           = &Error{Code: "E_INVALID_POLICY"}
	ErrNotConnecting           = &Error{Code: "E_NOT_CONNECTING"}
	ErrKioskBusy               = &Error{Code: "E_KIOSK_BUSY"}
	ErrShuttingDown            = &Error{Code: "E_SHUTTING_DOWN"}
)

// Fatal reports whether err belongs to a class that must latch the kiosk
// into the contact-support state.
func Fatal(err error) bool {
	return errors.Is(err, ErrDispenseExhausted) || errors.Is(err, ErrManualIntervention)
}
