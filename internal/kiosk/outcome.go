package kiosk

import (
	"wash-kiosk-backend/internal/refund"
)

// Outcome is how a wash cycle ended. The set of implementations is closed:
// Completed, Refunded, Aborted, Cancelled and ContactSupport.
type Outcome interface {
	Kind() string
	isOutcome()
}

// Completed means the customer paid and the wash cycle ran to its end.
type Completed struct {
	PaidCents int64
	// Change is the payout of any amount paid above the target.
	Change *refund.Result
}

// Refunded means a hard timeout ended the cycle and the collected money was
// returned in full.
type Refunded struct {
	Reason string
	Refund refund.Result
}

// Aborted means the cycle ended before any money was collected.
type Aborted struct {
	Reason string
}

// Cancelled means an operator cancelled the cycle. Refund is set when
// collected money was returned.
type Cancelled struct {
	Refund *refund.Result
}

// ContactSupport means money or hardware is in a state only an operator can
// resolve. The kiosk latches until the state is cleared.
type ContactSupport struct {
	Err    error
	Refund *refund.Result
}

func (Completed) Kind() string      { return "completed" }
func (Refunded) Kind() string       { return "refunded" }
func (Aborted) Kind() string        { return "aborted" }
func (Cancelled) Kind() string      { return "cancelled" }
func (ContactSupport) Kind() string { return "contact_support" }

func (Completed) isOutcome()      {}
func (Refunded) isOutcome()       {}
func (Aborted) isOutcome()        {}
func (Cancelled) isOutcome()      {}
func (ContactSupport) isOutcome() {}

// describe returns a human readable reason and the refund, if any.
func describe(o Outcome) (string, *refund.Result) {
	switch o := o.(type) {
	case Completed:
		return "", o.Change
	case Refunded:
		return o.Reason, &o.Refund
	case Aborted:
		return o.Reason, nil
	case Cancelled:
		return "cancelled by operator", o.Refund
	case ContactSupport:
		return o.Err.Error(), o.Refund
	default:
		return "", nil
	}
}
