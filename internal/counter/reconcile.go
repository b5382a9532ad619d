package counter

import "fmt"

// Source says where a paid amount came from.
type Source int

const (
	// SourceUnknown means the telemetry could not be read. It is never zero.
	SourceUnknown Source = iota
	// SourceStoredTotal is the delta of the per-denomination stored value.
	SourceStoredTotal
	// SourceEstimate is a flat per-unit approximation from raw counters.
	SourceEstimate
)

func (s Source) String() string {
	switch s {
	case SourceStoredTotal:
		return "stored_total"
	case SourceEstimate:
		return "estimate"
	default:
		return "unknown"
	}
}

// DenominationLevel is the stored count of one denomination on a device.
type DenominationLevel struct {
	Value  int64
	Stored int64
}

// StoredTotal sums value*stored over levels.
func StoredTotal(levels []DenominationLevel) int64 {
	var total int64
	for _, l := range levels {
		total += l.Value * l.Stored
	}
	return total
}

// Snapshot is one reading of a device: raw counters and, when the device
// reported its currency assignment, the stored value total.
type Snapshot struct {
	Counters       Counters
	StoredCents    int64
	HasStoredTotal bool
}

// NewSnapshot builds a snapshot. An empty levels slice means the currency
// assignment was unavailable; it is never read as a stored total of zero.
func NewSnapshot(report string, levels []DenominationLevel) Snapshot {
	s := Snapshot{Counters: ParseCounters(report)}
	if len(levels) > 0 {
		s.StoredCents = StoredTotal(levels)
		s.HasStoredTotal = true
	}
	return s
}

// Amount is a paid amount together with its provenance.
type Amount struct {
	Cents  int64
	Source Source
	// Reason explains an unknown amount for diagnostics.
	Reason string
}

// Known reports whether the amount carries a value at all.
func (a Amount) Known() bool { return a.Source != SourceUnknown }

// Estimated reports whether the amount is a flat-rate approximation.
func (a Amount) Estimated() bool { return a.Source == SourceEstimate }

// Authoritative reports whether the amount may gate a destructive action
// such as disabling the acceptor or triggering a refund.
func (a Amount) Authoritative() bool { return a.Source == SourceStoredTotal }

func (a Amount) String() string {
	if !a.Known() {
		return "unknown (" + a.Reason + ")"
	}
	return fmt.Sprintf("%d (%s)", a.Cents, a.Source)
}

// Reconciler turns two snapshots into a session-scoped paid amount.
type Reconciler struct {
	// BillUnitCents and CoinUnitCents are the flat per-unit values used by
	// the estimate path. Zero disables estimation for that counter.
	BillUnitCents int64
	CoinUnitCents int64
}

// Reconcile computes the amount paid between baseline and current.
// The stored-total delta is preferred; the flat estimate is used only when
// denomination detail is missing on either side.
func (r Reconciler) Reconcile(baseline, current Snapshot) Amount {
	if baseline.HasStoredTotal && current.HasStoredTotal {
		return Amount{Cents: current.StoredCents - baseline.StoredCents, Source: SourceStoredTotal}
	}

	if !baseline.Counters.ParseSucceeded || !current.Counters.ParseSucceeded {
		return Amount{Source: SourceUnknown, Reason: "counter report unreadable and no stored total"}
	}
	if r.BillUnitCents <= 0 && r.CoinUnitCents <= 0 {
		return Amount{Source: SourceUnknown, Reason: "no stored total and estimation disabled"}
	}

	bills := current.Counters.Stacked - baseline.Counters.Stacked
	coins := current.Counters.CoinsPaidIn - baseline.Counters.CoinsPaidIn
	return Amount{
		Cents:  bills*r.BillUnitCents + coins*r.CoinUnitCents,
		Source: SourceEstimate,
	}
}
