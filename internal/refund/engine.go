package refund

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"wash-kiosk-backend/internal/kioskerr"
)

// Kind says whether a device pays out bills or coins.
type Kind string

const (
	KindBill Kind = "bill"
	KindCoin Kind = "coin"
)

// Dispenser issues dispense commands to one physical device. It returns the
// number of units that actually left the device, also on error.
type Dispenser interface {
	Dispense(ctx context.Context, value int64, count int) (int, error)
}

// Denomination is one payable denomination with its available stock.
type Denomination struct {
	Value    int64
	MaxCount int
}

// Device is a payout device and its stock, denominations in any order.
type Device struct {
	ID            string
	Name          string
	Kind          Kind
	Batch         bool
	Dispenser     Dispenser
	Denominations []Denomination
}

// DispenseBreakdown is the payout of one denomination on one device.
type DispenseBreakdown struct {
	DeviceID     string `json:"deviceId"`
	DeviceName   string `json:"deviceName"`
	Denomination int64  `json:"denomination"`
	Count        int    `json:"count"`
	Amount       int64  `json:"amount"`
}

// Result is the auditable outcome of one refund.
type Result struct {
	Success             bool                `json:"success"`
	RequestedCents      int64               `json:"requestedCents"`
	RemainingCents      int64               `json:"remainingCents"`
	Breakdown           []DispenseBreakdown `json:"breakdown"`
	Errors              []string            `json:"errors"`
	BillDispensedCents  int64               `json:"billDispensedCents"`
	CoinDispensedCents  int64               `json:"coinDispensedCents"`
	TotalDispensedCents int64               `json:"totalDispensedCents"`
}

// Err returns a DispenseExhausted error when money is still owed.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	return kioskerr.ErrDispenseExhausted.WithMessagef("%d of %d cents not dispensed", r.RemainingCents, r.RequestedCents)
}

// Engine computes and executes greedy denomination payouts.
type Engine struct {
	maxAttempts  int
	retryBackoff time.Duration
}

// NewEngine creates an engine that tries each dispense command up to
// maxAttempts times on transient errors.
func NewEngine(maxAttempts int, retryBackoff time.Duration) *Engine {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Engine{maxAttempts: maxAttempts, retryBackoff: retryBackoff}
}

type slot struct {
	device *Device
	denom  Denomination
}

// Refund pays out amountCents largest denomination first across devices.
// It always returns a result; an undispensed balance is reported through
// RemainingCents and Success, never dropped.
//
// Cancelling ctx stops new commands from being issued, but a command already
// sent to a device is always waited for.
func (e *Engine) Refund(ctx context.Context, amountCents int64, devices []Device) Result {
	remaining := amountCents
	if remaining < 0 {
		remaining = 0
	}

	var slots []slot
	for i := range devices {
		for _, d := range devices[i].Denominations {
			if d.Value > 0 && d.MaxCount > 0 {
				slots = append(slots, slot{device: &devices[i], denom: d})
			}
		}
	}
	sort.SliceStable(slots, func(i, j int) bool { return slots[i].denom.Value > slots[j].denom.Value })

	var breakdown []DispenseBreakdown
	var warnings []string
	for _, s := range slots {
		if remaining == 0 {
			break
		}
		if ctx.Err() != nil {
			warnings = append(warnings, fmt.Sprintf("refund interrupted before %d on %s: %v", s.denom.Value, s.device.ID, ctx.Err()))
			break
		}

		want := int(remaining / s.denom.Value)
		if want > s.denom.MaxCount {
			want = s.denom.MaxCount
		}
		if want == 0 {
			continue
		}

		count, err := e.dispenseDenomination(ctx, s, want)
		if count > 0 {
			breakdown = append(breakdown, DispenseBreakdown{
				DeviceID:     s.device.ID,
				DeviceName:   s.device.Name,
				Denomination: s.denom.Value,
				Count:        count,
				Amount:       s.denom.Value * int64(count),
			})
			remaining -= s.denom.Value * int64(count)
		}
		if err != nil {
			msg := fmt.Sprintf("%s: dispensed %d of %d x %d: %v", s.device.ID, count, want, s.denom.Value, err)
			log.Printf("Warning: refund %s", msg)
			warnings = append(warnings, kioskerr.ErrPartialDispense.WithMessage(msg).Error())
		}
		if errors.Is(err, kioskerr.ErrDispenseUnconfirmed) {
			// No command follows an unconfirmed payout.
			warnings = append(warnings, fmt.Sprintf("refund stopped: payout on %s unconfirmed, count the device before paying out more", s.device.ID))
			break
		}
	}

	result := newResult(amountCents, remaining, breakdown, warnings, devices)
	if !result.Success {
		log.Printf("Refund left %d of %d cents undispensed", result.RemainingCents, amountCents)
	}
	return result
}

// dispenseDenomination pays out up to want units of one slot, per unit or in
// one batch, retrying transient errors. It returns the units dispensed and
// the error that ended the attempt, if any.
func (e *Engine) dispenseDenomination(ctx context.Context, s slot, want int) (int, error) {
	// In-flight hardware commands outlive cancellation of the caller.
	hwCtx := context.WithoutCancel(ctx)

	dispensed := 0
	attempts := 0
	for dispensed < want {
		if ctx.Err() != nil {
			return dispensed, ctx.Err()
		}

		batch := 1
		if s.device.Batch {
			batch = want - dispensed
		}

		n, err := s.device.Dispenser.Dispense(hwCtx, s.denom.Value, batch)
		if n > batch {
			n = batch
		}
		if n < 0 {
			n = 0
		}
		dispensed += n

		if err == nil && n == batch {
			attempts = 0
			continue
		}
		if err == nil {
			err = fmt.Errorf("device acknowledged %d of %d units", n, batch)
		}
		if errors.Is(err, kioskerr.ErrDeviceEmpty) || errors.Is(err, kioskerr.ErrDispenseUnconfirmed) {
			return dispensed, err
		}

		attempts++
		if attempts >= e.maxAttempts {
			return dispensed, fmt.Errorf("giving up after %d attempts: %w", attempts, err)
		}
		log.Printf("Dispense %d on %s failed (attempt %d/%d): %v", s.denom.Value, s.device.ID, attempts, e.maxAttempts, err)
		if e.retryBackoff > 0 {
			select {
			case <-ctx.Done():
				return dispensed, ctx.Err()
			case <-time.After(e.retryBackoff):
			}
		}
	}
	return dispensed, nil
}

func newResult(requested, remaining int64, breakdown []DispenseBreakdown, warnings []string, devices []Device) Result {
	kinds := make(map[string]Kind, len(devices))
	for _, d := range devices {
		kinds[d.ID] = d.Kind
	}

	r := Result{
		RequestedCents: requested,
		RemainingCents: remaining,
		Breakdown:      breakdown,
		Errors:         warnings,
	}
	for _, b := range breakdown {
		if kinds[b.DeviceID] == KindCoin {
			r.CoinDispensedCents += b.Amount
		} else {
			r.BillDispensedCents += b.Amount
		}
	}
	r.TotalDispensedCents = r.BillDispensedCents + r.CoinDispensedCents
	r.Success = r.RemainingCents == 0
	if r.Breakdown == nil {
		r.Breakdown = []DispenseBreakdown{}
	}
	if r.Errors == nil {
		r.Errors = []string{}
	}
	return r
}
