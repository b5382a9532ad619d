package kiosk

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"wash-kiosk-backend/internal/counter"
	"wash-kiosk-backend/internal/kioskerr"
	"wash-kiosk-backend/internal/model"
	"wash-kiosk-backend/internal/notification"
	"wash-kiosk-backend/internal/refund"
	"wash-kiosk-backend/internal/session"
	"wash-kiosk-backend/internal/timeout"
)

// acceptancePhase labels the cash acceptance step in metrics.
const acceptancePhase = "CASH_ACCEPTANCE"

// cycle is the state of one wash cycle. The fields under mu are read by
// Status while the cycle runs.
type cycle struct {
	id        string
	target    int64
	model     int
	startedAt time.Time
	cancel    context.CancelFunc

	mu         sync.Mutex
	state      State
	phase      string
	sessionIDs []string
	deviceIDs  []string
	paid       counter.Amount
	// netPaid is the money kept for the wash once payment completed.
	netPaid int64
	change  *refund.Result
}

func (c *cycle) set(state State, phase string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
	if phase != "" {
		c.phase = phase
	}
}

func (c *cycle) setPaid(a counter.Amount) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paid = a
}

func (c *cycle) kept() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.netPaid
}

// probe reports the payment side to the timeout engine at a hard timeout.
// Money counts as collected from the moment payment completes until the
// wash start is confirmed.
func (c *cycle) probe(ctx context.Context, phase timeout.Phase) timeout.Escalation {
	switch phase {
	case timeout.Start214:
		return timeout.Escalation{CashActive: true, PaidCents: c.kept(), PaidKnown: true, HardwareConsistent: true}
	case timeout.Monitor102:
		return timeout.Escalation{PaidKnown: true, Reason: "wash cycle did not report completion"}
	default:
		return timeout.Escalation{PaidKnown: true, HardwareConsistent: true}
	}
}

func (c *cycle) paymentRecord(outcome, reason string, endedAt time.Time) model.PaymentRecord {
	if len(reason) > 512 {
		reason = reason[:512]
	}
	return model.PaymentRecord{
		ID:          c.id,
		SessionID:   strings.Join(c.sessionIDs, ","),
		DeviceID:    strings.Join(c.deviceIDs, ","),
		Model:       c.model,
		TargetCents: c.target,
		PaidCents:   c.paid.Cents,
		PaidSource:  c.paid.Source.String(),
		Outcome:     outcome,
		Reason:      reason,
		StartedAt:   c.startedAt,
		EndedAt:     endedAt,
	}
}

// runCycle drives the gate phases, taking payment between GATE_CHECK_240
// and START_214.
func (k *Kiosk) runCycle(ctx context.Context, c *cycle) Outcome {
	policy := k.opts.Policies.Select(c.model)
	engine := timeout.NewEngine(policy, k.deps.Signals, k.opts.Conditions,
		timeout.WithEscalationProbe(c.probe),
		timeout.WithTimeoutHook(func(h timeout.Handling) { k.onTimeout(c, h) }),
	)

	for {
		phase, ok := engine.Next()
		if !ok {
			return ContactSupport{Err: kioskerr.ErrPhaseOrder.WithMessage("gate sequence ended without completion")}
		}
		c.set(StateRunning, phase.String())

		res, err := engine.Advance(ctx)
		k.deps.Metrics.PhaseDuration.WithLabelValues(phase.String(), string(res.Outcome)).Observe(res.Elapsed.Seconds())

		switch res.Outcome {
		case timeout.OutcomeAdvanced:
			if phase != timeout.GateCheck240 {
				continue
			}
			if out := k.acceptCash(ctx, c); out != nil {
				return out
			}
		case timeout.OutcomeCompleted:
			return k.completed(c)
		default:
			return k.conclude(ctx, c, res, err)
		}
	}
}

func (k *Kiosk) completed(c *cycle) Outcome {
	c.mu.Lock()
	change := c.change
	paid := c.netPaid
	c.mu.Unlock()

	if change != nil && !change.Success {
		return ContactSupport{
			Err:    fmt.Errorf("change not paid out: %w", change.Err()),
			Refund: change,
		}
	}
	return Completed{PaidCents: paid, Change: change}
}

// conclude turns a terminal phase result into the cycle outcome.
func (k *Kiosk) conclude(ctx context.Context, c *cycle, res timeout.PhaseResult, err error) Outcome {
	switch res.Outcome {
	case timeout.OutcomeRefunding:
		r := k.refund(ctx, c, c.kept())
		if !r.Success {
			return ContactSupport{Err: fmt.Errorf("%w: %w", err, r.Err()), Refund: &r}
		}
		return Refunded{Reason: err.Error(), Refund: r}
	case timeout.OutcomeManualIntervention:
		return ContactSupport{Err: err}
	case timeout.OutcomeCancelled:
		// Money is returned only while the wash has not started yet.
		if res.Phase == timeout.Start214 && c.kept() > 0 {
			r := k.refund(ctx, c, c.kept())
			if !r.Success {
				return ContactSupport{Err: r.Err(), Refund: &r}
			}
			return Cancelled{Refund: &r}
		}
		return Cancelled{}
	default:
		return Aborted{Reason: err.Error()}
	}
}

// acceptCash opens every acceptor and polls until the target is paid. It
// returns nil once payment completed and the cycle may continue.
func (k *Kiosk) acceptCash(ctx context.Context, c *cycle) Outcome {
	c.set(StateAccepting, acceptancePhase)

	sessions, err := k.openSessions(ctx, c)
	if err != nil {
		return Aborted{Reason: err.Error()}
	}
	defer k.closeSessions(ctx, sessions)

	hwCtx := context.WithoutCancel(ctx)
	deadline := k.now().Add(k.opts.AcceptTimeout)
	ticker := time.NewTicker(k.opts.PollInterval)
	defer ticker.Stop()

	reportedUnknown := false
	for {
		total := k.pollAll(hwCtx, c, sessions)
		if total.Authoritative() && total.Cents >= c.target {
			k.closeSessions(hwCtx, sessions)
			k.commit(ctx, c, total)
			return nil
		}
		if !total.Known() && !reportedUnknown {
			reportedUnknown = true
			log.Printf("Warning: cycle %s paid amount unknown: %s", c.id, total.Reason)
		}

		if !k.now().Before(deadline) {
			k.deps.Metrics.Timeouts.WithLabelValues(acceptancePhase, string(timeout.LevelHard)).Inc()
			return k.settle(ctx, c, sessions, fmt.Sprintf("payment not completed within %s", k.opts.AcceptTimeout), false)
		}

		select {
		case <-ctx.Done():
			return k.settle(ctx, c, sessions, "cancelled during payment", true)
		case <-ticker.C:
		}
	}
}

// commit keeps the target amount and pays out anything above it.
func (k *Kiosk) commit(ctx context.Context, c *cycle, total counter.Amount) {
	c.mu.Lock()
	c.netPaid = total.Cents
	c.mu.Unlock()
	log.Printf("Cycle %s paid %s of %d", c.id, total, c.target)

	if excess := total.Cents - c.target; excess > 0 {
		r := k.refund(ctx, c, excess)
		c.mu.Lock()
		c.change = &r
		c.netPaid = total.Cents - r.TotalDispensedCents
		c.mu.Unlock()
	}
	c.set(StateRunning, "")
}

// settle ends cash acceptance without a completed payment. Acceptance is
// disabled before any money is returned.
func (k *Kiosk) settle(ctx context.Context, c *cycle, sessions []*session.Session, reason string, cancelled bool) Outcome {
	hwCtx := context.WithoutCancel(ctx)
	total := k.pollAll(hwCtx, c, sessions)
	consistent, why := k.escrowClear(hwCtx, sessions)
	k.closeSessions(hwCtx, sessions)

	esc := timeout.Escalation{
		CashActive: true,
		PaidCents:  total.Cents,
		// An estimate may show that nothing was paid, but never how much.
		PaidKnown:          total.Authoritative() || (total.Known() && total.Cents == 0),
		HardwareConsistent: consistent,
		Reason:             why,
	}
	if consistent && !esc.PaidKnown {
		esc.Reason = "paid amount " + total.String()
	}

	decision, detail := timeout.Decide(esc)
	switch decision {
	case timeout.OutcomeRefunding:
		c.mu.Lock()
		c.netPaid = total.Cents
		c.mu.Unlock()
		r := k.refund(ctx, c, total.Cents)
		if !r.Success {
			return ContactSupport{Err: r.Err(), Refund: &r}
		}
		if cancelled {
			return Cancelled{Refund: &r}
		}
		return Refunded{Reason: reason, Refund: r}
	case timeout.OutcomeManualIntervention:
		return ContactSupport{Err: kioskerr.ErrManualIntervention.WithMessagef("%s: %s", reason, detail)}
	default:
		if cancelled {
			return Cancelled{}
		}
		return Aborted{Reason: reason}
	}
}

func (k *Kiosk) openSessions(ctx context.Context, c *cycle) ([]*session.Session, error) {
	var sessions []*session.Session
	for _, id := range k.deps.Acceptors {
		s, err := k.deps.Coordinator.StartSession(ctx, id, c.target)
		if err != nil {
			k.deps.Metrics.Sessions.WithLabelValues(id, errorResult(err)).Inc()
			k.closeSessions(ctx, sessions)
			return nil, fmt.Errorf("open acceptor %s: %w", id, err)
		}
		k.deps.Metrics.Sessions.WithLabelValues(id, "opened").Inc()
		sessions = append(sessions, s)

		c.mu.Lock()
		c.sessionIDs = append(c.sessionIDs, s.ID)
		c.deviceIDs = append(c.deviceIDs, id)
		c.mu.Unlock()
	}
	return sessions, nil
}

func errorResult(err error) string {
	switch {
	case errors.Is(err, kioskerr.ErrConnectionAlreadyActive):
		return "busy"
	case errors.Is(err, kioskerr.ErrOpenFailed):
		return "open_failed"
	default:
		return "error"
	}
}

func (k *Kiosk) closeSessions(ctx context.Context, sessions []*session.Session) {
	for _, s := range sessions {
		if err := k.deps.Coordinator.CloseSession(ctx, s); err != nil {
			log.Printf("Warning: %v", err)
		}
	}
}

// pollAll sums the paid amount over every open session.
func (k *Kiosk) pollAll(ctx context.Context, c *cycle, sessions []*session.Session) counter.Amount {
	amounts := make([]counter.Amount, 0, len(sessions))
	for _, s := range sessions {
		a, _ := k.deps.Coordinator.PollPaid(ctx, s)
		amounts = append(amounts, a)
	}
	total := combine(amounts)
	c.setPaid(total)
	return total
}

// combine adds amounts from several devices. The total is unknown if any
// part is, and estimated if any part is.
func combine(amounts []counter.Amount) counter.Amount {
	total := counter.Amount{Source: counter.SourceStoredTotal}
	for _, a := range amounts {
		switch {
		case !a.Known():
			return counter.Amount{Source: counter.SourceUnknown, Reason: a.Reason}
		case a.Estimated():
			total.Source = counter.SourceEstimate
		}
		total.Cents += a.Cents
	}
	return total
}

// escrowClear reports whether no device still holds cash in escrow.
func (k *Kiosk) escrowClear(ctx context.Context, sessions []*session.Session) (bool, string) {
	for _, s := range sessions {
		held, err := k.deps.Coordinator.EscrowHeld(ctx, s)
		if err != nil {
			return false, fmt.Sprintf("escrow state of %s unreadable: %v", s.DeviceID, err)
		}
		if held {
			return false, fmt.Sprintf("escrow not cleared on %s", s.DeviceID)
		}
	}
	return true, ""
}

// refund returns amountCents from the payout devices. It runs to the end
// even when the cycle was cancelled.
func (k *Kiosk) refund(ctx context.Context, c *cycle, amountCents int64) refund.Result {
	c.set(StateRefunding, "")
	defer c.set(StateRunning, "")

	hwCtx := context.WithoutCancel(ctx)
	res := k.deps.Refunds.Refund(hwCtx, amountCents, k.payoutDevices(hwCtx))

	k.deps.Metrics.RefundCents.WithLabelValues("bill").Add(float64(res.BillDispensedCents))
	k.deps.Metrics.RefundCents.WithLabelValues("coin").Add(float64(res.CoinDispensedCents))
	k.deps.Metrics.RefundCents.WithLabelValues("undispensed").Add(float64(res.RemainingCents))

	if k.deps.Store != nil {
		record := refundRecord(c.id, res)
		if err := k.deps.Store.SaveRefund(hwCtx, &record); err != nil {
			log.Printf("Error saving refund for cycle %s: %v", c.id, err)
		}
	}
	return res
}

// payoutDevices reads the current payout stock of every device. A device
// whose stock cannot be read takes no part in the refund.
func (k *Kiosk) payoutDevices(ctx context.Context) []refund.Device {
	devices := make([]refund.Device, 0, len(k.deps.Payouts))
	for _, p := range k.deps.Payouts {
		levels, err := p.PayoutLevels(ctx)
		if err != nil {
			log.Printf("Warning: payout stock of %s unavailable: %v", p.ID(), err)
			continue
		}
		d := refund.Device{
			ID:        p.ID(),
			Name:      p.Name(),
			Kind:      refund.Kind(p.Kind()),
			Batch:     p.SupportsBatch(),
			Dispenser: p,
		}
		for _, l := range levels {
			d.Denominations = append(d.Denominations, refund.Denomination{Value: l.Value, MaxCount: int(l.Stored)})
		}
		devices = append(devices, d)
	}
	return devices
}

func refundRecord(cycleID string, res refund.Result) model.RefundRecord {
	record := model.RefundRecord{
		PaymentID:           cycleID,
		RequestedCents:      res.RequestedCents,
		RemainingCents:      res.RemainingCents,
		BillDispensedCents:  res.BillDispensedCents,
		CoinDispensedCents:  res.CoinDispensedCents,
		TotalDispensedCents: res.TotalDispensedCents,
		Success:             res.Success,
		Errors:              strings.Join(res.Errors, "\n"),
	}
	for _, b := range res.Breakdown {
		record.Lines = append(record.Lines, model.RefundLine{
			DeviceID:     b.DeviceID,
			DeviceName:   b.DeviceName,
			Denomination: b.Denomination,
			Count:        b.Count,
			Amount:       b.Amount,
		})
	}
	return record
}

func (k *Kiosk) onTimeout(c *cycle, h timeout.Handling) {
	k.deps.Metrics.Timeouts.WithLabelValues(h.Phase.String(), string(h.Level)).Inc()
	if h.Level == timeout.LevelSoft && strings.HasPrefix(h.Action, "notify operator") {
		k.alert(notification.Alert{
			Code:    kioskerr.ErrSoftTimeout.Code,
			Title:   fmt.Sprintf("%s is taking long", h.Phase),
			Message: h.Action,
			CycleID: c.id,
		})
	}
}
