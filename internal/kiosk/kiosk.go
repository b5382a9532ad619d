package kiosk

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"wash-kiosk-backend/internal/cashdevice"
	"wash-kiosk-backend/internal/counter"
	"wash-kiosk-backend/internal/guard"
	"wash-kiosk-backend/internal/kioskerr"
	"wash-kiosk-backend/internal/metrics"
	"wash-kiosk-backend/internal/notification"
	"wash-kiosk-backend/internal/refund"
	"wash-kiosk-backend/internal/session"
	"wash-kiosk-backend/internal/store"
	"wash-kiosk-backend/internal/timeout"
)

// State is what the kiosk is doing right now.
type State string

const (
	StateIdle           State = "idle"
	StateRunning        State = "running"
	StateAccepting      State = "accepting"
	StateRefunding      State = "refunding"
	StateContactSupport State = "contact_support"
)

// Payout is a device the kiosk can return money from.
type Payout interface {
	refund.Dispenser
	ID() string
	Name() string
	Kind() cashdevice.Kind
	SupportsBatch() bool
	PayoutLevels(ctx context.Context) ([]counter.DenominationLevel, error)
}

// Alerter delivers operator alerts.
type Alerter interface {
	Dispatch(alert notification.Alert)
}

// Options are the tunables of a kiosk.
type Options struct {
	Policies      timeout.PolicySet
	Model         int
	Conditions    timeout.Conditions
	PollInterval  time.Duration
	AcceptTimeout time.Duration
}

// Deps are the collaborators of a kiosk. Store and Alerts may be nil.
type Deps struct {
	Signals     timeout.SignalReader
	Guard       *guard.Guard
	Coordinator *session.Coordinator
	Acceptors   []string
	Payouts     []Payout
	Refunds     *refund.Engine
	Store       store.Store
	Alerts      Alerter
	Metrics     *metrics.Metrics
}

// Latch is a contact-support state waiting for an operator.
type Latch struct {
	Code           string    `json:"code"`
	Reason         string    `json:"reason"`
	CycleID        string    `json:"cycle_id"`
	RemainingCents int64     `json:"remaining_cents"`
	Since          time.Time `json:"since"`
}

// Summary describes the last finished cycle.
type Summary struct {
	CycleID string    `json:"cycle_id"`
	Outcome string    `json:"outcome"`
	Reason  string    `json:"reason,omitempty"`
	EndedAt time.Time `json:"ended_at"`
}

// Status is a snapshot of the kiosk for the operator API.
type Status struct {
	State       State               `json:"state"`
	Model       int                 `json:"model"`
	CycleID     string              `json:"cycle_id,omitempty"`
	Phase       string              `json:"phase,omitempty"`
	TargetCents int64               `json:"target_cents,omitempty"`
	PaidCents   int64               `json:"paid_cents"`
	PaidSource  string              `json:"paid_source,omitempty"`
	PaidKnown   bool                `json:"paid_known"`
	Support     *Latch              `json:"support,omitempty"`
	Devices     []guard.DeviceState `json:"devices"`
	Last        *Summary            `json:"last,omitempty"`
}

// Kiosk runs one wash cycle at a time and latches into a contact-support
// state when money or hardware needs an operator.
type Kiosk struct {
	opts Options
	deps Deps
	now  func() time.Time

	mu      sync.Mutex
	base    context.Context
	current *cycle
	latch   *Latch
	last    *Summary

	// stopping is set once Run's context is done; no cycle starts after it.
	stopping bool
	wg       sync.WaitGroup
}

// New creates an idle kiosk.
func New(opts Options, deps Deps) *Kiosk {
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(prometheus.NewRegistry())
	}
	if deps.Guard == nil {
		deps.Guard = guard.New()
	}
	return &Kiosk{
		opts: opts,
		deps: deps,
		now:  time.Now,
		base: context.Background(),
	}
}

// Run binds cycles started through Start to ctx and blocks until ctx is
// done and the running cycle, if any, has finished.
func (k *Kiosk) Run(ctx context.Context) error {
	k.mu.Lock()
	k.base = ctx
	k.mu.Unlock()

	<-ctx.Done()
	k.mu.Lock()
	k.stopping = true
	k.mu.Unlock()

	log.Println("Kiosk shutting down, waiting for the running cycle...")
	k.wg.Wait()
	return nil
}

// Start begins a wash cycle in the background and returns its ID.
func (k *Kiosk) Start(targetCents int64) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.stopping || k.base.Err() != nil {
		return "", kioskerr.ErrShuttingDown.WithMessage("no new cycles are accepted")
	}
	c, ctx, err := k.beginLocked(k.base, targetCents)
	if err != nil {
		return "", err
	}
	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		k.run(ctx, c)
	}()
	return c.id, nil
}

// RunCycle runs a wash cycle to its end. Cancelling ctx cancels the cycle.
func (k *Kiosk) RunCycle(ctx context.Context, targetCents int64) (Outcome, error) {
	k.mu.Lock()
	c, cycleCtx, err := k.beginLocked(ctx, targetCents)
	k.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return k.run(cycleCtx, c), nil
}

// Cancel asks the running cycle to stop. Collected money is refunded.
func (k *Kiosk) Cancel() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.current == nil {
		return errors.New("no cycle is running")
	}
	log.Printf("Cycle %s cancel requested", k.current.id)
	k.current.cancel()
	return nil
}

// ClearSupport releases a contact-support latch after an operator resolved it.
func (k *Kiosk) ClearSupport() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.current != nil {
		return kioskerr.ErrKioskBusy.WithMessagef("cycle %s is running", k.current.id)
	}
	if k.latch == nil {
		return nil
	}
	log.Printf("Contact-support state for cycle %s cleared by operator", k.latch.CycleID)
	k.latch = nil
	k.deps.Metrics.SupportLatch.Set(0)
	return nil
}

// Status returns a snapshot of the kiosk.
func (k *Kiosk) Status() Status {
	k.mu.Lock()
	defer k.mu.Unlock()

	st := Status{
		State:   StateIdle,
		Model:   k.opts.Model,
		Devices: k.deps.Guard.Snapshot(),
	}
	if k.latch != nil {
		l := *k.latch
		st.Support = &l
		st.State = StateContactSupport
	}
	if k.last != nil {
		s := *k.last
		st.Last = &s
	}
	if c := k.current; c != nil {
		c.mu.Lock()
		st.State = c.state
		st.CycleID = c.id
		st.Phase = c.phase
		st.TargetCents = c.target
		st.PaidCents = c.paid.Cents
		st.PaidKnown = c.paid.Known()
		st.PaidSource = c.paid.Source.String()
		c.mu.Unlock()
	}
	return st
}

func (k *Kiosk) beginLocked(parent context.Context, targetCents int64) (*cycle, context.Context, error) {
	if k.latch != nil {
		return nil, nil, kioskerr.ErrKioskBusy.WithMessagef("contact support: %s", k.latch.Reason)
	}
	if k.current != nil {
		return nil, nil, kioskerr.ErrKioskBusy.WithMessagef("cycle %s is running", k.current.id)
	}
	if targetCents <= 0 {
		return nil, nil, fmt.Errorf("target amount must be positive, got %d", targetCents)
	}

	ctx, cancel := context.WithCancel(parent)
	c := &cycle{
		id:        uuid.NewString(),
		target:    targetCents,
		model:     k.opts.Policies.Select(k.opts.Model).Model(),
		startedAt: k.now(),
		cancel:    cancel,
		state:     StateRunning,
	}
	k.current = c
	log.Printf("Cycle %s started, target %d cents, model %d", c.id, c.target, c.model)
	return c, ctx, nil
}

func (k *Kiosk) run(ctx context.Context, c *cycle) Outcome {
	defer c.cancel()
	outcome := k.runCycle(ctx, c)
	k.finish(context.WithoutCancel(ctx), c, outcome)
	return outcome
}

// finish records the outcome, latches on contact-support outcomes and frees
// the kiosk for the next cycle.
func (k *Kiosk) finish(ctx context.Context, c *cycle, outcome Outcome) {
	reason, refunded := describe(outcome)
	endedAt := k.now()
	log.Printf("Cycle %s ended: %s %s", c.id, outcome.Kind(), reason)
	k.deps.Metrics.Cycles.WithLabelValues(outcome.Kind()).Inc()
	if done, ok := outcome.(Completed); ok {
		k.deps.Metrics.PaidCents.Add(float64(done.PaidCents))
	}

	if k.deps.Store != nil {
		c.mu.Lock()
		record := c.paymentRecord(outcome.Kind(), reason, endedAt)
		c.mu.Unlock()
		if err := k.deps.Store.SavePayment(ctx, &record); err != nil {
			log.Printf("Error saving payment record for cycle %s: %v", c.id, err)
		}
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.current = nil
	k.last = &Summary{CycleID: c.id, Outcome: outcome.Kind(), Reason: reason, EndedAt: endedAt}

	support, ok := outcome.(ContactSupport)
	if !ok {
		return
	}
	latch := &Latch{
		Code:    errorCode(support.Err),
		Reason:  reason,
		CycleID: c.id,
		Since:   endedAt,
	}
	if refunded != nil {
		latch.RemainingCents = refunded.RemainingCents
	}
	k.latch = latch
	k.deps.Metrics.SupportLatch.Set(1)
	log.Printf("Kiosk latched into contact-support: %s", reason)
	k.alert(notification.Alert{
		Code:    latch.Code,
		Title:   "Wash kiosk needs support",
		Message: reason,
		CycleID: c.id,
	})
}

func (k *Kiosk) alert(a notification.Alert) {
	if k.deps.Alerts != nil {
		k.deps.Alerts.Dispatch(a)
	}
}

// errorCode returns the most specific kiosk error class in err.
func errorCode(err error) string {
	for _, class := range []*kioskerr.Error{kioskerr.ErrDispenseExhausted, kioskerr.ErrManualIntervention, kioskerr.ErrHardTimeout} {
		if errors.Is(err, class) {
			return class.Code
		}
	}
	return kioskerr.ErrManualIntervention.Code
}
