package kiosk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wash-kiosk-backend/internal/cashdevice"
	"wash-kiosk-backend/internal/counter"
	"wash-kiosk-backend/internal/gate"
	"wash-kiosk-backend/internal/guard"
	"wash-kiosk-backend/internal/kioskerr"
	"wash-kiosk-backend/internal/model"
	"wash-kiosk-backend/internal/notification"
	"wash-kiosk-backend/internal/refund"
	"wash-kiosk-backend/internal/session"
	"wash-kiosk-backend/internal/store"
	"wash-kiosk-backend/internal/timeout"
)

// eventLog records hardware calls across fakes in order.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// fakeAcceptor reports a stored total of zero at open and pay afterwards.
type fakeAcceptor struct {
	id string
	// unknown makes every reading unusable.
	unknown bool
	// estimateOnly drops the currency assignment but keeps counters.
	estimateOnly bool
	pay          int64
	escrowHeld   bool
	log          *eventLog
	onLevels     func(call int)

	mu     sync.Mutex
	calls  int
	opened int
}

func (a *fakeAcceptor) ID() string { return a.id }

func (a *fakeAcceptor) Open(ctx context.Context) error {
	a.mu.Lock()
	a.opened++
	a.mu.Unlock()
	a.log.add("open:%s", a.id)
	return nil
}

func (a *fakeAcceptor) Counters(ctx context.Context) (string, error) {
	if a.unknown {
		return "device busy", nil
	}
	return "Stacked: 0 / Stored: 0", nil
}

func (a *fakeAcceptor) Levels(ctx context.Context) ([]counter.DenominationLevel, error) {
	a.mu.Lock()
	a.calls++
	call := a.calls
	a.mu.Unlock()
	if a.onLevels != nil {
		a.onLevels(call)
	}
	if a.unknown || a.estimateOnly {
		return nil, nil
	}
	if call == 1 {
		return []counter.DenominationLevel{{Value: 1, Stored: 0}}, nil
	}
	return []counter.DenominationLevel{{Value: 1, Stored: a.pay}}, nil
}

func (a *fakeAcceptor) EscrowHeld(ctx context.Context) (bool, error) { return a.escrowHeld, nil }

func (a *fakeAcceptor) Close(ctx context.Context) error {
	a.log.add("close:%s", a.id)
	return nil
}

type fakePayout struct {
	levels []counter.DenominationLevel
	log    *eventLog
}

func (p *fakePayout) ID() string            { return "bill-1" }
func (p *fakePayout) Name() string          { return "Recycler" }
func (p *fakePayout) Kind() cashdevice.Kind { return cashdevice.KindBill }
func (p *fakePayout) SupportsBatch() bool   { return false }

func (p *fakePayout) PayoutLevels(ctx context.Context) ([]counter.DenominationLevel, error) {
	return p.levels, nil
}

func (p *fakePayout) Dispense(ctx context.Context, value int64, count int) (int, error) {
	p.log.add("dispense:%d", value)
	return count, nil
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []notification.Alert
}

func (f *fakeAlerter) Dispatch(a notification.Alert) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, a)
}

func (f *fakeAlerter) codes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, a := range f.alerts {
		out = append(out, a.Code)
	}
	return out
}

// mockStore records saved payments and refunds.
type mockStore struct {
	store.Store
	mu       sync.Mutex
	payments []model.PaymentRecord
	refunds  []model.RefundRecord
}

func (m *mockStore) SavePayment(ctx context.Context, p *model.PaymentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments = append(m.payments, *p)
	return nil
}

func (m *mockStore) SaveRefund(ctx context.Context, r *model.RefundRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refunds = append(m.refunds, *r)
	return nil
}

type fixture struct {
	kiosk    *Kiosk
	signals  *gate.StaticSource
	acceptor *fakeAcceptor
	payout   *fakePayout
	guard    *guard.Guard
	store    *mockStore
	alerts   *fakeAlerter
	log      *eventLog
}

func fastPolicies(t *testing.T) timeout.PolicySet {
	t.Helper()
	fast := timeout.PhaseTimeout{Soft: 20 * time.Millisecond, Hard: 60 * time.Millisecond, PollInterval: time.Millisecond}
	set, err := timeout.NewPolicySet(map[int]map[timeout.Phase]timeout.PhaseTimeout{
		1: {
			timeout.GateCheck752: fast,
			timeout.GateCheck240: fast,
			timeout.Start214:     fast,
			timeout.Monitor102:   fast,
		},
	})
	require.NoError(t, err)
	return set
}

func newFixture(t *testing.T, acceptor *fakeAcceptor, stock []counter.DenominationLevel, reconciler counter.Reconciler) *fixture {
	t.Helper()
	log := &eventLog{}
	acceptor.log = log
	if acceptor.id == "" {
		acceptor.id = "acceptor-1"
	}
	payout := &fakePayout{levels: stock, log: log}

	g := guard.New()
	coord := session.NewCoordinator(g, []session.Device{{Acceptor: acceptor, Reconciler: reconciler}})
	signals := gate.NewStaticSource(map[int]int{752: 0, 240: 1, 214: 1, 102: 0})
	st := &mockStore{}
	alerts := &fakeAlerter{}

	k := New(Options{
		Policies:      fastPolicies(t),
		Model:         1,
		Conditions:    timeout.Conditions{AutomaticValue: 1, CycleDoneValue: 0},
		PollInterval:  time.Millisecond,
		AcceptTimeout: 40 * time.Millisecond,
	}, Deps{
		Signals:     signals,
		Guard:       g,
		Coordinator: coord,
		Acceptors:   []string{acceptor.id},
		Payouts:     []Payout{payout},
		Refunds:     refund.NewEngine(2, 0),
		Store:       st,
		Alerts:      alerts,
	})
	return &fixture{kiosk: k, signals: signals, acceptor: acceptor, payout: payout, guard: g, store: st, alerts: alerts, log: log}
}

func TestKiosk_ExactPaymentCompletes(t *testing.T) {
	f := newFixture(t, &fakeAcceptor{pay: 1000}, nil, counter.Reconciler{})

	out, err := f.kiosk.RunCycle(context.Background(), 1000)
	require.NoError(t, err)

	done, ok := out.(Completed)
	require.True(t, ok, "got %#v", out)
	assert.Equal(t, int64(1000), done.PaidCents)
	assert.Nil(t, done.Change)

	assert.False(t, f.guard.IsConnectingOrConnected("acceptor-1"))
	require.Len(t, f.store.payments, 1)
	assert.Equal(t, "completed", f.store.payments[0].Outcome)
	assert.Equal(t, "stored_total", f.store.payments[0].PaidSource)
	assert.Empty(t, f.store.refunds)

	st := f.kiosk.Status()
	assert.Equal(t, StateIdle, st.State)
	require.NotNil(t, st.Last)
	assert.Equal(t, "completed", st.Last.Outcome)
}

func TestKiosk_OverpaymentPaysChange(t *testing.T) {
	f := newFixture(t, &fakeAcceptor{pay: 1500}, []counter.DenominationLevel{{Value: 500, Stored: 3}}, counter.Reconciler{})

	out, err := f.kiosk.RunCycle(context.Background(), 1000)
	require.NoError(t, err)

	done, ok := out.(Completed)
	require.True(t, ok, "got %#v", out)
	assert.Equal(t, int64(1000), done.PaidCents)
	require.NotNil(t, done.Change)
	assert.True(t, done.Change.Success)
	assert.Equal(t, int64(500), done.Change.TotalDispensedCents)
	assert.Equal(t, []string{"open:acceptor-1", "close:acceptor-1", "dispense:500"}, f.log.all())
}

func TestKiosk_PartialPaymentIsRefundedAfterAcceptanceStops(t *testing.T) {
	f := newFixture(t, &fakeAcceptor{pay: 500}, []counter.DenominationLevel{{Value: 500, Stored: 2}}, counter.Reconciler{})

	out, err := f.kiosk.RunCycle(context.Background(), 1000)
	require.NoError(t, err)

	refunded, ok := out.(Refunded)
	require.True(t, ok, "got %#v", out)
	assert.True(t, refunded.Refund.Success)
	assert.Equal(t, int64(500), refunded.Refund.TotalDispensedCents)
	assert.Equal(t, []string{"open:acceptor-1", "close:acceptor-1", "dispense:500"}, f.log.all())

	require.Len(t, f.store.refunds, 1)
	assert.Equal(t, int64(500), f.store.refunds[0].RequestedCents)
	require.Len(t, f.store.refunds[0].Lines, 1)
	assert.Equal(t, f.store.payments[0].ID, f.store.refunds[0].PaymentID)
}

func TestKiosk_NothingPaidAborts(t *testing.T) {
	f := newFixture(t, &fakeAcceptor{pay: 0}, nil, counter.Reconciler{})

	out, err := f.kiosk.RunCycle(context.Background(), 1000)
	require.NoError(t, err)

	_, ok := out.(Aborted)
	require.True(t, ok, "got %#v", out)
	assert.Nil(t, f.kiosk.Status().Support)
}

func TestKiosk_EstimateNeverRefunds(t *testing.T) {
	testCases := []struct {
		name     string
		acceptor *fakeAcceptor
		expected string
	}{
		{
			name:     "estimate of zero aborts",
			acceptor: &fakeAcceptor{estimateOnly: true},
			expected: "aborted",
		},
		{
			name:     "unreadable counters need an operator",
			acceptor: &fakeAcceptor{unknown: true},
			expected: "contact_support",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.acceptor, []counter.DenominationLevel{{Value: 500, Stored: 2}}, counter.Reconciler{BillUnitCents: 500})

			out, err := f.kiosk.RunCycle(context.Background(), 1000)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, out.Kind())
			assert.Empty(t, f.store.refunds, "no refund without an authoritative amount")
		})
	}
}

func TestKiosk_UnknownPaymentLatchesContactSupport(t *testing.T) {
	f := newFixture(t, &fakeAcceptor{unknown: true}, nil, counter.Reconciler{})

	out, err := f.kiosk.RunCycle(context.Background(), 1000)
	require.NoError(t, err)
	support, ok := out.(ContactSupport)
	require.True(t, ok, "got %#v", out)
	assert.True(t, errors.Is(support.Err, kioskerr.ErrManualIntervention))

	st := f.kiosk.Status()
	assert.Equal(t, StateContactSupport, st.State)
	require.NotNil(t, st.Support)
	assert.Equal(t, "E_MANUAL_INTERVENTION", st.Support.Code)
	assert.Contains(t, f.alerts.codes(), "E_MANUAL_INTERVENTION")

	_, err = f.kiosk.RunCycle(context.Background(), 1000)
	assert.True(t, errors.Is(err, kioskerr.ErrKioskBusy), "a latched kiosk starts no cycle")
	_, err = f.kiosk.Start(1000)
	assert.True(t, errors.Is(err, kioskerr.ErrKioskBusy))

	require.NoError(t, f.kiosk.ClearSupport())
	st = f.kiosk.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.Nil(t, st.Support)
}

func TestKiosk_EscrowHeldNeedsOperator(t *testing.T) {
	f := newFixture(t, &fakeAcceptor{pay: 500, escrowHeld: true}, []counter.DenominationLevel{{Value: 500, Stored: 2}}, counter.Reconciler{})

	out, err := f.kiosk.RunCycle(context.Background(), 1000)
	require.NoError(t, err)
	support, ok := out.(ContactSupport)
	require.True(t, ok, "got %#v", out)
	assert.Contains(t, support.Err.Error(), "escrow not cleared")
	assert.Empty(t, f.store.refunds)
}

func TestKiosk_GateTimeouts(t *testing.T) {
	testCases := []struct {
		name       string
		signal     int
		value      int
		stock      []counter.DenominationLevel
		expected   string
		opened     int
		latchCode  string
		refundRuns int
	}{
		{
			name:     "bay never clears",
			signal:   752,
			value:    1,
			expected: "aborted",
			opened:   0,
		},
		{
			name:       "start never confirmed refunds the payment",
			signal:     214,
			value:      0,
			stock:      []counter.DenominationLevel{{Value: 500, Stored: 2}},
			expected:   "refunded",
			opened:     1,
			refundRuns: 1,
		},
		{
			name:       "refund that cannot be paid out latches",
			signal:     214,
			value:      0,
			stock:      []counter.DenominationLevel{{Value: 500, Stored: 1}},
			expected:   "contact_support",
			opened:     1,
			latchCode:  "E_DISPENSE_EXHAUSTED",
			refundRuns: 1,
		},
		{
			name:      "wash never reports completion",
			signal:    102,
			value:     1,
			expected:  "contact_support",
			opened:    1,
			latchCode: "E_MANUAL_INTERVENTION",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, &fakeAcceptor{pay: 1000}, tc.stock, counter.Reconciler{})
			f.signals.Set(tc.signal, tc.value)

			out, err := f.kiosk.RunCycle(context.Background(), 1000)
			require.NoError(t, err)

			assert.Equal(t, tc.expected, out.Kind())
			assert.Equal(t, tc.opened, f.acceptor.opened)
			assert.Len(t, f.store.refunds, tc.refundRuns)

			st := f.kiosk.Status()
			if tc.latchCode == "" {
				assert.Nil(t, st.Support)
				return
			}
			require.NotNil(t, st.Support)
			assert.Equal(t, tc.latchCode, st.Support.Code)
		})
	}
}

func TestKiosk_ExhaustedRefundKeepsRemaining(t *testing.T) {
	f := newFixture(t, &fakeAcceptor{pay: 1000}, []counter.DenominationLevel{{Value: 500, Stored: 1}}, counter.Reconciler{})
	f.signals.Set(214, 0)

	out, err := f.kiosk.RunCycle(context.Background(), 1000)
	require.NoError(t, err)

	support, ok := out.(ContactSupport)
	require.True(t, ok, "got %#v", out)
	require.NotNil(t, support.Refund)
	assert.Equal(t, int64(500), support.Refund.RemainingCents)
	assert.True(t, errors.Is(support.Err, kioskerr.ErrDispenseExhausted))
	assert.Equal(t, int64(500), f.kiosk.Status().Support.RemainingCents)
}

func TestKiosk_CancelDuringPayment(t *testing.T) {
	testCases := []struct {
		name     string
		pay      int64
		refunded bool
	}{
		{name: "nothing inserted", pay: 0},
		{name: "inserted cash is returned", pay: 500, refunded: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			acceptor := &fakeAcceptor{pay: tc.pay, onLevels: func(call int) {
				if call == 3 {
					cancel()
				}
			}}
			f := newFixture(t, acceptor, []counter.DenominationLevel{{Value: 500, Stored: 2}}, counter.Reconciler{})
			f.kiosk.opts.AcceptTimeout = time.Minute

			out, err := f.kiosk.RunCycle(ctx, 1000)
			require.NoError(t, err)

			cancelled, ok := out.(Cancelled)
			require.True(t, ok, "got %#v", out)
			if tc.refunded {
				require.NotNil(t, cancelled.Refund)
				assert.Equal(t, int64(500), cancelled.Refund.TotalDispensedCents)
			} else {
				assert.Nil(t, cancelled.Refund)
			}
			assert.False(t, f.guard.IsConnectingOrConnected("acceptor-1"))
		})
	}
}

func TestKiosk_StartRunsInBackground(t *testing.T) {
	f := newFixture(t, &fakeAcceptor{pay: 1000}, nil, counter.Reconciler{})
	f.signals.Set(102, 1)
	f.kiosk.opts.Policies = timeout.DefaultPolicies()

	id, err := f.kiosk.Start(1000)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	_, err = f.kiosk.Start(1000)
	assert.True(t, errors.Is(err, kioskerr.ErrKioskBusy))

	require.Eventually(t, func() bool {
		return f.kiosk.Status().Phase == timeout.Monitor102.String()
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, id, f.kiosk.Status().CycleID)

	require.NoError(t, f.kiosk.Cancel())
	require.Eventually(t, func() bool {
		st := f.kiosk.Status()
		return st.State == StateIdle && st.Last != nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "cancelled", f.kiosk.Status().Last.Outcome)
	assert.Empty(t, f.store.refunds, "a running wash is not refunded")

	assert.Error(t, f.kiosk.Cancel())
}

func TestKiosk_StartRefusedAfterShutdown(t *testing.T) {
	f := newFixture(t, &fakeAcceptor{pay: 1000}, nil, counter.Reconciler{})
	f.kiosk.opts.Policies = timeout.DefaultPolicies()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, f.kiosk.Run(ctx))
	}()
	require.Eventually(t, func() bool {
		f.kiosk.mu.Lock()
		defer f.kiosk.mu.Unlock()
		return f.kiosk.base == ctx
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}

	_, err := f.kiosk.Start(1000)
	assert.True(t, errors.Is(err, kioskerr.ErrShuttingDown), "got %v", err)
	assert.Nil(t, f.kiosk.Status().Last, "no cycle ran")
}

func TestKiosk_RejectsNonPositiveTarget(t *testing.T) {
	f := newFixture(t, &fakeAcceptor{}, nil, counter.Reconciler{})
	_, err := f.kiosk.Start(0)
	assert.Error(t, err)
}

func TestCombine(t *testing.T) {
	testCases := []struct {
		name     string
		amounts  []counter.Amount
		expected counter.Amount
	}{
		{
			name: "stored totals add up",
			amounts: []counter.Amount{
				{Cents: 500, Source: counter.SourceStoredTotal},
				{Cents: 200, Source: counter.SourceStoredTotal},
			},
			expected: counter.Amount{Cents: 700, Source: counter.SourceStoredTotal},
		},
		{
			name: "one estimate makes the total an estimate",
			amounts: []counter.Amount{
				{Cents: 500, Source: counter.SourceStoredTotal},
				{Cents: 100, Source: counter.SourceEstimate},
			},
			expected: counter.Amount{Cents: 600, Source: counter.SourceEstimate},
		},
		{
			name: "one unknown makes the total unknown",
			amounts: []counter.Amount{
				{Cents: 500, Source: counter.SourceStoredTotal},
				{Source: counter.SourceUnknown, Reason: "unreadable"},
			},
			expected: counter.Amount{Source: counter.SourceUnknown, Reason: "unreadable"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, combine(tc.amounts))
		})
	}
}
