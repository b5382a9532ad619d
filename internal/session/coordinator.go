package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"wash-kiosk-backend/internal/cashdevice"
	"wash-kiosk-backend/internal/counter"
	"wash-kiosk-backend/internal/guard"
	"wash-kiosk-backend/internal/kioskerr"
)

// Device is an acceptor together with the reconciler for its counters.
type Device struct {
	Acceptor   cashdevice.Acceptor
	Reconciler counter.Reconciler
}

// Session is one open acceptor session. It is owned by the coordinator that
// created it; Paid may be read concurrently.
type Session struct {
	ID          string
	DeviceID    string
	TargetCents int64
	StartedAt   time.Time

	device   Device
	baseline counter.Snapshot

	mu sync.Mutex
	// highWater is the largest amount reported so far from any source;
	// highStored only counts stored-total readings.
	highWater  int64
	highStored int64
	last       counter.Amount
	closed     bool
}

// Baseline is the snapshot taken when the session opened.
func (s *Session) Baseline() counter.Snapshot { return s.baseline }

// Paid returns the most recent paid amount. An unknown reading stays
// unknown until a later poll succeeds.
func (s *Session) Paid() counter.Amount {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Coordinator opens and closes acceptor sessions under the connection guard.
type Coordinator struct {
	guard   *guard.Guard
	devices map[string]Device
	now     func() time.Time
}

// NewCoordinator creates a coordinator for the given devices.
func NewCoordinator(g *guard.Guard, devices []Device) *Coordinator {
	c := &Coordinator{
		guard:   g,
		devices: make(map[string]Device, len(devices)),
		now:     time.Now,
	}
	for _, d := range devices {
		c.devices[d.Acceptor.ID()] = d
	}
	return c
}

// StartSession connects deviceID and records the baseline counters.
// It fails fast with ErrConnectionAlreadyActive while another session holds
// the device, and releases the device again when the hardware cannot be
// opened.
func (c *Coordinator) StartSession(ctx context.Context, deviceID string, targetCents int64) (*Session, error) {
	if targetCents <= 0 {
		return nil, fmt.Errorf("target amount must be positive, got %d", targetCents)
	}
	dev, ok := c.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("unknown device %q", deviceID)
	}

	if c.guard.IsConnectingOrConnected(deviceID) || !c.guard.TryAcquire(deviceID) {
		return nil, kioskerr.ErrConnectionAlreadyActive.WithMessagef("device %s", deviceID)
	}

	// Opening is a hardware command; a cancelled caller still waits for it.
	hwCtx := context.WithoutCancel(ctx)
	if err := dev.Acceptor.Open(hwCtx); err != nil {
		c.guard.Release(deviceID)
		return nil, fmt.Errorf("%w: %w", kioskerr.ErrOpenFailed.WithMessagef("device %s", deviceID), err)
	}
	if err := c.guard.MarkConnected(deviceID); err != nil {
		if closeErr := dev.Acceptor.Close(hwCtx); closeErr != nil {
			log.Printf("Warning: closing %s after failed connect: %v", deviceID, closeErr)
		}
		c.guard.Release(deviceID)
		return nil, err
	}

	s := &Session{
		ID:          uuid.NewString(),
		DeviceID:    deviceID,
		TargetCents: targetCents,
		StartedAt:   c.now(),
		device:      dev,
		baseline:    readSnapshot(hwCtx, dev.Acceptor),
	}
	s.last = counter.Amount{Source: initialSource(s.baseline)}
	log.Printf("Session %s opened on %s, target %d, baseline stored %d (available=%t)",
		s.ID, deviceID, targetCents, s.baseline.StoredCents, s.baseline.HasStoredTotal)
	return s, nil
}

// initialSource is the source a zero paid amount carries right after open.
func initialSource(baseline counter.Snapshot) counter.Source {
	switch {
	case baseline.HasStoredTotal:
		return counter.SourceStoredTotal
	case baseline.Counters.ParseSucceeded:
		return counter.SourceEstimate
	default:
		return counter.SourceUnknown
	}
}

// PollPaid reads the device counters and returns the paid amount since the
// session opened. A reading below an earlier one is treated as a glitch and
// the earlier value is kept. A stored-total reading held up by an earlier
// estimate is reported as an estimate. An unreadable amount is returned as
// unknown together with an ErrCounterUnknown error; it is never reported as
// zero.
func (c *Coordinator) PollPaid(ctx context.Context, s *Session) (counter.Amount, error) {
	current := readSnapshot(ctx, s.device.Acceptor)
	amount := s.device.Reconciler.Reconcile(s.baseline, current)

	s.mu.Lock()
	defer s.mu.Unlock()

	if !amount.Known() {
		s.last = amount
		return amount, kioskerr.ErrCounterUnknown.WithMessagef("device %s: %s", s.DeviceID, amount.Reason)
	}
	if amount.Authoritative() {
		if amount.Cents < s.highStored {
			log.Printf("Warning: stored total on %s dropped from %d to %d, keeping %d", s.DeviceID, s.highStored, amount.Cents, s.highStored)
			amount.Cents = s.highStored
		}
		s.highStored = amount.Cents
	}
	if amount.Cents < s.highWater {
		log.Printf("Warning: paid amount on %s dropped from %d to %s, keeping %d", s.DeviceID, s.highWater, amount, s.highWater)
		amount.Cents = s.highWater
		// highWater above highStored came from an estimate.
		amount.Source = counter.SourceEstimate
	}
	s.highWater = amount.Cents
	s.last = amount
	return amount, nil
}

// CloseSession disables and disconnects the device and always releases the
// connection guard, however the session ended. Closing twice is a no-op.
func (c *Coordinator) CloseSession(ctx context.Context, s *Session) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	defer c.guard.Release(s.DeviceID)

	if err := s.device.Acceptor.Close(context.WithoutCancel(ctx)); err != nil {
		log.Printf("Warning: closing session %s on %s: %v", s.ID, s.DeviceID, err)
		return fmt.Errorf("close session %s: %w", s.ID, err)
	}
	log.Printf("Session %s on %s closed after %s", s.ID, s.DeviceID, c.now().Sub(s.StartedAt).Round(time.Millisecond))
	return nil
}

// EscrowHeld reports whether the session's device still holds cash in escrow.
func (c *Coordinator) EscrowHeld(ctx context.Context, s *Session) (bool, error) {
	return s.device.Acceptor.EscrowHeld(ctx)
}

func readSnapshot(ctx context.Context, acc cashdevice.Acceptor) counter.Snapshot {
	report, err := acc.Counters(ctx)
	if err != nil {
		log.Printf("Warning: reading counters of %s: %v", acc.ID(), err)
		report = ""
	}
	levels, err := acc.Levels(ctx)
	if err != nil {
		log.Printf("Warning: reading currency assignment of %s: %v", acc.ID(), err)
		levels = nil
	}
	return counter.NewSnapshot(report, levels)
}
