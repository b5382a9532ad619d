package cashdevice

import (
	"context"
	"fmt"
	"log"

	"wash-kiosk-backend/config"
	"wash-kiosk-backend/internal/counter"
)

// DriverType is the closed set of hardware drivers the kiosk knows about.
type DriverType string

const (
	DriverNoteRecycler DriverType = "note_recycler"
	DriverCoinHopper   DriverType = "coin_hopper"
)

// Kind distinguishes bill and coin devices for accounting.
type Kind string

const (
	KindBill Kind = "bill"
	KindCoin Kind = "coin"
)

// Acceptor is what a cash session needs from a device.
type Acceptor interface {
	ID() string
	Open(ctx context.Context) error
	Counters(ctx context.Context) (string, error)
	// Levels returns nil without error when the device cannot report a
	// complete currency assignment.
	Levels(ctx context.Context) ([]counter.DenominationLevel, error)
	EscrowHeld(ctx context.Context) (bool, error)
	Close(ctx context.Context) error
}

// Dispenser is what the refund engine needs from a device.
type Dispenser interface {
	Dispense(ctx context.Context, value int64, count int) (int, error)
}

// Device is a configured cash device reached through the device server.
type Device struct {
	cfg    config.DeviceConfig
	driver DriverType
	client *Client
}

// NewDevice selects the driver for cfg. Unknown drivers are rejected.
func NewDevice(cfg config.DeviceConfig, client *Client) (*Device, error) {
	switch DriverType(cfg.Driver) {
	case DriverNoteRecycler, DriverCoinHopper:
		return &Device{cfg: cfg, driver: DriverType(cfg.Driver), client: client}, nil
	default:
		return nil, fmt.Errorf("device %s: unknown driver %q", cfg.ID, cfg.Driver)
	}
}

// NewDevices builds every configured device.
func NewDevices(cfgs []config.DeviceConfig, client *Client) ([]*Device, error) {
	devices := make([]*Device, 0, len(cfgs))
	for _, cfg := range cfgs {
		d, err := NewDevice(cfg, client)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, nil
}

func (d *Device) ID() string   { return d.cfg.ID }
func (d *Device) Name() string { return d.cfg.Name }

// Kind reports whether the device handles bills or coins.
func (d *Device) Kind() Kind {
	switch d.driver {
	case DriverCoinHopper:
		return KindCoin
	default:
		return KindBill
	}
}

// SupportsBatch reports whether one dispense command may carry several units.
// Coin hoppers always pay out in batches.
func (d *Device) SupportsBatch() bool {
	switch d.driver {
	case DriverCoinHopper:
		return true
	default:
		return d.cfg.BatchDispense
	}
}

// UnitValueCents is the flat per-unit value used for estimation.
func (d *Device) UnitValueCents() int64 { return d.cfg.UnitValueCents }

// Open connects the device with acceptance enabled and sets routes so that
// refundable denominations land in the recycler.
func (d *Device) Open(ctx context.Context) error {
	req := NewOpenConnectionRequest(d.cfg.ID)
	req.ComPort = d.cfg.ComPort
	req.SspAddress = d.cfg.SspAddress
	for _, v := range d.cfg.InhibitValues {
		req.SetInhibits = append(req.SetInhibits, DenominationInhibit{Denomination: v, Inhibit: true})
	}
	for _, v := range d.cfg.RecycleValues {
		req.SetRoutes = append(req.SetRoutes, DenominationRoute{Denomination: v, Route: RouteRecycler})
	}
	if err := d.client.OpenConnection(ctx, req); err != nil {
		return fmt.Errorf("open %s: %w", d.cfg.ID, err)
	}

	for _, v := range d.cfg.RecycleValues {
		err := d.client.SetDenominationRoute(ctx, d.cfg.ID, SetRouteRequest{
			Value:       v,
			CountryCode: d.cfg.CountryCode,
			Route:       RouteRecycler,
		})
		if err != nil {
			// The route in the open request usually already applied.
			log.Printf("Warning: could not route %d to recycler on %s: %v", v, d.cfg.ID, err)
		}
	}
	return nil
}

// Counters returns the raw counter report.
func (d *Device) Counters(ctx context.Context) (string, error) {
	return d.client.GetCounters(ctx, d.cfg.ID)
}

// Levels returns the stored count per denomination, cashbox included.
func (d *Device) Levels(ctx context.Context) ([]counter.DenominationLevel, error) {
	assignments, err := d.client.GetCurrencyAssignment(ctx, d.cfg.ID)
	if err != nil {
		return nil, err
	}
	levels, ok := StoredLevels(assignments)
	if !ok {
		return nil, nil
	}
	return levels, nil
}

// PayoutLevels returns the count available for payout per recyclable
// denomination.
func (d *Device) PayoutLevels(ctx context.Context) ([]counter.DenominationLevel, error) {
	assignments, err := d.client.GetCurrencyAssignment(ctx, d.cfg.ID)
	if err != nil {
		return nil, err
	}
	var levels []counter.DenominationLevel
	for _, a := range assignments {
		if !a.IsRecyclable || a.Stored == nil || a.Value <= 0 || *a.Stored <= 0 {
			continue
		}
		levels = append(levels, counter.DenominationLevel{Value: a.Value, Stored: *a.Stored})
	}
	return levels, nil
}

// EscrowHeld reports whether the device still holds cash in escrow.
// A status without the escrow field is treated as held.
func (d *Device) EscrowHeld(ctx context.Context) (bool, error) {
	st, err := d.client.GetDeviceStatus(ctx, d.cfg.ID)
	if err != nil {
		return false, err
	}
	if st.EscrowHeld == nil {
		return true, nil
	}
	return *st.EscrowHeld, nil
}

// Close disables acceptance and disconnects. Both steps are attempted.
func (d *Device) Close(ctx context.Context) error {
	disableErr := d.client.DisableAcceptor(ctx, d.cfg.ID)
	if disableErr != nil {
		log.Printf("Warning: disable acceptor %s failed: %v", d.cfg.ID, disableErr)
	}
	if err := d.client.Disconnect(ctx, d.cfg.ID); err != nil {
		return fmt.Errorf("disconnect %s: %w", d.cfg.ID, err)
	}
	return disableErr
}

// Dispense pays out count units of value and returns how many left the
// device, which may be fewer than requested on error.
func (d *Device) Dispense(ctx context.Context, value int64, count int) (int, error) {
	resp, err := d.client.DispenseValue(ctx, d.cfg.ID, DispenseRequest{
		Value:       value,
		CountryCode: d.cfg.CountryCode,
		Count:       count,
	})
	if resp.Dispensed > count {
		resp.Dispensed = count
	}
	return resp.Dispensed, err
}

// StoredLevels converts a currency assignment into stored levels. It reports
// false when the assignment is empty or any entry lacks its stored counts.
func StoredLevels(assignments []CurrencyAssignment) ([]counter.DenominationLevel, bool) {
	if len(assignments) == 0 {
		return nil, false
	}
	levels := make([]counter.DenominationLevel, 0, len(assignments))
	for _, a := range assignments {
		if a.Stored == nil || a.StoredInCashbox == nil {
			return nil, false
		}
		levels = append(levels, counter.DenominationLevel{Value: a.Value, Stored: *a.Stored + *a.StoredInCashbox})
	}
	return levels, true
}
