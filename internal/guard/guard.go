package guard

import (
	"sort"
	"sync"

	"wash-kiosk-backend/internal/kioskerr"
)

// ConnectionState is the lifecycle state of a device connection.
type ConnectionState int

const (
	Idle ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "idle"
	}
}

// Guard serializes connection attempts per device. A device key that is
// Connecting or Connected cannot be acquired again until it is released.
type Guard struct {
	mu     sync.Mutex
	states map[string]ConnectionState
}

// New creates an empty guard.
func New() *Guard {
	return &Guard{states: make(map[string]ConnectionState)}
}

// TryAcquire moves key from Idle to Connecting and reports whether it did.
// It never blocks waiting for another holder.
func (g *Guard) TryAcquire(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.states[key] != Idle {
		return false
	}
	g.states[key] = Connecting
	return true
}

// MarkConnected moves key from Connecting to Connected.
func (g *Guard) MarkConnected(key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.states[key] != Connecting {
		return kioskerr.ErrNotConnecting.WithMessagef("device %s is %s", key, g.states[key])
	}
	g.states[key] = Connected
	return nil
}

// Release resets key to Idle regardless of its current state.
func (g *Guard) Release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.states, key)
}

// IsConnectingOrConnected reports whether key currently holds the guard.
func (g *Guard) IsConnectingOrConnected(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.states[key] != Idle
}

// State returns the current state of key.
func (g *Guard) State(key string) ConnectionState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.states[key]
}

// DeviceState is one entry of a guard snapshot.
type DeviceState struct {
	DeviceID string `json:"deviceId"`
	State    string `json:"state"`
}

// Snapshot lists every non-idle device, sorted by ID.
func (g *Guard) Snapshot() []DeviceState {
	g.mu.Lock()
	out := make([]DeviceState, 0, len(g.states))
	for k, s := range g.states {
		out = append(out, DeviceState{DeviceID: k, State: s.String()})
	}
	g.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}
