package timeout

import (
	"fmt"
	"time"

	"wash-kiosk-backend/config"
	"wash-kiosk-backend/internal/kioskerr"
)

// Phase is one step of the gate sequence.
type Phase int

const (
	GateCheck752 Phase = iota
	GateCheck240
	Start214
	Monitor102
)

// Phases lists the gate sequence in execution order.
var Phases = []Phase{GateCheck752, GateCheck240, Start214, Monitor102}

func (p Phase) String() string {
	switch p {
	case GateCheck752:
		return "GATE_CHECK_752"
	case GateCheck240:
		return "GATE_CHECK_240"
	case Start214:
		return "START_214"
	case Monitor102:
		return "MONITOR_102"
	default:
		return fmt.Sprintf("PHASE(%d)", int(p))
	}
}

// Code is the sensor signal polled during the phase.
func (p Phase) Code() int {
	switch p {
	case GateCheck752:
		return 752
	case GateCheck240:
		return 240
	case Start214:
		return 214
	default:
		return 102
	}
}

// softAction is the recommended action when the phase passes its soft timeout.
func (p Phase) softAction() string {
	switch p {
	case GateCheck752:
		return "notify operator: bay still occupied"
	case GateCheck240:
		return "extend wait: device not ready"
	case Start214:
		return "notify operator: start not confirmed"
	default:
		return "extend wait: cycle still running"
	}
}

// PhaseTimeout holds the thresholds of one phase.
type PhaseTimeout struct {
	Soft         time.Duration
	Hard         time.Duration
	PollInterval time.Duration
}

// Seconds builds a PhaseTimeout from the units used in configuration files.
func Seconds(softSec, hardSec, pollMs int) PhaseTimeout {
	return PhaseTimeout{
		Soft:         time.Duration(softSec) * time.Second,
		Hard:         time.Duration(hardSec) * time.Second,
		PollInterval: time.Duration(pollMs) * time.Millisecond,
	}
}

func (t PhaseTimeout) validate() error {
	if t.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", t.PollInterval)
	}
	if t.Soft < 0 {
		return fmt.Errorf("soft timeout must not be negative, got %s", t.Soft)
	}
	if t.Hard < t.Soft {
		return fmt.Errorf("hard timeout %s is shorter than soft timeout %s", t.Hard, t.Soft)
	}
	return nil
}

// Policy maps every phase to its thresholds for one model profile.
// It cannot be changed after construction.
type Policy struct {
	model  int
	phases map[Phase]PhaseTimeout
}

// NewPolicy validates and copies phases. Every phase must be present.
func NewPolicy(model int, phases map[Phase]PhaseTimeout) (Policy, error) {
	copied := make(map[Phase]PhaseTimeout, len(Phases))
	for _, p := range Phases {
		t, ok := phases[p]
		if !ok {
			return Policy{}, kioskerr.ErrInvalidPolicy.WithMessagef("model %d: missing %s", model, p)
		}
		if err := t.validate(); err != nil {
			return Policy{}, kioskerr.ErrInvalidPolicy.WithMessagef("model %d %s: %v", model, p, err)
		}
		copied[p] = t
	}
	return Policy{model: model, phases: copied}, nil
}

// Model is the profile number of the policy.
func (p Policy) Model() int { return p.model }

// For returns the thresholds of phase.
func (p Policy) For(phase Phase) PhaseTimeout { return p.phases[phase] }

// PolicySet holds the policies of all known model profiles.
type PolicySet struct {
	policies map[int]Policy
}

// DefaultModel is used when the requested model is unknown.
const DefaultModel = 1

var defaultTable = map[int]map[Phase]PhaseTimeout{
	1: {
		GateCheck752: Seconds(30, 120, 500),
		GateCheck240: Seconds(10, 60, 500),
		Start214:     Seconds(10, 30, 500),
		Monitor102:   Seconds(600, 1200, 1000),
	},
	2: {
		GateCheck752: Seconds(30, 120, 500),
		GateCheck240: Seconds(15, 90, 500),
		Start214:     Seconds(15, 45, 500),
		Monitor102:   Seconds(900, 1800, 1000),
	},
	3: {
		GateCheck752: Seconds(60, 180, 500),
		GateCheck240: Seconds(20, 90, 500),
		Start214:     Seconds(20, 60, 500),
		Monitor102:   Seconds(1200, 2400, 2000),
	},
	4: {
		GateCheck752: Seconds(60, 240, 1000),
		GateCheck240: Seconds(30, 120, 1000),
		Start214:     Seconds(30, 90, 1000),
		Monitor102:   Seconds(1500, 3000, 2000),
	},
}

// DefaultPolicies returns the built-in profiles 1 to 4.
func DefaultPolicies() PolicySet {
	set, err := NewPolicySet(nil)
	if err != nil {
		panic(err)
	}
	return set
}

// NewPolicySet builds profiles 1 to 4, replacing individual phases with
// overrides where given. Overrides for any other model are rejected.
func NewPolicySet(overrides map[int]map[Phase]PhaseTimeout) (PolicySet, error) {
	for model := range overrides {
		if _, ok := defaultTable[model]; !ok {
			return PolicySet{}, kioskerr.ErrInvalidPolicy.WithMessagef("unknown model %d, want 1 to %d", model, len(defaultTable))
		}
	}

	merged := make(map[int]map[Phase]PhaseTimeout)
	for model, phases := range defaultTable {
		merged[model] = make(map[Phase]PhaseTimeout, len(phases))
		for p, t := range phases {
			merged[model][p] = t
		}
	}
	for model, phases := range overrides {
		for p, t := range phases {
			merged[model][p] = t
		}
	}

	set := PolicySet{policies: make(map[int]Policy, len(merged))}
	for model, phases := range merged {
		p, err := NewPolicy(model, phases)
		if err != nil {
			return PolicySet{}, err
		}
		set.policies[model] = p
	}
	return set, nil
}

// Select returns the policy of model, or the model 1 policy when model is
// unknown.
func (s PolicySet) Select(model int) Policy {
	if p, ok := s.policies[model]; ok {
		return p
	}
	return s.policies[DefaultModel]
}

// ParsePhase maps a phase name as written in configuration to a Phase.
func ParsePhase(name string) (Phase, error) {
	for _, p := range Phases {
		if p.String() == name {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown phase %q", name)
}

// FromConfig builds the policy set with the overrides of cfg applied.
func FromConfig(cfg config.TimeoutsConfig) (PolicySet, error) {
	overrides := make(map[int]map[Phase]PhaseTimeout, len(cfg.Overrides))
	for model, phases := range cfg.Overrides {
		overrides[model] = make(map[Phase]PhaseTimeout, len(phases))
		for name, t := range phases {
			p, err := ParsePhase(name)
			if err != nil {
				return PolicySet{}, kioskerr.ErrInvalidPolicy.WithMessagef("model %d: %v", model, err)
			}
			overrides[model][p] = Seconds(t.SoftTimeoutSec, t.HardTimeoutSec, t.PollIntervalMs)
		}
	}
	return NewPolicySet(overrides)
}
