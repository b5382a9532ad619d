package timeout

import (
	"context"
	"fmt"
	"log"
	"time"

	"wash-kiosk-backend/internal/kioskerr"
)

// SignalReader reads the current value of a gate sensor signal.
type SignalReader interface {
	Read(ctx context.Context, code int) (int, error)
}

// Level is the severity of a timeout crossing.
type Level string

const (
	LevelSoft Level = "SOFT"
	LevelHard Level = "HARD"
)

// Handling describes one timeout crossing.
type Handling struct {
	Phase   Phase
	Level   Level
	Elapsed time.Duration
	Action  string
}

// Outcome is how a phase ended.
type Outcome string

const (
	OutcomeAdvanced           Outcome = "advanced"
	OutcomeCompleted          Outcome = "completed"
	OutcomeRefunding          Outcome = "refunding"
	OutcomeManualIntervention Outcome = "manual_intervention_required"
	OutcomeAborted            Outcome = "aborted"
	OutcomeCancelled          Outcome = "cancelled"
)

// Terminal reports whether no further phase may run after o.
func (o Outcome) Terminal() bool { return o != OutcomeAdvanced }

// Escalation is the state of the payment side when a hard timeout hits.
type Escalation struct {
	CashActive         bool
	PaidCents          int64
	PaidKnown          bool
	HardwareConsistent bool
	Reason             string
}

// EscalationProbe inspects the payment side at a hard timeout.
type EscalationProbe func(ctx context.Context, phase Phase) Escalation

// Conditions holds the signal values that complete phases which are not
// fixed by the sensor contract.
type Conditions struct {
	AutomaticValue int
	CycleDoneValue int
}

// satisfied reports whether value completes phase.
func (c Conditions) satisfied(phase Phase, value int) bool {
	switch phase {
	case GateCheck752:
		return value == 0
	case GateCheck240:
		return value == 1
	case Start214:
		return value == c.AutomaticValue
	default:
		return value == c.CycleDoneValue
	}
}

// PhaseResult reports how one phase ended.
type PhaseResult struct {
	Phase     Phase
	Outcome   Outcome
	Elapsed   time.Duration
	Handlings []Handling
	Reason    string
}

// Engine runs the gate phases strictly in order. It is owned by one wash
// cycle and is not safe for concurrent use.
type Engine struct {
	policy     Policy
	signals    SignalReader
	conditions Conditions
	probe      EscalationProbe
	onTimeout  func(Handling)
	now        func() time.Time

	next     int
	finished bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithEscalationProbe sets how hard timeouts inspect the payment side.
func WithEscalationProbe(p EscalationProbe) Option {
	return func(e *Engine) { e.probe = p }
}

// WithTimeoutHook is called for every soft and hard timeout crossing.
func WithTimeoutHook(fn func(Handling)) Option {
	return func(e *Engine) { e.onTimeout = fn }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine positioned at the first phase.
func NewEngine(policy Policy, signals SignalReader, conditions Conditions, opts ...Option) *Engine {
	e := &Engine{
		policy:     policy,
		signals:    signals,
		conditions: conditions,
		probe: func(context.Context, Phase) Escalation {
			return Escalation{HardwareConsistent: true, PaidKnown: true}
		},
		onTimeout: func(Handling) {},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Next returns the phase Advance will run, and false once the sequence has
// ended.
func (e *Engine) Next() (Phase, bool) {
	if e.finished || e.next >= len(Phases) {
		return 0, false
	}
	return Phases[e.next], true
}

// Advance runs the next phase until its success signal is observed, the
// hard timeout passes, or ctx is cancelled.
//
// A hard timeout is returned as an error matching kioskerr.ErrHardTimeout,
// together with the result carrying the escalated outcome.
func (e *Engine) Advance(ctx context.Context) (PhaseResult, error) {
	phase, ok := e.Next()
	if !ok {
		return PhaseResult{}, kioskerr.ErrPhaseOrder.WithMessage("gate sequence already ended")
	}

	res := e.run(ctx, phase)
	if res.Outcome.Terminal() {
		e.finished = true
	} else {
		e.next++
	}

	switch res.Outcome {
	case OutcomeRefunding, OutcomeAborted:
		return res, kioskerr.ErrHardTimeout.WithMessagef("%s after %s: %s", phase, res.Elapsed.Round(time.Millisecond), res.Reason)
	case OutcomeManualIntervention:
		return res, fmt.Errorf("%w: %w", kioskerr.ErrHardTimeout.WithMessagef("%s after %s", phase, res.Elapsed.Round(time.Millisecond)),
			kioskerr.ErrManualIntervention.WithMessage(res.Reason))
	case OutcomeCancelled:
		return res, ctx.Err()
	default:
		return res, nil
	}
}

func (e *Engine) run(ctx context.Context, phase Phase) PhaseResult {
	cfg := e.policy.For(phase)
	entered := e.now()
	res := PhaseResult{Phase: phase}

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	softFired := false
	for {
		value, err := e.signals.Read(ctx, phase.Code())
		elapsed := e.now().Sub(entered)
		res.Elapsed = elapsed

		if err != nil {
			if ctx.Err() != nil {
				res.Outcome = OutcomeCancelled
				return res
			}
			log.Printf("Warning: reading signal %d in %s: %v", phase.Code(), phase, err)
		} else if e.conditions.satisfied(phase, value) && elapsed < cfg.Hard {
			res.Outcome = OutcomeAdvanced
			if phase == Monitor102 {
				res.Outcome = OutcomeCompleted
			}
			return res
		}

		if !softFired && elapsed >= cfg.Soft {
			softFired = true
			h := Handling{Phase: phase, Level: LevelSoft, Elapsed: elapsed, Action: phase.softAction()}
			log.Printf("Soft timeout in %s after %s: %s", phase, elapsed.Round(time.Millisecond), h.Action)
			res.Handlings = append(res.Handlings, h)
			e.onTimeout(h)
		}

		if elapsed >= cfg.Hard {
			esc := e.probe(ctx, phase)
			res.Outcome, res.Reason = Decide(esc)
			h := Handling{Phase: phase, Level: LevelHard, Elapsed: elapsed, Action: string(res.Outcome)}
			log.Printf("Hard timeout in %s after %s: %s (%s)", phase, elapsed.Round(time.Millisecond), res.Outcome, res.Reason)
			res.Handlings = append(res.Handlings, h)
			e.onTimeout(h)
			return res
		}

		select {
		case <-ctx.Done():
			res.Outcome = OutcomeCancelled
			return res
		case <-ticker.C:
		}
	}
}

// Decide maps the payment side at a hard timeout to a terminal outcome.
// An unknown paid amount is never refunded blindly.
func Decide(esc Escalation) (Outcome, string) {
	switch {
	case !esc.HardwareConsistent:
		return OutcomeManualIntervention, reasonOr(esc.Reason, "hardware state inconsistent")
	case esc.CashActive && !esc.PaidKnown:
		return OutcomeManualIntervention, reasonOr(esc.Reason, "paid amount unknown")
	case esc.CashActive && esc.PaidCents > 0:
		return OutcomeRefunding, fmt.Sprintf("refund %d cents", esc.PaidCents)
	default:
		return OutcomeAborted, "no cash collected"
	}
}

func reasonOr(reason, fallback string) string {
	if reason != "" {
		return reason
	}
	return fallback
}
