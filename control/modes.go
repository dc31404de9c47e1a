// Mode evaluators: each mode is a separate evaluator with the same
// input/output signature, per spec.md §9 ("Mode as a state machine, not
// a bag of booleans ... New strategies can be added without touching
// the loop."), the same dispatcher shape as mpc.MPCController.Optimize
// being one pluggable strategy among several in the teacher repo. The
// Auto evaluator's grace-timer-as-timestamp hysteresis is grounded
// directly on Cytron1980-evcc/core/loadpoint.go's pvTimer/Enable.Delay/
// Disable.Delay pattern.
package control

import (
	"time"

	"github.com/devskill-org/evse-driver/model"
)

// Limits bounds the effective current: the hardware floor (6 A), the
// station's advertised maximum, and the operator-configured ceiling.
type Limits struct {
	StationMaxA   float64
	ConfiguredMaxA float64
}

func (l Limits) ceiling() float64 {
	c := l.ConfiguredMaxA
	if l.StationMaxA > 0 && l.StationMaxA < c {
		c = l.StationMaxA
	}
	return c
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// EvalContext is the common input every mode evaluator receives.
type EvalContext struct {
	Now       time.Time // wall clock, for schedule evaluation and timestamps
	Snapshot  *model.Snapshot
	Intent    model.Intent
	Limits    Limits

	PVSurplusW  float64
	PVAvailable bool

	Location *time.Location
}

// EvalResult is the common output every mode evaluator produces.
type EvalResult struct {
	Command model.EffectiveCommand
	Status  string // coarse logical status, see spec.md §4.5.5
}

const floorA = 6.0

// evaluateManual implements spec.md §4.5.3 Manual.
func evaluateManual(ctx EvalContext) EvalResult {
	current := clamp(ctx.Intent.SetCurrent, floorA, ctx.Limits.ceiling())
	enabled := ctx.Intent.StartStop == 1
	status := ctx.Snapshot.RawStatus.Name()
	if ctx.Snapshot.RawStatus == model.StatusLowSoC {
		status = "Low SoC"
	}
	return EvalResult{
		Command: model.EffectiveCommand{TargetCurrentA: current, Enabled: enabled},
		Status:  status,
	}
}

// AutoState carries the Auto evaluator's hysteresis state across ticks.
// Grace timers are timestamps, not countdowns, per spec.md §9 — resilient
// to dropped ticks and scheduler overruns.
type AutoState struct {
	charging       bool
	dipSince       time.Time // zero means "no dip in progress"
	phaseSwitching bool
	phaseBoundarySince time.Time
	currentPhases  int
}

const (
	dipGrace          = 90 * time.Second
	phaseSwitchGrace  = 60 * time.Second
	phaseSwitchStopDur = 5 * time.Second
)

// evaluate implements spec.md §4.5.3 Auto (PV-aware).
func (s *AutoState) evaluate(ctx EvalContext) EvalResult {
	voltage := ctx.Snapshot.MeanVoltage()
	phases := ctx.Snapshot.ActivePhaseCount
	if phases == 0 {
		phases = 1
	}
	if s.currentPhases == 0 {
		s.currentPhases = phases
	}

	chargerPowerW := ctx.Snapshot.ActivePowerW

	var candidate float64
	if ctx.PVAvailable {
		candidate = (ctx.PVSurplusW + chargerPowerW) / (float64(phases) * voltage)
	}
	candidate = clamp(candidate, 0, ctx.Limits.ceiling())

	enabled := false
	current := floorA
	status := "Wait sun"

	wasCharging := ctx.Snapshot.RawStatus == model.StatusCharging

	switch {
	case candidate >= floorA:
		current = clamp(candidate, floorA, ctx.Limits.ceiling())
		enabled = true
		s.dipSince = time.Time{}
		s.charging = true
		status = chargingStatusLabel(phases)
	case wasCharging:
		// Already charging: clamp to the floor and start/continue the
		// dip grace timer before giving up on this cycle.
		current = floorA
		if s.dipSince.IsZero() {
			s.dipSince = ctx.Now
		}
		if time.Since(s.dipSince) >= dipGrace {
			enabled = false
			s.charging = false
			status = "Wait sun"
		} else {
			enabled = true
			status = chargingStatusLabel(phases)
		}
	default:
		// Not charging yet (cold start or already in Wait sun): stay
		// disabled without starting a grace timer from a cold start.
		s.dipSince = time.Time{}
		s.charging = false
		enabled = false
		status = "Wait sun"
	}

	return EvalResult{Command: model.EffectiveCommand{TargetCurrentA: current, Enabled: enabled}, Status: status}
}

func chargingStatusLabel(phases int) string {
	if phases == 3 {
		return "Charging 3P"
	}
	return "Charging 1P"
}

// DesiredPhases applies the phase-switching hysteresis from spec.md
// §4.5.3: switch 1<->3 only when the candidate current would sustain
// the other side for >=60s by >=1A above the boundary (3A/phase *
// phases). Returns the phase count to command and whether a stop
// window is required before the switch (station commanded to stop for
// >=5s during a change).
func (s *AutoState) DesiredPhases(now time.Time, candidateA float64, supportsSwitching bool) (phases int, needsStopWindow bool) {
	if !supportsSwitching || s.currentPhases == 0 {
		return s.currentPhases, false
	}

	boundary3to1 := 3.0 * 1 // 1-phase boundary: 3A * 1 phase
	boundary1to3 := 3.0 * 3 // 3-phase boundary: 3A * 3 phases

	wantSwitch := false
	target := s.currentPhases
	switch s.currentPhases {
	case 1:
		if candidateA*3 >= float64(boundary1to3)+1 { // sustain 3P by >=1A above boundary
			target = 3
			wantSwitch = true
		}
	case 3:
		if candidateA*1 < float64(boundary3to1)-1 {
			target = 1
			wantSwitch = true
		}
	}

	if !wantSwitch {
		s.phaseBoundarySince = time.Time{}
		return s.currentPhases, false
	}

	if s.phaseBoundarySince.IsZero() {
		s.phaseBoundarySince = now
	}
	if time.Since(s.phaseBoundarySince) < phaseSwitchGrace {
		return s.currentPhases, false
	}

	s.currentPhases = target
	s.phaseBoundarySince = time.Time{}
	return target, true
}

// evaluateScheduled implements spec.md §4.5.3 Scheduled.
func evaluateScheduled(ctx EvalContext) EvalResult {
	loc := ctx.Location
	if loc == nil {
		loc = time.UTC
	}
	local := ctx.Now.In(loc)

	if windowActive(ctx.Intent.Schedule, local) {
		current := clamp(ctx.Intent.SetCurrent, floorA, ctx.Limits.ceiling())
		return EvalResult{Command: model.EffectiveCommand{TargetCurrentA: current, Enabled: true}, Status: chargingStatusLabel(ctx.Snapshot.ActivePhaseCount)}
	}
	return EvalResult{Command: model.EffectiveCommand{TargetCurrentA: floorA, Enabled: false}, Status: "Wait start"}
}

// windowActive reports whether local falls inside any active schedule
// window, handling windows that span midnight as two half-open
// intervals [start, 24:00) ∪ [00:00, end).
func windowActive(windows []model.ScheduleWindow, local time.Time) bool {
	weekday := int(local.Weekday()) // Sunday=0..Saturday=6
	dayIdx := (weekday + 6) % 7     // convert to Mon=0..Sun=6

	nowHM := local.Hour()*60 + local.Minute()

	for _, w := range windows {
		if !w.Active || !w.Days[dayIdx] {
			continue
		}
		startM, okS := parseHM(w.StartHM)
		endM, okE := parseHM(w.EndHM)
		if !okS || !okE {
			continue
		}
		if endM < startM {
			// Spans midnight: [start, 24:00) ∪ [00:00, end)
			if nowHM >= startM || nowHM < endM {
				return true
			}
			// The tail half of the window on the *previous* day can
			// still be active after midnight even if today's entry for
			// the previous weekday isn't flagged Active here; callers
			// configure both days explicitly, mirroring the schedule's
			// own day-set semantics.
		} else {
			if nowHM >= startM && nowHM < endM {
				return true
			}
		}
	}
	return false
}

func parseHM(s string) (minutes int, ok bool) {
	if len(s) != 5 || s[2] != ':' {
		return 0, false
	}
	h := int(s[0]-'0')*10 + int(s[1]-'0')
	m := int(s[3]-'0')*10 + int(s[4]-'0')
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}
