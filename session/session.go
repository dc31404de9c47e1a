// Package session implements the Session Tracker: detects session
// start/end from charger status transitions, accumulates duration,
// energy, and cost, and exposes the open session and closed history for
// persistence. The restart-restore and staleness semantics are
// grounded on aj9599-zev-billing's session_persistence.go
// (loadActiveSessionsFromDatabase / SaveActiveSessionToDatabase), though
// the storage medium here is the single atomic JSON document from the
// persistence package, not a database.
package session

import (
	"log"
	"time"

	"github.com/devskill-org/evse-driver/model"
)

const (
	defaultHistoryCap  = 100
	persistHeartbeat    = 10 * time.Second
)

// Tracker owns model.Session mutation exclusively, per spec.md §3
// ("Ownership"). It exposes a persistence snapshot but never writes to
// disk itself — only the control-engine task does, keeping the write
// path atomic (spec.md §9).
type Tracker struct {
	logger *log.Logger

	nextID     int64
	open       *model.Session
	history    []model.Session
	historyCap int

	consecutiveNonCharging int
	pendingEnd             time.Time
	prevRawStatus          model.StatusCode
	havePrev               bool

	lastPersist time.Time
}

// New creates an empty Tracker.
func New(logger *log.Logger) *Tracker {
	if logger == nil {
		logger = log.Default()
	}
	return &Tracker{logger: logger, historyCap: defaultHistoryCap, nextID: 1}
}

// Restore seeds the tracker from a persisted document: the open
// session (if any, restored with identical id per spec.md §8), its
// history, and the next id to allocate.
func (t *Tracker) Restore(open *model.Session, history []model.Session, nextID int64) {
	t.open = open
	t.history = history
	if nextID > t.nextID {
		t.nextID = nextID
	}
	if open != nil {
		t.havePrev = true
		t.prevRawStatus = model.StatusCharging
	}
}

// Open returns the currently open session, or nil.
func (t *Tracker) Open() *model.Session {
	return t.open
}

// History returns the bounded list of closed sessions, oldest first.
func (t *Tracker) History() []model.Session {
	return t.history
}

// Result reports what Update did this tick, for the control engine's
// persistence decision (spec.md §4.6: persist after every transition
// and at most once every 10 s during steady charging).
type Result struct {
	Transitioned bool // session opened or closed this tick
	ShouldPersist bool
}

// Update advances the tracker by one tick.
//
//   - now: wall-clock timestamp of this tick, for session Start/End.
//   - elapsed: monotonic time since the previous tick, used for
//     charging-time accumulation per spec.md §9's clock-source policy.
//   - rawStatus / statusMissing: this tick's charger status; a missing
//     status skips the tick entirely: no energy, time or cost is
//     accumulated and no transition fires.
//   - lifetimeKWh / lifetimeMissing: this tick's lifetime energy
//     counter.
//   - pricePerKWh / priceAvailable: the current PV/grid price signal,
//     from the (external) pricing component.
func (t *Tracker) Update(now time.Time, elapsed time.Duration, rawStatus model.StatusCode, statusMissing bool,
	lifetimeKWh float64, lifetimeMissing bool, pricePerKWh float64, priceAvailable bool) Result {

	if statusMissing {
		return Result{}
	}

	res := Result{}

	if t.open == nil {
		if t.havePrev && (t.prevRawStatus == model.StatusDisconnected || t.prevRawStatus == model.StatusConnected) &&
			rawStatus == model.StatusCharging {
			t.open = &model.Session{ID: t.nextID, Start: now, LastLifetimeKWh: lifetimeKWh}
			t.nextID++
			t.consecutiveNonCharging = 0
			res.Transitioned = true
			res.ShouldPersist = true
		}
		t.havePrev = true
		t.prevRawStatus = rawStatus
		return res
	}

	// Session is open: accumulate energy/time/cost for this tick.
	if !lifetimeMissing {
		delta := lifetimeKWh - t.open.LastLifetimeKWh
		if delta < 0 {
			// Counter reset or downward jump: freeze at the last valid
			// delta rather than going negative (spec.md §3, §8 scenario 6).
			delta = 0
			t.logger.Printf("session: lifetime energy counter reset detected (prev=%.3f now=%.3f), energy_delivered unchanged",
				t.open.LastLifetimeKWh, lifetimeKWh)
		}
		t.open.EnergyDeliveredKWh += delta
		t.open.LastLifetimeKWh = lifetimeKWh

		if priceAvailable {
			t.open.Cost += delta * pricePerKWh
		} else {
			t.open.CostGap = true
		}
	}

	if rawStatus == model.StatusCharging {
		t.open.ChargingTimeSec += elapsed.Seconds()
	}

	if rawStatus == model.StatusCharging {
		t.consecutiveNonCharging = 0
	} else {
		t.consecutiveNonCharging++
		if t.consecutiveNonCharging == 1 {
			t.pendingEnd = now
		}
		if t.consecutiveNonCharging >= 2 {
			t.open.End = t.pendingEnd
			t.open.Ended = true
			t.open.Closed = true
			t.history = append(t.history, *t.open)
			if len(t.history) > t.historyCap {
				t.history = t.history[len(t.history)-t.historyCap:]
			}
			t.open = nil
			t.consecutiveNonCharging = 0
			res.Transitioned = true
		}
	}

	res.ShouldPersist = res.Transitioned || time.Since(t.lastPersist) >= persistHeartbeat
	if res.ShouldPersist {
		t.lastPersist = time.Now()
	}

	t.havePrev = true
	t.prevRawStatus = rawStatus
	return res
}
