// Package control is the Control Engine: the state machine selecting
// mode (Manual/Auto/Scheduled), computing the effective set-current, and
// enforcing the hysteresis/write policy from spec.md §4.5.4. It
// exclusively owns Intent and EffectiveCommand mutation per spec.md §3,
// drains the Command Inbox at the start of each tick, and is the only
// task that writes the persistence file (spec.md §9).
package control

import (
	"context"
	"log"
	"math"
	"sync/atomic"
	"time"

	"github.com/devskill-org/evse-driver/inbox"
	"github.com/devskill-org/evse-driver/metrics"
	"github.com/devskill-org/evse-driver/model"
	"github.com/devskill-org/evse-driver/persistence"
	"github.com/devskill-org/evse-driver/pricing"
	"github.com/devskill-org/evse-driver/regcodec"
	"github.com/devskill-org/evse-driver/session"
)

// Writer is the Modbus write surface the Control Engine needs; a
// *modbusclient.Client satisfies it. Narrowed to an interface here so
// the write/hysteresis policy can be tested without a live connection.
type Writer interface {
	WriteMultiple(ctx context.Context, unit byte, address uint16, words []uint16) error
}

// WriteLayout describes the writable registers, mirroring the write
// rows of spec.md §6's register map.
type WriteLayout struct {
	SocketUnit      byte
	TargetCurrentAddr uint16 // f32, 2 words
	EnableAddr        uint16 // u16, 1 word
	PhasesAddr        uint16 // u16, 1 word
	SupportsPhases    bool
	WordOrder         regcodec.WordOrder
}

const heartbeatInterval = 30 * time.Second

// Engine ties together command normalisation, mode dispatch, write
// hysteresis, the Session Tracker, and the Persistence Store into one
// per-tick operation.
type Engine struct {
	logger *log.Logger
	mx     *metrics.Registry

	intent model.Intent
	limits Limits
	loc    *time.Location

	// configuredMaxA holds the operator-configured current ceiling as
	// float64 bits so a config-file reload (running on its own goroutine)
	// can update it without racing Tick; same atomic-field idiom as
	// pollsched's overrun/running counters.
	configuredMaxA atomic.Uint64

	inbox   *inbox.Inbox
	client  Writer
	writes  WriteLayout
	persist *persistence.Store
	tracker *session.Tracker
	prices  pricing.Source

	auto AutoState

	lastWrittenCurrent *float64
	lastEnabled        *bool
	lastWriteTime       time.Time
	unacknowledged      bool

	lastTick time.Time
}

// Config bundles Engine construction parameters.
type Config struct {
	ConfiguredMaxA float64
	Location       *time.Location
	Writes         WriteLayout
}

// New creates an Engine. The caller restores Intent/session state from
// persistence.Store.Load before the first Tick.
func New(cfg Config, ib *inbox.Inbox, client Writer, persist *persistence.Store,
	tracker *session.Tracker, prices pricing.Source, mx *metrics.Registry, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	e := &Engine{
		logger:  logger,
		mx:      mx,
		intent:  model.Intent{Mode: model.ModeManual, SetCurrent: floorA},
		limits:  Limits{ConfiguredMaxA: cfg.ConfiguredMaxA},
		loc:     loc,
		inbox:   ib,
		client:  client,
		writes:  cfg.Writes,
		persist: persist,
		tracker: tracker,
		prices:  prices,
	}
	e.configuredMaxA.Store(math.Float64bits(cfg.ConfiguredMaxA))
	return e
}

// RestoreIntent seeds the Engine's Intent from a persisted document.
func (e *Engine) RestoreIntent(intent model.Intent) { e.intent = intent }

// Intent returns a copy of the current Intent.
func (e *Engine) Intent() model.Intent { return e.intent }

// SetConfiguredMaxA updates the operator-configured current ceiling. Safe
// to call concurrently with Tick — e.g. from a config-file reload — the
// new ceiling takes effect starting with the next tick.
func (e *Engine) SetConfiguredMaxA(a float64) {
	e.configuredMaxA.Store(math.Float64bits(a))
}

// TickResult is everything produced during one tick, for the publisher
// function to turn into Property Store updates.
type TickResult struct {
	Snapshot      *model.Snapshot
	Intent        model.Intent
	Command       model.EffectiveCommand
	Status        string
	Session       *model.Session
	Unacknowledged bool
	Rejections    []model.Rejection
}

// Tick runs one iteration: drain commands -> mutate Intent -> persist on
// change -> evaluate mode -> apply write policy -> write through Modbus
// -> update Session Tracker -> persist on session transition. Ordering
// matches spec.md §5: no field is considered final for this tick until
// this function returns.
func (e *Engine) Tick(ctx context.Context, now time.Time, snap *model.Snapshot, pvSurplusW float64, pvAvailable bool) TickResult {
	var elapsed time.Duration
	if !e.lastTick.IsZero() {
		elapsed = now.Sub(e.lastTick)
	}
	e.lastTick = now
	e.limits.ConfiguredMaxA = math.Float64frombits(e.configuredMaxA.Load())

	cmds := e.inbox.Drain()
	rejections := ApplyCommands(&e.intent, cmds)
	for _, r := range rejections {
		e.logger.Printf("control: rejected command on %s: %s", r.Command.Path(), r.Reason)
	}
	if len(cmds) > len(rejections) {
		e.persistIntent()
	}

	e.limits.StationMaxA = snap.StationMaxCurrentA
	if snap.StationMaxMissing || e.limits.StationMaxA <= 0 {
		e.limits.StationMaxA = e.limits.ConfiguredMaxA
	}

	evalCtx := EvalContext{
		Now: now, Snapshot: snap, Intent: e.intent, Limits: e.limits,
		PVSurplusW: pvSurplusW, PVAvailable: pvAvailable, Location: e.loc,
	}

	var result EvalResult
	switch e.intent.Mode {
	case model.ModeManual:
		result = evaluateManual(evalCtx)
	case model.ModeAuto:
		result = e.auto.evaluate(evalCtx)
	case model.ModeScheduled:
		result = evaluateScheduled(evalCtx)
	default:
		result = evaluateManual(evalCtx)
	}

	e.applyWrite(ctx, result.Command, now)

	statusOverride := e.statusOverride(snap, result, now)
	if statusOverride != "" {
		result.Status = statusOverride
	}

	var price float64
	var priceOK bool
	if e.prices != nil {
		price, priceOK = e.prices.CurrentPricePerKWh(now)
	}

	sessionRes := e.tracker.Update(now, elapsed, snap.RawStatus, snap.StatusMissing,
		snap.LifetimeEnergyKWh, snap.EnergyMissing, price, priceOK)
	if sessionRes.ShouldPersist {
		e.persistSession()
	}

	return TickResult{
		Snapshot: snap, Intent: e.intent, Command: result.Command, Status: result.Status,
		Session: e.tracker.Open(), Unacknowledged: e.unacknowledged, Rejections: rejections,
	}
}

// statusOverride applies the raw-status/effective-command combinations
// from spec.md §4.5.5 that take priority over the mode evaluator's own
// label (e.g. a raw Charging sample with effective=0 while in Auto).
func (e *Engine) statusOverride(snap *model.Snapshot, result EvalResult, now time.Time) string {
	switch {
	case snap.RawStatus == model.StatusCharging && !result.Command.Enabled && e.intent.Mode == model.ModeAuto:
		return "Wait sun"
	case snap.RawStatus == model.StatusConnected && !result.Command.Enabled && e.intent.Mode == model.ModeScheduled:
		return "Wait start"
	case snap.RawStatus == model.StatusLowSoC:
		return "Low SoC"
	}
	return ""
}

// applyWrite enforces spec.md §4.5.4's write/hysteresis policy: write
// only on an integer-amp change, a 30 s heartbeat, or a start/stop
// flag change; round the written value to one decimal amp; on failure
// keep publishing the intended value with an "unacknowledged" marker.
func (e *Engine) applyWrite(ctx context.Context, cmd model.EffectiveCommand, now time.Time) {
	rounded := math.Round(cmd.TargetCurrentA*10) / 10

	needsWrite := e.lastWrittenCurrent == nil || e.lastEnabled == nil
	if !needsWrite {
		if math.Round(rounded) != math.Round(*e.lastWrittenCurrent) {
			needsWrite = true
		}
		if cmd.Enabled != *e.lastEnabled {
			needsWrite = true
		}
		if now.Sub(e.lastWriteTime) >= heartbeatInterval {
			needsWrite = true
		}
	}

	if !needsWrite {
		if e.mx != nil {
			e.mx.WriteSkipped()
		}
		return
	}

	if err := e.writeToCharger(ctx, rounded, cmd.Enabled); err != nil {
		e.logger.Printf("control: write failed, publishing intended value unacknowledged: %v", err)
		e.unacknowledged = true
		return
	}

	e.unacknowledged = false
	e.lastWrittenCurrent = &rounded
	enabled := cmd.Enabled
	e.lastEnabled = &enabled
	e.lastWriteTime = now
	if e.mx != nil {
		e.mx.WriteSent()
	}
}

func (e *Engine) writeToCharger(ctx context.Context, amps float64, enabled bool) error {
	words := regcodec.EncodeF32(amps, e.writes.WordOrder)
	if err := e.client.WriteMultiple(ctx, e.writes.SocketUnit, e.writes.TargetCurrentAddr, words[:]); err != nil {
		return err
	}
	enableWord := uint16(0)
	if enabled {
		enableWord = 1
	}
	return e.client.WriteMultiple(ctx, e.writes.SocketUnit, e.writes.EnableAddr, []uint16{enableWord})
}

func (e *Engine) persistIntent() {
	doc := e.persist.Load()
	doc.Intent = persistence.ToIntentDoc(e.intent)
	if err := e.persist.Save(doc); err != nil {
		e.logger.Printf("control: failed to persist intent: %v", err)
	}
}

func (e *Engine) persistSession() {
	doc := e.persist.Load()
	doc.Intent = persistence.ToIntentDoc(e.intent)
	if open := e.tracker.Open(); open != nil {
		sd := persistence.ToSessionDoc(*open)
		doc.OpenSession = &sd
	} else {
		doc.OpenSession = nil
	}
	history := e.tracker.History()
	doc.History = make([]persistence.SessionDoc, len(history))
	for i, s := range history {
		doc.History[i] = persistence.ToSessionDoc(s)
	}
	if err := e.persist.Save(doc); err != nil {
		e.logger.Printf("control: failed to persist session: %v", err)
	}
}
