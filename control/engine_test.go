package control

import (
	"context"
	"testing"
	"time"

	"github.com/devskill-org/evse-driver/inbox"
	"github.com/devskill-org/evse-driver/model"
	"github.com/devskill-org/evse-driver/persistence"
	"github.com/devskill-org/evse-driver/session"
)

type fakeWriter struct {
	writes []write
	fail   bool
}

type write struct {
	unit    byte
	address uint16
	words   []uint16
}

func (f *fakeWriter) WriteMultiple(_ context.Context, unit byte, address uint16, words []uint16) error {
	if f.fail {
		return errFakeWrite
	}
	f.writes = append(f.writes, write{unit, address, append([]uint16(nil), words...)})
	return nil
}

var errFakeWrite = &fakeWriteErr{}

type fakeWriteErr struct{}

func (*fakeWriteErr) Error() string { return "fake write failure" }

func newTestEngine(t *testing.T, writer Writer) (*Engine, *inbox.Inbox, string) {
	t.Helper()
	dir := t.TempDir()
	ib := inbox.New()
	store := persistence.New(dir+"/state.json", nil)
	tr := session.New(nil)
	eng := New(Config{ConfiguredMaxA: 25.0, Writes: WriteLayout{SocketUnit: 1}}, ib, writer, store, tr, nil, nil, nil)
	return eng, ib, dir
}

func baseSnapshot(status model.StatusCode) *model.Snapshot {
	return &model.Snapshot{
		Taken:              time.Now(),
		StationMaxCurrentA: 16,
		RawStatus:          status,
		ActivePhaseCount:   1,
	}
}

func TestManualClampAndWriteCoalesce(t *testing.T) {
	w := &fakeWriter{}
	eng, ib, _ := newTestEngine(t, w)
	ib.Push(model.Command{Kind: model.CmdSetMode, Raw: "manual"})
	ib.Push(model.Command{Kind: model.CmdSetStartStop, Raw: true})
	ib.Push(model.Command{Kind: model.CmdSetCurrent, Raw: 10.0})

	now := time.Now()
	snap := baseSnapshot(model.StatusCharging)

	eng.Tick(context.Background(), now, snap, 0, false)
	if len(w.writes) != 2 { // current + enable
		t.Fatalf("tick 1: expected 2 register writes, got %d", len(w.writes))
	}

	for i := 2; i <= 30; i++ {
		eng.Tick(context.Background(), now.Add(time.Duration(i-1)*time.Second), snap, 0, false)
	}
	if len(w.writes) != 2 {
		t.Fatalf("ticks 2-30: expected no additional writes, got %d total", len(w.writes))
	}

	eng.Tick(context.Background(), now.Add(30*time.Second), snap, 0, false)
	if len(w.writes) != 4 {
		t.Fatalf("tick 31: expected heartbeat write, total writes = %d", len(w.writes))
	}
}

func TestAutoColdStart(t *testing.T) {
	w := &fakeWriter{}
	eng, ib, _ := newTestEngine(t, w)
	ib.Push(model.Command{Kind: model.CmdSetMode, Raw: "auto"})
	ib.Push(model.Command{Kind: model.CmdSetStartStop, Raw: true})

	snap := baseSnapshot(model.StatusConnected)
	snap.Phases[0] = model.Phase{VoltageV: 230}
	snap.ActivePowerW = 0

	res := eng.Tick(context.Background(), time.Now(), snap, 800, true)
	if res.Command.Enabled {
		t.Fatalf("expected disabled on cold start with insufficient surplus")
	}
	if res.Command.TargetCurrentA != floorA {
		t.Fatalf("expected floor current, got %v", res.Command.TargetCurrentA)
	}
	if res.Status != "Wait sun" {
		t.Fatalf("expected status 'Wait sun', got %q", res.Status)
	}
}

func TestAutoDipGraceDoesNotDropMidDip(t *testing.T) {
	w := &fakeWriter{}
	eng, ib, _ := newTestEngine(t, w)
	ib.Push(model.Command{Kind: model.CmdSetMode, Raw: "auto"})
	ib.Push(model.Command{Kind: model.CmdSetStartStop, Raw: true})

	snap := baseSnapshot(model.StatusCharging)
	snap.Phases[0] = model.Phase{VoltageV: 230}

	now := time.Now()
	res := eng.Tick(context.Background(), now, snap, 2000, true)
	if !res.Command.Enabled {
		t.Fatalf("expected enabled while charging with ample surplus")
	}

	res = eng.Tick(context.Background(), now.Add(30*time.Second), snap, 200, true)
	if !res.Command.Enabled || res.Command.TargetCurrentA != floorA {
		t.Fatalf("mid-dip (< 90s): expected still enabled at floor current, got enabled=%v current=%v",
			res.Command.Enabled, res.Command.TargetCurrentA)
	}

	res = eng.Tick(context.Background(), now.Add(60*time.Second), snap, 2000, true)
	if !res.Command.Enabled {
		t.Fatalf("expected recovery to re-enable once surplus returns")
	}
}

func TestScheduledWindowSpanningMidnight(t *testing.T) {
	w := &fakeWriter{}
	eng, ib, _ := newTestEngine(t, w)
	ib.Push(model.Command{Kind: model.CmdSetMode, Raw: "scheduled"})
	ib.Push(model.Command{Kind: model.CmdSetCurrent, Raw: 16.0})

	window := model.ScheduleWindow{Active: true, StartHM: "22:00", EndHM: "06:00"}
	for i := range window.Days {
		window.Days[i] = true
	}
	intent := eng.Intent()
	intent.Schedule = []model.ScheduleWindow{window}
	eng.RestoreIntent(intent)

	snap := baseSnapshot(model.StatusConnected)

	noon := time.Date(2026, 7, 28, 12, 0, 0, 0, time.UTC)
	res := eng.Tick(context.Background(), noon, snap, 0, false)
	if res.Command.Enabled {
		t.Fatalf("expected disabled outside window at noon")
	}

	late := time.Date(2026, 7, 28, 23, 30, 0, 0, time.UTC)
	res = eng.Tick(context.Background(), late, snap, 0, false)
	if !res.Command.Enabled {
		t.Fatalf("expected enabled inside window at 23:30")
	}
}

func TestSetCurrentClampsBoundaries(t *testing.T) {
	intent := model.Intent{}
	applySetCurrent(&intent, 5.9)
	if intent.SetCurrent != 6.0 {
		t.Fatalf("5.9 should clamp to 6.0, got %v", intent.SetCurrent)
	}
	applySetCurrent(&intent, 40.0)
	if intent.SetCurrent != 32.0 {
		t.Fatalf("40 should clamp to 32.0, got %v", intent.SetCurrent)
	}
}

func TestValidateCommandRejectsUnrecognisedMode(t *testing.T) {
	reason := ValidateCommand(model.Command{Kind: model.CmdSetMode, Raw: "banana"})
	if reason == "" {
		t.Fatalf("expected a rejection reason for an unrecognised mode")
	}
}

func TestValidateCommandAcceptsNumericCurrent(t *testing.T) {
	reason := ValidateCommand(model.Command{Kind: model.CmdSetCurrent, Raw: 10.0})
	if reason != "" {
		t.Fatalf("expected no rejection for a numeric set_current, got %q", reason)
	}
}

func TestSetConfiguredMaxARaisesCeilingBeforeNextTick(t *testing.T) {
	w := &fakeWriter{}
	eng, ib, _ := newTestEngine(t, w)
	ib.Push(model.Command{Kind: model.CmdSetMode, Raw: "manual"})
	ib.Push(model.Command{Kind: model.CmdSetStartStop, Raw: true})
	ib.Push(model.Command{Kind: model.CmdSetCurrent, Raw: 30.0})

	snap := baseSnapshot(model.StatusCharging)
	snap.StationMaxCurrentA = 50 // station ceiling is not the binding constraint here

	now := time.Now()
	res := eng.Tick(context.Background(), now, snap, 0, false)
	if res.Command.TargetCurrentA != 25.0 {
		t.Fatalf("expected clamp to the 25A construction ceiling, got %v", res.Command.TargetCurrentA)
	}

	eng.SetConfiguredMaxA(32.0)
	res = eng.Tick(context.Background(), now.Add(time.Second), snap, 0, false)
	if res.Command.TargetCurrentA != 30.0 {
		t.Fatalf("expected the raised ceiling to take effect on the next tick, got %v", res.Command.TargetCurrentA)
	}
}
