package session

import (
	"testing"
	"time"

	"github.com/devskill-org/evse-driver/model"
)

func TestSessionOpensOnChargingTransition(t *testing.T) {
	tr := New(nil)
	now := time.Now()

	tr.Update(now, time.Second, model.StatusConnected, false, 10.0, false, 0, false)
	if tr.Open() != nil {
		t.Fatalf("session should not be open yet")
	}

	res := tr.Update(now.Add(time.Second), time.Second, model.StatusCharging, false, 10.0, false, 0, false)
	if !res.Transitioned || tr.Open() == nil {
		t.Fatalf("expected session to open on transition to Charging")
	}
}

func TestOneTickBlipDoesNotClose(t *testing.T) {
	tr := New(nil)
	now := time.Now()
	tr.Update(now, time.Second, model.StatusConnected, false, 10.0, false, 0, false)
	tr.Update(now.Add(time.Second), time.Second, model.StatusCharging, false, 10.0, false, 0, false)

	tr.Update(now.Add(2*time.Second), time.Second, model.StatusConnected, false, 10.1, false, 0, false)
	if tr.Open() == nil {
		t.Fatalf("single blip tick must not close the session")
	}

	tr.Update(now.Add(3*time.Second), time.Second, model.StatusCharging, false, 10.2, false, 0, false)
	if tr.Open() == nil {
		t.Fatalf("session should remain open after blip recovers")
	}
}

func TestTwoConsecutiveNonChargingCloses(t *testing.T) {
	tr := New(nil)
	now := time.Now()
	tr.Update(now, time.Second, model.StatusConnected, false, 10.0, false, 0, false)
	tr.Update(now.Add(time.Second), time.Second, model.StatusCharging, false, 10.0, false, 0, false)

	tr.Update(now.Add(2*time.Second), time.Second, model.StatusConnected, false, 10.1, false, 0, false)
	res := tr.Update(now.Add(3*time.Second), time.Second, model.StatusConnected, false, 10.1, false, 0, false)

	if !res.Transitioned || tr.Open() != nil {
		t.Fatalf("two consecutive non-Charging ticks must close the session")
	}
	if len(tr.History()) != 1 {
		t.Fatalf("expected one closed session in history, got %d", len(tr.History()))
	}
}

func TestCounterResetDoesNotReduceEnergy(t *testing.T) {
	tr := New(nil)
	now := time.Now()
	tr.Update(now, time.Second, model.StatusConnected, false, 12345.7, false, 0, false)
	tr.Update(now.Add(time.Second), time.Second, model.StatusCharging, false, 12345.7, false, 0, false)

	before := tr.Open().EnergyDeliveredKWh
	tr.Update(now.Add(2*time.Second), time.Second, model.StatusCharging, false, 0.1, false, 0, false)

	if tr.Open().EnergyDeliveredKWh != before {
		t.Fatalf("counter reset must not change energy_delivered: before=%v after=%v", before, tr.Open().EnergyDeliveredKWh)
	}
}

func TestRestoreKeepsSessionIDAndAccumulatesDelta(t *testing.T) {
	tr := New(nil)
	open := &model.Session{ID: 42, EnergyDeliveredKWh: 2.5, LastLifetimeKWh: 12345.6}
	tr.Restore(open, nil, 43)

	tr.Update(time.Now(), time.Second, model.StatusCharging, false, 12345.7, false, 0, false)

	if tr.Open().ID != 42 {
		t.Fatalf("restored session id changed: got %d", tr.Open().ID)
	}
	if got, want := tr.Open().EnergyDeliveredKWh, 2.6; abs(got-want) > 1e-9 {
		t.Fatalf("got %v want %v", got, want)
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
