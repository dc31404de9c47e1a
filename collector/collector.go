// Package collector implements the Measurement Collector: each tick it
// issues the fixed read plan from spec.md §4.4 against the Modbus
// Client and assembles a Snapshot, recording each step's latency and
// downgrading individual failed steps to "missing" rather than failing
// the whole tick.
package collector

import (
	"context"
	"log"
	"time"

	"github.com/devskill-org/evse-driver/metrics"
	"github.com/devskill-org/evse-driver/model"
	"github.com/devskill-org/evse-driver/modbusclient"
	"github.com/devskill-org/evse-driver/regcodec"
)

// Layout describes where each measured field lives on the wire,
// mirroring the register map in spec.md §6.
type Layout struct {
	SocketUnit  byte
	StationUnit byte

	VoltageAddr uint16 // 3x f32, 6 words
	CurrentAddr uint16 // 3x f32, 6 words
	PowerAddr   uint16 // 3x f32, 6 words
	EnergyAddr  uint16 // f64, 4 words
	StatusAddr  uint16 // u16, 1 word

	StationMaxAddr uint16 // f32, 2 words

	ProductAddr  uint16
	ProductWords int
	SerialAddr   uint16
	SerialWords  int
	FirmwareAddr uint16
	FirmwareWords int

	WordOrder regcodec.WordOrder
}

// Collector owns the per-tick read plan and the identifiers cache.
type Collector struct {
	client *modbusclient.Client
	layout Layout
	logger *log.Logger
	mx     *metrics.Registry

	identCached bool
	product     string
	serial      string
	firmware    string
}

// New creates a Collector reading through client per layout.
func New(client *modbusclient.Client, layout Layout, mx *metrics.Registry, logger *log.Logger) *Collector {
	if logger == nil {
		logger = log.Default()
	}
	return &Collector{client: client, layout: layout, logger: logger, mx: mx}
}

// Collect executes the deterministic read plan and assembles a Snapshot.
// A failed step marks its fields "missing" in the Snapshot rather than
// aborting the tick; the tick always completes.
func (c *Collector) Collect(ctx context.Context) *model.Snapshot {
	snap := &model.Snapshot{
		Taken:         time.Now(),
		StepLatencies: make(map[string]time.Duration),
	}

	c.readVoltages(ctx, snap)
	c.readCurrents(ctx, snap)
	c.readPowers(ctx, snap)
	c.readEnergy(ctx, snap)
	c.readStatus(ctx, snap)
	c.readStationMax(ctx, snap)
	c.ensureIdentifiers(ctx, snap)

	c.deriveAggregatePower(snap)
	snap.ActivePhaseCount = 3
	for i := 1; i < 3; i++ {
		if snap.Phases[i].Missing {
			snap.ActivePhaseCount = 1
			break
		}
	}

	return snap
}

func (c *Collector) timed(step string, fn func() error) {
	start := time.Now()
	err := fn()
	elapsed := time.Since(start)
	if c.mx != nil {
		c.mx.ObservePollStep(step, elapsed, err != nil)
	}
	if err != nil {
		c.logger.Printf("collector: step %q failed: %v", step, err)
	}
}

func (c *Collector) readVoltages(ctx context.Context, snap *model.Snapshot) {
	start := time.Now()
	c.timed("voltage", func() error {
		words, err := c.client.ReadHolding(ctx, c.layout.SocketUnit, c.layout.VoltageAddr, 6)
		if err != nil {
			for i := range snap.Phases {
				snap.Phases[i].Missing = true
			}
			return err
		}
		for i := 0; i < 3; i++ {
			v := regcodec.DecodeF32([2]uint16{words[i*2], words[i*2+1]}, c.layout.WordOrder)
			if regcodec.IsMissing(v) {
				snap.Phases[i].Missing = true
				continue
			}
			snap.Phases[i].VoltageV = v
		}
		return nil
	})
	snap.StepLatencies["voltage"] = time.Since(start)
}

func (c *Collector) readCurrents(ctx context.Context, snap *model.Snapshot) {
	start := time.Now()
	c.timed("current", func() error {
		words, err := c.client.ReadHolding(ctx, c.layout.SocketUnit, c.layout.CurrentAddr, 6)
		if err != nil {
			for i := range snap.Phases {
				snap.Phases[i].Missing = true
			}
			return err
		}
		for i := 0; i < 3; i++ {
			v := regcodec.DecodeF32([2]uint16{words[i*2], words[i*2+1]}, c.layout.WordOrder)
			if regcodec.IsMissing(v) {
				snap.Phases[i].Missing = true
				continue
			}
			snap.Phases[i].CurrentA = v
		}
		return nil
	})
	snap.StepLatencies["current"] = time.Since(start)
}

func (c *Collector) readPowers(ctx context.Context, snap *model.Snapshot) {
	start := time.Now()
	c.timed("power", func() error {
		words, err := c.client.ReadHolding(ctx, c.layout.SocketUnit, c.layout.PowerAddr, 6)
		if err != nil {
			for i := range snap.Phases {
				snap.Phases[i].Missing = true
			}
			return err
		}
		for i := 0; i < 3; i++ {
			v := regcodec.DecodeF32([2]uint16{words[i*2], words[i*2+1]}, c.layout.WordOrder)
			if regcodec.IsMissing(v) {
				snap.Phases[i].Missing = true
				continue
			}
			snap.Phases[i].PowerW = v
		}
		return nil
	})
	snap.StepLatencies["power"] = time.Since(start)
}

func (c *Collector) readEnergy(ctx context.Context, snap *model.Snapshot) {
	start := time.Now()
	c.timed("energy", func() error {
		words, err := c.client.ReadHolding(ctx, c.layout.SocketUnit, c.layout.EnergyAddr, 4)
		if err != nil {
			snap.EnergyMissing = true
			return err
		}
		v := regcodec.DecodeF64([4]uint16{words[0], words[1], words[2], words[3]}, c.layout.WordOrder)
		if regcodec.IsMissing(v) {
			snap.EnergyMissing = true
			return nil
		}
		snap.LifetimeEnergyKWh = v / 1000.0 // register is Wh
		return nil
	})
	snap.StepLatencies["energy"] = time.Since(start)
}

func (c *Collector) readStatus(ctx context.Context, snap *model.Snapshot) {
	start := time.Now()
	c.timed("status", func() error {
		words, err := c.client.ReadHolding(ctx, c.layout.SocketUnit, c.layout.StatusAddr, 1)
		if err != nil {
			snap.StatusMissing = true
			return err
		}
		snap.RawStatus = model.StatusCode(words[0])
		return nil
	})
	snap.StepLatencies["status"] = time.Since(start)
}

func (c *Collector) readStationMax(ctx context.Context, snap *model.Snapshot) {
	start := time.Now()
	c.timed("station_max", func() error {
		words, err := c.client.ReadHolding(ctx, c.layout.StationUnit, c.layout.StationMaxAddr, 2)
		if err != nil {
			snap.StationMaxMissing = true
			return err
		}
		v := regcodec.DecodeF32([2]uint16{words[0], words[1]}, c.layout.WordOrder)
		if regcodec.IsMissing(v) {
			snap.StationMaxMissing = true
			return nil
		}
		snap.StationMaxCurrentA = v
		return nil
	})
	snap.StepLatencies["station_max"] = time.Since(start)
}

// ensureIdentifiers fetches product/serial/firmware once and caches
// them indefinitely, per spec.md §4.4 step 7.
func (c *Collector) ensureIdentifiers(ctx context.Context, snap *model.Snapshot) {
	if c.identCached {
		snap.ProductName, snap.Serial, snap.FirmwareVersion = c.product, c.serial, c.firmware
		return
	}

	start := time.Now()
	ok := true
	c.timed("identity", func() error {
		words, err := c.client.ReadHolding(ctx, c.layout.StationUnit, c.layout.ProductAddr, uint16(c.layout.ProductWords))
		if err != nil {
			ok = false
			return err
		}
		c.product = regcodec.DecodeASCII(words)

		words, err = c.client.ReadHolding(ctx, c.layout.StationUnit, c.layout.SerialAddr, uint16(c.layout.SerialWords))
		if err != nil {
			ok = false
			return err
		}
		c.serial = regcodec.DecodeASCII(words)

		words, err = c.client.ReadHolding(ctx, c.layout.StationUnit, c.layout.FirmwareAddr, uint16(c.layout.FirmwareWords))
		if err != nil {
			ok = false
			return err
		}
		c.firmware = regcodec.DecodeASCII(words)
		return nil
	})
	snap.StepLatencies["identity"] = time.Since(start)

	if ok {
		c.identCached = true
	}
	snap.ProductName, snap.Serial, snap.FirmwareVersion = c.product, c.serial, c.firmware
}

func (c *Collector) deriveAggregatePower(snap *model.Snapshot) {
	var reported float64
	var anyCurrent bool
	for _, p := range snap.Phases {
		reported += p.PowerW
		if !p.Missing && p.CurrentA != 0 {
			anyCurrent = true
		}
	}
	if reported == 0 && anyCurrent {
		var synth float64
		for _, p := range snap.Phases {
			if p.Missing {
				continue
			}
			synth += p.VoltageV * p.CurrentA
		}
		snap.ActivePowerW = synth
		snap.ActivePowerSynth = true
		return
	}
	snap.ActivePowerW = reported
}
