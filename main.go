// Command evse-driver is the charging station driver's entry point:
// it loads configuration, wires every component from spec.md §2's
// data flow, and runs the poll/control loop until a shutdown signal,
// following the same flag-parsing/logger/signal-handling shape as the
// teacher's own main.go.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/devskill-org/evse-driver/archive"
	"github.com/devskill-org/evse-driver/collector"
	"github.com/devskill-org/evse-driver/config"
	"github.com/devskill-org/evse-driver/control"
	"github.com/devskill-org/evse-driver/httpapi"
	"github.com/devskill-org/evse-driver/inbox"
	"github.com/devskill-org/evse-driver/metrics"
	"github.com/devskill-org/evse-driver/model"
	"github.com/devskill-org/evse-driver/modbusclient"
	"github.com/devskill-org/evse-driver/persistence"
	"github.com/devskill-org/evse-driver/pollsched"
	"github.com/devskill-org/evse-driver/pricing"
	"github.com/devskill-org/evse-driver/propertybus"
	"github.com/devskill-org/evse-driver/publishbus"
	"github.com/devskill-org/evse-driver/regcodec"
	"github.com/devskill-org/evse-driver/session"
	"github.com/devskill-org/evse-driver/sunsignal"
)

const shutdownBudget = 5 * time.Second

func main() {
	var (
		configFile = flag.String("config", "config.json", "Configuration file path")
		help       = flag.Bool("help", false, "Show help message")
	)
	flag.Parse()

	if *help {
		showHelp()
		return
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Println("Error loading configuration:", err)
		os.Exit(2)
	}

	logger := log.New(os.Stdout, "[EVSE] ", log.LstdFlags)
	logger.Printf("Starting charging station driver (modbus=%s, poll=%s)", cfg.ModbusAddress, cfg.PollInterval)

	if err := run(*configFile, cfg, logger); err != nil {
		logger.Printf("fatal: %v", err)
		os.Exit(3)
	}
}

func run(configPath string, cfg *config.Config, logger *log.Logger) error {
	persist := persistence.New(cfg.PersistencePath, log.New(os.Stdout, "[persistence] ", log.LstdFlags))
	doc := persist.Load()

	loc, err := time.LoadLocation(cfg.Location)
	if err != nil {
		loc = time.UTC
	}

	mx := metrics.New()

	client := modbusclient.New(cfg.ModbusAddress,
		modbusclient.WithTimeout(cfg.ModbusTimeout),
		modbusclient.WithLogger(log.New(os.Stdout, "[modbus] ", log.LstdFlags)))
	defer client.Close()

	layout := collector.Layout{
		SocketUnit:  cfg.SocketUnit,
		StationUnit: cfg.StationUnit,
		WordOrder:   regcodec.ABCD,
		// Register addresses are charger-model-specific; defaults below
		// match spec.md §6's excerpted map starting offsets.
		VoltageAddr:    0,
		CurrentAddr:    6,
		PowerAddr:      12,
		EnergyAddr:     18,
		StatusAddr:     22,
		StationMaxAddr: 0,
		ProductAddr:    2, ProductWords: 16,
		SerialAddr: 18, SerialWords: 16,
		FirmwareAddr: 34, FirmwareWords: 8,
	}
	coll := collector.New(client, layout, mx, log.New(os.Stdout, "[collector] ", log.LstdFlags))

	tracker := session.New(log.New(os.Stdout, "[session] ", log.LstdFlags))
	if doc.OpenSession != nil {
		open := persistence.FromSessionDoc(*doc.OpenSession)
		history := make([]model.Session, len(doc.History))
		for i, sd := range doc.History {
			history[i] = persistence.FromSessionDoc(sd)
		}
		tracker.Restore(&open, history, open.ID+1)
	} else {
		history := make([]model.Session, len(doc.History))
		for i, sd := range doc.History {
			history[i] = persistence.FromSessionDoc(sd)
		}
		var nextID int64 = 1
		for _, s := range history {
			if s.ID >= nextID {
				nextID = s.ID + 1
			}
		}
		tracker.Restore(nil, history, nextID)
	}

	var priceSource pricing.Source = pricing.Fixed{PricePerKWh: cfg.FixedPricePerKWh}

	ib := inbox.New()
	engine := control.New(control.Config{
		ConfiguredMaxA: cfg.ConfiguredMaxA,
		Location:       loc,
		Writes: control.WriteLayout{
			SocketUnit:        cfg.SocketUnit,
			TargetCurrentAddr: 24,
			EnableAddr:        26,
			PhasesAddr:        27,
			SupportsPhases:    false,
			WordOrder:         regcodec.ABCD,
		},
	}, ib, client, persist, tracker, priceSource, mx, log.New(os.Stdout, "[control] ", log.LstdFlags))
	engine.RestoreIntent(persistence.FromIntentDoc(doc.Intent))

	store := propertybus.New()
	sun := sunsignal.New(cfg.Latitude, cfg.Longitude)

	arch, err := archive.New(cfg.ArchiveDSN, log.New(os.Stdout, "[archive] ", log.LstdFlags))
	if err != nil {
		logger.Printf("archive disabled: %v", err)
	}
	defer arch.Close()

	exporter := publishbus.New(store, ib, log.New(os.Stdout, "[publishbus] ", log.LstdFlags))

	statusHolder := &statusAdapter{}
	cfgAdapter := &configAdapter{cfg: cfg, engine: engine}

	server := httpapi.New(httpapi.Config{
		Address:   cfg.HTTPAddress,
		AuthToken: cfg.AuthToken,
	}, statusHolder, cfgAdapter, store, ib, mx, exporter, log.New(os.Stdout, "[httpapi] ", log.LstdFlags))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		exporter.Run(ctx)
	}()

	var watcherDone chan struct{}
	watcher, err := config.NewWatcher(configPath, log.New(os.Stdout, "[config] ", log.LstdFlags), func(next *config.Config) {
		if err := cfgAdapter.ApplyConfig(next); err != nil {
			logger.Printf("config: live reload rejected: %v", err)
		}
	})
	if err != nil {
		logger.Printf("config: live reload disabled: %v", err)
	} else {
		watcherDone = make(chan struct{})
		wg.Add(1)
		go func() {
			defer wg.Done()
			watcher.Run(watcherDone)
		}()
	}

	server.Start()

	// lastOpenID is the id of the session open after the previous tick;
	// once it is no longer open it has just closed and is the newest
	// entry of the tracker's history.
	var lastOpenID int64
	scheduler := pollsched.New(cfg.PollInterval, func(tickCtx context.Context) {
		snap := coll.Collect(tickCtx)
		info := sun.At(time.Now())

		pvSurplusW, pvAvailable := 0.0, false // external PV-surplus signal: interface-only collaborator per spec.md §1

		result := engine.Tick(tickCtx, time.Now(), snap, pvSurplusW, pvAvailable)
		statusHolder.set(result, info)

		publishSnapshot(store, result)

		if s := result.Session; s != nil {
			lastOpenID = s.ID
		} else if lastOpenID != 0 {
			if h := tracker.History(); arch.Enabled() && len(h) > 0 && h[len(h)-1].ID == lastOpenID {
				if err := arch.Archive(tickCtx, h[len(h)-1]); err != nil {
					logger.Printf("archive: %v", err)
				}
			}
			lastOpenID = 0
		}
	}, log.New(os.Stdout, "[pollsched] ", log.LstdFlags))

	wg.Add(1)
	go func() {
		defer wg.Done()
		scheduler.Run(ctx)
	}()

	logger.Printf("driver running. Press Ctrl+C to stop...")
	<-sigChan
	logger.Printf("shutdown signal received, stopping...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownBudget)
	defer shutdownCancel()

	finalCmd := model.Command{Kind: model.CmdSetCurrent, Raw: 6.0}
	ib.Push(finalCmd)
	ib.Push(model.Command{Kind: model.CmdSetStartStop, Raw: false})
	engine.Tick(shutdownCtx, time.Now(), coll.Collect(shutdownCtx), 0, false)

	cancel()
	if watcherDone != nil {
		close(watcherDone)
	}
	_ = server.Shutdown(shutdownCtx)
	wg.Wait()

	logger.Printf("shutdown complete")
	return nil
}

func publishSnapshot(store *propertybus.Store, result control.TickResult) {
	store.Publish("/Snapshot/ActivePowerW", result.Snapshot.ActivePowerW, propertybus.EqualityPower)
	store.Publish("/Snapshot/LifetimeEnergyKWh", result.Snapshot.LifetimeEnergyKWh, propertybus.EqualityEnergy)
	store.Publish("/Snapshot/RawStatus", result.Snapshot.RawStatus.Name(), propertybus.EqualityExact)
	store.Publish("/Status", result.Status, propertybus.EqualityExact)
	store.Publish("/Mode", result.Intent.Mode.String(), propertybus.EqualityExact)
	store.Publish("/EffectiveCurrentA", result.Command.TargetCurrentA, propertybus.EqualityPower)
	store.Publish("/EffectiveEnabled", result.Command.Enabled, propertybus.EqualityExact)
	store.Publish("/Unacknowledged", result.Unacknowledged, propertybus.EqualityExact)
	if result.Session != nil {
		store.Publish("/Session/EnergyDeliveredKWh", result.Session.EnergyDeliveredKWh, propertybus.EqualityEnergy)
		store.Publish("/Session/Cost", result.Session.Cost, propertybus.EqualityEnergy)
	}
}

// statusAdapter implements httpapi.StatusProvider over the last tick
// result, guarded by a mutex since the HTTP handler runs concurrently
// with the poll loop.
type statusAdapter struct {
	mu     sync.Mutex
	result control.TickResult
	sun    sunsignal.Info
}

func (s *statusAdapter) set(result control.TickResult, sun sunsignal.Info) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result = result
	s.sun = sun
}

func (s *statusAdapter) CurrentStatus() httpapi.StatusView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return httpapi.StatusView{
		Snapshot:       s.result.Snapshot,
		Intent:         s.result.Intent,
		Session:        s.result.Session,
		Unacknowledged: s.result.Unacknowledged,
		StaleMS:        map[string]int64{},
	}
}

// configAdapter implements httpapi.ConfigProvider. ApplyConfig records
// the ceiling, auth token and price in the config document CurrentConfig
// returns, and pushes the ceiling into the running engine; the HTTP
// server's bearer token and the price source keep the values they were
// constructed with. It is the single
// place PUT /api/config and the fsnotify-driven config.Watcher both
// funnel through, so the engine's live ceiling never drifts from the
// config document's.
type configAdapter struct {
	mu     sync.Mutex
	cfg    *config.Config
	engine *control.Engine
}

func (c *configAdapter) CurrentConfig() *config.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *c.cfg
	return &cp
}

func (c *configAdapter) ApplyConfig(next *config.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.ConfiguredMaxA = next.ConfiguredMaxA
	c.cfg.AuthToken = next.AuthToken
	c.cfg.FixedPricePerKWh = next.FixedPricePerKWh
	c.engine.SetConfiguredMaxA(next.ConfiguredMaxA)
	return nil
}

func showHelp() {
	fmt.Println("evse-driver - networked EV charging station driver")
	fmt.Println()
	fmt.Println("Bridges a Modbus TCP charging station to a host energy-management")
	fmt.Println("platform: polls measurements, runs Manual/Auto/Scheduled charging")
	fmt.Println("control, tracks sessions, and exposes an HTTP/SSE surface.")
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  evse-driver -config <path>")
	fmt.Println()
	flag.PrintDefaults()
}
