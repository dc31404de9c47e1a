// Package config is the driver's single JSON configuration document,
// grounded on the teacher's scheduler/config.go: a flat Config struct
// with JSON tags, Duration fields marshalled as Go duration strings via
// the type Alias embedding trick, DefaultConfig/LoadConfig/Validate
// returning the first range violation found. Config file changes are
// watched with fsnotify, as in 99souls-ariadne, and trigger a
// re-validate of the fields that are safe to change live.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Config is the driver's full configuration document.
type Config struct {
	ModbusAddress string        `json:"modbus_address"` // host:port of the charging station
	SocketUnit    byte          `json:"socket_unit"`     // Modbus slave id, socket registers
	StationUnit   byte          `json:"station_unit"`    // Modbus slave id, station registers
	ModbusTimeout time.Duration `json:"modbus_timeout"`
	PollInterval  time.Duration `json:"poll_interval"`

	ConfiguredMaxA float64 `json:"configured_max_a"`
	Location       string  `json:"location"` // IANA timezone name for Scheduled-mode windows

	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`

	PersistencePath string `json:"persistence_path"`

	HTTPAddress string `json:"http_address"`
	AuthToken   string `json:"auth_token"` // bearer token guarding write endpoints; empty disables auth

	FixedPricePerKWh float64 `json:"fixed_price_per_kwh"`

	ArchiveDSN string `json:"archive_dsn"` // Postgres DSN for closed-session archival; empty disables it

	LogLevel string `json:"log_level"` // debug, info, warn, error
}

// DefaultConfig returns a configuration with sane defaults.
func DefaultConfig() *Config {
	return &Config{
		ModbusAddress:    "192.168.1.50:502",
		SocketUnit:       1,
		StationUnit:      1,
		ModbusTimeout:    2 * time.Second,
		PollInterval:     1 * time.Second,
		ConfiguredMaxA:   16.0,
		Location:         "UTC",
		Latitude:         52.3676,
		Longitude:        4.9041,
		PersistencePath:  "./state.json",
		HTTPAddress:      ":8080",
		FixedPricePerKWh: 0,
		LogLevel:         "info",
	}
}

// LoadConfig loads configuration from a JSON file, applying defaults
// for any field the file omits.
func LoadConfig(filename string) (*Config, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()
	return LoadConfigFromReader(file)
}

// LoadConfigFromReader loads configuration from an io.Reader.
func LoadConfigFromReader(reader io.Reader) (*Config, error) {
	cfg := DefaultConfig()
	decoder := json.NewDecoder(reader)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes the configuration to a JSON file.
func (c *Config) SaveConfig(filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()
	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(c)
}

// Validate checks the configuration's range/required-field invariants.
func (c *Config) Validate() error {
	if c.ModbusAddress == "" {
		return fmt.Errorf("modbus_address cannot be empty")
	}
	if c.ModbusTimeout <= 0 {
		return fmt.Errorf("modbus_timeout must be greater than 0, got: %s", c.ModbusTimeout)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be greater than 0, got: %s", c.PollInterval)
	}
	if c.ConfiguredMaxA < 6 || c.ConfiguredMaxA > 32 {
		return fmt.Errorf("configured_max_a must be between 6 and 32, got: %f", c.ConfiguredMaxA)
	}
	if c.Location == "" {
		return fmt.Errorf("location cannot be empty")
	}
	if _, err := time.LoadLocation(c.Location); err != nil {
		return fmt.Errorf("invalid location: %w", err)
	}
	if c.Latitude < -90 || c.Latitude > 90 {
		return fmt.Errorf("latitude must be between -90 and 90, got: %f", c.Latitude)
	}
	if c.Longitude < -180 || c.Longitude > 180 {
		return fmt.Errorf("longitude must be between -180 and 180, got: %f", c.Longitude)
	}
	if c.PersistencePath == "" {
		return fmt.Errorf("persistence_path cannot be empty")
	}
	if c.HTTPAddress == "" {
		return fmt.Errorf("http_address cannot be empty")
	}
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log_level: %s, must be one of: debug, info, warn, error", c.LogLevel)
	}
	return nil
}

// MarshalJSON renders Duration fields as Go duration strings.
func (c *Config) MarshalJSON() ([]byte, error) {
	type Alias Config
	return json.Marshal(&struct {
		*Alias
		ModbusTimeout string `json:"modbus_timeout"`
		PollInterval  string `json:"poll_interval"`
	}{
		Alias:         (*Alias)(c),
		ModbusTimeout: c.ModbusTimeout.String(),
		PollInterval:  c.PollInterval.String(),
	})
}

// UnmarshalJSON parses Duration fields from Go duration strings.
func (c *Config) UnmarshalJSON(data []byte) error {
	type Alias Config
	aux := &struct {
		*Alias
		ModbusTimeout string `json:"modbus_timeout"`
		PollInterval  string `json:"poll_interval"`
	}{
		Alias: (*Alias)(c),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	var err error
	if aux.ModbusTimeout != "" {
		if c.ModbusTimeout, err = time.ParseDuration(aux.ModbusTimeout); err != nil {
			return fmt.Errorf("invalid modbus_timeout: %w", err)
		}
	}
	if aux.PollInterval != "" {
		if c.PollInterval, err = time.ParseDuration(aux.PollInterval); err != nil {
			return fmt.Errorf("invalid poll_interval: %w", err)
		}
	}
	return nil
}

// String returns an indented JSON representation of the config.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Watcher watches the config file for changes and invokes onChange
// with the re-validated config. Only a subset of fields are safe to
// apply live (schedule windows live in persistence, not here; the only
// field this process applies to the running driver is the operator
// current ceiling) — the caller decides what to adopt from the
// reloaded document versus what requires a restart.
type Watcher struct {
	path     string
	logger   *log.Logger
	watcher  *fsnotify.Watcher
	onChange func(*Config)
}

// NewWatcher creates a Watcher for path. Call Run to start watching.
func NewWatcher(path string, logger *log.Logger, onChange func(*Config)) (*Watcher, error) {
	if logger == nil {
		logger = log.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch config file: %w", err)
	}
	return &Watcher{path: path, logger: logger, watcher: fw, onChange: onChange}, nil
}

// Run processes file events until done is closed.
func (w *Watcher) Run(done <-chan struct{}) {
	defer w.watcher.Close()
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := LoadConfig(w.path)
			if err != nil {
				w.logger.Printf("config: reload failed, keeping previous configuration: %v", err)
				continue
			}
			w.logger.Printf("config: reloaded %s", w.path)
			if w.onChange != nil {
				w.onChange(cfg)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("config: watch error: %v", err)
		case <-done:
			return
		}
	}
}
