// Package modbusclient owns the single TCP connection to the charger.
// It wraps github.com/goburrow/modbus the way sigenergy/modbus_client.go
// wraps it for the Sigenergy plant, and borrows its connection-lifecycle
// and per-call-deadline discipline from the SolarmanV5 connection in
// spuky-evcc's util/modbus/solarmanv5.go: one mutex-guarded connection,
// timeout enforced per call, close-and-reconnect on any error.
package modbusclient

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	"github.com/devskill-org/evse-driver/driverrors"
)

// State is the Modbus Client's connection state machine.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// backoffSchedule is the reconnect backoff ladder from spec.md §4.2.
var backoffSchedule = []time.Duration{
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
}

// Client owns at most one live TCP connection to (host, port) and
// multiplexes requests for two logical unit-ids (a socket slave and a
// station slave) over it. Requests are serialized; concurrent callers
// queue behind the mutex.
type Client struct {
	address string
	timeout time.Duration
	logger  *log.Logger

	mu      sync.Mutex
	state   State
	handler *modbus.TCPClientHandler
	client  modbus.Client

	backoffIdx  int
	lastAttempt time.Time
}

// Option configures a Client at construction.
type Option func(*Client)

// WithTimeout overrides the default 3 s per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithLogger overrides the default stderr logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a Modbus Client targeting address (host:port). No
// connection is established until the first call.
func New(address string, opts ...Option) *Client {
	c := &Client{
		address: address,
		timeout: 3 * time.Second,
		logger:  log.Default(),
		state:   Disconnected,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State reports the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close tears down the underlying connection, if any.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.handler != nil {
		_ = c.handler.Close()
		c.handler = nil
		c.client = nil
	}
	c.state = Disconnected
}

// ensureConnectedLocked (re)establishes the connection, honoring the
// reconnect backoff ladder. Caller holds c.mu.
func (c *Client) ensureConnectedLocked() error {
	if c.state == Connected {
		return nil
	}

	if !c.lastAttempt.IsZero() {
		idx := c.backoffIdx
		if idx >= len(backoffSchedule) {
			idx = len(backoffSchedule) - 1
		}
		wait := backoffSchedule[idx]
		if elapsed := time.Since(c.lastAttempt); elapsed < wait {
			return driverrors.New(driverrors.Transport, "modbusclient.connect",
				fmt.Errorf("backing off, retry in %v", wait-elapsed))
		}
	}

	c.state = Connecting
	c.lastAttempt = time.Now()

	handler := modbus.NewTCPClientHandler(c.address)
	handler.Timeout = c.timeout
	handler.SlaveId = 1
	if err := handler.Connect(); err != nil {
		c.state = Disconnected
		if c.backoffIdx < len(backoffSchedule)-1 {
			c.backoffIdx++
		}
		return driverrors.New(driverrors.Transport, "modbusclient.connect", err)
	}

	c.handler = handler
	c.client = modbus.NewClient(handler)
	c.state = Connected
	c.backoffIdx = 0
	return nil
}

// ReadHolding reads count 16-bit registers starting at address on the
// given unit-id (slave). Returns the decoded big-endian words.
func (c *Client) ReadHolding(ctx context.Context, unit byte, address, count uint16) ([]uint16, error) {
	return c.call(ctx, unit, func() ([]byte, error) {
		return c.client.ReadHoldingRegisters(address, count)
	}, "read_holding")
}

// ReadInput reads count 16-bit input registers starting at address on
// the given unit-id (slave).
func (c *Client) ReadInput(ctx context.Context, unit byte, address, count uint16) ([]uint16, error) {
	return c.call(ctx, unit, func() ([]byte, error) {
		return c.client.ReadInputRegisters(address, count)
	}, "read_input")
}

// WriteMultiple writes words starting at address on the given unit-id.
func (c *Client) WriteMultiple(ctx context.Context, unit byte, address uint16, words []uint16) error {
	payload := make([]byte, len(words)*2)
	for i, w := range words {
		payload[i*2] = byte(w >> 8)
		payload[i*2+1] = byte(w)
	}
	_, err := c.call(ctx, unit, func() ([]byte, error) {
		return c.client.WriteMultipleRegisters(address, uint16(len(words)), payload)
	}, "write_multiple")
	return err
}

func (c *Client) call(ctx context.Context, unit byte, fn func() ([]byte, error), op string) ([]uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, driverrors.New(driverrors.Timeout, op, err)
	}

	if err := c.ensureConnectedLocked(); err != nil {
		return nil, err
	}

	c.handler.SlaveId = unit
	c.handler.Timeout = c.timeout

	bytes, err := fn()
	if err != nil {
		c.logger.Printf("modbusclient: %s failed on unit %d: %v; closing connection", op, unit, err)
		c.closeLocked()
		if c.backoffIdx < len(backoffSchedule)-1 {
			c.backoffIdx++
		}
		return nil, classifyError(op, err)
	}

	return bytesToWords(bytes), nil
}

func bytesToWords(b []byte) []uint16 {
	words := make([]uint16, len(b)/2)
	for i := range words {
		words[i] = uint16(b[i*2])<<8 | uint16(b[i*2+1])
	}
	return words
}

// classifyError maps a goburrow/modbus error into one of the driver's
// error kinds. goburrow/modbus surfaces timeouts and exception
// responses as plain errors; we distinguish by message shape the same
// way the teacher's callers distinguish transport failures from
// protocol failures — by inspecting the returned error, since the
// library does not export a richer type.
func classifyError(op string, err error) error {
	msg := err.Error()
	switch {
	case containsAny(msg, "i/o timeout", "deadline exceeded"):
		return driverrors.New(driverrors.Timeout, op, err)
	case containsAny(msg, "exception"):
		return driverrors.New(driverrors.DeviceException, op, err)
	case containsAny(msg, "invalid", "crc", "length mismatch"):
		return driverrors.New(driverrors.Protocol, op, err)
	default:
		return driverrors.New(driverrors.Transport, op, err)
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) && indexOf(s, sub) >= 0 {
			return true
		}
	}
	return false
}

func indexOf(s, sub string) int {
	n, m := len(s), len(sub)
	for i := 0; i+m <= n; i++ {
		if s[i:i+m] == sub {
			return i
		}
	}
	return -1
}
