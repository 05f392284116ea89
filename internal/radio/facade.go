// Package radio implements the radio façade (C6): a thin, cancel-safe
// adaptor over an external radio driver, plus a duty-cycle limiter and an
// in-memory simulated driver for tests and the meshsim harness.
package radio

import (
	"context"
	"errors"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/time/rate"
)

// ErrTimeout is returned by RX when no frame arrived before its deadline.
var ErrTimeout = errors.New("radio: receive timeout")

// SignalInfo is the reception-time signal metadata spec.md §6 requires.
type SignalInfo struct {
	RSSI int16 // dBm
	SNR  int16 // dB
}

// ModulationConfig and PacketParams are opaque to the engine (spec.md §6):
// the façade only ever passes them through to the driver.
type ModulationConfig struct {
	Frequency uint32
	Bandwidth uint32
	SpreadingFactor uint8
	CodingRate      uint8
}

// PacketParams is opaque LoRa packet-shape configuration passed through
// unexamined to the underlying driver.
type PacketParams struct {
	PreambleLength uint16
	CRCOn          bool
}

// RXMode selects the driver's receive behavior. QuadraNet only ever uses a
// single-shot receive with a timeout (spec.md §4.5 step 1).
type RXMode struct {
	TimeoutMillis uint32
}

// State is the three-state device loop spec.md §4.5 drives: Idle ->
// Receiving -> Idle around each RX call, and Idle -> Transmitting -> Idle
// around each TX call.
type State uint8

const (
	StateIdle State = iota
	StateTransmitting
	StateReceiving
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTransmitting:
		return "transmitting"
	case StateReceiving:
		return "receiving"
	default:
		return "unknown"
	}
}

// Driver is the capability set an external radio driver must implement
// (spec.md §4.6/§6). It is the only polymorphic seam in the engine
// (spec.md §9): no inheritance, just this interface.
type Driver interface {
	PrepareTX(ctx context.Context, mod ModulationConfig, params PacketParams, powerDBm int8, payload []byte) error
	TX(ctx context.Context) error
	PrepareRX(ctx context.Context, mode RXMode, mod ModulationConfig, params PacketParams) error
	RX(ctx context.Context, params PacketParams, buf []byte) (n int, info SignalInfo, err error)
}

// Facade is the thin adaptor the engine talks to. It never itself retries
// or interprets driver errors — that is the engine's job (spec.md §7) —
// it only adds a transmit duty-cycle guard and tracks State for callers
// that want to observe it.
type Facade struct {
	driver  Driver
	limiter *rate.Limiter
	logger  logr.Logger
	state   State
}

// NewFacade wraps driver. txPerSecond/txBurst bound how often PrepareTX may
// proceed, standing in for the duty-cycle regulations real LoRa deployments
// must respect.
func NewFacade(driver Driver, txPerSecond float64, txBurst int, logger logr.Logger) *Facade {
	return &Facade{
		driver:  driver,
		limiter: rate.NewLimiter(rate.Limit(txPerSecond), txBurst),
		logger:  logger,
	}
}

// State returns the façade's last-known device state.
func (f *Facade) State() State { return f.state }

// PrepareTX waits for a duty-cycle token (cancel-safe: ctx cancellation
// unblocks the wait) and then prepares the driver to transmit payload.
func (f *Facade) PrepareTX(ctx context.Context, mod ModulationConfig, params PacketParams, powerDBm int8, payload []byte) error {
	if err := f.limiter.Wait(ctx); err != nil {
		return err
	}
	f.state = StateTransmitting
	return f.driver.PrepareTX(ctx, mod, params, powerDBm, payload)
}

// TX transmits the last prepared payload.
func (f *Facade) TX(ctx context.Context) error {
	err := f.driver.TX(ctx)
	f.state = StateIdle
	return err
}

// PrepareRX arms the driver for a single receive.
func (f *Facade) PrepareRX(ctx context.Context, mode RXMode, mod ModulationConfig, params PacketParams) error {
	f.state = StateReceiving
	return f.driver.PrepareRX(ctx, mode, mod, params)
}

// RX blocks until a frame arrives, the timeout elapses (ErrTimeout), or ctx
// is canceled. The façade always leaves State Idle on return, regardless
// of outcome — spec.md §4.6's "left in a well-defined state by the
// façade's own internal teardown."
func (f *Facade) RX(ctx context.Context, params PacketParams, buf []byte) (int, SignalInfo, error) {
	n, info, err := f.driver.RX(ctx, params, buf)
	f.state = StateIdle
	return n, info, err
}

// defaultReceiveTimeout is used by callers that want a reasonable default
// within spec.md §6's 500ms-10s tuning range.
const defaultReceiveTimeout = 2 * time.Second
