// Package engine implements the mesh engine (C5): the single cooperative
// loop that ties the message codec, queues, pending-ack table, routing
// table and radio façade together, grounded on the ticker-driven
// reconcile loop in pkg/scaling/scale_handler.go's startScaleLoop/
// checkScalers pair.
package engine

import (
	"time"

	"github.com/go-logr/logr"

	"github.com/quadranet/meshnode/internal/message"
	"github.com/quadranet/meshnode/internal/meshqueue"
	"github.com/quadranet/meshnode/internal/pendingack"
	"github.com/quadranet/meshnode/internal/radio"
	"github.com/quadranet/meshnode/internal/routing"
)

// Tuning constants from spec.md §6 not already owned by a leaf package.
const (
	MaxInQueueProcess     = 5
	MaxOutQueueTransmit   = 5
	DiscoveryInitialTTL   = 3
	CleanupInterval       = 2 * time.Second
	RefreshScanInterval   = routing.RouteRefreshSeconds
	RefreshScanBatch      = 3
	LoopYield             = 10 * time.Millisecond
	DefaultReceiveTimeout = 2 * time.Second
	DefaultTxPerSecond    = 1.0
	DefaultTxBurst        = 4
)

// Engine is the per-node mesh engine: one cooperative task owning its
// queues, pending-ack table, routing table and radio façade exclusively
// (spec.md §5 — no locking because there is no sharing).
type Engine struct {
	uid          message.Uid
	capabilities uint8

	radio        *radio.Facade
	modulation   radio.ModulationConfig
	packetParams radio.PacketParams
	txPowerDBm   int8
	rxTimeout    time.Duration

	inQueue  *meshqueue.Queue[message.Message]
	outQueue *meshqueue.Queue[message.Message]
	pending  *pendingack.Table
	routes   *routing.Table

	logger logr.Logger
	now    func() time.Time

	maxOutQueueTransmit int
	txPerSecond         float64
	txBurst             int

	lastCleanup     time.Time
	lastRefreshScan time.Time
	refreshCursor   int

	// pendingDiscovery tracks in-flight discovery rounds by target, so
	// the engine never starts a second discovery for a destination that
	// already has one outstanding. message.Broadcast (0) keys a
	// network-mapping (no specific target) discovery.
	pendingDiscovery map[message.Uid]uint32
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithLogger installs logger in place of the default logr.Discard().
func WithLogger(logger logr.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClock overrides the time source; tests use this for deterministic
// maintenance-interval behavior.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithReceiveTimeout overrides the façade's single-shot RX timeout
// (spec.md §6: 500ms-10s tuning range).
func WithReceiveTimeout(d time.Duration) Option {
	return func(e *Engine) { e.rxTimeout = d }
}

// WithDutyCycle overrides the façade's transmit rate-limiter parameters.
func WithDutyCycle(txPerSecond float64, txBurst int) Option {
	return func(e *Engine) {
		e.txPerSecond = txPerSecond
		e.txBurst = txBurst
	}
}

// WithMaxOutQueueTransmit overrides MaxOutQueueTransmit, clamped to [1,8]
// per spec.md §6.
func WithMaxOutQueueTransmit(n int) Option {
	return func(e *Engine) {
		if n < 1 {
			n = 1
		}
		if n > 8 {
			n = 8
		}
		e.maxOutQueueTransmit = n
	}
}

// WithRoutingTable installs a pre-configured routing table (e.g. with
// non-default capacity bounds) instead of routing.New()'s defaults.
func WithRoutingTable(t *routing.Table) Option {
	return func(e *Engine) { e.routes = t }
}

// WithPendingAckTable installs a pre-configured pending-ack table.
func WithPendingAckTable(t *pendingack.Table) Option {
	return func(e *Engine) { e.pending = t }
}

// WithQueueCapacity overrides the InQueue/OutQueue sizes (default 16 each,
// spec.md §6's [8,32] range).
func WithQueueCapacity(inCap, outCap int) Option {
	return func(e *Engine) {
		e.inQueue = meshqueue.New[message.Message](inCap)
		e.outQueue = meshqueue.New[message.Message](outCap)
	}
}

// New constructs an Engine for node uid, driving driver through a radio
// façade. mod/params/txPowerDBm are passed straight through to the façade
// on every transmit (spec.md §6: opaque LoRa configuration). capabilities
// is the single advertised byte from config.CapabilitiesByte, carried in
// this node's Discovery payloads.
func New(uid message.Uid, driver radio.Driver, mod radio.ModulationConfig, params radio.PacketParams, txPowerDBm int8, capabilities uint8, opts ...Option) *Engine {
	e := &Engine{
		uid:                 uid,
		capabilities:        capabilities,
		modulation:          mod,
		packetParams:        params,
		txPowerDBm:          txPowerDBm,
		rxTimeout:           DefaultReceiveTimeout,
		inQueue:             meshqueue.New[message.Message](16),
		outQueue:            meshqueue.New[message.Message](16),
		pending:             pendingack.New(),
		routes:              routing.New(),
		logger:              logr.Discard(),
		now:                 time.Now,
		maxOutQueueTransmit: MaxOutQueueTransmit,
		txPerSecond:         DefaultTxPerSecond,
		txBurst:             DefaultTxBurst,
		pendingDiscovery:    make(map[message.Uid]uint32),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.radio = radio.NewFacade(driver, e.txPerSecond, e.txBurst, e.logger)
	now := e.now()
	e.lastCleanup = now
	e.lastRefreshScan = now
	return e
}

// UID returns this engine's node identifier.
func (e *Engine) UID() message.Uid { return e.uid }

// Routes exposes the routing table for read-only inspection (stats,
// tests); the engine remains its sole mutator.
func (e *Engine) Routes() *routing.Table { return e.routes }

// Pending exposes the pending-ack table for read-only inspection.
func (e *Engine) Pending() *pendingack.Table { return e.pending }

// Submit enqueues msg on OutQueue for transmission, the same path the
// engine's own retry and relay logic use (spec.md §5: the application
// submits to OutQueue and drains InQueue via engine-provided operations,
// invoked from the engine's own task). Returns meshqueue.ErrFull if the
// queue is saturated.
func (e *Engine) Submit(msg message.Message) error {
	return e.outQueue.Enqueue(msg)
}

// Receive dequeues the next message delivered to this node, or
// meshqueue.ErrEmpty if InQueue is empty.
func (e *Engine) Receive() (message.Message, error) {
	return e.inQueue.Dequeue()
}
