package radio

import (
	"context"
	"sync"
	"time"
)

// frame is one broadcast on a Medium: the raw bytes plus the signal
// metadata the receiving node should observe.
type frame struct {
	payload []byte
	info    SignalInfo
}

// Medium is a shared in-memory lossy channel several SimulatedDriver
// instances broadcast on, standing in for the physical air in tests and
// the meshsim soak-test harness. It never appears in production firmware
// — it exists only so the engine can be exercised against more than one
// node without real hardware.
type Medium struct {
	mu      sync.Mutex
	inboxes map[Uid]chan frame
	links   map[linkKey]SignalInfo
	dropPct int // 0-100, fraction of broadcasts a receiver silently misses
}

type linkKey struct {
	from, to Uid
}

// Uid mirrors message.Uid without importing the message package, keeping
// this simulation-only file decoupled from wire concerns.
type Uid = uint8

// NewMedium constructs an empty shared medium with no simulated loss.
func NewMedium() *Medium {
	return &Medium{
		inboxes: make(map[Uid]chan frame),
		links:   make(map[linkKey]SignalInfo),
	}
}

// SetDropPercent configures what fraction (0-100) of broadcasts are
// dropped before delivery, simulating a lossy link for retry/backoff
// testing.
func (m *Medium) SetDropPercent(pct int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropPct = pct
}

// SetLinkSignal configures the SignalInfo a broadcast from `from` arrives
// with at `to`. Unconfigured pairs default to a nominal strong link.
func (m *Medium) SetLinkSignal(from, to Uid, info SignalInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[linkKey{from, to}] = info
}

// Join registers id on the medium and returns a Driver bound to it.
func (m *Medium) Join(id Uid) *SimulatedDriver {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inboxes[id] = make(chan frame, 16)
	return &SimulatedDriver{self: id, medium: m}
}

// signalFor returns the configured link signal; the caller holds m.mu.
func (m *Medium) signalFor(from, to Uid) SignalInfo {
	if info, ok := m.links[linkKey{from, to}]; ok {
		return info
	}
	return SignalInfo{RSSI: -70, SNR: 8}
}

var pseudoRandCounter uint64

// nextDropSample is a tiny deterministic LCG so drop simulation does not
// depend on math/rand's global seed — only used for the test/sim medium.
func nextDropSample() int {
	pseudoRandCounter = pseudoRandCounter*6364136223846793005 + 1
	return int((pseudoRandCounter >> 33) % 100)
}

func (m *Medium) broadcast(from Uid, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, inbox := range m.inboxes {
		if id == from {
			continue
		}
		if m.dropPct > 0 && nextDropSample() < m.dropPct {
			continue
		}
		fr := frame{payload: append([]byte(nil), payload...), info: m.signalFor(from, id)}
		select {
		case inbox <- fr:
		default:
			// receiver's inbox is full: dropped, same as a real radio
			// FIFO overrun.
		}
	}
}

// SimulatedDriver implements Driver over a Medium, for tests and meshsim.
type SimulatedDriver struct {
	self    Uid
	medium  *Medium
	pending []byte
	timeout time.Duration
}

func (d *SimulatedDriver) PrepareTX(_ context.Context, _ ModulationConfig, _ PacketParams, _ int8, payload []byte) error {
	d.pending = append([]byte(nil), payload...)
	return nil
}

func (d *SimulatedDriver) TX(_ context.Context) error {
	d.medium.broadcast(d.self, d.pending)
	return nil
}

func (d *SimulatedDriver) PrepareRX(_ context.Context, mode RXMode, _ ModulationConfig, _ PacketParams) error {
	d.timeout = time.Duration(mode.TimeoutMillis) * time.Millisecond
	return nil
}

func (d *SimulatedDriver) RX(ctx context.Context, _ PacketParams, buf []byte) (int, SignalInfo, error) {
	timeout := d.timeout
	if timeout <= 0 {
		timeout = defaultReceiveTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case fr := <-d.medium.inboxes[d.self]:
		n := copy(buf, fr.payload)
		return n, fr.info, nil
	case <-timer.C:
		return 0, SignalInfo{}, ErrTimeout
	case <-ctx.Done():
		return 0, SignalInfo{}, ctx.Err()
	}
}
