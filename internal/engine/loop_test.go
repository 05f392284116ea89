package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quadranet/meshnode/internal/message"
	"github.com/quadranet/meshnode/internal/meshqueue"
	"github.com/quadranet/meshnode/internal/pendingack"
	"github.com/quadranet/meshnode/internal/radio"
	"github.com/quadranet/meshnode/internal/routing"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

// nullDriver never yields a frame; tests that only exercise internal
// dispatch/forward/ack logic don't need a live medium.
type nullDriver struct{}

func (nullDriver) PrepareTX(context.Context, radio.ModulationConfig, radio.PacketParams, int8, []byte) error {
	return nil
}
func (nullDriver) TX(context.Context) error { return nil }
func (nullDriver) PrepareRX(context.Context, radio.RXMode, radio.ModulationConfig, radio.PacketParams) error {
	return nil
}
func (nullDriver) RX(ctx context.Context, _ radio.PacketParams, _ []byte) (int, radio.SignalInfo, error) {
	<-ctx.Done()
	return 0, radio.SignalInfo{}, ctx.Err()
}

func newTestEngine(uid uint8, clock *fakeClock) *Engine {
	return New(message.Uid(uid), nullDriver{}, radio.ModulationConfig{}, radio.PacketParams{}, 14, 0,
		WithClock(clock.now),
		WithReceiveTimeout(time.Millisecond),
		// WithClock only gates maintenance; the tables keep their own clocks.
		WithRoutingTable(routing.New(routing.WithClock(clock.now))),
		WithPendingAckTable(pendingack.New(pendingack.WithClock(clock.now))),
	)
}

func TestDispatchLocalDataRequestsAck(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	e := newTestEngine(1, clock)

	m := message.NewBuilder(2, message.DataPayload{Form: message.DataText, Text: "hi"}).
		To(1).WithTTL(3).RequestAck(true).Build()

	e.dispatch(m, radio.SignalInfo{RSSI: -80, SNR: 5})

	route, found := e.routes.Lookup(2)
	require.True(t, found)
	assert.EqualValues(t, 2, route.NextHop)
	assert.EqualValues(t, 1, route.HopCount)
	assert.True(t, route.IsActive)
	assert.Greater(t, route.Quality, uint8(0))

	received, err := e.Receive()
	require.NoError(t, err)
	assert.Equal(t, m.ID(), received.ID())
	_, err = e.Receive()
	assert.ErrorIs(t, err, meshqueue.ErrEmpty)

	ack, err := e.outQueue.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, message.KindAck, ack.Payload().Kind())
	ackPayload := ack.Payload().(message.AckPayload)
	assert.Equal(t, message.AckSuccess, ackPayload.Form)
	assert.Equal(t, m.ID(), ackPayload.MessageID)
	dest, hasDest := ack.Destination()
	assert.True(t, hasDest)
	assert.EqualValues(t, 2, dest)
	assert.False(t, ack.ReqAck())

	assert.EqualValues(t, 0, e.pending.Len(), "no pending-ack entry is created for the ack itself")
}

func TestForwardPreservesSourceAndDecrementsTTL(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	e := newTestEngine(2, clock)
	e.routes.Update(5, routing.Route{NextHop: 7, HopCount: 1, Quality: 200, IsActive: true})

	m := message.NewBuilder(3, message.DataPayload{Form: message.DataBinary, Blob: []byte{1, 2, 3}}).
		To(5).WithTTL(3).Build()

	e.dispatch(m, radio.SignalInfo{RSSI: -70, SNR: 8})

	forwarded, err := e.outQueue.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, m.ID(), forwarded.ID())
	assert.Equal(t, message.Uid(3), forwarded.Source(), "source_id must be preserved across relay")
	assert.EqualValues(t, 2, forwarded.TTL())
	dest, hasDest := forwarded.Destination()
	assert.True(t, hasDest)
	assert.EqualValues(t, 5, dest)

	_, err = e.Receive()
	assert.ErrorIs(t, err, meshqueue.ErrEmpty, "a forwarded message is never delivered locally")
}

func TestForwardOfTTLOneYieldsNoRelay(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	e := newTestEngine(2, clock)
	e.routes.Update(5, routing.Route{NextHop: 7, HopCount: 1, Quality: 200, IsActive: true})

	m := message.NewBuilder(3, message.DataPayload{Form: message.DataText, Text: "x"}).
		To(5).WithTTL(1).Build()

	e.dispatch(m, radio.SignalInfo{RSSI: -70, SNR: 8})

	assert.True(t, e.outQueue.IsEmpty(), "relaying a ttl==1 message would produce an expired copy and must be dropped")
}

func TestForwardWithNoRouteStartsDiscovery(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	e := newTestEngine(2, clock)

	m := message.NewBuilder(3, message.DataPayload{Form: message.DataText, Text: "x"}).
		To(5).WithTTL(3).Build()

	e.dispatch(m, radio.SignalInfo{RSSI: -70, SNR: 8})

	discovery, err := e.outQueue.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, message.KindDiscovery, discovery.Payload().Kind())
	dest, hasDest := discovery.Destination()
	assert.True(t, hasDest)
	assert.EqualValues(t, 5, dest)
	assert.Contains(t, e.pendingDiscovery, message.Uid(5))
}

func TestForwardWithDiscoveryAlreadyInFlightDoesNotDuplicate(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	e := newTestEngine(2, clock)

	m := message.NewBuilder(3, message.DataPayload{Form: message.DataText, Text: "x"}).To(5).WithTTL(3).Build()
	e.dispatch(m, radio.SignalInfo{RSSI: -70, SNR: 8})
	_, err := e.outQueue.Dequeue()
	require.NoError(t, err)

	e.dispatch(m, radio.SignalInfo{RSSI: -70, SNR: 8})
	assert.True(t, e.outQueue.IsEmpty(), "a second discovery for the same destination must be suppressed")
}

func TestBroadcastDeliveredLocallyAndRelayed(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	e := newTestEngine(9, clock)

	m := message.NewBuilder(3, message.DataPayload{Form: message.DataText, Text: "all"}).WithTTL(3).Build()
	e.dispatch(m, radio.SignalInfo{RSSI: -70, SNR: 8})

	_, err := e.Receive()
	require.NoError(t, err, "broadcast must be delivered locally")

	relayed, err := e.outQueue.Dequeue()
	require.NoError(t, err, "broadcast must also be relayed")
	assert.Equal(t, message.Uid(3), relayed.Source())
	assert.EqualValues(t, 2, relayed.TTL())
	_, hasDest := relayed.Destination()
	assert.False(t, hasDest)
}

func TestAckSuccessMarksPendingAndRecordsSuccess(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	e := newTestEngine(1, clock)
	e.pending.InsertIfAbsent(42, message.DataPayload{Form: message.DataText, Text: "x"}, 2, true, 3)

	ack := message.NewBuilder(2, message.AckPayload{Form: message.AckSuccess, MessageID: 42}).To(1).Build()
	e.dispatch(ack, radio.SignalInfo{RSSI: -60, SNR: 10})

	entry, ok := e.pending.Get(42)
	require.True(t, ok)
	assert.True(t, entry.Acknowledged)
}

func TestAckDiscoveredInstallsRouteAndMarksDiscoveryAcked(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	e := newTestEngine(1, clock)

	target := message.Uid(2)
	e.DiscoverNodes(&target)
	discoveryID, tracked := e.pendingDiscovery[target]
	require.True(t, tracked)
	e.drainOutQueue(context.Background()) // transmits the Discovery and creates its pending-ack entry

	reply := message.NewRetryBuilder(2, discoveryID, message.AckPayload{Form: message.AckDiscoveredForm, Hops: 0, LastHop: 2}).
		To(1).RequestAck(false).Build()
	e.dispatch(reply, radio.SignalInfo{RSSI: -60, SNR: 10})

	route, found := e.routes.Lookup(2)
	require.True(t, found)
	assert.EqualValues(t, 2, route.NextHop)
	assert.EqualValues(t, 1, route.HopCount, "hops==0 from an instant neighbor reply normalizes to 1")

	entry, ok := e.pending.Get(discoveryID)
	require.True(t, ok)
	assert.True(t, entry.Acknowledged)
	assert.NotContains(t, e.pendingDiscovery, message.Uid(2))
}

func TestDiscoveryReplyCarriesHopsAndReusesMessageID(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	e := newTestEngine(2, clock)

	discovery := message.NewBuilder(1, message.DiscoveryPayload{OriginalTTL: 3, Capabilities: 0}).WithTTL(3).RequestAck(true).Build()
	e.dispatch(discovery, radio.SignalInfo{RSSI: -70, SNR: 8})

	reply, err := e.outQueue.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, discovery.ID(), reply.ID())
	payload := reply.Payload().(message.AckPayload)
	assert.Equal(t, message.AckDiscoveredForm, payload.Form)
	assert.EqualValues(t, 0, payload.Hops)
	assert.Equal(t, message.Uid(2), payload.LastHop)
}

func TestDrainOutQueueTracksPendingAckOnlyWhenRequested(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	e := newTestEngine(1, clock)

	target := message.Uid(4)
	require.NoError(t, e.SendData(&target, message.DataPayload{Form: message.DataText, Text: "x"}, true))

	e.drainOutQueue(context.Background())
	assert.EqualValues(t, 1, e.pending.Len())
}

func TestDrainOutQueueDegradesWhenPendingTableFull(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	e := New(message.Uid(1), nullDriver{}, radio.ModulationConfig{}, radio.PacketParams{}, 14, 0, WithClock(clock.now),
		WithMaxOutQueueTransmit(pendingack.MaxEntries)) // one drain must reach all MaxEntries sends
	for i := uint8(0); i < pendingack.MaxEntries; i++ {
		target := message.Uid(i + 2)
		require.NoError(t, e.SendData(&target, message.DataPayload{Form: message.DataText, Text: "x"}, true))
	}
	e.drainOutQueue(context.Background())
	assert.EqualValues(t, pendingack.MaxEntries, e.pending.Len())

	target := message.Uid(200)
	require.NoError(t, e.SendData(&target, message.DataPayload{Form: message.DataText, Text: "y"}, true))
	e.drainOutQueue(context.Background())
	assert.EqualValues(t, pendingack.MaxEntries, e.pending.Len(), "table stays at capacity; the new send still transmits untracked")
}

func TestRetryPassReenqueuesDueEntriesAndRetainsUnacked(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	e := newTestEngine(1, clock)
	target := message.Uid(4)
	require.NoError(t, e.SendData(&target, message.DataPayload{Form: message.DataText, Text: "x"}, true))
	e.drainOutQueue(context.Background())
	require.EqualValues(t, 1, e.pending.Len())

	clock.advance(pendingack.InitialBackoff + time.Millisecond)
	e.retryPass()

	retried, err := e.outQueue.Dequeue()
	require.NoError(t, err)
	dest, hasDest := retried.Destination()
	assert.True(t, hasDest)
	assert.EqualValues(t, 4, dest)
	assert.EqualValues(t, 1, e.pending.Len(), "entry survives until acked or exhausted")
}

func TestRetryExhaustionRecordsFailedDelivery(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	e := newTestEngine(1, clock)
	e.routes.Update(4, routing.Route{NextHop: 4, HopCount: 1, Quality: 200, IsActive: true})

	target := message.Uid(4)
	require.NoError(t, e.SendData(&target, message.DataPayload{Form: message.DataText, Text: "x"}, true))
	e.drainOutQueue(context.Background())

	backoff := pendingack.InitialBackoff
	for i := 0; i < pendingack.MaxAttempts; i++ {
		clock.advance(backoff + time.Millisecond)
		e.retryPass()
		backoff *= pendingack.BackoffFactor
	}
	clock.advance(backoff + time.Millisecond)
	e.retryPass()

	assert.EqualValues(t, 0, e.pending.Len())
	quality, ok := e.routes.Quality(4)
	require.True(t, ok)
	// Node 4 was never heard, so its link starts at rssi=0/snr=0 with a 50%
	// success prior; one failure gives 0.2*255 + 0.4*80 + 0.4*102 - 8 = 115.
	assert.EqualValues(t, 115, quality)
}

func TestMaintenanceGatesCleanupAndRefreshByInterval(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	e := newTestEngine(1, clock)
	e.routes.Update(5, routing.Route{NextHop: 5, HopCount: 1, Quality: 200, IsActive: false})

	e.maintenance()
	_, found := e.routes.Lookup(5)
	assert.True(t, found, "cleanup has not run yet within CleanupInterval")

	clock.advance(CleanupInterval + time.Millisecond)
	e.maintenance()
	_, found = e.routes.Lookup(5)
	assert.False(t, found, "inactive route dropped once cleanup runs")
}

func TestMaintenanceRefreshSweepInitiatesDiscoveryForStaleRoutes(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	e := newTestEngine(1, clock)
	e.routes.Update(6, routing.Route{NextHop: 6, HopCount: 1, Quality: 10, IsActive: true})

	clock.advance(RefreshScanInterval + time.Millisecond)
	e.maintenance()

	assert.Contains(t, e.pendingDiscovery, message.Uid(6))
}
