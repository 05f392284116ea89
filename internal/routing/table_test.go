package routing_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quadranet/meshnode/internal/routing"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time           { return c.t }
func (c *fakeClock) advance(d time.Duration)  { c.t = c.t.Add(d) }
func (c *fakeClock) set(d time.Duration)      { c.t = time.Unix(0, 0).Add(d) }

func newTable(opts ...routing.Option) (*routing.Table, *fakeClock) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	all := append([]routing.Option{routing.WithClock(clock.now)}, opts...)
	return routing.New(all...), clock
}

func TestLRUEvictionOnFullTable(t *testing.T) {
	tbl, clock := newTable(routing.WithMaxRoutes(2))

	tbl.Update(3, routing.Route{NextHop: 3, HopCount: 1, Quality: 100, IsActive: true})
	clock.advance(time.Second)
	tbl.Update(4, routing.Route{NextHop: 4, HopCount: 1, Quality: 100, IsActive: true})
	clock.advance(time.Second)

	tbl.Update(5, routing.Route{NextHop: 5, HopCount: 1, Quality: 100, IsActive: true})

	_, found3 := tbl.Lookup(3)
	_, found4 := tbl.Lookup(4)
	_, found5 := tbl.Lookup(5)
	assert.False(t, found3, "dest=3 (oldest last_used) should have been evicted")
	assert.True(t, found4)
	assert.True(t, found5)
}

func TestQualityDrivenReplacementSingleSlot(t *testing.T) {
	tbl, _ := newTable(routing.WithMaxRoutesPerDest(1))

	tbl.Update(9, routing.Route{NextHop: 10, HopCount: 2, Quality: 80, IsActive: true})
	tbl.Update(9, routing.Route{NextHop: 11, HopCount: 2, Quality: 140, IsActive: true})

	r, found := tbl.Lookup(9)
	require.True(t, found)
	assert.Equal(t, routing.Uid(11), r.NextHop)
}

func TestQualityDrivenReplacementMultiSlotRetainsBoth(t *testing.T) {
	tbl, _ := newTable(routing.WithMaxRoutesPerDest(2))

	tbl.Update(9, routing.Route{NextHop: 10, HopCount: 2, Quality: 80, IsActive: true})
	tbl.Update(9, routing.Route{NextHop: 11, HopCount: 2, Quality: 140, IsActive: true})

	r, found := tbl.Lookup(9)
	require.True(t, found)
	assert.Equal(t, routing.Uid(11), r.NextHop, "higher-quality route should become primary")
}

func TestWorstAlternateDisplacedOnlyIfBetter(t *testing.T) {
	tbl, _ := newTable(routing.WithMaxRoutesPerDest(1))

	tbl.Update(9, routing.Route{NextHop: 10, HopCount: 2, Quality: 80, IsActive: true})
	tbl.Update(9, routing.Route{NextHop: 12, HopCount: 2, Quality: 60, IsActive: true})

	r, found := tbl.Lookup(9)
	require.True(t, found)
	assert.Equal(t, routing.Uid(10), r.NextHop, "a lower-quality candidate must not displace the only slot")
}

func TestCleanupDropsInactiveAndExpiredRoutes(t *testing.T) {
	tbl, clock := newTable()

	tbl.Update(1, routing.Route{NextHop: 2, HopCount: 1, Quality: 200, IsActive: true})
	clock.advance(routing.RouteExpiry + time.Second)

	tbl.Update(3, routing.Route{NextHop: 4, HopCount: 1, Quality: 200, IsActive: false})
	tbl.Update(5, routing.Route{NextHop: 6, HopCount: 1, Quality: 200, IsActive: true})

	tbl.Cleanup()

	_, found1 := tbl.Lookup(1)
	_, found3 := tbl.Lookup(3)
	_, found5 := tbl.Lookup(5)
	assert.False(t, found1, "expired route must be dropped")
	assert.False(t, found3, "inactive route must be dropped")
	assert.True(t, found5, "fresh active route must survive")

	stats := tbl.Stats()
	assert.Equal(t, 1, stats.TotalRoutes)
	assert.Equal(t, 1, stats.ActiveRoutes)
}

func TestNeedsRefresh(t *testing.T) {
	tbl, clock := newTable()

	assert.True(t, tbl.NeedsRefresh(1), "no route at all needs refresh")

	tbl.Update(1, routing.Route{NextHop: 2, HopCount: 1, Quality: 200, IsActive: true})
	assert.False(t, tbl.NeedsRefresh(1), "fresh high-quality route needs no refresh")

	tbl.Update(3, routing.Route{NextHop: 4, HopCount: 1, Quality: 50, IsActive: true})
	clock.advance(routing.RouteRefreshSeconds + time.Second)
	assert.True(t, tbl.NeedsRefresh(3), "aged, low-quality route needs refresh")

	clock.advance(routing.RouteExpiry)
	assert.True(t, tbl.NeedsRefresh(1), "expired route needs refresh")
}

func TestRecordFailedDeliveryDeactivatesLowQualityRoute(t *testing.T) {
	tbl, _ := newTable()
	tbl.Update(1, routing.Route{NextHop: 2, HopCount: 1, Quality: 255, IsActive: true})

	for i := 0; i < 10; i++ {
		tbl.RecordFailedDelivery(2)
	}

	q, ok := tbl.Quality(2)
	require.True(t, ok)
	assert.Less(t, q, uint8(50))

	route, found := tbl.Lookup(1)
	require.True(t, found, "lookup still returns the stale primary as a hint")
	assert.False(t, route.IsActive)
}

func TestUpdateLinkQualityMonotonic(t *testing.T) {
	tbl, _ := newTable()
	low := tbl.UpdateLinkQuality(1, -120, -10)
	high := tbl.UpdateLinkQuality(2, -60, 10)
	assert.Greater(t, high, low)
}
