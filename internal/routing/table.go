// Package routing implements the routing table (C4): destination -> best
// known route(s), per-neighbor link quality, and the eviction/refresh/
// cleanup machinery spec.md §4.4 specifies.
package routing

import (
	"time"

	"github.com/quadranet/meshnode/internal/message"
)

// Tuning constants from spec.md §6.
const (
	DefaultMaxRoutes        = 128
	DefaultMaxRoutesPerDest = 2
	RouteExpiry             = 300 * time.Second
	RouteRefreshSeconds     = 180 * time.Second
	LinkQualityRetention    = 3 * RouteExpiry

	// qualitySignificance is the "differing by more than ~15-20" band in
	// the route preference total order (spec.md §4.4).
	qualitySignificance = 18
	// hopMargin is the "at least 1 hop" margin in the same order.
	hopMargin = 1
)

type Uid = message.Uid

// Route is one destination's candidate path, per spec.md §3.
type Route struct {
	NextHop     Uid
	HopCount    uint8
	Quality     uint8
	LastUpdated time.Time
	IsActive    bool
}

// Usable reports whether r may be handed to a caller right now.
func (r Route) usable(now time.Time) bool {
	return r.IsActive && now.Sub(r.LastUpdated) <= RouteExpiry
}

func (r Route) expired(now time.Time) bool {
	return now.Sub(r.LastUpdated) > RouteExpiry
}

// better implements spec.md §4.4's route preference total order:
// active beats inactive; a quality gap past qualitySignificance decides;
// otherwise fewer hops (by at least hopMargin) wins; otherwise the more
// recently updated route wins.
func better(a, b Route) bool {
	if a.IsActive != b.IsActive {
		return a.IsActive
	}
	if d := int(a.Quality) - int(b.Quality); absInt(d) > qualitySignificance {
		return d > 0
	}
	if d := int(a.HopCount) - int(b.HopCount); absInt(d) >= hopMargin {
		return d < 0
	}
	return a.LastUpdated.After(b.LastUpdated)
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

type destEntry struct {
	routes   []Route
	primary  int
	lastUsed time.Time
}

func (e *destEntry) reconsiderPrimary() {
	best := 0
	for i := 1; i < len(e.routes); i++ {
		if better(e.routes[i], e.routes[best]) {
			best = i
		}
	}
	e.primary = best
}

func (e *destEntry) indexOfNextHop(nextHop Uid) int {
	for i, r := range e.routes {
		if r.NextHop == nextHop {
			return i
		}
	}
	return -1
}

func (e *destEntry) worstIndex() int {
	worst := 0
	for i := 1; i < len(e.routes); i++ {
		if better(e.routes[worst], e.routes[i]) {
			worst = i
		}
	}
	return worst
}

// Table is the keyed routing table plus per-neighbor link quality state.
// Owned exclusively by the engine task: no locking, per spec.md §5.
type Table struct {
	destinations map[Uid]*destEntry
	linkQuality  map[Uid]*LinkQuality
	maxRoutes    int
	maxPerDest   int
	now          func() time.Time
}

// Option configures a Table at construction.
type Option func(*Table)

// WithMaxRoutes overrides DefaultMaxRoutes (memory-tight builds use 16-32,
// per spec.md §6).
func WithMaxRoutes(n int) Option {
	return func(t *Table) { t.maxRoutes = n }
}

// WithMaxRoutesPerDest overrides DefaultMaxRoutesPerDest, clamped to [1,3]
// by spec.md §6.
func WithMaxRoutesPerDest(n int) Option {
	return func(t *Table) {
		if n < 1 {
			n = 1
		}
		if n > 3 {
			n = 3
		}
		t.maxPerDest = n
	}
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Table) { t.now = now }
}

// New constructs an empty Table.
func New(opts ...Option) *Table {
	t := &Table{
		destinations: make(map[Uid]*destEntry),
		linkQuality:  make(map[Uid]*LinkQuality),
		maxRoutes:    DefaultMaxRoutes,
		maxPerDest:   DefaultMaxRoutesPerDest,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// evictLRU drops the destination entry with the oldest LastUsed, per
// spec.md §8's LRU eviction law.
func (t *Table) evictLRU() {
	var oldestDest Uid
	var oldestTime time.Time
	first := true
	for dest, e := range t.destinations {
		if first || e.lastUsed.Before(oldestTime) {
			oldestDest = dest
			oldestTime = e.lastUsed
			first = false
		}
	}
	if !first {
		delete(t.destinations, oldestDest)
	}
}

// Update inserts or improves the route to dest via candidate.NextHop,
// following spec.md §4.4's update algorithm.
func (t *Table) Update(dest Uid, candidate Route) {
	now := t.now()
	candidate.LastUpdated = now

	e, exists := t.destinations[dest]
	if !exists {
		if len(t.destinations) >= t.maxRoutes {
			t.evictLRU()
		}
		t.destinations[dest] = &destEntry{
			routes:   []Route{candidate},
			primary:  0,
			lastUsed: now,
		}
		return
	}

	e.lastUsed = now
	if idx := e.indexOfNextHop(candidate.NextHop); idx >= 0 {
		e.routes[idx] = candidate
		e.reconsiderPrimary()
		return
	}
	if len(e.routes) < t.maxPerDest {
		e.routes = append(e.routes, candidate)
		e.reconsiderPrimary()
		return
	}
	worst := e.worstIndex()
	if candidate.Quality > e.routes[worst].Quality {
		e.routes[worst] = candidate
		e.reconsiderPrimary()
	}
	// else: new route is no better than the worst alternate — ignored.
}

// Lookup returns the best usable route to dest, per spec.md §4.4: the
// primary if usable, else any other usable route (promoted to primary),
// else the stale primary as a best-effort hint, else false. Touches the
// entry's LastUsed on every call that finds an entry.
func (t *Table) Lookup(dest Uid) (Route, bool) {
	e, exists := t.destinations[dest]
	if !exists || len(e.routes) == 0 {
		return Route{}, false
	}
	now := t.now()
	e.lastUsed = now

	primary := e.routes[e.primary]
	if primary.usable(now) {
		return primary, true
	}
	for i, r := range e.routes {
		if i == e.primary {
			continue
		}
		if r.usable(now) {
			e.primary = i
			return r, true
		}
	}
	return primary, true // stale best-effort hint
}

// Cleanup drops every route that is inactive or expired, drops any
// destination left with zero routes, and ages out link-quality records
// unused for longer than LinkQualityRetention (spec.md §4.4).
func (t *Table) Cleanup() {
	now := t.now()
	for dest, e := range t.destinations {
		kept := e.routes[:0]
		for _, r := range e.routes {
			if r.IsActive && !r.expired(now) {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			delete(t.destinations, dest)
			continue
		}
		e.routes = kept
		if e.primary >= len(e.routes) {
			e.primary = 0
		}
		e.reconsiderPrimary()
	}
	for node, lq := range t.linkQuality {
		if now.Sub(lq.LastUsed) > LinkQualityRetention {
			delete(t.linkQuality, node)
		}
	}
}

// NeedsRefresh reports whether dest has no route, an expired primary, or a
// primary old enough (past RouteRefreshSeconds) and low-quality enough
// (<100) to warrant a proactive refresh (spec.md §4.4).
func (t *Table) NeedsRefresh(dest Uid) bool {
	e, exists := t.destinations[dest]
	if !exists || len(e.routes) == 0 {
		return true
	}
	now := t.now()
	primary := e.routes[e.primary]
	if primary.expired(now) {
		return true
	}
	age := now.Sub(primary.LastUpdated)
	return age >= RouteRefreshSeconds && primary.Quality < 100
}

// Destinations returns a snapshot of every destination currently tracked,
// for the engine's bounded refresh-sweep window (spec.md §4.5 step 6).
func (t *Table) Destinations() []Uid {
	out := make([]Uid, 0, len(t.destinations))
	for dest := range t.destinations {
		out = append(out, dest)
	}
	return out
}

func (t *Table) getOrCreateLinkQuality(node Uid, rssi, snr float64, now time.Time) *LinkQuality {
	lq, ok := t.linkQuality[node]
	if !ok {
		v := newLinkQuality(rssi, snr, now)
		v.SuccessRate = 50 // neutral prior until delivery outcomes are observed
		lq = &v
		t.linkQuality[node] = lq
	}
	return lq
}

// UpdateLinkQuality folds in a reception's signal metrics for node and
// recomputes quality on every route whose next hop is node (spec.md
// §4.4). Returns the neighbor's freshly computed quality score, for
// installing/refreshing the direct route to it.
func (t *Table) UpdateLinkQuality(node Uid, rssi, snr float64) uint8 {
	now := t.now()
	lq, ok := t.linkQuality[node]
	if !ok {
		lq = t.getOrCreateLinkQuality(node, rssi, snr, now)
	} else {
		lq.update(rssi, snr, now)
	}
	t.recomputeRoutesViaNextHop(node, lq.quality())
	return lq.quality()
}

// Quality returns node's last-computed link quality score, if known.
func (t *Table) Quality(node Uid) (uint8, bool) {
	lq, ok := t.linkQuality[node]
	if !ok {
		return 0, false
	}
	return lq.quality(), true
}

// RecordSuccessfulDelivery bumps node's success rate and refreshes quality
// on every route via node (spec.md §4.4).
func (t *Table) RecordSuccessfulDelivery(node Uid) {
	now := t.now()
	lq := t.getOrCreateLinkQuality(node, 0, 0, now)
	lq.recordSuccess(now)
	t.recomputeRoutesViaNextHop(node, lq.quality())
}

// RecordFailedDelivery bumps node's failure rate, refreshes quality on
// every route via node, and deactivates any such route whose quality has
// dropped below 50 (spec.md §4.4).
func (t *Table) RecordFailedDelivery(node Uid) {
	now := t.now()
	lq := t.getOrCreateLinkQuality(node, 0, 0, now)
	lq.recordFailure(now)
	q := lq.quality()
	for _, e := range t.destinations {
		for i := range e.routes {
			if e.routes[i].NextHop != node {
				continue
			}
			e.routes[i].Quality = q
			if q < 50 {
				e.routes[i].IsActive = false
			}
		}
		e.reconsiderPrimary()
	}
}

func (t *Table) recomputeRoutesViaNextHop(node Uid, quality uint8) {
	for _, e := range t.destinations {
		changed := false
		for i := range e.routes {
			if e.routes[i].NextHop == node {
				e.routes[i].Quality = quality
				changed = true
			}
		}
		if changed {
			e.reconsiderPrimary()
		}
	}
}

// Stats summarizes the current table, per spec.md §4.4.
type Stats struct {
	TotalRoutes   int
	ActiveRoutes  int
	ExpiredRoutes int
	AvgHopCount   float64
	AvgQuality    float64
}

// Stats computes counts and averages over every tracked route.
func (t *Table) Stats() Stats {
	now := t.now()
	var s Stats
	var hopSum, qualSum int
	for _, e := range t.destinations {
		for _, r := range e.routes {
			s.TotalRoutes++
			hopSum += int(r.HopCount)
			qualSum += int(r.Quality)
			if r.IsActive {
				s.ActiveRoutes++
			}
			if r.expired(now) {
				s.ExpiredRoutes++
			}
		}
	}
	if s.TotalRoutes > 0 {
		s.AvgHopCount = float64(hopSum) / float64(s.TotalRoutes)
		s.AvgQuality = float64(qualSum) / float64(s.TotalRoutes)
	}
	return s
}
