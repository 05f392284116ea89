// Package pendingack implements the pending-ack table (C3): bookkeeping for
// every in-flight req_ack message, and the exponential-backoff retry
// schedule spec.md §4.3 defines.
package pendingack

import (
	"time"

	"github.com/quadranet/meshnode/internal/message"
)

// Tuning constants from spec.md §6/§4.3.
const (
	MaxEntries      = 8
	MaxAttempts     = 3
	InitialBackoff  = 500 * time.Millisecond
	BackoffFactor   = 2
	DefaultMaxBack  = 5 * time.Second
	StrictModeLimit = 10 * time.Second
)

// Entry is one pending-ack bookkeeping record: enough state to rebuild and
// retransmit the original message with the same id (spec.md §3).
type Entry struct {
	MessageID    uint32
	Payload      message.Payload
	Destination  message.Uid
	HasDest      bool
	TTL          uint8
	Timestamp    time.Time
	Attempts     int
	Acknowledged bool
}

func (e Entry) backoff() time.Duration {
	d := InitialBackoff
	for i := 0; i < e.Attempts; i++ {
		d *= BackoffFactor
	}
	return d
}

// Table is the bounded, keyed collection of Entry records described in
// spec.md §3: capacity <= MaxEntries, a second insert for an id already
// present is a no-op.
type Table struct {
	entries map[uint32]*Entry
	order   []uint32 // insertion order, for deterministic iteration
	maxBack time.Duration
	now     func() time.Time
}

// Option configures a Table at construction.
type Option func(*Table)

// WithMaxBackoff overrides DefaultMaxBack, e.g. to the 10s "stricter mode"
// ceiling spec.md §6 allows.
func WithMaxBackoff(d time.Duration) Option {
	return func(t *Table) { t.maxBack = d }
}

// WithClock overrides the time source; tests use this to drive retries
// deterministically instead of sleeping in wall-clock time.
func WithClock(now func() time.Time) Option {
	return func(t *Table) { t.now = now }
}

// New constructs an empty Table.
func New(opts ...Option) *Table {
	t := &Table{
		entries: make(map[uint32]*Entry, MaxEntries),
		maxBack: DefaultMaxBack,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Len is the number of entries currently tracked.
func (t *Table) Len() int { return len(t.entries) }

// ErrFull-equivalent degradation: InsertIfAbsent never returns an error.
// A full table is reported by its false result, and the caller then sends
// without tracking (spec.md §4.5/§7:
// "pending-ack table full ... new req_ack sends still transmit; they
// simply have no retry tracking").

// InsertIfAbsent creates a new entry for id if one is not already present.
// Idempotent: a second call for the same id is a no-op (spec.md §3/§8).
// Returns false if the table is full and no entry was created.
func (t *Table) InsertIfAbsent(id uint32, payload message.Payload, dest message.Uid, hasDest bool, ttl uint8) bool {
	if _, exists := t.entries[id]; exists {
		return true
	}
	if len(t.entries) >= MaxEntries {
		return false
	}
	t.entries[id] = &Entry{
		MessageID:   id,
		Payload:     payload,
		Destination: dest,
		HasDest:     hasDest,
		TTL:         ttl,
		Timestamp:   t.now(),
	}
	t.order = append(t.order, id)
	return true
}

// MarkAcked marks id acknowledged, stopping future retries. The entry is
// removed by the next RetainUnacked/ScanForRetry pass, not immediately —
// spec.md §8: "A pending-ack entry is removed only after being marked
// acknowledged," which this preserves by removing only already-acked (or
// attempts-exhausted) entries.
func (t *Table) MarkAcked(id uint32) {
	if e, ok := t.entries[id]; ok {
		e.Acknowledged = true
	}
}

// Get returns the entry for id, if tracked.
func (t *Table) Get(id uint32) (Entry, bool) {
	e, ok := t.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// RetainUnacked drops every entry already marked acknowledged.
func (t *Table) RetainUnacked() {
	kept := t.order[:0]
	for _, id := range t.order {
		if e := t.entries[id]; e != nil {
			if e.Acknowledged {
				delete(t.entries, id)
				continue
			}
			kept = append(kept, id)
		}
	}
	t.order = kept
}

// Retry is a rebuilt Message ready for re-enqueue on OutQueue.
type Retry struct {
	Message message.Message
}

// Exhausted names an entry whose attempts ran out without an ack, so the
// caller can call routing.RecordFailedDelivery for the next hop of its
// route to Destination.
type Exhausted struct {
	MessageID   uint32
	Destination message.Uid
	HasDest     bool
}

// ScanForRetry implements spec.md §4.3's retry-scheduling algorithm: for
// every unacknowledged entry whose backoff has elapsed, either schedule a
// retransmission (bumping Attempts and Timestamp) or, once MaxAttempts is
// exhausted, report it for removal and failure accounting. It never
// mutates acknowledged entries and never removes anything itself — the
// caller removes exhausted entries via RetainUnacked after acting on them,
// keeping "removed only after acknowledged/exhausted" centralized there.
func (t *Table) ScanForRetry(selfUID message.Uid) (retries []Retry, exhausted []Exhausted) {
	now := t.now()
	for _, id := range t.order {
		e := t.entries[id]
		if e == nil || e.Acknowledged {
			continue
		}
		backoff := e.backoff()
		if backoff > t.maxBack {
			backoff = t.maxBack
		}
		if now.Sub(e.Timestamp) <= backoff {
			continue
		}

		if e.Attempts >= MaxAttempts {
			e.Acknowledged = true // removed by RetainUnacked; "exhausted" stands in for "acked" here
			exhausted = append(exhausted, Exhausted{
				MessageID:   e.MessageID,
				Destination: e.Destination,
				HasDest:     e.HasDest,
			})
			continue
		}

		e.Timestamp = now
		e.Attempts++

		builder := message.NewRetryBuilder(selfUID, e.MessageID, e.Payload).WithTTL(e.TTL).RequestAck(true)
		if e.HasDest {
			builder = builder.To(e.Destination)
		}
		retries = append(retries, Retry{Message: builder.Build()})
	}
	return retries, exhausted
}
