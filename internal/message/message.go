package message

import "sync/atomic"

// MaxTTL is the largest hop budget a Message may carry (spec.md §3).
const MaxTTL uint8 = 5

// Message is the immutable-once-built record exchanged between nodes.
// Construct one with NewBuilder (or NewRetryBuilder); TTL is clamped at
// construction, never after.
type Message struct {
	id          uint32
	source      Uid
	destination Uid // Broadcast means "absent"
	hasDest     bool
	ttl         uint8
	reqAck      bool
	payload     Payload
}

// ID is the 32-bit message id, stable across every retransmission of the
// same logical message.
func (m Message) ID() uint32 { return m.id }

// Source is the originating node. It is never rewritten during relay.
func (m Message) Source() Uid { return m.source }

// Destination returns the unicast destination and whether one was set; a
// false second value means the message is a broadcast.
func (m Message) Destination() (Uid, bool) { return m.destination, m.hasDest }

// TTL is the remaining hop budget. Zero means expired.
func (m Message) TTL() uint8 { return m.ttl }

// Expired reports whether this message's TTL budget is exhausted.
func (m Message) Expired() bool { return m.ttl == 0 }

// ReqAck reports whether the sender requested an acknowledgement.
func (m Message) ReqAck() bool { return m.reqAck }

// Payload is the tagged message body.
func (m Message) Payload() Payload { return m.payload }

// idCounter is the process-wide atomic message-id generator (spec.md §9):
// the only piece of shared mutable state in the engine, deliberately exposed
// through a fetch-add rather than scoped state so originator-node
// correctness never depends on call order.
var idCounter atomic.Uint32

// NextMessageID returns the next id from the monotonic, wrap-allowed
// counter. Every freshly originated message (never a retry, which reuses
// its own id) calls this exactly once.
func NextMessageID() uint32 {
	return idCounter.Add(1)
}

// Builder constructs a Message, clamping TTL to MaxTTL (spec.md §3). It
// does not validate the other fields; payload size limits are checked by
// Encode.
type Builder struct {
	id          uint32
	source      Uid
	destination Uid
	hasDest     bool
	ttl         uint8
	reqAck      bool
	payload     Payload
}

// NewBuilder starts building a message originated by source, with a fresh
// id and TTL clamped to MaxTTL.
func NewBuilder(source Uid, payload Payload) *Builder {
	return &Builder{
		id:      NextMessageID(),
		source:  source,
		ttl:     MaxTTL,
		payload: payload,
	}
}

// WithID overrides the generated id. The retry path (spec.md §4.3) reuses
// the original logical message's id through NewRetryBuilder instead, which
// does not draw from the counter at all.
func (b *Builder) WithID(id uint32) *Builder {
	b.id = id
	return b
}

// NewRetryBuilder rebuilds a message for retransmission with a caller-chosen
// id (the original logical message's id) instead of drawing a fresh one
// from the shared counter — spec.md §9 is explicit that only a
// user-initiated re-send allocates a new id.
func NewRetryBuilder(source Uid, id uint32, payload Payload) *Builder {
	return &Builder{
		id:      id,
		source:  source,
		ttl:     MaxTTL,
		payload: payload,
	}
}

// To sets a unicast destination. Without a call to To, the message is a
// broadcast.
func (b *Builder) To(dest Uid) *Builder {
	b.destination = dest
	b.hasDest = true
	return b
}

// WithTTL overrides the default TTL, clamped to [0, MaxTTL].
func (b *Builder) WithTTL(ttl uint8) *Builder {
	if ttl > MaxTTL {
		ttl = MaxTTL
	}
	b.ttl = ttl
	return b
}

// RequestAck marks the message as requiring acknowledgement.
func (b *Builder) RequestAck(reqAck bool) *Builder {
	b.reqAck = reqAck
	return b
}

// Build finalizes the message.
func (b *Builder) Build() Message {
	return Message{
		id:          b.id,
		source:      b.source,
		destination: b.destination,
		hasDest:     b.hasDest,
		ttl:         b.ttl,
		reqAck:      b.reqAck,
		payload:     b.payload,
	}
}

// Relay returns a copy of m rebuilt for one more hop: ttl decremented by
// one, id and original source preserved (spec.md §9 open question,
// resolved to preserve source_id — rewriting it to the forwarding node
// loses the true originator and breaks any end-to-end Ack::Success, which
// is addressed back to message.Source()). The caller must check the
// result's Expired() before enqueuing it — a relay of a ttl==1 message
// produces an expired message that must be dropped, never transmitted
// (spec.md §8 boundary behavior).
func (m Message) Relay() Message {
	out := m
	if out.ttl > 0 {
		out.ttl--
	}
	return out
}
