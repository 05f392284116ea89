package engine

import "github.com/quadranet/meshnode/internal/message"

// DiscoverNodes starts a route-discovery round. A nil target broadcasts a
// network-mapping Discovery that every node within DiscoveryInitialTTL
// hops will answer; a non-nil target asks specifically for routes toward
// that node. A discovery already outstanding for the same target is not
// duplicated. It returns the message id of the Discovery so a caller can
// correlate the eventual AckDiscovered replies.
func (e *Engine) DiscoverNodes(target *message.Uid) uint32 {
	key := message.Broadcast
	hasDest := false
	if target != nil {
		key = *target
		hasDest = true
	}
	e.initiateDiscovery(key, hasDest)
	return e.pendingDiscovery[key]
}

// SendData submits a Data message. A nil dest broadcasts; reqAck requests
// an Ack::Success/Failure. This is always a fresh send (spec.md §9 open
// question: resend gets a new message_id, unlike the retry path which
// reuses the original).
func (e *Engine) SendData(dest *message.Uid, payload message.DataPayload, reqAck bool) error {
	builder := message.NewBuilder(e.uid, payload).RequestAck(reqAck)
	if dest != nil {
		builder = builder.To(*dest)
	}
	return e.Submit(builder.Build())
}

// SendCommand submits a Command message, following the same
// broadcast/unicast and fresh-id rules as SendData.
func (e *Engine) SendCommand(dest *message.Uid, payload message.CommandPayload, reqAck bool) error {
	builder := message.NewBuilder(e.uid, payload).RequestAck(reqAck)
	if dest != nil {
		builder = builder.To(*dest)
	}
	return e.Submit(builder.Build())
}
