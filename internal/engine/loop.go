package engine

import (
	"context"
	"errors"
	"time"

	"github.com/quadranet/meshnode/internal/message"
	"github.com/quadranet/meshnode/internal/meshqueue"
	"github.com/quadranet/meshnode/internal/radio"
	"github.com/quadranet/meshnode/internal/routing"
)

// Run drives RunIteration in a loop until ctx is canceled, yielding
// LoopYield between iterations, grounded on
// pkg/scaling/scale_handler.go's startScaleLoop timer-and-select pattern.
func (e *Engine) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.RunIteration(ctx)

		select {
		case <-time.After(LoopYield):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// RunIteration executes exactly one pass of the engine loop (spec.md
// §4.5, steps 1-6; the step-7 yield is done by Run). No error is ever propagated out of it (spec.md §7) —
// every failure is logged and the iteration continues.
func (e *Engine) RunIteration(ctx context.Context) {
	if msg, info, ok := e.receive(ctx); ok {
		e.dispatch(msg, info)
	}
	e.drainOutQueue(ctx)
	e.retryPass()
	e.maintenance()
}

// receive implements step 1: a single-shot RX with timeout, decoding the
// resulting frame. Radio timeouts are swallowed silently, other radio
// errors are logged and swallowed; decode errors are logged and the frame discarded (spec.md §7).
func (e *Engine) receive(ctx context.Context) (message.Message, radio.SignalInfo, bool) {
	if err := e.radio.PrepareRX(ctx, radio.RXMode{TimeoutMillis: uint32(e.rxTimeout.Milliseconds())}, e.modulation, e.packetParams); err != nil {
		e.logger.Error(err, "radio: prepare_rx failed")
		return message.Message{}, radio.SignalInfo{}, false
	}

	buf := make([]byte, message.MaxFrameBytes)
	n, info, err := e.radio.RX(ctx, e.packetParams, buf)
	if err != nil {
		if !errors.Is(err, radio.ErrTimeout) {
			e.logger.Error(err, "radio: rx failed")
		}
		return message.Message{}, radio.SignalInfo{}, false
	}

	msg, err := message.Decode(buf[:n])
	if err != nil {
		e.logger.V(1).Info("dropping malformed frame", "error", err.Error())
		return message.Message{}, radio.SignalInfo{}, false
	}
	return msg, info, true
}

// dispatch implements step 2: link-quality/route bookkeeping from the
// sender, then local delivery, forwarding, or broadcast relay.
func (e *Engine) dispatch(msg message.Message, info radio.SignalInfo) {
	source := msg.Source()
	quality := e.routes.UpdateLinkQuality(source, float64(info.RSSI), float64(info.SNR))
	e.routes.Update(source, routing.Route{NextHop: source, HopCount: 1, Quality: quality, IsActive: true})

	dest, hasDest := msg.Destination()
	switch {
	case hasDest && dest == e.uid:
		e.deliverLocally(msg, quality)
		e.enqueueInbound(msg)

	case hasDest:
		if msg.Expired() {
			return
		}
		e.forward(msg, dest)

	default: // broadcast
		if msg.Expired() {
			return
		}
		e.deliverLocally(msg, quality)
		e.enqueueInbound(msg)
		e.relay(msg)
	}
}

func (e *Engine) enqueueInbound(msg message.Message) {
	if err := e.inQueue.Enqueue(msg); err != nil {
		e.logger.V(1).Info("InQueue full, dropping received message", "messageID", msg.ID())
	}
}

func (e *Engine) relay(msg message.Message) {
	relayed := msg.Relay()
	if relayed.Expired() {
		return
	}
	if err := e.outQueue.Enqueue(relayed); err != nil {
		e.logger.V(1).Info("OutQueue full, dropping relay", "messageID", msg.ID())
	}
}

// forward implements the unicast-to-another-node branch of step 2: look
// up a route, relay if found, otherwise start a targeted discovery.
func (e *Engine) forward(msg message.Message, dest message.Uid) {
	if _, found := e.routes.Lookup(dest); !found {
		e.initiateDiscovery(dest, true)
		return
	}
	e.relay(msg)
}

// deliverLocally implements step 3: branch on the payload of a message
// addressed to this node (or a broadcast everyone processes). quality is
// the link quality dispatch already computed for msg.Source() this
// reception, reused rather than recomputed.
func (e *Engine) deliverLocally(msg message.Message, quality uint8) {
	switch p := msg.Payload().(type) {
	case message.DataPayload:
		e.ackIfRequested(msg)
	case message.CommandPayload:
		e.ackIfRequested(msg)
	case message.AckPayload:
		e.handleAck(msg, p, quality)
	case message.DiscoveryPayload:
		e.handleDiscovery(msg, p)
	case message.RoutePayload:
		// reserved, no-op (spec.md §4.5 step 3).
	}
}

func (e *Engine) ackIfRequested(msg message.Message) {
	if !msg.ReqAck() {
		return
	}
	ack := message.NewBuilder(e.uid, message.AckPayload{Form: message.AckSuccess, MessageID: msg.ID()}).
		To(msg.Source()).
		WithTTL(msg.TTL()).
		RequestAck(false).
		Build()
	if err := e.outQueue.Enqueue(ack); err != nil {
		e.logger.V(1).Info("OutQueue full, dropping ack", "messageID", msg.ID())
	}
}

func (e *Engine) handleAck(msg message.Message, ack message.AckPayload, quality uint8) {
	switch ack.Form {
	case message.AckSuccess:
		e.pending.MarkAcked(ack.MessageID)
		e.routes.RecordSuccessfulDelivery(msg.Source())

	case message.AckFailure:
		e.pending.MarkAcked(ack.MessageID)
		if entry, ok := e.pending.Get(ack.MessageID); ok && entry.HasDest {
			if route, found := e.routes.Lookup(entry.Destination); found {
				e.routes.RecordFailedDelivery(route.NextHop)
			}
		}

	case message.AckDiscoveredForm:
		hops := ack.Hops
		if hops == 0 {
			hops = 1 // spec.md §9 open question, normalized: an instant neighbor reply is one hop away.
		}
		e.routes.Update(msg.Source(), routing.Route{NextHop: ack.LastHop, HopCount: hops, Quality: quality, IsActive: true})
		e.pending.MarkAcked(msg.ID())
		e.clearPendingDiscovery(msg.ID())
	}
}

func (e *Engine) handleDiscovery(msg message.Message, d message.DiscoveryPayload) {
	hops := d.OriginalTTL - msg.TTL()
	reply := message.NewRetryBuilder(e.uid, msg.ID(), message.AckPayload{Form: message.AckDiscoveredForm, Hops: hops, LastHop: e.uid}).
		To(msg.Source()).
		WithTTL(msg.TTL()).
		RequestAck(false).
		Build()
	if err := e.outQueue.Enqueue(reply); err != nil {
		e.logger.V(1).Info("OutQueue full, dropping discovery reply", "messageID", msg.ID())
	}
}

func (e *Engine) clearPendingDiscovery(id uint32) {
	for target, pendingID := range e.pendingDiscovery {
		if pendingID == id {
			delete(e.pendingDiscovery, target)
		}
	}
}

// drainOutQueue implements step 4: transmit up to maxOutQueueTransmit
// queued messages, tracking pending acks for any that requested one.
func (e *Engine) drainOutQueue(ctx context.Context) {
	for i := 0; i < e.maxOutQueueTransmit; i++ {
		msg, err := e.outQueue.Dequeue()
		if err != nil {
			if !errors.Is(err, meshqueue.ErrEmpty) {
				e.logger.Error(err, "OutQueue dequeue failed")
			}
			return
		}

		if msg.ReqAck() {
			dest, hasDest := msg.Destination()
			if !e.pending.InsertIfAbsent(msg.ID(), msg.Payload(), dest, hasDest, msg.TTL()) {
				e.logger.V(1).Info("pending-ack table full, sending without retry tracking", "messageID", msg.ID())
			}
		}

		frame, err := message.Encode(msg)
		if err != nil {
			e.logger.Error(err, "encode failed, dropping outgoing message", "messageID", msg.ID())
			continue
		}
		if err := e.radio.PrepareTX(ctx, e.modulation, e.packetParams, e.txPowerDBm, frame); err != nil {
			e.logger.Error(err, "radio: prepare_tx failed")
			continue
		}
		if err := e.radio.TX(ctx); err != nil {
			e.logger.Error(err, "radio: tx failed")
		}
	}
}

// retryPass implements step 5: enqueue due retries and account for
// attempts exhausted without an ack.
func (e *Engine) retryPass() {
	retries, exhausted := e.pending.ScanForRetry(e.uid)
	for _, r := range retries {
		if err := e.outQueue.Enqueue(r.Message); err != nil {
			e.logger.V(1).Info("OutQueue full, dropping retry", "messageID", r.Message.ID())
		}
	}
	for _, x := range exhausted {
		if x.HasDest {
			if route, found := e.routes.Lookup(x.Destination); found {
				e.routes.RecordFailedDelivery(route.NextHop)
			}
		}
	}
	e.pending.RetainUnacked()
}

// maintenance implements step 6: coarse-grained, timestamp-gated routing
// table cleanup and a bounded refresh sweep of at most RefreshScanBatch
// destinations. The sweep advances a cursor over Destinations(), whose
// order is not stable between calls, so it is not a strict round-robin.
func (e *Engine) maintenance() {
	now := e.now()

	if now.Sub(e.lastCleanup) >= CleanupInterval {
		e.routes.Cleanup()
		e.lastCleanup = now
	}

	if now.Sub(e.lastRefreshScan) < RefreshScanInterval {
		return
	}
	e.lastRefreshScan = now

	dests := e.routes.Destinations()
	if len(dests) == 0 {
		return
	}
	for i := 0; i < RefreshScanBatch && i < len(dests); i++ {
		dest := dests[e.refreshCursor%len(dests)]
		e.refreshCursor++
		if e.routes.NeedsRefresh(dest) {
			e.initiateDiscovery(dest, true)
		}
	}
}

// initiateDiscovery enqueues a Discovery message toward dest (or a
// network-mapping broadcast if !hasDest), unless a discovery for that
// same target is already outstanding (spec.md §4.5: "the engine treats
// that pending entry as discovery in progress ... and suppresses
// duplicates").
func (e *Engine) initiateDiscovery(dest message.Uid, hasDest bool) {
	key := dest
	if !hasDest {
		key = message.Broadcast
	}

	if id, tracking := e.pendingDiscovery[key]; tracking {
		if entry, ok := e.pending.Get(id); ok && !entry.Acknowledged {
			return
		}
		delete(e.pendingDiscovery, key)
	}

	builder := message.NewBuilder(e.uid, message.DiscoveryPayload{OriginalTTL: DiscoveryInitialTTL, Capabilities: e.capabilities}).
		WithTTL(DiscoveryInitialTTL).
		RequestAck(true)
	if hasDest {
		builder = builder.To(dest)
	}
	msg := builder.Build()

	if err := e.outQueue.Enqueue(msg); err != nil {
		e.logger.V(1).Info("OutQueue full, dropping discovery", "target", key)
		return
	}
	// Track the discovery from the moment it is queued, so a second request
	// made before drainOutQueue transmits it is suppressed as well.
	e.pending.InsertIfAbsent(msg.ID(), msg.Payload(), dest, hasDest, msg.TTL())
	e.pendingDiscovery[key] = msg.ID()
}
