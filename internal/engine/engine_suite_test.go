package engine_test

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/quadranet/meshnode/internal/engine"
	"github.com/quadranet/meshnode/internal/message"
	"github.com/quadranet/meshnode/internal/radio"
)

func TestEngineIntegrationSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "mesh engine integration suite")
}

var _ = Describe("two nodes over a shared medium", func() {
	var (
		medium *radio.Medium
		nodeA  *engine.Engine
		nodeB  *engine.Engine
		ctx    context.Context
	)

	BeforeEach(func() {
		medium = radio.NewMedium()
		nodeA = engine.New(1, medium.Join(1), radio.ModulationConfig{}, radio.PacketParams{}, 14, 0,
			engine.WithReceiveTimeout(30*time.Millisecond))
		nodeB = engine.New(2, medium.Join(2), radio.ModulationConfig{}, radio.PacketParams{}, 14, 0,
			engine.WithReceiveTimeout(30*time.Millisecond))
		ctx = context.Background()
	})

	It("delivers a req_ack data message and answers with Ack::Success", func() {
		dest := message.Uid(1)
		Expect(nodeB.SendData(&dest, message.DataPayload{Form: message.DataText, Text: "hi"}, true)).To(Succeed())

		nodeB.RunIteration(ctx) // B transmits the Data message
		nodeA.RunIteration(ctx) // A receives it, delivers locally, transmits Ack::Success
		nodeB.RunIteration(ctx) // B receives the ack

		received, err := nodeA.Receive()
		Expect(err).NotTo(HaveOccurred())
		Expect(received.Source()).To(Equal(message.Uid(2)))

		route, found := nodeA.Routes().Lookup(2)
		Expect(found).To(BeTrue())
		Expect(route.NextHop).To(Equal(message.Uid(2)))
		Expect(route.HopCount).To(Equal(uint8(1)))

		ack, err := nodeB.Receive()
		Expect(err).NotTo(HaveOccurred())
		payload, ok := ack.Payload().(message.AckPayload)
		Expect(ok).To(BeTrue())
		Expect(payload.Form).To(Equal(message.AckSuccess))
	})

	It("completes a single-hop discovery round trip", func() {
		target := message.Uid(2)
		nodeA.DiscoverNodes(&target)

		nodeA.RunIteration(ctx) // A transmits Discovery
		nodeB.RunIteration(ctx) // B receives it, replies Ack::AckDiscovered
		nodeA.RunIteration(ctx) // A receives the reply, installs the route

		route, found := nodeA.Routes().Lookup(2)
		Expect(found).To(BeTrue())
		Expect(route.NextHop).To(Equal(message.Uid(2)))
	})
})
