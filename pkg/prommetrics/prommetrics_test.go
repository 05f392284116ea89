package prommetrics_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quadranet/meshnode/internal/routing"
	"github.com/quadranet/meshnode/pkg/prommetrics"
)

func TestRecordersDoNotPanicAndShutdownIsIdempotent(t *testing.T) {
	s := prommetrics.NewServer()

	require.NotPanics(t, func() {
		s.RecordMessageForwarded(1)
		s.RecordMessageDelivered(1)
		s.RecordAckTimeout(1, 2)
		s.RecordRoutingStats(1, routing.Stats{TotalRoutes: 3, ActiveRoutes: 2, AvgHopCount: 1.5, AvgQuality: 200})
	})

	require.NoError(t, s.Shutdown(context.Background()))
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestNewServerStartsAndShutsDownCleanly(t *testing.T) {
	s := prommetrics.NewServer()
	require.NoError(t, s.NewServer("127.0.0.1:0", "/metrics"))
	require.NoError(t, s.Shutdown(context.Background()))
}
