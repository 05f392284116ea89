// Package prommetrics exposes the mesh engine's routing and delivery
// counters over Prometheus, grounded on the Server interface shape from
// KEDA's pkg/prommetrics package (NewServer + Record* methods), backed
// here with a concrete prometheus/client_golang registry instead of
// KEDA's scaler-specific metric set.
package prommetrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quadranet/meshnode/internal/routing"
)

// Server is the metrics surface the mesh engine's host process drives: a
// small HTTP listener plus recorders for the delivery/route events the
// engine observes each iteration.
type Server interface {
	NewServer(address, pattern string) error
	Shutdown(ctx context.Context) error
	RecordMessageForwarded(node uint8)
	RecordMessageDelivered(node uint8)
	RecordAckTimeout(node uint8, destination uint8)
	RecordRoutingStats(node uint8, stats routing.Stats)
}

type server struct {
	registry *prometheus.Registry
	http     *http.Server

	forwarded   *prometheus.CounterVec
	delivered   *prometheus.CounterVec
	ackTimeouts *prometheus.CounterVec
	routeCount  *prometheus.GaugeVec
	avgQuality  *prometheus.GaugeVec
	avgHops     *prometheus.GaugeVec
}

// NewServer constructs a Server with its own Prometheus registry,
// following the promauto.With(registry) pattern rather than registering
// against the global default registry.
func NewServer() Server {
	reg := prometheus.NewRegistry()
	s := &server{
		registry: reg,
		forwarded: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshnode",
			Name:      "messages_forwarded_total",
			Help:      "Messages relayed toward another node.",
		}, []string{"node"}),
		delivered: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshnode",
			Name:      "messages_delivered_total",
			Help:      "Messages delivered to the local application.",
		}, []string{"node"}),
		ackTimeouts: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshnode",
			Name:      "ack_timeouts_total",
			Help:      "Pending-ack entries that exhausted their retry budget without an ack.",
		}, []string{"node", "destination"}),
		routeCount: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "meshnode",
			Name:      "routes_active",
			Help:      "Currently active routes in the routing table.",
		}, []string{"node"}),
		avgQuality: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "meshnode",
			Name:      "route_quality_avg",
			Help:      "Average quality score across all tracked routes.",
		}, []string{"node"}),
		avgHops: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "meshnode",
			Name:      "route_hop_count_avg",
			Help:      "Average hop count across all tracked routes.",
		}, []string{"node"}),
	}
	return s
}

func (s *server) NewServer(address, pattern string) error {
	mux := http.NewServeMux()
	mux.Handle(pattern, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	s.http = &http.Server{Addr: address, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func (s *server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func itoa(v uint8) string {
	if v == 0 {
		return "0"
	}
	var buf [3]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

func (s *server) RecordMessageForwarded(node uint8) {
	s.forwarded.WithLabelValues(itoa(node)).Inc()
}

func (s *server) RecordMessageDelivered(node uint8) {
	s.delivered.WithLabelValues(itoa(node)).Inc()
}

func (s *server) RecordAckTimeout(node uint8, destination uint8) {
	s.ackTimeouts.WithLabelValues(itoa(node), itoa(destination)).Inc()
}

func (s *server) RecordRoutingStats(node uint8, stats routing.Stats) {
	label := itoa(node)
	s.routeCount.WithLabelValues(label).Set(float64(stats.ActiveRoutes))
	s.avgQuality.WithLabelValues(label).Set(stats.AvgQuality)
	s.avgHops.WithLabelValues(label).Set(stats.AvgHopCount)
}
