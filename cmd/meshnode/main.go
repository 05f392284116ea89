// Command meshnode runs one QuadraNet mesh engine as a standalone
// process, grounded on cmd/operator/main.go's pflag-driven,
// zap-backed-logr startup and signal.NotifyContext shutdown.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/zapr"
	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/quadranet/meshnode/internal/config"
	"github.com/quadranet/meshnode/internal/engine"
	"github.com/quadranet/meshnode/internal/pendingack"
	"github.com/quadranet/meshnode/internal/radio"
	"github.com/quadranet/meshnode/internal/routing"
	"github.com/quadranet/meshnode/pkg/prommetrics"
)

func main() {
	var (
		uid             uint8
		frequencyHz     uint32
		txPowerDBm      int8
		spreadingFactor uint8
		bandwidthHz     uint32
		codingRate      uint8
		deviceClass     uint8
		capabilities    uint8
		metricsAddr     string
		metricsPath     string
		receiveTimeout  time.Duration
		develLog        bool
	)
	pflag.Uint8Var(&uid, "uid", 0, "This node's 8-bit identifier (required, non-zero).")
	pflag.Uint32Var(&frequencyHz, "frequency-hz", 915000000, "LoRa carrier frequency.")
	pflag.Int8Var(&txPowerDBm, "tx-power-dbm", 14, "Transmit power.")
	pflag.Uint8Var(&spreadingFactor, "spreading-factor", 7, "LoRa spreading factor (6-12).")
	pflag.Uint32Var(&bandwidthHz, "bandwidth-hz", 125000, "LoRa channel bandwidth.")
	pflag.Uint8Var(&codingRate, "coding-rate", 5, "LoRa coding rate denominator (5-8).")
	pflag.Uint8Var(&deviceClass, "device-class", 0, "Device class: 0=A, 1=B, 2=C.")
	pflag.Uint8Var(&capabilities, "capabilities", 0, "Link capabilities: 0=LoRa, 1=LoRa+BLE, 2=LoRa+WiFi.")
	pflag.StringVar(&metricsAddr, "metrics-bind-address", ":9090", "The address the Prometheus endpoint binds to.")
	pflag.StringVar(&metricsPath, "metrics-path", "/metrics", "The Prometheus scrape path.")
	pflag.DurationVar(&receiveTimeout, "receive-timeout", engine.DefaultReceiveTimeout, "Single-shot RX timeout per iteration.")
	pflag.BoolVar(&develLog, "devel-log", false, "Use zap's development (console, debug-level) logger instead of production JSON.")
	pflag.Parse()

	zapLog, err := buildZapLogger(develLog)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshnode: failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLog.Sync() //nolint:errcheck
	sessionID := uuid.New()
	log := zapr.NewLogger(zapLog).WithName("meshnode").WithValues("session", sessionID.String())

	capByte, err := config.CapabilitiesByte(config.DeviceClass(deviceClass), config.Capabilities(capabilities))
	if err != nil {
		log.Error(err, "invalid device class/capabilities")
		os.Exit(1)
	}

	nodeCfg, err := config.Load(uid,
		map[string]any{
			"frequency_hz":     frequencyHz,
			"tx_power_dbm":     txPowerDBm,
			"spreading_factor": spreadingFactor,
			"bandwidth_hz":     bandwidthHz,
			"coding_rate":      codingRate,
		},
		map[string]any{
			"class":        deviceClass,
			"capabilities": capabilities,
		},
		config.DefaultEngineConfig(),
	)
	if err != nil {
		log.Error(err, "invalid node configuration")
		os.Exit(1)
	}

	// A real deployment plugs in a hardware driver satisfying
	// radio.Driver here; none is wired into this pack, so meshnode runs
	// against a single-node simulated medium until one is.
	medium := radio.NewMedium()
	driver := medium.Join(uint8(nodeCfg.UID))

	metrics := prommetrics.NewServer()
	if err := metrics.NewServer(metricsAddr, metricsPath); err != nil {
		log.Error(err, "failed to start metrics server")
		os.Exit(1)
	}

	mod := radio.ModulationConfig{
		Frequency:       nodeCfg.Lora.FrequencyHz,
		Bandwidth:       nodeCfg.Lora.Bandwidth,
		SpreadingFactor: nodeCfg.Lora.SpreadingFactor,
		CodingRate:      nodeCfg.Lora.CodingRate,
	}
	routesOpts := []routing.Option{
		routing.WithMaxRoutes(nodeCfg.Engine.MaxRoutes),
		routing.WithMaxRoutesPerDest(nodeCfg.Engine.MaxRoutesPerDest),
	}
	pendingOpts := []pendingack.Option{}
	if nodeCfg.Engine.StrictBackoffCeiling {
		pendingOpts = append(pendingOpts, pendingack.WithMaxBackoff(pendingack.StrictModeLimit))
	}

	eng := engine.New(nodeCfg.UID, driver, mod, radio.PacketParams{PreambleLength: 8, CRCOn: true},
		nodeCfg.Lora.TxPowerDBm, capByte,
		engine.WithLogger(log),
		engine.WithReceiveTimeout(receiveTimeout),
		engine.WithQueueCapacity(nodeCfg.Engine.InQueueSize, nodeCfg.Engine.OutQueueSize),
		engine.WithMaxOutQueueTransmit(nodeCfg.Engine.MaxOutQueueTransmit),
		engine.WithRoutingTable(routing.New(routesOpts...)),
		engine.WithPendingAckTable(pendingack.New(pendingOpts...)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go runApplicationLoop(ctx, eng, log, nodeCfg.Engine.MaxInQueueProcess, metrics)

	log.Info("meshnode starting", "uid", uint8(nodeCfg.UID), "metricsAddress", metricsAddr)
	if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error(err, "engine loop exited unexpectedly")
		os.Exit(1)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metrics.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "metrics server shutdown failed")
	}
	log.Info("meshnode stopped")
}

func buildZapLogger(devel bool) (*zap.Logger, error) {
	if devel {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// runApplicationLoop drains up to maxPerTick delivered messages from the
// engine's mailbox per tick and republishes routing-table health to
// Prometheus.
func runApplicationLoop(ctx context.Context, eng *engine.Engine, log interface {
	Info(msg string, keysAndValues ...any)
}, maxPerTick int, metrics prommetrics.Server) {
	ticker := time.NewTicker(engine.LoopYield * 5)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for i := 0; i < maxPerTick; i++ {
				msg, err := eng.Receive()
				if err != nil {
					break
				}
				log.Info("message delivered", "from", uint8(msg.Source()), "id", msg.ID())
			}
			metrics.RecordRoutingStats(uint8(eng.UID()), eng.Routes().Stats())
		}
	}
}
