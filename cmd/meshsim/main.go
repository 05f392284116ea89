// Command meshsim is a multi-node soak-test harness: it joins several
// engine.Engine instances to one in-memory radio.Medium and drives
// scripted traffic and churn against them, standing in for the
// simulator/device.go pattern of replaying a small simulated mesh
// without hardware.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/zapr"
	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/quadranet/meshnode/internal/engine"
	"github.com/quadranet/meshnode/internal/message"
	"github.com/quadranet/meshnode/internal/radio"
)

func main() {
	var (
		nodeCount   int
		dropPercent int
		develLog    bool
		trafficCron string
		churnCron   string
		statsCron   string
		runDuration time.Duration
	)
	pflag.IntVar(&nodeCount, "nodes", 6, "Number of simulated nodes to join to the shared medium.")
	pflag.IntVar(&dropPercent, "drop-percent", 0, "Baseline percentage of broadcasts the medium silently drops.")
	pflag.BoolVar(&develLog, "devel-log", true, "Use zap's development console logger.")
	pflag.StringVar(&trafficCron, "traffic-cron", "@every 2s", "Cron schedule for scripted SendData traffic between random node pairs.")
	pflag.StringVar(&churnCron, "churn-cron", "@every 15s", "Cron schedule for scripted link-quality churn (randomizing the medium's drop percentage).")
	pflag.StringVar(&statsCron, "stats-cron", "@every 5s", "Cron schedule for logging each node's routing table stats.")
	pflag.DurationVar(&runDuration, "run-duration", 0, "Stop the simulation after this long (0 = run until interrupted).")
	pflag.Parse()

	if nodeCount < 2 {
		fmt.Fprintln(os.Stderr, "meshsim: --nodes must be at least 2")
		os.Exit(1)
	}

	zapLog, err := buildZapLogger(develLog)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshsim: failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLog.Sync() //nolint:errcheck
	log := zapr.NewLogger(zapLog).WithName("meshsim")

	medium := radio.NewMedium()
	medium.SetDropPercent(dropPercent)

	engines := make([]*engine.Engine, 0, nodeCount)
	for i := 1; i <= nodeCount; i++ {
		uid := message.Uid(i)
		driver := medium.Join(uint8(uid))
		eng := engine.New(uid, driver, radio.ModulationConfig{Frequency: 915000000, Bandwidth: 125000, SpreadingFactor: 7, CodingRate: 5},
			radio.PacketParams{PreambleLength: 8, CRCOn: true}, 14, 0,
			engine.WithLogger(log.WithValues("node", uint8(uid))),
			engine.WithReceiveTimeout(50*time.Millisecond),
		)
		engines = append(engines, eng)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if runDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runDuration)
		defer cancel()
	}

	for _, eng := range engines {
		go func(e *engine.Engine) {
			if err := e.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error(err, "node loop exited unexpectedly", "node", uint8(e.UID()))
			}
		}(eng)
	}

	sched := cron.New()
	scheduleTraffic(sched, trafficCron, engines, log)
	scheduleChurn(sched, churnCron, medium, log)
	scheduleStats(sched, statsCron, engines, log)
	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	log.Info("meshsim running", "nodes", nodeCount, "dropPercent", dropPercent)
	<-ctx.Done()
	log.Info("meshsim stopped")
}

func buildZapLogger(devel bool) (*zap.Logger, error) {
	if devel {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// scheduleTraffic periodically picks a random ordered pair of nodes and
// has the first SendData the second, exercising relay/discovery the way
// a live mesh would generate organic traffic.
func scheduleTraffic(sched *cron.Cron, spec string, engines []*engine.Engine, log interface {
	Error(err error, msg string, keysAndValues ...any)
}) {
	if _, err := sched.AddFunc(spec, func() {
		from := engines[rand.Intn(len(engines))]
		to := engines[rand.Intn(len(engines))]
		if from.UID() == to.UID() {
			return
		}
		dest := to.UID()
		payload := message.DataPayload{Form: message.DataText, Text: "ping"}
		if err := from.SendData(&dest, payload, true); err != nil {
			log.Error(err, "scripted SendData failed", "from", uint8(from.UID()), "to", uint8(to.UID()))
		}
	}); err != nil {
		log.Error(err, "failed to schedule traffic")
	}
}

// scheduleChurn randomizes the medium's drop percentage within a modest
// band, simulating a mesh whose links degrade and recover over time.
func scheduleChurn(sched *cron.Cron, spec string, medium *radio.Medium, log interface {
	Error(err error, msg string, keysAndValues ...any)
}) {
	if _, err := sched.AddFunc(spec, func() {
		pct := rand.Intn(35)
		medium.SetDropPercent(pct)
	}); err != nil {
		log.Error(err, "failed to schedule churn")
	}
}

// scheduleStats logs each node's routing table health, the soak-test
// equivalent of what prommetrics.RecordRoutingStats exports in
// production.
func scheduleStats(sched *cron.Cron, spec string, engines []*engine.Engine, log interface {
	Info(msg string, keysAndValues ...any)
	Error(err error, msg string, keysAndValues ...any)
}) {
	if _, err := sched.AddFunc(spec, func() {
		for _, eng := range engines {
			stats := eng.Routes().Stats()
			log.Info("routing stats", "node", uint8(eng.UID()), "totalRoutes", stats.TotalRoutes,
				"activeRoutes", stats.ActiveRoutes, "avgHopCount", stats.AvgHopCount, "avgQuality", stats.AvgQuality)
		}
	}); err != nil {
		log.Error(err, "failed to schedule stats logging")
	}
}
