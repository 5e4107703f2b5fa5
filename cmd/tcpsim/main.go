package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kdavies/tcpsim/pkg/config"
	"github.com/kdavies/tcpsim/pkg/conn"
	"github.com/kdavies/tcpsim/pkg/link"
	"github.com/kdavies/tcpsim/pkg/logging"
	"github.com/kdavies/tcpsim/pkg/segment"
	"github.com/kdavies/tcpsim/pkg/simulator"
)

func main() {
	configPath := flag.String("config", "", "path to a JSON or YAML simulator config file")
	messages := flag.Int("messages", 20, "number of payloads the client sends before closing")
	payloadSize := flag.Int("payload-size", 512, "size in bytes of each payload sent")
	stepSeconds := flag.Float64("step", 0.01, "simulated seconds advanced per tick")
	flag.Parse()

	debugOn := parseBoolEnv("DEBUG")

	cfg := config.DefaultConfig()
	if *configPath != "" {
		if err := config.LoadFromFile(*configPath, cfg); err != nil {
			log.Fatalf("config: %v", err)
		}
	}
	config.LoadFromEnv(cfg)
	if debugOn {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.ApplyLogging(); err != nil {
		log.Fatalf("config: %v", err)
	}

	sim, err := simulator.New(simulator.Config{
		ClientPort:          cfg.Connection.ClientPort,
		ServerPort:          cfg.Connection.ServerPort,
		CongestionAlgorithm: cfg.Connection.CongestionAlgorithm,
		Link: link.Config{
			DelaySeconds:      cfg.Link.DelaySeconds,
			LossRate:          cfg.Link.LossRate,
			BandwidthKBPerSec: cfg.Link.BandwidthKBPerSec,
		},
	}, loggingCallbacks())
	if err != nil {
		log.Fatalf("simulator: %v", err)
	}

	metricsEnabled := parseBoolEnv("METRICS_LOG") || strings.TrimSpace(os.Getenv("METRICS_INTERVAL")) != ""
	if metricsEnabled {
		go runMetricsReporter(sim)
	}

	done := make(chan struct{})
	go runScenario(sim, *messages, *payloadSize, *stepSeconds, done)

	sigc := make(chan os.Signal, 2)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-done:
		logging.Infof("scenario complete: client=%s server=%s", sim.Client().State(), sim.Server().State())
	case <-sigc:
		logging.Infof("interrupted")
	}

	dumpFinalStats(sim)
}

func loggingCallbacks() simulator.Callbacks {
	return simulator.Callbacks{
		OnStateChange: func(side simulator.Side, old, new conn.State) {
			logging.LogStateChange(side.String(), old.String(), new.String())
		},
		OnSegmentSent: func(side simulator.Side, seg segment.Segment) {
			logging.LogSegment(side.String(), "sent", seg)
		},
		OnSegmentReceived: func(side simulator.Side, seg segment.Segment) {
			logging.LogSegment(side.String(), "received", seg)
		},
		OnMetric: func(side simulator.Side, name string, value, timestamp float64) {
			logging.LogMetric(side.String(), name, value, timestamp)
		},
		OnTransmitted: func(seg segment.Segment, status link.TransmitStatus) {
			if status == link.Lost {
				logging.Debugf("link: dropped %s", seg)
			}
		},
	}
}

// runScenario drives the handshake, sends the configured number of
// payloads from the client, tears the connection down, and closes done
// once both endpoints have gone idle.
func runScenario(sim *simulator.Simulator, messages, payloadSize int, step float64, done chan struct{}) {
	now := 0.0
	if err := sim.Start(now); err != nil {
		log.Fatalf("start: %v", err)
	}

	payload := make([]byte, payloadSize)
	sent := 0
	closed := false

	ticker := time.NewTicker(time.Duration(step * float64(time.Second)))
	defer ticker.Stop()

	for range ticker.C {
		now += step
		sim.Tick(now)

		if sim.Client().State() == conn.Established && sent < messages {
			if sim.SendFromClient(payload, now) {
				sent++
			}
		}

		if sent >= messages && sim.Client().PendingSend() == 0 && !closed {
			sim.CloseClient(now)
			closed = true
		}
		if sim.Server().State() == conn.CloseWait {
			sim.CloseServer(now)
		}

		// TimeWait never expires in this simulator (no 2*MSL timer is
		// modeled), so a closed peer plus an idle link counts as done too.
		clientDone := sim.Client().State() == conn.TimeWait || sim.Client().State() == conn.Closed
		if closed && sim.Idle() && clientDone && sim.Server().State() == conn.Closed {
			close(done)
			return
		}
	}
}

func dumpFinalStats(sim *simulator.Simulator) {
	cs, ss := sim.Client().Stats(), sim.Server().Stats()
	cc, sc := sim.Client().Congestion(), sim.Server().Congestion()
	logging.Infof(
		"final: client[state=%s sent=%d recv=%d retx=%d cwnd=%.2f ssthresh=%.2f] server[state=%s sent=%d recv=%d retx=%d cwnd=%.2f ssthresh=%.2f]",
		sim.Client().State(), cs.PacketsSent, cs.PacketsReceived, cs.Retransmissions, cc.Cwnd, cc.Ssthresh,
		sim.Server().State(), ss.PacketsSent, ss.PacketsReceived, ss.Retransmissions, sc.Cwnd, sc.Ssthresh,
	)
}

func parseBoolEnv(name string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}
