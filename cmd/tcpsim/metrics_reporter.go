package main

import (
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/kdavies/tcpsim/pkg/conn"
	"github.com/kdavies/tcpsim/pkg/logging"
	"github.com/kdavies/tcpsim/pkg/simulator"
)

// sideSnapshot is one endpoint's worth of a metrics sample.
type sideSnapshot struct {
	State           string  `json:"state"`
	PacketsSent     uint64  `json:"packetsSent"`
	PacketsReceived uint64  `json:"packetsReceived"`
	BytesSent       uint64  `json:"bytesSent"`
	BytesReceived   uint64  `json:"bytesReceived"`
	Retransmissions uint64  `json:"retransmissions"`
	DuplicateAcks   uint64  `json:"duplicateAcks"`
	Cwnd            float64 `json:"cwnd"`
	Ssthresh        float64 `json:"ssthresh"`
	Phase           string  `json:"phase"`
	RTO             float64 `json:"rto"`
}

type metricsSnapshot struct {
	Client sideSnapshot `json:"client"`
	Server sideSnapshot `json:"server"`
	LinkQ  int          `json:"linkPending"`
}

// runMetricsReporter periodically logs a snapshot of both endpoints'
// connection state, congestion window, and counters. METRICS_INTERVAL
// controls the period (default 1s); METRICS_FORMAT selects "json" or
// "text" (default "text").
func runMetricsReporter(sim *simulator.Simulator) {
	interval := time.Second
	if val := os.Getenv("METRICS_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			interval = d
		}
	}
	format := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_FORMAT")))
	if format == "" {
		format = "text"
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		dumpMetrics(sim, format)
	}
}

func dumpMetrics(sim *simulator.Simulator, format string) {
	snap := metricsSnapshot{
		Client: snapshotSide(sim.Client()),
		Server: snapshotSide(sim.Server()),
	}

	if format == "json" {
		data, err := json.Marshal(snap)
		if err != nil {
			logging.Warnf("metrics: marshal failed: %v", err)
			return
		}
		logging.Infof("metrics: %s", data)
		return
	}

	logging.Infof(
		"metrics: client[%s cwnd=%.2f ssthresh=%.2f phase=%s sent=%d recv=%d retx=%d dupacks=%d] "+
			"server[%s cwnd=%.2f ssthresh=%.2f phase=%s sent=%d recv=%d retx=%d dupacks=%d]",
		snap.Client.State, snap.Client.Cwnd, snap.Client.Ssthresh, snap.Client.Phase,
		snap.Client.PacketsSent, snap.Client.PacketsReceived, snap.Client.Retransmissions, snap.Client.DuplicateAcks,
		snap.Server.State, snap.Server.Cwnd, snap.Server.Ssthresh, snap.Server.Phase,
		snap.Server.PacketsSent, snap.Server.PacketsReceived, snap.Server.Retransmissions, snap.Server.DuplicateAcks,
	)
}

func snapshotSide(c *conn.Connection) sideSnapshot {
	stats := c.Stats()
	cc := c.Congestion()
	return sideSnapshot{
		State:           c.State().String(),
		PacketsSent:     stats.PacketsSent,
		PacketsReceived: stats.PacketsReceived,
		BytesSent:       stats.BytesSent,
		BytesReceived:   stats.BytesReceived,
		Retransmissions: stats.Retransmissions,
		DuplicateAcks:   stats.DuplicateAcks,
		Cwnd:            cc.Cwnd,
		Ssthresh:        cc.Ssthresh,
		Phase:           cc.Phase.String(),
		RTO:             c.RTO(),
	}
}
