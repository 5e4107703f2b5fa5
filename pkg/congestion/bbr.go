package congestion

// BBRPhase is BBR's own phase state, distinct from the shared
// SlowStart/CongestionAvoidance/FastRecovery vocabulary (BBR maps onto
// CongestionAvoidance for all but its initial Startup phase).
type BBRPhase int

const (
	BBRStartup BBRPhase = iota
	BBRDrain
	BBRProbeBW
	BBRProbeRTT
)

func (p BBRPhase) String() string {
	switch p {
	case BBRStartup:
		return "startup"
	case BBRDrain:
		return "drain"
	case BBRProbeBW:
		return "probe_bw"
	case BBRProbeRTT:
		return "probe_rtt"
	default:
		return "unknown"
	}
}

// probeRTTTimer is the continuous time a connection can spend in ProbeBW
// before BBR forces a ProbeRTT excursion. This is the documented
// resolution for the otherwise-unreachable ProbeRTT phase (see DESIGN.md).
const probeRTTTimer = 10.0

// bbr implements a simplified four-phase BBR: Startup, Drain, ProbeBW,
// ProbeRTT. Phase transitions are driven by cwnd thresholds rather than
// real bandwidth/RTT sampling, matching the source's simplification;
// rttMin is still tracked so a faithful implementation has a hook to grow
// into.
type bbr struct {
	baseState
	bbrPhase      BBRPhase
	rttMin        float64
	probeBWSince  float64
	probeBWActive bool
}

func newBBR(opts ...Option) *bbr {
	return &bbr{baseState: newBaseState(opts), rttMin: -1}
}

func (b *bbr) snapshotBBR() Snapshot {
	s := b.snapshot()
	s.BBRPhase = b.bbrPhase
	return s
}

func (b *bbr) OnAck(now, rtt float64, _, _ uint32) Snapshot {
	if rtt > 0 && (b.rttMin < 0 || rtt < b.rttMin) {
		b.rttMin = rtt
	}

	switch b.bbrPhase {
	case BBRStartup:
		b.cwnd++
		if b.cwnd >= b.ssthresh {
			b.bbrPhase = BBRDrain
			b.phase = CongestionAvoidance
		}
	case BBRDrain:
		if b.cwnd > b.ssthresh {
			b.cwnd = max(b.ssthresh, b.cwnd-0.5)
		} else {
			b.enterProbeBW(now)
		}
	case BBRProbeBW:
		b.cwnd += 0.1 / b.cwnd
		b.phase = CongestionAvoidance
		if b.probeBWActive && now-b.probeBWSince >= probeRTTTimer {
			b.bbrPhase = BBRProbeRTT
			b.probeBWActive = false
		}
	case BBRProbeRTT:
		if b.cwnd > 4 {
			b.cwnd = max(4.0, b.cwnd-0.5)
		} else {
			b.enterProbeBW(now)
		}
	}
	return b.snapshotBBR()
}

func (b *bbr) enterProbeBW(now float64) {
	b.bbrPhase = BBRProbeBW
	b.phase = CongestionAvoidance
	b.probeBWActive = true
	b.probeBWSince = now
}

func (b *bbr) OnLoss(kind LossKind) Snapshot {
	switch kind {
	case Timeout:
		b.ssthresh = max(2.0, b.cwnd/2.0)
		b.cwnd = max(4.0, b.cwnd*0.5)
	case FastRetransmit:
		b.ssthresh = max(2.0, b.cwnd*0.875)
		b.cwnd = b.cwnd * 0.875
	}
	return b.snapshotBBR()
}

func (b *bbr) OnFastRecoveryExit() Snapshot {
	b.phase = CongestionAvoidance
	return b.snapshotBBR()
}

func (b *bbr) State() Snapshot { return b.snapshotBBR() }
