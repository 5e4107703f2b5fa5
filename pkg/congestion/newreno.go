package congestion

// newReno refines Reno's FastRecovery: a partial ACK (one that advances
// but does not clear everything outstanding when recovery began) inflates
// cwnd by one and stays in recovery; a full ACK deflates and exits. The
// partial/full classification is derived from ackNum versus recover (the
// SND.NXT snapshot taken when fast retransmit fired), not caller-supplied.
type newReno struct {
	baseState
}

func newNewReno(opts ...Option) *newReno {
	return &newReno{baseState: newBaseState(opts)}
}

func (n *newReno) OnAck(_, _ float64, ackNum, recover uint32) Snapshot {
	switch n.phase {
	case SlowStart:
		n.cwnd++
		if n.cwnd >= n.ssthresh {
			n.phase = CongestionAvoidance
		}
	case CongestionAvoidance:
		n.cwnd += 1.0 / n.cwnd
	case FastRecovery:
		if ackNum > recover {
			// Full ACK: everything outstanding at recovery entry is now
			// covered, so leave FastRecovery.
			n.cwnd = n.ssthresh
			n.phase = CongestionAvoidance
		} else {
			// Partial ACK: stay in recovery, inflate for the segment that
			// just left the network.
			n.cwnd++
		}
	}
	return n.snapshot()
}

func (n *newReno) OnLoss(kind LossKind) Snapshot {
	n.ssthresh = max(2.0, n.cwnd/2.0)
	switch kind {
	case Timeout:
		n.cwnd = 1.0
		n.phase = SlowStart
	case FastRetransmit:
		n.cwnd = n.ssthresh + 3.0
		n.phase = FastRecovery
	}
	return n.snapshot()
}

func (n *newReno) OnFastRecoveryExit() Snapshot {
	n.cwnd = n.ssthresh
	n.phase = CongestionAvoidance
	return n.snapshot()
}

func (n *newReno) State() Snapshot { return n.snapshot() }
