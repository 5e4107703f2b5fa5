package congestion

import "math"

const (
	cubicC    = 0.4
	cubicBeta = 0.7
)

// cubic implements a simplified TCP Cubic: slow start is plain Reno-style
// additive increase; congestion avoidance follows Cubic's cubic growth
// curve anchored at the window size observed just before the last loss.
type cubic struct {
	baseState
	wMax         float64
	k            float64
	epochStart   float64
	epochPending bool
}

func newCubic(opts ...Option) *cubic {
	return &cubic{baseState: newBaseState(opts)}
}

// window returns Cubic's target window W(t) = c*(t-k)^3 + wMax for time t
// elapsed since the current congestion-avoidance epoch began.
func (c *cubic) window(t float64) float64 {
	if c.wMax <= 0 {
		return c.ssthresh
	}
	return cubicC*math.Pow(t-c.k, 3) + c.wMax
}

func (c *cubic) updateK() {
	if c.wMax <= 0 {
		c.k = 0
		return
	}
	c.k = math.Cbrt(c.wMax * (1 - cubicBeta) / cubicC)
}

func (c *cubic) enterCongestionAvoidance(now float64) {
	c.phase = CongestionAvoidance
	c.wMax = c.cwnd
	c.epochStart = now
	c.updateK()
}

func (c *cubic) OnAck(now, _ float64, _, _ uint32) Snapshot {
	switch c.phase {
	case SlowStart:
		c.cwnd++
		if c.cwnd >= c.ssthresh {
			c.enterCongestionAvoidance(now)
		}
	case CongestionAvoidance:
		if c.epochPending {
			c.epochStart = now
			c.updateK()
			c.epochPending = false
		}
		t := now - c.epochStart
		target := c.window(t)
		if c.cwnd < target {
			c.cwnd = min(target, c.cwnd+(target-c.cwnd)/c.cwnd)
		} else {
			c.cwnd += 0.1 / c.cwnd
		}
	}
	return c.snapshot()
}

func (c *cubic) OnLoss(kind LossKind) Snapshot {
	switch kind {
	case Timeout:
		c.wMax = c.cwnd
		c.ssthresh = max(2.0, c.cwnd*cubicBeta)
		c.cwnd = 1.0
		c.phase = SlowStart
	case FastRetransmit:
		c.wMax = c.cwnd
		c.ssthresh = max(2.0, c.cwnd*cubicBeta)
		c.cwnd = c.cwnd * cubicBeta
		c.phase = FastRecovery
		c.epochPending = true
	}
	return c.snapshot()
}

func (c *cubic) OnFastRecoveryExit() Snapshot {
	c.phase = CongestionAvoidance
	c.epochPending = true
	return c.snapshot()
}

func (c *cubic) State() Snapshot { return c.snapshot() }
