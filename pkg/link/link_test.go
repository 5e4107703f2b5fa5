package link

import (
	"testing"

	"github.com/kdavies/tcpsim/pkg/segment"
)

func TestSubmitSchedulesArrivalAfterDelay(t *testing.T) {
	l := New(Config{DelaySeconds: 0.5}, Callbacks{})
	l.Submit(segment.Segment{}, 80, 1.0)

	if out := l.Tick(1.4); len(out) != 0 {
		t.Fatalf("delivered before scheduled arrival: %v", out)
	}
	out := l.Tick(1.5)
	if len(out) != 1 {
		t.Fatalf("Tick returned %d deliveries, want 1", len(out))
	}
	if out[0].DestPort != 80 {
		t.Fatalf("DestPort = %d, want 80", out[0].DestPort)
	}
}

func TestBandwidthAddsSerializationDelay(t *testing.T) {
	l := New(Config{DelaySeconds: 0, BandwidthKBPerSec: 1.0}, Callbacks{})
	seg := segment.Segment{Payload: make([]byte, 1024-20)} // 1KB on the wire
	l.Submit(seg, 80, 0.0)

	if out := l.Tick(0.99); len(out) != 0 {
		t.Fatalf("delivered before serialization finished: %v", out)
	}
	if out := l.Tick(1.0); len(out) != 1 {
		t.Fatalf("Tick returned %d deliveries at t=1.0, want 1", len(out))
	}
}

func TestDeliveryOrderedByArrivalThenSubmission(t *testing.T) {
	l := New(Config{DelaySeconds: 1.0}, Callbacks{})
	first := segment.Segment{Seq: 1}
	second := segment.Segment{Seq: 2}
	l.Submit(first, 80, 0.0)
	l.Submit(second, 80, 0.0)

	out := l.Tick(1.0)
	if len(out) != 2 {
		t.Fatalf("Tick returned %d deliveries, want 2", len(out))
	}
	if out[0].Seg.Seq != 1 || out[1].Seg.Seq != 2 {
		t.Fatalf("delivery order = %v, want submission order for equal arrival times", out)
	}
}

func TestZeroLossNeverDrops(t *testing.T) {
	l := New(Config{DelaySeconds: 0.1, LossRate: 0}, Callbacks{})
	for i := 0; i < 200; i++ {
		l.Submit(segment.Segment{Seq: uint32(i)}, 80, 0.0)
	}
	if out := l.Tick(0.1); len(out) != 200 {
		t.Fatalf("delivered %d of 200 segments with LossRate=0", len(out))
	}
}

// Invariant 8: the observed loss fraction over many submissions converges
// toward the configured LossRate.
func TestLossRateConvergence(t *testing.T) {
	const n = 20000
	const lossRate = 0.3
	lost := 0
	l := New(Config{DelaySeconds: 0.01, LossRate: lossRate}, Callbacks{
		OnTransmitted: func(seg segment.Segment, status TransmitStatus) {
			if status == Lost {
				lost++
			}
		},
	})
	for i := 0; i < n; i++ {
		l.Submit(segment.Segment{Seq: uint32(i)}, 80, 0.0)
	}
	frac := float64(lost) / float64(n)
	if frac < lossRate-0.02 || frac > lossRate+0.02 {
		t.Fatalf("observed loss fraction = %v, want close to %v", frac, lossRate)
	}
}

func TestPendingTracksInFlightSegments(t *testing.T) {
	l := New(Config{DelaySeconds: 1.0}, Callbacks{})
	l.Submit(segment.Segment{}, 80, 0.0)
	l.Submit(segment.Segment{}, 80, 0.0)
	if l.Pending() != 2 {
		t.Fatalf("Pending() = %d, want 2", l.Pending())
	}
	l.Tick(1.0)
	if l.Pending() != 0 {
		t.Fatalf("Pending() = %d after delivery, want 0", l.Pending())
	}
}
