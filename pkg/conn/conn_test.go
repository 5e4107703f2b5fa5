package conn

import (
	"errors"
	"testing"

	"github.com/kdavies/tcpsim/pkg/congestion"
	"github.com/kdavies/tcpsim/pkg/segment"
)

func established(localPort, remotePort uint16, isServer bool) *Connection {
	c, err := New(Config{LocalPort: localPort, RemotePort: remotePort, IsServer: isServer}, Callbacks{})
	if err != nil {
		panic(err)
	}
	c.state = Established
	c.seq = 100
	c.ack = 1
	return c
}

// E1: a clean three-segment handshake brings both endpoints to Established.
func TestCleanHandshake(t *testing.T) {
	client, err := New(Config{LocalPort: 5000, RemotePort: 80}, Callbacks{})
	if err != nil {
		t.Fatalf("New(client): %v", err)
	}
	server, err := New(Config{LocalPort: 80, RemotePort: 5000, IsServer: true}, Callbacks{})
	if err != nil {
		t.Fatalf("New(server): %v", err)
	}

	syn, err := client.Connect(0.0)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !syn.Has(segment.SYN) {
		t.Fatalf("Connect did not produce a SYN segment: %v", syn)
	}

	synAck, ok := server.Deliver(syn, 0.1)
	if !ok || !synAck.Has(segment.SYN) || !synAck.Has(segment.ACK) {
		t.Fatalf("server did not reply with SYN|ACK: ok=%v seg=%v", ok, synAck)
	}
	if server.State() != SynReceived {
		t.Fatalf("server state = %v, want SynReceived", server.State())
	}

	ack, ok := client.Deliver(synAck, 0.2)
	if !ok || ack.Has(segment.SYN) {
		t.Fatalf("client did not reply with a bare ACK: ok=%v seg=%v", ok, ack)
	}
	if client.State() != Established {
		t.Fatalf("client state = %v, want Established", client.State())
	}

	if _, ok := server.Deliver(ack, 0.3); ok {
		t.Fatalf("server should not reply to the handshake-completing ACK")
	}
	if server.State() != Established {
		t.Fatalf("server state = %v, want Established", server.State())
	}
}

func TestConnectFromEstablishedIsIllegal(t *testing.T) {
	c := established(5000, 80, false)
	_, err := c.Connect(0.0)
	if !errors.Is(err, ErrIllegalState) {
		t.Fatalf("Connect from Established: got %v, want ErrIllegalState", err)
	}
}

// Invariant 3: cumulative ACK removes exactly the prefix whose EndSeq <=
// ackNum, and nothing past it.
func TestCumulativeAckRemovesExactPrefix(t *testing.T) {
	c := established(5000, 80, false)
	for _, seq := range []uint32{100, 101, 102} {
		c.dataUnacked = append(c.dataUnacked, &unackedEntry{
			Seg:           segment.Segment{Seq: seq, Payload: []byte{0}},
			FirstSendTime: 0,
			LastSendTime:  0,
			BaseRTO:       3.0,
		})
	}
	c.Deliver(segment.Segment{DstPort: 5000, Flags: segment.ACK, Ack: 102}, 1.0)
	if len(c.dataUnacked) != 1 {
		t.Fatalf("dataUnacked len = %d, want 1", len(c.dataUnacked))
	}
	if c.dataUnacked[0].Seg.Seq != 102 {
		t.Fatalf("remaining entry seq = %d, want 102", c.dataUnacked[0].Seg.Seq)
	}
}

// Invariant 6 (Karn's rule): the RTT sample is measured from
// FirstSendTime, never LastSendTime.
func TestRTTSampleUsesFirstSendTime(t *testing.T) {
	c := established(5000, 80, false)
	c.dataUnacked = append(c.dataUnacked, &unackedEntry{
		Seg:           segment.Segment{Seq: 100, Payload: []byte{0}},
		FirstSendTime: 1.0,
		LastSendTime:  5.0,
		BaseRTO:       3.0,
	})
	c.Deliver(segment.Segment{DstPort: 5000, Flags: segment.ACK, Ack: 101}, 6.0)
	if c.estimator.SRTT != 5.0 {
		t.Fatalf("SRTT = %v, want 5.0 (6.0 - FirstSendTime 1.0)", c.estimator.SRTT)
	}
}

// E3: three duplicate ACKs for the same number trigger exactly one
// retransmission of the smallest-sequence unacked entry.
func TestFastRetransmit(t *testing.T) {
	c := established(5000, 80, false)
	cc, _ := congestion.New("Reno", congestion.WithInitialCwnd(20), congestion.WithInitialSsthresh(16))
	c.cc = cc
	for i, seq := range []uint32{102, 100, 103, 101, 104} {
		c.dataUnacked = append(c.dataUnacked, &unackedEntry{
			Seg:           segment.Segment{Seq: seq, Payload: []byte{byte(i)}},
			FirstSendTime: 0,
			LastSendTime:  0,
			BaseRTO:       3.0,
		})
	}
	c.lastAckNum = 100

	var retransmitted segment.Segment
	retransmitCount := 0
	c.cb.OnRetransmitNeeded = func(seg segment.Segment, now float64) {
		retransmitCount++
		retransmitted = seg
	}

	dupAck := segment.Segment{DstPort: 5000, Flags: segment.ACK, Ack: 100}
	c.Deliver(dupAck, 1.0)
	c.Deliver(dupAck, 1.1)
	c.Deliver(dupAck, 1.2)

	if retransmitCount != 1 {
		t.Fatalf("retransmit fired %d times, want 1", retransmitCount)
	}
	if retransmitted.Seq != 100 {
		t.Fatalf("retransmitted seq = %d, want 100 (smallest unacked)", retransmitted.Seq)
	}

	snap := c.Congestion()
	if snap.Ssthresh != 10 {
		t.Fatalf("ssthresh = %v, want 10", snap.Ssthresh)
	}
	if snap.Cwnd != 13 {
		t.Fatalf("cwnd = %v, want 13", snap.Cwnd)
	}
	if snap.Phase != congestion.FastRecovery {
		t.Fatalf("phase = %v, want FastRecovery", snap.Phase)
	}
}

// E4: an RTO timeout retransmits the oldest unacked segment and drives the
// congestion controller back to slow start with a halved ssthresh; Karn's
// rule resets FirstSendTime so the eventual ACK doesn't pollute the RTT
// estimator.
func TestRTOTimeout(t *testing.T) {
	c := established(5000, 80, false)
	cc, _ := congestion.New("Reno", congestion.WithInitialCwnd(20), congestion.WithInitialSsthresh(16))
	c.cc = cc
	entry := &unackedEntry{
		Seg:           segment.Segment{Seq: 100, Payload: []byte{1}},
		FirstSendTime: 0,
		LastSendTime:  0,
		BaseRTO:       3.0,
	}
	c.dataUnacked = append(c.dataUnacked, entry)

	if out := c.Tick(2.9); len(out) != 0 {
		t.Fatalf("retransmitted before RTO elapsed: %v", out)
	}

	out := c.Tick(3.1)
	if len(out) != 1 {
		t.Fatalf("Tick returned %d segments, want 1", len(out))
	}
	if out[0].Seq != 100 {
		t.Fatalf("retransmitted seq = %d, want 100", out[0].Seq)
	}

	snap := c.Congestion()
	if snap.Cwnd != 1 {
		t.Fatalf("cwnd = %v, want 1", snap.Cwnd)
	}
	if snap.Phase != congestion.SlowStart {
		t.Fatalf("phase = %v, want SlowStart", snap.Phase)
	}
	if entry.FirstSendTime != 3.1 {
		t.Fatalf("FirstSendTime = %v, want 3.1 (Karn reset on retransmit)", entry.FirstSendTime)
	}
}

// E5: a final ACK replayed 129s after its cookie was issued (two time slots
// later) is rejected, and the server stays in SynReceived.
func TestSynCookieReplay(t *testing.T) {
	server, err := New(Config{LocalPort: 80, RemotePort: 5000, IsServer: true}, Callbacks{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	syn := segment.Segment{SrcPort: 5000, DstPort: 80, Flags: segment.SYN, Seq: 500}

	synAck, ok := server.Deliver(syn, 0.0)
	if !ok {
		t.Fatalf("expected a SYN|ACK reply")
	}
	if server.State() != SynReceived {
		t.Fatalf("state = %v, want SynReceived", server.State())
	}

	staleAck := segment.Segment{SrcPort: 5000, DstPort: 80, Flags: segment.ACK, Ack: synAck.Seq + 1}
	server.Deliver(staleAck, 129.0)
	if server.State() != SynReceived {
		t.Fatalf("state = %v, want SynReceived (stale cookie must be rejected)", server.State())
	}
}

func TestSynCookieValidatesPromptly(t *testing.T) {
	server, err := New(Config{LocalPort: 80, RemotePort: 5000, IsServer: true}, Callbacks{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	syn := segment.Segment{SrcPort: 5000, DstPort: 80, Flags: segment.SYN, Seq: 500}
	synAck, _ := server.Deliver(syn, 0.0)

	finalAck := segment.Segment{SrcPort: 5000, DstPort: 80, Flags: segment.ACK, Ack: synAck.Seq + 1}
	server.Deliver(finalAck, 10.0)
	if server.State() != Established {
		t.Fatalf("state = %v, want Established", server.State())
	}
}

func TestDataTransferAndTeardown(t *testing.T) {
	client, _ := New(Config{LocalPort: 5000, RemotePort: 80}, Callbacks{})
	server, _ := New(Config{LocalPort: 80, RemotePort: 5000, IsServer: true}, Callbacks{})

	syn, _ := client.Connect(0.0)
	synAck, _ := server.Deliver(syn, 0.1)
	ack, _ := client.Deliver(synAck, 0.2)
	server.Deliver(ack, 0.3)

	data, sent := client.Send([]byte("hi"), 1.0)
	if !sent {
		t.Fatalf("Send did not send immediately with an empty window")
	}
	serverAck, ok := server.Deliver(data, 1.1)
	if !ok || serverAck.Has(segment.SYN) {
		t.Fatalf("server did not ack the data segment")
	}
	if len(server.Received()) != 1 || string(server.Received()[0]) != "hi" {
		t.Fatalf("server did not deliver the payload to the application: %v", server.Received())
	}
	client.Deliver(serverAck, 1.2)

	fin, ok := client.Close(2.0)
	if !ok || !fin.Has(segment.FIN) {
		t.Fatalf("Close did not produce a FIN")
	}
	if client.State() != FinWait1 {
		t.Fatalf("client state = %v, want FinWait1", client.State())
	}

	finAck, ok := server.Deliver(fin, 2.1)
	if !ok {
		t.Fatalf("server did not ack the client's FIN")
	}
	if server.State() != CloseWait {
		t.Fatalf("server state = %v, want CloseWait", server.State())
	}
	client.Deliver(finAck, 2.2)
	if client.State() != FinWait2 {
		t.Fatalf("client state = %v, want FinWait2", client.State())
	}

	serverFin, ok := server.Close(2.3)
	if !ok || !serverFin.Has(segment.FIN) {
		t.Fatalf("server Close did not produce a FIN")
	}
	if server.State() != LastAck {
		t.Fatalf("server state = %v, want LastAck", server.State())
	}

	lastAck, ok := client.Deliver(serverFin, 2.4)
	if !ok {
		t.Fatalf("client did not ack the server's FIN")
	}
	if client.State() != TimeWait {
		t.Fatalf("client state = %v, want TimeWait", client.State())
	}
	server.Deliver(lastAck, 2.5)
	if server.State() != Closed {
		t.Fatalf("server state = %v, want Closed", server.State())
	}
}
