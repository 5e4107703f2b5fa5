// Package conn implements the per-endpoint TCP state machine: handshake
// (with SYN-cookie validation), data transfer, teardown, duplicate-ACK
// fast retransmit, and RTO-driven retransmission, delegating window
// management to a pluggable congestion.Controller.
package conn

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"

	"github.com/kdavies/tcpsim/pkg/congestion"
	"github.com/kdavies/tcpsim/pkg/rto"
	"github.com/kdavies/tcpsim/pkg/segment"
)

// State is one of the eleven TCP connection states this simulator models.
type State int

const (
	Closed State = iota
	Listen
	SynSent
	SynReceived
	Established
	FinWait1
	FinWait2
	CloseWait
	Closing
	LastAck
	TimeWait
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Listen:
		return "LISTEN"
	case SynSent:
		return "SYN_SENT"
	case SynReceived:
		return "SYN_RECEIVED"
	case Established:
		return "ESTABLISHED"
	case FinWait1:
		return "FIN_WAIT_1"
	case FinWait2:
		return "FIN_WAIT_2"
	case CloseWait:
		return "CLOSE_WAIT"
	case Closing:
		return "CLOSING"
	case LastAck:
		return "LAST_ACK"
	case TimeWait:
		return "TIME_WAIT"
	default:
		return "UNKNOWN"
	}
}

// ErrIllegalState is returned when Connect is invoked from a state other
// than Closed or SynSent.
var ErrIllegalState = errors.New("conn: illegal state for requested operation")

// minPacingInterval is the minimum spacing DrainPaced enforces between
// two paced sends.
const minPacingInterval = 0.05

// cookieSlotWidth is the SYN-cookie time-slot width in seconds.
const cookieSlotWidth = 64.0

// unackedEntry is the bookkeeping record attached to every in-flight
// segment, whether it belongs to the handshake table or the data table.
type unackedEntry struct {
	Seg             segment.Segment
	FirstSendTime   float64
	LastSendTime    float64
	RetransmitCount int
	BaseRTO         float64
}

// Callbacks is the optional observer set a Connection reports through.
// Every field may be left nil.
type Callbacks struct {
	OnStateChange      func(old, new State)
	OnSegmentSent      func(seg segment.Segment)
	OnSegmentReceived  func(seg segment.Segment)
	OnMetric           func(name string, value float64, timestamp float64)
	OnRetransmitNeeded func(seg segment.Segment, now float64)
}

// Stats accumulates per-connection counters mirroring what a real TCP
// stack's connection-level statistics would track.
type Stats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	Retransmissions uint64
	DuplicateAcks   uint64
}

// Config describes how to construct a Connection.
type Config struct {
	LocalPort, RemotePort uint16
	IsServer              bool
	// CongestionAlgorithm is one of Reno, NewReno, Cubic, BBR (case
	// insensitive). Empty defaults to Reno.
	CongestionAlgorithm string
}

// Connection is the per-endpoint TCP state machine.
type Connection struct {
	localPort, remotePort uint16
	isServer              bool
	algoName              string

	state State

	seq uint32 // SND.NXT: next sequence number this endpoint will use
	ack uint32 // next sequence number expected from the peer

	sendWindow, recvWindow uint16

	cc congestion.Controller

	handshakeUnacked []*unackedEntry
	dataUnacked      []*unackedEntry

	sendBuffer [][]byte
	recvBuffer [][]byte

	estimator *rto.Estimator

	lastAckNum  uint32
	dupAckNum   uint32
	dupAckCount int
	recover     uint32

	lastPacedSendTime float64

	cookieSecret [32]byte

	cb Callbacks

	stats Stats
}

// New constructs a Connection in its initial state: Listen for a server
// endpoint, Closed for a client endpoint.
func New(cfg Config, cb Callbacks) (*Connection, error) {
	algo := cfg.CongestionAlgorithm
	if algo == "" {
		algo = "Reno"
	}
	cc, err := congestion.New(algo)
	if err != nil {
		return nil, err
	}

	c := &Connection{
		localPort:  cfg.LocalPort,
		remotePort: cfg.RemotePort,
		isServer:   cfg.IsServer,
		algoName:   strings.ToLower(algo),
		cc:         cc,
		estimator:  rto.NewEstimator(),
		sendWindow: 65535,
		recvWindow: 65535,
		cb:         cb,
	}
	if cfg.IsServer {
		c.state = Listen
	} else {
		c.state = Closed
	}
	if _, err := rand.Read(c.cookieSecret[:]); err != nil {
		return nil, fmt.Errorf("conn: seeding SYN-cookie secret: %w", err)
	}
	return c, nil
}

// State returns the connection's current state.
func (c *Connection) State() State { return c.state }

// Stats returns a copy of the connection's accumulated counters.
func (c *Connection) Stats() Stats { return c.stats }

// Congestion returns a snapshot of the connection's congestion-control
// variables.
func (c *Connection) Congestion() congestion.Snapshot { return c.cc.State() }

// RTO returns the connection's current retransmission timeout.
func (c *Connection) RTO() float64 { return c.estimator.RTO }

// Received returns every payload delivered to the application so far, in
// arrival order.
func (c *Connection) Received() [][]byte { return c.recvBuffer }

// PendingSend returns the number of payloads still waiting in the send
// buffer, not yet placed in flight.
func (c *Connection) PendingSend() int { return len(c.sendBuffer) }

// Connect initiates the three-way handshake. Valid only from Closed or
// SynSent (a retry after a previous attempt); any other state fails with
// ErrIllegalState.
func (c *Connection) Connect(now float64) (segment.Segment, error) {
	if c.state != Closed && c.state != SynSent {
		return segment.Segment{}, fmt.Errorf("connect from %s: %w", c.state, ErrIllegalState)
	}
	if c.state == SynSent {
		c.setState(Closed, now)
	}
	c.seq = uint32(1000 + rand.Intn(9000))
	seg := c.buildSegment(now, segment.SYN, nil)
	c.setState(SynSent, now)
	c.setHandshake(seg, now)
	c.sendOut(seg, now)
	return seg, nil
}

// Send queues payload for transmission. If the congestion window has
// room it is sent immediately (return value's second result is true);
// otherwise it is appended to the send buffer and surfaces later through
// DrainPaced or the drain performed inside HandleAck.
func (c *Connection) Send(payload []byte, now float64) (segment.Segment, bool) {
	if c.state != Established {
		return segment.Segment{}, false
	}
	if len(c.dataUnacked) >= int(c.cc.State().Cwnd) {
		c.sendBuffer = append(c.sendBuffer, payload)
		return segment.Segment{}, false
	}
	return c.sendData(payload, now), true
}

// Close begins teardown: FIN|ACK from Established moves to FinWait1; from
// CloseWait (the passive side, after the peer's FIN) it moves to LastAck.
// Any other state is a no-op.
func (c *Connection) Close(now float64) (segment.Segment, bool) {
	switch c.state {
	case Established:
		seg := c.buildSegment(now, segment.FIN|segment.ACK, nil)
		c.setState(FinWait1, now)
		c.sendOut(seg, now)
		return seg, true
	case CloseWait:
		seg := c.buildSegment(now, segment.FIN|segment.ACK, nil)
		c.setState(LastAck, now)
		c.sendOut(seg, now)
		return seg, true
	}
	return segment.Segment{}, false
}

// DrainPaced emits at most one buffered segment per call, respecting a
// minimum pacing interval and the congestion window. It is meant to be
// driven once per simulation tick.
func (c *Connection) DrainPaced(now float64) (segment.Segment, bool) {
	if len(c.sendBuffer) == 0 {
		return segment.Segment{}, false
	}
	if now-c.lastPacedSendTime < minPacingInterval {
		return segment.Segment{}, false
	}
	if len(c.dataUnacked) >= int(c.cc.State().Cwnd) {
		return segment.Segment{}, false
	}
	payload := c.sendBuffer[0]
	c.sendBuffer = c.sendBuffer[1:]
	seg := c.sendData(payload, now)
	c.lastPacedSendTime = now
	return seg, true
}

// Tick checks every outstanding handshake and data segment for an expired
// retransmission timer, retransmits what has timed out, and returns the
// resent segments.
func (c *Connection) Tick(now float64) []segment.Segment {
	var out []segment.Segment
	out = append(out, c.tickTable(c.handshakeUnacked, now, false)...)
	out = append(out, c.tickTable(c.dataUnacked, now, true)...)
	return out
}

func (c *Connection) tickTable(table []*unackedEntry, now float64, isData bool) []segment.Segment {
	var out []segment.Segment
	for _, e := range table {
		timeout := math.Min(60.0, e.BaseRTO*math.Pow(2, float64(e.RetransmitCount)))
		if now-e.LastSendTime <= timeout {
			continue
		}
		e.RetransmitCount++
		e.LastSendTime = now
		c.stats.Retransmissions++
		if isData {
			snap := c.cc.OnLoss(congestion.Timeout)
			c.emitMetric("cwnd", snap.Cwnd, now)
			c.emitMetric("ssthresh", snap.Ssthresh, now)
			c.emitMetric("rto_event", 1, now)
			// Karn's rule: handleAck never samples the RTT of a
			// retransmitted entry; the send clock restarts here as well.
			e.FirstSendTime = now
		}
		c.sendOut(e.Seg, now)
		out = append(out, e.Seg)
	}
	return out
}

// Deliver feeds an incoming segment into the state machine and returns
// the endpoint's direct, in-line reply, if any. The caller is expected to
// submit that reply back onto the link with source and destination
// swapped.
func (c *Connection) Deliver(seg segment.Segment, now float64) (segment.Segment, bool) {
	if seg.DstPort != c.localPort {
		return segment.Segment{}, false
	}
	c.stats.PacketsReceived++
	c.stats.BytesReceived += uint64(seg.Size())
	if c.cb.OnSegmentReceived != nil {
		c.cb.OnSegmentReceived(seg)
	}

	switch c.state {
	case Listen:
		return c.handleListen(seg, now)
	case SynSent:
		return c.handleSynSent(seg, now)
	case SynReceived:
		return c.handleSynReceived(seg, now)
	case Established:
		return c.handleEstablished(seg, now)
	case FinWait1:
		return c.handleFinWait1(seg, now)
	case FinWait2:
		return c.handleFinWait2(seg, now)
	case Closing:
		return c.handleClosing(seg, now)
	case LastAck:
		return c.handleLastAck(seg, now)
	default:
		return segment.Segment{}, false
	}
}

func (c *Connection) handleListen(seg segment.Segment, now float64) (segment.Segment, bool) {
	if !seg.Has(segment.SYN) {
		return segment.Segment{}, false
	}
	c.ack = seg.Seq + 1
	c.seq = c.synCookie(now)
	reply := c.buildSegment(now, segment.SYN|segment.ACK, nil)
	c.setState(SynReceived, now)
	c.setHandshake(reply, now)
	c.sendOut(reply, now)
	return reply, true
}

func (c *Connection) handleSynSent(seg segment.Segment, now float64) (segment.Segment, bool) {
	switch {
	case seg.Has(segment.SYN) && seg.Has(segment.ACK):
		c.ack = seg.Seq + 1
		reply := c.buildSegment(now, segment.ACK, nil)
		c.handshakeUnacked = nil
		c.setState(Established, now)
		c.sendOut(reply, now)
		return reply, true
	case seg.Has(segment.SYN):
		// Simultaneous open: both sides sent SYN before either saw the
		// other's. Answer with our own SYN|ACK.
		c.ack = seg.Seq + 1
		reply := c.buildSegment(now, segment.SYN|segment.ACK, nil)
		c.setState(SynReceived, now)
		c.setHandshake(reply, now)
		c.sendOut(reply, now)
		return reply, true
	}
	return segment.Segment{}, false
}

func (c *Connection) handleSynReceived(seg segment.Segment, now float64) (segment.Segment, bool) {
	if seg.Has(segment.SYN) && !seg.Has(segment.ACK) {
		// Duplicate SYN while waiting for the final ACK: recompute a fresh
		// cookie-bearing SYN|ACK and count it as a retransmission.
		c.ack = seg.Seq + 1
		c.seq = c.synCookie(now)
		reply := c.buildSegment(now, segment.SYN|segment.ACK, nil)
		c.setHandshake(reply, now)
		if len(c.handshakeUnacked) > 0 {
			c.handshakeUnacked[0].RetransmitCount++
		}
		c.stats.Retransmissions++
		c.sendOut(reply, now)
		return reply, true
	}
	if seg.Has(segment.ACK) {
		if !c.validCookie(now, seg.Ack-1) {
			return segment.Segment{}, false
		}
		c.handshakeUnacked = nil
		c.setState(Established, now)
	}
	return segment.Segment{}, false
}

func (c *Connection) handleEstablished(seg segment.Segment, now float64) (segment.Segment, bool) {
	var reply segment.Segment
	var hasReply bool

	if seg.Has(segment.ACK) {
		reply, hasReply = c.handleAck(seg.Ack, now)
	}

	switch {
	case seg.Has(segment.FIN):
		c.ack = seg.Seq + 1
		reply = c.buildSegment(now, segment.ACK, nil)
		hasReply = true
		c.setState(CloseWait, now)
		c.sendOut(reply, now)
	case seg.Has(segment.SYN):
		// A delayed, already-acknowledged SYN|ACK retransmission from the
		// peer: answer with a bare ACK, stay Established.
		reply = c.buildSegment(now, segment.ACK, nil)
		hasReply = true
		c.sendOut(reply, now)
	case len(seg.Payload) > 0:
		c.recvBuffer = append(c.recvBuffer, seg.Payload)
		c.ack = seg.Seq + uint32(len(seg.Payload))
		if !hasReply {
			reply = c.buildSegment(now, segment.ACK, nil)
			hasReply = true
			c.sendOut(reply, now)
		}
	}

	return reply, hasReply
}

func (c *Connection) handleFinWait1(seg segment.Segment, now float64) (segment.Segment, bool) {
	switch {
	case seg.Has(segment.FIN):
		c.ack = seg.Seq + 1
		reply := c.buildSegment(now, segment.ACK, nil)
		c.setState(Closing, now)
		c.sendOut(reply, now)
		return reply, true
	case seg.Has(segment.ACK):
		c.setState(FinWait2, now)
	}
	return segment.Segment{}, false
}

func (c *Connection) handleFinWait2(seg segment.Segment, now float64) (segment.Segment, bool) {
	if seg.Has(segment.FIN) {
		c.ack = seg.Seq + 1
		reply := c.buildSegment(now, segment.ACK, nil)
		c.setState(TimeWait, now)
		c.sendOut(reply, now)
		return reply, true
	}
	return segment.Segment{}, false
}

func (c *Connection) handleClosing(seg segment.Segment, now float64) (segment.Segment, bool) {
	if seg.Has(segment.ACK) {
		c.setState(TimeWait, now)
	}
	return segment.Segment{}, false
}

func (c *Connection) handleLastAck(seg segment.Segment, now float64) (segment.Segment, bool) {
	if seg.Has(segment.ACK) {
		c.setState(Closed, now)
	}
	return segment.Segment{}, false
}

// handleAck implements the HandleAck dispatch: duplicate-ACK counting and
// fast retransmit, cumulative-ACK sliding and RTT sampling, congestion
// reaction, and an unpaced drain of the send buffer.
func (c *Connection) handleAck(ackNum uint32, now float64) (segment.Segment, bool) {
	isDuplicate := ackNum == c.lastAckNum && c.lastAckNum > 0 && len(c.dataUnacked) > 0
	if isDuplicate {
		if c.dupAckNum != ackNum {
			c.dupAckNum = ackNum
			c.dupAckCount = 0
		}
		c.dupAckCount++
		c.stats.DuplicateAcks++
		if c.dupAckCount == 3 {
			entry := smallestUnacked(c.dataUnacked)
			entry.RetransmitCount++
			entry.LastSendTime = now
			c.stats.Retransmissions++
			c.recover = c.seq
			snap := c.cc.OnLoss(congestion.FastRetransmit)
			c.emitMetric("cwnd", snap.Cwnd, now)
			c.emitMetric("ssthresh", snap.Ssthresh, now)
			c.emitMetric("fast_retx_event", 1, now)
			c.dupAckCount = 0
			if c.cb.OnRetransmitNeeded != nil {
				c.cb.OnRetransmitNeeded(entry.Seg, now)
			}
		}
		return segment.Segment{}, false
	}

	if ackNum > c.lastAckNum {
		c.dupAckNum = 0
		c.dupAckCount = 0
		c.lastAckNum = ackNum
	} else if c.lastAckNum == 0 {
		c.lastAckNum = ackNum
	}

	before := len(c.dataUnacked)
	kept := make([]*unackedEntry, 0, before)
	var lastRTT float64
	for _, e := range c.dataUnacked {
		if e.Seg.EndSeq() > ackNum {
			kept = append(kept, e)
			continue
		}
		if e.RetransmitCount > 0 {
			continue
		}
		lastRTT = now - e.FirstSendTime
		c.estimator.Sample(lastRTT)
	}
	c.dataUnacked = kept

	if len(c.dataUnacked) < before {
		var snap congestion.Snapshot
		inRecovery := c.cc.State().Phase == congestion.FastRecovery
		if inRecovery && c.algoName == "newreno" {
			snap = c.cc.OnAck(now, lastRTT, ackNum, c.recover)
		} else if inRecovery {
			snap = c.cc.OnFastRecoveryExit()
		} else {
			snap = c.cc.OnAck(now, lastRTT, ackNum, c.recover)
		}
		c.emitMetric("cwnd", snap.Cwnd, now)
		c.emitMetric("ssthresh", snap.Ssthresh, now)
	}

	return c.drainSendBuffer(now)
}

// drainSendBuffer sends buffered payloads immediately, without pacing,
// until the congestion window is exhausted. Only the last segment sent
// is returned, matching how a single in-line reply is threaded back
// through Deliver; earlier sends in the same burst are still recorded
// through Stats and OnSegmentSent.
func (c *Connection) drainSendBuffer(now float64) (segment.Segment, bool) {
	var last segment.Segment
	var sent bool
	for len(c.sendBuffer) > 0 && len(c.dataUnacked) < int(c.cc.State().Cwnd) {
		payload := c.sendBuffer[0]
		c.sendBuffer = c.sendBuffer[1:]
		last = c.sendData(payload, now)
		sent = true
	}
	return last, sent
}

func (c *Connection) sendData(payload []byte, now float64) segment.Segment {
	seg := c.buildSegment(now, segment.PSH|segment.ACK, payload)
	c.dataUnacked = append(c.dataUnacked, &unackedEntry{
		Seg:           seg,
		FirstSendTime: now,
		LastSendTime:  now,
		BaseRTO:       c.estimator.RTO,
	})
	snap := c.cc.State()
	c.emitMetric("cwnd", snap.Cwnd, now)
	c.emitMetric("ssthresh", snap.Ssthresh, now)
	c.sendOut(seg, now)
	return seg
}

// buildSegment constructs the next outgoing segment from this
// connection's current seq/ack/window, advancing seq for SYN, FIN, and
// payload bytes exactly as real TCP would.
func (c *Connection) buildSegment(now float64, flags segment.Flags, payload []byte) segment.Segment {
	seg := segment.Segment{
		SrcPort:   c.localPort,
		DstPort:   c.remotePort,
		Seq:       c.seq,
		Ack:       c.ack,
		Flags:     flags,
		Window:    c.recvWindow,
		Payload:   payload,
		Timestamp: now,
	}
	if flags.Has(segment.SYN) || flags.Has(segment.FIN) {
		c.seq++
	} else if len(payload) > 0 {
		c.seq += uint32(len(payload))
	}
	return seg
}

func (c *Connection) setHandshake(seg segment.Segment, now float64) {
	c.handshakeUnacked = []*unackedEntry{{
		Seg:           seg,
		FirstSendTime: now,
		LastSendTime:  now,
		BaseRTO:       c.estimator.RTO,
	}}
}

func (c *Connection) setState(next State, now float64) {
	if c.state == next {
		return
	}
	old := c.state
	c.state = next
	if c.cb.OnStateChange != nil {
		c.cb.OnStateChange(old, next)
	}
	if next == Established {
		snap := c.cc.State()
		c.emitMetric("cwnd", snap.Cwnd, now)
		c.emitMetric("ssthresh", snap.Ssthresh, now)
	}
}

func (c *Connection) emitMetric(name string, value float64, now float64) {
	if c.cb.OnMetric != nil {
		c.cb.OnMetric(name, value, now)
	}
}

func (c *Connection) sendOut(seg segment.Segment, now float64) {
	c.stats.PacketsSent++
	c.stats.BytesSent += uint64(seg.Size())
	if c.cb.OnSegmentSent != nil {
		c.cb.OnSegmentSent(seg)
	}
}

// synCookie computes this connection's SYN cookie for the current time
// slot: HMAC-SHA256(secret, "isn:srcPort:dstPort:timeSlot") truncated to
// 32 bits.
func (c *Connection) synCookie(now float64) uint32 {
	return c.cookieForSlot(cookieSlot(now))
}

func (c *Connection) cookieForSlot(slot uint64) uint32 {
	mac := hmac.New(sha256.New, c.cookieSecret[:])
	fmt.Fprintf(mac, "isn:%d:%d:%d", c.localPort, c.remotePort, slot)
	sum := mac.Sum(nil)
	return binary.BigEndian.Uint32(sum[:4])
}

// validCookie reports whether candidate matches the cookie for the
// current time slot or the immediately preceding one, so a final-ACK
// that arrives with ordinary network delay still validates.
func (c *Connection) validCookie(now float64, candidate uint32) bool {
	slot := cookieSlot(now)
	if candidate == c.cookieForSlot(slot) {
		return true
	}
	if slot > 0 && candidate == c.cookieForSlot(slot-1) {
		return true
	}
	return false
}

func cookieSlot(now float64) uint64 {
	return uint64(now / cookieSlotWidth)
}

func smallestUnacked(table []*unackedEntry) *unackedEntry {
	best := table[0]
	for _, e := range table[1:] {
		if e.Seg.Seq < best.Seg.Seq {
			best = e
		}
	}
	return best
}
