// Package simulator binds one client Connection, one server Connection,
// and one Link into a runnable two-endpoint TCP simulation. It owns
// nothing the core components don't already expose: its only job is to
// route segments between Deliver/Tick/DrainPaced and the Link, breaking
// the callback cycle the core's OnRetransmitNeeded hook would otherwise
// create between pkg/conn and pkg/link.
package simulator

import (
	"fmt"

	"github.com/kdavies/tcpsim/pkg/conn"
	"github.com/kdavies/tcpsim/pkg/link"
	"github.com/kdavies/tcpsim/pkg/segment"
)

// Side identifies which endpoint of the simulated connection a callback
// or history entry refers to.
type Side int

const (
	Client Side = iota
	Server
)

func (s Side) String() string {
	if s == Client {
		return "CLIENT"
	}
	return "SERVER"
}

// Config configures both endpoints and the link between them.
type Config struct {
	ClientPort, ServerPort uint16
	CongestionAlgorithm    string
	Link                   link.Config
}

// Callbacks is the optional observer a Simulator reports through. It is
// the union of both connections' callbacks, tagged with Side, plus the
// link's transmission events.
type Callbacks struct {
	OnStateChange     func(side Side, old, new conn.State)
	OnSegmentSent     func(side Side, seg segment.Segment)
	OnSegmentReceived func(side Side, seg segment.Segment)
	OnMetric          func(side Side, name string, value float64, timestamp float64)
	OnTransmitted     func(seg segment.Segment, status link.TransmitStatus)
}

// Simulator drives a client/server Connection pair across a Link.
type Simulator struct {
	client     *conn.Connection
	server     *conn.Connection
	lnk        *link.Link
	clientPort uint16
	serverPort uint16
}

// New constructs both endpoints and the link between them, wiring every
// connection callback to tag its Side and forward to cb, and wiring
// OnRetransmitNeeded to submit the retransmitted segment onto the link
// toward the opposite endpoint.
func New(cfg Config, cb Callbacks) (*Simulator, error) {
	s := &Simulator{clientPort: cfg.ClientPort, serverPort: cfg.ServerPort}
	s.lnk = link.New(cfg.Link, link.Callbacks{OnTransmitted: cb.OnTransmitted})

	client, err := conn.New(conn.Config{
		LocalPort:           cfg.ClientPort,
		RemotePort:          cfg.ServerPort,
		CongestionAlgorithm: cfg.CongestionAlgorithm,
	}, s.callbacksFor(Client, cfg.ServerPort, cb))
	if err != nil {
		return nil, fmt.Errorf("simulator: constructing client connection: %w", err)
	}

	server, err := conn.New(conn.Config{
		LocalPort:           cfg.ServerPort,
		RemotePort:          cfg.ClientPort,
		IsServer:            true,
		CongestionAlgorithm: cfg.CongestionAlgorithm,
	}, s.callbacksFor(Server, cfg.ClientPort, cb))
	if err != nil {
		return nil, fmt.Errorf("simulator: constructing server connection: %w", err)
	}

	s.client = client
	s.server = server
	return s, nil
}

func (s *Simulator) callbacksFor(side Side, peerPort uint16, cb Callbacks) conn.Callbacks {
	return conn.Callbacks{
		OnStateChange: func(old, new conn.State) {
			if cb.OnStateChange != nil {
				cb.OnStateChange(side, old, new)
			}
		},
		OnSegmentSent: func(seg segment.Segment) {
			if cb.OnSegmentSent != nil {
				cb.OnSegmentSent(side, seg)
			}
		},
		OnSegmentReceived: func(seg segment.Segment) {
			if cb.OnSegmentReceived != nil {
				cb.OnSegmentReceived(side, seg)
			}
		},
		OnMetric: func(name string, value, timestamp float64) {
			if cb.OnMetric != nil {
				cb.OnMetric(side, name, value, timestamp)
			}
		},
		OnRetransmitNeeded: func(seg segment.Segment, now float64) {
			s.lnk.Submit(seg, peerPort, now)
		},
	}
}

// Client returns the client-side connection, for inspection by callers
// (state, stats, congestion snapshot).
func (s *Simulator) Client() *conn.Connection { return s.client }

// Server returns the server-side connection.
func (s *Simulator) Server() *conn.Connection { return s.server }

// Start begins the three-way handshake by sending the client's SYN onto
// the link.
func (s *Simulator) Start(now float64) error {
	syn, err := s.client.Connect(now)
	if err != nil {
		return err
	}
	s.lnk.Submit(syn, s.serverPort, now)
	return nil
}

// SendFromClient queues payload on the client connection, submitting it
// onto the link immediately if the congestion window allows.
func (s *Simulator) SendFromClient(payload []byte, now float64) bool {
	seg, sent := s.client.Send(payload, now)
	if sent {
		s.lnk.Submit(seg, s.serverPort, now)
	}
	return sent
}

// SendFromServer is the server-side analogue of SendFromClient.
func (s *Simulator) SendFromServer(payload []byte, now float64) bool {
	seg, sent := s.server.Send(payload, now)
	if sent {
		s.lnk.Submit(seg, s.clientPort, now)
	}
	return sent
}

// CloseClient initiates or continues teardown from the client side.
func (s *Simulator) CloseClient(now float64) bool {
	seg, ok := s.client.Close(now)
	if ok {
		s.lnk.Submit(seg, s.serverPort, now)
	}
	return ok
}

// CloseServer is the server-side analogue of CloseClient.
func (s *Simulator) CloseServer(now float64) bool {
	seg, ok := s.server.Close(now)
	if ok {
		s.lnk.Submit(seg, s.clientPort, now)
	}
	return ok
}

// Tick advances the simulation by one step at simulation time now: it
// delivers every segment that has arrived at the link, feeds any direct
// reply back onto the link, retries anything whose retransmission timer
// has expired on either connection, and gives each connection one
// opportunity to drain its paced send buffer.
func (s *Simulator) Tick(now float64) {
	for _, delivery := range s.lnk.Tick(now) {
		s.deliver(delivery, now)
	}

	for _, seg := range s.client.Tick(now) {
		s.lnk.Submit(seg, s.serverPort, now)
	}
	for _, seg := range s.server.Tick(now) {
		s.lnk.Submit(seg, s.clientPort, now)
	}

	if seg, ok := s.client.DrainPaced(now); ok {
		s.lnk.Submit(seg, s.serverPort, now)
	}
	if seg, ok := s.server.DrainPaced(now); ok {
		s.lnk.Submit(seg, s.clientPort, now)
	}
}

func (s *Simulator) deliver(d link.Delivery, now float64) {
	var dest *conn.Connection
	var replyTarget uint16
	switch d.DestPort {
	case s.clientPort:
		dest = s.client
		replyTarget = s.serverPort
	case s.serverPort:
		dest = s.server
		replyTarget = s.clientPort
	default:
		return
	}
	if reply, ok := dest.Deliver(d.Seg, now); ok {
		s.lnk.Submit(reply, replyTarget, now)
	}
}

// Idle reports whether the simulation has nothing left to do: no
// segments in flight and both send buffers empty. A driver can use this
// to decide when to stop advancing ticks.
func (s *Simulator) Idle() bool {
	return s.lnk.Pending() == 0 && s.client.PendingSend() == 0 && s.server.PendingSend() == 0
}
