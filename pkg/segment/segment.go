// Package segment defines the immutable wire value exchanged between
// simulated TCP endpoints.
package segment

import (
	"fmt"
	"strings"
)

// Flags is a bitset over the TCP control bits this simulator models.
type Flags uint8

// Flag bit values, matching the control-bit layout real TCP headers use.
const (
	FIN Flags = 0x01
	SYN Flags = 0x02
	RST Flags = 0x04
	PSH Flags = 0x08
	ACK Flags = 0x10
)

// Has reports whether f contains every bit set in flag.
func (f Flags) Has(flag Flags) bool {
	return f&flag == flag
}

func (f Flags) String() string {
	var parts []string
	if f.Has(SYN) {
		parts = append(parts, "SYN")
	}
	if f.Has(FIN) {
		parts = append(parts, "FIN")
	}
	if f.Has(RST) {
		parts = append(parts, "RST")
	}
	if f.Has(PSH) {
		parts = append(parts, "PSH")
	}
	if f.Has(ACK) {
		parts = append(parts, "ACK")
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return strings.Join(parts, ",")
}

// headerSize is the simulated TCP header size in bytes; the payload is
// added on top of it to compute on-wire size.
const headerSize = 20

// Segment is an immutable description of one TCP segment. Once
// constructed, a Segment's fields are never mutated; retransmission resends
// the same value rather than editing it in place.
type Segment struct {
	SrcPort, DstPort uint16
	Seq, Ack         uint32
	Flags            Flags
	Window           uint16
	Payload          []byte
	Timestamp        float64
}

// Has reports whether the segment carries the given flag.
func (s Segment) Has(flag Flags) bool {
	return s.Flags.Has(flag)
}

// Size returns the simulated on-wire size of the segment in bytes.
func (s Segment) Size() int {
	return headerSize + len(s.Payload)
}

// EndSeq returns the sequence number one past the last byte (or control
// bit) this segment occupies: SYN and FIN each consume one sequence
// number, just as in real TCP.
func (s Segment) EndSeq() uint32 {
	length := uint32(len(s.Payload))
	if s.Has(SYN) || s.Has(FIN) {
		length++
	}
	return s.Seq + length
}

func (s Segment) String() string {
	return fmt.Sprintf("TCP[%d->%d] SEQ=%d ACK=%d FLAGS=%s WIN=%d DATA=%dB",
		s.SrcPort, s.DstPort, s.Seq, s.Ack, s.Flags, s.Window, len(s.Payload))
}
