package segment

import "testing"

func TestFlagsHas(t *testing.T) {
	f := SYN | ACK
	if !f.Has(SYN) || !f.Has(ACK) {
		t.Fatalf("expected SYN and ACK set, got %s", f)
	}
	if f.Has(FIN) {
		t.Fatalf("did not expect FIN set, got %s", f)
	}
}

func TestFlagsString(t *testing.T) {
	cases := []struct {
		flags Flags
		want  string
	}{
		{0, "NONE"},
		{SYN, "SYN"},
		{SYN | ACK, "SYN,ACK"},
		{FIN | ACK, "FIN,ACK"},
	}
	for _, c := range cases {
		if got := c.flags.String(); got != c.want {
			t.Errorf("Flags(%d).String() = %q, want %q", c.flags, got, c.want)
		}
	}
}

func TestSize(t *testing.T) {
	s := Segment{Payload: []byte("hello")}
	if got := s.Size(); got != 25 {
		t.Fatalf("Size() = %d, want 25", got)
	}
}

func TestEndSeqPlainData(t *testing.T) {
	s := Segment{Seq: 100, Payload: []byte("abc")}
	if got := s.EndSeq(); got != 103 {
		t.Fatalf("EndSeq() = %d, want 103", got)
	}
}

func TestEndSeqSYNConsumesOne(t *testing.T) {
	s := Segment{Seq: 100, Flags: SYN}
	if got := s.EndSeq(); got != 101 {
		t.Fatalf("EndSeq() = %d, want 101", got)
	}
}

func TestEndSeqFINWithPayload(t *testing.T) {
	s := Segment{Seq: 100, Flags: FIN, Payload: []byte("ab")}
	if got := s.EndSeq(); got != 103 {
		t.Fatalf("EndSeq() = %d, want 103", got)
	}
}

func TestString(t *testing.T) {
	s := Segment{SrcPort: 5000, DstPort: 8000, Seq: 1, Ack: 2, Flags: SYN | ACK, Window: 65535}
	got := s.String()
	want := "TCP[5000->8000] SEQ=1 ACK=2 FLAGS=SYN,ACK WIN=65535 DATA=0B"
	if got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}
