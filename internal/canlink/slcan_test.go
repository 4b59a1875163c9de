package canlink

import (
	"testing"

	"github.com/mingda/feedercabinet/internal/canframe"
)

func TestSLCANLineRoundTrip(t *testing.T) {
	f, err := canframe.New(canframe.IDCommandOut, []byte{0x01, 0x02, 0x03})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	line := encodeSLCANLine(f)
	got, ok := decodeSLCANLine(line[:len(line)-1]) // strip trailing \r, matching ReadString('\r') + TrimSpace
	if !ok {
		t.Fatalf("decodeSLCANLine(%q) failed", line)
	}
	if got.ID != f.ID || string(got.Payload) != string(f.Payload) {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, f)
	}
}

func TestSLCANLineRoundTripEmptyPayload(t *testing.T) {
	f, _ := canframe.New(canframe.IDHandshakeRequest, nil)
	line := encodeSLCANLine(f)
	got, ok := decodeSLCANLine(line[:len(line)-1])
	if !ok {
		t.Fatalf("decodeSLCANLine(%q) failed", line)
	}
	if got.ID != f.ID || len(got.Payload) != 0 {
		t.Errorf("got %+v, want id %X and empty payload", got, f.ID)
	}
}

func TestDecodeSLCANLineRejectsGarbage(t *testing.T) {
	cases := []string{"", "x", "t12", "tZZZ0", "t1012FF"}
	for _, c := range cases {
		if _, ok := decodeSLCANLine(c); ok {
			t.Errorf("decodeSLCANLine(%q) should have failed", c)
		}
	}
}

func TestBitrateToSetCommand(t *testing.T) {
	if got := bitrateToSetCommand(500000); got != "S6" {
		t.Errorf("bitrateToSetCommand(500000) = %q, want S6", got)
	}
	if got := bitrateToSetCommand(999); got != "S8" {
		t.Errorf("bitrateToSetCommand(999) = %q, want default S8", got)
	}
}
