package rfid

import (
	"testing"
	"time"
)

// fragment splits b into 4-byte wire fragments, as the cabinet would
// when sending a START followed by N DATA packets.
func fragment(b []byte) []DataFrame {
	var frames []DataFrame
	for i := 0; i*4 < len(b); i++ {
		var d [4]byte
		n := copy(d[:], b[i*4:])
		frames = append(frames, DataFrame{PacketNo: byte(i + 1), ValidByteCount: byte(n), Data: d})
	}
	return frames
}

func runTransfer(t *testing.T, r *Reassembler, sessionID byte, extruderID byte, payload []byte) SessionEvent {
	t.Helper()
	now := time.Now()
	start := StartFrame{
		SessionID:    sessionID,
		ChannelID:    0,
		TotalPackets: byte((len(payload) + 3) / 4),
		TotalBytes:   uint16(len(payload)),
		ExtruderID:   extruderID,
	}
	if evt := r.HandleStart(start, now); evt != nil {
		t.Fatalf("unexpected session event on start: %+v", evt)
	}
	for _, f := range fragment(payload) {
		f.SessionID = sessionID
		r.HandleData(f)
	}
	end := EndFrame{
		SessionID:    sessionID,
		TotalPackets: start.TotalPackets,
		Checksum:     checksum16(payload),
		Status:       0,
	}
	return r.HandleEnd(end, now)
}

func openTagPayload(manufacturer, material string) []byte {
	buf := make([]byte, minOpenTagLen)
	buf[0] = 1 // tag version low byte
	copy(buf[2:], manufacturer)
	copy(buf[18:], material)
	// color name at 34..66 left blank
	// diameter target at offset 66
	buf[66] = 0xD6 // 1750 low byte
	buf[67] = 0x06
	return buf
}

func TestRoundTripFragmentReassemble(t *testing.T) {
	r := NewReassembler(nil)
	payload := openTagPayload("Acme", "PLA")

	evt := runTransfer(t, r, 0x01, 0, payload)
	if evt.Outcome != Complete {
		t.Fatalf("expected Complete, got %v (%v)", evt.Outcome, evt.Err)
	}
	if evt.Record.Manufacturer != "Acme" {
		t.Errorf("manufacturer = %q, want Acme", evt.Record.Manufacturer)
	}
	if evt.Record.MaterialName != "PLA" {
		t.Errorf("material = %q, want PLA", evt.Record.MaterialName)
	}
	if evt.Record.DiameterTarget != 1750 {
		t.Errorf("diameter = %d, want 1750", evt.Record.DiameterTarget)
	}
	if r.ActiveCount() != 0 {
		t.Errorf("expected no active sessions after completion, got %d", r.ActiveCount())
	}
}

func TestChecksumMismatchAbortsSession(t *testing.T) {
	r := NewReassembler(nil)
	now := time.Now()
	payload := openTagPayload("Acme", "PLA")

	start := StartFrame{SessionID: 2, TotalPackets: byte((len(payload) + 3) / 4), TotalBytes: uint16(len(payload)), ExtruderID: 0}
	r.HandleStart(start, now)
	for _, f := range fragment(payload) {
		f.SessionID = 2
		r.HandleData(f)
	}
	end := EndFrame{SessionID: 2, TotalPackets: start.TotalPackets, Checksum: checksum16(payload) + 1}
	evt := r.HandleEnd(end, now)
	if evt.Outcome != ChecksumError {
		t.Fatalf("expected ChecksumError, got %v", evt.Outcome)
	}
	if r.ActiveCount() != 0 {
		t.Errorf("session should be removed after abort, active=%d", r.ActiveCount())
	}
}

func TestZeroLengthTransferIsEmptyRecordNotError(t *testing.T) {
	r := NewReassembler(nil)
	now := time.Now()
	start := StartFrame{SessionID: 3, TotalPackets: 0, TotalBytes: 0, ExtruderID: 1}
	r.HandleStart(start, now)
	end := EndFrame{SessionID: 3, TotalPackets: 0, Checksum: 0}
	evt := r.HandleEnd(end, now)
	if evt.Outcome != Complete {
		t.Fatalf("expected Complete for zero-length transfer, got %v (%v)", evt.Outcome, evt.Err)
	}
	if evt.Record == nil {
		t.Fatal("expected non-nil empty record")
	}
}

func TestOneByteTransfer(t *testing.T) {
	r := NewReassembler(nil)
	now := time.Now()
	payload := []byte{0x42}
	start := StartFrame{SessionID: 4, TotalPackets: 1, TotalBytes: 1, ExtruderID: 0}
	r.HandleStart(start, now)
	r.HandleData(DataFrame{SessionID: 4, PacketNo: 1, ValidByteCount: 1, Data: [4]byte{0x42, 0, 0, 0}})
	end := EndFrame{SessionID: 4, TotalPackets: 1, Checksum: checksum16(payload)}
	evt := r.HandleEnd(end, now)
	// Below the OpenTag minimum length, so parsing itself fails: this
	// is a boundary case about packetization, not about producing a
	// valid filament record.
	if evt.Outcome == Complete {
		t.Fatalf("1-byte payload should not parse as a full OpenTag record")
	}
}

func TestDuplicatePacketIdempotent(t *testing.T) {
	r := NewReassembler(nil)
	now := time.Now()
	payload := openTagPayload("Acme", "PLA")
	start := StartFrame{SessionID: 5, TotalPackets: byte((len(payload) + 3) / 4), TotalBytes: uint16(len(payload)), ExtruderID: 0}
	r.HandleStart(start, now)
	frames := fragment(payload)
	for _, f := range frames {
		f.SessionID = 5
		r.HandleData(f)
		r.HandleData(f) // duplicate, identical
	}
	end := EndFrame{SessionID: 5, TotalPackets: start.TotalPackets, Checksum: checksum16(payload)}
	evt := r.HandleEnd(end, now)
	if evt.Outcome != Complete {
		t.Fatalf("expected Complete despite duplicate packets, got %v (%v)", evt.Outcome, evt.Err)
	}
}

func TestConflictingStartCancelsOldSession(t *testing.T) {
	r := NewReassembler(nil)
	now := time.Now()
	r.HandleStart(StartFrame{SessionID: 10, TotalPackets: 2, TotalBytes: 8, ExtruderID: 0}, now)
	evt := r.HandleStart(StartFrame{SessionID: 11, TotalPackets: 2, TotalBytes: 8, ExtruderID: 0}, now)
	if evt == nil || evt.Outcome != Cancelled {
		t.Fatalf("expected cancellation event for superseded session, got %+v", evt)
	}
	if r.ActiveCount() != 1 {
		t.Fatalf("expected exactly one active session after restart, got %d", r.ActiveCount())
	}
}

func TestRestartWithSameSessionIDIsNotAConflict(t *testing.T) {
	r := NewReassembler(nil)
	now := time.Now()
	r.HandleStart(StartFrame{SessionID: 20, TotalPackets: 2, TotalBytes: 8, ExtruderID: 0}, now)
	evt := r.HandleStart(StartFrame{SessionID: 20, TotalPackets: 2, TotalBytes: 8, ExtruderID: 0}, now)
	if evt != nil {
		t.Fatalf("same session id restart should not emit a cancellation event, got %+v", evt)
	}
}

func TestReapExpiredAtExactBoundary(t *testing.T) {
	r := NewReassembler(nil)
	start := time.Now()
	r.HandleStart(StartFrame{SessionID: 30, TotalPackets: 1, TotalBytes: 4, ExtruderID: 0}, start)

	timeout := 10 * time.Second
	events := r.ReapExpired(start.Add(timeout), timeout)
	if len(events) != 1 {
		t.Fatalf("expected session to be reaped exactly at the timeout boundary, got %d events", len(events))
	}
	if events[0].Outcome != Timeout {
		t.Fatalf("expected Timeout outcome, got %v", events[0].Outcome)
	}
}

func TestProgressReportsFractionSortedByExtruder(t *testing.T) {
	r := NewReassembler(nil)
	now := time.Now()
	r.HandleStart(StartFrame{SessionID: 50, TotalPackets: 4, TotalBytes: 16, ExtruderID: 1}, now)
	r.HandleStart(StartFrame{SessionID: 51, TotalPackets: 4, TotalBytes: 16, ExtruderID: 0}, now)
	r.HandleData(DataFrame{SessionID: 50, PacketNo: 1, ValidByteCount: 4, Data: [4]byte{1, 2, 3, 4}})

	p := r.Progress()
	if len(p) != 2 {
		t.Fatalf("expected 2 in-flight sessions, got %d", len(p))
	}
	if p[0].ExtruderID != 0 || p[1].ExtruderID != 1 {
		t.Fatalf("expected ascending extruder order, got %+v", p)
	}
	if p[1].Fraction != 0.25 {
		t.Errorf("extruder 1 fraction = %v, want 0.25", p[1].Fraction)
	}
	if p[0].Fraction != 0 {
		t.Errorf("extruder 0 fraction = %v, want 0", p[0].Fraction)
	}
}

func TestErrorFrameCancelsActiveSession(t *testing.T) {
	r := NewReassembler(nil)
	now := time.Now()
	r.HandleStart(StartFrame{SessionID: 40, TotalPackets: 1, TotalBytes: 4, ExtruderID: 2}, now)
	evt := r.HandleError(ErrorFrame{ExtruderID: 2, PrimaryError: ErrNoFilament, ExtendedError: 0}, now)
	if evt.Outcome != ErrorFrameReceived {
		t.Fatalf("expected ErrorFrameReceived, got %v", evt.Outcome)
	}
	if r.ActiveCount() != 0 {
		t.Fatalf("expected session removed after error frame, active=%d", r.ActiveCount())
	}
}
