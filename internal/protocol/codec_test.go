package protocol

import (
	"testing"

	"github.com/mingda/feedercabinet/internal/canframe"
)

func TestDecodeHandshakeAck(t *testing.T) {
	f, _ := canframe.New(canframe.IDHandshakeResponse, []byte{ProtocolVersion})
	evt := Decode(f)
	ack, ok := evt.(HandshakeAck)
	if !ok {
		t.Fatalf("Decode = %#v, want HandshakeAck", evt)
	}
	if ack.ProtocolVersion != ProtocolVersion {
		t.Errorf("ProtocolVersion = %d, want %d", ack.ProtocolVersion, ProtocolVersion)
	}
}

func TestDecodeHandshakeAckTooShort(t *testing.T) {
	f, _ := canframe.New(canframe.IDHandshakeResponse, nil)
	if _, ok := Decode(f).(MalformedFrame); !ok {
		t.Fatal("expected MalformedFrame for empty handshake response")
	}
}

func TestDecodeUnexpectedArbitrationID(t *testing.T) {
	f, _ := canframe.New(0x123, []byte{0x01})
	if _, ok := Decode(f).(MalformedFrame); !ok {
		t.Fatal("expected MalformedFrame for an unrecognized arbitration id")
	}
}

func TestDecodeRejectsOutboundOnlyCommand(t *testing.T) {
	// CmdRequestFeed only travels printer->cabinet; the cabinet never
	// echoes it back, so decoding one inbound is unrecognized.
	f := EncodeRequestFeed(3, true)
	f.ID = canframe.IDCommandIn
	if _, ok := Decode(f).(MalformedFrame); !ok {
		t.Fatalf("Decode(%v) = %#v, want MalformedFrame", f, Decode(f))
	}
}

func TestEncodeDecodeMappingResponseRoundTrip(t *testing.T) {
	triples := []MappingTriple{{ExtruderID: 0, ZoneID: 1}, {ExtruderID: 2, ZoneID: 3}}
	f := EncodeMappingResponse(triples)
	f.ID = canframe.IDCommandIn
	f.Payload[0] = byte(CmdMappingSet) // reuse the mapping-set decoder, same wire shape
	evt := Decode(f)
	set, ok := evt.(MappingSet)
	if !ok {
		t.Fatalf("Decode = %#v, want MappingSet", evt)
	}
	if len(set.Triples) != len(triples) {
		t.Fatalf("got %d triples, want %d", len(set.Triples), len(triples))
	}
	for i, tr := range triples {
		if set.Triples[i] != tr {
			t.Errorf("triple %d = %+v, want %+v", i, set.Triples[i], tr)
		}
	}
}

func TestDecodeRFIDStartResponseVsNotifyByteOrder(t *testing.T) {
	// bytes: [cmd, sessionID, b2, b3=totalPackets, b4,b5=totalBytes, b6, b7=dataSource]
	payload := []byte{byte(CmdRFIDNotifyStart), 0x07, /*channel*/ 0x02, 0x05, 0x00, 0x10, /*extruder*/ 0x01, 0x00}
	f, _ := canframe.New(canframe.IDCommandIn, payload)

	notify := Decode(f).(RFIDStartEvent)
	if notify.Frame.ChannelID != 0x02 || notify.Frame.ExtruderID != 0x01 {
		t.Errorf("notify start: channel=%d extruder=%d, want channel=2 extruder=1", notify.Frame.ChannelID, notify.Frame.ExtruderID)
	}

	payload[0] = byte(CmdRFIDResponseStart)
	f, _ = canframe.New(canframe.IDCommandIn, payload)
	resp := Decode(f).(RFIDStartEvent)
	if resp.Frame.ExtruderID != 0x02 || resp.Frame.ChannelID != 0x01 {
		t.Errorf("response start: extruder=%d channel=%d, want extruder=2 channel=1", resp.Frame.ExtruderID, resp.Frame.ChannelID)
	}
}

func TestDecodeRFIDDataClampsValidByteCount(t *testing.T) {
	payload := []byte{byte(CmdRFIDDataPacket), 0x01, 0x00, 0xFF, 0xAA, 0xBB, 0xCC, 0xDD}
	f, _ := canframe.New(canframe.IDCommandIn, payload)
	evt := Decode(f).(RFIDDataEvent)
	if evt.Frame.ValidByteCount != 4 {
		t.Errorf("ValidByteCount = %d, want clamped to 4", evt.Frame.ValidByteCount)
	}
}

func TestEncodeHeartbeatAndPrintNotify(t *testing.T) {
	hb := EncodeHeartbeat()
	if hb.ID != canframe.IDCommandOut || hb.Payload[0] != byte(CmdHeartbeat) {
		t.Errorf("unexpected heartbeat frame: %+v", hb)
	}

	notify := EncodePrintNotify(CmdPrintPausedRunout, 5, true)
	if len(notify.Payload) != 2 || notify.Payload[1] != 5 {
		t.Errorf("unexpected print notify frame: %+v", notify)
	}

	notifyNoExtruder := EncodePrintNotify(CmdPrintStarted, 0, false)
	if len(notifyNoExtruder.Payload) != 1 {
		t.Errorf("expected single-byte payload when hasExtruder is false, got %+v", notifyNoExtruder)
	}
}
