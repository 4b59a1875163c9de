package protocol

import (
	"fmt"

	"github.com/mingda/feedercabinet/internal/canframe"
	"github.com/mingda/feedercabinet/internal/rfid"
)

// Decode turns one inbound application frame (canframe.IDCommandIn or
// canframe.IDHandshakeResponse) into its typed InboundEvent. Frames
// that are too short or carry an unrecognized command yield
// MalformedFrame rather than an error: malformed input is logged and
// dropped, never propagated.
func Decode(f canframe.Frame) InboundEvent {
	if f.ID == canframe.IDHandshakeResponse {
		if len(f.Payload) < 1 {
			return MalformedFrame{Reason: "handshake response too short", Raw: f.Payload}
		}
		return HandshakeAck{ProtocolVersion: f.Payload[0]}
	}

	if f.ID != canframe.IDCommandIn {
		return MalformedFrame{Reason: fmt.Sprintf("unexpected arbitration id 0x%X", f.ID), Raw: f.Payload}
	}
	if len(f.Payload) < 1 {
		return MalformedFrame{Reason: "empty payload", Raw: f.Payload}
	}

	cmd := Command(f.Payload[0])
	switch cmd {
	case CmdHeartbeat:
		return HeartbeatEvent{}
	case CmdFilamentStatusQuery:
		return FilamentStatusQuery{}
	case CmdExtruderStatusQueryLegacy:
		return LegacyExtruderStatusQuery{}
	case CmdMappingQuery:
		return MappingQuery{}
	case CmdMappingSet:
		return decodeMappingSet(f)
	case CmdRFIDNotifyStart:
		return decodeRFIDStart(f, false)
	case CmdRFIDResponseStart:
		return decodeRFIDStart(f, true)
	case CmdRFIDDataPacket:
		return decodeRFIDData(f)
	case CmdRFIDDataEnd:
		return decodeRFIDEnd(f)
	case CmdRFIDError:
		return decodeRFIDError(f)
	default:
		return MalformedFrame{Reason: fmt.Sprintf("unrecognized command 0x%02X", cmd), Raw: f.Payload}
	}
}

// decodeMappingSet parses [cmd, n, (extruder,zone)*n] up to the 8-byte
// frame limit (at most 3 pairs per frame).
func decodeMappingSet(f canframe.Frame) InboundEvent {
	if len(f.Payload) < 2 {
		return MalformedFrame{Reason: "mapping set too short", Raw: f.Payload}
	}
	n := int(f.Payload[1])
	var triples []MappingTriple
	for i := 0; i < n; i++ {
		off := 2 + i*2
		if off+1 >= len(f.Payload) {
			break
		}
		triples = append(triples, MappingTriple{ExtruderID: f.Payload[off], ZoneID: f.Payload[off+1]})
	}
	return MappingSet{Triples: triples}
}

// decodeRFIDStart decodes the NOTIFY (0x14) and RESPONSE (0x16) start
// frames. The two differ only in whether bytes 2 and 6 are
// (channel_id, extruder_id) or (extruder_id, channel_id).
func decodeRFIDStart(f canframe.Frame, isResponse bool) InboundEvent {
	if len(f.Payload) < 8 {
		return MalformedFrame{Reason: "rfid start too short", Raw: f.Payload}
	}
	sessionID := f.Payload[1]
	totalPackets := f.Payload[3]
	totalBytes := uint16(f.Payload[4])<<8 | uint16(f.Payload[5])
	dataSource := f.Payload[7]

	var channelID, extruderID byte
	if isResponse {
		extruderID = f.Payload[2]
		channelID = f.Payload[6]
	} else {
		channelID = f.Payload[2]
		extruderID = f.Payload[6]
	}

	return RFIDStartEvent{Frame: rfid.StartFrame{
		IsResponse:   isResponse,
		SessionID:    sessionID,
		ChannelID:    channelID,
		TotalPackets: totalPackets,
		TotalBytes:   totalBytes,
		ExtruderID:   extruderID,
		FromManual:   dataSource != 0,
	}}
}

func decodeRFIDData(f canframe.Frame) InboundEvent {
	if len(f.Payload) < 4 {
		return MalformedFrame{Reason: "rfid data too short", Raw: f.Payload}
	}
	valid := f.Payload[3]
	if valid > 4 {
		valid = 4
	}
	var data [4]byte
	copy(data[:], f.Payload[4:min(8, len(f.Payload))])
	return RFIDDataEvent{Frame: rfid.DataFrame{
		SessionID:      f.Payload[1],
		PacketNo:       f.Payload[2],
		ValidByteCount: valid,
		Data:           data,
	}}
}

func decodeRFIDEnd(f canframe.Frame) InboundEvent {
	if len(f.Payload) < 6 {
		return MalformedFrame{Reason: "rfid end too short", Raw: f.Payload}
	}
	return RFIDEndEvent{Frame: rfid.EndFrame{
		SessionID:    f.Payload[1],
		TotalPackets: f.Payload[2],
		Checksum:     uint16(f.Payload[3])<<8 | uint16(f.Payload[4]),
		Status:       f.Payload[5],
	}}
}

func decodeRFIDError(f canframe.Frame) InboundEvent {
	if len(f.Payload) < 5 {
		return MalformedFrame{Reason: "rfid error too short", Raw: f.Payload}
	}
	return RFIDErrorEvent{Frame: rfid.ErrorFrame{
		ExtruderID:    f.Payload[2],
		PrimaryError:  f.Payload[3],
		ExtendedError: f.Payload[4],
	}}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// --- Outbound encoders ---

// EncodeHandshakeRequest builds the fixed handshake request payload.
func EncodeHandshakeRequest(protocolVersion byte) canframe.Frame {
	f, _ := canframe.New(canframe.IDHandshakeRequest, []byte{protocolVersion})
	return f
}

// EncodeRequestFeed builds the 0x01 request-feed command.
func EncodeRequestFeed(extruderID byte, force bool) canframe.Frame {
	var forceByte byte
	if force {
		forceByte = 1
	}
	f, _ := canframe.New(canframe.IDCommandOut, []byte{byte(CmdRequestFeed), extruderID, forceByte})
	return f
}

// EncodeCancelFeed builds the 0x02 cancel-feed command.
func EncodeCancelFeed(extruderID byte) canframe.Frame {
	f, _ := canframe.New(canframe.IDCommandOut, []byte{byte(CmdCancelFeed), extruderID})
	return f
}

// EncodeFilamentStatusResponse builds the 0x0E reply to an inbound
// 0x0D/0x03 status query.
func EncodeFilamentStatusResponse(validity, bitmap byte) canframe.Frame {
	f, _ := canframe.New(canframe.IDCommandOut, []byte{byte(CmdFilamentStatusResponse), validity, bitmap})
	return f
}

// EncodeMappingResponse builds the 0x0B reply to an inbound 0x0A
// mapping query, packing up to 3 (extruder,zone) pairs per frame.
func EncodeMappingResponse(triples []MappingTriple) canframe.Frame {
	payload := []byte{byte(CmdMappingResponse), byte(len(triples))}
	for _, t := range triples {
		if len(payload) >= canframe.MaxPayloadLen-1 {
			break
		}
		payload = append(payload, t.ExtruderID, t.ZoneID)
	}
	f, _ := canframe.New(canframe.IDCommandOut, payload)
	return f
}

// EncodePrintNotify builds one of the 0x04..0x09 print-state
// notifications, optionally carrying the affected extruder id.
func EncodePrintNotify(cmd Command, extruderID byte, hasExtruder bool) canframe.Frame {
	payload := []byte{byte(cmd)}
	if hasExtruder {
		payload = append(payload, extruderID)
	}
	f, _ := canframe.New(canframe.IDCommandOut, payload)
	return f
}

// EncodeHeartbeat builds the periodic liveness frame sent every second
// while the link is Up.
func EncodeHeartbeat() canframe.Frame {
	f, _ := canframe.New(canframe.IDCommandOut, []byte{byte(CmdHeartbeat)})
	return f
}

// EncodeRFIDDataRequest builds the 0x15 request for RFID raw data.
func EncodeRFIDDataRequest(seq, extruderID byte) canframe.Frame {
	f, _ := canframe.New(canframe.IDCommandOut, []byte{byte(CmdRFIDDataRequest), seq, extruderID})
	return f
}
