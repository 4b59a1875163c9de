// Package protocol implements the feeder-cabinet application protocol:
// message codec, link handshake/heartbeat, and the fragmented RFID
// transfer reassembler, all riding on canframe.Frame over a
// canlink.Transport.
package protocol

// Command is the byte-0 command code of every application message
// exchanged on canframe.IDCommandOut / canframe.IDCommandIn.
type Command byte

// Command codes, fixed by the paired cabinet firmware.
const (
	// CmdHeartbeat has no wire value assigned in the command table;
	// 0x00 is unused there, so it is used here for the periodic
	// liveness frame described in prose.
	CmdHeartbeat                 Command = 0x00
	CmdRequestFeed               Command = 0x01
	CmdCancelFeed                Command = 0x02
	CmdExtruderStatusQueryLegacy Command = 0x03 // deprecated alias of CmdFilamentStatusQuery
	CmdPrintStarted              Command = 0x04
	CmdPrintPausedRunout         Command = 0x05
	CmdPrintResumed              Command = 0x06
	CmdPrintCompleted            Command = 0x07
	CmdPrintCancelled            Command = 0x08
	CmdPrintError                Command = 0x09
	CmdMappingQuery              Command = 0x0A
	CmdMappingResponse           Command = 0x0B
	CmdMappingSet                Command = 0x0C
	CmdFilamentStatusQuery       Command = 0x0D
	CmdFilamentStatusResponse    Command = 0x0E

	CmdRFIDNotifyStart   Command = 0x14
	CmdRFIDDataRequest   Command = 0x15
	CmdRFIDResponseStart Command = 0x16
	CmdRFIDDataPacket    Command = 0x17
	CmdRFIDDataEnd       Command = 0x18
	CmdRFIDError         Command = 0x19
)

func (c Command) String() string {
	switch c {
	case CmdHeartbeat:
		return "Heartbeat"
	case CmdRequestFeed:
		return "RequestFeed"
	case CmdCancelFeed:
		return "CancelFeed"
	case CmdExtruderStatusQueryLegacy:
		return "ExtruderStatusQueryLegacy"
	case CmdPrintStarted:
		return "PrintStarted"
	case CmdPrintPausedRunout:
		return "PrintPausedRunout"
	case CmdPrintResumed:
		return "PrintResumed"
	case CmdPrintCompleted:
		return "PrintCompleted"
	case CmdPrintCancelled:
		return "PrintCancelled"
	case CmdPrintError:
		return "PrintError"
	case CmdMappingQuery:
		return "MappingQuery"
	case CmdMappingResponse:
		return "MappingResponse"
	case CmdMappingSet:
		return "MappingSet"
	case CmdFilamentStatusQuery:
		return "FilamentStatusQuery"
	case CmdFilamentStatusResponse:
		return "FilamentStatusResponse"
	case CmdRFIDNotifyStart:
		return "RFIDNotifyStart"
	case CmdRFIDDataRequest:
		return "RFIDDataRequest"
	case CmdRFIDResponseStart:
		return "RFIDResponseStart"
	case CmdRFIDDataPacket:
		return "RFIDDataPacket"
	case CmdRFIDDataEnd:
		return "RFIDDataEnd"
	case CmdRFIDError:
		return "RFIDError"
	default:
		return "Unknown"
	}
}

// PrintNotifyCommand maps a print-state notification kind to its wire
// command code.
type PrintNotifyCommand Command

const (
	NotifyPrintStarted   = CmdPrintStarted
	NotifyPrintRunout    = CmdPrintPausedRunout
	NotifyPrintResumed   = CmdPrintResumed
	NotifyPrintCompleted = CmdPrintCompleted
	NotifyPrintCancelled = CmdPrintCancelled
	NotifyPrintError     = CmdPrintError
)
