// Package rfid implements the fragmented RFID transfer reassembler
// and the OpenTag filament-record parser, grounded on this codebase's own
// Helios telemetry-bundle fragment parsing style, adapted from a
// length-prefixed single-frame payload to a multi-frame CAN transfer.
package rfid

import "time"

// StartFrame is the opening frame of a transfer: either a cabinet-
// initiated push (command 0x14, IsResponse=false) or a reply to our
// own request (command 0x16, IsResponse=true). The byte swap
// between the two wire layouts is resolved by the caller before this
// struct is built, so downstream code never cares which one it was;
// IsResponse is only logged. Restart handling depends on SessionID.
type StartFrame struct {
	IsResponse   bool
	SessionID    byte
	ChannelID    byte
	TotalPackets byte
	TotalBytes   uint16
	ExtruderID   byte
	FromManual   bool
}

// DataFrame is one 0x17 fragment.
type DataFrame struct {
	SessionID      byte
	PacketNo       byte
	ValidByteCount byte
	Data           [4]byte
}

// EndFrame is the 0x18 finalization frame.
type EndFrame struct {
	SessionID    byte
	TotalPackets byte
	Checksum     uint16
	Status       byte
}

// ErrorFrame is the 0x19 error frame.
type ErrorFrame struct {
	ExtruderID    byte
	PrimaryError  byte
	ExtendedError byte
}

// Primary RFID error codes carried by ErrorFrame.
const (
	ErrReadFail   byte = 0x01
	ErrNoFilament byte = 0x02
	ErrInvalidData byte = 0x03
	ErrTimeout    byte = 0x04
	ErrNoMapping  byte = 0x05
	ErrBusy       byte = 0x06
)

// SessionEvent is emitted by the Reassembler whenever a session
// resolves, successfully or not.
type SessionEvent struct {
	ExtruderID int
	ChannelID  int
	SessionID  byte
	Outcome    Outcome
	Record     *FilamentRecord // non-nil only when Outcome == Complete
	Err        error
	At         time.Time
}

// Outcome classifies how a transfer session ended.
type Outcome int

const (
	Complete Outcome = iota
	ChecksumError
	LengthMismatch
	Timeout
	Cancelled
	ErrorFrameReceived
)

func (o Outcome) String() string {
	switch o {
	case Complete:
		return "complete"
	case ChecksumError:
		return "checksum_error"
	case LengthMismatch:
		return "length_mismatch"
	case Timeout:
		return "timeout"
	case Cancelled:
		return "cancelled"
	case ErrorFrameReceived:
		return "error_frame"
	default:
		return "unknown"
	}
}
