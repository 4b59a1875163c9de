package protocol

import "github.com/mingda/feedercabinet/internal/rfid"

// InboundEvent is the tagged-variant sum type for everything the
// engine can deliver from the wire. Each concrete type below is a
// variant; switching over a non-exhaustive set is a compile-time
// smell the old dict-shaped status snapshot could never catch.
type InboundEvent interface {
	inboundEvent()
}

// HandshakeAck is the cabinet's response to our handshake request.
type HandshakeAck struct {
	ProtocolVersion byte
}

// FilamentStatusQuery is the cabinet asking "who has filament" (0x0D).
type FilamentStatusQuery struct{}

// LegacyExtruderStatusQuery is the deprecated 0x03 alias of FilamentStatusQuery.
type LegacyExtruderStatusQuery struct{}

// MappingQuery is the cabinet asking for the extruder->zone map (0x0A).
type MappingQuery struct{}

// HeartbeatEvent is an inbound liveness frame; it carries no data and
// exists only to refresh the link's last-rx timestamp.
type HeartbeatEvent struct{}

// MappingSet pushes a new extruder->zone map from the cabinet (0x0C).
type MappingSet struct {
	Triples []MappingTriple
}

// MappingTriple is one (extruder_id, buffer_zone_id) pairing as carried
// on the wire.
type MappingTriple struct {
	ExtruderID byte
	ZoneID     byte
}

// RFIDStartEvent wraps a package-rfid StartFrame, after the decoder has
// already normalized the byte-position swap between the NOTIFY (0x14)
// and RESPONSE (0x16) variants.
type RFIDStartEvent struct {
	Frame rfid.StartFrame
}

// RFIDDataEvent wraps one 0x17 fragment.
type RFIDDataEvent struct {
	Frame rfid.DataFrame
}

// RFIDEndEvent wraps the 0x18 finalization frame.
type RFIDEndEvent struct {
	Frame rfid.EndFrame
}

// RFIDErrorEvent wraps the 0x19 error frame.
type RFIDErrorEvent struct {
	Frame rfid.ErrorFrame
}

// MalformedFrame is emitted (and logged, never propagated further) when
// a frame can't be decoded into any known variant.
type MalformedFrame struct {
	Reason string
	Raw    []byte
}

func (HandshakeAck) inboundEvent()              {}
func (FilamentStatusQuery) inboundEvent()       {}
func (LegacyExtruderStatusQuery) inboundEvent() {}
func (MappingQuery) inboundEvent()              {}
func (HeartbeatEvent) inboundEvent()            {}
func (MappingSet) inboundEvent()                {}
func (RFIDStartEvent) inboundEvent()            {}
func (RFIDDataEvent) inboundEvent()             {}
func (RFIDEndEvent) inboundEvent()              {}
func (RFIDErrorEvent) inboundEvent()            {}
func (MalformedFrame) inboundEvent()            {}
