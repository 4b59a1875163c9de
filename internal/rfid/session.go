package rfid

import (
	"sort"
	"sync"
	"time"

	"github.com/mingda/feedercabinet/internal/logging"
)

// session is one in-progress RFID transfer, keyed by extruder id.
type session struct {
	sessionID    byte
	extruderID   int
	channelID    int
	totalPackets int
	expectedLen  int
	received     map[int][4]byte // packetNo -> raw 4-byte fragment
	receivedLen  map[int]int     // packetNo -> valid byte count
	startedAt    time.Time
	lastProgress time.Time
	fromManual   bool
}

func newSession(f StartFrame, now time.Time) *session {
	return &session{
		sessionID:    f.SessionID,
		extruderID:   int(f.ExtruderID),
		channelID:    int(f.ChannelID),
		totalPackets: int(f.TotalPackets),
		expectedLen:  int(f.TotalBytes),
		received:     make(map[int][4]byte),
		receivedLen:  make(map[int]int),
		startedAt:    now,
		lastProgress: now,
		fromManual:   f.FromManual,
	}
}

// receivedByteCount sums the valid bytes of every fragment seen so far.
func (s *session) receivedByteCount() int {
	total := 0
	for _, n := range s.receivedLen {
		total += n
	}
	return total
}

// assemble concatenates fragments in packet-number order into the
// declared byte length. It is only called once every expected packet
// has arrived (checked by the caller), so missing packets never reach
// here.
func (s *session) assemble() []byte {
	buf := make([]byte, 0, s.expectedLen)
	for i := 1; i <= s.totalPackets; i++ {
		frag, ok := s.received[i]
		if !ok {
			continue
		}
		n := s.receivedLen[i]
		buf = append(buf, frag[:n]...)
	}
	if len(buf) > s.expectedLen {
		buf = buf[:s.expectedLen]
	}
	return buf
}

// Reassembler owns every active RFID transfer session and drives them
// from raw wire frames to completed FilamentRecord values. The engine
// calls HandleStart/HandleData/HandleEnd/HandleError from its receive
// loop and ReapExpired/Progress from separate timer goroutines, so a
// mutex guards the session map rather than relying on single-goroutine
// ownership.
type Reassembler struct {
	mu       sync.Mutex
	sessions map[int]*session // keyed by extruder id
	log      logging.Logger
}

// NewReassembler builds an empty Reassembler.
func NewReassembler(log logging.Logger) *Reassembler {
	if log == nil {
		log = logging.Get()
	}
	return &Reassembler{sessions: make(map[int]*session), log: log}
}

// HandleStart opens a new session for the frame's extruder. A START
// for an extruder with an active session cancels the old one (unless
// it shares the same session id, treated as a restart of the same
// transfer rather than a conflict).
func (r *Reassembler) HandleStart(f StartFrame, now time.Time) *SessionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	extruder := int(f.ExtruderID)
	if old, ok := r.sessions[extruder]; ok && old.sessionID != f.SessionID {
		evt := &SessionEvent{
			ExtruderID: old.extruderID,
			ChannelID:  old.channelID,
			SessionID:  old.sessionID,
			Outcome:    Cancelled,
			Err:        errCancelledBySuperseding,
			At:         now,
		}
		r.log.Info("rfid session superseded by new start",
			"subsystem", "rfid", "extruder_id", extruder, "old_session", old.sessionID, "new_session", f.SessionID)
		r.sessions[extruder] = newSession(f, now)
		return evt
	}

	r.sessions[extruder] = newSession(f, now)
	r.log.Info("rfid transfer started",
		"subsystem", "rfid", "extruder_id", extruder, "channel_id", f.ChannelID,
		"total_packets", f.TotalPackets, "total_bytes", f.TotalBytes, "is_response", f.IsResponse)
	return nil
}

// HandleData applies one data fragment. A mismatched session id,
// non-monotonic packet number beyond the declared total, or a
// valid-byte-count that would overflow the declared length is logged
// and dropped without aborting the session, since the cabinet may
// retransmit.
func (r *Reassembler) HandleData(f DataFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.sessionID != f.SessionID {
			continue
		}
		r.applyData(s, f)
		return
	}
	r.log.Warn("rfid data packet for unknown session", "subsystem", "rfid", "session_id", f.SessionID)
}

func (r *Reassembler) applyData(s *session, f DataFrame) {
	if int(f.PacketNo) < 1 || int(f.PacketNo) > s.totalPackets {
		r.log.Warn("rfid data packet number out of range", "subsystem", "rfid",
			"session_id", f.SessionID, "packet_no", f.PacketNo, "total_packets", s.totalPackets)
		return
	}
	valid := int(f.ValidByteCount)
	if valid < 1 || valid > 4 {
		r.log.Warn("rfid data packet invalid byte count", "subsystem", "rfid", "valid_byte_count", f.ValidByteCount)
		return
	}
	offset := (int(f.PacketNo) - 1) * 4
	if offset+valid > s.expectedLen {
		r.log.Warn("rfid data packet exceeds expected length", "subsystem", "rfid",
			"session_id", f.SessionID, "packet_no", f.PacketNo)
		return
	}

	if existing, ok := s.received[int(f.PacketNo)]; ok {
		// Duplicate packet number: the first copy is kept and the
		// retransmit is dropped, whether or not its data matches. A
		// mismatch is only logged; it does not abort the session, and
		// the END checksum is computed over the kept copies.
		if existing != f.Data || s.receivedLen[int(f.PacketNo)] != valid {
			r.log.Warn("rfid duplicate packet with mismatched data", "subsystem", "rfid",
				"session_id", f.SessionID, "packet_no", f.PacketNo)
		}
		return
	}

	s.received[int(f.PacketNo)] = f.Data
	s.receivedLen[int(f.PacketNo)] = valid
	s.lastProgress = time.Now()
}

// HandleEnd finalizes a session: verifies packet count, byte count,
// and checksum, parses the OpenTag record on
// success, and always removes the session afterward.
func (r *Reassembler) HandleEnd(f EndFrame, now time.Time) SessionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var s *session
	var extruder int
	for id, cand := range r.sessions {
		if cand.sessionID == f.SessionID {
			s = cand
			extruder = id
			break
		}
	}
	if s == nil {
		r.log.Warn("rfid end for unknown session", "subsystem", "rfid", "session_id", f.SessionID)
		return SessionEvent{Outcome: Cancelled, Err: errUnknownSession, At: now, SessionID: f.SessionID}
	}
	defer delete(r.sessions, extruder)

	base := SessionEvent{ExtruderID: s.extruderID, ChannelID: s.channelID, SessionID: s.sessionID, At: now}

	if int(f.TotalPackets) != s.totalPackets {
		base.Outcome = LengthMismatch
		base.Err = errTotalPacketsMismatch
		return base
	}
	if s.receivedByteCount() != s.expectedLen {
		base.Outcome = LengthMismatch
		base.Err = errByteCountMismatch
		return base
	}

	raw := s.assemble()
	sum := checksum16(raw)
	if sum != f.Checksum {
		base.Outcome = ChecksumError
		base.Err = errChecksumMismatch
		return base
	}

	record, err := ParseOpenTag(raw)
	if err != nil {
		base.Outcome = ChecksumError
		base.Err = err
		return base
	}

	base.Outcome = Complete
	base.Record = record
	r.log.Info("rfid transfer complete", "subsystem", "rfid", "extruder_id", s.extruderID,
		"manufacturer", record.Manufacturer, "material", record.MaterialName)
	return base
}

// HandleError cancels any active session for the named extruder and
// reports the primary/extended error codes carried by the 0x19 frame.
func (r *Reassembler) HandleError(f ErrorFrame, now time.Time) SessionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	extruder := int(f.ExtruderID)
	evt := SessionEvent{ExtruderID: extruder, Outcome: ErrorFrameReceived, At: now,
		Err: newRFIDError(f.PrimaryError, f.ExtendedError)}
	if s, ok := r.sessions[extruder]; ok {
		evt.ChannelID = s.channelID
		evt.SessionID = s.sessionID
		delete(r.sessions, extruder)
	}
	return evt
}

// ReapExpired cancels any session whose age has reached timeout as of
// now, returning one TransferTimeout event per cancelled session. A
// session whose age exactly equals timeout at reaper wakeup is
// cancelled: the comparison is >=, not >.
func (r *Reassembler) ReapExpired(now time.Time, timeout time.Duration) []SessionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var events []SessionEvent
	for extruder, s := range r.sessions {
		if now.Sub(s.lastProgress) >= timeout {
			events = append(events, SessionEvent{
				ExtruderID: s.extruderID,
				ChannelID:  s.channelID,
				SessionID:  s.sessionID,
				Outcome:    Timeout,
				Err:        errTransferTimeout,
				At:         now,
			})
			delete(r.sessions, extruder)
		}
	}
	return events
}

// ActiveCount returns the number of sessions currently in flight, for
// diagnostics.
func (r *Reassembler) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// SessionProgress is a point-in-time read of one in-flight transfer,
// for diagnostics display.
type SessionProgress struct {
	ExtruderID int
	Fraction   float64 // 0..1, bytes received over declared total
}

// Progress reports the completion fraction of every active session,
// ordered by extruder id, for the status dashboard's progress bars.
func (r *Reassembler) Progress() []SessionProgress {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SessionProgress, 0, len(r.sessions))
	for extruder, s := range r.sessions {
		frac := 0.0
		if s.expectedLen > 0 {
			frac = float64(s.receivedByteCount()) / float64(s.expectedLen)
			if frac > 1 {
				frac = 1
			}
		}
		out = append(out, SessionProgress{ExtruderID: extruder, Fraction: frac})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExtruderID < out[j].ExtruderID })
	return out
}
