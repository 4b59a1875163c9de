package protocol

import (
	"context"
	"sync"
	"time"

	"github.com/mingda/feedercabinet/internal/canframe"
	"github.com/mingda/feedercabinet/internal/canlink"
	"github.com/mingda/feedercabinet/internal/logging"
	"github.com/mingda/feedercabinet/internal/rfid"
)

const (
	handshakeRetryInterval = 500 * time.Millisecond
	handshakeDeadline      = 10 * time.Second
	heartbeatInterval      = time.Second
	staleLinkTimeout        = 5 * time.Second
)

// link is the subset of *canlink.Link the engine depends on, kept as
// an interface so tests can swap in a fake transport pair.
type link interface {
	Send(f canframe.Frame) error
	Recv() <-chan canframe.Frame
	Err() <-chan error
}

// Engine runs the handshake/heartbeat link lifecycle on top of a
// canlink.Link, decodes inbound frames into InboundEvent, drives the
// RFID reassembler, and exposes an outbound send queue with heartbeat
// head-of-line priority.
type Engine struct {
	l       link
	log     logging.Logger
	seq     SeqCounter
	reapIvl time.Duration
	rfidTO  time.Duration

	reassembler *rfid.Reassembler

	mu         sync.Mutex
	state      LinkState
	lastRxTime time.Time

	outbound chan canframe.Frame // FIFO; heartbeats are sent directly, bypassing this queue

	Events  chan InboundEvent
	Sessions chan rfid.SessionEvent
	StateChanges chan LinkState
}

// NewEngine builds an Engine over l. rfidTimeout and reapInterval
// configure the RFID session reaper.
func NewEngine(l link, log logging.Logger, rfidTimeout, reapInterval time.Duration) *Engine {
	if log == nil {
		log = logging.Get()
	}
	return &Engine{
		l:            l,
		log:          log,
		reapIvl:      reapInterval,
		rfidTO:       rfidTimeout,
		reassembler:  rfid.NewReassembler(log),
		outbound:     make(chan canframe.Frame, 64),
		Events:       make(chan InboundEvent, 64),
		Sessions:     make(chan rfid.SessionEvent, 16),
		StateChanges: make(chan LinkState, 8),
	}
}

func (e *Engine) setState(s LinkState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
	select {
	case e.StateChanges <- s:
	default:
	}
}

// State returns the current link state.
func (e *Engine) State() LinkState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Run drives the handshake, then the heartbeat/receive/reaper loops,
// until ctx is done or a fatal handshake error occurs.
func (e *Engine) Run(ctx context.Context) error {
	e.setState(LinkConnecting)
	if err := e.handshake(ctx); err != nil {
		e.setState(LinkClosed)
		return err
	}
	e.setState(LinkUp)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); e.receiveLoop(ctx) }()
	go func() { defer wg.Done(); e.heartbeatLoop(ctx) }()
	go func() { defer wg.Done(); e.reapLoop(ctx) }()
	wg.Wait()
	return nil
}

func (e *Engine) handshake(ctx context.Context) error {
	e.setState(LinkHandshaking)
	deadline := time.Now().Add(handshakeDeadline)
	ticker := time.NewTicker(handshakeRetryInterval)
	defer ticker.Stop()

	e.l.Send(EncodeHandshakeRequest(ProtocolVersion))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				return errHandshakeTimeout("no handshake response within deadline")
			}
			e.l.Send(EncodeHandshakeRequest(ProtocolVersion))
		case f := <-e.l.Recv():
			evt := Decode(f)
			if ack, ok := evt.(HandshakeAck); ok {
				e.touchRx()
				if ack.ProtocolVersion != ProtocolVersion {
					return errVersionMismatch("cabinet reported incompatible protocol version")
				}
				return nil
			}
			// Non-handshake traffic before Up is logged and dropped.
			e.log.Debug("protocol: frame received during handshake, ignored", logging.Fields("protocol", "handshake_noise")...)
		}
	}
}

func (e *Engine) touchRx() {
	e.mu.Lock()
	e.lastRxTime = time.Now()
	e.mu.Unlock()
}

func (e *Engine) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-e.l.Recv():
			if !ok {
				return
			}
			e.touchRx()
			e.dispatch(Decode(f))
		case frame := <-e.outbound:
			e.l.Send(frame)
		}
	}
}

func (e *Engine) dispatch(evt InboundEvent) {
	switch v := evt.(type) {
	case HeartbeatEvent:
		// last-rx timestamp already refreshed by the caller; nothing else to do.
	case RFIDStartEvent:
		if cancelled := e.reassembler.HandleStart(v.Frame, time.Now()); cancelled != nil {
			e.emitSession(*cancelled)
		}
	case RFIDDataEvent:
		e.reassembler.HandleData(v.Frame)
	case RFIDEndEvent:
		e.emitSession(e.reassembler.HandleEnd(v.Frame, time.Now()))
	case RFIDErrorEvent:
		e.emitSession(e.reassembler.HandleError(v.Frame, time.Now()))
	case MalformedFrame:
		e.log.Warn("protocol: malformed frame dropped", logging.Fields("protocol", "malformed_frame", "reason", v.Reason)...)
	default:
		select {
		case e.Events <- evt:
		default:
			e.log.Warn("protocol: inbound event channel full, dropping event", logging.Fields("protocol", "backpressure")...)
		}
	}
}

func (e *Engine) emitSession(evt rfid.SessionEvent) {
	select {
	case e.Sessions <- evt:
	default:
		e.log.Warn("protocol: session event channel full, dropping event", logging.Fields("protocol", "backpressure")...)
	}
}

func (e *Engine) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	staleCheck := time.NewTicker(staleLinkTimeout)
	defer staleCheck.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Heartbeats bypass the outbound FIFO and go straight to
			// the wire so a busy queue never delays liveness.
			e.l.Send(EncodeHeartbeat())
		case <-staleCheck.C:
			e.mu.Lock()
			stale := !e.lastRxTime.IsZero() && time.Since(e.lastRxTime) >= staleLinkTimeout
			e.mu.Unlock()
			if stale {
				e.setState(LinkReconnecting)
				return
			}
		}
	}
}

func (e *Engine) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(e.reapIvl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, evt := range e.reassembler.ReapExpired(time.Now(), e.rfidTO) {
				e.emitSession(evt)
			}
		}
	}
}

// Send queues an outbound frame on the FIFO.
func (e *Engine) Send(f canframe.Frame) error {
	select {
	case e.outbound <- f:
		return nil
	default:
		return canlink.ErrTransportDown
	}
}

// NextSeq returns the next wrapping sequence byte for correlation.
func (e *Engine) NextSeq() byte { return e.seq.Next() }

// RFIDProgress reports the completion fraction of every in-flight RFID
// transfer, for the diagnostics snapshot.
func (e *Engine) RFIDProgress() []rfid.SessionProgress { return e.reassembler.Progress() }
