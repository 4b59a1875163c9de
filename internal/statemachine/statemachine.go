// Package statemachine owns the supervisory SystemState and enforces
// that every committed transition appears in the fixed transition
// table. It is the single writer of system state; everything else
// only reads a snapshot or requests a transition.
package statemachine

import (
	"strconv"
	"sync"

	"github.com/mingda/feedercabinet/internal/logging"
)

// Kind enumerates the SystemState variants.
type Kind int

const (
	Starting Kind = iota
	Idle
	Printing
	Paused
	Runout
	Feeding
	Resuming
	Error
	Disconnected
)

func (k Kind) String() string {
	switch k {
	case Starting:
		return "Starting"
	case Idle:
		return "Idle"
	case Printing:
		return "Printing"
	case Paused:
		return "Paused"
	case Runout:
		return "Runout"
	case Feeding:
		return "Feeding"
	case Resuming:
		return "Resuming"
	case Error:
		return "Error"
	case Disconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// State is a SystemState value: a Kind plus the extruder id payload
// that Runout/Paused/Feeding/Resuming carry, and an error kind string
// for Error. ExtruderID is -1 when the variant carries none.
type State struct {
	Kind       Kind
	ExtruderID int
	ErrKind    string
}

func (s State) String() string {
	switch s.Kind {
	case Runout, Paused, Feeding, Resuming:
		return s.Kind.String() + "(" + strconv.Itoa(s.ExtruderID) + ")"
	case Error:
		return s.Kind.String() + "(" + s.ErrKind + ")"
	default:
		return s.Kind.String()
	}
}

// Event is the tagged-variant trigger set driving transitions, one
// constructor function per row of the transition table.
type Event struct {
	name       string
	extruderID int
	errKind    string
}

func ComponentsReady() Event           { return Event{name: "components_ready"} }
func LinkLost() Event                  { return Event{name: "link_lost"} }
func LinkUp() Event                    { return Event{name: "link_up"} }
func PrintStarted() Event              { return Event{name: "print_started"} }
func SensorRunout(extruderID int) Event { return Event{name: "sensor_runout", extruderID: extruderID} }
func PauseConfirmed() Event            { return Event{name: "pause_confirmed"} }
func RequestFeed() Event               { return Event{name: "request_feed"} }
func FeedComplete() Event              { return Event{name: "feed_complete"} }
func ResumeConfirmed() Event           { return Event{name: "resume_confirmed"} }
func FatalError(kind string) Event     { return Event{name: "fatal_error", errKind: kind} }
func OperatorReset() Event             { return Event{name: "operator_reset"} }

// Machine serializes transitions through a single mutex. OnTransition, if set, is
// invoked after each successful commit, never holding the lock.
type Machine struct {
	mu   sync.Mutex
	cur  State
	prev State // the state Disconnected returns to on link_up

	log logging.Logger

	cbMu         sync.Mutex
	onTransition func(from, to State)
}

// New builds a Machine starting in Starting.
func New(log logging.Logger) *Machine {
	if log == nil {
		log = logging.Get()
	}
	return &Machine{cur: State{Kind: Starting, ExtruderID: -1}, log: log}
}

// OnTransition registers the callback invoked after every committed
// transition. Only one callback is supported; a later call replaces
// the earlier callback.
func (m *Machine) OnTransition(f func(from, to State)) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onTransition = f
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}

// Apply attempts the transition triggered by evt. It returns the new
// state and whether the transition was legal; an illegal transition
// leaves the state unchanged and is logged, never silently promoted.
func (m *Machine) Apply(evt Event) (State, bool) {
	m.mu.Lock()
	from := m.cur
	to, ok := next(from, evt)
	if !ok {
		m.mu.Unlock()
		m.log.Warn("statemachine: illegal transition rejected", logging.Fields("statemachine", "illegal_transition", "from", from.String(), "event", evt.name)...)
		return from, false
	}
	if from.Kind == Disconnected && evt.name == "link_up" {
		to = m.prev
	}
	if from.Kind != Disconnected && evt.name == "link_lost" {
		m.prev = from
	}
	m.cur = to
	m.mu.Unlock()

	m.cbMu.Lock()
	cb := m.onTransition
	m.cbMu.Unlock()
	if cb != nil {
		cb(from, to)
	}
	m.log.Info("statemachine: transition", logging.Fields("statemachine", "transition", "from", from.String(), "to", to.String())...)
	return to, true
}

// next implements the supervisory transition table. A (state, event)
// pair absent from this function is illegal.
func next(from State, evt Event) (State, bool) {
	// "any" rows take priority, matching the table's own "any ->" rows.
	switch evt.name {
	case "link_lost":
		if from.Kind == Disconnected {
			return from, false
		}
		return State{Kind: Disconnected, ExtruderID: -1}, true
	case "link_up":
		if from.Kind != Disconnected {
			return from, false
		}
		return State{Kind: Idle, ExtruderID: -1}, true // overwritten with prior state by caller
	case "fatal_error":
		return State{Kind: Error, ExtruderID: -1, ErrKind: evt.errKind}, true
	}

	switch from.Kind {
	case Starting:
		if evt.name == "components_ready" {
			return State{Kind: Idle, ExtruderID: -1}, true
		}
	case Idle:
		if evt.name == "print_started" {
			return State{Kind: Printing, ExtruderID: -1}, true
		}
	case Printing:
		if evt.name == "sensor_runout" {
			return State{Kind: Runout, ExtruderID: evt.extruderID}, true
		}
	case Runout:
		if evt.name == "pause_confirmed" {
			return State{Kind: Paused, ExtruderID: from.ExtruderID}, true
		}
	case Paused:
		if evt.name == "request_feed" {
			return State{Kind: Feeding, ExtruderID: from.ExtruderID}, true
		}
	case Feeding:
		if evt.name == "feed_complete" {
			return State{Kind: Resuming, ExtruderID: from.ExtruderID}, true
		}
	case Resuming:
		if evt.name == "resume_confirmed" {
			return State{Kind: Printing, ExtruderID: -1}, true
		}
	case Error:
		if evt.name == "operator_reset" {
			return State{Kind: Idle, ExtruderID: -1}, true
		}
	}
	return from, false
}
