// Package orchestrator wires printer-observer events and protocol
// events into state-manager transitions, issuing protocol sends and
// printer actions as side effects. After the components_ready
// transition that the daemon's main applies at startup, it is the sole
// writer to the state manager. It holds only borrowed references to
// the protocol engine and observer.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/mingda/feedercabinet/internal/canframe"
	"github.com/mingda/feedercabinet/internal/diag"
	"github.com/mingda/feedercabinet/internal/logging"
	"github.com/mingda/feedercabinet/internal/mapping"
	"github.com/mingda/feedercabinet/internal/printerobserver"
	"github.com/mingda/feedercabinet/internal/protocol"
	"github.com/mingda/feedercabinet/internal/rfid"
	"github.com/mingda/feedercabinet/internal/statemachine"
)

// Engine is the subset of *protocol.Engine the orchestrator depends
// on, kept as an interface for testability.
type Engine interface {
	Send(f canframe.Frame) error
	NextSeq() byte
	RFIDProgress() []rfid.SessionProgress
}

// Sink is the subset of *rfid.Sink the orchestrator depends on.
type Sink interface {
	Write(extruderID int, rec *rfid.FilamentRecord) error
}

// Printer is the subset of *printerobserver.Observer the orchestrator
// depends on.
type Printer interface {
	Pause() error
	Resume() error
	Cancel() error
	RunGCode(line string) error
}

// Options configures feature gates sourced from configuration.
type Options struct {
	RunoutEnabled      bool
	RFIDEnabled        bool
	AutoSetTemperature bool
}

// Orchestrator is the message pump tying the other components
// together: it owns no state of its own beyond borrowed references
// and per-sensor / per-extruder bookkeeping needed to translate
// observer events.
type Orchestrator struct {
	sm      *statemachine.Machine
	tbl     *mapping.Table
	engine  Engine
	printer Printer
	sink    Sink
	diag    *diag.Publisher
	log     logging.Logger
	opts    Options

	sensorNames    []string // sensorNames[i] watches extruder i, per config order
	sensorState    map[string]bool
	activeExtruder int
}

// New builds an Orchestrator. diagPub may be nil if no diagnostics
// socket is configured. sensorNames[i] is the filament-sensor object
// name watching extruder i.
func New(sm *statemachine.Machine, tbl *mapping.Table, sensorNames []string, engine Engine, printer Printer, sink Sink, diagPub *diag.Publisher, opts Options, log logging.Logger) *Orchestrator {
	if log == nil {
		log = logging.Get()
	}
	return &Orchestrator{
		sm:             sm,
		tbl:            tbl,
		sensorNames:    sensorNames,
		engine:         engine,
		printer:        printer,
		sink:           sink,
		diag:           diagPub,
		opts:           opts,
		log:            log,
		sensorState:    make(map[string]bool),
		activeExtruder: tbl.DefaultActive(),
	}
}

// Run drains protocolEvents, sessionEvents, and observerEvents until
// ctx is done. Apart from the ComponentsReady transition applied by
// main at startup, it and the RequestFeed/FeedComplete methods are the
// only callers of statemachine.Machine.Apply.
func (o *Orchestrator) Run(ctx context.Context, protocolEvents <-chan protocol.InboundEvent, sessionEvents <-chan rfid.SessionEvent, observerEvents <-chan printerobserver.ObserverEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-protocolEvents:
			if !ok {
				return
			}
			o.handleProtocolEvent(evt)
		case evt, ok := <-sessionEvents:
			if !ok {
				return
			}
			o.handleSessionEvent(evt)
		case evt, ok := <-observerEvents:
			if !ok {
				return
			}
			o.handleObserverEvent(evt)
		}
	}
}

func (o *Orchestrator) handleProtocolEvent(evt protocol.InboundEvent) {
	switch v := evt.(type) {
	case protocol.FilamentStatusQuery, protocol.LegacyExtruderStatusQuery:
		o.replyFilamentStatus()
	case protocol.MappingQuery:
		o.replyMapping()
	case protocol.MappingSet:
		o.log.Info("orchestrator: mapping set received from cabinet", logging.Fields("orchestrator", "mapping_set", "count", len(v.Triples))...)
	}
}

func (o *Orchestrator) replyFilamentStatus() {
	hasFilament := make(map[int]bool)
	for extruderID, zone := range o.zoneMap() {
		sensor := o.sensorForExtruder(extruderID)
		hasFilament[zone] = o.sensorState[sensor]
	}
	bitmap, err := mapping.EncodeStatus(hasFilament, o.tbl.ZoneCount())
	if err != nil {
		o.log.Error("orchestrator: encode filament status failed", logging.Fields("orchestrator", "encode_error", "err", err.Error())...)
		return
	}
	o.engine.Send(protocol.EncodeFilamentStatusResponse(0, bitmap))
}

func (o *Orchestrator) replyMapping() {
	var triples []protocol.MappingTriple
	for extruderID, zone := range o.zoneMap() {
		triples = append(triples, protocol.MappingTriple{ExtruderID: byte(extruderID), ZoneID: byte(zone)})
	}
	o.engine.Send(protocol.EncodeMappingResponse(triples))
}

func (o *Orchestrator) zoneMap() map[int]int {
	out := make(map[int]int)
	for _, extruderID := range o.tbl.Extruders() {
		if zone, ok := o.tbl.Zone(extruderID); ok {
			out[extruderID] = zone
		}
	}
	return out
}

// sensorForExtruder returns the configured sensor name for extruderID.
func (o *Orchestrator) sensorForExtruder(extruderID int) string {
	if extruderID < 0 || extruderID >= len(o.sensorNames) {
		return ""
	}
	return o.sensorNames[extruderID]
}

func (o *Orchestrator) handleSessionEvent(evt rfid.SessionEvent) {
	if evt.Outcome != rfid.Complete {
		o.log.Warn("orchestrator: rfid session ended without a record", logging.Fields("orchestrator", "rfid_session_failed", "extruder", evt.ExtruderID, "outcome", evt.Outcome.String())...)
		return
	}
	if o.sink != nil && evt.Record != nil {
		if err := o.sink.Write(evt.ExtruderID, evt.Record); err != nil {
			o.log.Error("orchestrator: write filament record failed", logging.Fields("orchestrator", "sink_error", "err", err.Error())...)
		}
	}
	if o.opts.AutoSetTemperature && evt.Record != nil && o.printer != nil {
		o.printer.RunGCode(setTemperatureGCode(evt.Record))
	}
}

func setTemperatureGCode(rec *rfid.FilamentRecord) string {
	return fmt.Sprintf("M104 S%d\nM140 S%d", rec.PrintTemp, rec.BedTemp)
}

func (o *Orchestrator) handleObserverEvent(evt printerobserver.ObserverEvent) {
	switch v := evt.(type) {
	case printerobserver.PrintStateChanged:
		o.handlePrintStateChanged(v)
	case printerobserver.SensorChanged:
		o.handleSensorChanged(v)
	case printerobserver.ActiveExtruderChanged:
		o.activeExtruder = v.ExtruderID
	case printerobserver.Disconnected:
		o.sm.Apply(statemachine.LinkLost())
	}
}

func (o *Orchestrator) handlePrintStateChanged(v printerobserver.PrintStateChanged) {
	if v.State == printerobserver.StatePrinting && o.sm.Current().Kind == statemachine.Idle {
		if _, ok := o.sm.Apply(statemachine.PrintStarted()); ok {
			o.engine.Send(protocol.EncodePrintNotify(protocol.CmdPrintStarted, 0, false))
		}
	}
}

func (o *Orchestrator) handleSensorChanged(v printerobserver.SensorChanged) {
	o.sensorState[v.Sensor] = v.Detected
	if v.Detected || !o.opts.RunoutEnabled {
		return
	}
	if o.sm.Current().Kind != statemachine.Printing {
		return
	}
	extruderID := o.activeExtruder
	if _, ok := o.sm.Apply(statemachine.SensorRunout(extruderID)); ok {
		if o.printer != nil {
			o.printer.Pause()
		}
		o.engine.Send(protocol.EncodePrintNotify(protocol.CmdPrintPausedRunout, byte(extruderID), true))
		// pause_confirmed is applied immediately, without waiting for
		// the printer observer to report print_stats.state == paused,
		// since Klipper's PAUSE macro completes synchronously from the
		// gcode.script RPC's point of view.
		o.sm.Apply(statemachine.PauseConfirmed())
	}
}

// RequestFeed issues 0x01 for extruderID and transitions Paused -> Feeding.
func (o *Orchestrator) RequestFeed(extruderID int, force bool) {
	if _, ok := o.sm.Apply(statemachine.RequestFeed()); ok {
		o.engine.Send(protocol.EncodeRequestFeed(byte(extruderID), force))
	}
}

// FeedComplete transitions Feeding -> Resuming and resumes the print,
// then applies Resuming -> Printing immediately after issuing the
// resume, without waiting for the printer to report printing again.
func (o *Orchestrator) FeedComplete() {
	if _, ok := o.sm.Apply(statemachine.FeedComplete()); ok {
		if o.printer != nil {
			o.printer.Resume()
		}
		if _, ok := o.sm.Apply(statemachine.ResumeConfirmed()); ok {
			o.engine.Send(protocol.EncodePrintNotify(protocol.CmdPrintResumed, 0, false))
		}
	}
}

// PublishSnapshot writes the current status to the diagnostics
// publisher, if one is configured.
func (o *Orchestrator) PublishSnapshot(linkState string, queueDepth int) {
	if o.diag == nil {
		return
	}
	var progress []diag.SessionProgress
	if o.engine != nil {
		for _, p := range o.engine.RFIDProgress() {
			progress = append(progress, diag.SessionProgress{ExtruderID: p.ExtruderID, Fraction: p.Fraction})
		}
	}
	o.diag.Update(diag.Snapshot{
		LinkState:       linkState,
		SystemState:     o.sm.Current().String(),
		ActiveSessions:  len(progress),
		SessionProgress: progress,
		OutboundQueued:  queueDepth,
		LastUpdate:      time.Now(),
	})
}
