// Package printerobserver adapts the Klipper/Moonraker JSON-RPC
// WebSocket API into the typed ObserverEvent stream and the
// pause/resume/cancel/run-gcode action primitives the orchestrator
// needs. Only this contract is in scope; printer-side pathfinding and
// slicing are not.
package printerobserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mingda/feedercabinet/internal/logging"
)

// PrintState mirrors Moonraker's print_stats.state enum.
type PrintState int

const (
	StateUnknown PrintState = iota
	StateStandby
	StatePrinting
	StatePaused
	StateComplete
	StateCancelled
	StateError
)

func parsePrintState(s string) PrintState {
	switch s {
	case "standby", "ready":
		return StateStandby
	case "printing":
		return StatePrinting
	case "paused":
		return StatePaused
	case "complete":
		return StateComplete
	case "cancelled":
		return StateCancelled
	case "error":
		return StateError
	default:
		return StateUnknown
	}
}

// ObserverEvent is the tagged-variant sum type the observer emits.
type ObserverEvent interface{ observerEvent() }

// PrintStateChanged reports a new print_stats.state.
type PrintStateChanged struct{ State PrintState }

// SensorChanged reports one named filament sensor's detected flag.
type SensorChanged struct {
	Sensor   string
	Detected bool
}

// ActiveExtruderChanged reports a tool-change.
type ActiveExtruderChanged struct{ ExtruderID int }

// Disconnected reports the WebSocket connection was lost.
type Disconnected struct{ Err error }

func (PrintStateChanged) observerEvent()     {}
func (SensorChanged) observerEvent()         {}
func (ActiveExtruderChanged) observerEvent() {}
func (Disconnected) observerEvent()          {}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      int64  `json:"id"`
}

type rpcMessage struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     *int64          `json:"id"`
	Result json.RawMessage `json:"result"`
}

// reconnectInitial and reconnectMax bound the backoff between dial
// attempts after the connection to Moonraker is lost, mirroring the
// CAN link's own reconnect schedule.
const (
	reconnectInitial = time.Second
	reconnectMax     = 30 * time.Second
)

// Observer owns one WebSocket connection to Moonraker.
type Observer struct {
	baseURL string
	sensors []string
	log     logging.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	nextID int64

	events chan ObserverEvent
	lost   chan struct{} // signaled once per disconnect, for the reconnect loop
}

// New builds an Observer against baseURL (e.g. "http://localhost:7125"),
// watching the named filament_switch_sensor objects.
func New(baseURL string, sensors []string, log logging.Logger) *Observer {
	if log == nil {
		log = logging.Get()
	}
	return &Observer{
		baseURL: baseURL,
		sensors: sensors,
		log:     log,
		events:  make(chan ObserverEvent, 64),
		lost:    make(chan struct{}, 1),
		nextID:  1,
	}
}

// Events returns the channel of observed printer events.
func (o *Observer) Events() <-chan ObserverEvent { return o.events }

// Connect dials the Moonraker WebSocket, subscribes to print_stats and
// the configured filament sensors, and starts the receive loop.
func (o *Observer) Connect(ctx context.Context) error {
	wsURL, err := toWebSocketURL(o.baseURL)
	if err != nil {
		return fmt.Errorf("printerobserver: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("printerobserver: dial %s: %w", wsURL, err)
	}

	o.mu.Lock()
	o.conn = conn
	o.mu.Unlock()

	if err := o.subscribe(); err != nil {
		conn.Close()
		return err
	}

	go o.receiveLoop(conn)
	return nil
}

// Run dials Moonraker and keeps reconnecting with exponential backoff
// whenever the connection drops or the initial dial fails, until ctx
// is done. It returns the first dial's error, if any, but the
// reconnect loop keeps retrying in the background regardless.
func (o *Observer) Run(ctx context.Context) error {
	go o.reconnectLoop(ctx)
	err := o.Connect(ctx)
	if err != nil {
		select {
		case o.lost <- struct{}{}:
		default:
		}
	}
	return err
}

func (o *Observer) reconnectLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.lost:
			o.redial(ctx)
		}
	}
}

// redial retries Connect with exponential backoff until it succeeds
// or ctx is done.
func (o *Observer) redial(ctx context.Context) {
	wait := reconnectInitial
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := o.Connect(ctx); err != nil {
			o.log.Warn("printerobserver: reconnect attempt failed", logging.Fields("printerobserver", "reconnect", "attempt", attempt, "err", err.Error())...)
		} else {
			o.log.Info("printerobserver: reconnected", logging.Fields("printerobserver", "reconnect")...)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		wait *= 2
		if wait > reconnectMax {
			wait = reconnectMax
		}
	}
}

func toWebSocketURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/websocket"
	return u.String(), nil
}

func (o *Observer) subscribe() error {
	objects := map[string]any{
		"print_stats": nil,
		"toolhead":    []string{"extruder"},
	}
	for _, s := range o.sensors {
		objects["filament_switch_sensor "+s] = nil
	}
	return o.call("printer.objects.subscribe", map[string]any{"objects": objects})
}

func (o *Observer) call(method string, params any) error {
	o.mu.Lock()
	conn := o.conn
	id := atomic.AddInt64(&o.nextID, 1)
	o.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("printerobserver: not connected")
	}
	req := rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id}
	return conn.WriteJSON(req)
}

func (o *Observer) receiveLoop(conn *websocket.Conn) {
	for {
		var msg rpcMessage
		if err := conn.ReadJSON(&msg); err != nil {
			o.log.Warn("printerobserver: connection lost", logging.Fields("printerobserver", "disconnected", "err", err.Error())...)
			o.emit(Disconnected{Err: err})
			select {
			case o.lost <- struct{}{}:
			default:
			}
			return
		}
		o.handle(msg)
	}
}

func (o *Observer) handle(msg rpcMessage) {
	if msg.Method != "notify_status_update" || len(msg.Params) == 0 {
		return
	}
	var params []json.RawMessage
	if err := json.Unmarshal(msg.Params, &params); err != nil || len(params) == 0 {
		return
	}
	var status map[string]json.RawMessage
	if err := json.Unmarshal(params[0], &status); err != nil {
		return
	}

	if raw, ok := status["print_stats"]; ok {
		var ps struct {
			State string `json:"state"`
		}
		if json.Unmarshal(raw, &ps) == nil && ps.State != "" {
			o.emit(PrintStateChanged{State: parsePrintState(ps.State)})
		}
	}

	for _, sensor := range o.sensors {
		key := "filament_switch_sensor " + sensor
		raw, ok := status[key]
		if !ok {
			continue
		}
		var fs struct {
			FilamentDetected bool `json:"filament_detected"`
		}
		if json.Unmarshal(raw, &fs) == nil {
			o.emit(SensorChanged{Sensor: sensor, Detected: fs.FilamentDetected})
		}
	}
}

func (o *Observer) emit(evt ObserverEvent) {
	select {
	case o.events <- evt:
	default:
		o.log.Warn("printerobserver: event channel full, dropping event", logging.Fields("printerobserver", "backpressure")...)
	}
}

// Pause issues the PAUSE macro.
func (o *Observer) Pause() error { return o.RunGCode("PAUSE") }

// Resume issues the RESUME macro.
func (o *Observer) Resume() error { return o.RunGCode("RESUME") }

// Cancel issues the CANCEL_PRINT macro.
func (o *Observer) Cancel() error { return o.RunGCode("CANCEL_PRINT") }

// RunGCode executes one G-code line via printer.gcode.script.
func (o *Observer) RunGCode(line string) error {
	return o.call("printer.gcode.script", map[string]any{"script": line})
}

// Close tears down the WebSocket connection.
func (o *Observer) Close() error {
	o.mu.Lock()
	conn := o.conn
	o.conn = nil
	o.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
