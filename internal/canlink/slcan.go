package canlink

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.bug.st/serial"

	"github.com/mingda/feedercabinet/internal/canframe"
)

// SLCAN talks to a CAN-to-serial adapter speaking the ASCII SLCAN
// dialect (the bench/dev alternative to a native SocketCAN interface).
// Adapted from this codebase's serial port handling, with the framing
// grounded on the SLCAN encoder used by another CAN-over-serial bridge
// in this retrieval pack: standard 11-bit frames only ('t' lines; no
// extended 'T' frames and no remote-frame support since the
// application protocol never uses RTR frames).
type SLCAN struct {
	portName string
	baudRate int
	bitrate  int

	mu     sync.Mutex
	port   serial.Port
	reader *bufio.Reader

	recvCh chan canframe.Frame
	errCh  chan error
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func bitrateToSetCommand(bitrate int) string {
	// SLCAN 'S' command indices per the de-facto Lawicel convention.
	switch bitrate {
	case 10000:
		return "S0"
	case 20000:
		return "S1"
	case 50000:
		return "S2"
	case 100000:
		return "S3"
	case 125000:
		return "S4"
	case 250000:
		return "S5"
	case 500000:
		return "S6"
	case 800000:
		return "S7"
	default:
		return "S8" // 1 Mbit/s
	}
}

// NewSLCAN builds an SLCAN transport over the serial device named by
// cfg.Interface (e.g. "/dev/ttyACM0"), at cfg.Bitrate bus speed.
func NewSLCAN(cfg Config) *SLCAN {
	return &SLCAN{portName: cfg.Interface, baudRate: 115200, bitrate: cfg.Bitrate}
}

func (s *SLCAN) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port != nil {
		return nil
	}

	mode := &serial.Mode{
		BaudRate: s.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(s.portName, mode)
	if err != nil {
		return fmt.Errorf("canlink: slcan: open %s: %w", s.portName, err)
	}

	s.port = port
	s.reader = bufio.NewReader(port)
	s.recvCh = make(chan canframe.Frame, 64)
	s.errCh = make(chan error, 1)
	s.stopCh = make(chan struct{})

	if _, err := port.Write([]byte("C\r")); err != nil { // close channel if already open
		port.Close()
		return fmt.Errorf("canlink: slcan: reset: %w", err)
	}
	if _, err := port.Write([]byte(bitrateToSetCommand(s.bitrate) + "\r")); err != nil {
		port.Close()
		return fmt.Errorf("canlink: slcan: set bitrate: %w", err)
	}
	if _, err := port.Write([]byte("O\r")); err != nil {
		port.Close()
		return fmt.Errorf("canlink: slcan: open channel: %w", err)
	}

	s.wg.Add(1)
	go s.receiveLoop()

	return nil
}

func (s *SLCAN) receiveLoop() {
	defer s.wg.Done()
	defer close(s.recvCh)

	for {
		line, err := s.reader.ReadString('\r')
		if err != nil {
			select {
			case <-s.stopCh:
			default:
				s.reportErr(fmt.Errorf("canlink: slcan: read: %w", err))
			}
			return
		}

		frame, ok := decodeSLCANLine(strings.TrimSpace(line))
		if !ok {
			continue
		}

		select {
		case s.recvCh <- frame:
		case <-s.stopCh:
			return
		}
	}
}

func (s *SLCAN) reportErr(err error) {
	select {
	case s.errCh <- err:
	default:
	}
}

// decodeSLCANLine parses a 't'-prefixed standard-frame SLCAN line:
// "t<3 hex id><1 hex dlc><2*dlc hex data>".
func decodeSLCANLine(line string) (canframe.Frame, bool) {
	if len(line) < 5 || line[0] != 't' {
		return canframe.Frame{}, false
	}
	id, err := strconv.ParseUint(line[1:4], 16, 16)
	if err != nil {
		return canframe.Frame{}, false
	}
	dlc, err := strconv.ParseUint(line[4:5], 16, 8)
	if err != nil || dlc > canframe.MaxPayloadLen {
		return canframe.Frame{}, false
	}
	want := 5 + int(dlc)*2
	if len(line) < want {
		return canframe.Frame{}, false
	}
	payload := make([]byte, dlc)
	for i := 0; i < int(dlc); i++ {
		b, err := strconv.ParseUint(line[5+i*2:7+i*2], 16, 8)
		if err != nil {
			return canframe.Frame{}, false
		}
		payload[i] = byte(b)
	}
	f, err := canframe.New(uint16(id), payload)
	if err != nil {
		return canframe.Frame{}, false
	}
	return f, true
}

// encodeSLCANLine builds a 't'-prefixed standard-frame SLCAN line for f.
func encodeSLCANLine(f canframe.Frame) string {
	var b strings.Builder
	b.WriteByte('t')
	fmt.Fprintf(&b, "%03X", f.ID&0x7FF)
	b.WriteByte('0' + byte(len(f.Payload)&0x0F))
	for _, v := range f.Payload {
		fmt.Fprintf(&b, "%02X", v)
	}
	b.WriteByte('\r')
	return b.String()
}

func (s *SLCAN) Send(f canframe.Frame) error {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()

	if port == nil {
		return ErrTransportDown
	}
	_, err := port.Write([]byte(encodeSLCANLine(f)))
	if err != nil {
		return fmt.Errorf("canlink: slcan: write: %w", err)
	}
	return nil
}

func (s *SLCAN) Recv() <-chan canframe.Frame { return s.recvCh }
func (s *SLCAN) Err() <-chan error           { return s.errCh }

func (s *SLCAN) Close() error {
	s.mu.Lock()
	port := s.port
	if port == nil {
		s.mu.Unlock()
		return nil
	}
	s.port = nil
	close(s.stopCh)
	s.mu.Unlock()

	err := port.Close()
	s.wg.Wait()
	return err
}
