//go:build linux

package canlink

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/mingda/feedercabinet/internal/canframe"
)

// Linux SocketCAN constants (linux/can.h), not exported by the
// standard syscall package, so named locally exactly as this
// codebase's own raw-frame Klipper CAN transport does.
const (
	pfCAN      = 29
	afCAN      = pfCAN
	canRaw     = 1
	canSFFMask = 0x000007FF
)

type sockaddrCAN struct {
	family  uint16
	ifindex int32
	addr    [8]byte
}

// SocketCAN talks to a Linux SocketCAN interface (AF_CAN / SOCK_RAW)
// directly, the way a production deployment reaches the cabinet.
// Adapted from this codebase's raw-frame Klipper CAN transport: where
// that implementation stitched multiple frames into a reassembled
// byte stream for a higher-level Klipper wire protocol, this one hands
// every received frame to the caller individually, since the
// feeder-cabinet application protocol is itself one-frame-per-message.
type SocketCAN struct {
	cfg Config

	mu     sync.Mutex
	fd     int
	closed bool

	recvCh chan canframe.Frame
	errCh  chan error
	stopCh chan struct{}
	wg     sync.WaitGroup
}

const canFrameWireSize = 16 // sizeof(struct can_frame) on Linux

// NewSocketCAN builds a SocketCAN transport bound to cfg.Interface.
func NewSocketCAN(cfg Config) *SocketCAN {
	return &SocketCAN{cfg: cfg, fd: -1}
}

func (s *SocketCAN) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fd >= 0 {
		return nil
	}

	ifindex, err := interfaceIndex(s.cfg.Interface)
	if err != nil {
		return fmt.Errorf("canlink: socketcan: %w", err)
	}

	fd, err := syscall.Socket(pfCAN, syscall.SOCK_RAW, canRaw)
	if err != nil {
		return fmt.Errorf("canlink: socketcan: create socket: %w", err)
	}

	addr := sockaddrCAN{family: afCAN, ifindex: int32(ifindex)}
	_, _, errno := syscall.Syscall(syscall.SYS_BIND, uintptr(fd), uintptr(unsafe.Pointer(&addr)), unsafe.Sizeof(addr))
	if errno != 0 {
		syscall.Close(fd)
		return fmt.Errorf("canlink: socketcan: bind %s: %w", s.cfg.Interface, errno)
	}

	s.fd = fd
	s.closed = false
	s.recvCh = make(chan canframe.Frame, 64)
	s.errCh = make(chan error, 1)
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go s.receiveLoop()

	return nil
}

func (s *SocketCAN) receiveLoop() {
	defer s.wg.Done()
	defer close(s.recvCh)

	buf := make([]byte, canFrameWireSize)
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		pfd := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
		n, err := unix.Poll(pfd, 500)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			s.reportErr(fmt.Errorf("canlink: socketcan: poll: %w", err))
			return
		}
		if n == 0 {
			continue // poll timeout, loop back to check stopCh
		}

		nread, err := syscall.Read(s.fd, buf)
		if err != nil {
			s.reportErr(fmt.Errorf("canlink: socketcan: read: %w", err))
			return
		}
		if nread != canFrameWireSize {
			continue
		}

		canID := binary.LittleEndian.Uint32(buf[0:4]) & canSFFMask
		dlc := buf[4]
		if dlc > canframe.MaxPayloadLen {
			dlc = canframe.MaxPayloadLen
		}
		payload := make([]byte, dlc)
		copy(payload, buf[8:8+dlc])

		frame, err := canframe.New(uint16(canID), payload)
		if err != nil {
			continue
		}

		select {
		case s.recvCh <- frame:
		case <-s.stopCh:
			return
		}
	}
}

func (s *SocketCAN) reportErr(err error) {
	select {
	case s.errCh <- err:
	default:
	}
}

func (s *SocketCAN) Send(f canframe.Frame) error {
	s.mu.Lock()
	fd := s.fd
	s.mu.Unlock()

	if fd < 0 {
		return ErrTransportDown
	}

	buf := make([]byte, canFrameWireSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(f.ID))
	buf[4] = byte(len(f.Payload))
	copy(buf[8:], f.Payload)

	n, err := syscall.Write(fd, buf)
	if err != nil {
		return fmt.Errorf("canlink: socketcan: write: %w", err)
	}
	if n != canFrameWireSize {
		return fmt.Errorf("canlink: socketcan: short write (%d bytes)", n)
	}
	return nil
}

func (s *SocketCAN) Recv() <-chan canframe.Frame { return s.recvCh }
func (s *SocketCAN) Err() <-chan error           { return s.errCh }

func (s *SocketCAN) Close() error {
	s.mu.Lock()
	if s.closed || s.fd < 0 {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	fd := s.fd
	s.fd = -1
	close(s.stopCh)
	s.mu.Unlock()

	syscall.Close(fd)
	s.wg.Wait()
	return nil
}

// interfaceIndex resolves a network interface name to its kernel
// index. CAN interfaces are ordinary net_devices from the kernel's
// point of view, so the standard library's interface lookup (backed
// by netlink) works without any CAN-specific ioctl plumbing.
func interfaceIndex(name string) (int, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return 0, fmt.Errorf("lookup interface %s: %w", name, err)
	}
	return iface.Index, nil
}
