//go:build !linux

package canlink

import (
	"context"
	"errors"

	"github.com/mingda/feedercabinet/internal/canframe"
)

// SocketCAN is unavailable outside Linux; SLCAN-over-serial is the
// supported transport on other platforms.
type SocketCAN struct{}

func NewSocketCAN(cfg Config) *SocketCAN { return &SocketCAN{} }

var errSocketCANUnsupported = errors.New("canlink: SocketCAN is only supported on linux, use the SLCAN serial transport")

func (s *SocketCAN) Open(ctx context.Context) error        { return errSocketCANUnsupported }
func (s *SocketCAN) Close() error                           { return nil }
func (s *SocketCAN) Send(f canframe.Frame) error            { return errSocketCANUnsupported }
func (s *SocketCAN) Recv() <-chan canframe.Frame            { return nil }
func (s *SocketCAN) Err() <-chan error                      { return nil }
