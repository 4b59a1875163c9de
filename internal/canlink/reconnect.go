package canlink

import (
	"context"
	"time"

	"github.com/mingda/feedercabinet/internal/canframe"
	"github.com/mingda/feedercabinet/internal/logging"
)

// Link wraps a Transport with the open/fail/backoff/reopen lifecycle.
// Callers see one stable pair of channels regardless of how many times
// the underlying Transport has been replaced.
type Link struct {
	newTransport func() Transport
	backoff      BackoffPolicy
	log          logging.Logger

	recvCh chan canframe.Frame
	errCh  chan error // transport-down notifications, one per reconnect cycle

	current Transport
}

// NewLink builds a Link that opens new Transport instances via
// newTransport whenever the current one fails.
func NewLink(newTransport func() Transport, backoff BackoffPolicy, log logging.Logger) *Link {
	if log == nil {
		log = logging.Get()
	}
	return &Link{
		newTransport: newTransport,
		backoff:      backoff,
		log:          log,
		recvCh:       make(chan canframe.Frame, 64),
		errCh:        make(chan error, 1),
	}
}

// Run drives the connect/reconnect loop until ctx is cancelled. It
// makes one Open attempt and returns its error if that fails; after a
// successful Open it returns nil and the reconnect loop continues in
// the background.
func (l *Link) Run(ctx context.Context) error {
	t := l.newTransport()
	if err := t.Open(ctx); err != nil {
		return err
	}
	l.current = t
	go l.pump(ctx, t)
	return nil
}

func (l *Link) pump(ctx context.Context, t Transport) {
	attempt := 0
	for {
		if attempt == 0 {
			l.drain(ctx, t)
		}

		select {
		case <-ctx.Done():
			t.Close()
			return
		default:
		}

		attempt++
		wait := l.backoff.Next(attempt)
		l.log.Warn("canlink: transport down, reconnecting", logging.Fields("canlink", "reconnect", "attempt", attempt, "wait", wait.String())...)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		t = l.newTransport()
		if err := t.Open(ctx); err != nil {
			l.log.Error("canlink: reopen failed", logging.Fields("canlink", "reconnect", "err", err.Error())...)
			continue
		}
		l.current = t
		attempt = 0
		l.log.Info("canlink: transport reconnected", logging.Fields("canlink", "reconnect")...)
	}
}

// drain forwards t's frames onto the Link's stable recvCh until t's
// channel closes (transport failure) or ctx is done.
func (l *Link) drain(ctx context.Context, t Transport) {
	for {
		select {
		case f, ok := <-t.Recv():
			if !ok {
				select {
				case err := <-t.Err():
					select {
					case l.errCh <- err:
					default:
					}
				default:
				}
				return
			}
			select {
			case l.recvCh <- f:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Send forwards a frame to whichever Transport is currently open.
func (l *Link) Send(f canframe.Frame) error {
	t := l.current
	if t == nil {
		return ErrTransportDown
	}
	return t.Send(f)
}

func (l *Link) Recv() <-chan canframe.Frame { return l.recvCh }
func (l *Link) Err() <-chan error           { return l.errCh }

// Close tears down the currently-open Transport.
func (l *Link) Close() error {
	if l.current == nil {
		return nil
	}
	return l.current.Close()
}
