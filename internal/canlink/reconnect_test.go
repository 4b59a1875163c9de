package canlink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mingda/feedercabinet/internal/canframe"
)

// fakeTransport is a minimal Transport whose Open can be made to fail
// a fixed number of times before succeeding, to exercise Link's
// reconnect loop without a real bus.
type fakeTransport struct {
	mu       sync.Mutex
	failOpen int // remaining Open calls that return an error
	opened   bool
	closed   bool

	recvCh chan canframe.Frame
	errCh  chan error
}

func newFakeTransport(failOpen int) *fakeTransport {
	return &fakeTransport{failOpen: failOpen, recvCh: make(chan canframe.Frame, 4), errCh: make(chan error, 1)}
}

func (f *fakeTransport) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOpen > 0 {
		f.failOpen--
		return errOpenFailed
	}
	f.opened = true
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) Send(fr canframe.Frame) error { return nil }
func (f *fakeTransport) Recv() <-chan canframe.Frame  { return f.recvCh }
func (f *fakeTransport) Err() <-chan error            { return f.errCh }

// dropAndFail closes recvCh and posts err, simulating a lost link the
// way a real Transport's receive goroutine would on an I/O error.
func (f *fakeTransport) dropAndFail(err error) {
	f.errCh <- err
	close(f.recvCh)
}

var errOpenFailed = errors.New("fake transport: open failed")

func TestLinkRunFailsWhenFirstOpenFails(t *testing.T) {
	tr := newFakeTransport(1)
	l := NewLink(func() Transport { return tr }, BackoffPolicy{Initial: time.Millisecond, Max: time.Millisecond}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := l.Run(ctx); err == nil {
		t.Fatal("expected Run to surface the first Open's error")
	}
}

func TestLinkReconnectsAfterTransportDrop(t *testing.T) {
	first := newFakeTransport(0)
	second := newFakeTransport(0)
	calls := 0
	l := NewLink(func() Transport {
		calls++
		if calls == 1 {
			return first
		}
		return second
	}, BackoffPolicy{Initial: time.Millisecond, Max: 2 * time.Millisecond}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := l.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	first.dropAndFail(errOpenFailed)

	deadline := time.After(time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for reconnect onto the second transport")
		default:
		}
		second.mu.Lock()
		opened := second.opened
		second.mu.Unlock()
		if opened {
			return
		}
		time.Sleep(time.Millisecond)
	}
}
