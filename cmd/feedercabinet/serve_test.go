package main

import (
	"errors"
	"testing"
	"time"

	"github.com/mingda/feedercabinet/internal/canlink"
	"github.com/mingda/feedercabinet/internal/logging"
)

func TestNewTransportFactorySelectsSLCANForDevicePath(t *testing.T) {
	factory := newTransportFactory(canlink.Config{Interface: "/dev/ttyACM0", Bitrate: 1_000_000}, logging.Get())
	tr := factory()
	if _, ok := tr.(*canlink.SLCAN); !ok {
		t.Fatalf("factory() = %T, want *canlink.SLCAN for a device path", tr)
	}
}

func TestNewTransportFactorySelectsSocketCANForInterfaceName(t *testing.T) {
	factory := newTransportFactory(canlink.Config{Interface: "can0", Bitrate: 1_000_000}, logging.Get())
	tr := factory()
	if _, ok := tr.(*canlink.SocketCAN); !ok {
		t.Fatalf("factory() = %T, want *canlink.SocketCAN for an interface name", tr)
	}
}

func TestShutdownReturnsOnceAllFnsFinish(t *testing.T) {
	start := time.Now()
	var ran int
	shutdown(time.Second, func() error { ran++; return nil }, func() error { ran++; return errors.New("boom") })
	if ran != 2 {
		t.Fatalf("expected both teardown funcs to run, ran=%d", ran)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("shutdown took too long waiting on fast teardown funcs: %v", time.Since(start))
	}
}

func TestShutdownRespectsBudgetWhenAFuncHangs(t *testing.T) {
	start := time.Now()
	shutdown(50*time.Millisecond, func() error {
		time.Sleep(time.Second)
		return nil
	})
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("shutdown did not honor its budget, took %v", elapsed)
	}
}
