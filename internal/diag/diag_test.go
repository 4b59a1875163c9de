package diag

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestPublishAndFetchSnapshot(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "feedercabinet.sock")
	p := NewPublisher(sock, nil)
	p.Update(Snapshot{LinkState: "Up", SystemState: "Idle"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.Serve(ctx) }()

	// Give the listener a moment to bind.
	deadline := time.Now().Add(2 * time.Second)
	var snap Snapshot
	var err error
	for time.Now().Before(deadline) {
		snap, err = FetchSnapshot(sock)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("FetchSnapshot: %v", err)
	}
	if snap.LinkState != "Up" || snap.SystemState != "Idle" {
		t.Errorf("unexpected snapshot: %+v", snap)
	}

	cancel()
	<-done
}
