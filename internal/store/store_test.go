package store

import (
	"testing"
	"time"

	"github.com/n0remac/sfu-control-plane/internal/config"
)

func TestOpenDisabledWithoutDriver(t *testing.T) {
	s, err := Open(config.StoreConfig{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s != nil {
		t.Fatal("expected nil store when no driver is configured")
	}
	// Record/Close on a nil store must be safe no-ops.
	s.Record("room-1", "peer-1", "join", struct{}{})
	s.Close()
}

func TestRecordWritesEvent(t *testing.T) {
	s, err := Open(config.StoreConfig{Driver: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	s.Record("room-1", "alice", "join", struct {
		DisplayName string `json:"displayName"`
	}{"Alice"})

	var got Event
	deadline := time.Now().Add(time.Second)
	for {
		if err := s.db.First(&got, "room_id = ? AND kind = ?", "room-1", "join").Error; err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("event never appeared in the store")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if got.PeerID != "alice" {
		t.Fatalf("expected peer_id alice, got %q", got.PeerID)
	}
}
