package room

import (
	"context"
	"sync"

	"github.com/n0remac/sfu-control-plane/internal/config"
	"github.com/n0remac/sfu-control-plane/internal/engine"
	"github.com/n0remac/sfu-control-plane/internal/logger"
	"github.com/n0remac/sfu-control-plane/internal/store"
)

// Lobby maps roomId to Room, creating a room (and its Router) lazily on
// first access and unmapping it once the room reports itself closed
// (spec.md §4.8: "the lobby" is named only in passing, but the join/close
// lifecycle requires something outside any single Room to own this map).
//
// Grounded on the teacher's websocket/websocket.go Hub, which keeps the
// same "mutex-guarded map of id to long-lived object, created on first
// reference" shape for its room registry.
type Lobby struct {
	log        *logger.Logger
	cfg        *config.Config
	engine     *engine.Engine
	auditStore *store.Store

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewLobby builds a Lobby that allocates every new room's Router from eng.
// auditStore may be nil (the audit log is optional per SPEC_FULL.md).
func NewLobby(cfg *config.Config, eng *engine.Engine, auditStore *store.Store) *Lobby {
	return &Lobby{
		log:        logger.New("lobby"),
		cfg:        cfg,
		engine:     eng,
		auditStore: auditStore,
		rooms:      make(map[string]*Room),
	}
}

// Config returns the process-wide configuration this lobby was built
// with, for callers (cmd/sfu's signaling handler) that need settings
// outside the room/peer domain, such as the peer session ping interval.
func (l *Lobby) Config() *config.Config { return l.cfg }

// GetOrCreate returns the existing room for roomID, or creates one (with a
// fresh Router from the engine's worker pool) if this is the first peer to
// reference it.
func (l *Lobby) GetOrCreate(ctx context.Context, roomID string) (*Room, error) {
	l.mu.Lock()
	if r, ok := l.rooms[roomID]; ok {
		l.mu.Unlock()
		return r, nil
	}
	l.mu.Unlock()

	router, err := l.engine.CreateRouter(ctx)
	if err != nil {
		return nil, err
	}

	r, err := New(ctx, roomID, l.cfg, router, l.forget)
	if err != nil {
		router.Close()
		return nil, err
	}
	r.SetAuditStore(l.auditStore)

	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.rooms[roomID]; ok {
		// Lost the race to another peer connecting concurrently; drop the
		// router we just created and hand back the one that won. Closing it
		// through closeOnce keeps the losing room's closeRoom from running
		// onClose, which would unmap the winner under the same roomID.
		r.closeOnce.Do(r.router.Close)
		return existing, nil
	}
	l.rooms[roomID] = r
	return r, nil
}

func (l *Lobby) forget(roomID string) {
	l.mu.Lock()
	delete(l.rooms, roomID)
	l.mu.Unlock()
}

// Rooms returns a snapshot of every currently live room id, for admin-
// facing inspection (internal/adminrpc).
func (l *Lobby) Rooms() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.rooms))
	for id := range l.rooms {
		ids = append(ids, id)
	}
	return ids
}
