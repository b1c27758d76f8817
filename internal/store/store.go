// Package store implements the optional room-activity recorder named in
// SPEC_FULL.md's domain stack: an append-only audit log of join/leave/
// produce events, kept off the control-plane hot path behind a buffered
// channel so a slow disk never blocks a room orchestrator request.
//
// The teacher's own db package (referenced by deps/deps.go as
// `*gorm.DB`) wasn't part of the retrieved pack, so this is grounded on
// gorm's own documented idiom (gorm.Open + AutoMigrate + Create) rather
// than a specific teacher call site; gorm and its sqlite/postgres drivers
// are themselves direct teacher go.mod dependencies.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/n0remac/sfu-control-plane/internal/config"
	"github.com/n0remac/sfu-control-plane/internal/logger"
)

// Event is one append-only audit row. CreatedAt is stamped by gorm itself
// on insert.
type Event struct {
	ID        uint   `gorm:"primaryKey"`
	CreatedAt time.Time
	RoomID    string `gorm:"index"`
	PeerID    string `gorm:"index"`
	Kind      string `gorm:"index"`
	Detail    string
}

const eventBacklog = 256

// Store owns a gorm connection and a background writer goroutine.
type Store struct {
	db     *gorm.DB
	log    *logger.Logger
	events chan Event
	done   chan struct{}
}

// Open connects to the driver/DSN named in cfg, migrates the Event table,
// and starts the background writer. A zero-value cfg.Driver disables the
// store entirely (nil, nil returned) — callers must treat a nil *Store as
// "recording is off" rather than an error.
func Open(cfg config.StoreConfig) (*Store, error) {
	if cfg.Driver == "" {
		return nil, nil
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", cfg.Driver, err)
	}
	if err := db.AutoMigrate(&Event{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	s := &Store{
		db:     db,
		log:    logger.New("store"),
		events: make(chan Event, eventBacklog),
		done:   make(chan struct{}),
	}
	go s.run()
	return s, nil
}

func (s *Store) run() {
	defer close(s.done)
	for ev := range s.events {
		if err := s.db.Create(&ev).Error; err != nil {
			s.log.Warnf("write event %s/%s/%s: %v", ev.RoomID, ev.PeerID, ev.Kind, err)
		}
	}
}

// Record appends one audit event. detail is marshaled to JSON text; a nil
// detail records an empty object. Record never blocks the caller: a full
// backlog drops the event and logs a warning rather than stalling the room
// orchestrator goroutine that called it.
func (s *Store) Record(roomID, peerID, kind string, detail interface{}) {
	if s == nil {
		return
	}
	body, err := json.Marshal(detail)
	if err != nil || detail == nil {
		body = []byte("{}")
	}
	ev := Event{RoomID: roomID, PeerID: peerID, Kind: kind, Detail: string(body)}
	select {
	case s.events <- ev:
	default:
		s.log.Warnf("backlog full, dropping %s event for room=%s peer=%s", kind, roomID, peerID)
	}
}

// Close drains the backlog and closes the underlying connection.
func (s *Store) Close() {
	if s == nil {
		return
	}
	close(s.events)
	<-s.done
	if sqlDB, err := s.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
