// Package entity implements the Entity Controllers (spec.md §4.4): the
// Go-side handles for Router/Transport/Producer/Consumer/DataProducer/
// DataConsumer/RtpObserver, each a thin proxy over a worker method
// namespace plus the cascade-close bookkeeping spec.md §4.4 requires.
//
// Grounded on itzmanish-mediasoup-go's Producer/Consumer/Transport
// controllers (closed-flag + Channel.Request("entity.method", handlerId),
// RemoveAllListeners on close, an internal "@close" style cascade from
// parent to children) and on the teacher's sync.Once-guarded Close idiom
// used throughout webrtc/sfu.go and websocket/websocket.go.
package entity

import (
	"context"
	"sync"

	"github.com/n0remac/sfu-control-plane/internal/channel"
)

// closer is embedded by every entity controller to provide idempotent
// close semantics plus a done-channel other entities can select on to
// implement cascade-close (spec.md §4.4).
type closer struct {
	once   sync.Once
	mu     sync.Mutex
	closed bool
	doneCh chan struct{}
}

func newCloser() closer {
	return closer{doneCh: make(chan struct{})}
}

// Closed reports whether Close has already run to completion.
func (c *closer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Done is closed once this entity has finished closing; parents select on
// a child's Done to know the cascade step completed.
func (c *closer) Done() <-chan struct{} { return c.doneCh }

// closeOnce runs fn exactly once and then marks the entity closed,
// regardless of how many goroutines call it concurrently (spec.md §4.4:
// "closing twice is not an error, the second call is a no-op").
func (c *closer) closeOnce(fn func()) {
	c.once.Do(func() {
		fn()
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.doneCh)
	})
}

// requestClose issues a "<prefix>.close" request to the worker for
// handlerID and waits for its outcome, discarding any error: by the time an
// entity is closing, the worker-side resource may already be gone because
// a parent cascaded first (spec.md §4.4), and the controller's job is to
// converge local state regardless.
func requestClose(ch *channel.Channel, method, handlerID string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, _ = ch.Request(ctx, method, handlerID, nil)
}

// eventSubscribers fans a worker notification out to zero or more
// registered Go callbacks for one event name, used by entities whose
// notification vocabulary is richer than a single "closed" signal
// (Consumer's score/layerschange/pause, Producer's score, the RtpObservers'
// domination events).
type eventSubscribers struct {
	mu   sync.Mutex
	subs map[string][]func([]byte)
}

func newEventSubscribers() *eventSubscribers {
	return &eventSubscribers{subs: make(map[string][]func([]byte))}
}

func (e *eventSubscribers) on(event string, fn func([]byte)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs[event] = append(e.subs[event], fn)
}

func (e *eventSubscribers) dispatch(event string, body []byte) {
	e.mu.Lock()
	fns := append([]func([]byte)(nil), e.subs[event]...)
	e.mu.Unlock()
	for _, fn := range fns {
		fn(body)
	}
}
