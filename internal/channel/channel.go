// Package channel implements the Channel (spec.md §4.2): a full-duplex
// framed pipe transport that multiplexes concurrent request/response pairs
// by request id and fans out worker notifications by handler id.
//
// Grounded on the itzmanish-mediasoup-go port's Channel (request/notify
// split, per-pid "running" handshake) and on the teacher's single-writer-
// goroutine pattern for a shared connection (webrtc/sfu.go's writePumpSFU,
// websocket/websocket.go's Hub.Run default-case drop-on-full semantics for
// an unreliable broadcast path, reused here for notify()).
package channel

import (
	"bufio"
	"context"
	"io"
	"sync"
	"time"

	"github.com/n0remac/sfu-control-plane/internal/codec"
	"github.com/n0remac/sfu-control-plane/internal/logger"
)

// NotificationHandler receives one worker notification body for a
// handler id it is subscribed to. Handlers run on the channel's single
// dispatch goroutine, never on the read loop goroutine, so a handler is
// free to issue further Channel requests without deadlocking (spec.md
// §4.2).
type NotificationHandler func(event string, body []byte)

const (
	baseTimeout    = 15 * time.Second
	perInFlight    = 100 * time.Millisecond
	writeQueueCap  = 2048
	notifyQueueCap = 4096
)

type pendingRequest struct {
	resultCh chan result
	timer    *time.Timer
}

type result struct {
	body []byte
	err  error
}

type writeItem struct {
	body []byte
}

// Channel owns one duplex byte-stream pair to a worker (or, in single-
// process mode, a pair of in-memory pipes).
type Channel struct {
	log  *logger.Logger
	mode codec.FrameMode

	w io.Writer

	writeCh chan writeItem

	mu       sync.Mutex
	nextID   uint32
	pending  map[uint32]*pendingRequest
	closed   bool
	closeCh  chan struct{}
	closeOnce sync.Once

	subMu       sync.Mutex
	subscribers map[string][]NotificationHandler

	notifyCh chan *codec.Notification
	logSink  func(prefix codec.LogPrefix, text string)
}

// New constructs a Channel over the given reader (worker → controller)
// and writer (controller → worker) and starts its background goroutines.
// r is read with mode; direct (single-process) mode is driven instead via
// Deliver, and r may be nil in that case.
func New(r io.Reader, w io.Writer, mode codec.FrameMode) *Channel {
	c := &Channel{
		log:         logger.New("channel"),
		mode:        mode,
		w:           w,
		writeCh:     make(chan writeItem, writeQueueCap),
		pending:     make(map[uint32]*pendingRequest),
		closeCh:     make(chan struct{}),
		subscribers: make(map[string][]NotificationHandler),
		notifyCh:    make(chan *codec.Notification, notifyQueueCap),
	}

	go c.writeLoop()
	go c.dispatchLoop()
	if mode == codec.ModeFramed && r != nil {
		go c.readLoop(bufio.NewReader(r))
	}

	return c
}

// SetLogSink installs a callback invoked for every Log record read from
// the worker (spec.md §4.1's Log kind). Must be called before traffic
// starts; it is not safe to change concurrently with Deliver/readLoop.
func (c *Channel) SetLogSink(f func(prefix codec.LogPrefix, text string)) {
	c.logSink = f
}

// On subscribes to notifications for handlerID. Subscriptions accumulate;
// there is no unsubscribe-by-handle — callers remove an entity's
// subscriptions wholesale via RemoveAllListeners on close.
func (c *Channel) On(handlerID string, h NotificationHandler) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subscribers[handlerID] = append(c.subscribers[handlerID], h)
}

// RemoveAllListeners drops every subscription for handlerID (used by an
// entity controller's close path, spec.md §4.4).
func (c *Channel) RemoveAllListeners(handlerID string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	delete(c.subscribers, handlerID)
}

// Request sends a method call to handlerID and blocks until a matching
// response arrives, the channel closes, or the per-request deadline
// elapses (spec.md §4.2).
func (c *Channel) Request(ctx context.Context, method, handlerID string, body []byte) ([]byte, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, Closed
	}
	id := c.allocateLocked()
	deadline := baseTimeout + time.Duration(len(c.pending))*perInFlight
	pr := &pendingRequest{resultCh: make(chan result, 1)}
	c.pending[id] = pr
	c.mu.Unlock()

	pr.timer = time.AfterFunc(deadline, func() { c.timeoutRequest(id) })

	enc, err := codec.Encode(&codec.Message{
		Kind: codec.KindRequest,
		Request: &codec.Request{ID: id, Method: method, HandlerID: handlerID, Body: body},
	})
	if err != nil {
		c.removePending(id)
		return nil, TooLarge
	}

	select {
	case c.writeCh <- writeItem{body: enc}:
	default:
		c.removePending(id)
		pr.timer.Stop()
		return nil, Backpressure
	}

	select {
	case res := <-pr.resultCh:
		return res.body, res.err
	case <-c.closeCh:
		return nil, Closed
	case <-ctx.Done():
		c.removePending(id)
		pr.timer.Stop()
		return nil, ctx.Err()
	}
}

// allocateLocked must be called with c.mu held; it increments nextID,
// skipping 0 on wrap, under the same lock that guards inserting into
// pending, to keep id allocation atomic with respect to that insertion (spec.md §3: "insertion happens strictly
// before the outbound write").
func (c *Channel) allocateLocked() uint32 {
	c.nextID++
	if c.nextID == 0 {
		c.nextID = 1
	}
	return c.nextID
}

func (c *Channel) removePending(id uint32) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Channel) timeoutRequest(id uint32) {
	c.mu.Lock()
	pr, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		pr.resultCh <- result{err: Timeout}
	}
}

// Notify sends a fire-and-forget event to handlerID. It fails silently
// (logged) if the channel is closed or the write queue is full, matching
// spec.md §4.2's "unreliable channel" semantics.
func (c *Channel) Notify(handlerID, event string, body []byte) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		c.log.Warnf("notify(%s,%s) dropped: channel closed", handlerID, event)
		return
	}

	enc, err := codec.Encode(&codec.Message{
		Kind:         codec.KindNotification,
		Notification: &codec.Notification{HandlerID: handlerID, Event: event, Body: body},
	})
	if err != nil {
		c.log.Warnf("notify(%s,%s) dropped: %v", handlerID, event, err)
		return
	}

	select {
	case c.writeCh <- writeItem{body: enc}:
	default:
		c.log.Warnf("notify(%s,%s) dropped: write queue full", handlerID, event)
	}
}

// Close idempotently tears down the channel: every pending request fails
// with Closed, and further Notify/Request calls are no-ops.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		pending := c.pending
		c.pending = make(map[uint32]*pendingRequest)
		c.mu.Unlock()

		for _, pr := range pending {
			pr.timer.Stop()
			pr.resultCh <- result{err: Closed}
		}
		close(c.closeCh)
	})
}

func (c *Channel) writeLoop() {
	for {
		select {
		case item := <-c.writeCh:
			if err := codec.WriteFrame(c.w, c.mode, item.body); err != nil {
				c.log.Errorf("write error: %v", err)
			}
		case <-c.closeCh:
			return
		}
	}
}

func (c *Channel) readLoop(r *bufio.Reader) {
	for {
		body, err := c.handleFrameRead(r)
		if err != nil {
			if err != codec.ErrTooLarge {
				c.log.Warnf("read loop exiting: %v", err)
				c.Close()
				return
			}
			continue
		}
		c.Deliver(body)
	}
}

func (c *Channel) handleFrameRead(r *bufio.Reader) ([]byte, error) {
	return codec.ReadFrame(r, codec.ModeFramed)
}

// Deliver hands one already-framed record body to the channel. In
// multiprocess mode this is called by readLoop; in single-process mode
// the in-thread worker calls this directly with the buffer it would
// otherwise have written to the pipe (spec.md §9 open question: the
// caller/worker own that buffer's lifetime, not this channel).
func (c *Channel) Deliver(body []byte) {
	msg, err := codec.Decode(body)
	if err != nil {
		c.log.Warnf("dropping malformed frame: %v", err)
		return
	}

	switch msg.Kind {
	case codec.KindResponse:
		c.handleResponse(msg.Response)
	case codec.KindNotification:
		select {
		case c.notifyCh <- msg.Notification:
		default:
			c.log.Warnf("notification dispatch queue full; dropping %s/%s", msg.Notification.HandlerID, msg.Notification.Event)
		}
	case codec.KindLog:
		if c.logSink != nil {
			c.logSink(msg.Log.Prefix, msg.Log.Text)
		}
	}
}

func (c *Channel) handleResponse(resp *codec.Response) {
	c.mu.Lock()
	pr, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.log.Warnf("unmatched response for request id %d", resp.ID)
		return
	}
	pr.timer.Stop()

	if resp.Accepted {
		pr.resultCh <- result{body: resp.Body}
		return
	}
	if resp.ErrorKind == "TypeError" {
		pr.resultCh <- result{err: TypeError(resp.Reason)}
	} else {
		pr.resultCh <- result{err: Remote(resp.Reason)}
	}
}

// dispatchLoop is the single notification-dispatch goroutine: it
// preserves per-handler-id delivery order and ensures handlers never run
// on the read loop's goroutine (spec.md §4.2, §5).
func (c *Channel) dispatchLoop() {
	for {
		select {
		case n := <-c.notifyCh:
			c.subMu.Lock()
			handlers := append([]NotificationHandler(nil), c.subscribers[n.HandlerID]...)
			c.subMu.Unlock()
			for _, h := range handlers {
				h(n.Event, n.Body)
			}
		case <-c.closeCh:
			return
		}
	}
}
