package peer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/n0remac/sfu-control-plane/internal/logger"
)

// State is the Peer Session state machine (spec.md §4.7):
// Disconnected → Connected → Joined → Closed. A session starts Connected
// (the websocket upgrade already happened by the time a Session exists)
// and becomes Joined only once the room orchestrator accepts its "join"
// request.
type State int

const (
	StateConnected State = iota
	StateJoined
	StateClosed
)

const (
	maxMessageBytes     = 1 << 20 // spec.md §6: oversized signaling frames are dropped, not fragmented
	writeQueueCap       = 256
	defaultPingInterval = 60 * time.Second // spec.md §4.7's configurable default
	maxMissedPongs      = 2
	requestTimeout      = 10 * time.Second
)

// pongWaitFor derives the read-deadline window from the configured ping
// interval, preserving the teacher's ~2.3x ping-to-pong-timeout ratio
// (15s ping / 35s pong wait) at any interval.
func pongWaitFor(pingInterval time.Duration) time.Duration {
	return pingInterval + pingInterval*4/3
}

// RequestHandler answers a peer-initiated request. Returning an error
// surfaces as a protoo error response (errorCode/errorReason); the Session
// itself doesn't know about room/application-level error taxonomies.
type RequestHandler func(ctx context.Context, method string, data json.RawMessage) (json.RawMessage, error)

// NotificationHandler reacts to a peer-initiated, fire-and-forget event.
type NotificationHandler func(method string, data json.RawMessage)

// Session is one signaling connection's state machine and protoo
// transport, grounded on the teacher's websocket/websocket.go client
// (single reader goroutine, single writer goroutine draining a buffered
// channel, ping ticker feeding a pong deadline reset).
type Session struct {
	id   string
	conn *websocket.Conn
	log  *logger.Logger

	onRequest      RequestHandler
	onNotification NotificationHandler
	onClose        func()

	mu    sync.Mutex
	state State

	writeCh   chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once

	reqMu      sync.Mutex
	nextID     uint32
	pending    map[uint32]chan *Response
	missedPong int

	pingInterval time.Duration
	pongWait     time.Duration
}

// New wraps an already-upgraded websocket connection as a Session and
// starts its read/write pumps, with pingInterval <= 0 defaulting to
// spec.md §4.7's 60s.
func New(conn *websocket.Conn, id string, pingInterval time.Duration, onRequest RequestHandler, onNotification NotificationHandler, onClose func()) *Session {
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	pongWait := pongWaitFor(pingInterval)

	s := &Session{
		id:             id,
		conn:           conn,
		log:            logger.New("peer:" + id),
		onRequest:      onRequest,
		onNotification: onNotification,
		onClose:        onClose,
		state:          StateConnected,
		writeCh:        make(chan []byte, writeQueueCap),
		closeCh:        make(chan struct{}),
		pending:        make(map[uint32]chan *Response),
		pingInterval:   pingInterval,
		pongWait:       pongWait,
	}

	conn.SetReadLimit(maxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		s.mu.Lock()
		s.missedPong = 0
		s.mu.Unlock()
		return conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	go s.writePump()
	go s.readPump()

	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// MarkJoined transitions Connected → Joined once the room orchestrator has
// accepted this peer's join request (spec.md §4.7).
func (s *Session) MarkJoined() {
	s.mu.Lock()
	if s.state == StateConnected {
		s.state = StateJoined
	}
	s.mu.Unlock()
}

func (s *Session) readPump() {
	defer s.Close()
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.log.Debugf("read error, closing: %v", err)
			return
		}
		s.handleFrame(raw)
	}
}

func (s *Session) handleFrame(raw []byte) {
	switch Classify(raw) {
	case KindRequest:
		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			s.log.Warnf("malformed request frame: %v", err)
			return
		}
		go s.serveRequest(req)
	case KindResponse:
		var resp Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			s.log.Warnf("malformed response frame: %v", err)
			return
		}
		s.resolvePending(&resp)
	case KindNotification:
		var note Notification
		if err := json.Unmarshal(raw, &note); err != nil {
			s.log.Warnf("malformed notification frame: %v", err)
			return
		}
		if s.onNotification != nil {
			s.onNotification(note.Method, note.Data)
		}
	default:
		s.log.Warnf("dropping unrecognized frame")
	}
}

// serveRequest runs on its own goroutine per incoming request so a slow
// handler (e.g. one that itself calls into the worker channel) never
// blocks the read loop from draining further frames (spec.md §4.7).
func (s *Session) serveRequest(req Request) {
	var (
		data json.RawMessage
		err  error
	)
	if s.onRequest != nil {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		data, err = s.onRequest(ctx, req.Method, req.Data)
	}

	resp := Response{Response: true, ID: req.ID, OK: err == nil, Data: data}
	if err != nil {
		if ce, ok := err.(*CodedError); ok {
			resp.ErrorCode = ce.Code
			resp.ErrorReason = ce.Reason
		} else {
			resp.ErrorCode = 500
			resp.ErrorReason = err.Error()
		}
	}
	s.send(resp)
}

func (s *Session) resolvePending(resp *Response) {
	s.reqMu.Lock()
	ch, ok := s.pending[resp.ID]
	if ok {
		delete(s.pending, resp.ID)
	}
	s.reqMu.Unlock()
	if ok {
		ch <- resp
	}
}

// Request issues a server-to-peer request (e.g. "newConsumer") and waits
// for the peer's response, per spec.md §4.7/§6.
func (s *Session) Request(ctx context.Context, method string, data json.RawMessage) (json.RawMessage, error) {
	s.reqMu.Lock()
	s.nextID++
	if s.nextID == 0 {
		s.nextID = 1
	}
	id := s.nextID
	ch := make(chan *Response, 1)
	s.pending[id] = ch
	s.reqMu.Unlock()

	s.send(Request{Request: true, ID: id, Method: method, Data: data})

	select {
	case resp := <-ch:
		if !resp.OK {
			return nil, &RemoteError{Code: resp.ErrorCode, Reason: resp.ErrorReason}
		}
		return resp.Data, nil
	case <-s.closeCh:
		return nil, ErrClosed
	case <-ctx.Done():
		s.reqMu.Lock()
		delete(s.pending, id)
		s.reqMu.Unlock()
		return nil, ctx.Err()
	}
}

// Notify sends a fire-and-forget server-to-peer event.
func (s *Session) Notify(method string, data json.RawMessage) {
	s.send(Notification{Notification: true, Method: method, Data: data})
}

func (s *Session) send(v interface{}) {
	enc, err := json.Marshal(v)
	if err != nil {
		s.log.Errorf("encode outbound frame: %v", err)
		return
	}
	select {
	case s.writeCh <- enc:
	default:
		s.log.Warnf("write queue full, dropping outbound frame")
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case body := <-s.writeCh:
			if err := s.conn.WriteMessage(websocket.TextMessage, body); err != nil {
				s.log.Debugf("write error: %v", err)
				s.Close()
				return
			}
		case <-ticker.C:
			s.mu.Lock()
			s.missedPong++
			missed := s.missedPong
			s.mu.Unlock()
			if missed > maxMissedPongs {
				s.log.Warnf("peer missed %d pongs, closing", missed)
				s.Close()
				return
			}
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		case <-s.closeCh:
			return
		}
	}
}

// Close idempotently tears down the session, failing every pending
// server-to-peer request.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()

		close(s.closeCh)
		_ = s.conn.Close()

		s.reqMu.Lock()
		pending := s.pending
		s.pending = make(map[uint32]chan *Response)
		s.reqMu.Unlock()
		for _, ch := range pending {
			ch <- &Response{OK: false, ErrorCode: 503, ErrorReason: "session closed"}
		}

		if s.onClose != nil {
			s.onClose()
		}
	})
}
