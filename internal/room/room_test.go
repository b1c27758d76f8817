package room

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/n0remac/sfu-control-plane/internal/channel"
	"github.com/n0remac/sfu-control-plane/internal/codec"
	"github.com/n0remac/sfu-control-plane/internal/config"
	"github.com/n0remac/sfu-control-plane/internal/entity"
	"github.com/n0remac/sfu-control-plane/internal/peer"
	"github.com/n0remac/sfu-control-plane/internal/rtpcap"
	"github.com/n0remac/sfu-control-plane/internal/worker"
)

// fakeWriter/newFakeWorker mirror internal/entity's own test harness: they
// let a *worker.Worker answer every request with a canned fixture instead
// of a real worker subprocess, and forward a "producerclose" notification
// to whichever consumers were created against a producer that then closes.
type fakeWriter struct {
	ch       *channel.Channel
	outbound chan []byte
}

func (fw *fakeWriter) Write(p []byte) (int, error) {
	cp := append([]byte(nil), p...)
	fw.outbound <- cp
	return len(p), nil
}

func newFakeWorker(t *testing.T) *worker.Worker {
	t.Helper()
	fw := &fakeWriter{outbound: make(chan []byte, 256)}
	ch := channel.New(nil, fw, codec.ModeDirect)
	fw.ch = ch

	consumersByProducer := make(map[string][]string)

	go func() {
		for body := range fw.outbound {
			msg, err := codec.Decode(body)
			if err != nil || msg.Kind != codec.KindRequest {
				continue
			}
			req := msg.Request

			if req.Method == "transport.consume" {
				var parsed struct {
					ConsumerID string `json:"consumerId"`
					ProducerID string `json:"producerId"`
				}
				_ = json.Unmarshal(req.Body, &parsed)
				consumersByProducer[parsed.ProducerID] = append(consumersByProducer[parsed.ProducerID], parsed.ConsumerID)
			}

			respBody := fixtureFor(req.Method)
			enc, _ := codec.Encode(&codec.Message{
				Kind:     codec.KindResponse,
				Response: &codec.Response{ID: req.ID, Accepted: true, Body: respBody},
			})
			ch.Deliver(enc)

			if req.Method == "producer.close" {
				for _, consumerID := range consumersByProducer[req.HandlerID] {
					note, _ := codec.Encode(&codec.Message{
						Kind:         codec.KindNotification,
						Notification: &codec.Notification{HandlerID: consumerID, Event: "producerclose"},
					})
					ch.Deliver(note)
				}
			}
		}
	}()

	return worker.NewDirect("w1", ch)
}

func fixtureFor(method string) []byte {
	switch method {
	case "router.createWebRtcTransport":
		return []byte(`{"iceParameters":{},"iceCandidates":[],"dtlsParameters":{}}`)
	default:
		return []byte(`{}`)
	}
}

func testMediaCodecs() []rtpcap.CodecCapability {
	return []rtpcap.CodecCapability{
		{Kind: rtpcap.KindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
		{Kind: rtpcap.KindVideo, MimeType: "video/VP8", ClockRate: 90000},
	}
}

// notifyRecord is one captured server-to-peer notification.
type notifyRecord struct {
	method string
	data   json.RawMessage
}

// testPeer drives one end of a signaling websocket against a *Room,
// answering any server-to-peer request (newConsumer, newDataConsumer,
// videoProducerQualityChanged) with an immediate ok, the way a well-behaved
// client would, and queuing notifications for assertions.
type testPeer struct {
	id      string
	conn    *websocket.Conn
	httpSrv *httptest.Server

	mu       sync.Mutex
	nextID   uint32
	pending  map[uint32]chan peer.Response
	notifies chan notifyRecord
}

func newTestPeer(t *testing.T, r *Room, peerID string, opts PeerOptions) *testPeer {
	t.Helper()

	if err := r.ReservePeer(peerID, opts); err != nil {
		t.Fatalf("ReservePeer(%s): %v", peerID, err)
	}

	tp := &testPeer{
		id:       peerID,
		pending:  make(map[uint32]chan peer.Response),
		notifies: make(chan notifyRecord, 64),
	}

	ready := make(chan struct{})
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	tp.httpSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		sess := peer.New(conn, peerID, 0,
			func(ctx context.Context, method string, data json.RawMessage) (json.RawMessage, error) {
				return r.HandleRequest(ctx, peerID, method, data)
			},
			func(method string, data json.RawMessage) {
				r.HandleNotification(peerID, method, data)
			},
			func() { r.ClosePeer(peerID) },
		)
		r.AttachSession(peerID, sess)
		close(ready)
	}))

	url := "ws" + strings.TrimPrefix(tp.httpSrv.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	<-ready
	tp.conn = conn

	go tp.readLoop()

	return tp
}

func (tp *testPeer) readLoop() {
	for {
		_, raw, err := tp.conn.ReadMessage()
		if err != nil {
			return
		}
		switch peer.Classify(raw) {
		case peer.KindResponse:
			var resp peer.Response
			if err := json.Unmarshal(raw, &resp); err != nil {
				continue
			}
			tp.mu.Lock()
			ch, ok := tp.pending[resp.ID]
			if ok {
				delete(tp.pending, resp.ID)
			}
			tp.mu.Unlock()
			if ok {
				ch <- resp
			}
		case peer.KindRequest:
			var req peer.Request
			if err := json.Unmarshal(raw, &req); err != nil {
				continue
			}
			ack := peer.Response{Response: true, ID: req.ID, OK: true, Data: json.RawMessage(`{}`)}
			b, _ := json.Marshal(ack)
			_ = tp.conn.WriteMessage(websocket.TextMessage, b)
			if req.Method == "newConsumer" || req.Method == "newDataConsumer" {
				tp.notifies <- notifyRecord{method: req.Method, data: req.Data}
			}
		case peer.KindNotification:
			var note peer.Notification
			if err := json.Unmarshal(raw, &note); err != nil {
				continue
			}
			select {
			case tp.notifies <- notifyRecord{method: note.Method, data: note.Data}:
			default:
			}
		}
	}
}

func (tp *testPeer) request(t *testing.T, method string, data interface{}) peer.Response {
	t.Helper()
	body, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal %s data: %v", method, err)
	}

	tp.mu.Lock()
	tp.nextID++
	id := tp.nextID
	ch := make(chan peer.Response, 1)
	tp.pending[id] = ch
	tp.mu.Unlock()

	req := peer.Request{Request: true, ID: id, Method: method, Data: body}
	enc, _ := json.Marshal(req)
	if err := tp.conn.WriteMessage(websocket.TextMessage, enc); err != nil {
		t.Fatalf("write %s: %v", method, err)
	}

	select {
	case resp := <-ch:
		return resp
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for response to %s", method)
		return peer.Response{}
	}
}

func (tp *testPeer) waitFor(t *testing.T, method string) notifyRecord {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case n := <-tp.notifies:
			if n.method == method {
				return n
			}
		case <-deadline:
			t.Fatalf("peer %s: timed out waiting for %q", tp.id, method)
			return notifyRecord{}
		}
	}
}

func (tp *testPeer) close() {
	_ = tp.conn.Close()
	tp.httpSrv.Close()
}

func newTestRoom(t *testing.T) *Room {
	t.Helper()
	ctx := context.Background()
	w := newFakeWorker(t)
	router, err := entity.NewRouter(ctx, w, testMediaCodecs())
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	r, err := New(ctx, "room-1", config.Default(), router, nil)
	if err != nil {
		t.Fatalf("New room: %v", err)
	}
	return r
}

func audioCapabilities() rtpcap.RtpCapabilities {
	return rtpcap.RtpCapabilities{
		Codecs: []rtpcap.CodecCapability{{Kind: rtpcap.KindAudio, MimeType: "audio/opus", ClockRate: 48000}},
	}
}

// joinPeer drives the real client ordering: get capabilities, create a
// send+recv transport, then join — matching the comment on HandleRequest's
// pre-join method allowlist.
func joinPeer(t *testing.T, r *Room, id, displayName string) (*testPeer, string) {
	t.Helper()
	tp := newTestPeer(t, r, id, PeerOptions{})

	capsResp := tp.request(t, "getRouterRtpCapabilities", struct{}{})
	if !capsResp.OK {
		t.Fatalf("getRouterRtpCapabilities: %+v", capsResp)
	}

	transportResp := tp.request(t, "createWebRtcTransport", map[string]interface{}{
		"producing": true,
		"consuming": true,
	})
	if !transportResp.OK {
		t.Fatalf("createWebRtcTransport: %+v", transportResp)
	}
	var transportData struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(transportResp.Data, &transportData); err != nil {
		t.Fatalf("unmarshal transport response: %v", err)
	}

	joinResp := tp.request(t, "join", map[string]interface{}{
		"displayName":     displayName,
		"rtpCapabilities": audioCapabilities(),
	})
	if !joinResp.OK {
		t.Fatalf("join: %+v", joinResp)
	}

	return tp, transportData.ID
}

func TestRoomJoinProduceFansOutConsumer(t *testing.T) {
	r := newTestRoom(t)

	alice, aliceTransportID := joinPeer(t, r, "alice", "Alice")
	defer alice.close()

	produceResp := alice.request(t, "produce", map[string]interface{}{
		"transportId": aliceTransportID,
		"kind":        rtpcap.KindAudio,
		"rtpParameters": rtpcap.RtpParameters{
			Codecs: []rtpcap.RtpCodecParameters{{MimeType: "audio/opus", ClockRate: 48000}},
		},
	})
	if !produceResp.OK {
		t.Fatalf("produce: %+v", produceResp)
	}

	bob, _ := joinPeer(t, r, "bob", "Bob")
	defer bob.close()

	// join's consumer fan-out (spec.md §4.8 steps 5-7) runs asynchronously;
	// bob should receive a newConsumer server request for alice's producer.
	n := bob.waitFor(t, "newConsumer")
	var newConsumerBody struct {
		ProducerID string `json:"producerId"`
	}
	if err := json.Unmarshal(n.data, &newConsumerBody); err != nil {
		t.Fatalf("unmarshal newConsumer body: %v", err)
	}

	// alice should be told about bob via newPeer.
	peerNote := alice.waitFor(t, "newPeer")
	var newPeerBody struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(peerNote.data, &newPeerBody); err != nil {
		t.Fatalf("unmarshal newPeer body: %v", err)
	}
	if newPeerBody.ID != "bob" {
		t.Fatalf("expected newPeer for bob, got %q", newPeerBody.ID)
	}
}

func TestRoomCloseProducerNotifiesConsumer(t *testing.T) {
	r := newTestRoom(t)

	alice, aliceTransportID := joinPeer(t, r, "alice", "Alice")
	defer alice.close()
	bob, _ := joinPeer(t, r, "bob", "Bob")
	defer bob.close()

	produceResp := alice.request(t, "produce", map[string]interface{}{
		"transportId": aliceTransportID,
		"kind":        rtpcap.KindAudio,
		"rtpParameters": rtpcap.RtpParameters{
			Codecs: []rtpcap.RtpCodecParameters{{MimeType: "audio/opus", ClockRate: 48000}},
		},
	})
	if !produceResp.OK {
		t.Fatalf("produce: %+v", produceResp)
	}
	var producerData struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(produceResp.Data, &producerData); err != nil {
		t.Fatalf("unmarshal produce response: %v", err)
	}

	bob.waitFor(t, "newConsumer")

	closeResp := alice.request(t, "closeProducer", map[string]interface{}{"producerId": producerData.ID})
	if !closeResp.OK {
		t.Fatalf("closeProducer: %+v", closeResp)
	}

	bob.waitFor(t, "consumerClosed")
}

func TestRoomRejectsRequestsBeforeJoin(t *testing.T) {
	r := newTestRoom(t)
	tp := newTestPeer(t, r, "alice", PeerOptions{})
	defer tp.close()

	resp := tp.request(t, "produce", map[string]interface{}{"transportId": "nope"})
	if resp.OK {
		t.Fatal("expected produce before join to fail")
	}
	if resp.ErrorCode != 403 {
		t.Fatalf("expected errorCode 403, got %d", resp.ErrorCode)
	}
}
