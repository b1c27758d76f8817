package peer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// serverClientPair upgrades one httptest server connection into a Session
// (server side) and returns the matching raw gorilla client connection, so
// tests can drive both ends of the protoo envelope without a room/engine.
func serverClientPair(t *testing.T, onRequest RequestHandler, onNotification NotificationHandler) (*Session, *websocket.Conn, func()) {
	t.Helper()

	var srv *Session
	ready := make(chan struct{})

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	httpSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		srv = New(conn, "peer-1", 0, onRequest, onNotification, nil)
		close(ready)
	}))

	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/"
	clientConn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	<-ready

	return srv, clientConn, func() {
		clientConn.Close()
		httpSrv.Close()
	}
}

func TestSessionServesPeerRequest(t *testing.T) {
	onRequest := func(ctx context.Context, method string, data json.RawMessage) (json.RawMessage, error) {
		if method != "join" {
			t.Fatalf("unexpected method %q", method)
		}
		return json.RawMessage(`{"ok":true}`), nil
	}

	srv, client, cleanup := serverClientPair(t, onRequest, nil)
	defer cleanup()
	defer srv.Close()

	req := Request{Request: true, ID: 7, Method: "join", Data: json.RawMessage(`{}`)}
	body, _ := json.Marshal(req)
	if err := client.WriteMessage(websocket.TextMessage, body); err != nil {
		t.Fatalf("write: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if !resp.OK || resp.ID != 7 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestSessionNotificationDelivered(t *testing.T) {
	notified := make(chan string, 1)
	onNotification := func(method string, data json.RawMessage) {
		notified <- method
	}

	srv, client, cleanup := serverClientPair(t, nil, onNotification)
	defer cleanup()
	defer srv.Close()

	note := Notification{Notification: true, Method: "newProducer", Data: json.RawMessage(`{}`)}
	body, _ := json.Marshal(note)
	if err := client.WriteMessage(websocket.TextMessage, body); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case method := <-notified:
		if method != "newProducer" {
			t.Fatalf("unexpected method %q", method)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestSessionServerToPeerRequestRoundTrip(t *testing.T) {
	srv, client, cleanup := serverClientPair(t, nil, nil)
	defer cleanup()
	defer srv.Close()

	go func() {
		client.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, raw, err := client.ReadMessage()
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(raw, &req); err != nil || !req.Request {
			return
		}
		resp := Response{Response: true, ID: req.ID, OK: true, Data: json.RawMessage(`{"accepted":true}`)}
		b, _ := json.Marshal(resp)
		client.WriteMessage(websocket.TextMessage, b)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := srv.Request(ctx, "newConsumer", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(data) != `{"accepted":true}` {
		t.Fatalf("unexpected data: %s", data)
	}
}

func TestSessionRequestFailsAfterClose(t *testing.T) {
	srv, client, cleanup := serverClientPair(t, nil, nil)
	defer cleanup()

	srv.Close()
	srv.Close() // idempotent

	if srv.State() != StateClosed {
		t.Fatalf("expected StateClosed, got %v", srv.State())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if _, err := srv.Request(ctx, "whatever", nil); err == nil {
		t.Fatal("expected error requesting on a closed session")
	}

	_ = client
}

func TestClassify(t *testing.T) {
	cases := []struct {
		raw  string
		want Kind
	}{
		{`{"request":true,"id":1,"method":"join"}`, KindRequest},
		{`{"response":true,"id":1,"ok":true}`, KindResponse},
		{`{"notification":true,"method":"newProducer"}`, KindNotification},
		{`{}`, KindUnknown},
		{`not json`, KindUnknown},
	}
	for _, c := range cases {
		if got := Classify([]byte(c.raw)); got != c.want {
			t.Fatalf("Classify(%q) = %v, want %v", c.raw, got, c.want)
		}
	}
}
