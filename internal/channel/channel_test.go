package channel

import (
	"context"
	"testing"
	"time"

	"github.com/n0remac/sfu-control-plane/internal/codec"
)

// captureWriter records each write (one per WriteFrame call in direct
// mode) onto a channel so tests can intercept outbound requests without
// racing the channel's own writeLoop goroutine.
type captureWriter struct{ ch chan []byte }

func (cw *captureWriter) Write(p []byte) (int, error) {
	cp := append([]byte(nil), p...)
	cw.ch <- cp
	return len(p), nil
}

// newTestChannel pairs a Channel with direct access to feed it fabricated
// worker responses/notifications via Deliver, since standing up a real
// pipe pair isn't needed to exercise the multiplexing logic.
func newTestChannel() (*Channel, *captureWriter) {
	cw := &captureWriter{ch: make(chan []byte, 16)}
	return New(nil, cw, codec.ModeDirect), cw
}

func encodeResponse(t *testing.T, resp *codec.Response) []byte {
	t.Helper()
	b, err := codec.Encode(&codec.Message{Kind: codec.KindResponse, Response: resp})
	if err != nil {
		t.Fatalf("encode response: %v", err)
	}
	return b
}

func recvOutboundRequestID(t *testing.T, cw *captureWriter) uint32 {
	t.Helper()
	select {
	case body := <-cw.ch:
		msg, err := codec.Decode(body)
		if err != nil {
			t.Fatalf("decode outbound: %v", err)
		}
		if msg.Kind != codec.KindRequest {
			t.Fatalf("expected request, got %v", msg.Kind)
		}
		return msg.Request.ID
	case <-time.After(time.Second):
		t.Fatal("request never wrote to outbound queue")
		return 0
	}
}

func TestRequestResponseMatching(t *testing.T) {
	c, cw := newTestChannel()
	defer c.Close()

	done := make(chan struct{})
	var gotBody []byte
	var reqErr error
	go func() {
		gotBody, reqErr = c.Request(context.Background(), "router.createWebRtcTransport", "router-1", []byte(`{}`))
		close(done)
	}()

	id := recvOutboundRequestID(t, cw)
	c.Deliver(encodeResponse(t, &codec.Response{ID: id, Accepted: true, Body: []byte(`{"id":"ok"}`)}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("request never resolved")
	}
	if reqErr != nil {
		t.Fatalf("unexpected error: %v", reqErr)
	}
	if string(gotBody) != `{"id":"ok"}` {
		t.Fatalf("got body %q", gotBody)
	}
}

func TestRequestIDNeverZeroAndWraps(t *testing.T) {
	c, _ := newTestChannel()
	defer c.Close()

	c.mu.Lock()
	c.nextID = ^uint32(0) // math.MaxUint32
	first := c.allocateLocked()
	c.mu.Unlock()

	if first != 1 {
		// MaxUint32+1 overflows to 0, which must be skipped straight to 1
		// per spec.md §3/§8.
		t.Fatalf("expected wrap to skip 0 and land on 1, got %d", first)
	}
}

func TestRemoteRejectionSurfaces(t *testing.T) {
	c, cw := newTestChannel()
	defer c.Close()

	done := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "transport.produce", "t-1", nil)
		done <- err
	}()

	id := recvOutboundRequestID(t, cw)
	c.Deliver(encodeResponse(t, &codec.Response{ID: id, Accepted: false, ErrorKind: "TypeError", Reason: "unsupported codec"}))

	err := <-done
	ce, ok := err.(*Error)
	if !ok || ce.Kind != ErrTypeError {
		t.Fatalf("expected TypeError, got %v", err)
	}
}

func TestCloseFailsAllPending(t *testing.T) {
	c, cw := newTestChannel()

	done := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "worker.dump", "", nil)
		done <- err
	}()
	<-cw.ch // drain so Request has inserted into pending before closing

	c.Close()
	c.Close() // idempotent

	if err := <-done; err != Closed {
		t.Fatalf("got %v, want Closed", err)
	}
}

func TestNotifyDropsWhenClosed(t *testing.T) {
	c, _ := newTestChannel()
	c.Close()
	c.Notify("producer-1", "score", []byte(`{}`)) // must not panic or block
}

func TestNotificationOrderingPerHandler(t *testing.T) {
	c, _ := newTestChannel()
	defer c.Close()

	var order []string
	done := make(chan struct{})
	count := 0
	c.On("consumer-1", func(event string, body []byte) {
		order = append(order, event)
		count++
		if count == 3 {
			close(done)
		}
	})

	for _, ev := range []string{"score", "layerschange", "producerpause"} {
		enc, _ := codec.Encode(&codec.Message{Kind: codec.KindNotification, Notification: &codec.Notification{HandlerID: "consumer-1", Event: ev}})
		c.Deliver(enc)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("notifications never delivered")
	}

	want := []string{"score", "layerschange", "producerpause"}
	for i, w := range want {
		if order[i] != w {
			t.Fatalf("order[%d] = %s, want %s", i, order[i], w)
		}
	}
}
