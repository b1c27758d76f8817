package codec

import (
	"bufio"
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []*Message{
		{Kind: KindRequest, Request: &Request{ID: 1, Method: "worker.createRouter", HandlerID: "", Body: []byte(`{}`)}},
		{Kind: KindResponse, Response: &Response{ID: 1, Accepted: true, Body: []byte(`{"ok":1}`)}},
		{Kind: KindResponse, Response: &Response{ID: 2, Accepted: false, ErrorKind: "TypeError", Reason: "bad payload"}},
		{Kind: KindNotification, Notification: &Notification{HandlerID: "producer-1", Event: "score", Body: []byte(`{}`)}},
		{Kind: KindLog, Log: &Log{Prefix: LogWarn, Text: "unmatched response"}},
	}

	for _, m := range cases {
		enc, err := Encode(m)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		dec, err := Decode(enc)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		reenc, err := Encode(dec)
		if err != nil {
			t.Fatalf("re-Encode: %v", err)
		}
		if !bytes.Equal(enc, reenc) {
			t.Fatalf("round-trip mismatch: %v != %v", enc, reenc)
		}
	}
}

func TestFrameBoundary(t *testing.T) {
	// Exactly MaxMessageSize (4,194,308) must be accepted; one byte more
	// must be rejected (spec.md §8 boundary behaviors).
	body := make([]byte, MaxMessageSize-4)
	var buf bytes.Buffer
	if err := WriteFrame(&buf, ModeFramed, body); err != nil {
		t.Fatalf("WriteFrame at exact boundary: %v", err)
	}
	got, err := ReadFrame(bufio.NewReader(&buf), ModeFramed)
	if err != nil {
		t.Fatalf("ReadFrame at exact boundary: %v", err)
	}
	if len(got) != len(body) {
		t.Fatalf("got %d bytes, want %d", len(got), len(body))
	}

	tooBig := make([]byte, MaxMessageSize-3)
	if err := WriteFrame(&buf, ModeFramed, tooBig); err != ErrTooLarge {
		t.Fatalf("WriteFrame over boundary: got %v, want ErrTooLarge", err)
	}
}

func TestDecodeTruncated(t *testing.T) {
	enc, _ := Encode(&Message{Kind: KindRequest, Request: &Request{ID: 1, Method: "x"}})
	_, err := Decode(enc[:len(enc)-1])
	if err != ErrTruncated {
		t.Fatalf("got %v, want ErrTruncated", err)
	}
}
