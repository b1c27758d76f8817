package worker

import (
	"io"
	"testing"
	"time"

	"github.com/n0remac/sfu-control-plane/internal/channel"
	"github.com/n0remac/sfu-control-plane/internal/codec"
)

func TestNewDirectCloseIsImmediateAndIdempotent(t *testing.T) {
	ch := channel.New(nil, io.Discard, codec.ModeDirect)
	w := NewDirect("w1", ch)

	done := make(chan struct{})
	go func() {
		w.Close()
		w.Close() // idempotent
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close on a subprocess-less worker should return immediately")
	}

	if !w.Closed() {
		t.Fatal("expected worker to be marked closed")
	}
	if w.Died() != nil {
		t.Fatalf("expected no Died error for an explicit Close, got %v", w.Died())
	}
}

func TestOnCloseFiresOnceOnExplicitClose(t *testing.T) {
	ch := channel.New(nil, io.Discard, codec.ModeDirect)
	w := NewDirect("w1", ch)

	var calls int
	w.OnClose(func() { calls++ })

	w.Close()
	w.Close()

	if calls != 1 {
		t.Fatalf("expected OnClose callback to fire exactly once, got %d", calls)
	}
}

func TestOnCloseFiresImmediatelyIfAlreadyClosed(t *testing.T) {
	ch := channel.New(nil, io.Discard, codec.ModeDirect)
	w := NewDirect("w1", ch)
	w.Close()

	fired := false
	w.OnClose(func() { fired = true })

	if !fired {
		t.Fatal("expected OnClose to fire immediately for an already-closed worker")
	}
}
