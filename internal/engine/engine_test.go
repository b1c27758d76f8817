package engine

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/n0remac/sfu-control-plane/internal/channel"
	"github.com/n0remac/sfu-control-plane/internal/codec"
	"github.com/n0remac/sfu-control-plane/internal/config"
	"github.com/n0remac/sfu-control-plane/internal/entity"
	"github.com/n0remac/sfu-control-plane/internal/worker"
)

func directWorker(id string) *worker.Worker {
	ch := channel.New(nil, io.Discard, codec.ModeDirect)
	return worker.NewDirect(id, ch)
}

// respondingWorker accepts every request it's sent, fixture-free, so the
// seeding path can exercise worker.createWebRtcServer without a real
// subprocess (mirrors internal/entity's fakeWriter harness). Every decoded
// request is also sent to requests, when non-nil, for assertions.
func respondingWorker(t *testing.T, id string, requests chan<- *codec.Request) *worker.Worker {
	t.Helper()
	outbound := make(chan []byte, 16)
	var ch *channel.Channel
	ch = channel.New(nil, writerFunc(func(p []byte) (int, error) {
		cp := append([]byte(nil), p...)
		outbound <- cp
		return len(p), nil
	}), codec.ModeDirect)

	go func() {
		for body := range outbound {
			msg, err := codec.Decode(body)
			if err != nil || msg.Kind != codec.KindRequest {
				continue
			}
			if requests != nil {
				requests <- msg.Request
			}
			enc, _ := codec.Encode(&codec.Message{
				Kind:     codec.KindResponse,
				Response: &codec.Response{ID: msg.Request.ID, Accepted: true, Body: []byte(`{}`)},
			})
			ch.Deliver(enc)
		}
	}()

	return worker.NewDirect(id, ch)
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func TestNextWorkerRoundRobinSkipsDead(t *testing.T) {
	w1 := directWorker("w1")
	w2 := directWorker("w2")
	w3 := directWorker("w3")
	e := &Engine{workers: []*worker.Worker{w1, w2, w3}}

	w2.Close()

	seen := make(map[string]int)
	for i := 0; i < 6; i++ {
		w, err := e.nextWorker()
		if err != nil {
			t.Fatalf("nextWorker: %v", err)
		}
		seen[w.ID()]++
	}

	if seen["w2"] != 0 {
		t.Fatalf("expected dead w2 to never be selected, got %d picks", seen["w2"])
	}
	if seen["w1"] == 0 || seen["w3"] == 0 {
		t.Fatalf("expected both live workers to be picked, got %v", seen)
	}
}

func TestNextWorkerAllDeadErrors(t *testing.T) {
	w1 := directWorker("w1")
	w1.Close()
	e := &Engine{workers: []*worker.Worker{w1}}

	if _, err := e.nextWorker(); err == nil {
		t.Fatal("expected error when every worker has died")
	}
}

func TestSeedWebRtcServerOffsetsPortByOrdinal(t *testing.T) {
	ctx := context.Background()
	e := &Engine{
		cfg: &config.Config{Mediasoup: config.MediasoupConfig{
			WebRtcServerOptions: config.WebRtcServerOptionsConfig{
				ListenInfos: []config.ListenInfo{{Protocol: "udp", IP: "0.0.0.0", Port: 44444}},
			},
		}},
		webrtcServers: make(map[string]*entity.WebRtcServer),
	}

	requests := make(chan *codec.Request, 4)
	w2 := respondingWorker(t, "worker-2", requests)
	server, err := e.seedWebRtcServer(ctx, w2, 2)
	if err != nil {
		t.Fatalf("seedWebRtcServer: %v", err)
	}
	if server == nil {
		t.Fatal("expected a non-nil WebRtcServer")
	}

	req := <-requests
	var sent struct {
		ListenInfos []config.ListenInfo `json:"listenInfos"`
	}
	if err := json.Unmarshal(req.Body, &sent); err != nil {
		t.Fatalf("decode %s body: %v", req.Method, err)
	}
	if len(sent.ListenInfos) != 1 || sent.ListenInfos[0].Port != 44446 {
		t.Fatalf("expected worker ordinal 2 to listen on 44444+2, got %+v", sent.ListenInfos)
	}
}

func TestNewWorkerEventReplaysAlreadySpawnedWorkers(t *testing.T) {
	w1 := directWorker("w1")
	w2 := directWorker("w2")
	e := &Engine{workers: []*worker.Worker{w1, w2}}

	var seen []string
	e.OnNewWorker(func(w *worker.Worker) { seen = append(seen, w.ID()) })

	if len(seen) != 2 || seen[0] != "w1" || seen[1] != "w2" {
		t.Fatalf("expected OnNewWorker to replay both already-spawned workers, got %v", seen)
	}

	w3 := directWorker("w3")
	e.mu.Lock()
	e.workers = append(e.workers, w3)
	e.mu.Unlock()
	e.emitNewWorker(w3)

	if len(seen) != 3 || seen[2] != "w3" {
		t.Fatalf("expected a freshly emitted worker to reach the subscriber, got %v", seen)
	}
}

func TestWebRtcServerForReturnsNilWhenNotSeeded(t *testing.T) {
	e := &Engine{webrtcServers: make(map[string]*entity.WebRtcServer)}
	w1 := directWorker("w1")
	if s := e.WebRtcServerFor(w1); s != nil {
		t.Fatal("expected nil WebRtcServer when single-port mode is disabled")
	}
}
