// Package engine implements the Worker Pool (spec.md §4.6): it spawns
// config.Mediasoup.NumWorkers worker subprocesses at startup and hands out
// routers from them in round-robin order, the same load-balancing
// strategy mediasoup's own Go ports use instead of anything load-aware.
//
// Grounded on itzmanish-mediasoup-go's Mediasoup/WorkerPool construction
// (spawn N workers up front, getNextWorker() round-robin cursor) and the
// teacher's webrtc/sfu.go pattern of a package-level registry guarded by a
// mutex for long-lived singletons.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/n0remac/sfu-control-plane/internal/config"
	"github.com/n0remac/sfu-control-plane/internal/entity"
	"github.com/n0remac/sfu-control-plane/internal/logger"
	"github.com/n0remac/sfu-control-plane/internal/rtpcap"
	"github.com/n0remac/sfu-control-plane/internal/worker"
)

// Engine owns every worker subprocess for the process's lifetime and
// allocates routers to them round-robin (spec.md §4.6).
type Engine struct {
	log *logger.Logger
	cfg *config.Config

	mediaCodecs []rtpcap.CodecCapability

	mu            sync.Mutex
	workers       []*worker.Worker
	cursor        uint64
	webrtcServers map[string]*entity.WebRtcServer // worker id -> its seeded server, single-port mode only
	newWorkerSubs []func(*worker.Worker)
}

// New spawns cfg.Mediasoup.NumWorkers worker subprocesses and returns the
// engine once every one of them has reported itself running, or the
// first error any of them returns (spec.md §4.3/§4.6). As each worker
// reports itself running, New, if cfg.Mediasoup.UseWebRtcServer is set,
// seeds it with a WebRtcServer whose listen port is offset by the worker's
// ordinal (spec.md §4.6), and then emits the §4.6 "newWorker" event for it
// via OnNewWorker, before spawning the next worker.
func New(ctx context.Context, cfg *config.Config, mediaCodecs []rtpcap.CodecCapability) (*Engine, error) {
	e := &Engine{
		log:           logger.New("engine"),
		cfg:           cfg,
		mediaCodecs:   mediaCodecs,
		webrtcServers: make(map[string]*entity.WebRtcServer),
	}

	n := cfg.Mediasoup.NumWorkers
	if n <= 0 {
		n = 1
	}

	settings := worker.SettingsFromConfig(cfg.Mediasoup.WorkerSettings)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("worker-%d", i)
		w, err := worker.Run(ctx, id, settings)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("engine: spawning %s: %w", id, err)
		}
		e.workers = append(e.workers, w)
		e.log.Debugf("%s running", id)

		if cfg.Mediasoup.UseWebRtcServer {
			server, err := e.seedWebRtcServer(ctx, w, i)
			if err != nil {
				e.Close()
				return nil, fmt.Errorf("engine: seeding webrtc server for %s: %w", id, err)
			}
			e.webrtcServers[w.ID()] = server
		}

		e.emitNewWorker(w)
	}

	return e, nil
}

// seedWebRtcServer builds ordinal-th worker's listen infos by offsetting
// every configured port by its worker ordinal (spec.md §4.6: "listen port
// incremented per worker ordinal") and creates the WebRtcServer on w.
func (e *Engine) seedWebRtcServer(ctx context.Context, w *worker.Worker, ordinal int) (*entity.WebRtcServer, error) {
	base := e.cfg.Mediasoup.WebRtcServerOptions.ListenInfos
	listenInfos := make([]config.ListenInfo, len(base))
	for i, li := range base {
		li.Port += uint16(ordinal)
		listenInfos[i] = li
	}
	return entity.NewWebRtcServer(ctx, w, listenInfos, nil)
}

// OnNewWorker subscribes fn to the §4.6 "newWorker" event. Every worker
// this engine has already spawned is replayed immediately (workers are
// all created synchronously inside New, so a subscriber registered after
// construction would otherwise never see them), matching the
// fire-immediately-if-already-there idiom internal/worker.Worker.OnClose
// uses for its own terminal event.
func (e *Engine) OnNewWorker(fn func(*worker.Worker)) {
	e.mu.Lock()
	e.newWorkerSubs = append(e.newWorkerSubs, fn)
	workers := append([]*worker.Worker(nil), e.workers...)
	e.mu.Unlock()
	for _, w := range workers {
		fn(w)
	}
}

func (e *Engine) emitNewWorker(w *worker.Worker) {
	e.mu.Lock()
	subs := append([]func(*worker.Worker)(nil), e.newWorkerSubs...)
	e.mu.Unlock()
	for _, fn := range subs {
		fn(w)
	}
}

// WebRtcServerFor returns the WebRtcServer seeded on w at startup, or nil
// if single-port mode is disabled.
func (e *Engine) WebRtcServerFor(w *worker.Worker) *entity.WebRtcServer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.webrtcServers[w.ID()]
}

// nextWorker returns the next worker in round-robin order, skipping any
// that have died (spec.md §4.6's load-balancing must not hand out a dead
// worker).
func (e *Engine) nextWorker() (*worker.Worker, error) {
	e.mu.Lock()
	workers := e.workers
	e.mu.Unlock()

	if len(workers) == 0 {
		return nil, fmt.Errorf("engine: no workers available")
	}

	n := uint64(len(workers))
	for i := uint64(0); i < n; i++ {
		idx := atomic.AddUint64(&e.cursor, 1) % n
		if w := workers[idx]; !w.Closed() {
			return w, nil
		}
	}
	return nil, fmt.Errorf("engine: all workers have died")
}

// CreateRouter allocates the next worker in round-robin order and creates
// a Router on it (spec.md §4.5/§4.6).
func (e *Engine) CreateRouter(ctx context.Context) (*entity.Router, error) {
	w, err := e.nextWorker()
	if err != nil {
		return nil, err
	}
	r, err := entity.NewRouter(ctx, w, e.mediaCodecs)
	if err != nil {
		return nil, err
	}
	if server := e.WebRtcServerFor(w); server != nil {
		r.SetWebRtcServer(server)
	}
	return r, nil
}

// Workers returns a snapshot of every worker this engine owns, for
// admin-facing inspection (internal/adminrpc).
func (e *Engine) Workers() []*worker.Worker {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*worker.Worker(nil), e.workers...)
}

// Close terminates every worker subprocess this engine owns.
func (e *Engine) Close() {
	e.mu.Lock()
	workers := e.workers
	e.workers = nil
	e.mu.Unlock()

	for _, w := range workers {
		w.Close()
	}
}
