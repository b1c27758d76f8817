// Package worker implements the Worker Handle (spec.md §4.3): the
// controller-side supervisor for one worker subprocess, spawned over two
// pipe pairs and spoken to through an internal/channel.Channel.
//
// Grounded on itzmanish-mediasoup-go's NewWorker (pipe setup via
// exec.Cmd.ExtraFiles, stdout/stderr log-forwarding goroutines, the
// "running" handshake gating the constructor's return, exit-code-42
// special-casing in wait()) and on the teacher's pattern of a supervising
// goroutine per external process boundary.
package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/n0remac/sfu-control-plane/internal/channel"
	"github.com/n0remac/sfu-control-plane/internal/codec"
	"github.com/n0remac/sfu-control-plane/internal/config"
	"github.com/n0remac/sfu-control-plane/internal/logger"
	"github.com/n0remac/sfu-control-plane/internal/topology"
)

// Settings configures one worker subprocess invocation, derived from
// config.WorkerSettingsConfig (spec.md §4.3/§6).
type Settings struct {
	LogLevel             string
	LogTags              []string
	RTCMinPort           uint16
	RTCMaxPort           uint16
	DTLSCertificateFile  string
	DTLSPrivateKeyFile   string
	LibwebrtcFieldTrials string
}

func SettingsFromConfig(c config.WorkerSettingsConfig) Settings {
	return Settings{
		LogLevel:             c.LogLevel,
		LogTags:              c.LogTags,
		RTCMinPort:           c.RTCMinPort,
		RTCMaxPort:           c.RTCMaxPort,
		DTLSCertificateFile:  c.DTLSCertificateFile,
		DTLSPrivateKeyFile:   c.DTLSPrivateKeyFile,
		LibwebrtcFieldTrials: c.LibwebrtcFieldTrials,
	}
}

// Args renders Settings into the worker binary's argv, matching the
// "--flag=value" convention the real mediasoup-worker binary expects.
func (s Settings) Args() []string {
	args := []string{
		"--logLevel=" + orDefault(s.LogLevel, "error"),
		fmt.Sprintf("--rtcMinPort=%d", s.RTCMinPort),
		fmt.Sprintf("--rtcMaxPort=%d", s.RTCMaxPort),
	}
	for _, tag := range s.LogTags {
		args = append(args, "--logTag="+tag)
	}
	if s.DTLSCertificateFile != "" {
		args = append(args, "--dtlsCertificateFile="+s.DTLSCertificateFile)
	}
	if s.DTLSPrivateKeyFile != "" {
		args = append(args, "--dtlsPrivateKeyFile="+s.DTLSPrivateKeyFile)
	}
	if s.LibwebrtcFieldTrials != "" {
		args = append(args, "--libwebrtcFieldTrials="+s.LibwebrtcFieldTrials)
	}
	return args
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Worker supervises one worker subprocess (or, in single-process mode, an
// in-thread stand-in) for the lifetime of the process.
type Worker struct {
	log  *logger.Logger
	id   string
	ch   *channel.Channel
	cmd  *exec.Cmd

	mu     sync.Mutex
	closed bool
	died   *Error

	routers       *topology.Registry
	closedCh      chan struct{}
	closedChOnce  sync.Once

	cascadeOnce   sync.Once
	closeCallbacks []func()
}

// OnClose registers fn to run when this worker transitions to closed,
// whether by crash (spec.md §4.3's BadSettings/Crashed classification) or
// by an explicit Close() call. Router.Close uses this to satisfy spec.md
// §3/§4.4's "closing a Worker closes its Routers" cascade: every Router
// created on this worker registers its own Close here, so a dead worker
// takes every Router it owns down with it (scenario 6).
func (w *Worker) OnClose(fn func()) {
	w.mu.Lock()
	alreadyClosed := w.closed
	w.closeCallbacks = append(w.closeCallbacks, fn)
	w.mu.Unlock()
	if alreadyClosed {
		fn()
	}
}

func (w *Worker) runCloseCallbacks() {
	w.cascadeOnce.Do(func() {
		w.mu.Lock()
		callbacks := w.closeCallbacks
		w.mu.Unlock()
		for _, fn := range callbacks {
			fn()
		}
	})
}

func (w *Worker) markClosedCh() {
	w.closedChOnce.Do(func() { close(w.closedCh) })
}

// NewDirect wraps an already-constructed Channel as a Worker without
// spawning any subprocess. There is no real in-process Go port of the
// media worker (spec.md §1 treats it as an opaque binary), so this exists
// for two narrower purposes: single-process test doubles that drive a
// channel.Channel directly via Deliver (see internal/channel's direct
// mode), and unit tests of the entity controllers that need a *Worker
// without paying for a real subprocess.
func NewDirect(id string, ch *channel.Channel) *Worker {
	return &Worker{
		log:      logger.New("worker:" + id),
		id:       id,
		ch:       ch,
		routers:  topology.NewRegistry(),
		closedCh: make(chan struct{}),
	}
}

const workerBinEnv = "MEDIASOUP_WORKER_BIN"

// defaultWorkerBin mirrors mediasoup's own build-output convention; real
// deployments override it via MEDIASOUP_WORKER_BIN, the only override Run
// reads (Settings carries no binary path).
const defaultWorkerBin = "mediasoup-worker"

// Run spawns the worker subprocess and blocks until it reports itself
// running (the WORKER_RUNNING notification, spec.md §4.3) or fails to
// start/initialize, in which case err wraps a *Error.
func Run(ctx context.Context, id string, settings Settings) (*Worker, error) {
	consumerR, consumerW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("worker: pipe: %w", err)
	}
	producerR, producerW, err := os.Pipe()
	if err != nil {
		consumerR.Close()
		consumerW.Close()
		return nil, fmt.Errorf("worker: pipe: %w", err)
	}

	bin := os.Getenv(workerBinEnv)
	if bin == "" {
		bin = defaultWorkerBin
	}

	cmd := exec.CommandContext(ctx, bin, settings.Args()...)
	// fd 3 = consumer (worker reads requests here), fd 4 = producer
	// (worker writes responses/notifications/logs here), per spec.md
	// §4.3's fd-end description.
	cmd.ExtraFiles = []*os.File{consumerR, producerW}
	cmd.Stdout = nil
	cmd.Stderr = nil

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("worker: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		consumerR.Close()
		consumerW.Close()
		producerR.Close()
		producerW.Close()
		return nil, &Error{Kind: ErrCrashed, Detail: err.Error()}
	}

	// The controller keeps the controller-side ends open and closes its
	// copies of the child-side ends; the child owns consumerR/producerW
	// from here on.
	consumerR.Close()
	producerW.Close()

	w := &Worker{
		log:      logger.New("worker:" + id),
		id:       id,
		cmd:      cmd,
		routers:  topology.NewRegistry(),
		closedCh: make(chan struct{}),
	}
	w.ch = channel.New(producerR, consumerW, codec.ModeFramed)
	w.ch.SetLogSink(func(prefix codec.LogPrefix, text string) {
		w.log.FromWorkerLogByte(byte(prefix), text)
	})

	go w.forwardStderr(stderrPipe)

	runningCh := make(chan struct{})
	var runningOnce sync.Once
	w.ch.On("", func(event string, body []byte) {
		if event == "running" {
			runningOnce.Do(func() { close(runningCh) })
		}
	})

	go w.supervise()

	select {
	case <-runningCh:
		return w, nil
	case <-w.closedCh:
		w.mu.Lock()
		died := w.died
		w.mu.Unlock()
		if died != nil {
			return nil, died
		}
		return nil, &Error{Kind: ErrCrashed, Detail: "worker exited before reporting running"}
	case <-ctx.Done():
		w.Close()
		return nil, ctx.Err()
	}
}

func (w *Worker) forwardStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if bytes.HasPrefix(line, []byte("D")) {
			w.log.Debugf("%s", line[1:])
		} else {
			w.log.Warnf("%s", line)
		}
	}
}

// supervise waits for the child process to exit and classifies the exit,
// per spec.md §4.3: exit code 42 is a BadSettings failure, anything else
// is an unexpected Crashed failure. It then cascades Close to every owned
// Router.
func (w *Worker) supervise() {
	err := w.cmd.Wait()

	var werr *Error
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			if exitErr.ExitCode() == 42 {
				werr = &Error{Kind: ErrBadSettings, Detail: "worker reported invalid settings"}
			} else {
				werr = &Error{Kind: ErrCrashed, Detail: fmt.Sprintf("worker exited with code %d", exitErr.ExitCode())}
			}
		} else {
			werr = &Error{Kind: ErrCrashed, Detail: err.Error()}
		}
	} else {
		werr = &Error{Kind: ErrCrashed, Detail: "worker exited unexpectedly"}
	}

	w.mu.Lock()
	alreadyClosed := w.closed
	if !alreadyClosed {
		w.closed = true
		w.died = werr
	}
	w.mu.Unlock()

	if !alreadyClosed {
		w.log.Errorf("worker died: %v", werr)
	}
	w.ch.Close()
	w.markClosedCh()
	w.runCloseCallbacks()
}

// ID is the worker's own identifier (not a wire concept; used by the
// engine's round-robin pool for logging/bookkeeping only).
func (w *Worker) ID() string { return w.id }

// Channel exposes the underlying Channel so internal/entity's controllers
// can issue requests and subscribe to notifications directly, without
// worker needing to know about Router/Transport/etc. shapes.
func (w *Worker) Channel() *channel.Channel { return w.ch }

// Dump returns the worker's internal dump as raw JSON (spec.md §4.3).
func (w *Worker) Dump(ctx context.Context) (json.RawMessage, error) {
	body, err := w.ch.Request(ctx, "worker.dump", "", nil)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

// ResourceUsage returns the worker process's resource usage as raw JSON
// (spec.md §4.3, ru_* fields from getrusage).
func (w *Worker) ResourceUsage(ctx context.Context) (json.RawMessage, error) {
	body, err := w.ch.Request(ctx, "worker.getResourceUsage", "", nil)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

// UpdateSettings applies a runtime settings patch (currently just log
// level/tags, per spec.md §4.3).
func (w *Worker) UpdateSettings(ctx context.Context, logLevel string, logTags []string) error {
	body, _ := json.Marshal(struct {
		LogLevel string   `json:"logLevel,omitempty"`
		LogTags  []string `json:"logTags,omitempty"`
	}{logLevel, logTags})
	_, err := w.ch.Request(ctx, "worker.updateSettings", "", body)
	return err
}

// CreateRouterRaw issues worker.createRouter and registers routerID in
// this worker's registry; it returns the raw accepted body so the caller
// (internal/entity, which owns the Router controller type) can unmarshal
// it into its own shape rather than worker importing entity back.
func (w *Worker) CreateRouterRaw(ctx context.Context, routerID string, body []byte) (json.RawMessage, error) {
	resp, err := w.ch.Request(ctx, "worker.createRouter", "", body)
	if err != nil {
		return nil, err
	}
	if err := w.routers.Add(routerID, struct{}{}); err != nil {
		return nil, err
	}
	return json.RawMessage(resp), nil
}

// CreateWebRtcServerRaw issues worker.createWebRtcServer and returns the
// raw accepted body (currently empty) so internal/entity can wrap the id
// into a WebRtcServerController without worker importing entity back
// (spec.md §4.3's create_webrtc_server).
func (w *Worker) CreateWebRtcServerRaw(ctx context.Context, serverID string, body []byte) (json.RawMessage, error) {
	resp, err := w.ch.Request(ctx, "worker.createWebRtcServer", "", body)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(resp), nil
}

// ForgetRouter drops routerID from this worker's bookkeeping registry; it
// does not itself issue a close request (the RouterController does that
// on its own close path).
func (w *Worker) ForgetRouter(routerID string) {
	w.routers.Remove(routerID)
}

// RouterCount reports how many routers this worker currently owns, for
// admin-facing inspection (internal/adminrpc's ListWorkers); the engine's
// round-robin allocator does not consult it.
func (w *Worker) RouterCount() int { return w.routers.Len() }

// Closed reports whether the worker has died or been explicitly closed.
func (w *Worker) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// Died returns the terminal *Error if the worker died on its own
// (crash or bad settings), or nil if it's alive or was closed cleanly.
func (w *Worker) Died() *Error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.died
}

// Close idempotently terminates the worker: it tears down the channel,
// kills the subprocess, and then runs every OnClose callback, which is how
// each Router (and WebRtcServer) created on this worker gets closed,
// matching spec.md §4.4's cascading-close contract.
func (w *Worker) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()

	w.ch.Close()

	if w.cmd == nil {
		// No subprocess (e.g. NewDirect, used by tests and any future
		// single-process mode): there is no supervise() goroutine to
		// close closedCh for us.
		w.markClosedCh()
		w.runCloseCallbacks()
		return
	}

	if w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}

	select {
	case <-w.closedCh:
	case <-time.After(2 * time.Second):
		w.markClosedCh()
	}
	w.runCloseCallbacks()
}
