package entity

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/n0remac/sfu-control-plane/internal/channel"
	"github.com/n0remac/sfu-control-plane/internal/config"
	"github.com/n0remac/sfu-control-plane/internal/worker"
)

// WebRtcServer is the Go-side handle for worker.createWebRtcServer
// (spec.md §2's C4 "WebRtcServer" entity kind, §4.3's
// create_webrtc_server). A Worker owns at most one (spec.md §3); the
// Engine seeds it at startup when single-port mode is enabled (spec.md
// §4.6) and hands it to every WebRtcTransport a Router on that worker
// creates, instead of each transport opening its own listen socket.
//
// Grounded on original_source/controller/webrtc_server_controller.cpp: a
// thin id-holding wrapper whose close() tears down, and whose
// onWorkerClosed() is the worker-crash cascade path. That cascade is
// ported here as the same Worker.OnClose registration Router already
// uses, rather than the original's own webRtcTransportMap bookkeeping:
// this module's WebRtcTransport is already cascade-closed by its Router
// parent, so the server itself only needs to forget the worker-side
// object.
type WebRtcServer struct {
	closer

	id      string
	ch      *channel.Channel
	appData json.RawMessage
}

// NewWebRtcServer issues worker.createWebRtcServer for w and wraps the
// result (spec.md §4.3's create_webrtc_server(listen_infos)).
func NewWebRtcServer(ctx context.Context, w *worker.Worker, listenInfos []config.ListenInfo, appData json.RawMessage) (*WebRtcServer, error) {
	id := uuid.NewString()
	body, _ := json.Marshal(struct {
		WebRtcServerID string              `json:"webRtcServerId"`
		ListenInfos    []config.ListenInfo `json:"listenInfos"`
	}{id, listenInfos})

	if _, err := w.CreateWebRtcServerRaw(ctx, id, body); err != nil {
		return nil, err
	}

	s := &WebRtcServer{
		closer:  newCloser(),
		id:      id,
		ch:      w.Channel(),
		appData: appData,
	}
	w.OnClose(s.Close)
	return s, nil
}

func (s *WebRtcServer) ID() string               { return s.id }
func (s *WebRtcServer) AppData() json.RawMessage { return s.appData }

// Dump issues webRtcServer.dump (spec.md §4.3), returning the worker's raw
// udpSockets/tcpServers/webRtcTransportIds snapshot.
func (s *WebRtcServer) Dump(ctx context.Context) (json.RawMessage, error) {
	return s.ch.Request(ctx, "webRtcServer.dump", s.id, nil)
}

// Close is idempotent; it tells the worker to forget the server. Any
// WebRtcTransport still referencing it is cascade-closed by its own
// Router parent (spec.md §3's Router → Transport ownership), not by the
// server itself.
func (s *WebRtcServer) Close() {
	s.closeOnce(func() {
		requestClose(s.ch, "webRtcServer.close", s.id)
	})
}
