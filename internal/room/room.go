// Package room implements the Room Orchestrator (spec.md §4.8): the
// stateful hub tying a conference's Router, its peers' signaling Sessions,
// and its RtpObservers together, translating protoo requests into entity
// controller calls and entity controller events into protoo notifications.
//
// Grounded on itzmanish-mediasoup-go's demo Room (the peer map, the
// create_consumer/create_data_consumer algorithm, the sharing-producer
// slot, the desired-quality recompute loop) adapted from its mediasoup-demo
// protocol names onto this module's own entity/peer controllers, and on the
// teacher's websocket/websocket.go Hub for the "peer map guarded by a
// mutex, closing cascades to removal" shape.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/n0remac/sfu-control-plane/internal/config"
	"github.com/n0remac/sfu-control-plane/internal/entity"
	"github.com/n0remac/sfu-control-plane/internal/logger"
	"github.com/n0remac/sfu-control-plane/internal/peer"
	"github.com/n0remac/sfu-control-plane/internal/rtpcap"
	"github.com/n0remac/sfu-control-plane/internal/store"
	"github.com/n0remac/sfu-control-plane/internal/topology"
)

// peerRequestTimeout bounds a server-to-peer request (newConsumer,
// newDataConsumer, videoProducerQualityChanged); these run off the join/
// produce request's own deadline since spec.md §4.8 treats steps 4-7 of
// join as asynchronous follow-up work, not part of the synchronous accept.
const peerRequestTimeout = 15 * time.Second

// PeerOptions carries the connection-time capability overrides from the
// signaling websocket's query string (spec.md §6).
type PeerOptions struct {
	ForceH264 bool
	ForceVP9  bool
}

// peerState is a joined-or-joining peer's bookkeeping: its signaling
// Session plus every entity it owns or consumes (spec.md §5's "peer-owned
// maps ... shared between the room orchestrator thread and the peer's own
// socket coroutine").
type peerState struct {
	id   string
	opts PeerOptions

	mu                 sync.Mutex
	sess               *peer.Session
	joined             bool
	displayName        string
	device             json.RawMessage
	rtpCapabilities    rtpcap.RtpCapabilities
	hasRtpCapabilities bool
	sctpCapabilities   json.RawMessage

	transports    map[string]*entity.WebRtcTransport
	producers     map[string]*entity.Producer
	dataProducers map[string]*entity.DataProducer
	consumers     map[string]*entity.Consumer
	dataConsumers map[string]*entity.DataConsumer
}

func newPeerState(id string, opts PeerOptions) *peerState {
	return &peerState{
		id:            id,
		opts:          opts,
		transports:    make(map[string]*entity.WebRtcTransport),
		producers:     make(map[string]*entity.Producer),
		dataProducers: make(map[string]*entity.DataProducer),
		consumers:     make(map[string]*entity.Consumer),
		dataConsumers: make(map[string]*entity.DataConsumer),
	}
}

func (p *peerState) isJoined() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.joined
}

func (p *peerState) info() (displayName string, device json.RawMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.displayName, p.device
}

func (p *peerState) notify(method string, data json.RawMessage) {
	p.mu.Lock()
	sess := p.sess
	p.mu.Unlock()
	if sess == nil {
		return
	}
	sess.Notify(method, data)
}

// findConsumingTransport returns the peer's transport flagged
// `appData.consuming == true` (spec.md §4.8 create_consumer step 3).
func (p *peerState) findConsumingTransport() *entity.WebRtcTransport {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.transports {
		if appDataFlag(t.AppData(), "consuming") {
			return t
		}
	}
	return nil
}

func appDataFlag(appData json.RawMessage, key string) bool {
	if len(appData) == 0 {
		return false
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(appData, &m); err != nil {
		return false
	}
	raw, ok := m[key]
	if !ok {
		return false
	}
	var b bool
	_ = json.Unmarshal(raw, &b)
	return b
}

// Room is one conference: a Router, its two RtpObservers, and the joined
// peers consuming/producing through it (spec.md §4.8).
type Room struct {
	id  string
	log *logger.Logger
	cfg *config.Config

	router *entity.Router
	alo    *entity.AudioLevelObserver
	aso    *entity.ActiveSpeakerObserver

	onClose    func(roomID string)
	auditStore *store.Store

	mu              sync.Mutex
	peers           map[string]*peerState
	sharingProducer *entity.Producer

	closeOnce sync.Once
}

// New builds a Room around a freshly created Router and its two
// RtpObservers, per spec.md §4.8's fixed per-room observer configuration.
func New(ctx context.Context, id string, cfg *config.Config, router *entity.Router, onClose func(roomID string)) (*Room, error) {
	alo, err := router.CreateAudioLevelObserver(ctx, entity.AudioLevelObserverOptions{
		MaxEntries: 1,
		Threshold:  -80,
		Interval:   800,
	})
	if err != nil {
		return nil, fmt.Errorf("room %s: create audio level observer: %w", id, err)
	}
	aso, err := router.CreateActiveSpeakerObserver(ctx, entity.ActiveSpeakerObserverOptions{Interval: 300})
	if err != nil {
		alo.Close()
		return nil, fmt.Errorf("room %s: create active speaker observer: %w", id, err)
	}

	r := &Room{
		id:      id,
		log:     logger.New("room:" + id),
		cfg:     cfg,
		router:  router,
		alo:     alo,
		aso:     aso,
		onClose: onClose,
		peers:   make(map[string]*peerState),
	}

	aso.OnDominantSpeaker(func(body json.RawMessage) { r.broadcast("activeSpeaker", body) })

	go r.watchRouterDeath()

	return r, nil
}

// watchRouterDeath implements spec.md §4.6/scenario 6: if the worker
// backing this room's Router crashes, the Router cascades to closed on
// its own (internal/entity.Router registers itself on
// internal/worker.Worker.OnClose), but nothing would otherwise tell this
// room's peers. Once router.Done() fires, every peer socket is closed,
// which drives each one through the ordinary ClosePeer path and — once the
// last peer leaves — closeRoom (harmless to call twice; router.Close is
// idempotent).
func (r *Room) watchRouterDeath() {
	<-r.router.Done()

	r.mu.Lock()
	sessions := make([]*peer.Session, 0, len(r.peers))
	for _, p := range r.peers {
		p.mu.Lock()
		if p.sess != nil {
			sessions = append(sessions, p.sess)
		}
		p.mu.Unlock()
	}
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
	r.closeRoom()
}

func (r *Room) ID() string { return r.id }

// SetAuditStore wires the optional append-only activity recorder
// (internal/store). A nil store disables recording; every call site goes
// through recordAudit, which itself tolerates a nil *store.Store.
func (r *Room) SetAuditStore(s *store.Store) {
	r.auditStore = s
}

func (r *Room) recordAudit(peerID, kind string, detail interface{}) {
	r.auditStore.Record(r.id, peerID, kind, detail)
}

// ReservePeer registers peerID before its Session exists, closing the race
// between peer.New's immediately-spawned read/write goroutines (which may
// call back into the room before the caller has anywhere to store the
// resulting *peer.Session) and this room's own bookkeeping.
func (r *Room) ReservePeer(peerID string, opts PeerOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.peers[peerID]; exists {
		return topology.Duplicate(peerID)
	}
	r.peers[peerID] = newPeerState(peerID, opts)
	return nil
}

// AttachSession finishes registering a peer reserved via ReservePeer, once
// its signaling Session has been constructed.
func (r *Room) AttachSession(peerID string, sess *peer.Session) {
	r.mu.Lock()
	p, ok := r.peers[peerID]
	r.mu.Unlock()
	if !ok {
		return
	}
	p.mu.Lock()
	p.sess = sess
	p.mu.Unlock()
}

func (r *Room) peerRequestCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), peerRequestTimeout)
}

func (r *Room) broadcast(method string, data json.RawMessage) {
	r.mu.Lock()
	peers := make([]*peerState, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.mu.Unlock()
	for _, p := range peers {
		if p.isJoined() {
			p.notify(method, data)
		}
	}
}

// HandleRequest dispatches one protoo request method to its handler,
// enforcing spec.md §7's "403 for NotJoined" rule ahead of every method
// except five that a peer may call before joining: getRouterRtpCapabilities,
// join, and the transport-setup methods createWebRtcTransport,
// connectWebRtcTransport and restartIce.
func (r *Room) HandleRequest(ctx context.Context, peerID, method string, data json.RawMessage) (json.RawMessage, error) {
	r.mu.Lock()
	p, ok := r.peers[peerID]
	r.mu.Unlock()
	if !ok {
		return nil, &peer.CodedError{Code: 404, Reason: "peer not registered with this room"}
	}

	// Transport setup (§6's createWebRtcTransport/connectWebRtcTransport/
	// restartIce) happens before "join" in the real protoo flow: a client
	// creates its send/recv transports first, then joins, so that by the
	// time the room starts handing out consumers for existing peers'
	// producers (join handler step 5) the new peer already has a transport
	// flagged appData.consuming to receive them on.
	switch method {
	case "getRouterRtpCapabilities", "join", "createWebRtcTransport", "connectWebRtcTransport", "restartIce":
	default:
		if !p.isJoined() {
			return nil, &peer.CodedError{Code: 403, Reason: "peer not yet joined"}
		}
	}

	switch method {
	case "getRouterRtpCapabilities":
		return r.handleGetRouterRtpCapabilities(p)
	case "join":
		return r.handleJoin(ctx, p, data)
	case "createWebRtcTransport":
		return r.handleCreateWebRtcTransport(ctx, p, data)
	case "connectWebRtcTransport":
		return r.handleConnectWebRtcTransport(ctx, p, data)
	case "restartIce":
		return r.handleRestartIce(ctx, p, data)
	case "produce":
		return r.handleProduce(ctx, p, data)
	case "closeProducer":
		return r.handleCloseProducer(p, data)
	case "pauseProducer":
		return r.handlePauseProducer(ctx, p, data)
	case "resumeProducer":
		return r.handleResumeProducer(ctx, p, data)
	case "pauseConsumer":
		return r.handlePauseConsumer(ctx, p, data)
	case "resumeConsumer":
		return r.handleResumeConsumer(ctx, p, data)
	case "setConsumerPreferredLayers":
		return r.handleSetConsumerPreferredLayers(ctx, p, data)
	case "setConsumerPriority":
		return r.handleSetConsumerPriority(ctx, p, data)
	case "requestConsumerKeyFrame":
		return r.handleRequestConsumerKeyFrame(ctx, p, data)
	case "produceData":
		return r.handleProduceData(ctx, p, data)
	case "changeDisplayName":
		return r.handleChangeDisplayName(p, data)
	case "getTransportStats":
		return r.handleGetTransportStats(ctx, p, data)
	case "getProducerStats":
		return r.handleGetProducerStats(ctx, p, data)
	case "getConsumerStats":
		return r.handleGetConsumerStats(ctx, p, data)
	case "getDataProducerStats":
		return r.handleGetDataProducerStats(ctx, p, data)
	case "getDataConsumerStats":
		return r.handleGetDataConsumerStats(ctx, p, data)
	case "applyNetworkThrottle", "resetNetworkThrottle":
		// Simulated network conditions live entirely inside the worker's
		// media pipeline (spec.md's Non-goals exclude that internal
		// machinery); the orchestrator acknowledges the request and does
		// nothing further.
		return nil, nil
	default:
		return nil, &peer.CodedError{Code: 400, Reason: "unknown method " + method}
	}
}

// HandleNotification reacts to a peer-initiated fire-and-forget event.
// No peer-to-server notifications are part of spec.md §6's recognized
// vocabulary, so this is currently a no-op placed for symmetry with
// HandleRequest and to give cmd/sfu a single wiring point.
func (r *Room) HandleNotification(peerID, method string, data json.RawMessage) {
	r.log.Debugf("ignoring peer notification %s from %s", method, peerID)
}

func (r *Room) handleGetRouterRtpCapabilities(p *peerState) (json.RawMessage, error) {
	caps := filterCapabilities(r.router.RtpCapabilities(), p.opts)
	return json.Marshal(caps)
}

// filterCapabilities applies the forceH264/forceVP9 query-string override
// (spec.md §6) by dropping every other video codec (and its paired RTX
// entry); audio codecs are never filtered.
func filterCapabilities(caps rtpcap.RtpCapabilities, opts PeerOptions) rtpcap.RtpCapabilities {
	if !opts.ForceH264 && !opts.ForceVP9 {
		return caps
	}
	want := "video/h264"
	if opts.ForceVP9 {
		want = "video/vp9"
	}

	var kept []rtpcap.CodecCapability
	var keptPT = map[uint8]bool{}
	for _, c := range caps.Codecs {
		if c.Kind == rtpcap.KindAudio {
			kept = append(kept, c)
			continue
		}
		if equalFoldMime(c.MimeType, want) {
			kept = append(kept, c)
			keptPT[c.PreferredPayloadType] = true
		}
	}
	var out []rtpcap.CodecCapability
	for _, c := range kept {
		out = append(out, c)
	}
	for _, c := range caps.Codecs {
		if equalFoldMime(c.MimeType, "video/rtx") {
			if apt, ok := aptOf(c); ok && keptPT[apt] {
				out = append(out, c)
			}
		}
	}
	return rtpcap.RtpCapabilities{Codecs: out, HeaderExtensions: caps.HeaderExtensions}
}

func equalFoldMime(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func aptOf(c rtpcap.CodecCapability) (uint8, bool) {
	v, ok := c.Parameters["apt"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case uint8:
		return n, true
	case int:
		return uint8(n), true
	case float64:
		return uint8(n), true
	default:
		return 0, false
	}
}

type joinRequest struct {
	DisplayName      string                 `json:"displayName"`
	Device           json.RawMessage        `json:"device"`
	RtpCapabilities  rtpcap.RtpCapabilities `json:"rtpCapabilities"`
	SctpCapabilities json.RawMessage        `json:"sctpCapabilities"`
}

type joinedPeerInfo struct {
	ID          string          `json:"id"`
	DisplayName string          `json:"displayName"`
	Device      json.RawMessage `json:"device"`
}

// handleJoin implements spec.md §4.8's join handler steps 1-4 synchronously
// (refuse-if-joined, store capabilities, build peer list, accept, mark
// joined) and hands steps 5-7 (consumer/data-consumer creation, newPeer
// notification) to a background goroutine so the accept response isn't
// held up by however many other peers are already in the room.
func (r *Room) handleJoin(ctx context.Context, p *peerState, data json.RawMessage) (json.RawMessage, error) {
	p.mu.Lock()
	if p.joined {
		p.mu.Unlock()
		return nil, &peer.CodedError{Code: 400, Reason: "peer already joined"}
	}
	var req joinRequest
	if err := json.Unmarshal(data, &req); err != nil {
		p.mu.Unlock()
		return nil, &peer.CodedError{Code: 400, Reason: "malformed join request"}
	}
	p.displayName = req.DisplayName
	p.device = req.Device
	p.rtpCapabilities = req.RtpCapabilities
	p.hasRtpCapabilities = true
	p.sctpCapabilities = req.SctpCapabilities
	p.mu.Unlock()

	r.mu.Lock()
	var others []*peerState
	for id, o := range r.peers {
		if id == p.id {
			continue
		}
		if o.isJoined() {
			others = append(others, o)
		}
	}
	r.mu.Unlock()

	var resp struct {
		Peers []joinedPeerInfo `json:"peers"`
	}
	for _, o := range others {
		displayName, device := o.info()
		resp.Peers = append(resp.Peers, joinedPeerInfo{ID: o.id, DisplayName: displayName, Device: device})
	}
	body, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.joined = true
	sess := p.sess
	p.mu.Unlock()
	if sess != nil {
		sess.MarkJoined()
	}

	r.recordAudit(p.id, "join", struct {
		DisplayName string `json:"displayName"`
	}{req.DisplayName})

	go r.finishJoin(p, others)

	return body, nil
}

// finishJoin runs spec.md §4.8 join steps 5-7 off the request goroutine,
// using its own bounded context since the newConsumer/newDataConsumer
// round trips to every existing peer can take far longer than the original
// join request's deadline should have to wait for.
func (r *Room) finishJoin(p *peerState, others []*peerState) {
	ctx, cancel := r.peerRequestCtx()
	defer cancel()

	seen := make(map[string]bool)
	for _, o := range others {
		o.mu.Lock()
		producers := make([]*entity.Producer, 0, len(o.producers))
		for _, pr := range o.producers {
			producers = append(producers, pr)
		}
		dataProducers := make([]*entity.DataProducer, 0, len(o.dataProducers))
		for _, dp := range o.dataProducers {
			dataProducers = append(dataProducers, dp)
		}
		o.mu.Unlock()

		for _, pr := range producers {
			seen[pr.ID()] = true
			r.createConsumer(ctx, o, p, pr)
		}
		for _, dp := range dataProducers {
			if dp.Label() == "bot" {
				continue
			}
			r.createDataConsumer(ctx, dp, p)
		}
	}

	r.mu.Lock()
	sharing := r.sharingProducer
	r.mu.Unlock()
	if sharing != nil && !seen[sharing.ID()] {
		if owner, ok := r.findProducerOwner(sharing.ID()); ok {
			r.createConsumer(ctx, owner, p, sharing)
		}
	}

	displayName, device := p.info()
	body, _ := json.Marshal(joinedPeerInfo{ID: p.id, DisplayName: displayName, Device: device})
	for _, o := range others {
		o.notify("newPeer", body)
	}
}

func (r *Room) findProducerOwner(producerID string) (*peerState, bool) {
	r.mu.Lock()
	peers := make([]*peerState, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.mu.Unlock()
	for _, p := range peers {
		p.mu.Lock()
		_, ok := p.producers[producerID]
		p.mu.Unlock()
		if ok {
			return p, true
		}
	}
	return nil, false
}

// createConsumer implements spec.md §4.8's critical consumer-creation
// algorithm verbatim. A consumer peer without RTP capabilities, a producer
// it cannot consume, and an incompatible-capabilities error from Consume
// are silent skips per the spec's own wording ("skip", "not an error to the
// user"). The no-consuming-transport case and every other failure (any
// other Consume error, the newConsumer request, the post-ack resume) are
// logged; none of them is surfaced to either peer.
func (r *Room) createConsumer(ctx context.Context, producerPeer, consumerPeer *peerState, producer *entity.Producer) {
	consumerPeer.mu.Lock()
	hasCaps := consumerPeer.hasRtpCapabilities
	caps := consumerPeer.rtpCapabilities
	consumerPeer.mu.Unlock()
	if !hasCaps {
		return
	}

	if !r.router.CanConsume(producer.ID(), caps) {
		return
	}

	t := consumerPeer.findConsumingTransport()
	if t == nil {
		r.log.Warnf("peer %s has no consuming transport yet, skipping consumer for producer %s", consumerPeer.id, producer.ID())
		return
	}

	consumer, err := t.Consume(ctx, entity.ConsumeOptions{
		ProducerID:      producer.ID(),
		RtpCapabilities: caps,
		Paused:          true,
		EnableRtx:       true,
	})
	if err != nil {
		var topoErr *topology.Error
		if errors.As(err, &topoErr) && topoErr.Kind == topology.ErrIncompatibleCapabilities {
			return
		}
		r.log.Warnf("create_consumer peer=%s producer=%s: %v", consumerPeer.id, producer.ID(), err)
		return
	}

	consumerPeer.mu.Lock()
	consumerPeer.consumers[consumer.ID()] = consumer
	consumerPeer.mu.Unlock()

	appData := producer.AppData()
	consumer.OnClose(func() {
		consumerPeer.mu.Lock()
		delete(consumerPeer.consumers, consumer.ID())
		consumerPeer.mu.Unlock()
		body, _ := json.Marshal(struct {
			ConsumerID string          `json:"consumerId"`
			AppData    json.RawMessage `json:"appData,omitempty"`
		}{consumer.ID(), appData})
		consumerPeer.notify("consumerClosed", body)
	})
	consumer.OnProducerPause(func() {
		body, _ := json.Marshal(struct {
			ConsumerID string `json:"consumerId"`
		}{consumer.ID()})
		consumerPeer.notify("consumerPaused", body)
		r.recomputeDesiredQuality(producer)
	})
	consumer.OnProducerResume(func() {
		body, _ := json.Marshal(struct {
			ConsumerID string `json:"consumerId"`
		}{consumer.ID()})
		consumerPeer.notify("consumerResumed", body)
		r.recomputeDesiredQuality(producer)
	})
	consumer.OnScore(func(score json.RawMessage) {
		body, _ := json.Marshal(struct {
			ConsumerID string          `json:"consumerId"`
			Score      json.RawMessage `json:"score"`
		}{consumer.ID(), score})
		consumerPeer.notify("consumerScore", body)
	})
	consumer.OnLayersChange(func(layers json.RawMessage) {
		body, _ := json.Marshal(struct {
			ConsumerID     string          `json:"consumerId"`
			CurrentLayers  json.RawMessage `json:"currentLayers"`
		}{consumer.ID(), layers})
		consumerPeer.notify("consumerLayersChanged", body)
	})

	newConsumerBody, _ := json.Marshal(struct {
		ID            string               `json:"id"`
		ProducerID    string               `json:"producerId"`
		Kind          rtpcap.MediaKind     `json:"kind"`
		RtpParameters rtpcap.RtpParameters `json:"rtpParameters"`
		Type          entity.ConsumerType  `json:"type"`
		AppData       json.RawMessage      `json:"appData,omitempty"`
	}{consumer.ID(), producer.ID(), consumer.Kind(), consumer.RtpParameters(), consumer.Type(), appData})

	reqCtx, cancel := r.peerRequestCtx()
	defer cancel()
	if _, err := consumerPeer.sess.Request(reqCtx, "newConsumer", newConsumerBody); err != nil {
		r.log.Warnf("newConsumer to peer %s: %v", consumerPeer.id, err)
		return
	}
	if err := consumer.Resume(ctx); err != nil {
		r.log.Warnf("consumer.resume after newConsumer ack: %v", err)
		return
	}
	// spec.md §8 scenario 2(e): the post-ack consumerScore notification
	// carries the producer's initial score, not an empty placeholder.
	scoreBody, _ := json.Marshal(struct {
		ConsumerID string          `json:"consumerId"`
		Score      json.RawMessage `json:"score,omitempty"`
	}{consumer.ID(), producer.Score()})
	consumerPeer.notify("consumerScore", scoreBody)
}

func (r *Room) createDataConsumer(ctx context.Context, dp *entity.DataProducer, consumerPeer *peerState) {
	t := consumerPeer.findConsumingTransport()
	if t == nil {
		r.log.Warnf("peer %s has no consuming transport yet, skipping data consumer for %s", consumerPeer.id, dp.ID())
		return
	}
	dc, err := t.ConsumeData(ctx, entity.ConsumeDataOptions{DataProducerID: dp.ID()})
	if err != nil {
		r.log.Warnf("create_data_consumer peer=%s dataProducer=%s: %v", consumerPeer.id, dp.ID(), err)
		return
	}

	consumerPeer.mu.Lock()
	consumerPeer.dataConsumers[dc.ID()] = dc
	consumerPeer.mu.Unlock()

	go func() {
		<-dc.Done()
		consumerPeer.mu.Lock()
		delete(consumerPeer.dataConsumers, dc.ID())
		consumerPeer.mu.Unlock()
	}()

	body, _ := json.Marshal(struct {
		ID             string `json:"id"`
		DataProducerID string `json:"dataProducerId"`
		Label          string `json:"label"`
		Protocol       string `json:"protocol"`
	}{dc.ID(), dp.ID(), dc.Label(), dc.Protocol()})

	reqCtx, cancel := r.peerRequestCtx()
	defer cancel()
	if _, err := consumerPeer.sess.Request(reqCtx, "newDataConsumer", body); err != nil {
		r.log.Warnf("newDataConsumer to peer %s: %v", consumerPeer.id, err)
	}
}

// recomputeDesiredQuality implements spec.md §4.8's feedback loop: every
// time a consumer's pause state or preferred layers changes, the owning
// producer is told the maximum spatial layer any unpaused consumer still
// wants, or -1 if none do.
func (r *Room) recomputeDesiredQuality(producer *entity.Producer) {
	r.mu.Lock()
	peers := make([]*peerState, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.mu.Unlock()

	maxLayer := -1
	anyUnpaused := false
	for _, p := range peers {
		p.mu.Lock()
		for _, c := range p.consumers {
			if c.ProducerID() != producer.ID() {
				continue
			}
			if c.Paused() {
				continue
			}
			anyUnpaused = true
			if l := c.PreferredSpatialLayer(); l > maxLayer {
				maxLayer = l
			}
		}
		p.mu.Unlock()
	}

	desiredQ := maxLayer
	if !anyUnpaused {
		desiredQ = -1
	}

	owner, ok := r.findProducerOwner(producer.ID())
	if !ok {
		return
	}
	body, _ := json.Marshal(struct {
		ProducerID string `json:"producerId"`
		Paused     bool   `json:"paused"`
		DesiredQ   int    `json:"desiredQ"`
	}{producer.ID(), !anyUnpaused, desiredQ})

	ctx, cancel := r.peerRequestCtx()
	defer cancel()
	owner.mu.Lock()
	sess := owner.sess
	owner.mu.Unlock()
	if sess == nil {
		return
	}
	if _, err := sess.Request(ctx, "videoProducerQualityChanged", body); err != nil {
		r.log.Debugf("videoProducerQualityChanged to %s: %v", owner.id, err)
	}
}

func (r *Room) handleCreateWebRtcTransport(ctx context.Context, p *peerState, data json.RawMessage) (json.RawMessage, error) {
	var req struct {
		Producing bool            `json:"producing"`
		Consuming bool            `json:"consuming"`
		AppData   json.RawMessage `json:"appData"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &peer.CodedError{Code: 400, Reason: "malformed createWebRtcTransport request"}
	}

	appData, _ := json.Marshal(struct {
		Producing bool `json:"producing"`
		Consuming bool `json:"consuming"`
	}{req.Producing, req.Consuming})

	wrtc := r.cfg.Mediasoup.WebRtcTransportOptions
	opts := entity.WebRtcTransportOptions{
		ListenInfos:        wrtc.ListenInfos,
		EnableUdp:          true,
		EnableTcp:          true,
		PreferUdp:          true,
		MaxIncomingBitrate: wrtc.MaxIncomingBitrate,
		AppData:            appData,
	}
	// Single-port mode (spec.md §4.6): hand the transport off to the
	// worker's seeded WebRtcServer instead of opening its own sockets.
	if server := r.router.WebRtcServer(); server != nil {
		opts.WebRtcServerID = server.ID()
		opts.ListenInfos = nil
	}
	t, err := r.router.CreateWebRtcTransport(ctx, opts)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.transports[t.ID()] = t
	p.mu.Unlock()

	return json.Marshal(struct {
		ID             string          `json:"id"`
		IceParameters  json.RawMessage `json:"iceParameters"`
		IceCandidates  json.RawMessage `json:"iceCandidates"`
		DtlsParameters json.RawMessage `json:"dtlsParameters"`
	}{t.ID(), t.IceParameters(), t.IceCandidates(), t.DtlsParameters()})
}

func (p *peerState) transport(id string) (*entity.WebRtcTransport, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.transports[id]
	return t, ok
}

func (p *peerState) producer(id string) (*entity.Producer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.producers[id]
	return pr, ok
}

func (p *peerState) consumer(id string) (*entity.Consumer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.consumers[id]
	return c, ok
}

func (p *peerState) dataProducer(id string) (*entity.DataProducer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	dp, ok := p.dataProducers[id]
	return dp, ok
}

func (p *peerState) dataConsumer(id string) (*entity.DataConsumer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	dc, ok := p.dataConsumers[id]
	return dc, ok
}

func (r *Room) handleConnectWebRtcTransport(ctx context.Context, p *peerState, data json.RawMessage) (json.RawMessage, error) {
	var req struct {
		TransportID    string          `json:"transportId"`
		DtlsParameters json.RawMessage `json:"dtlsParameters"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &peer.CodedError{Code: 400, Reason: "malformed connectWebRtcTransport request"}
	}
	t, ok := p.transport(req.TransportID)
	if !ok {
		return nil, &peer.CodedError{Code: 404, Reason: "unknown transportId"}
	}
	if err := t.Connect(ctx, req.DtlsParameters); err != nil {
		return nil, err
	}
	return nil, nil
}

func (r *Room) handleRestartIce(ctx context.Context, p *peerState, data json.RawMessage) (json.RawMessage, error) {
	var req struct {
		TransportID string `json:"transportId"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &peer.CodedError{Code: 400, Reason: "malformed restartIce request"}
	}
	t, ok := p.transport(req.TransportID)
	if !ok {
		return nil, &peer.CodedError{Code: 404, Reason: "unknown transportId"}
	}
	iceParams, err := t.RestartIce(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		IceParameters json.RawMessage `json:"iceParameters"`
	}{iceParams})
}

func isSharing(appData json.RawMessage) bool {
	return appDataFlag(appData, "sharing")
}

// handleProduce implements spec.md §4.8's produce handler: create the
// Producer, wire its events, fold audio producers into both RtpObservers,
// arbitrate the room's single sharing-producer slot, and fan out a
// consumer to every other joined peer.
func (r *Room) handleProduce(ctx context.Context, p *peerState, data json.RawMessage) (json.RawMessage, error) {
	var req struct {
		TransportID   string               `json:"transportId"`
		Kind          rtpcap.MediaKind     `json:"kind"`
		RtpParameters rtpcap.RtpParameters `json:"rtpParameters"`
		AppData       json.RawMessage      `json:"appData"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &peer.CodedError{Code: 400, Reason: "malformed produce request"}
	}
	t, ok := p.transport(req.TransportID)
	if !ok {
		return nil, &peer.CodedError{Code: 404, Reason: "unknown transportId"}
	}

	producer, err := t.Produce(ctx, entity.ProduceOptions{
		Kind:          req.Kind,
		RtpParameters: req.RtpParameters,
		AppData:       req.AppData,
	})
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.producers[producer.ID()] = producer
	p.mu.Unlock()

	producer.OnScore(func(score json.RawMessage) {
		body, _ := json.Marshal(struct {
			ProducerID string          `json:"producerId"`
			Score      json.RawMessage `json:"score"`
		}{producer.ID(), score})
		p.notify("producerScore", body)
	})
	// videoOrientationChange and trace get no-op handlers: spec.md §6's
	// recognized notification list has no corresponding outbound event,
	// unlike score.
	producer.OnVideoOrientationChange(func(json.RawMessage) {})
	producer.OnTrace(func(json.RawMessage) {})

	if req.Kind == rtpcap.KindAudio {
		_ = r.alo.AddProducer(ctx, producer.ID())
		_ = r.aso.AddProducer(ctx, producer.ID())
	}

	if req.Kind == rtpcap.KindVideo && isSharing(req.AppData) {
		r.mu.Lock()
		old := r.sharingProducer
		r.sharingProducer = producer
		r.mu.Unlock()
		if old != nil && old.ID() != producer.ID() {
			old.Close()
		}
	}

	r.recordAudit(p.id, "produce", struct {
		ProducerID string           `json:"producerId"`
		Kind       rtpcap.MediaKind `json:"kind"`
	}{producer.ID(), req.Kind})

	r.mu.Lock()
	var others []*peerState
	for id, o := range r.peers {
		if id == p.id {
			continue
		}
		if o.isJoined() {
			others = append(others, o)
		}
	}
	r.mu.Unlock()
	for _, o := range others {
		go r.createConsumer(context.Background(), p, o, producer)
	}

	return json.Marshal(struct {
		ID string `json:"id"`
	}{producer.ID()})
}

func (r *Room) handleCloseProducer(p *peerState, data json.RawMessage) (json.RawMessage, error) {
	var req struct {
		ProducerID string `json:"producerId"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &peer.CodedError{Code: 400, Reason: "malformed closeProducer request"}
	}
	producer, ok := p.producer(req.ProducerID)
	if !ok {
		return nil, &peer.CodedError{Code: 404, Reason: "unknown producerId"}
	}
	producer.Close()
	p.mu.Lock()
	delete(p.producers, req.ProducerID)
	p.mu.Unlock()
	return nil, nil
}

func (r *Room) handlePauseProducer(ctx context.Context, p *peerState, data json.RawMessage) (json.RawMessage, error) {
	var req struct {
		ProducerID string `json:"producerId"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &peer.CodedError{Code: 400, Reason: "malformed pauseProducer request"}
	}
	producer, ok := p.producer(req.ProducerID)
	if !ok {
		return nil, &peer.CodedError{Code: 404, Reason: "unknown producerId"}
	}
	return nil, producer.Pause(ctx)
}

func (r *Room) handleResumeProducer(ctx context.Context, p *peerState, data json.RawMessage) (json.RawMessage, error) {
	var req struct {
		ProducerID string `json:"producerId"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &peer.CodedError{Code: 400, Reason: "malformed resumeProducer request"}
	}
	producer, ok := p.producer(req.ProducerID)
	if !ok {
		return nil, &peer.CodedError{Code: 404, Reason: "unknown producerId"}
	}
	return nil, producer.Resume(ctx)
}

func (r *Room) handlePauseConsumer(ctx context.Context, p *peerState, data json.RawMessage) (json.RawMessage, error) {
	var req struct {
		ConsumerID string `json:"consumerId"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &peer.CodedError{Code: 400, Reason: "malformed pauseConsumer request"}
	}
	consumer, ok := p.consumer(req.ConsumerID)
	if !ok {
		return nil, &peer.CodedError{Code: 404, Reason: "unknown consumerId"}
	}
	if err := consumer.Pause(ctx); err != nil {
		return nil, err
	}
	r.recomputeForConsumer(consumer)
	return nil, nil
}

func (r *Room) handleResumeConsumer(ctx context.Context, p *peerState, data json.RawMessage) (json.RawMessage, error) {
	var req struct {
		ConsumerID string `json:"consumerId"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &peer.CodedError{Code: 400, Reason: "malformed resumeConsumer request"}
	}
	consumer, ok := p.consumer(req.ConsumerID)
	if !ok {
		return nil, &peer.CodedError{Code: 404, Reason: "unknown consumerId"}
	}
	if err := consumer.Resume(ctx); err != nil {
		return nil, err
	}
	r.recomputeForConsumer(consumer)
	return nil, nil
}

func (r *Room) handleSetConsumerPreferredLayers(ctx context.Context, p *peerState, data json.RawMessage) (json.RawMessage, error) {
	var req struct {
		ConsumerID    string `json:"consumerId"`
		SpatialLayer  int    `json:"spatialLayer"`
		TemporalLayer int    `json:"temporalLayer"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &peer.CodedError{Code: 400, Reason: "malformed setConsumerPreferredLayers request"}
	}
	consumer, ok := p.consumer(req.ConsumerID)
	if !ok {
		return nil, &peer.CodedError{Code: 404, Reason: "unknown consumerId"}
	}
	if err := consumer.SetPreferredLayers(ctx, req.SpatialLayer, req.TemporalLayer); err != nil {
		return nil, err
	}
	r.recomputeForConsumer(consumer)
	return nil, nil
}

func (r *Room) handleSetConsumerPriority(ctx context.Context, p *peerState, data json.RawMessage) (json.RawMessage, error) {
	var req struct {
		ConsumerID string `json:"consumerId"`
		Priority   int    `json:"priority"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &peer.CodedError{Code: 400, Reason: "malformed setConsumerPriority request"}
	}
	consumer, ok := p.consumer(req.ConsumerID)
	if !ok {
		return nil, &peer.CodedError{Code: 404, Reason: "unknown consumerId"}
	}
	return nil, consumer.SetPriority(ctx, req.Priority)
}

func (r *Room) handleRequestConsumerKeyFrame(ctx context.Context, p *peerState, data json.RawMessage) (json.RawMessage, error) {
	var req struct {
		ConsumerID string `json:"consumerId"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &peer.CodedError{Code: 400, Reason: "malformed requestConsumerKeyFrame request"}
	}
	consumer, ok := p.consumer(req.ConsumerID)
	if !ok {
		return nil, &peer.CodedError{Code: 404, Reason: "unknown consumerId"}
	}
	return nil, consumer.RequestKeyFrame(ctx)
}

// recomputeForConsumer resolves a Consumer back to its Producer to drive
// recomputeDesiredQuality, since the request handlers above only have the
// Consumer id the peer passed in.
func (r *Room) recomputeForConsumer(c *entity.Consumer) {
	if owner, ok := r.findProducerOwner(c.ProducerID()); ok {
		owner.mu.Lock()
		producer := owner.producers[c.ProducerID()]
		owner.mu.Unlock()
		if producer != nil {
			r.recomputeDesiredQuality(producer)
		}
	}
}

func (r *Room) handleProduceData(ctx context.Context, p *peerState, data json.RawMessage) (json.RawMessage, error) {
	var req struct {
		TransportID          string          `json:"transportId"`
		SctpStreamParameters json.RawMessage `json:"sctpStreamParameters"`
		Label                string          `json:"label"`
		Protocol             string          `json:"protocol"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &peer.CodedError{Code: 400, Reason: "malformed produceData request"}
	}
	t, ok := p.transport(req.TransportID)
	if !ok {
		return nil, &peer.CodedError{Code: 404, Reason: "unknown transportId"}
	}

	dp, err := t.ProduceData(ctx, entity.ProduceDataOptions{
		SctpStreamParameters: req.SctpStreamParameters,
		Label:                req.Label,
		Protocol:             req.Protocol,
	})
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.dataProducers[dp.ID()] = dp
	p.mu.Unlock()

	if req.Label != "bot" {
		r.mu.Lock()
		var others []*peerState
		for id, o := range r.peers {
			if id == p.id {
				continue
			}
			if o.isJoined() {
				others = append(others, o)
			}
		}
		r.mu.Unlock()
		for _, o := range others {
			go r.createDataConsumer(context.Background(), dp, o)
		}
	}

	return json.Marshal(struct {
		ID string `json:"id"`
	}{dp.ID()})
}

func (r *Room) handleChangeDisplayName(p *peerState, data json.RawMessage) (json.RawMessage, error) {
	var req struct {
		DisplayName string `json:"displayName"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &peer.CodedError{Code: 400, Reason: "malformed changeDisplayName request"}
	}
	p.mu.Lock()
	p.displayName = req.DisplayName
	p.mu.Unlock()

	r.mu.Lock()
	var others []*peerState
	for id, o := range r.peers {
		if id == p.id {
			continue
		}
		if o.isJoined() {
			others = append(others, o)
		}
	}
	r.mu.Unlock()

	body, _ := json.Marshal(struct {
		PeerID      string `json:"peerId"`
		DisplayName string `json:"displayName"`
	}{p.id, req.DisplayName})
	for _, o := range others {
		o.notify("peerDisplayNameChanged", body)
	}
	return nil, nil
}

func (r *Room) handleGetTransportStats(ctx context.Context, p *peerState, data json.RawMessage) (json.RawMessage, error) {
	var req struct {
		TransportID string `json:"transportId"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &peer.CodedError{Code: 400, Reason: "malformed getTransportStats request"}
	}
	t, ok := p.transport(req.TransportID)
	if !ok {
		return nil, &peer.CodedError{Code: 404, Reason: "unknown transportId"}
	}
	return t.GetStats(ctx)
}

func (r *Room) handleGetProducerStats(ctx context.Context, p *peerState, data json.RawMessage) (json.RawMessage, error) {
	var req struct {
		ProducerID string `json:"producerId"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &peer.CodedError{Code: 400, Reason: "malformed getProducerStats request"}
	}
	producer, ok := p.producer(req.ProducerID)
	if !ok {
		return nil, &peer.CodedError{Code: 404, Reason: "unknown producerId"}
	}
	return producer.GetStats(ctx)
}

func (r *Room) handleGetConsumerStats(ctx context.Context, p *peerState, data json.RawMessage) (json.RawMessage, error) {
	var req struct {
		ConsumerID string `json:"consumerId"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &peer.CodedError{Code: 400, Reason: "malformed getConsumerStats request"}
	}
	consumer, ok := p.consumer(req.ConsumerID)
	if !ok {
		return nil, &peer.CodedError{Code: 404, Reason: "unknown consumerId"}
	}
	return consumer.GetStats(ctx)
}

func (r *Room) handleGetDataProducerStats(ctx context.Context, p *peerState, data json.RawMessage) (json.RawMessage, error) {
	var req struct {
		DataProducerID string `json:"dataProducerId"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &peer.CodedError{Code: 400, Reason: "malformed getDataProducerStats request"}
	}
	dp, ok := p.dataProducer(req.DataProducerID)
	if !ok {
		return nil, &peer.CodedError{Code: 404, Reason: "unknown dataProducerId"}
	}
	return dp.GetStats(ctx)
}

func (r *Room) handleGetDataConsumerStats(ctx context.Context, p *peerState, data json.RawMessage) (json.RawMessage, error) {
	var req struct {
		DataConsumerID string `json:"dataConsumerId"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &peer.CodedError{Code: 400, Reason: "malformed getDataConsumerStats request"}
	}
	dc, ok := p.dataConsumer(req.DataConsumerID)
	if !ok {
		return nil, &peer.CodedError{Code: 404, Reason: "unknown dataConsumerId"}
	}
	return dc.GetStats(ctx)
}

// ClosePeer tears a peer out of the room: its Transports cascade-close
// (which in turn closes its Producers/Consumers, firing consumerClosed to
// whoever was consuming them), remaining peers get peerClosed, and if this
// was the last peer the room itself closes (spec.md §4.8's close cascade).
func (r *Room) ClosePeer(peerID string) {
	r.mu.Lock()
	p, ok := r.peers[peerID]
	if ok {
		delete(r.peers, peerID)
	}
	remaining := len(r.peers)
	r.mu.Unlock()
	if !ok {
		return
	}
	r.recordAudit(peerID, "leave", struct{}{})

	sharingID := r.sharingProducerID()

	p.mu.Lock()
	transports := make([]*entity.WebRtcTransport, 0, len(p.transports))
	for _, t := range p.transports {
		transports = append(transports, t)
	}
	_, ownedSharing := p.producers[sharingID]
	p.mu.Unlock()
	if ownedSharing {
		r.mu.Lock()
		r.sharingProducer = nil
		r.mu.Unlock()
	}

	for _, t := range transports {
		t.Close()
	}

	r.mu.Lock()
	others := make([]*peerState, 0, len(r.peers))
	for _, o := range r.peers {
		others = append(others, o)
	}
	r.mu.Unlock()

	body, _ := json.Marshal(struct {
		PeerID string `json:"peerId"`
	}{peerID})
	for _, o := range others {
		if o.isJoined() {
			o.notify("peerClosed", body)
		}
	}

	if remaining == 0 {
		r.closeRoom()
	}
}

func (r *Room) sharingProducerID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sharingProducer == nil {
		return ""
	}
	return r.sharingProducer.ID()
}

// closeRoom tears down the Router (which cascades every remaining
// Transport/RtpObserver) and notifies the lobby so it can unmap this room,
// per spec.md §4.8's "when the last peer leaves" clause.
func (r *Room) closeRoom() {
	r.closeOnce.Do(func() {
		r.router.Close()
		if r.onClose != nil {
			r.onClose(r.id)
		}
	})
}
