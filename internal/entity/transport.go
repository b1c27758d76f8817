package entity

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/n0remac/sfu-control-plane/internal/channel"
	"github.com/n0remac/sfu-control-plane/internal/config"
	"github.com/n0remac/sfu-control-plane/internal/rtpcap"
	"github.com/n0remac/sfu-control-plane/internal/topology"
)

// transportBase carries the bookkeeping every Transport variant shares:
// the producers/consumers/data-{producers,consumers} it owns and the
// close cascade down to them (spec.md §4.4 Transport → {Producer,
// Consumer, DataProducer, DataConsumer}).
type transportBase struct {
	closer

	id      string
	router  *Router
	ch      *channel.Channel
	appData json.RawMessage

	producers     *topology.Registry
	consumers     *topology.Registry
	dataProducers *topology.Registry
	dataConsumers *topology.Registry
}

func newTransportBase(router *Router, id string, appData json.RawMessage) transportBase {
	return transportBase{
		closer:        newCloser(),
		id:            id,
		router:        router,
		ch:            router.w.Channel(),
		appData:       appData,
		producers:     topology.NewRegistry(),
		consumers:     topology.NewRegistry(),
		dataProducers: topology.NewRegistry(),
		dataConsumers: topology.NewRegistry(),
	}
}

func (t *transportBase) ID() string { return t.id }

// AppData is the opaque caller-supplied bag a Transport was created with
// (spec.md §3). The room orchestrator stamps `producing`/`consuming`
// flags into it to pick which of a peer's transports handles which
// direction (§4.8 step 3).
func (t *transportBase) AppData() json.RawMessage { return t.appData }

// ProduceOptions configures transport.produce (spec.md §4.4/§4.5).
type ProduceOptions struct {
	Kind          rtpcap.MediaKind
	RtpParameters rtpcap.RtpParameters
	Paused        bool
	AppData       json.RawMessage
}

// Produce creates a Producer on this transport.
func (t *transportBase) Produce(ctx context.Context, opts ProduceOptions) (*Producer, error) {
	p, err := newProducer(ctx, t, opts)
	if err != nil {
		return nil, err
	}
	if err := t.producers.Add(p.id, p); err != nil {
		p.Close()
		return nil, err
	}
	if err := t.router.registerProducer(p); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// ConsumeOptions configures transport.consume (spec.md §4.4/§4.5/§4.8).
type ConsumeOptions struct {
	ProducerID      string
	RtpCapabilities rtpcap.RtpCapabilities
	Paused          bool
	Pipe            bool
	EnableRtx       bool
}

// Consume creates a Consumer on this transport for producerID, deriving
// consumer-side RTP parameters via the ORTC matcher (spec.md §4.5, §4.8).
func (t *transportBase) Consume(ctx context.Context, opts ConsumeOptions) (*Consumer, error) {
	producer, err := t.router.getProducer(opts.ProducerID)
	if err != nil {
		return nil, err
	}
	rtpParams, err := topology.ConsumerRtpParameters(producer.ConsumableRtpParameters(), opts.RtpCapabilities, opts.Pipe)
	if err != nil {
		return nil, err
	}

	c, err := newConsumer(ctx, t, producer, rtpParams, opts)
	if err != nil {
		return nil, err
	}
	if err := t.consumers.Add(c.id, c); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// ProduceDataOptions configures transport.produceData (spec.md §3).
type ProduceDataOptions struct {
	SctpStreamParameters json.RawMessage
	Label                string
	Protocol             string
}

func (t *transportBase) ProduceData(ctx context.Context, opts ProduceDataOptions) (*DataProducer, error) {
	p, err := newDataProducer(ctx, t, opts)
	if err != nil {
		return nil, err
	}
	if err := t.dataProducers.Add(p.id, p); err != nil {
		p.Close()
		return nil, err
	}
	if err := t.router.registerDataProducer(p); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

type ConsumeDataOptions struct {
	DataProducerID string
}

func (t *transportBase) ConsumeData(ctx context.Context, opts ConsumeDataOptions) (*DataConsumer, error) {
	producer, err := t.router.getDataProducer(opts.DataProducerID)
	if err != nil {
		return nil, err
	}
	c, err := newDataConsumer(ctx, t, producer)
	if err != nil {
		return nil, err
	}
	if err := t.dataConsumers.Add(c.id, c); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// closeCascade tears down every child entity this transport owns, in the
// order Producer/DataProducer before Consumer/DataConsumer doesn't
// actually matter (they don't depend on each other client-side), so all
// four registries close concurrently-safe in sequence.
func (t *transportBase) closeCascade() {
	for _, item := range t.producers.All() {
		item.(closable).Close()
	}
	for _, item := range t.consumers.All() {
		item.(closable).Close()
	}
	for _, item := range t.dataProducers.All() {
		item.(closable).Close()
	}
	for _, item := range t.dataConsumers.All() {
		item.(closable).Close()
	}
}

// GetStats issues transport.getStats, common to every Transport variant.
func (t *transportBase) GetStats(ctx context.Context) (json.RawMessage, error) {
	return t.ch.Request(ctx, "transport.getStats", t.id, nil)
}

func (t *transportBase) forgetProducer(id string)     { t.producers.Remove(id) }
func (t *transportBase) forgetConsumer(id string)     { t.consumers.Remove(id) }
func (t *transportBase) forgetDataProducer(id string) { t.dataProducers.Remove(id) }
func (t *transportBase) forgetDataConsumer(id string) { t.dataConsumers.Remove(id) }

// --- WebRtcTransport --------------------------------------------------------

// WebRtcTransportOptions mirrors config.WebRtcTransportOptionsConfig plus
// the per-call ICE/DTLS role knobs (spec.md §3/§6).
type WebRtcTransportOptions struct {
	// WebRtcServerID, when set, tells the worker to hand this transport's
	// ICE/DTLS sockets off to the already-listening WebRtcServer instead of
	// opening its own (spec.md §4.6's single-port mode). ListenInfos is
	// ignored by the worker in that case.
	WebRtcServerID     string
	ListenInfos        []config.ListenInfo
	EnableUdp          bool
	EnableTcp          bool
	PreferUdp          bool
	MaxIncomingBitrate int
	AppData            json.RawMessage
}

type WebRtcTransport struct {
	transportBase
	iceParameters   json.RawMessage
	iceCandidates   json.RawMessage
	dtlsParameters  json.RawMessage
}

func newWebRtcTransport(ctx context.Context, r *Router, opts WebRtcTransportOptions) (*WebRtcTransport, error) {
	id := uuid.NewString()
	body, _ := json.Marshal(struct {
		TransportID    string              `json:"transportId"`
		WebRtcServerID string              `json:"webRtcServerId,omitempty"`
		ListenInfos    []config.ListenInfo `json:"listenInfos,omitempty"`
		EnableUdp      bool                `json:"enableUdp"`
		EnableTcp      bool                `json:"enableTcp"`
		PreferUdp      bool                `json:"preferUdp"`
	}{id, opts.WebRtcServerID, opts.ListenInfos, opts.EnableUdp, opts.EnableTcp, opts.PreferUdp})

	resp, err := r.w.Channel().Request(ctx, "router.createWebRtcTransport", r.id, body)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		IceParameters  json.RawMessage `json:"iceParameters"`
		IceCandidates  json.RawMessage `json:"iceCandidates"`
		DtlsParameters json.RawMessage `json:"dtlsParameters"`
	}
	_ = json.Unmarshal(resp, &parsed)

	t := &WebRtcTransport{
		transportBase:  newTransportBase(r, id, opts.AppData),
		iceParameters:  parsed.IceParameters,
		iceCandidates:  parsed.IceCandidates,
		dtlsParameters: parsed.DtlsParameters,
	}
	return t, nil
}

func (t *WebRtcTransport) IceParameters() json.RawMessage  { return t.iceParameters }
func (t *WebRtcTransport) IceCandidates() json.RawMessage  { return t.iceCandidates }
func (t *WebRtcTransport) DtlsParameters() json.RawMessage { return t.dtlsParameters }

// Connect completes DTLS by handing the remote fingerprint to the worker
// (transport.connect, spec.md §3).
func (t *WebRtcTransport) Connect(ctx context.Context, dtlsParameters json.RawMessage) error {
	body, _ := json.Marshal(struct {
		DtlsParameters json.RawMessage `json:"dtlsParameters"`
	}{dtlsParameters})
	_, err := t.ch.Request(ctx, "transport.connect", t.id, body)
	return err
}

// RestartIce issues transport.restartIce (spec.md §6's restartIce request
// method), returning the new iceParameters.
func (t *WebRtcTransport) RestartIce(ctx context.Context) (json.RawMessage, error) {
	resp, err := t.ch.Request(ctx, "transport.restartIce", t.id, nil)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		IceParameters json.RawMessage `json:"iceParameters"`
	}
	_ = json.Unmarshal(resp, &parsed)
	t.iceParameters = parsed.IceParameters
	return t.iceParameters, nil
}

func (t *WebRtcTransport) Close() {
	t.closeOnce(func() {
		t.closeCascade()
		requestClose(t.ch, "transport.close", t.id)
		t.router.forgetTransport(t.id)
	})
}

// --- PlainTransport ----------------------------------------------------------

type PlainTransportOptions struct {
	ListenInfo config.ListenInfo
	RtcpMux    bool
	Comedia    bool
	AppData    json.RawMessage
}

type PlainTransport struct {
	transportBase
	tuple     json.RawMessage
	rtcpTuple json.RawMessage
}

func newPlainTransport(ctx context.Context, r *Router, opts PlainTransportOptions) (*PlainTransport, error) {
	id := uuid.NewString()
	body, _ := json.Marshal(struct {
		TransportID string             `json:"transportId"`
		ListenInfo  config.ListenInfo  `json:"listenInfo"`
		RtcpMux     bool               `json:"rtcpMux"`
		Comedia     bool               `json:"comedia"`
	}{id, opts.ListenInfo, opts.RtcpMux, opts.Comedia})

	resp, err := r.w.Channel().Request(ctx, "router.createPlainTransport", r.id, body)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Tuple     json.RawMessage `json:"tuple"`
		RtcpTuple json.RawMessage `json:"rtcpTuple"`
	}
	_ = json.Unmarshal(resp, &parsed)

	return &PlainTransport{
		transportBase: newTransportBase(r, id, opts.AppData),
		tuple:         parsed.Tuple,
		rtcpTuple:     parsed.RtcpTuple,
	}, nil
}

func (t *PlainTransport) Tuple() json.RawMessage     { return t.tuple }
func (t *PlainTransport) RtcpTuple() json.RawMessage { return t.rtcpTuple }

func (t *PlainTransport) Connect(ctx context.Context, ip string, port, rtcpPort int) error {
	body, _ := json.Marshal(struct {
		IP       string `json:"ip"`
		Port     int    `json:"port"`
		RtcpPort int    `json:"rtcpPort,omitempty"`
	}{ip, port, rtcpPort})
	_, err := t.ch.Request(ctx, "transport.connect", t.id, body)
	return err
}

func (t *PlainTransport) Close() {
	t.closeOnce(func() {
		t.closeCascade()
		requestClose(t.ch, "transport.close", t.id)
		t.router.forgetTransport(t.id)
	})
}

// --- PipeTransport ------------------------------------------------------------

type PipeTransportOptions struct {
	ListenInfo config.ListenInfo
	Rtx        bool
	AppData    json.RawMessage
}

type PipeTransport struct {
	transportBase
	tuple json.RawMessage
}

func newPipeTransport(ctx context.Context, r *Router, opts PipeTransportOptions) (*PipeTransport, error) {
	id := uuid.NewString()
	body, _ := json.Marshal(struct {
		TransportID string            `json:"transportId"`
		ListenInfo  config.ListenInfo `json:"listenInfo"`
		Rtx         bool              `json:"enableRtx"`
	}{id, opts.ListenInfo, opts.Rtx})

	resp, err := r.w.Channel().Request(ctx, "router.createPipeTransport", r.id, body)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Tuple json.RawMessage `json:"tuple"`
	}
	_ = json.Unmarshal(resp, &parsed)

	return &PipeTransport{
		transportBase: newTransportBase(r, id, opts.AppData),
		tuple:         parsed.Tuple,
	}, nil
}

func (t *PipeTransport) Tuple() json.RawMessage { return t.tuple }

func (t *PipeTransport) Connect(ctx context.Context, ip string, port int) error {
	body, _ := json.Marshal(struct {
		IP   string `json:"ip"`
		Port int    `json:"port"`
	}{ip, port})
	_, err := t.ch.Request(ctx, "transport.connect", t.id, body)
	return err
}

func (t *PipeTransport) Close() {
	t.closeOnce(func() {
		t.closeCascade()
		requestClose(t.ch, "transport.close", t.id)
		t.router.forgetTransport(t.id)
	})
}

// --- DirectTransport ----------------------------------------------------------

// DirectTransport has no network side; it exists purely for Produce/
// Consume to inject or read RTP from the controlling process (spec.md §3).
type DirectTransport struct {
	transportBase
}

func newDirectTransport(ctx context.Context, r *Router) (*DirectTransport, error) {
	id := uuid.NewString()
	body, _ := json.Marshal(struct {
		TransportID string `json:"transportId"`
	}{id})
	if _, err := r.w.Channel().Request(ctx, "router.createDirectTransport", r.id, body); err != nil {
		return nil, err
	}
	return &DirectTransport{transportBase: newTransportBase(r, id, nil)}, nil
}

// SendRtcp injects raw RTCP into the worker on this transport, bypassing
// any socket (spec.md §3's rationale for DirectTransport).
func (t *DirectTransport) SendRtcp(ctx context.Context, packet []byte) error {
	t.ch.Notify(t.id, "transport.sendRtcp", packet)
	return nil
}

func (t *DirectTransport) Close() {
	t.closeOnce(func() {
		t.closeCascade()
		requestClose(t.ch, "transport.close", t.id)
		t.router.forgetTransport(t.id)
	})
}
