package entity

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/n0remac/sfu-control-plane/internal/rtpcap"
	"github.com/n0remac/sfu-control-plane/internal/topology"
	"github.com/n0remac/sfu-control-plane/internal/worker"
)

// Router is the Go-side handle for one worker.createRouter result
// (spec.md §4.4/§4.5). It owns every Transport and RtpObserver created
// under it and is the single source of truth for producer lookups a
// Consumer needs in order to consume a producer that may live on a
// different Transport than the consumer itself.
type Router struct {
	closer

	id string
	w  *worker.Worker

	capabilities rtpcap.RtpCapabilities

	transports    *topology.Registry
	producers     *topology.Registry // id -> *Producer
	dataProducers *topology.Registry // id -> *DataProducer
	rtpObservers  *topology.Registry

	// webrtcServer, when non-nil, is the WebRtcServer seeded on this
	// router's worker (spec.md §4.6's single-port mode). Set once by
	// internal/engine right after NewRouter returns.
	webrtcServer *WebRtcServer
}

// NewRouter issues worker.createRouter and wraps the result. mediaCodecs
// is the router's codec wishlist (spec.md §6 routerOptions.mediaCodecs).
func NewRouter(ctx context.Context, w *worker.Worker, mediaCodecs []rtpcap.CodecCapability) (*Router, error) {
	caps, err := topology.GenerateRouterCapabilities(mediaCodecs)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	body, _ := json.Marshal(struct {
		RouterID string `json:"routerId"`
	}{id})

	if _, err := w.CreateRouterRaw(ctx, id, body); err != nil {
		return nil, err
	}

	r := &Router{
		closer:        newCloser(),
		id:            id,
		w:             w,
		capabilities:  caps,
		transports:    topology.NewRegistry(),
		producers:     topology.NewRegistry(),
		dataProducers: topology.NewRegistry(),
		rtpObservers:  topology.NewRegistry(),
	}
	w.OnClose(r.Close)
	return r, nil
}

func (r *Router) ID() string                            { return r.id }
func (r *Router) RtpCapabilities() rtpcap.RtpCapabilities { return r.capabilities }

// SetWebRtcServer binds the WebRtcServer seeded on this router's worker
// (spec.md §4.6). Called by internal/engine once, right after NewRouter.
func (r *Router) SetWebRtcServer(s *WebRtcServer) { r.webrtcServer = s }

// WebRtcServer returns the WebRtcServer bound via SetWebRtcServer, or nil
// if single-port mode is disabled.
func (r *Router) WebRtcServer() *WebRtcServer { return r.webrtcServer }

// CanConsume reports whether consumerCaps can consume producerID's media,
// per spec.md §4.5.
func (r *Router) CanConsume(producerID string, consumerCaps rtpcap.RtpCapabilities) bool {
	p, err := r.getProducer(producerID)
	if err != nil {
		return false
	}
	return topology.CanConsume(p.ConsumableRtpParameters(), consumerCaps)
}

func (r *Router) getProducer(id string) (*Producer, error) {
	v, err := r.producers.Get(id)
	if err != nil {
		return nil, err
	}
	return v.(*Producer), nil
}

func (r *Router) getDataProducer(id string) (*DataProducer, error) {
	v, err := r.dataProducers.Get(id)
	if err != nil {
		return nil, err
	}
	return v.(*DataProducer), nil
}

func (r *Router) registerProducer(p *Producer) error { return r.producers.Add(p.id, p) }
func (r *Router) forgetProducer(id string)            { r.producers.Remove(id) }

func (r *Router) registerDataProducer(p *DataProducer) error { return r.dataProducers.Add(p.id, p) }
func (r *Router) forgetDataProducer(id string)               { r.dataProducers.Remove(id) }

// CreateWebRtcTransport issues router.createWebRtcTransport (spec.md §4.4).
func (r *Router) CreateWebRtcTransport(ctx context.Context, opts WebRtcTransportOptions) (*WebRtcTransport, error) {
	t, err := newWebRtcTransport(ctx, r, opts)
	if err != nil {
		return nil, err
	}
	if err := r.transports.Add(t.id, t); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

// CreatePlainTransport issues router.createPlainTransport.
func (r *Router) CreatePlainTransport(ctx context.Context, opts PlainTransportOptions) (*PlainTransport, error) {
	t, err := newPlainTransport(ctx, r, opts)
	if err != nil {
		return nil, err
	}
	if err := r.transports.Add(t.id, t); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

// CreatePipeTransport issues router.createPipeTransport, used to relay
// media between two routers (possibly owned by different workers),
// spec.md §3.
func (r *Router) CreatePipeTransport(ctx context.Context, opts PipeTransportOptions) (*PipeTransport, error) {
	t, err := newPipeTransport(ctx, r, opts)
	if err != nil {
		return nil, err
	}
	if err := r.transports.Add(t.id, t); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

// CreateDirectTransport issues router.createDirectTransport, used for
// server-side injection/consumption of RTP without a network transport
// (spec.md §3).
func (r *Router) CreateDirectTransport(ctx context.Context) (*DirectTransport, error) {
	t, err := newDirectTransport(ctx, r)
	if err != nil {
		return nil, err
	}
	if err := r.transports.Add(t.id, t); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

// CreateAudioLevelObserver issues router.createAudioLevelObserver.
func (r *Router) CreateAudioLevelObserver(ctx context.Context, opts AudioLevelObserverOptions) (*AudioLevelObserver, error) {
	o, err := newAudioLevelObserver(ctx, r, opts)
	if err != nil {
		return nil, err
	}
	if err := r.rtpObservers.Add(o.id, o); err != nil {
		o.Close()
		return nil, err
	}
	return o, nil
}

// CreateActiveSpeakerObserver issues router.createActiveSpeakerObserver.
func (r *Router) CreateActiveSpeakerObserver(ctx context.Context, opts ActiveSpeakerObserverOptions) (*ActiveSpeakerObserver, error) {
	o, err := newActiveSpeakerObserver(ctx, r, opts)
	if err != nil {
		return nil, err
	}
	if err := r.rtpObservers.Add(o.id, o); err != nil {
		o.Close()
		return nil, err
	}
	return o, nil
}

// Close cascades to every Transport and RtpObserver owned by this router,
// then tells the worker to forget it, per spec.md §4.4's top-down close
// order (Router is above Transport in the hierarchy).
func (r *Router) Close() {
	r.closeOnce(func() {
		for _, item := range r.transports.All() {
			item.(closable).Close()
		}
		for _, item := range r.rtpObservers.All() {
			item.(closable).Close()
		}
		requestClose(r.w.Channel(), "router.close", r.id)
		r.w.ForgetRouter(r.id)
	})
}

// closable is satisfied by every Transport/RtpObserver variant so Router's
// close cascade can stay agnostic of the concrete type.
type closable interface{ Close() }

func (r *Router) forgetTransport(id string) { r.transports.Remove(id) }

// Router-to-router piping (mediasoup's router.pipeToRouter convenience
// call) is left as an application-level composition of CreatePipeTransport
// on both routers rather than a single RPC, since spec.md treats pipe
// transports as a first-class entity, not a hidden one.
