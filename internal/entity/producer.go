package entity

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/n0remac/sfu-control-plane/internal/channel"
	"github.com/n0remac/sfu-control-plane/internal/rtpcap"
	"github.com/n0remac/sfu-control-plane/internal/topology"
)

// Producer is the Go-side handle for transport.produce (spec.md §4.4).
type Producer struct {
	closer

	id        string
	transport *transportBase
	ch        *channel.Channel

	kind          rtpcap.MediaKind
	rtpParameters rtpcap.RtpParameters
	consumable    rtpcap.RtpParameters
	appData       json.RawMessage

	mu     sync.Mutex
	paused bool
	score  json.RawMessage

	events *eventSubscribers
}

func newProducer(ctx context.Context, t *transportBase, opts ProduceOptions) (*Producer, error) {
	id := uuid.NewString()
	body, _ := json.Marshal(struct {
		ProducerID    string               `json:"producerId"`
		Kind          rtpcap.MediaKind     `json:"kind"`
		RtpParameters rtpcap.RtpParameters `json:"rtpParameters"`
		Paused        bool                 `json:"paused"`
	}{id, opts.Kind, opts.RtpParameters, opts.Paused})

	if _, err := t.ch.Request(ctx, "transport.produce", t.id, body); err != nil {
		return nil, err
	}

	p := &Producer{
		closer:        newCloser(),
		id:            id,
		transport:     t,
		ch:            t.ch,
		kind:          opts.Kind,
		rtpParameters: opts.RtpParameters,
		consumable:    topology.ConsumableRtpParameters(opts.RtpParameters, t.router.capabilities),
		appData:       opts.AppData,
		paused:        opts.Paused,
		events:        newEventSubscribers(),
	}

	t.ch.On(id, func(event string, eventBody []byte) {
		switch event {
		case "score":
			p.mu.Lock()
			p.score = append(json.RawMessage(nil), eventBody...)
			p.mu.Unlock()
		}
		p.events.dispatch(event, eventBody)
	})

	return p, nil
}

func (p *Producer) ID() string                                    { return p.id }
func (p *Producer) Kind() rtpcap.MediaKind                        { return p.kind }
func (p *Producer) RtpParameters() rtpcap.RtpParameters           { return p.rtpParameters }
func (p *Producer) ConsumableRtpParameters() rtpcap.RtpParameters { return p.consumable }

// AppData is the opaque caller-supplied bag handed to transport.produce,
// surfaced unchanged (spec.md §4.4). The room orchestrator consults it for
// the `appData.sharing` convention (§4.8) and stamps it onto the
// `consumerClosed` notification for client-side routing.
func (p *Producer) AppData() json.RawMessage { return p.appData }

func (p *Producer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Score returns the most recent "score" notification body the worker has
// sent for this producer, or nil if none has arrived yet.
func (p *Producer) Score() json.RawMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.score
}

// OnScore subscribes to the worker's periodic per-encoding quality score
// notification (spec.md §4.4).
func (p *Producer) OnScore(fn func(score json.RawMessage)) {
	p.events.on("score", func(b []byte) { fn(json.RawMessage(b)) })
}

// OnVideoOrientationChange subscribes to the worker's camera-orientation
// notification (spec.md §4.8's produce handler wiring).
func (p *Producer) OnVideoOrientationChange(fn func(body json.RawMessage)) {
	p.events.on("videoorientationchange", func(b []byte) { fn(json.RawMessage(b)) })
}

// OnTrace subscribes to producer.enableTraceEvent-selected trace events.
func (p *Producer) OnTrace(fn func(body json.RawMessage)) {
	p.events.on("trace", func(b []byte) { fn(json.RawMessage(b)) })
}

// OnClose fires once, after Close has fully run (spec.md §4.4's single
// close-event guarantee); it also fires for cascade/worker-initiated
// closes, not just explicit ones.
func (p *Producer) OnClose(fn func()) {
	go func() {
		<-p.Done()
		fn()
	}()
}

// Pause issues producer.pause and emits a local "paused" event, but only
// on an actual state transition (spec.md §4.4: "does not double-emit").
func (p *Producer) Pause(ctx context.Context) error {
	_, err := p.ch.Request(ctx, "producer.pause", p.id, nil)
	if err != nil {
		return err
	}
	p.mu.Lock()
	changed := !p.paused
	p.paused = true
	p.mu.Unlock()
	if changed {
		p.events.dispatch("paused", nil)
	}
	return nil
}

// OnPause subscribes to the local pause transition (not the worker's
// notification vocabulary; fired by Pause itself).
func (p *Producer) OnPause(fn func()) {
	p.events.on("paused", func([]byte) { fn() })
}

// OnResume subscribes to the local resume transition.
func (p *Producer) OnResume(fn func()) {
	p.events.on("resumed", func([]byte) { fn() })
}

// GetStats issues producer.getStats.
func (p *Producer) GetStats(ctx context.Context) (json.RawMessage, error) {
	return p.ch.Request(ctx, "producer.getStats", p.id, nil)
}

// Resume issues producer.resume and emits a local "resumed" event, but
// only on an actual state transition.
func (p *Producer) Resume(ctx context.Context) error {
	_, err := p.ch.Request(ctx, "producer.resume", p.id, nil)
	if err != nil {
		return err
	}
	p.mu.Lock()
	changed := p.paused
	p.paused = false
	p.mu.Unlock()
	if changed {
		p.events.dispatch("resumed", nil)
	}
	return nil
}

// Close tears down the producer. It does not close its Consumers itself:
// they transition to closed (spec.md §4.4) when the worker sends each of
// them its "producerclose" notification, which the Consumer controller
// listens for — see consumer.go.
func (p *Producer) Close() {
	p.closeOnce(func() {
		p.ch.RemoveAllListeners(p.id)
		requestClose(p.ch, "producer.close", p.id)
		p.transport.forgetProducer(p.id)
		p.transport.router.forgetProducer(p.id)
	})
}
