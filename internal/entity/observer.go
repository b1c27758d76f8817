package entity

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/n0remac/sfu-control-plane/internal/channel"
)

// AudioLevelObserverOptions configures router.createAudioLevelObserver
// (spec.md §3).
type AudioLevelObserverOptions struct {
	MaxEntries int
	Threshold  int
	Interval   int
}

// AudioLevelObserver reports per-interval speaking volumes across the
// producers added to it (spec.md §3/§4.4).
type AudioLevelObserver struct {
	closer
	id     string
	router *Router
	ch     *channel.Channel
	events *eventSubscribers
}

func newAudioLevelObserver(ctx context.Context, r *Router, opts AudioLevelObserverOptions) (*AudioLevelObserver, error) {
	id := uuid.NewString()
	body, _ := json.Marshal(struct {
		RtpObserverID string `json:"rtpObserverId"`
		MaxEntries    int    `json:"maxEntries,omitempty"`
		Threshold     int    `json:"threshold,omitempty"`
		Interval      int    `json:"interval,omitempty"`
	}{id, opts.MaxEntries, opts.Threshold, opts.Interval})

	if _, err := r.w.Channel().Request(ctx, "router.createAudioLevelObserver", r.id, body); err != nil {
		return nil, err
	}

	o := &AudioLevelObserver{closer: newCloser(), id: id, router: r, ch: r.w.Channel(), events: newEventSubscribers()}
	o.ch.On(id, func(event string, body []byte) { o.events.dispatch(event, body) })
	return o, nil
}

func (o *AudioLevelObserver) ID() string { return o.id }

// OnVolumes subscribes to the periodic "volumes" notification (spec.md
// §3: an array of {producerId, volume} entries above Threshold).
func (o *AudioLevelObserver) OnVolumes(fn func(body json.RawMessage)) {
	o.events.on("volumes", func(b []byte) { fn(json.RawMessage(b)) })
}

func (o *AudioLevelObserver) AddProducer(ctx context.Context, producerID string) error {
	body, _ := json.Marshal(struct {
		ProducerID string `json:"producerId"`
	}{producerID})
	_, err := o.ch.Request(ctx, "rtpObserver.addProducer", o.id, body)
	return err
}

func (o *AudioLevelObserver) RemoveProducer(ctx context.Context, producerID string) error {
	body, _ := json.Marshal(struct {
		ProducerID string `json:"producerId"`
	}{producerID})
	_, err := o.ch.Request(ctx, "rtpObserver.removeProducer", o.id, body)
	return err
}

func (o *AudioLevelObserver) Close() {
	o.closeOnce(func() {
		o.ch.RemoveAllListeners(o.id)
		requestClose(o.ch, "rtpObserver.close", o.id)
	})
}

// ActiveSpeakerObserverOptions configures
// router.createActiveSpeakerObserver (spec.md §3).
type ActiveSpeakerObserverOptions struct {
	Interval int
}

// ActiveSpeakerObserver reports the single current dominant speaker among
// its added producers (spec.md §3/§4.4), distinct from
// AudioLevelObserver's ranked-volumes report.
type ActiveSpeakerObserver struct {
	closer
	id     string
	router *Router
	ch     *channel.Channel
	events *eventSubscribers
}

func newActiveSpeakerObserver(ctx context.Context, r *Router, opts ActiveSpeakerObserverOptions) (*ActiveSpeakerObserver, error) {
	id := uuid.NewString()
	body, _ := json.Marshal(struct {
		RtpObserverID string `json:"rtpObserverId"`
		Interval      int    `json:"interval,omitempty"`
	}{id, opts.Interval})

	if _, err := r.w.Channel().Request(ctx, "router.createActiveSpeakerObserver", r.id, body); err != nil {
		return nil, err
	}

	o := &ActiveSpeakerObserver{closer: newCloser(), id: id, router: r, ch: r.w.Channel(), events: newEventSubscribers()}
	o.ch.On(id, func(event string, body []byte) { o.events.dispatch(event, body) })
	return o, nil
}

func (o *ActiveSpeakerObserver) ID() string { return o.id }

// OnDominantSpeaker subscribes to the "dominantspeaker" notification
// (spec.md §3: {producerId}).
func (o *ActiveSpeakerObserver) OnDominantSpeaker(fn func(body json.RawMessage)) {
	o.events.on("dominantspeaker", func(b []byte) { fn(json.RawMessage(b)) })
}

func (o *ActiveSpeakerObserver) AddProducer(ctx context.Context, producerID string) error {
	body, _ := json.Marshal(struct {
		ProducerID string `json:"producerId"`
	}{producerID})
	_, err := o.ch.Request(ctx, "rtpObserver.addProducer", o.id, body)
	return err
}

func (o *ActiveSpeakerObserver) RemoveProducer(ctx context.Context, producerID string) error {
	body, _ := json.Marshal(struct {
		ProducerID string `json:"producerId"`
	}{producerID})
	_, err := o.ch.Request(ctx, "rtpObserver.removeProducer", o.id, body)
	return err
}

func (o *ActiveSpeakerObserver) Close() {
	o.closeOnce(func() {
		o.ch.RemoveAllListeners(o.id)
		requestClose(o.ch, "rtpObserver.close", o.id)
	})
}
