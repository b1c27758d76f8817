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

// ConsumerType mirrors spec.md §3/§4.8's classification of how a Consumer
// relates to its Producer's encodings.
type ConsumerType string

const (
	ConsumerSimple    ConsumerType = "simple"
	ConsumerSimulcast ConsumerType = "simulcast"
	ConsumerSVC       ConsumerType = "svc"
	ConsumerPipe      ConsumerType = "pipe"
)

// Consumer is the Go-side handle for transport.consume (spec.md §4.4,
// §4.8's critical consumer-creation correctness section).
//
// Grounded on itzmanish-mediasoup-go's Consumer: a closed-flag guarded
// struct subscribing to its own handler id for score/layerschange/pause/
// resume/producerpause/producerresume/producerclose, with producerclose
// cascading into the consumer's own Close (mediasoup never lets a
// Consumer outlive its Producer).
type Consumer struct {
	closer

	id        string
	transport *transportBase
	ch        *channel.Channel
	producer  *Producer

	kind          rtpcap.MediaKind
	rtpParameters rtpcap.RtpParameters
	typ           ConsumerType

	mu               sync.Mutex
	paused           bool
	producerPaused   bool
	currentLayers    json.RawMessage
	preferredSpatial int
	score            json.RawMessage

	events *eventSubscribers
}

func consumerType(producer *Producer, opts ConsumeOptions) ConsumerType {
	if opts.Pipe {
		return ConsumerPipe
	}
	maxSpatial := 1
	for _, enc := range producer.RtpParameters().Encodings {
		s, _ := topology.ParseScalabilityMode(enc.ScalabilityMode)
		if s > maxSpatial {
			maxSpatial = s
		}
	}
	if len(producer.RtpParameters().Encodings) > 1 || maxSpatial > 1 {
		return ConsumerSimulcast
	}
	return ConsumerSimple
}

func newConsumer(ctx context.Context, t *transportBase, producer *Producer, rtpParams rtpcap.RtpParameters, opts ConsumeOptions) (*Consumer, error) {
	id := uuid.NewString()
	typ := consumerType(producer, opts)

	body, _ := json.Marshal(struct {
		ConsumerID    string               `json:"consumerId"`
		ProducerID    string               `json:"producerId"`
		Kind          rtpcap.MediaKind     `json:"kind"`
		RtpParameters rtpcap.RtpParameters `json:"rtpParameters"`
		Type          ConsumerType         `json:"type"`
		Paused        bool                 `json:"paused"`
		EnableRtx     bool                 `json:"enableRtx,omitempty"`
	}{id, producer.ID(), producer.Kind(), rtpParams, typ, opts.Paused, opts.EnableRtx})

	if _, err := t.ch.Request(ctx, "transport.consume", t.id, body); err != nil {
		return nil, err
	}

	c := &Consumer{
		closer:         newCloser(),
		id:             id,
		transport:      t,
		ch:             t.ch,
		producer:       producer,
		kind:           producer.Kind(),
		rtpParameters:  rtpParams,
		typ:            typ,
		paused:         opts.Paused,
		producerPaused: producer.Paused(),
		events:         newEventSubscribers(),
	}

	t.ch.On(id, func(event string, eventBody []byte) {
		switch event {
		case "producerclose":
			c.Close()
			return
		case "score":
			c.mu.Lock()
			c.score = append(json.RawMessage(nil), eventBody...)
			c.mu.Unlock()
		case "layerschange":
			c.mu.Lock()
			c.currentLayers = append(json.RawMessage(nil), eventBody...)
			c.mu.Unlock()
		case "producerpause":
			c.mu.Lock()
			c.producerPaused = true
			c.mu.Unlock()
		case "producerresume":
			c.mu.Lock()
			c.producerPaused = false
			c.mu.Unlock()
		}
		c.events.dispatch(event, eventBody)
	})

	return c, nil
}

func (c *Consumer) ID() string                         { return c.id }
func (c *Consumer) ProducerID() string                 { return c.producer.ID() }
func (c *Consumer) Kind() rtpcap.MediaKind              { return c.kind }
func (c *Consumer) RtpParameters() rtpcap.RtpParameters { return c.rtpParameters }
func (c *Consumer) Type() ConsumerType                  { return c.typ }

func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Consumer) ProducerPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.producerPaused
}

func (c *Consumer) OnScore(fn func(score json.RawMessage)) {
	c.events.on("score", func(b []byte) { fn(json.RawMessage(b)) })
}

func (c *Consumer) OnLayersChange(fn func(layers json.RawMessage)) {
	c.events.on("layerschange", func(b []byte) { fn(json.RawMessage(b)) })
}

// OnProducerPause/OnProducerResume mirror the source producer's pause
// state onto this consumer (spec.md §3's `producerPaused` field, §4.8's
// consumerPaused/consumerResumed notification wiring).
func (c *Consumer) OnProducerPause(fn func()) {
	c.events.on("producerpause", func([]byte) { fn() })
}

func (c *Consumer) OnProducerResume(fn func()) {
	c.events.on("producerresume", func([]byte) { fn() })
}

// OnClose fires once Close has fully run, whether from an explicit call,
// a transport/router cascade, or the worker's own "producerclose"
// notification (spec.md §4.4's single close-event guarantee).
func (c *Consumer) OnClose(fn func()) {
	go func() {
		<-c.Done()
		fn()
	}()
}

func (c *Consumer) Pause(ctx context.Context) error {
	_, err := c.ch.Request(ctx, "consumer.pause", c.id, nil)
	if err == nil {
		c.mu.Lock()
		c.paused = true
		c.mu.Unlock()
	}
	return err
}

func (c *Consumer) Resume(ctx context.Context) error {
	_, err := c.ch.Request(ctx, "consumer.resume", c.id, nil)
	if err == nil {
		c.mu.Lock()
		c.paused = false
		c.mu.Unlock()
	}
	return err
}

// SetPreferredLayers drives simulcast/SVC layer selection (spec.md §4.8's
// desired-quality feedback loop; the room orchestrator calls this from its
// bandwidth/viewport heuristics). The requested spatial layer is recorded
// even though the worker may clamp it internally, since the orchestrator's
// desired-quality recomputation (§4.8) needs a queryable "what did this
// consumer last ask for" value, not a round-tripped echo the response
// body may not even carry.
func (c *Consumer) SetPreferredLayers(ctx context.Context, spatial, temporal int) error {
	body, _ := json.Marshal(struct {
		SpatialLayer  int `json:"spatialLayer"`
		TemporalLayer int `json:"temporalLayer,omitempty"`
	}{spatial, temporal})
	_, err := c.ch.Request(ctx, "consumer.setPreferredLayers", c.id, body)
	if err == nil {
		c.mu.Lock()
		c.preferredSpatial = spatial
		c.mu.Unlock()
	}
	return err
}

// PreferredSpatialLayer returns the spatial layer last requested via
// SetPreferredLayers (0 if never called), consulted by the room
// orchestrator's desired-quality recomputation (spec.md §4.8).
func (c *Consumer) PreferredSpatialLayer() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.preferredSpatial
}

// SetPriority drives the worker's outbound-bandwidth-contention
// tiebreaker among a peer's simultaneous consumers (spec.md §4.4). The
// worker may clamp the value; the controller records neither the requested
// nor the clamped priority.
func (c *Consumer) SetPriority(ctx context.Context, priority int) error {
	body, _ := json.Marshal(struct {
		Priority int `json:"priority"`
	}{priority})
	_, err := c.ch.Request(ctx, "consumer.setPriority", c.id, body)
	return err
}

// GetStats issues consumer.getStats.
func (c *Consumer) GetStats(ctx context.Context) (json.RawMessage, error) {
	return c.ch.Request(ctx, "consumer.getStats", c.id, nil)
}

// RequestKeyFrame issues consumer.requestKeyFrame (spec.md §6's
// requestConsumerKeyFrame request method), asking the producer's owner to
// send a full frame for this consumer's benefit.
func (c *Consumer) RequestKeyFrame(ctx context.Context) error {
	_, err := c.ch.Request(ctx, "consumer.requestKeyFrame", c.id, nil)
	return err
}

func (c *Consumer) Close() {
	c.closeOnce(func() {
		c.ch.RemoveAllListeners(c.id)
		requestClose(c.ch, "consumer.close", c.id)
		c.transport.forgetConsumer(c.id)
	})
}
