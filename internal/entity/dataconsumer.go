package entity

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/n0remac/sfu-control-plane/internal/channel"
)

// DataConsumer is the Go-side handle for transport.consumeData. Like
// Consumer, it listens for its own "dataproducerclose" notification and
// cascades into its own Close (spec.md §4.4).
type DataConsumer struct {
	closer

	id           string
	transport    *transportBase
	ch           *channel.Channel
	dataProducer *DataProducer

	label    string
	protocol string
}

func newDataConsumer(ctx context.Context, t *transportBase, producer *DataProducer) (*DataConsumer, error) {
	id := uuid.NewString()
	body, _ := json.Marshal(struct {
		DataConsumerID string `json:"dataConsumerId"`
		DataProducerID string `json:"dataProducerId"`
	}{id, producer.ID()})

	if _, err := t.ch.Request(ctx, "transport.consumeData", t.id, body); err != nil {
		return nil, err
	}

	c := &DataConsumer{
		closer:       newCloser(),
		id:           id,
		transport:    t,
		ch:           t.ch,
		dataProducer: producer,
		label:        producer.Label(),
		protocol:     producer.Protocol(),
	}

	t.ch.On(id, func(event string, _ []byte) {
		if event == "dataproducerclose" {
			c.Close()
		}
	})

	return c, nil
}

func (c *DataConsumer) ID() string             { return c.id }
func (c *DataConsumer) DataProducerID() string { return c.dataProducer.ID() }
func (c *DataConsumer) Label() string          { return c.label }
func (c *DataConsumer) Protocol() string       { return c.protocol }

// GetStats issues dataConsumer.getStats.
func (c *DataConsumer) GetStats(ctx context.Context) (json.RawMessage, error) {
	return c.ch.Request(ctx, "dataConsumer.getStats", c.id, nil)
}

func (c *DataConsumer) Close() {
	c.closeOnce(func() {
		c.ch.RemoveAllListeners(c.id)
		requestClose(c.ch, "dataConsumer.close", c.id)
		c.transport.forgetDataConsumer(c.id)
	})
}
