package entity

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/n0remac/sfu-control-plane/internal/channel"
)

// DataProducer is the Go-side handle for transport.produceData (spec.md
// §3's SCTP data channel support, alongside the RTP media path).
type DataProducer struct {
	closer

	id        string
	transport *transportBase
	ch        *channel.Channel

	label    string
	protocol string
}

func newDataProducer(ctx context.Context, t *transportBase, opts ProduceDataOptions) (*DataProducer, error) {
	id := uuid.NewString()
	body, _ := json.Marshal(struct {
		DataProducerID        string          `json:"dataProducerId"`
		SctpStreamParameters  json.RawMessage `json:"sctpStreamParameters"`
		Label                 string          `json:"label"`
		Protocol              string          `json:"protocol"`
	}{id, opts.SctpStreamParameters, opts.Label, opts.Protocol})

	if _, err := t.ch.Request(ctx, "transport.produceData", t.id, body); err != nil {
		return nil, err
	}

	return &DataProducer{
		closer:    newCloser(),
		id:        id,
		transport: t,
		ch:        t.ch,
		label:     opts.Label,
		protocol:  opts.Protocol,
	}, nil
}

func (p *DataProducer) ID() string       { return p.id }
func (p *DataProducer) Label() string    { return p.label }
func (p *DataProducer) Protocol() string { return p.protocol }

// GetStats issues dataProducer.getStats.
func (p *DataProducer) GetStats(ctx context.Context) (json.RawMessage, error) {
	return p.ch.Request(ctx, "dataProducer.getStats", p.id, nil)
}

func (p *DataProducer) Close() {
	p.closeOnce(func() {
		p.ch.RemoveAllListeners(p.id)
		requestClose(p.ch, "dataProducer.close", p.id)
		p.transport.forgetDataProducer(p.id)
		p.transport.router.forgetDataProducer(p.id)
	})
}
