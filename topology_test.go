package dispatch

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/rabbitmq-dispatch/config"
)

func TestTopology(t *testing.T) {
	ticket := 5
	topology := Topology(config.Topology{
		Exchanges: []config.Exchange{
			{Name: "orders", Type: "topic", Durable: true, Arguments: map[string]any{"alternate-exchange": "unrouted"}},
			{Name: "amq.direct", Type: "direct", Passive: true, Ticket: &ticket},
		},
		Queues: []config.Queue{
			{Name: "Orders", Durable: true, Arguments: map[string]any{"x-max-length": 1000}},
		},
		Bindings: []config.Binding{
			{Queue: "Orders", Exchange: "orders", RoutingKey: "order.*"},
		},
	})

	require.Len(t, topology.Exchanges, 2)
	assert.Equal(t, "orders", topology.Exchanges[0].Name)
	assert.Equal(t, "topic", topology.Exchanges[0].Type)
	assert.True(t, topology.Exchanges[0].Durable)
	assert.Equal(t, amqp.Table{"alternate-exchange": "unrouted"}, topology.Exchanges[0].Arguments)
	assert.True(t, topology.Exchanges[1].Passive)
	assert.Same(t, &ticket, topology.Exchanges[1].Ticket)

	require.Len(t, topology.Queues, 1)
	assert.Equal(t, amqp.Table{"x-max-length": int64(1000)}, topology.Queues[0].Arguments)

	require.Len(t, topology.Bindings, 1)
	assert.Equal(t, "order.*", topology.Bindings[0].RoutingKey)
	assert.Nil(t, topology.Bindings[0].Arguments)
}
