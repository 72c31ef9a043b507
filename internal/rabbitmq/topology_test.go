package rabbitmq

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDestination(t *testing.T) {
	tests := []struct {
		name        string
		destination string
		want        string
	}{
		{"bare name", "order-submitted-queue", "order-submitted-queue"},
		{"trims whitespace", "  order-submitted-queue\n", "order-submitted-queue"},
		{"short address", "queue:order-submitted-queue", "order-submitted-queue"},
		{"rabbitmq uri", "rabbitmq://localhost/order-submitted-queue", "order-submitted-queue"},
		{"rabbitmqs uri", "rabbitmqs://broker.internal:5671/order-submitted-queue", "order-submitted-queue"},
		{"amqp uri with vhost", "amqp://localhost/orders/order-submitted-queue", "order-submitted-queue"},
		{"uppercase scheme", "RabbitMQ://localhost/orders", "orders"},
		{"trailing slash", "rabbitmq://localhost/orders/", "orders"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDestination(tt.destination)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDestinationErrors(t *testing.T) {
	tests := []struct {
		name        string
		destination string
	}{
		{"empty", ""},
		{"blank", "   "},
		{"reserved prefix", "amq.gen-123"},
		{"reserved prefix in uri", "rabbitmq://localhost/amq.direct"},
		{"too long", strings.Repeat("q", maxQueueNameLength+1)},
		{"uri without queue", "rabbitmq://localhost/"},
		{"unsupported scheme", "http://localhost/orders"},
		{"empty short address", "queue:"},
		{"unparseable uri", "rabbitmq://[::1/orders"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDestination(tt.destination)
			assert.ErrorIs(t, err, ErrInvalidDestination)
		})
	}
}

func TestValidateQueueName(t *testing.T) {
	assert.NoError(t, ValidateQueueName(DefaultQueue))
	assert.NoError(t, ValidateQueueName(strings.Repeat("q", maxQueueNameLength)))
	assert.ErrorIs(t, ValidateQueueName(""), ErrInvalidDestination)
	assert.ErrorIs(t, ValidateQueueName("amq.orders"), ErrInvalidDestination)
	assert.ErrorIs(t, ValidateQueueName("orders\n"), ErrInvalidDestination)
}

func TestQueueSpec(t *testing.T) {
	spec := DefaultQueueSpec()
	assert.True(t, spec.Durable)
	assert.Empty(t, spec.ErrorQueue)
	assert.Equal(t, "order-submitted-queue_error", ErrorQueueName(DefaultQueue))
}
