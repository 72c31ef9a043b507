package rabbitmq_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/glimte/mmate-orders/contracts"
	"github.com/glimte/mmate-orders/internal/brokertest"
	"github.com/glimte/mmate-orders/internal/logging"
	"github.com/glimte/mmate-orders/internal/rabbitmq"
	"github.com/glimte/mmate-orders/serialization"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var testEndpoint = rabbitmq.Endpoint{
	Host:     "localhost",
	Username: "app",
	Password: "s3cret",
}

func quietLogger() *slog.Logger {
	return logging.Discard()
}

func startConnection(t *testing.T, broker *brokertest.Broker, options ...rabbitmq.ConnectionOption) *rabbitmq.Connection {
	t.Helper()

	opts := append([]rabbitmq.ConnectionOption{
		rabbitmq.WithDialer(broker.Dialer()),
		rabbitmq.WithLogger(quietLogger()),
		rabbitmq.WithReconnectDelay(time.Millisecond),
	}, options...)

	conn, err := rabbitmq.NewConnectionManager(opts...).Start(context.Background(), testEndpoint)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Stop() })
	return conn
}

func newOrder(t *testing.T, id string) contracts.OrderSubmitted {
	t.Helper()

	orderID := uuid.New()
	if id != "" {
		orderID = uuid.MustParse(id)
	}
	msg, err := contracts.NewOrderSubmitted(orderID, "Ali", decimal.RequireFromString("149.99"))
	require.NoError(t, err)
	return msg
}

func encoded(t *testing.T, msg contracts.OrderSubmitted) amqp.Publishing {
	t.Helper()

	codec := serialization.NewJSONCodec()
	body, err := codec.Encode(msg)
	require.NoError(t, err)
	return amqp.Publishing{
		ContentType:  codec.ContentType(),
		DeliveryMode: amqp.Persistent,
		Type:         contracts.OrderSubmittedType,
		Body:         body,
	}
}
