package rabbitmq_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/mmate-orders/internal/brokertest"
	"github.com/glimte/mmate-orders/internal/rabbitmq"
	"github.com/glimte/mmate-orders/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionManagerStart(t *testing.T) {
	broker := brokertest.New()
	conn := startConnection(t, broker)

	assert.True(t, conn.IsConnected())
	assert.Equal(t, 1, broker.Dials())
	assert.Contains(t, broker.LastURL(), "s3cret")
	assert.NoError(t, conn.Err())

	ch, err := conn.Channel()
	require.NoError(t, err)
	assert.False(t, ch.IsClosed())
}

func TestConnectionManagerStartFailures(t *testing.T) {
	t.Run("unreachable broker", func(t *testing.T) {
		broker := brokertest.New()
		broker.FailDials(-1, nil)

		cm := rabbitmq.NewConnectionManager(rabbitmq.WithDialer(broker.Dialer()), rabbitmq.WithLogger(quietLogger()))
		conn, err := cm.Start(context.Background(), testEndpoint)
		assert.Nil(t, conn)

		var connErr *rabbitmq.ConnectionError
		require.ErrorAs(t, err, &connErr)
		assert.Equal(t, "connect", connErr.Op)
		assert.Equal(t, 1, connErr.Attempts)
		assert.ErrorIs(t, err, brokertest.ErrDialRefused)
		assert.NotContains(t, err.Error(), "s3cret")
	})

	t.Run("invalid endpoint is not dialed", func(t *testing.T) {
		broker := brokertest.New()

		cm := rabbitmq.NewConnectionManager(rabbitmq.WithDialer(broker.Dialer()), rabbitmq.WithLogger(quietLogger()))
		_, err := cm.Start(context.Background(), rabbitmq.Endpoint{Username: "app"})
		assert.ErrorIs(t, err, rabbitmq.ErrInvalidConfiguration)
		assert.Equal(t, 0, broker.Dials())
	})

	t.Run("cancelled context", func(t *testing.T) {
		broker := brokertest.New()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		cm := rabbitmq.NewConnectionManager(rabbitmq.WithDialer(broker.Dialer()), rabbitmq.WithLogger(quietLogger()))
		_, err := cm.Start(ctx, testEndpoint)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("bad credentials are not retried", func(t *testing.T) {
		broker := brokertest.New()
		broker.FailDials(-1, amqp.ErrCredentials)

		cm := rabbitmq.NewConnectionManager(
			rabbitmq.WithDialer(broker.Dialer()),
			rabbitmq.WithLogger(quietLogger()),
			rabbitmq.WithConnectPolicy(reliability.NewFixedDelay(time.Millisecond, 5)),
		)
		_, err := cm.Start(context.Background(), testEndpoint)
		assert.ErrorIs(t, err, amqp.ErrCredentials)
		assert.Equal(t, 1, broker.Dials())
	})
}

func TestConnectionManagerStartRetries(t *testing.T) {
	broker := brokertest.New()
	broker.FailDials(2, nil)

	conn := startConnection(t, broker,
		rabbitmq.WithConnectPolicy(reliability.NewFixedDelay(time.Millisecond, 3)))

	assert.True(t, conn.IsConnected())
	assert.Equal(t, 3, broker.Dials())
}

func TestConnectionStop(t *testing.T) {
	broker := brokertest.New()
	cm := rabbitmq.NewConnectionManager(rabbitmq.WithDialer(broker.Dialer()), rabbitmq.WithLogger(quietLogger()))
	conn, err := cm.Start(context.Background(), testEndpoint)
	require.NoError(t, err)

	require.NoError(t, cm.Stop(conn))
	assert.NoError(t, conn.Stop())
	assert.Equal(t, 0, broker.OpenSessions())
	assert.False(t, conn.IsConnected())

	select {
	case <-conn.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}

	_, err = conn.Channel()
	assert.ErrorIs(t, err, rabbitmq.ErrConnectionClosed)
}

func TestConnectionReconnects(t *testing.T) {
	broker := brokertest.New()
	conn := startConnection(t, broker, rabbitmq.WithMaxReconnectAttempts(3))

	broker.DropConnections()

	assert.Eventually(t, func() bool {
		return broker.Dials() == 2 && conn.IsConnected()
	}, waitFor, tick)
	assert.NoError(t, conn.Err())

	_, err := conn.Channel()
	assert.NoError(t, err)
}

func TestConnectionReconnectDisabled(t *testing.T) {
	broker := brokertest.New()
	conn := startConnection(t, broker, rabbitmq.WithMaxReconnectAttempts(0))

	broker.DropConnections()

	assert.Eventually(t, func() bool {
		return conn.Err() != nil
	}, waitFor, tick)
	assert.ErrorIs(t, conn.Err(), rabbitmq.ErrConnectionClosed)
	assert.False(t, conn.IsConnected())
	assert.Equal(t, 1, broker.Dials())

	_, err := conn.Channel()
	assert.ErrorIs(t, err, rabbitmq.ErrNotConnected)
}

func TestConnectionReconnectExhausted(t *testing.T) {
	broker := brokertest.New()
	conn := startConnection(t, broker, rabbitmq.WithMaxReconnectAttempts(2))

	broker.FailDials(-1, nil)
	broker.DropConnections()

	assert.Eventually(t, func() bool {
		return conn.Err() != nil
	}, waitFor, tick)

	err := conn.Err()
	assert.ErrorIs(t, err, rabbitmq.ErrMaxRetriesExceeded)
	assert.ErrorIs(t, err, brokertest.ErrDialRefused)

	var retryErr *reliability.RetryError
	require.True(t, errors.As(err, &retryErr))
	assert.Equal(t, 2, retryErr.Attempts)
	assert.Equal(t, 3, broker.Dials())
}
