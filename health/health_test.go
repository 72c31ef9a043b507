package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/mmate-orders/contracts"
	"github.com/glimte/mmate-orders/internal/brokertest"
	"github.com/glimte/mmate-orders/internal/logging"
	"github.com/glimte/mmate-orders/internal/rabbitmq"
	"github.com/glimte/mmate-orders/messaging"
	"github.com/glimte/mmate-orders/serialization"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixed(name string, status Status) Checker {
	return NewCheckerFunc(name, func(ctx context.Context) CheckResult {
		return CheckResult{Name: name, Status: status}
	})
}

func TestRegistryCheck(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{"no checks", nil, StatusHealthy},
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"degraded wins over healthy", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"unhealthy wins", []Status{StatusDegraded, StatusUnhealthy, StatusHealthy}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			for i, s := range tt.statuses {
				r.Register(fixed(string(rune('a'+i)), s))
			}

			report := r.Check(context.Background())
			assert.Equal(t, tt.want, report.Status)
			assert.Len(t, report.Checks, len(tt.statuses))
		})
	}
}

func TestRegistryUnregister(t *testing.T) {
	r := NewRegistry()
	r.Register(fixed("a", StatusUnhealthy))
	r.Register(fixed("b", StatusHealthy))
	r.Unregister("a")

	report := r.Check(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Equal(t, []string{"b"}, report.Names())
}

func TestRegistryCheckTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	r := NewRegistry()
	r.Register(NewCheckerFunc("slow", func(ctx context.Context) CheckResult {
		<-release
		return CheckResult{Name: "slow", Status: StatusHealthy}
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	report := r.Check(ctx)
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Equal(t, "Check timed out", report.Checks["slow"].Message)
}

func startConnection(t *testing.T, broker *brokertest.Broker, options ...rabbitmq.ConnectionOption) *rabbitmq.Connection {
	t.Helper()
	opts := append([]rabbitmq.ConnectionOption{
		rabbitmq.WithDialer(broker.Dialer()),
		rabbitmq.WithLogger(logging.Discard()),
	}, options...)

	conn, err := rabbitmq.NewConnectionManager(opts...).Start(context.Background(),
		rabbitmq.Endpoint{Host: "localhost", Username: "app", Password: "s3cret"})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Stop() })
	return conn
}

func serializedOrder(t *testing.T) amqp.Publishing {
	t.Helper()
	msg, err := contracts.NewOrderSubmitted(uuid.New(), "Ali", decimal.RequireFromString("149.99"))
	require.NoError(t, err)
	body, err := serialization.NewJSONCodec().Encode(msg)
	require.NoError(t, err)
	return amqp.Publishing{Body: body}
}

func TestConnectionChecker(t *testing.T) {
	broker := brokertest.New()
	conn := startConnection(t, broker, rabbitmq.WithMaxReconnectAttempts(0))
	checker := NewConnectionChecker(conn)
	assert.Equal(t, "rabbitmq", checker.Name())

	result := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
	assert.Equal(t, true, result.Details["connection_open"])

	broker.DropConnections()

	result = checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
}

func TestBindingChecker(t *testing.T) {
	broker := brokertest.New()
	conn := startConnection(t, broker)

	loop, err := rabbitmq.NewReceiveLoop(conn, serialization.NewJSONCodec(),
		messaging.OrderHandlerFunc(func(ctx context.Context, msg contracts.OrderSubmitted) error {
			return errors.New("boom")
		}),
		rabbitmq.WithErrorSink(&messaging.CollectingErrorSink{}))
	require.NoError(t, err)
	b, err := loop.Bind(context.Background(), rabbitmq.DefaultQueue)
	require.NoError(t, err)

	checker := NewBindingChecker(b)
	assert.Equal(t, "queue_order-submitted-queue", checker.Name())

	result := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
	assert.Equal(t, "listening", result.Details["state"])

	broker.Inject(rabbitmq.DefaultQueue, serializedOrder(t))
	require.Eventually(t, func() bool { return b.Failed() == 1 }, time.Second, 5*time.Millisecond)

	result = checker.Check(context.Background())
	assert.Equal(t, StatusDegraded, result.Status)

	require.NoError(t, b.Stop(context.Background()))
	result = checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
}
