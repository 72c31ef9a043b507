package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glimte/mmate-orders/internal/rabbitmq"
	"github.com/glimte/mmate-orders/internal/reliability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withCredentials(t *testing.T) {
	t.Helper()
	t.Setenv("MMATE_BROKER_USERNAME", "app")
	t.Setenv("MMATE_BROKER_PASSWORD", "s3cret")
}

func TestLoadDefaults(t *testing.T) {
	withCredentials(t)

	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Broker.Host)
	assert.Equal(t, 5672, cfg.Broker.Port)
	assert.Equal(t, "/", cfg.Broker.VHost)
	assert.Equal(t, 10*time.Second, cfg.Broker.Heartbeat)
	assert.Equal(t, 30*time.Second, cfg.Broker.DialTimeout)
	assert.Equal(t, 1, cfg.Broker.ConnectAttempts)
	assert.Equal(t, time.Second, cfg.Broker.ReconnectDelay)
	assert.Equal(t, 5, cfg.Broker.MaxReconnectAttempts)
	assert.Equal(t, rabbitmq.DefaultQueue, cfg.Queue)
	assert.Empty(t, cfg.ErrorQueue)
	assert.Equal(t, 5*time.Second, cfg.Producer.ConfirmTimeout)
	assert.Equal(t, "Ali", cfg.Producer.CustomerName)
	assert.Equal(t, 16, cfg.Consumer.PrefetchCount)
	assert.False(t, cfg.Consumer.RequeueOnError)
	assert.Equal(t, 100*time.Millisecond, cfg.Consumer.HandlerRetryDelay)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)

	total, err := cfg.Producer.Amount()
	require.NoError(t, err)
	assert.Equal(t, "149.99", total.String())
}

func TestLoadRequiresCredentials(t *testing.T) {
	t.Setenv("MMATE_BROKER_USERNAME", "")
	t.Setenv("MMATE_BROKER_PASSWORD", "")

	_, err := Load(New(), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "broker.username is required")
	assert.Contains(t, err.Error(), "broker.password is required")
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	withCredentials(t)
	t.Setenv("MMATE_BROKER_HOST", "rabbit.internal")
	t.Setenv("MMATE_BROKER_PORT", "5673")
	t.Setenv("MMATE_BROKER_HEARTBEAT", "30s")
	t.Setenv("MMATE_QUEUE", "orders")
	t.Setenv("MMATE_CONSUMER_REQUEUE_ON_ERROR", "true")
	t.Setenv("MMATE_PRODUCER_TOTAL", "10.50")

	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, "rabbit.internal", cfg.Broker.Host)
	assert.Equal(t, 5673, cfg.Broker.Port)
	assert.Equal(t, 30*time.Second, cfg.Broker.Heartbeat)
	assert.Equal(t, "orders", cfg.Queue)
	assert.True(t, cfg.Consumer.RequeueOnError)
	assert.Equal(t, "10.50", cfg.Producer.Total)
}

func TestLoadConfigFile(t *testing.T) {
	withCredentials(t)
	path := filepath.Join(t.TempDir(), "mmate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
broker:
  host: broker.example
  connect_attempts: 3
  connect_retry_delay: 250ms
error_queue: order-submitted-queue_error
consumer:
  prefetch_count: 4
  handler_retries: 2
log:
  level: debug
  format: json
`), 0o600))

	cfg, err := Load(New(), path)
	require.NoError(t, err)

	assert.Equal(t, "broker.example", cfg.Broker.Host)
	assert.Equal(t, 3, cfg.Broker.ConnectAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Broker.ConnectRetryDelay)
	assert.Equal(t, "order-submitted-queue_error", cfg.ErrorQueue)
	assert.Equal(t, 4, cfg.Consumer.PrefetchCount)
	assert.Equal(t, 2, cfg.Consumer.HandlerRetries)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	// Environment wins over the file
	t.Setenv("MMATE_BROKER_HOST", "override")
	cfg, err = Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, "override", cfg.Broker.Host)
}

func TestLoadMissingConfigFile(t *testing.T) {
	withCredentials(t)
	_, err := Load(New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	withCredentials(t)
	base, err := Load(New(), "")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port out of range", func(c *Config) { c.Broker.Port = 70000 }, "broker.port"},
		{"reserved queue", func(c *Config) { c.Queue = "amq.orders" }, "queue"},
		{"empty queue", func(c *Config) { c.Queue = "" }, "queue"},
		{"bad error queue", func(c *Config) { c.ErrorQueue = "amq.err" }, "error_queue"},
		{"bad total", func(c *Config) { c.Producer.Total = "lots" }, "producer.total"},
		{"negative total", func(c *Config) { c.Producer.Total = "-1" }, "must not be negative"},
		{"zero prefetch", func(c *Config) { c.Consumer.PrefetchCount = 0 }, "prefetch_count"},
		{"negative retries", func(c *Config) { c.Consumer.HandlerRetries = -1 }, "handler_retries"},
		{"zero connect attempts", func(c *Config) { c.Broker.ConnectAttempts = 0 }, "connect_attempts"},
		{"zero connect retry delay", func(c *Config) { c.Broker.ConnectRetryDelay = 0 }, "connect_retry_delay"},
		{"zero reconnect delay", func(c *Config) { c.Broker.ReconnectDelay = 0 }, "reconnect_delay"},
		{"negative reconnect delay", func(c *Config) { c.Broker.ReconnectDelay = -time.Second }, "reconnect_delay"},
		{"unknown level", func(c *Config) { c.Log.Level = "trace" }, "log.level"},
		{"unknown format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestEndpoint(t *testing.T) {
	withCredentials(t)
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	ep := cfg.Endpoint("producer")
	assert.Equal(t, "localhost", ep.Host)
	assert.Equal(t, 5672, ep.Port)
	assert.Equal(t, "app", ep.Username)
	assert.Equal(t, "s3cret", ep.Password)
	assert.Equal(t, "producer", ep.ConnectionName)
	assert.NoError(t, ep.Validate())

	cfg.Broker.ConnectionName = "orders-producer"
	assert.Equal(t, "orders-producer", cfg.Endpoint("producer").ConnectionName)
}

func TestConnectPolicy(t *testing.T) {
	cfg := &Config{Broker: BrokerConfig{ConnectAttempts: 1}}
	assert.Equal(t, 0, cfg.ConnectPolicy().MaxRetries())

	cfg.Broker.ConnectAttempts = 4
	cfg.Broker.ConnectRetryDelay = 50 * time.Millisecond
	policy := cfg.ConnectPolicy()
	assert.IsType(t, &reliability.FixedDelay{}, policy)
	assert.Equal(t, 3, policy.MaxRetries())
	assert.Equal(t, 50*time.Millisecond, policy.NextDelay(0))
}

func TestQueueSpec(t *testing.T) {
	cfg := &Config{ErrorQueue: "orders_error"}
	spec := cfg.QueueSpec()
	assert.True(t, spec.Durable)
	assert.Equal(t, "orders_error", spec.ErrorQueue)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("MMATE_TEST_DOTENV=from-file\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("MMATE_TEST_DOTENV") })

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "from-file", os.Getenv("MMATE_TEST_DOTENV"))

	assert.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env")))
}
