// Package config loads producer and consumer settings from defaults, an
// optional config file, a .env file and MMATE_ prefixed environment
// variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/glimte/mmate-orders/internal/rabbitmq"
	"github.com/glimte/mmate-orders/internal/reliability"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. MMATE_BROKER_PASSWORD
const EnvPrefix = "MMATE"

// ErrInvalidConfig is wrapped by every validation failure
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config holds all configuration for the producer and consumer
type Config struct {
	Broker     BrokerConfig   `mapstructure:"broker"`
	Queue      string         `mapstructure:"queue"`
	ErrorQueue string         `mapstructure:"error_queue"`
	Producer   ProducerConfig `mapstructure:"producer"`
	Consumer   ConsumerConfig `mapstructure:"consumer"`
	Log        LogConfig      `mapstructure:"log"`
}

// BrokerConfig describes the broker connection
type BrokerConfig struct {
	Host                 string        `mapstructure:"host"`
	Port                 int           `mapstructure:"port"`
	VHost                string        `mapstructure:"vhost"`
	Username             string        `mapstructure:"username"`
	Password             string        `mapstructure:"password"`
	Heartbeat            time.Duration `mapstructure:"heartbeat"`
	DialTimeout          time.Duration `mapstructure:"dial_timeout"`
	ConnectAttempts      int           `mapstructure:"connect_attempts"`
	ConnectRetryDelay    time.Duration `mapstructure:"connect_retry_delay"`
	ReconnectDelay       time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	ConnectionName       string        `mapstructure:"connection_name"`
}

// ProducerConfig configures sending
type ProducerConfig struct {
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
	CustomerName   string        `mapstructure:"customer_name"`
	Total          string        `mapstructure:"total"`
}

// ConsumerConfig configures receiving
type ConsumerConfig struct {
	PrefetchCount     int           `mapstructure:"prefetch_count"`
	RequeueOnError    bool          `mapstructure:"requeue_on_error"`
	HandlerTimeout    time.Duration `mapstructure:"handler_timeout"`
	HandlerRetries    int           `mapstructure:"handler_retries"`
	HandlerRetryDelay time.Duration `mapstructure:"handler_retry_delay"`
}

// LogConfig configures the process logger
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SetDefaults registers the default of every key. Keys need a default to be
// picked up from the environment by Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("broker.host", "localhost")
	v.SetDefault("broker.port", 5672)
	v.SetDefault("broker.vhost", "/")
	v.SetDefault("broker.username", "")
	v.SetDefault("broker.password", "")
	v.SetDefault("broker.heartbeat", 10*time.Second)
	v.SetDefault("broker.dial_timeout", 30*time.Second)
	v.SetDefault("broker.connect_attempts", 1)
	v.SetDefault("broker.connect_retry_delay", 2*time.Second)
	v.SetDefault("broker.reconnect_delay", time.Second)
	v.SetDefault("broker.max_reconnect_attempts", 5)
	v.SetDefault("broker.connection_name", "")

	v.SetDefault("queue", rabbitmq.DefaultQueue)
	v.SetDefault("error_queue", "")

	v.SetDefault("producer.confirm_timeout", 5*time.Second)
	v.SetDefault("producer.customer_name", "Ali")
	v.SetDefault("producer.total", "149.99")

	v.SetDefault("consumer.prefetch_count", 16)
	v.SetDefault("consumer.requeue_on_error", false)
	v.SetDefault("consumer.handler_timeout", time.Duration(0))
	v.SetDefault("consumer.handler_retries", 0)
	v.SetDefault("consumer.handler_retry_delay", 100*time.Millisecond)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// New returns a viper instance wired to the environment with all defaults set
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// LoadDotEnv loads variables from .env files into the process environment.
// Missing files are ignored; variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
	}
	return nil
}

// Load reads the optional config file at path, then unmarshals and validates
// the configuration
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = New()
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if c.Broker.Host == "" {
		invalid("broker.host is required")
	}
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		invalid("broker.port %d out of range", c.Broker.Port)
	}
	if c.Broker.Username == "" {
		invalid("broker.username is required")
	}
	if c.Broker.Password == "" {
		invalid("broker.password is required")
	}
	if c.Broker.ConnectAttempts < 1 {
		invalid("broker.connect_attempts must be at least 1")
	}
	if c.Broker.ConnectRetryDelay <= 0 {
		invalid("broker.connect_retry_delay must be positive")
	}
	if c.Broker.ReconnectDelay <= 0 {
		invalid("broker.reconnect_delay must be positive")
	}
	if err := rabbitmq.ValidateQueueName(c.Queue); err != nil {
		invalid("queue: %v", err)
	}
	if c.ErrorQueue != "" {
		if err := rabbitmq.ValidateQueueName(c.ErrorQueue); err != nil {
			invalid("error_queue: %v", err)
		}
	}
	if c.Producer.ConfirmTimeout <= 0 {
		invalid("producer.confirm_timeout must be positive")
	}
	if total, err := c.Producer.Amount(); err != nil {
		invalid("producer.total %q is not a decimal", c.Producer.Total)
	} else if total.IsNegative() {
		invalid("producer.total must not be negative")
	}
	if c.Consumer.PrefetchCount < 1 {
		invalid("consumer.prefetch_count must be at least 1")
	}
	if c.Consumer.HandlerTimeout < 0 {
		invalid("consumer.handler_timeout must not be negative")
	}
	if c.Consumer.HandlerRetries < 0 {
		invalid("consumer.handler_retries must not be negative")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		invalid("log.level %q must be debug, info, warn or error", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		invalid("log.format %q must be text or json", c.Log.Format)
	}

	return errors.Join(errs...)
}

// Amount parses the configured order total
func (p ProducerConfig) Amount() (decimal.Decimal, error) {
	return decimal.NewFromString(strings.TrimSpace(p.Total))
}

// Endpoint returns the broker endpoint. name overrides the connection name
// when the config leaves it empty.
func (c *Config) Endpoint(name string) rabbitmq.Endpoint {
	if c.Broker.ConnectionName != "" {
		name = c.Broker.ConnectionName
	}
	return rabbitmq.Endpoint{
		Host:           c.Broker.Host,
		Port:           c.Broker.Port,
		VirtualHost:    c.Broker.VHost,
		Username:       c.Broker.Username,
		Password:       c.Broker.Password,
		Heartbeat:      c.Broker.Heartbeat,
		DialTimeout:    c.Broker.DialTimeout,
		ConnectionName: name,
	}
}

// ConnectPolicy returns the retry policy of the initial dial
func (c *Config) ConnectPolicy() reliability.RetryPolicy {
	if c.Broker.ConnectAttempts <= 1 {
		return reliability.NoRetry()
	}
	return reliability.NewFixedDelay(c.Broker.ConnectRetryDelay, c.Broker.ConnectAttempts-1)
}

// QueueSpec returns the declaration shared by producer and consumer
func (c *Config) QueueSpec() rabbitmq.QueueSpec {
	spec := rabbitmq.DefaultQueueSpec()
	spec.ErrorQueue = c.ErrorQueue
	return spec
}
