// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mmate wires a broker connection, the wire codec and the handler
// pipeline into a Producer and a Consumer of OrderSubmitted messages.
package mmate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-orders/config"
	"github.com/glimte/mmate-orders/contracts"
	"github.com/glimte/mmate-orders/health"
	"github.com/glimte/mmate-orders/interceptors"
	"github.com/glimte/mmate-orders/internal/rabbitmq"
	"github.com/glimte/mmate-orders/internal/reliability"
	"github.com/glimte/mmate-orders/messaging"
	"github.com/glimte/mmate-orders/serialization"
)

// clientConfig holds producer and consumer options
type clientConfig struct {
	logger       *slog.Logger
	errorSink    messaging.ErrorSink
	codec        serialization.Codec
	dialer       rabbitmq.Dialer
	interceptors []interceptors.Interceptor
}

// ClientOption configures a Producer or Consumer
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithErrorSink receives decode, handler and binding errors of a Consumer
func WithErrorSink(sink messaging.ErrorSink) ClientOption {
	return func(cfg *clientConfig) {
		cfg.errorSink = sink
	}
}

// WithCodec replaces the JSON wire codec
func WithCodec(codec serialization.Codec) ClientOption {
	return func(cfg *clientConfig) {
		cfg.codec = codec
	}
}

// WithDialer replaces the AMQP dialer
func WithDialer(dialer rabbitmq.Dialer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialer = dialer
	}
}

// WithInterceptors appends interceptors after the built-in ones of a Consumer
func WithInterceptors(list ...interceptors.Interceptor) ClientOption {
	return func(cfg *clientConfig) {
		cfg.interceptors = append(cfg.interceptors, list...)
	}
}

func newClientConfig(options []ClientOption) *clientConfig {
	cfg := &clientConfig{
		logger: slog.Default(),
		codec:  serialization.NewJSONCodec(),
	}
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.errorSink == nil {
		cfg.errorSink = messaging.LogErrorSink{Logger: cfg.logger}
	}
	return cfg
}

func connect(ctx context.Context, cfg *config.Config, cc *clientConfig, name string) (*rabbitmq.Connection, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", config.ErrInvalidConfig)
	}

	opts := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(cc.logger),
		rabbitmq.WithConnectPolicy(cfg.ConnectPolicy()),
		rabbitmq.WithReconnectDelay(cfg.Broker.ReconnectDelay),
		rabbitmq.WithMaxReconnectAttempts(cfg.Broker.MaxReconnectAttempts),
	}
	if cc.dialer != nil {
		opts = append(opts, rabbitmq.WithDialer(cc.dialer))
	}

	return rabbitmq.NewConnectionManager(opts...).Start(ctx, cfg.Endpoint(name))
}

// Producer sends OrderSubmitted messages to the configured queue
type Producer struct {
	conn     *rabbitmq.Connection
	resolver *rabbitmq.SendEndpointResolver
	endpoint *rabbitmq.SendEndpoint
	health   *health.Registry
	logger   *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// NewProducer connects to the broker and resolves the send endpoint of the
// configured queue
func NewProducer(ctx context.Context, cfg *config.Config, options ...ClientOption) (*Producer, error) {
	cc := newClientConfig(options)

	conn, err := connect(ctx, cfg, cc, "mmate-orders-producer")
	if err != nil {
		return nil, err
	}

	resolver, err := rabbitmq.NewSendEndpointResolver(conn, cc.codec,
		rabbitmq.WithResolverLogger(cc.logger),
		rabbitmq.WithSendQueueSpec(cfg.QueueSpec()),
		rabbitmq.WithConfirmTimeout(cfg.Producer.ConfirmTimeout))
	if err != nil {
		conn.Stop()
		return nil, err
	}

	endpoint, err := resolver.Resolve(ctx, cfg.Queue)
	if err != nil {
		conn.Stop()
		return nil, err
	}

	registry := health.NewRegistry()
	registry.Register(health.NewConnectionChecker(conn))

	return &Producer{
		conn:     conn,
		resolver: resolver,
		endpoint: endpoint,
		health:   registry,
		logger:   cc.logger,
	}, nil
}

// Queue returns the queue Send delivers to
func (p *Producer) Queue() string {
	return p.endpoint.Queue()
}

// Send publishes msg and waits for the broker to confirm it
func (p *Producer) Send(ctx context.Context, msg contracts.OrderSubmitted) error {
	return p.endpoint.Send(ctx, msg)
}

// SendTo publishes msg to another destination, e.g. rabbitmq://host/queue
func (p *Producer) SendTo(ctx context.Context, destination string, msg contracts.OrderSubmitted) error {
	endpoint, err := p.resolver.Resolve(ctx, destination)
	if err != nil {
		return err
	}
	return endpoint.Send(ctx, msg)
}

// Connected reports whether the broker session is currently open
func (p *Producer) Connected() bool {
	return p.conn.IsConnected()
}

// Health checks the broker connection
func (p *Producer) Health(ctx context.Context) health.OverallHealth {
	return p.health.Check(ctx)
}

// Close releases the send endpoints and the connection. It is safe to call
// more than once.
func (p *Producer) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.conn.Stop()
	})
	return p.closeErr
}

// Consumer receives OrderSubmitted messages from the configured queue and
// passes them through the handler pipeline
type Consumer struct {
	conn    *rabbitmq.Connection
	binding *rabbitmq.Binding
	chain   *interceptors.InterceptorChain
	health  *health.Registry
	logger  *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// NewConsumer connects to the broker and starts delivering messages of the
// configured queue to handler
func NewConsumer(ctx context.Context, cfg *config.Config, handler messaging.OrderHandler, options ...ClientOption) (*Consumer, error) {
	if handler == nil {
		return nil, fmt.Errorf("%w: nil handler", rabbitmq.ErrInvalidConfiguration)
	}
	cc := newClientConfig(options)

	conn, err := connect(ctx, cfg, cc, "mmate-orders-consumer")
	if err != nil {
		return nil, err
	}

	chain := buildChain(cfg, cc)

	loop, err := rabbitmq.NewReceiveLoop(conn, cc.codec, chain.Wrap(handler),
		rabbitmq.WithConsumerLogger(cc.logger),
		rabbitmq.WithErrorSink(cc.errorSink),
		rabbitmq.WithPrefetchCount(cfg.Consumer.PrefetchCount),
		rabbitmq.WithRequeueOnError(cfg.Consumer.RequeueOnError),
		rabbitmq.WithHandlerTimeout(cfg.Consumer.HandlerTimeout),
		rabbitmq.WithReceiveQueueSpec(cfg.QueueSpec()))
	if err != nil {
		conn.Stop()
		return nil, err
	}

	binding, err := loop.Bind(ctx, cfg.Queue)
	if err != nil {
		conn.Stop()
		return nil, err
	}

	registry := health.NewRegistry()
	registry.Register(health.NewConnectionChecker(conn))
	registry.Register(health.NewBindingChecker(binding))

	return &Consumer{
		conn:    conn,
		binding: binding,
		chain:   chain,
		health:  registry,
		logger:  cc.logger,
	}, nil
}

func buildChain(cfg *config.Config, cc *clientConfig) *interceptors.InterceptorChain {
	builder := interceptors.NewDefaultInterceptorChainBuilder(cc.logger).
		WithLogging().
		WithValidation(nil)

	if cfg.Consumer.HandlerRetries > 0 {
		policy := reliability.NewFixedDelay(cfg.Consumer.HandlerRetryDelay, cfg.Consumer.HandlerRetries)
		builder.WithRetry(interceptors.NewRetryInterceptor(policy))
	}
	for _, interceptor := range cc.interceptors {
		builder.WithCustom(interceptor)
	}
	return builder.Build()
}

// Queue returns the bound queue
func (c *Consumer) Queue() string {
	return c.binding.Queue()
}

// Pipeline returns the interceptor names in execution order
func (c *Consumer) Pipeline() []string {
	return c.chain.Names()
}

// Delivered returns the number of acknowledged messages
func (c *Consumer) Delivered() int64 {
	return c.binding.Delivered()
}

// Failed returns the number of rejected or nacked messages
func (c *Consumer) Failed() int64 {
	return c.binding.Failed()
}

// Done is closed once the consumer stops receiving, either by Close or
// because the binding was lost
func (c *Consumer) Done() <-chan struct{} {
	return c.binding.Done()
}

// Err returns why the consumer stopped on its own, or nil
func (c *Consumer) Err() error {
	if err := c.binding.Err(); err != nil {
		return err
	}
	return c.conn.Err()
}

// Health checks the connection and the binding
func (c *Consumer) Health(ctx context.Context) health.OverallHealth {
	return c.health.Check(ctx)
}

// Close stops the binding, letting an in-flight handler finish, and releases
// the connection. It is safe to call more than once.
func (c *Consumer) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Stop()
	})
	return c.closeErr
}
