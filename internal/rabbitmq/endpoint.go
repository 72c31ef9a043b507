package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-orders/contracts"
	"github.com/glimte/mmate-orders/serialization"
	amqp "github.com/rabbitmq/amqp091-go"
)

// SendEndpointResolver turns destinations into send endpoints. Endpoints are
// memoized per queue, so resolving the same destination twice returns the
// same endpoint.
type SendEndpointResolver struct {
	conn           *Connection
	codec          serialization.Codec
	logger         *slog.Logger
	queueSpec      QueueSpec
	confirmTimeout time.Duration

	mu        sync.Mutex
	endpoints map[string]*SendEndpoint
	closed    bool
}

// ResolverOption configures the SendEndpointResolver
type ResolverOption func(*SendEndpointResolver)

// WithResolverLogger sets the logger
func WithResolverLogger(logger *slog.Logger) ResolverOption {
	return func(r *SendEndpointResolver) {
		r.logger = logger
	}
}

// WithSendQueueSpec sets how destination queues are declared
func WithSendQueueSpec(spec QueueSpec) ResolverOption {
	return func(r *SendEndpointResolver) {
		r.queueSpec = spec
	}
}

// WithConfirmTimeout sets how long Send waits for the broker confirm
func WithConfirmTimeout(timeout time.Duration) ResolverOption {
	return func(r *SendEndpointResolver) {
		r.confirmTimeout = timeout
	}
}

// NewSendEndpointResolver creates a resolver bound to conn
func NewSendEndpointResolver(conn *Connection, codec serialization.Codec, options ...ResolverOption) (*SendEndpointResolver, error) {
	if conn == nil {
		return nil, fmt.Errorf("%w: connection is required", ErrInvalidConfiguration)
	}
	if codec == nil {
		return nil, fmt.Errorf("%w: codec is required", ErrInvalidConfiguration)
	}

	r := &SendEndpointResolver{
		conn:           conn,
		codec:          codec,
		logger:         conn.logger,
		queueSpec:      DefaultQueueSpec(),
		confirmTimeout: 5 * time.Second,
		endpoints:      make(map[string]*SendEndpoint),
	}

	for _, opt := range options {
		opt(r)
	}

	if err := conn.trackResolver(r); err != nil {
		return nil, err
	}
	return r, nil
}

// Resolve returns the send endpoint for destination, declaring its queue on
// first use
func (r *SendEndpointResolver) Resolve(ctx context.Context, destination string) (*SendEndpoint, error) {
	queue, err := ParseDestination(destination)
	if err != nil {
		return nil, &ResolutionError{Destination: destination, Err: err, Timestamp: time.Now()}
	}

	if err := ctx.Err(); err != nil {
		return nil, &ResolutionError{Destination: destination, Err: err, Timestamp: time.Now()}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, &ResolutionError{Destination: destination, Err: ErrConnectionClosed, Timestamp: time.Now()}
	}

	if ep, ok := r.endpoints[queue]; ok {
		return ep, nil
	}

	ep := &SendEndpoint{
		queue:          queue,
		conn:           r.conn,
		codec:          r.codec,
		logger:         r.logger,
		queueSpec:      r.queueSpec,
		confirmTimeout: r.confirmTimeout,
	}
	if err := ep.openLocked(); err != nil {
		return nil, &ResolutionError{Destination: destination, Err: err, Timestamp: time.Now()}
	}

	r.endpoints[queue] = ep
	r.logger.Debug("resolved send endpoint",
		"destination", destination,
		"queue", queue)

	return ep, nil
}

// Close closes every endpoint handed out by the resolver
func (r *SendEndpointResolver) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	endpoints := r.endpoints
	r.endpoints = make(map[string]*SendEndpoint)
	r.mu.Unlock()

	var errs []error
	for _, ep := range endpoints {
		if err := ep.close(); err != nil {
			errs = append(errs, err)
		}
	}

	r.conn.untrackResolver(r)
	return errors.Join(errs...)
}

// SendEndpoint publishes OrderSubmitted messages to one queue with publisher
// confirms. Sends on the same endpoint are serialized.
type SendEndpoint struct {
	queue          string
	conn           *Connection
	codec          serialization.Codec
	logger         *slog.Logger
	queueSpec      QueueSpec
	confirmTimeout time.Duration

	mu       sync.Mutex
	ch       Channel
	confirms chan amqp.Confirmation
	nextTag  uint64
	closed   bool
}

// Queue returns the destination queue name
func (e *SendEndpoint) Queue() string {
	return e.queue
}

// Send publishes msg and waits until the broker confirms it. A nil return
// means the broker accepted responsibility for the message.
func (e *SendEndpoint) Send(ctx context.Context, msg contracts.OrderSubmitted) error {
	body, err := e.codec.Encode(msg)
	if err != nil {
		return e.sendError(msg, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return e.sendError(msg, ErrEndpointClosed)
	}

	if e.ch == nil || e.ch.IsClosed() {
		if err := e.openLocked(); err != nil {
			return e.sendError(msg, err)
		}
	}

	publishing := amqp.Publishing{
		ContentType:  e.codec.ContentType(),
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Type:         contracts.OrderSubmittedType,
		Body:         body,
	}

	if err := e.ch.PublishWithContext(
		ctx,
		"",      // default exchange
		e.queue, // routing key
		false,   // mandatory
		false,   // immediate
		publishing,
	); err != nil {
		e.discardLocked()
		return e.sendError(msg, fmt.Errorf("failed to publish: %w", err))
	}

	e.nextTag++
	if err := e.waitConfirmLocked(ctx, e.nextTag); err != nil {
		return e.sendError(msg, err)
	}

	e.logger.Debug("message confirmed",
		"queue", e.queue,
		"orderId", msg.OrderID,
		"deliveryTag", e.nextTag)

	return nil
}

// waitConfirmLocked waits for the confirmation of tag
func (e *SendEndpoint) waitConfirmLocked(ctx context.Context, tag uint64) error {
	timer := time.NewTimer(e.confirmTimeout)
	defer timer.Stop()

	for {
		select {
		case confirm, ok := <-e.confirms:
			if !ok {
				e.discardLocked()
				return fmt.Errorf("%w: confirmation stream closed", ErrChannelClosed)
			}
			// Skip late confirms of earlier publishes
			if confirm.DeliveryTag < tag {
				continue
			}
			if !confirm.Ack {
				return ErrPublishNacked
			}
			return nil

		case <-timer.C:
			e.discardLocked()
			return ErrConfirmTimeout

		case <-ctx.Done():
			e.discardLocked()
			return ctx.Err()
		}
	}
}

// openLocked opens a confirm-mode channel and declares the queue
func (e *SendEndpoint) openLocked() error {
	ch, err := e.conn.Channel()
	if err != nil {
		return err
	}

	if _, err := e.queueSpec.declare(ch, e.queue); err != nil {
		ch.Close()
		return &ChannelError{Op: "declare", Queue: e.queue, Err: err, Timestamp: time.Now()}
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return &ChannelError{Op: "confirm", Queue: e.queue, Err: err, Timestamp: time.Now()}
	}

	e.ch = ch
	e.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 16))
	e.nextTag = 0
	return nil
}

// discardLocked drops the channel so the next Send opens a fresh one.
// Confirm tags restart on a new channel.
func (e *SendEndpoint) discardLocked() {
	if e.ch != nil && !e.ch.IsClosed() {
		e.ch.Close()
	}
	e.ch = nil
	e.confirms = nil
}

func (e *SendEndpoint) close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	var err error
	if e.ch != nil && !e.ch.IsClosed() {
		if closeErr := e.ch.Close(); closeErr != nil && !errors.Is(closeErr, amqp.ErrClosed) {
			err = &ChannelError{Op: "close", Queue: e.queue, Err: closeErr, Timestamp: time.Now()}
		}
	}
	e.ch = nil
	e.confirms = nil
	return err
}

func (e *SendEndpoint) sendError(msg contracts.OrderSubmitted, err error) error {
	return &SendError{
		Queue:     e.queue,
		OrderID:   msg.OrderID,
		Err:       err,
		Timestamp: time.Now(),
	}
}
