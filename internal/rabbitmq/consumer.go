package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-orders/contracts"
	"github.com/glimte/mmate-orders/messaging"
	"github.com/glimte/mmate-orders/serialization"
	amqp "github.com/rabbitmq/amqp091-go"
)

// BindingState is the lifecycle state of a Binding
type BindingState int32

const (
	// StateIdle means the binding has not been attached to a queue yet
	StateIdle BindingState = iota
	// StateBound means the queue is declared but deliveries have not started
	StateBound
	// StateListening means the binding waits for deliveries
	StateListening
	// StateDelivering means a handler is running
	StateDelivering
	// StateStopped is terminal
	StateStopped
)

func (s BindingState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBound:
		return "bound"
	case StateListening:
		return "listening"
	case StateDelivering:
		return "delivering"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("BindingState(%d)", int32(s))
	}
}

// ReceiveLoop binds queues to an OrderHandler
type ReceiveLoop struct {
	conn           *Connection
	codec          serialization.Codec
	handler        messaging.OrderHandler
	logger         *slog.Logger
	errorSink      messaging.ErrorSink
	prefetchCount  int
	requeueOnError bool
	handlerTimeout time.Duration
	consumerTag    string
	queueSpec      QueueSpec

	mu    sync.Mutex
	bound map[string]*Binding
}

// ConsumerOption configures the ReceiveLoop
type ConsumerOption func(*ReceiveLoop)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(l *ReceiveLoop) {
		l.prefetchCount = count
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(l *ReceiveLoop) {
		l.logger = logger
	}
}

// WithErrorSink sets where decode and handler failures are reported
func WithErrorSink(sink messaging.ErrorSink) ConsumerOption {
	return func(l *ReceiveLoop) {
		l.errorSink = sink
	}
}

// WithRequeueOnError makes failed handler deliveries go back to the queue
// instead of being dead-lettered
func WithRequeueOnError(requeue bool) ConsumerOption {
	return func(l *ReceiveLoop) {
		l.requeueOnError = requeue
	}
}

// WithHandlerTimeout bounds each handler invocation. Zero means no bound.
func WithHandlerTimeout(timeout time.Duration) ConsumerOption {
	return func(l *ReceiveLoop) {
		l.handlerTimeout = timeout
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) ConsumerOption {
	return func(l *ReceiveLoop) {
		l.consumerTag = tag
	}
}

// WithReceiveQueueSpec sets how the bound queue is declared
func WithReceiveQueueSpec(spec QueueSpec) ConsumerOption {
	return func(l *ReceiveLoop) {
		l.queueSpec = spec
	}
}

// NewReceiveLoop creates a receive loop dispatching to handler
func NewReceiveLoop(conn *Connection, codec serialization.Codec, handler messaging.OrderHandler, options ...ConsumerOption) (*ReceiveLoop, error) {
	if conn == nil {
		return nil, fmt.Errorf("%w: connection is required", ErrInvalidConfiguration)
	}
	if codec == nil {
		return nil, fmt.Errorf("%w: codec is required", ErrInvalidConfiguration)
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: handler is required", ErrInvalidConfiguration)
	}

	l := &ReceiveLoop{
		conn:          conn,
		codec:         codec,
		handler:       handler,
		logger:        conn.logger,
		prefetchCount: 1,
		queueSpec:     DefaultQueueSpec(),
		bound:         make(map[string]*Binding),
	}

	for _, opt := range options {
		opt(l)
	}

	if l.errorSink == nil {
		l.errorSink = messaging.LogErrorSink{Logger: l.logger}
	}
	if l.prefetchCount < 1 {
		return nil, fmt.Errorf("%w: prefetch count must be positive", ErrInvalidConfiguration)
	}

	return l, nil
}

// Bind declares queue and starts delivering its messages to the handler.
// Deliveries are handled one at a time in arrival order.
func (l *ReceiveLoop) Bind(ctx context.Context, queue string) (*Binding, error) {
	if err := ValidateQueueName(queue); err != nil {
		return nil, &BindError{Queue: queue, Op: "bind", Err: err, Timestamp: time.Now()}
	}
	if err := ctx.Err(); err != nil {
		return nil, &BindError{Queue: queue, Op: "bind", Err: err, Timestamp: time.Now()}
	}

	b := &Binding{
		loop:     l,
		queue:    queue,
		tag:      l.consumerTag,
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
	if b.tag == "" {
		b.tag = fmt.Sprintf("mmate-orders-%s-%d", queue, time.Now().UnixNano())
	}

	// One active binding per queue
	l.mu.Lock()
	defer l.mu.Unlock()
	if prev, ok := l.bound[queue]; ok && prev.State() != StateStopped {
		return nil, &BindError{Queue: queue, Op: "bind", Err: ErrAlreadyBound, Timestamp: time.Now()}
	}

	if err := l.conn.trackBinding(b); err != nil {
		return nil, &BindError{Queue: queue, Op: "bind", Err: err, Timestamp: time.Now()}
	}

	// The connection may stop this binding while open runs; done must close
	// on every path so that Stop returns
	deliveries, err := b.open()
	if err != nil {
		b.setState(StateStopped)
		close(b.done)
		l.conn.untrackBinding(b)
		return nil, &BindError{Queue: queue, Op: "bind", Err: err, Timestamp: time.Now()}
	}

	l.bound[queue] = b
	b.setState(StateListening)
	go b.run(deliveries)

	select {
	case <-b.stopping:
		return nil, &BindError{Queue: queue, Op: "bind", Err: ErrConnectionClosed, Timestamp: time.Now()}
	default:
	}

	l.logger.Info("bound to queue",
		"queue", queue,
		"consumerTag", b.tag,
		"prefetchCount", l.prefetchCount)

	return b, nil
}

// Binding is an active subscription of a ReceiveLoop to one queue
type Binding struct {
	loop  *ReceiveLoop
	queue string
	tag   string
	ch    Channel

	state     atomic.Int32
	delivered atomic.Int64
	failed    atomic.Int64

	stopOnce sync.Once
	stopErr  error
	stopping chan struct{}
	done     chan struct{}

	mu  sync.Mutex
	err error
}

// open prepares the channel and starts the consumer
func (b *Binding) open() (<-chan amqp.Delivery, error) {
	l := b.loop

	ch, err := l.conn.Channel()
	if err != nil {
		return nil, err
	}

	if err := ch.Qos(l.prefetchCount, 0, false); err != nil {
		ch.Close()
		return nil, &ChannelError{Op: "qos", Queue: b.queue, Err: err, Timestamp: time.Now()}
	}

	if _, err := l.queueSpec.declare(ch, b.queue); err != nil {
		ch.Close()
		return nil, &ChannelError{Op: "declare", Queue: b.queue, Err: err, Timestamp: time.Now()}
	}
	b.setState(StateBound)

	deliveries, err := ch.Consume(
		b.queue,
		b.tag,
		false, // manual ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, &ChannelError{Op: "consume", Queue: b.queue, Err: err, Timestamp: time.Now()}
	}

	b.mu.Lock()
	b.ch = ch
	b.mu.Unlock()
	return deliveries, nil
}

func (b *Binding) channel() Channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch
}

// run pumps deliveries until Stop is called or the stream is lost
func (b *Binding) run(deliveries <-chan amqp.Delivery) {
	defer close(b.done)

	for {
		select {
		case <-b.stopping:
			return

		case delivery, ok := <-deliveries:
			if !ok {
				select {
				case <-b.stopping:
				default:
					b.lost()
				}
				return
			}

			// Stop won the race; the unacked delivery returns to the queue
			// when the channel closes
			select {
			case <-b.stopping:
				return
			default:
			}

			b.setState(StateDelivering)
			b.deliver(delivery)
			b.setState(StateListening)
		}
	}
}

// deliver decodes and dispatches one delivery, then settles it
func (b *Binding) deliver(delivery amqp.Delivery) {
	l := b.loop

	msg, err := l.codec.Decode(delivery.Body)
	if err != nil {
		b.failed.Add(1)
		l.errorSink.ReportError(context.Background(), fmt.Errorf("queue %s delivery %d: %w", b.queue, delivery.DeliveryTag, err))
		if rejectErr := delivery.Reject(false); rejectErr != nil {
			l.logger.Error("failed to reject message",
				"error", rejectErr,
				"queue", b.queue,
				"deliveryTag", delivery.DeliveryTag)
		}
		return
	}

	if err := b.invoke(msg); err != nil {
		b.failed.Add(1)
		l.errorSink.ReportError(context.Background(), &HandlerError{
			Queue:       b.queue,
			DeliveryTag: delivery.DeliveryTag,
			OrderID:     msg.OrderID,
			Err:         err,
		})
		if nackErr := delivery.Nack(false, l.requeueOnError); nackErr != nil {
			l.logger.Error("failed to nack message",
				"error", nackErr,
				"originalError", err,
				"queue", b.queue)
		}
		return
	}

	b.delivered.Add(1)
	if ackErr := delivery.Ack(false); ackErr != nil {
		l.logger.Error("failed to ack message",
			"error", ackErr,
			"queue", b.queue,
			"orderId", msg.OrderID)
	}
}

// invoke runs the handler, turning a panic into an error
func (b *Binding) invoke(msg contracts.OrderSubmitted) (err error) {
	l := b.loop

	// Handlers finish even when the binding is stopping
	ctx := context.Background()
	if l.handlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.handlerTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("handler panic recovered",
				"panic", r,
				"queue", b.queue,
				"orderId", msg.OrderID,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()

	return l.handler.HandleOrderSubmitted(ctx, msg)
}

// lost marks the binding failed after the delivery stream closed on its own
func (b *Binding) lost() {
	b.mu.Lock()
	b.err = &BindError{Queue: b.queue, Op: "consume", Err: ErrBindingLost, Timestamp: time.Now()}
	b.mu.Unlock()

	b.loop.logger.Error("delivery stream lost", "queue", b.queue)
	b.setState(StateStopped)
	b.loop.errorSink.ReportError(context.Background(), b.Err())
}

// Queue returns the bound queue name
func (b *Binding) Queue() string {
	return b.queue
}

// State returns the current lifecycle state
func (b *Binding) State() BindingState {
	return BindingState(b.state.Load())
}

// Delivered returns the number of acknowledged messages
func (b *Binding) Delivered() int64 {
	return b.delivered.Load()
}

// Failed returns the number of rejected or nacked messages
func (b *Binding) Failed() int64 {
	return b.failed.Load()
}

// Done is closed once the binding stops receiving
func (b *Binding) Done() <-chan struct{} {
	return b.done
}

// Err returns ErrBindingLost (wrapped) if the stream ended without Stop
func (b *Binding) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Stop cancels the consumer and waits for an in-flight handler to finish or
// ctx to be done. It is safe to call more than once.
func (b *Binding) Stop(ctx context.Context) error {
	b.stopOnce.Do(func() {
		b.stopErr = b.stop(ctx)
	})
	return b.stopErr
}

func (b *Binding) stop(ctx context.Context) error {
	close(b.stopping)

	var errs []error
	if ch := b.channel(); ch != nil && !ch.IsClosed() {
		if err := ch.Cancel(b.tag, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}

	select {
	case <-b.done:
		if err := b.release(); err != nil {
			errs = append(errs, err)
		}
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
		// The handler still owns a delivery; keep the channel and stay
		// tracked until it settles
		go func() {
			<-b.done
			b.release()
		}()
	}

	b.setState(StateStopped)
	b.loop.logger.Info("binding stopped",
		"queue", b.queue,
		"delivered", b.Delivered(),
		"failed", b.Failed())

	if len(errs) > 0 {
		return &BindError{Queue: b.queue, Op: "stop", Err: errors.Join(errs...), Timestamp: time.Now()}
	}
	return nil
}

// release closes the channel and untracks the binding. done must be closed.
func (b *Binding) release() error {
	defer b.loop.conn.untrackBinding(b)

	if ch := b.channel(); ch != nil && !ch.IsClosed() {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			return err
		}
	}
	return nil
}

func (b *Binding) setState(s BindingState) {
	// Stopped is terminal
	for {
		cur := b.state.Load()
		if BindingState(cur) == StateStopped {
			return
		}
		if b.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}
