// Package brokertest provides an in-memory broker implementing the session
// and channel interfaces of the rabbitmq package. It models the default
// exchange, queue declaration, publisher confirms, prefetch, manual
// acknowledgement with requeue and dead-lettering, and forced connection
// closure.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/glimte/mmate-orders/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrDialRefused is returned by Dial while dial failures are armed
var ErrDialRefused = errors.New("brokertest: dial tcp: connection refused")

// Broker is an in-memory AMQP broker
type Broker struct {
	mu       sync.Mutex
	queues   map[string]*queue
	sessions []*Session
	seq      int

	dials         int
	failDials     int
	dialErr       error
	lastURL       string
	nackPublishes bool
	dropConfirms  bool
	declareErr    error
}

type message struct {
	pub         amqp.Publishing
	redelivered bool
}

type queue struct {
	name       string
	durable    bool
	args       amqp.Table
	ready      []message
	consumers  []*consumer
	acked      int
	nacked     int
	rejected   int
	deadLetter string
}

// QueueStats is a snapshot of a queue
type QueueStats struct {
	Exists    bool
	Durable   bool
	Ready     int
	Unacked   int
	Consumers int
	Acked     int
	Nacked    int
	Rejected  int
}

// New creates an empty broker
func New() *Broker {
	return &Broker{queues: make(map[string]*queue)}
}

// Dial implements rabbitmq.Dialer
func (b *Broker) Dial(url string, _ amqp.Config) (rabbitmq.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	b.lastURL = url
	if b.failDials != 0 {
		if b.failDials > 0 {
			b.failDials--
		}
		return nil, b.dialErr
	}

	b.seq++
	s := &Session{broker: b, id: b.seq}
	b.sessions = append(b.sessions, s)
	return s, nil
}

// Dialer returns Dial as a rabbitmq.Dialer
func (b *Broker) Dialer() rabbitmq.Dialer {
	return b.Dial
}

// FailDials makes the next n dials fail with err. A negative n fails every
// dial until FailDials(0, nil) is called. A nil err means ErrDialRefused.
func (b *Broker) FailDials(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		err = ErrDialRefused
	}
	b.failDials = n
	b.dialErr = err
}

// Dials returns the number of dial attempts
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// LastURL returns the URL of the last dial attempt
func (b *Broker) LastURL() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastURL
}

// NackPublishes makes publisher confirms negative
func (b *Broker) NackPublishes(nack bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nackPublishes = nack
}

// DropConfirms stops sending publisher confirms
func (b *Broker) DropConfirms(drop bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropConfirms = drop
}

// FailDeclare makes queue declarations fail with err; nil restores them
func (b *Broker) FailDeclare(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.declareErr = err
}

// Inject enqueues a raw message, declaring a durable queue if needed
func (b *Broker) Inject(queueName string, pub amqp.Publishing) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queueName]
	if !ok {
		q = &queue{name: queueName, durable: true}
		b.queues[queueName] = q
	}
	b.enqueueLocked(q, message{pub: pub}, false)
}

// Queue returns a snapshot of the named queue
func (b *Broker) Queue(name string) QueueStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return QueueStats{}
	}

	unacked := 0
	for _, s := range b.sessions {
		for _, ch := range s.channels {
			for _, p := range ch.unacked {
				if p.queue == q {
					unacked++
				}
			}
		}
	}

	return QueueStats{
		Exists:    true,
		Durable:   q.durable,
		Ready:     len(q.ready),
		Unacked:   unacked,
		Consumers: len(q.consumers),
		Acked:     q.acked,
		Nacked:    q.nacked,
		Rejected:  q.rejected,
	}
}

// Messages returns the ready messages of a queue in delivery order
func (b *Broker) Messages(name string) []amqp.Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	out := make([]amqp.Publishing, 0, len(q.ready))
	for _, m := range q.ready {
		out = append(out, m.pub)
	}
	return out
}

// DropConnections closes every open session the way a broker restart does
func (b *Broker) DropConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()

	reason := &amqp.Error{
		Code:    amqp.ConnectionForced,
		Reason:  "CONNECTION_FORCED - broker forced connection closure with reason 'shutdown'",
		Server:  true,
		Recover: false,
	}
	for _, s := range b.sessions {
		if !s.closed {
			s.closeLocked(reason)
		}
	}
}

// OpenSessions returns the number of sessions not yet closed
func (b *Broker) OpenSessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, s := range b.sessions {
		if !s.closed {
			n++
		}
	}
	return n
}

func (b *Broker) enqueueLocked(q *queue, m message, front bool) {
	if front {
		q.ready = append([]message{m}, q.ready...)
	} else {
		q.ready = append(q.ready, m)
	}
	for _, c := range q.consumers {
		c.wake()
	}
}

// settleLocked removes a message from the unacked set of ch and applies the
// outcome
func (b *Broker) settleLocked(ch *Channel, tag uint64, ack, requeue bool, counter func(*queue)) error {
	if ch.closed {
		return amqp.ErrClosed
	}
	p, ok := ch.unacked[tag]
	if !ok {
		return &amqp.Error{
			Code:   amqp.PreconditionFailed,
			Reason: fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag),
		}
	}
	delete(ch.unacked, tag)
	counter(p.queue)

	switch {
	case ack:
	case requeue:
		p.msg.redelivered = true
		b.enqueueLocked(p.queue, p.msg, true)
	case p.queue.deadLetter != "":
		if dlq, ok := b.queues[p.queue.deadLetter]; ok {
			b.enqueueLocked(dlq, message{pub: p.msg.pub}, false)
		}
	}

	// Prefetch window moved
	for _, c := range ch.consumers {
		c.wake()
	}
	return nil
}

// Session is an in-memory connection
type Session struct {
	broker    *Broker
	id        int
	closed    bool
	channels  []*Channel
	listeners []chan *amqp.Error
	chanSeq   int
}

var _ rabbitmq.Session = (*Session)(nil)

// Channel implements rabbitmq.Session
func (s *Session) Channel() (rabbitmq.Channel, error) {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.closed {
		return nil, amqp.ErrClosed
	}
	s.chanSeq++
	ch := &Channel{
		broker:    b,
		session:   s,
		id:        s.chanSeq,
		unacked:   make(map[uint64]*pending),
		consumers: make(map[string]*consumer),
	}
	s.channels = append(s.channels, ch)
	return ch, nil
}

// NotifyClose implements rabbitmq.Session
func (s *Session) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.closed {
		close(receiver)
		return receiver
	}
	s.listeners = append(s.listeners, receiver)
	return receiver
}

// IsClosed implements rabbitmq.Session
func (s *Session) IsClosed() bool {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	return s.closed
}

// Close implements rabbitmq.Session
func (s *Session) Close() error {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.closed {
		return amqp.ErrClosed
	}
	s.closeLocked(nil)
	return nil
}

func (s *Session) closeLocked(reason *amqp.Error) {
	s.closed = true
	for _, ch := range s.channels {
		if !ch.closed {
			ch.closeLocked()
		}
	}
	for _, l := range s.listeners {
		if reason != nil {
			select {
			case l <- reason:
			default:
			}
		}
		close(l)
	}
	s.listeners = nil
}

type pending struct {
	queue *queue
	msg   message
}

// Channel is an in-memory AMQP channel
type Channel struct {
	broker  *Broker
	session *Session
	id      int
	closed  bool

	prefetch   int
	confirming bool
	publishSeq uint64
	confirms   []chan amqp.Confirmation

	deliverySeq uint64
	unacked     map[uint64]*pending
	consumers   map[string]*consumer
}

var (
	_ rabbitmq.Channel  = (*Channel)(nil)
	_ amqp.Acknowledger = (*Channel)(nil)
)

// Qos implements rabbitmq.Channel
func (ch *Channel) Qos(prefetchCount, _ int, _ bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

// QueueDeclare implements rabbitmq.Channel
func (ch *Channel) QueueDeclare(name string, durable, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if b.declareErr != nil {
		return amqp.Queue{}, b.declareErr
	}

	deadLetter, _ := args["x-dead-letter-routing-key"].(string)

	q, ok := b.queues[name]
	if ok {
		if q.durable != durable {
			ch.closeLocked()
			return amqp.Queue{}, &amqp.Error{
				Code:   amqp.PreconditionFailed,
				Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'durable' for queue '%s'", name),
			}
		}
		if q.deadLetter != deadLetter {
			ch.closeLocked()
			return amqp.Queue{}, &amqp.Error{
				Code:   amqp.PreconditionFailed,
				Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'x-dead-letter-routing-key' for queue '%s'", name),
			}
		}
	} else {
		q = &queue{name: name, durable: durable, args: args, deadLetter: deadLetter}
		b.queues[name] = q
	}

	return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
}

// Consume implements rabbitmq.Channel
func (ch *Channel) Consume(queueName, tag string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}
	q, ok := b.queues[queueName]
	if !ok {
		ch.closeLocked()
		return nil, &amqp.Error{
			Code:   amqp.NotFound,
			Reason: fmt.Sprintf("NOT_FOUND - no queue '%s' in vhost '/'", queueName),
		}
	}
	if tag == "" {
		tag = fmt.Sprintf("ctag-%d.%d-%d", ch.session.id, ch.id, len(ch.consumers)+1)
	}
	if _, exists := ch.consumers[tag]; exists {
		return nil, &amqp.Error{
			Code:   amqp.NotAllowed,
			Reason: fmt.Sprintf("NOT_ALLOWED - attempt to reuse consumer tag '%s'", tag),
		}
	}

	c := &consumer{
		ch:         ch,
		queue:      q,
		tag:        tag,
		autoAck:    autoAck,
		deliveries: make(chan amqp.Delivery),
		notify:     make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}
	ch.consumers[tag] = c
	q.consumers = append(q.consumers, c)
	c.wake()
	go c.run()

	return c.deliveries, nil
}

// Cancel implements rabbitmq.Channel
func (ch *Channel) Cancel(tag string, _ bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if c, ok := ch.consumers[tag]; ok {
		c.stopLocked()
	}
	return nil
}

// Confirm implements rabbitmq.Channel
func (ch *Channel) Confirm(_ bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.confirming = true
	return nil
}

// NotifyPublish implements rabbitmq.Channel
func (ch *Channel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		close(confirm)
		return confirm
	}
	ch.confirms = append(ch.confirms, confirm)
	return confirm
}

// PublishWithContext implements rabbitmq.Channel. Only the default exchange
// is routed; unroutable messages are dropped and still confirmed.
func (ch *Channel) PublishWithContext(ctx context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	if exchange == "" {
		if q, ok := b.queues[key]; ok {
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}
			body := make([]byte, len(msg.Body))
			copy(body, msg.Body)
			msg.Body = body
			b.enqueueLocked(q, message{pub: msg}, false)
		}
	}

	if ch.confirming {
		ch.publishSeq++
		if !b.dropConfirms {
			confirm := amqp.Confirmation{DeliveryTag: ch.publishSeq, Ack: !b.nackPublishes}
			for _, l := range ch.confirms {
				l <- confirm
			}
		}
	}
	return nil
}

// IsClosed implements rabbitmq.Channel
func (ch *Channel) IsClosed() bool {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	return ch.closed
}

// Close implements rabbitmq.Channel
func (ch *Channel) Close() error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.closeLocked()
	return nil
}

// Ack implements amqp.Acknowledger
func (ch *Channel) Ack(tag uint64, _ bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.settleLocked(ch, tag, true, false, func(q *queue) { q.acked++ })
}

// Nack implements amqp.Acknowledger
func (ch *Channel) Nack(tag uint64, _ bool, requeue bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.settleLocked(ch, tag, false, requeue, func(q *queue) { q.nacked++ })
}

// Reject implements amqp.Acknowledger
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.settleLocked(ch, tag, false, requeue, func(q *queue) { q.rejected++ })
}

// closeLocked stops consumers, returns unacked messages to their queues in
// delivery order and releases confirm listeners
func (ch *Channel) closeLocked() {
	ch.closed = true

	for _, c := range ch.consumers {
		c.stopLocked()
	}

	tags := make([]uint64, 0, len(ch.unacked))
	for tag := range ch.unacked {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] > tags[j] })
	for _, tag := range tags {
		p := ch.unacked[tag]
		p.msg.redelivered = true
		ch.broker.enqueueLocked(p.queue, p.msg, true)
	}
	ch.unacked = make(map[uint64]*pending)

	for _, l := range ch.confirms {
		close(l)
	}
	ch.confirms = nil
}

type consumer struct {
	ch         *Channel
	queue      *queue
	tag        string
	autoAck    bool
	stopped    bool
	deliveries chan amqp.Delivery
	notify     chan struct{}
	stop       chan struct{}
}

func (c *consumer) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *consumer) stopLocked() {
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.stop)
	delete(c.ch.consumers, c.tag)
	for i, other := range c.queue.consumers {
		if other == c {
			c.queue.consumers = append(c.queue.consumers[:i], c.queue.consumers[i+1:]...)
			break
		}
	}
}

// run hands ready messages to the delivery channel until stopped
func (c *consumer) run() {
	defer close(c.deliveries)

	for {
		if d, ok := c.next(); ok {
			select {
			case c.deliveries <- d:
				continue
			case <-c.stop:
				c.unshift(d.DeliveryTag)
				return
			}
		}

		select {
		case <-c.notify:
		case <-c.stop:
			return
		}
	}
}

// next takes the head of the queue if the prefetch window allows
func (c *consumer) next() (amqp.Delivery, bool) {
	b := c.ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := c.ch
	if c.stopped || ch.closed || len(c.queue.ready) == 0 {
		return amqp.Delivery{}, false
	}
	if !c.autoAck && ch.prefetch > 0 && len(ch.unacked) >= ch.prefetch {
		return amqp.Delivery{}, false
	}

	m := c.queue.ready[0]
	c.queue.ready = c.queue.ready[1:]

	ch.deliverySeq++
	tag := ch.deliverySeq
	if c.autoAck {
		c.queue.acked++
	} else {
		ch.unacked[tag] = &pending{queue: c.queue, msg: m}
	}

	return amqp.Delivery{
		Acknowledger:    ch,
		Headers:         m.pub.Headers,
		ContentType:     m.pub.ContentType,
		ContentEncoding: m.pub.ContentEncoding,
		DeliveryMode:    m.pub.DeliveryMode,
		Priority:        m.pub.Priority,
		CorrelationId:   m.pub.CorrelationId,
		ReplyTo:         m.pub.ReplyTo,
		Expiration:      m.pub.Expiration,
		MessageId:       m.pub.MessageId,
		Timestamp:       m.pub.Timestamp,
		Type:            m.pub.Type,
		UserId:          m.pub.UserId,
		AppId:           m.pub.AppId,
		ConsumerTag:     c.tag,
		DeliveryTag:     tag,
		Redelivered:     m.redelivered,
		Exchange:        "",
		RoutingKey:      c.queue.name,
		Body:            m.pub.Body,
	}, true
}

// unshift returns a delivery that was taken but never handed out
func (c *consumer) unshift(tag uint64) {
	b := c.ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := c.ch.unacked[tag]
	if !ok {
		return
	}
	delete(c.ch.unacked, tag)
	b.enqueueLocked(p.queue, p.msg, true)
}
