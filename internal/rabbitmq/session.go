package rabbitmq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the part of *amqp.Channel the dispatch client relies on
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

// Session is an open network session with the broker
type Session interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Dialer opens a Session for an AMQP URL
type Dialer func(url string, config amqp.Config) (Session, error)

var _ Channel = (*amqp.Channel)(nil)

// DialAMQP opens a real broker connection
func DialAMQP(url string, config amqp.Config) (Session, error) {
	conn, err := amqp.DialConfig(url, config)
	if err != nil {
		return nil, err
	}
	return &amqpSession{conn: conn}, nil
}

type amqpSession struct {
	conn *amqp.Connection
}

func (s *amqpSession) Channel() (Channel, error) {
	ch, err := s.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (s *amqpSession) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return s.conn.NotifyClose(receiver)
}

func (s *amqpSession) IsClosed() bool {
	return s.conn.IsClosed()
}

func (s *amqpSession) Close() error {
	return s.conn.Close()
}
