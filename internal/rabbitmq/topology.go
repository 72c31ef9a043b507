package rabbitmq

import (
	"fmt"
	"net/url"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultQueue is the queue both sides use unless configured otherwise
const DefaultQueue = "order-submitted-queue"

// Queue names are AMQP short strings
const maxQueueNameLength = 255

// QueueSpec describes how the order queue is declared. Producer and consumer
// must use the same spec, the broker refuses a redeclaration with different
// properties.
type QueueSpec struct {
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	// ErrorQueue, when set, receives deliveries rejected by the consumer
	ErrorQueue string
	Arguments  amqp.Table
}

// DefaultQueueSpec returns a durable queue without an error queue
func DefaultQueueSpec() QueueSpec {
	return QueueSpec{Durable: true}
}

// ErrorQueueName returns the conventional error queue for a queue
func ErrorQueueName(queue string) string {
	return queue + "_error"
}

// declare declares the queue (and its error queue) on ch
func (s QueueSpec) declare(ch Channel, name string) (amqp.Queue, error) {
	args := amqp.Table{}
	for k, v := range s.Arguments {
		args[k] = v
	}

	if s.ErrorQueue != "" {
		if _, err := ch.QueueDeclare(
			s.ErrorQueue,
			s.Durable,
			false, // auto-delete
			false, // exclusive
			false, // no-wait
			nil,
		); err != nil {
			return amqp.Queue{}, fmt.Errorf("failed to declare error queue %s: %w", s.ErrorQueue, err)
		}
		// Rejected deliveries go through the default exchange to the error queue
		args["x-dead-letter-exchange"] = ""
		args["x-dead-letter-routing-key"] = s.ErrorQueue
	}
	if len(args) == 0 {
		args = nil
	}

	q, err := ch.QueueDeclare(
		name,
		s.Durable,
		s.AutoDelete,
		s.Exclusive,
		false, // no-wait
		args,
	)
	if err != nil {
		return amqp.Queue{}, fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	return q, nil
}

// ValidateQueueName checks that name can be declared on the broker
func ValidateQueueName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: queue name is empty", ErrInvalidDestination)
	case len(name) > maxQueueNameLength:
		return fmt.Errorf("%w: queue name longer than %d bytes", ErrInvalidDestination, maxQueueNameLength)
	case strings.HasPrefix(name, "amq."):
		return fmt.Errorf("%w: queue name %q uses the reserved amq. prefix", ErrInvalidDestination, name)
	case strings.ContainsAny(name, "\r\n\x00"):
		return fmt.Errorf("%w: queue name contains control characters", ErrInvalidDestination)
	}
	return nil
}

// ParseDestination returns the queue a destination refers to. Accepted forms:
//
//	order-submitted-queue
//	queue:order-submitted-queue
//	rabbitmq://localhost/order-submitted-queue
//	amqp://localhost/vhost/order-submitted-queue
func ParseDestination(destination string) (string, error) {
	d := strings.TrimSpace(destination)
	if d == "" {
		return "", fmt.Errorf("%w: destination is empty", ErrInvalidDestination)
	}

	name := d
	if strings.Contains(d, ":") {
		u, err := url.Parse(d)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidDestination, err)
		}

		switch strings.ToLower(u.Scheme) {
		case "queue":
			name = u.Opaque
			if name == "" {
				name = strings.TrimPrefix(u.Path, "/")
			}
		case "rabbitmq", "rabbitmqs", "amqp", "amqps":
			path := strings.Trim(u.Path, "/")
			if path == "" {
				return "", fmt.Errorf("%w: %q names no queue", ErrInvalidDestination, d)
			}
			name = path[strings.LastIndex(path, "/")+1:]
		default:
			return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidDestination, u.Scheme)
		}
	}

	if err := ValidateQueueName(name); err != nil {
		return "", err
	}
	return name, nil
}
