package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
)

var (
	// Connection errors
	ErrConnectionClosed   = errors.New("rabbitmq: connection is closed")
	ErrNotConnected       = errors.New("rabbitmq: not connected")
	ErrMaxRetriesExceeded = errors.New("rabbitmq: maximum reconnection attempts exceeded")

	// Channel errors
	ErrChannelClosed         = errors.New("rabbitmq: channel is closed")
	ErrChannelCreationFailed = errors.New("rabbitmq: failed to create channel")

	// Send errors
	ErrEndpointClosed     = errors.New("rabbitmq: send endpoint is closed")
	ErrInvalidDestination = errors.New("rabbitmq: invalid destination")
	ErrPublishNacked      = errors.New("rabbitmq: publish was nacked by the broker")
	ErrConfirmTimeout     = errors.New("rabbitmq: timeout waiting for publish confirmation")

	// Consumer errors
	ErrAlreadyBound = errors.New("rabbitmq: receive loop is already bound")
	ErrBindingLost  = errors.New("rabbitmq: delivery stream closed unexpectedly")
	ErrHandlerPanic = errors.New("rabbitmq: handler panicked")

	// General errors
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Number of attempts made
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("rabbitmq connection error: %s to %s failed after %d attempts: %v", e.Op, e.URL, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s to %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError represents a channel-related error
type ChannelError struct {
	Op        string    // Operation that failed
	Queue     string    // Queue the channel serves
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ChannelError) Error() string {
	if e.Queue == "" {
		return fmt.Sprintf("rabbitmq channel error: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("rabbitmq channel error: %s for queue %q: %v", e.Op, e.Queue, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// ResolutionError is returned when a destination cannot be turned into a
// send endpoint
type ResolutionError struct {
	Destination string
	Err         error
	Timestamp   time.Time
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("rabbitmq resolution error: destination %q: %v", e.Destination, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// SendError is returned when a message was not confirmed by the broker
type SendError struct {
	Queue     string
	OrderID   uuid.UUID
	Err       error
	Timestamp time.Time
}

func (e *SendError) Error() string {
	return fmt.Sprintf("rabbitmq send error: order %s to queue %q: %v", e.OrderID, e.Queue, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// BindError is returned when a receive loop cannot bind or release its queue
type BindError struct {
	Queue     string
	Op        string
	Err       error
	Timestamp time.Time
}

func (e *BindError) Error() string {
	return fmt.Sprintf("rabbitmq bind error: %s queue %q: %v", e.Op, e.Queue, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// HandlerError wraps a failure returned (or panicked) by an OrderHandler
type HandlerError struct {
	Queue       string
	DeliveryTag uint64
	OrderID     uuid.UUID
	Err         error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("rabbitmq handler error: order %s from queue %q (delivery %d): %v",
		e.OrderID, e.Queue, e.DeliveryTag, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// SanitizeURL removes the password from connection URLs
func SanitizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
