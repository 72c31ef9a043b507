package serialization

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glimte/mmate-orders/contracts"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ContentTypeMassTransitJSON is the AMQP content type of JSON envelopes
const ContentTypeMassTransitJSON = "application/vnd.masstransit+json"

var (
	ErrEmptyPayload       = errors.New("serialization: empty payload")
	ErrMissingMessage     = errors.New("serialization: envelope has no message")
	ErrUnknownMessageType = errors.New("serialization: unknown message type")
	ErrUnsupportedVersion = errors.New("serialization: unsupported wire version")
	ErrInvalidOrderID     = errors.New("serialization: invalid order id")
	ErrInvalidTotal       = errors.New("serialization: invalid total")
)

// Codec converts OrderSubmitted messages to and from wire bytes.
// Producer and consumer must use codecs that agree on the layout.
type Codec interface {
	// ContentType is the AMQP content type stamped on published messages
	ContentType() string

	// Encode serializes a message
	Encode(msg contracts.OrderSubmitted) ([]byte, error)

	// Decode deserializes a message; failures are *DecodeError
	Decode(data []byte) (contracts.OrderSubmitted, error)
}

// DecodeError reports a payload that could not be turned into a message
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error: %s: %v", e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// JSONCodec writes MassTransit compatible JSON envelopes
type JSONCodec struct {
	// Clock stamps sentTime; defaults to time.Now
	Clock func() time.Time
}

// NewJSONCodec creates a JSON envelope codec
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{Clock: time.Now}
}

// ContentType implements Codec
func (c *JSONCodec) ContentType() string {
	return ContentTypeMassTransitJSON
}

// Encode implements Codec
func (c *JSONCodec) Encode(msg contracts.OrderSubmitted) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to encode OrderSubmitted: %w", err)
	}

	body, err := json.Marshal(contracts.OrderSubmittedBody{
		OrderID:      msg.OrderID.String(),
		CustomerName: msg.CustomerName,
		Total:        json.Number(msg.Total.String()),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message body: %w", err)
	}

	now := time.Now
	if c.Clock != nil {
		now = c.Clock
	}

	envelope := contracts.Envelope{
		MessageID:   uuid.NewString(),
		MessageType: []string{contracts.OrderSubmittedType},
		SentTime:    now().UTC().Format(time.RFC3339Nano),
		WireVersion: contracts.WireVersion,
		Message:     body,
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// Decode implements Codec
func (c *JSONCodec) Decode(data []byte) (contracts.OrderSubmitted, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return contracts.OrderSubmitted{}, &DecodeError{Reason: "payload", Err: ErrEmptyPayload}
	}

	var envelope contracts.Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return contracts.OrderSubmitted{}, &DecodeError{Reason: "envelope", Err: err}
	}

	// Envelopes without a version come from MassTransit and follow layout 1
	if envelope.WireVersion > contracts.WireVersion {
		return contracts.OrderSubmitted{}, &DecodeError{
			Reason: "envelope",
			Err:    fmt.Errorf("%w: %d", ErrUnsupportedVersion, envelope.WireVersion),
		}
	}
	if !envelope.HasType(contracts.OrderSubmittedType) {
		return contracts.OrderSubmitted{}, &DecodeError{
			Reason: "envelope",
			Err:    fmt.Errorf("%w: %v", ErrUnknownMessageType, envelope.MessageType),
		}
	}
	if len(envelope.Message) == 0 || bytes.Equal(envelope.Message, []byte("null")) {
		return contracts.OrderSubmitted{}, &DecodeError{Reason: "envelope", Err: ErrMissingMessage}
	}

	var body contracts.OrderSubmittedBody
	if err := json.Unmarshal(envelope.Message, &body); err != nil {
		return contracts.OrderSubmitted{}, &DecodeError{Reason: "message", Err: err}
	}

	orderID, err := uuid.Parse(body.OrderID)
	if err != nil {
		return contracts.OrderSubmitted{}, &DecodeError{
			Reason: "orderId",
			Err:    fmt.Errorf("%w: %v", ErrInvalidOrderID, err),
		}
	}

	if body.Total == "" {
		return contracts.OrderSubmitted{}, &DecodeError{
			Reason: "total",
			Err:    fmt.Errorf("%w: missing", ErrInvalidTotal),
		}
	}
	total, err := decimal.NewFromString(body.Total.String())
	if err != nil {
		return contracts.OrderSubmitted{}, &DecodeError{
			Reason: "total",
			Err:    fmt.Errorf("%w: %v", ErrInvalidTotal, err),
		}
	}

	msg, err := contracts.NewOrderSubmitted(orderID, body.CustomerName, total)
	if err != nil {
		return contracts.OrderSubmitted{}, &DecodeError{Reason: "invariant", Err: err}
	}
	return msg, nil
}
