package contracts

import (
	"encoding/json"
)

// WireVersion is the envelope layout version written by this module.
const WireVersion = 1

// Envelope wraps messages for transport
type Envelope struct {
	MessageID          string          `json:"messageId"`
	MessageType        []string        `json:"messageType"`
	SentTime           string          `json:"sentTime,omitempty"`
	DestinationAddress string          `json:"destinationAddress,omitempty"`
	WireVersion        int             `json:"wireVersion,omitempty"`
	Headers            map[string]any  `json:"headers,omitempty"`
	Message            json.RawMessage `json:"message"`
}

// HasType reports whether the envelope declares the given message type
func (e Envelope) HasType(messageType string) bool {
	for _, t := range e.MessageType {
		if t == messageType {
			return true
		}
	}
	return false
}

// OrderSubmittedBody is the wire form of OrderSubmitted inside an Envelope
type OrderSubmittedBody struct {
	OrderID      string      `json:"orderId"`
	CustomerName string      `json:"customerName"`
	Total        json.Number `json:"total"`
}
