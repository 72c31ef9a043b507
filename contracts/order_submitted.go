package contracts

import (
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderSubmittedType is the message type URN carried in the envelope.
const OrderSubmittedType = "urn:message:Contracts:OrderSubmitted"

// OrderSubmitted announces that a customer placed an order
type OrderSubmitted struct {
	OrderID      uuid.UUID
	CustomerName string
	Total        decimal.Decimal
}

// NewOrderSubmitted creates a validated OrderSubmitted message
func NewOrderSubmitted(orderID uuid.UUID, customerName string, total decimal.Decimal) (OrderSubmitted, error) {
	msg := OrderSubmitted{
		OrderID:      orderID,
		CustomerName: customerName,
		Total:        total,
	}
	if err := msg.Validate(); err != nil {
		return OrderSubmitted{}, err
	}
	return msg, nil
}

// Validate checks the message invariants
func (m OrderSubmitted) Validate() error {
	if m.OrderID == uuid.Nil {
		return &ValidationError{Field: "orderId", Err: ErrNilOrderID}
	}
	if m.Total.IsNegative() {
		return &ValidationError{Field: "total", Err: ErrNegativeTotal}
	}
	if !utf8.ValidString(m.CustomerName) {
		return &ValidationError{Field: "customerName", Err: ErrInvalidCustomerName}
	}
	return nil
}

// Equal reports whether both messages carry the same order. Totals are
// compared numerically, so 150 and 150.00 are equal.
func (m OrderSubmitted) Equal(other OrderSubmitted) bool {
	return m.OrderID == other.OrderID &&
		m.CustomerName == other.CustomerName &&
		m.Total.Equal(other.Total)
}
