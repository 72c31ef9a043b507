package contracts

import (
	"errors"
	"fmt"
)

var (
	// ErrNilOrderID is returned when an order carries the nil UUID
	ErrNilOrderID = errors.New("contracts: order id must not be nil")

	// ErrNegativeTotal is returned when an order total is below zero
	ErrNegativeTotal = errors.New("contracts: order total must not be negative")

	// ErrInvalidCustomerName is returned when the customer name is not valid UTF-8
	ErrInvalidCustomerName = errors.New("contracts: customer name must be valid UTF-8")
)

// ValidationError reports which field broke a message invariant
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}
