package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-orders/contracts"
)

// OrderHandler handles OrderSubmitted messages. A nil return acknowledges the
// delivery; an error hands it back to the broker.
type OrderHandler interface {
	HandleOrderSubmitted(ctx context.Context, msg contracts.OrderSubmitted) error
}

// OrderHandlerFunc is a function adapter for OrderHandler
type OrderHandlerFunc func(ctx context.Context, msg contracts.OrderSubmitted) error

// HandleOrderSubmitted implements OrderHandler
func (f OrderHandlerFunc) HandleOrderSubmitted(ctx context.Context, msg contracts.OrderSubmitted) error {
	return f(ctx, msg)
}

// ErrorSink receives errors raised while consuming
type ErrorSink interface {
	ReportError(ctx context.Context, err error)
}

// ErrorSinkFunc is a function adapter for ErrorSink
type ErrorSinkFunc func(ctx context.Context, err error)

// ReportError implements ErrorSink
func (f ErrorSinkFunc) ReportError(ctx context.Context, err error) {
	f(ctx, err)
}

// LogErrorSink writes errors to a logger
type LogErrorSink struct {
	Logger *slog.Logger
}

// ReportError implements ErrorSink
func (s LogErrorSink) ReportError(ctx context.Context, err error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.ErrorContext(ctx, "message processing failed", "error", err)
}

// CollectingErrorSink keeps reported errors in memory
type CollectingErrorSink struct {
	mu     sync.Mutex
	errors []error
}

// ReportError implements ErrorSink
func (s *CollectingErrorSink) ReportError(_ context.Context, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, err)
}

// Errors returns a copy of the reported errors
func (s *CollectingErrorSink) Errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]error, len(s.errors))
	copy(out, s.errors)
	return out
}

// MultiErrorSink fans errors out to several sinks
type MultiErrorSink []ErrorSink

// ReportError implements ErrorSink
func (m MultiErrorSink) ReportError(ctx context.Context, err error) {
	for _, sink := range m {
		if sink != nil {
			sink.ReportError(ctx, err)
		}
	}
}
