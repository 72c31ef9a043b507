package messaging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/glimte/mmate-orders/contracts"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockOrderHandler struct {
	mock.Mock
}

func (m *mockOrderHandler) HandleOrderSubmitted(ctx context.Context, msg contracts.OrderSubmitted) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

type mockErrorSink struct {
	mock.Mock
}

func (m *mockErrorSink) ReportError(ctx context.Context, err error) {
	m.Called(ctx, err)
}

func testOrder(t *testing.T) contracts.OrderSubmitted {
	t.Helper()
	msg, err := contracts.NewOrderSubmitted(uuid.New(), "Ali", decimal.RequireFromString("149.99"))
	require.NoError(t, err)
	return msg
}

func TestOrderHandlerFunc(t *testing.T) {
	t.Run("passes message through", func(t *testing.T) {
		order := testOrder(t)
		var got contracts.OrderSubmitted
		var handler OrderHandler = OrderHandlerFunc(func(ctx context.Context, msg contracts.OrderSubmitted) error {
			got = msg
			return nil
		})

		err := handler.HandleOrderSubmitted(context.Background(), order)
		assert.NoError(t, err)
		assert.True(t, order.Equal(got))
	})

	t.Run("returns handler error", func(t *testing.T) {
		boom := errors.New("boom")
		handler := OrderHandlerFunc(func(ctx context.Context, msg contracts.OrderSubmitted) error {
			return boom
		})

		err := handler.HandleOrderSubmitted(context.Background(), testOrder(t))
		assert.ErrorIs(t, err, boom)
	})

	t.Run("mock satisfies interface", func(t *testing.T) {
		order := testOrder(t)
		h := &mockOrderHandler{}
		h.On("HandleOrderSubmitted", mock.Anything, order).Return(nil)

		var handler OrderHandler = h
		assert.NoError(t, handler.HandleOrderSubmitted(context.Background(), order))
		h.AssertExpectations(t)
	})
}

func TestLogErrorSink(t *testing.T) {
	var buf bytes.Buffer
	sink := LogErrorSink{Logger: slog.New(slog.NewTextHandler(&buf, nil))}

	sink.ReportError(context.Background(), errors.New("bad frame"))

	assert.Contains(t, buf.String(), "message processing failed")
	assert.Contains(t, buf.String(), "bad frame")
}

func TestLogErrorSinkDefaultLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		LogErrorSink{}.ReportError(context.Background(), errors.New("x"))
	})
}

func TestCollectingErrorSink(t *testing.T) {
	sink := &CollectingErrorSink{}
	first := errors.New("first")
	second := errors.New("second")

	sink.ReportError(context.Background(), first)
	sink.ReportError(context.Background(), second)

	got := sink.Errors()
	require.Len(t, got, 2)
	assert.Equal(t, first, got[0])
	assert.Equal(t, second, got[1])

	// Returned slice is a copy
	got[0] = nil
	assert.Equal(t, first, sink.Errors()[0])
}

func TestMultiErrorSink(t *testing.T) {
	err := errors.New("boom")
	a := &mockErrorSink{}
	b := &mockErrorSink{}
	a.On("ReportError", mock.Anything, err).Return()
	b.On("ReportError", mock.Anything, err).Return()

	MultiErrorSink{a, nil, b}.ReportError(context.Background(), err)

	a.AssertExpectations(t)
	b.AssertExpectations(t)
}

func TestErrorSinkFunc(t *testing.T) {
	var got error
	sink := ErrorSinkFunc(func(ctx context.Context, err error) {
		got = err
	})

	want := errors.New("x")
	sink.ReportError(context.Background(), want)
	assert.Equal(t, want, got)
}
