package health

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/mmate-orders/internal/rabbitmq"
)

// ConnectionChecker checks the broker connection
type ConnectionChecker struct {
	conn *rabbitmq.Connection
}

// NewConnectionChecker creates a new connection health checker
func NewConnectionChecker(conn *rabbitmq.Connection) *ConnectionChecker {
	return &ConnectionChecker{conn: conn}
}

func (c *ConnectionChecker) Name() string {
	return "rabbitmq"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	if err := c.conn.Err(); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Connection gave up reconnecting"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	if !c.conn.IsConnected() {
		result.Status = StatusUnhealthy
		result.Message = "Connection is closed"
		result.Duration = time.Since(start)
		return result
	}

	// Try to create a channel to test the connection
	ch, err := c.conn.Channel()
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to create channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	ch.Close()

	result.Status = StatusHealthy
	result.Message = "Connection is healthy"
	result.Duration = time.Since(start)
	result.Details["connection_open"] = true
	result.Details["response_time_ms"] = result.Duration.Milliseconds()

	return result
}

// BindingChecker checks a receive binding
type BindingChecker struct {
	binding *rabbitmq.Binding
}

// NewBindingChecker creates a new binding health checker
func NewBindingChecker(binding *rabbitmq.Binding) *BindingChecker {
	return &BindingChecker{binding: binding}
}

func (c *BindingChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.binding.Queue())
}

func (c *BindingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.binding.State()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"queue":     c.binding.Queue(),
			"state":     state.String(),
			"delivered": c.binding.Delivered(),
			"failed":    c.binding.Failed(),
		},
	}

	switch {
	case c.binding.Err() != nil:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Binding to %s was lost", c.binding.Queue())
		result.Error = c.binding.Err().Error()
	case state == rabbitmq.StateStopped:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Binding to %s is stopped", c.binding.Queue())
	case c.binding.Failed() > 0 && c.binding.Failed() >= c.binding.Delivered():
		// More failures than successes
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Binding to %s is mostly failing", c.binding.Queue())
	default:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("Binding to %s is %s", c.binding.Queue(), state)
	}

	result.Duration = time.Since(start)
	return result
}
