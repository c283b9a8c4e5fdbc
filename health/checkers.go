package health

import (
	"context"
	"time"
)

// Pinger is a component that can verify its backing connection
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger
type PingFunc func(ctx context.Context) error

// Ping implements Pinger
func (f PingFunc) Ping(ctx context.Context) error {
	return f(ctx)
}

// PingChecker reports unhealthy when Ping fails
type PingChecker struct {
	name   string
	pinger Pinger
}

// NewPingChecker creates a checker around pinger
func NewPingChecker(name string, pinger Pinger) *PingChecker {
	return &PingChecker{name: name, pinger: pinger}
}

func (c *PingChecker) Name() string {
	return c.name
}

func (c *PingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.name, Timestamp: start, Details: map[string]any{}}

	if err := c.pinger.Ping(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Ping failed"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	}

	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// ConnectionChecker reports the state of a connection that reconnects on its own
type ConnectionChecker struct {
	name      string
	connected func() bool
}

// NewConnectionChecker creates a checker around an IsConnected style check
func NewConnectionChecker(name string, connected func() bool) *ConnectionChecker {
	return &ConnectionChecker{name: name, connected: connected}
}

func (c *ConnectionChecker) Name() string {
	return c.name
}

func (c *ConnectionChecker) Check(_ context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.name, Timestamp: start}

	if c.connected() {
		result.Status = StatusHealthy
		result.Message = "Connection is open"
	} else {
		// the connection manager is reconnecting
		result.Status = StatusDegraded
		result.Message = "Connection is down"
	}
	result.Duration = time.Since(start)
	return result
}
