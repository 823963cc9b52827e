package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/mmate-comms/internal/rabbitmq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

func newResult(name string) (CheckResult, time.Time) {
	start := time.Now()
	return CheckResult{
		Name:      name,
		Timestamp: start,
		Details:   make(map[string]any),
	}, start
}

func fail(result CheckResult, start time.Time, message string, err error) CheckResult {
	result.Status = StatusUnhealthy
	result.Message = message
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)
	return result
}

// RabbitMQChecker opens and closes a channel on the managed connection
type RabbitMQChecker struct {
	connManager *rabbitmq.ConnectionManager
}

func NewRabbitMQChecker(connManager *rabbitmq.ConnectionManager) *RabbitMQChecker {
	return &RabbitMQChecker{connManager: connManager}
}

func (c *RabbitMQChecker) Name() string { return "rabbitmq" }

func (c *RabbitMQChecker) Check(context.Context) CheckResult {
	result, start := newResult(c.Name())

	ch, err := c.connManager.Channel()
	if err != nil {
		return fail(result, start, "Failed to open channel", err)
	}
	ch.Close()

	result.Status = StatusHealthy
	result.Message = "Connection is healthy"
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// RedisChecker pings the server
type RedisChecker struct {
	client redis.UniversalClient
}

func NewRedisChecker(client redis.UniversalClient) *RedisChecker {
	return &RedisChecker{client: client}
}

func (c *RedisChecker) Name() string { return "redis" }

func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	result, start := newResult(c.Name())

	if err := c.client.Ping(ctx).Err(); err != nil {
		return fail(result, start, "Ping failed", err)
	}

	result.Status = StatusHealthy
	result.Message = "Ping succeeded"
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// NATSChecker reports the connection status. A reconnecting connection
// is degraded.
type NATSChecker struct {
	conn *nats.Conn
}

func NewNATSChecker(conn *nats.Conn) *NATSChecker {
	return &NATSChecker{conn: conn}
}

func (c *NATSChecker) Name() string { return "nats" }

func (c *NATSChecker) Check(context.Context) CheckResult {
	result, start := newResult(c.Name())
	status := c.conn.Status()
	result.Details["status"] = status.String()

	switch status {
	case nats.CONNECTED:
		result.Status = StatusHealthy
		result.Message = "Connected"
		result.Details["server"] = c.conn.ConnectedUrlRedacted()
	case nats.RECONNECTING, nats.CONNECTING:
		result.Status = StatusDegraded
		result.Message = "Reconnecting"
	default:
		return fail(result, start, "Connection is "+status.String(), c.conn.LastError())
	}
	result.Duration = time.Since(start)
	return result
}

// RuntimeChecker flags goroutine counts above the thresholds
type RuntimeChecker struct {
	warnGoroutines     int
	criticalGoroutines int
}

func NewRuntimeChecker(warnGoroutines, criticalGoroutines int) *RuntimeChecker {
	return &RuntimeChecker{
		warnGoroutines:     warnGoroutines,
		criticalGoroutines: criticalGoroutines,
	}
}

func (c *RuntimeChecker) Name() string { return "runtime" }

func (c *RuntimeChecker) Check(context.Context) CheckResult {
	result, start := newResult(c.Name())

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.criticalGoroutines:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.warnGoroutines:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Runtime is normal"
	}
	result.Duration = time.Since(start)
	return result
}
