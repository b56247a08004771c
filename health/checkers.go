package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Connection is the broker connection state a BrokerChecker looks at.
type Connection interface {
	IsClosed() bool
}

// QueueInspector passively declares a queue to read its depth.
type QueueInspector interface {
	InspectQueue(name string, durable, exclusive, autoDelete bool) (amqp.Queue, error)
}

// BrokerChecker checks the broker connection and channel
type BrokerChecker struct {
	conn Connection
}

// NewBrokerChecker creates a new broker health checker
func NewBrokerChecker(conn Connection) *BrokerChecker {
	return &BrokerChecker{conn: conn}
}

func (c *BrokerChecker) Name() string {
	return "rabbitmq"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:    c.Name(),
		Details: make(map[string]any),
	}

	open := !c.conn.IsClosed()
	result.Details["connection_open"] = open
	if open {
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "Connection is closed"
	}

	result.Duration = time.Since(start)
	return result
}

// QueueChecker checks that a queue exists and is not backing up
type QueueChecker struct {
	queueName        string
	durable          bool
	inspector        QueueInspector
	warningThreshold int
}

// NewQueueChecker creates a checker for a durable queue. The queue is
// reported degraded once it holds more than warningThreshold messages;
// 0 disables the threshold.
func NewQueueChecker(queueName string, inspector QueueInspector, warningThreshold int) *QueueChecker {
	return &QueueChecker{
		queueName:        queueName,
		durable:          true,
		inspector:        inspector,
		warningThreshold: warningThreshold,
	}
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queueName)
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:    c.Name(),
		Details: make(map[string]any),
	}

	queue, err := c.inspector.InspectQueue(c.queueName, c.durable, false, false)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Queue %s not accessible", c.queueName)
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("Queue %s is accessible", c.queueName)
	result.Details["queue_name"] = queue.Name
	result.Details["message_count"] = queue.Messages
	result.Details["consumer_count"] = queue.Consumers

	if c.warningThreshold > 0 && queue.Messages > c.warningThreshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Queue %s has high message count", c.queueName)
	}

	result.Duration = time.Since(start)
	return result
}

// RuntimeChecker reports goroutine and memory figures
type RuntimeChecker struct {
	maxGoroutines int
}

// NewRuntimeChecker creates a runtime checker. The node is degraded above
// maxGoroutines and unhealthy above twice that.
func NewRuntimeChecker(maxGoroutines int) *RuntimeChecker {
	return &RuntimeChecker{maxGoroutines: maxGoroutines}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:    c.Name(),
		Details: make(map[string]any),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case c.maxGoroutines > 0 && goroutines > 2*c.maxGoroutines:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case c.maxGoroutines > 0 && goroutines > c.maxGoroutines:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Runtime is normal"
	}

	result.Duration = time.Since(start)
	return result
}
