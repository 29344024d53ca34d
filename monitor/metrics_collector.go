package monitor

import (
	"maps"
	"sync"
	"time"
)

// SimpleMetricsCollector implements messaging.MetricsCollector and
// interceptors.MetricsCollector in memory
type SimpleMetricsCollector struct {
	mu sync.RWMutex

	published   map[string]int64
	delivered   map[string]int64
	redelivered map[string]int64

	// errors by component and error type
	errors map[string]map[string]int64

	handled         map[string]int64
	handlerErrors   map[string]map[string]int64
	processingTimes map[string]*TimeStats
}

// TimeStats tracks timing statistics
type TimeStats struct {
	Count   int64
	TotalMs int64
	MinMs   int64
	MaxMs   int64
}

// NewSimpleMetricsCollector creates an empty collector
func NewSimpleMetricsCollector() *SimpleMetricsCollector {
	c := &SimpleMetricsCollector{}
	c.Reset()
	return c
}

// RecordPublish implements messaging.MetricsCollector
func (c *SimpleMetricsCollector) RecordPublish(destination, messageType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published[messageType]++
}

// RecordDelivery implements messaging.MetricsCollector
func (c *SimpleMetricsCollector) RecordDelivery(destination, messageType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delivered[messageType]++
}

// RecordRedelivery implements messaging.MetricsCollector
func (c *SimpleMetricsCollector) RecordRedelivery(destination, messageType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.redelivered[messageType]++
}

// RecordError implements messaging.MetricsCollector
func (c *SimpleMetricsCollector) RecordError(component, errorType string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.errors[component] == nil {
		c.errors[component] = make(map[string]int64)
	}
	c.errors[component][errorType]++
}

// IncrementMessageCount implements interceptors.MetricsCollector
func (c *SimpleMetricsCollector) IncrementMessageCount(messageType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handled[messageType]++
}

// RecordProcessingTime implements interceptors.MetricsCollector
func (c *SimpleMetricsCollector) RecordProcessingTime(messageType string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	durationMs := duration.Milliseconds()

	stats, exists := c.processingTimes[messageType]
	if !exists {
		stats = &TimeStats{MinMs: durationMs, MaxMs: durationMs}
		c.processingTimes[messageType] = stats
	}

	stats.Count++
	stats.TotalMs += durationMs
	stats.MinMs = min(stats.MinMs, durationMs)
	stats.MaxMs = max(stats.MaxMs, durationMs)
}

// IncrementErrorCount implements interceptors.MetricsCollector
func (c *SimpleMetricsCollector) IncrementErrorCount(messageType string, errorType string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handlerErrors[messageType] == nil {
		c.handlerErrors[messageType] = make(map[string]int64)
	}
	c.handlerErrors[messageType][errorType]++
}

// MetricsSummary is a snapshot of the collected counters, keyed by message type
type MetricsSummary struct {
	Published   map[string]int64            `json:"published"`
	Delivered   map[string]int64            `json:"delivered"`
	Redelivered map[string]int64            `json:"redelivered"`
	Errors      map[string]map[string]int64 `json:"errors"`

	Handled         map[string]int64            `json:"handled"`
	HandlerErrors   map[string]map[string]int64 `json:"handler_errors"`
	ProcessingStats map[string]ProcessingStats  `json:"processing_stats"`
}

// ProcessingStats represents processing time statistics for a message type
type ProcessingStats struct {
	Count int64 `json:"count"`
	AvgMs int64 `json:"avg_ms"`
	MinMs int64 `json:"min_ms"`
	MaxMs int64 `json:"max_ms"`
}

// TotalErrors sums the error counters
func (s MetricsSummary) TotalErrors() int64 {
	var total int64
	for _, byType := range s.Errors {
		for _, n := range byType {
			total += n
		}
	}
	return total
}

// GetMetricsSummary returns a copy of all counters
func (c *SimpleMetricsCollector) GetMetricsSummary() MetricsSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	summary := MetricsSummary{
		Published:   maps.Clone(c.published),
		Delivered:   maps.Clone(c.delivered),
		Redelivered: maps.Clone(c.redelivered),
		Errors:      make(map[string]map[string]int64, len(c.errors)),

		Handled:         maps.Clone(c.handled),
		HandlerErrors:   make(map[string]map[string]int64, len(c.handlerErrors)),
		ProcessingStats: make(map[string]ProcessingStats, len(c.processingTimes)),
	}
	for component, byType := range c.errors {
		summary.Errors[component] = maps.Clone(byType)
	}
	for msgType, byType := range c.handlerErrors {
		summary.HandlerErrors[msgType] = maps.Clone(byType)
	}
	for msgType, stats := range c.processingTimes {
		ps := ProcessingStats{Count: stats.Count, MinMs: stats.MinMs, MaxMs: stats.MaxMs}
		if stats.Count > 0 {
			ps.AvgMs = stats.TotalMs / stats.Count
		}
		summary.ProcessingStats[msgType] = ps
	}
	return summary
}

// Reset clears all collected metrics
func (c *SimpleMetricsCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.published = make(map[string]int64)
	c.delivered = make(map[string]int64)
	c.redelivered = make(map[string]int64)
	c.errors = make(map[string]map[string]int64)
	c.handled = make(map[string]int64)
	c.handlerErrors = make(map[string]map[string]int64)
	c.processingTimes = make(map[string]*TimeStats)
}
