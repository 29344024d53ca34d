package messaging

// MetricsCollector collects session metrics
type MetricsCollector interface {
	// RecordPublish records a message sent to a destination
	RecordPublish(destination, messageType string)

	// RecordDelivery records a message handed to a subscriber callback
	RecordDelivery(destination, messageType string)

	// RecordRedelivery records a redelivery after a negative acknowledgment
	RecordRedelivery(destination, messageType string)

	// RecordError records a failure in a component
	RecordError(component, errorType string)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordPublish does nothing
func (n *NoOpMetricsCollector) RecordPublish(destination, messageType string) {}

// RecordDelivery does nothing
func (n *NoOpMetricsCollector) RecordDelivery(destination, messageType string) {}

// RecordRedelivery does nothing
func (n *NoOpMetricsCollector) RecordRedelivery(destination, messageType string) {}

// RecordError does nothing
func (n *NoOpMetricsCollector) RecordError(component, errorType string) {}
