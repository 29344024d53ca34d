// Package reliability provides the failure-handling building blocks used by
// messaging sessions.
//
// Retry policies (exponential, linear, fixed) drive redelivery of negatively
// acknowledged messages and broker reconnects. The circuit breaker guards
// broker publishes so a failing broker is reported quickly instead of stalling
// every sender.
//
// Example usage:
//
//	cb := NewCircuitBreaker(
//	    WithFailureThreshold(5),
//	    WithTimeout(30 * time.Second),
//	)
//
//	err := cb.Execute(ctx, func() error {
//	    return channel.PublishWithContext(ctx, "", queue, false, false, msg)
//	})
package reliability
