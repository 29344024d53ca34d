// Package interceptors wraps command handlers and projections with
// cross-cutting behaviour.
//
// An InterceptorChain runs its interceptors in the order they were added, each
// one deciding whether and how to call the next:
//
//	chain := interceptors.NewDefaultInterceptorChainBuilder(logger).
//		WithLogging().
//		WithMetrics(collector).
//		WithRetry(reliability.NewExponentialBackoff(100*time.Millisecond, time.Second, 2, 3)).
//		WithTimeout(30 * time.Second).
//		Build()
//
//	err := chain.Execute(ctx, msg, finalHandler)
//
// Built-in interceptors:
//   - LoggingInterceptor: logs each message with its duration
//   - MetricsInterceptor: counts messages, errors and processing time
//   - RetryInterceptor: retries the rest of the chain under a reliability.RetryPolicy
//   - TimeoutInterceptor: bounds the processing time
//   - CircuitBreakerInterceptor: stops calling a failing handler for a while
//   - FilteringInterceptor: skips messages a MessageFilter rejects
package interceptors
