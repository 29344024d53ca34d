package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Kind tells commands from events
type Kind string

const (
	KindCommand Kind = "command"
	KindEvent   Kind = "event"
)

// Message is a deserialized command or event on its way to a handler
type Message struct {
	Body           any
	Type           string
	Kind           Kind
	BoundedContext string
	Headers        map[string]string
}

// MessageHandler represents a message handler in the interceptor chain
type MessageHandler interface {
	Handle(ctx context.Context, msg *Message) error
}

// MessageHandlerFunc is a function adapter for MessageHandler
type MessageHandlerFunc func(ctx context.Context, msg *Message) error

// Handle implements MessageHandler
func (f MessageHandlerFunc) Handle(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}

// Interceptor processes messages before they reach the final handler
type Interceptor interface {
	// Intercept processes a message and calls the next handler in the chain
	Intercept(ctx context.Context, msg *Message, next MessageHandler) error

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, msg *Message, next MessageHandler) error
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, msg *Message, next MessageHandler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, msg *Message, next MessageHandler) error {
	return i.fn(ctx, msg, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// InterceptorChain runs interceptors in the order they were added, the first
// one outermost. It is safe to add interceptors while messages flow.
type InterceptorChain struct {
	mu           sync.RWMutex
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewInterceptorChain creates an empty chain
func NewInterceptorChain(logger *slog.Logger) *InterceptorChain {
	if logger == nil {
		logger = slog.Default()
	}
	return &InterceptorChain{logger: logger}
}

// Add appends an interceptor; nil is ignored
func (c *InterceptorChain) Add(interceptor Interceptor) *InterceptorChain {
	if interceptor == nil {
		return c
	}
	c.mu.Lock()
	c.interceptors = append(c.interceptors, interceptor)
	c.mu.Unlock()
	return c
}

// Len returns the number of interceptors
func (c *InterceptorChain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.interceptors)
}

// Execute runs msg through the chain and then final
func (c *InterceptorChain) Execute(ctx context.Context, msg *Message, final MessageHandler) error {
	c.mu.RLock()
	interceptors := c.interceptors[:len(c.interceptors):len(c.interceptors)]
	c.mu.RUnlock()

	err := (&chainCursor{interceptors: interceptors, final: final}).Handle(ctx, msg)
	if err != nil {
		c.logger.Debug("interceptor chain failed",
			"kind", msg.Kind,
			"messageType", msg.Type,
			"interceptors", len(interceptors),
			"error", err)
	}
	return err
}

// chainCursor hands a message to the interceptor at pos. Each step gets its
// own cursor so an interceptor may call next more than once.
type chainCursor struct {
	interceptors []Interceptor
	pos          int
	final        MessageHandler
}

func (c *chainCursor) Handle(ctx context.Context, msg *Message) error {
	if c.pos == len(c.interceptors) {
		return c.final.Handle(ctx, msg)
	}
	next := &chainCursor{interceptors: c.interceptors, pos: c.pos + 1, final: c.final}
	return c.interceptors[c.pos].Intercept(ctx, msg, next)
}

// LoggingInterceptor logs message processing
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, msg *Message, next MessageHandler) error {
	start := time.Now()

	i.logger.Debug("processing message",
		"kind", msg.Kind,
		"messageType", msg.Type,
		"boundedContext", msg.BoundedContext,
	)

	err := next.Handle(ctx, msg)
	duration := time.Since(start)

	if err != nil {
		i.logger.Error("message processing failed",
			"kind", msg.Kind,
			"messageType", msg.Type,
			"boundedContext", msg.BoundedContext,
			"duration", duration,
			"error", err,
		)
	} else {
		i.logger.Debug("message processed",
			"kind", msg.Kind,
			"messageType", msg.Type,
			"duration", duration,
		)
	}

	return err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// MetricsCollector receives handler metrics
type MetricsCollector interface {
	IncrementMessageCount(messageType string)
	RecordProcessingTime(messageType string, duration time.Duration)
	IncrementErrorCount(messageType string, errorType string)
}

// MetricsInterceptor collects metrics about message processing
type MetricsInterceptor struct {
	collector MetricsCollector
}

// NewMetricsInterceptor creates a new metrics interceptor
func NewMetricsInterceptor(collector MetricsCollector) *MetricsInterceptor {
	return &MetricsInterceptor{collector: collector}
}

// Intercept implements Interceptor
func (i *MetricsInterceptor) Intercept(ctx context.Context, msg *Message, next MessageHandler) error {
	start := time.Now()

	i.collector.IncrementMessageCount(msg.Type)

	err := next.Handle(ctx, msg)
	i.collector.RecordProcessingTime(msg.Type, time.Since(start))

	if err != nil {
		i.collector.IncrementErrorCount(msg.Type, string(msg.Kind)+"_handler_error")
	}

	return err
}

// Name implements Interceptor
func (i *MetricsInterceptor) Name() string {
	return "MetricsInterceptor"
}

// TimeoutInterceptor bounds how long the rest of the chain may run
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor. The handler keeps running in the
// background after a timeout; its context is cancelled.
func (i *TimeoutInterceptor) Intercept(ctx context.Context, msg *Message, next MessageHandler) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- next.Handle(timeoutCtx, msg)
	}()

	select {
	case err := <-done:
		return err
	case <-timeoutCtx.Done():
		return fmt.Errorf("message processing timeout after %v for %s %s: %w", i.timeout, msg.Kind, msg.Type, timeoutCtx.Err())
	}
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// CircuitBreaker is satisfied by *reliability.CircuitBreaker
type CircuitBreaker interface {
	Execute(ctx context.Context, fn func() error) error
}

// CircuitBreakerInterceptor provides circuit breaker functionality
type CircuitBreakerInterceptor struct {
	circuitBreaker CircuitBreaker
}

// NewCircuitBreakerInterceptor creates a new circuit breaker interceptor
func NewCircuitBreakerInterceptor(circuitBreaker CircuitBreaker) *CircuitBreakerInterceptor {
	return &CircuitBreakerInterceptor{circuitBreaker: circuitBreaker}
}

// Intercept implements Interceptor
func (i *CircuitBreakerInterceptor) Intercept(ctx context.Context, msg *Message, next MessageHandler) error {
	return i.circuitBreaker.Execute(ctx, func() error {
		return next.Handle(ctx, msg)
	})
}

// Name implements Interceptor
func (i *CircuitBreakerInterceptor) Name() string {
	return "CircuitBreakerInterceptor"
}

// DefaultInterceptorChainBuilder builds a common interceptor chain
type DefaultInterceptorChainBuilder struct {
	chain  *InterceptorChain
	logger *slog.Logger
}

// NewDefaultInterceptorChainBuilder creates a new builder
func NewDefaultInterceptorChainBuilder(logger *slog.Logger) *DefaultInterceptorChainBuilder {
	if logger == nil {
		logger = slog.Default()
	}

	return &DefaultInterceptorChainBuilder{
		chain:  NewInterceptorChain(logger),
		logger: logger,
	}
}

// WithLogging adds logging interceptor
func (b *DefaultInterceptorChainBuilder) WithLogging() *DefaultInterceptorChainBuilder {
	b.chain.Add(NewLoggingInterceptor(b.logger))
	return b
}

// WithMetrics adds metrics interceptor
func (b *DefaultInterceptorChainBuilder) WithMetrics(collector MetricsCollector) *DefaultInterceptorChainBuilder {
	b.chain.Add(NewMetricsInterceptor(collector))
	return b
}

// WithRetry adds retry interceptor
func (b *DefaultInterceptorChainBuilder) WithRetry(policy RetryPolicy) *DefaultInterceptorChainBuilder {
	b.chain.Add(NewRetryInterceptor(policy).WithLogger(b.logger))
	return b
}

// WithTimeout adds timeout interceptor
func (b *DefaultInterceptorChainBuilder) WithTimeout(timeout time.Duration) *DefaultInterceptorChainBuilder {
	b.chain.Add(NewTimeoutInterceptor(timeout))
	return b
}

// WithCircuitBreaker adds circuit breaker interceptor
func (b *DefaultInterceptorChainBuilder) WithCircuitBreaker(circuitBreaker CircuitBreaker) *DefaultInterceptorChainBuilder {
	b.chain.Add(NewCircuitBreakerInterceptor(circuitBreaker))
	return b
}

// WithCustom adds custom interceptor
func (b *DefaultInterceptorChainBuilder) WithCustom(interceptor Interceptor) *DefaultInterceptorChainBuilder {
	b.chain.Add(interceptor)
	return b
}

// Build returns the built interceptor chain
func (b *DefaultInterceptorChainBuilder) Build() *InterceptorChain {
	return b.chain
}
