package interceptors

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/mmate-cqrs/internal/reliability"
)

// RetryPolicy decides whether and when a failed handler runs again
type RetryPolicy = reliability.RetryPolicy

// RetryInterceptor implements retry logic for message processing
type RetryInterceptor struct {
	retryPolicy RetryPolicy
	logger      *slog.Logger
}

// NewRetryInterceptor creates a new retry interceptor
func NewRetryInterceptor(retryPolicy RetryPolicy) *RetryInterceptor {
	return &RetryInterceptor{
		retryPolicy: retryPolicy,
		logger:      slog.Default(),
	}
}

// WithLogger sets the logger for the retry interceptor
func (r *RetryInterceptor) WithLogger(logger *slog.Logger) *RetryInterceptor {
	r.logger = logger
	return r
}

// Intercept implements the Interceptor interface
func (r *RetryInterceptor) Intercept(ctx context.Context, msg *Message, next MessageHandler) error {
	attempt := 0
	return reliability.Retry(ctx, r.retryPolicy, func() error {
		if attempt > 0 {
			r.logger.Debug("retrying message",
				"kind", msg.Kind,
				"messageType", msg.Type,
				"attempt", attempt)
		}
		attempt++
		return next.Handle(ctx, msg)
	})
}

// Name returns the interceptor name
func (r *RetryInterceptor) Name() string {
	return "RetryInterceptor"
}

// ExponentialRetry retries with exponentially growing delays
func ExponentialRetry(initial, max time.Duration, maxRetries int) RetryPolicy {
	return reliability.NewExponentialBackoff(initial, max, 2.0, maxRetries)
}

// FixedRetry retries after the same delay every time
func FixedRetry(delay time.Duration, maxRetries int) RetryPolicy {
	return reliability.NewFixedDelay(delay, maxRetries)
}
