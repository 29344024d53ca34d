package messaging

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/glimte/mmate-cqrs/contracts"
	"github.com/glimte/mmate-cqrs/internal/reliability"
	"github.com/glimte/mmate-cqrs/scheduling"
)

// HeaderRedeliveryCount counts how many times a message was redelivered after a
// negative acknowledgment
const HeaderRedeliveryCount = "RedeliveryCount"

// RedeliveryPolicy decides when a negatively acknowledged message is delivered again
type RedeliveryPolicy interface {
	// NextDelay returns the delay before redelivery number attempt (zero based)
	NextDelay(attempt int) time.Duration
	// MaxRetries caps redeliveries; negative means unlimited
	MaxRetries() int
}

// ExponentialRedelivery doubles the delay on every redelivery up to max
func ExponentialRedelivery(initial, max time.Duration, maxRetries int) RedeliveryPolicy {
	return reliability.NewExponentialBackoff(initial, max, 2.0, maxRetries)
}

// LinearRedelivery grows the delay by interval on every redelivery up to max
func LinearRedelivery(interval, max time.Duration, maxRetries int) RedeliveryPolicy {
	return reliability.NewLinearBackoff(interval, max, maxRetries)
}

// FixedRedelivery waits the same delay before every redelivery
func FixedRedelivery(delay time.Duration, maxRetries int) RedeliveryPolicy {
	return reliability.NewFixedDelay(delay, maxRetries)
}

// Redeliverer republishes negatively acknowledged messages away from the
// sequencer that delivered them
type Redeliverer struct {
	policy    RedeliveryPolicy
	queue     *scheduling.DelayQueue
	ownsQueue bool
	logger    *slog.Logger
	metrics   MetricsCollector
}

// NewRedeliverer creates a redeliverer for a session. Without a policy every
// redelivery is published immediately on its own goroutine.
func NewRedeliverer(name string, cfg SessionConfig) *Redeliverer {
	r := &Redeliverer{
		policy:  cfg.Redelivery,
		queue:   cfg.DelayQueue,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
	if r.policy != nil && r.queue == nil {
		r.queue = scheduling.NewDelayQueue(name+".redelivery", cfg.Logger)
		r.ownsQueue = true
	}
	return r
}

// Schedule runs publish with a copy of msg carrying the incremented
// redelivery count. It reports false when the policy gave up on the message.
func (r *Redeliverer) Schedule(destination string, msg *contracts.BinaryMessage, publish func(*contracts.BinaryMessage)) bool {
	attempt := redeliveryCount(msg)

	next := msg.Clone()
	next.SetHeader(HeaderRedeliveryCount, strconv.Itoa(attempt+1))

	if r.policy == nil {
		r.metrics.RecordRedelivery(destination, msg.Type)
		go publish(next)
		return true
	}

	if max := r.policy.MaxRetries(); max >= 0 && attempt >= max {
		r.logger.Warn("redelivery limit reached, dropping message",
			"destination", destination,
			"type", msg.Type,
			"attempts", attempt)
		r.metrics.RecordError("redelivery", "exhausted")
		return false
	}

	delay := r.policy.NextDelay(attempt)
	r.logger.Debug("scheduling redelivery",
		"destination", destination,
		"type", msg.Type,
		"attempt", attempt+1,
		"delay", delay)
	r.metrics.RecordRedelivery(destination, msg.Type)
	r.queue.Add(delay, func() { publish(next) })
	return true
}

// Close drops pending redeliveries
func (r *Redeliverer) Close() {
	if r.ownsQueue {
		r.queue.Close()
	}
}

func redeliveryCount(msg *contracts.BinaryMessage) int {
	v, ok := msg.Header(HeaderRedeliveryCount)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
