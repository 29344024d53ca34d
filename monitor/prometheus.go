package monitor

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mmate"

// PrometheusCollector implements messaging.MetricsCollector with Prometheus counters
type PrometheusCollector struct {
	published   *prometheus.CounterVec
	delivered   *prometheus.CounterVec
	redelivered *prometheus.CounterVec
	errors      *prometheus.CounterVec

	handled       *prometheus.CounterVec
	handlerErrors *prometheus.CounterVec
	processing    *prometheus.HistogramVec

	destinationLabel func(string) string
}

// PrometheusOption configures a PrometheusCollector
type PrometheusOption func(*prometheusConfig)

type prometheusConfig struct {
	namespace        string
	constLabels      prometheus.Labels
	destinationLabel func(string) string
}

// WithNamespace overrides the metric namespace
func WithNamespace(ns string) PrometheusOption {
	return func(c *prometheusConfig) {
		c.namespace = ns
	}
}

// WithConstLabels adds labels to every metric, e.g. the service name
func WithConstLabels(labels prometheus.Labels) PrometheusOption {
	return func(c *prometheusConfig) {
		c.constLabels = labels
	}
}

// WithDestinationLabel maps destination names to label values
func WithDestinationLabel(fn func(destination string) string) PrometheusOption {
	return func(c *prometheusConfig) {
		c.destinationLabel = fn
	}
}

// TemporaryDestinationLabel folds reply destinations into one label value so
// request/reply traffic does not grow the series count
func TemporaryDestinationLabel(destination string) string {
	if strings.HasPrefix(destination, "tmp.") {
		return "temporary"
	}
	if _, err := uuid.Parse(destination); err == nil {
		return "temporary"
	}
	return destination
}

// NewPrometheusCollector creates the counters and registers them on reg.
// Counters already registered on reg by another collector are reused.
func NewPrometheusCollector(reg prometheus.Registerer, opts ...PrometheusOption) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	cfg := &prometheusConfig{
		namespace:        namespace,
		destinationLabel: TemporaryDestinationLabel,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	counter := func(name, help string, labels ...string) (*prometheus.CounterVec, error) {
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.namespace,
			Name:        name,
			Help:        help,
			ConstLabels: cfg.constLabels,
		}, labels)

		if err := reg.Register(vec); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
					return existing, nil
				}
			}
			return nil, fmt.Errorf("failed to register %s: %w", name, err)
		}
		return vec, nil
	}

	c := &PrometheusCollector{destinationLabel: cfg.destinationLabel}
	var err error
	if c.published, err = counter("messages_published_total", "Messages sent to a destination.", "destination", "type"); err != nil {
		return nil, err
	}
	if c.delivered, err = counter("messages_delivered_total", "Messages handed to subscriber callbacks.", "destination", "type"); err != nil {
		return nil, err
	}
	if c.redelivered, err = counter("messages_redelivered_total", "Messages redelivered after a negative acknowledgment.", "destination", "type"); err != nil {
		return nil, err
	}
	if c.errors, err = counter("errors_total", "Failures by component.", "component", "error"); err != nil {
		return nil, err
	}
	if c.handled, err = counter("messages_handled_total", "Commands and events passed to handlers.", "type"); err != nil {
		return nil, err
	}
	if c.handlerErrors, err = counter("handler_errors_total", "Handler failures.", "type", "error"); err != nil {
		return nil, err
	}

	processing := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   cfg.namespace,
		Name:        "processing_seconds",
		Help:        "Time spent in handlers.",
		ConstLabels: cfg.constLabels,
		Buckets:     prometheus.DefBuckets,
	}, []string{"type"})
	if err := reg.Register(processing); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, fmt.Errorf("failed to register processing_seconds: %w", err)
		}
		existing, ok := already.ExistingCollector.(*prometheus.HistogramVec)
		if !ok {
			return nil, fmt.Errorf("failed to register processing_seconds: %w", err)
		}
		processing = existing
	}
	c.processing = processing

	return c, nil
}

// RecordPublish implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordPublish(destination, messageType string) {
	c.published.WithLabelValues(c.destinationLabel(destination), messageType).Inc()
}

// RecordDelivery implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordDelivery(destination, messageType string) {
	c.delivered.WithLabelValues(c.destinationLabel(destination), messageType).Inc()
}

// RecordRedelivery implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordRedelivery(destination, messageType string) {
	c.redelivered.WithLabelValues(c.destinationLabel(destination), messageType).Inc()
}

// RecordError implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordError(component, errorType string) {
	c.errors.WithLabelValues(component, errorType).Inc()
}

// IncrementMessageCount implements interceptors.MetricsCollector
func (c *PrometheusCollector) IncrementMessageCount(messageType string) {
	c.handled.WithLabelValues(messageType).Inc()
}

// RecordProcessingTime implements interceptors.MetricsCollector
func (c *PrometheusCollector) RecordProcessingTime(messageType string, duration time.Duration) {
	c.processing.WithLabelValues(messageType).Observe(duration.Seconds())
}

// IncrementErrorCount implements interceptors.MetricsCollector
func (c *PrometheusCollector) IncrementErrorCount(messageType string, errorType string) {
	c.handlerErrors.WithLabelValues(messageType, errorType).Inc()
}
