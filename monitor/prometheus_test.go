package monitor

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-cqrs/interceptors"
	"github.com/glimte/mmate-cqrs/messaging"
)

var (
	_ messaging.MetricsCollector    = (*PrometheusCollector)(nil)
	_ interceptors.MetricsCollector = (*PrometheusCollector)(nil)
)

func TestPrometheusCollector(t *testing.T) {
	t.Run("counts by destination and type", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		c, err := NewPrometheusCollector(reg)
		require.NoError(t, err)

		c.RecordPublish("orders", "PlaceOrder")
		c.RecordPublish("orders", "PlaceOrder")
		c.RecordDelivery("orders", "PlaceOrder")
		c.RecordRedelivery("orders", "PlaceOrder")
		c.RecordError("engine", "deserialize")

		assert.Equal(t, 2.0, testutil.ToFloat64(c.published.WithLabelValues("orders", "PlaceOrder")))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.delivered.WithLabelValues("orders", "PlaceOrder")))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.redelivered.WithLabelValues("orders", "PlaceOrder")))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.errors.WithLabelValues("engine", "deserialize")))

		count, err := testutil.GatherAndCount(reg, "mmate_messages_published_total")
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("temporary destinations share a label", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		c, err := NewPrometheusCollector(reg)
		require.NoError(t, err)

		c.RecordPublish("tmp.7a0c", "Reply")
		c.RecordPublish("1b4e28ba-2fa1-11d2-883f-0016d3cca427", "Reply")

		assert.Equal(t, 2.0, testutil.ToFloat64(c.published.WithLabelValues("temporary", "Reply")))
	})

	t.Run("second collector reuses registered counters", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		first, err := NewPrometheusCollector(reg)
		require.NoError(t, err)
		second, err := NewPrometheusCollector(reg)
		require.NoError(t, err)

		first.RecordError("engine", "deserialize")
		second.RecordError("engine", "deserialize")
		assert.Equal(t, 2.0, testutil.ToFloat64(first.errors.WithLabelValues("engine", "deserialize")))
	})

	t.Run("handler metrics", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		c, err := NewPrometheusCollector(reg)
		require.NoError(t, err)

		c.IncrementMessageCount("PlaceOrder")
		c.RecordProcessingTime("PlaceOrder", 50*time.Millisecond)
		c.IncrementErrorCount("PlaceOrder", "command_handler_error")

		assert.Equal(t, 1.0, testutil.ToFloat64(c.handled.WithLabelValues("PlaceOrder")))
		assert.Equal(t, 1.0, testutil.ToFloat64(c.handlerErrors.WithLabelValues("PlaceOrder", "command_handler_error")))

		count, err := testutil.GatherAndCount(reg, "mmate_processing_seconds")
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("custom namespace", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		c, err := NewPrometheusCollector(reg, WithNamespace("billing"),
			WithConstLabels(prometheus.Labels{"service": "billing"}))
		require.NoError(t, err)
		c.RecordDelivery("orders", "PlaceOrder")

		count, err := testutil.GatherAndCount(reg, "billing_messages_delivered_total")
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})
}
