package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/glimte/mmate-cqrs/interceptors"
	"github.com/glimte/mmate-cqrs/messaging"
)

var (
	_ messaging.MetricsCollector    = (*SimpleMetricsCollector)(nil)
	_ interceptors.MetricsCollector = (*SimpleMetricsCollector)(nil)
)

func TestSimpleMetricsCollector(t *testing.T) {
	t.Run("starts empty", func(t *testing.T) {
		summary := NewSimpleMetricsCollector().GetMetricsSummary()
		assert.Empty(t, summary.Published)
		assert.Empty(t, summary.Delivered)
		assert.Empty(t, summary.Redelivered)
		assert.Empty(t, summary.Errors)
	})

	t.Run("counts by message type", func(t *testing.T) {
		c := NewSimpleMetricsCollector()
		c.RecordPublish("orders", "PlaceOrder")
		c.RecordPublish("orders", "PlaceOrder")
		c.RecordDelivery("orders", "PlaceOrder")
		c.RecordRedelivery("orders", "PlaceOrder")
		c.RecordError("engine", "deserialize")
		c.RecordError("engine", "deserialize")
		c.RecordError("redelivery", "exhausted")

		summary := c.GetMetricsSummary()
		assert.Equal(t, int64(2), summary.Published["PlaceOrder"])
		assert.Equal(t, int64(1), summary.Delivered["PlaceOrder"])
		assert.Equal(t, int64(1), summary.Redelivered["PlaceOrder"])
		assert.Equal(t, int64(2), summary.Errors["engine"]["deserialize"])
		assert.Equal(t, int64(3), summary.TotalErrors())
	})

	t.Run("summary is a copy", func(t *testing.T) {
		c := NewSimpleMetricsCollector()
		c.RecordError("engine", "deserialize")

		summary := c.GetMetricsSummary()
		summary.Errors["engine"]["deserialize"] = 42

		assert.Equal(t, int64(1), c.GetMetricsSummary().Errors["engine"]["deserialize"])
	})

	t.Run("tracks handler timing", func(t *testing.T) {
		c := NewSimpleMetricsCollector()
		c.IncrementMessageCount("PlaceOrder")
		c.IncrementMessageCount("PlaceOrder")
		c.RecordProcessingTime("PlaceOrder", 100*time.Millisecond)
		c.RecordProcessingTime("PlaceOrder", 300*time.Millisecond)
		c.IncrementErrorCount("PlaceOrder", "command_handler_error")

		summary := c.GetMetricsSummary()
		assert.Equal(t, int64(2), summary.Handled["PlaceOrder"])
		assert.Equal(t, int64(1), summary.HandlerErrors["PlaceOrder"]["command_handler_error"])

		stats := summary.ProcessingStats["PlaceOrder"]
		assert.Equal(t, int64(2), stats.Count)
		assert.Equal(t, int64(200), stats.AvgMs)
		assert.Equal(t, int64(100), stats.MinMs)
		assert.Equal(t, int64(300), stats.MaxMs)
	})

	t.Run("reset clears counters", func(t *testing.T) {
		c := NewSimpleMetricsCollector()
		c.RecordPublish("orders", "PlaceOrder")
		c.Reset()
		assert.Empty(t, c.GetMetricsSummary().Published)
	})
}
