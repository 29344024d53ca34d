// Package monitor provides messaging.MetricsCollector implementations.
//
// SimpleMetricsCollector keeps counters in memory and returns snapshots, which
// suits tests and small deployments. PrometheusCollector exports the same
// counters through a prometheus.Registerer.
package monitor
