// Package observability holds the process-wide Prometheus collectors. They
// register themselves on the default registry; main exposes them under
// /metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DeliveredEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdc2snow_delivered_events_total",
		Help: "Events accepted by a destination, by table.",
	}, []string{"destination", "table"})

	DeliveryFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdc2snow_delivery_failures_total",
		Help: "Batches a destination refused, by table.",
	}, []string{"destination", "table"})

	DroppedDeletes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdc2snow_dropped_deletes_total",
		Help: "Delete events skipped because the source provided no pre-image row.",
	}, []string{"destination", "table"})

	DLQDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cdc2snow_dlq_batches",
		Help: "Batches currently buffered in the dead letter store.",
	}, []string{"destination", "table"})

	ReplayedBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdc2snow_replayed_batches_total",
		Help: "Dead letter batches successfully replayed to their destination.",
	}, []string{"destination", "table"})
)
