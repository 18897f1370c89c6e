// Package metrics holds the Prometheus collectors shared across the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StorageCalls counts storage operations by op and outcome
	// (ok, not_found, conflict, timeout, error).
	StorageCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_storage_calls_total",
		Help: "Storage operations by operation and outcome.",
	}, []string{"op", "outcome"})

	// ConversionFallbacks counts lossy API conversions (kind: id, timestamp).
	ConversionFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_conversion_fallbacks_total",
		Help: "Identifier or timestamp conversions that used the lossy fallback.",
	}, []string{"kind"})

	// ReplyFragments counts text fragments received from the agent stream.
	ReplyFragments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_reply_fragments_total",
		Help: "Text fragments streamed from the assistant agent.",
	})
)
