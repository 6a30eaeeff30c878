// Package metrics exposes the runtime's Prometheus collectors. Everything is
// registered on the default registry at init and served by the /metrics route.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HostBytesAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "karst_host_bytes_allocated",
		Help: "Current bytes held by the host allocator",
	})

	DeviceBytesAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "karst_device_bytes_allocated",
		Help: "Current bytes held by the accelerator allocator",
	})

	BufferCopies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "karst_buffer_copies_total",
		Help: "Buffer copies performed, by transfer direction",
	}, []string{"direction"})

	ForwardDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "karst_forward_duration_seconds",
		Help:    "Duration of model forward passes",
		Buckets: prometheus.DefBuckets,
	})

	TokensEncoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "karst_tokens_encoded_total",
		Help: "Tokens produced by the tokenizer",
	})

	CheckpointMappedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "karst_checkpoint_mapped_bytes",
		Help: "Bytes of checkpoint data currently memory-mapped",
	})

	ForwardTokens = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "karst_forward_tokens",
		Help:    "Distribution of token counts per forward pass",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024},
	})

	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "karst_api_requests_total",
		Help: "API requests served, by route and status class",
	}, []string{"route", "status"})

	ExportBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "karst_export_batches_total",
		Help: "Embedding record batches shipped to the Flight sink",
	})
)

func RecordCopy(direction string) {
	BufferCopies.WithLabelValues(direction).Inc()
}

func RecordForward(tokens int, d time.Duration) {
	ForwardDuration.Observe(d.Seconds())
	ForwardTokens.Observe(float64(tokens))
}

func RecordEncode(tokens int) {
	TokensEncoded.Add(float64(tokens))
}
