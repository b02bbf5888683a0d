package parser

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are shared by every parser created with them. Create one set per
// registry.
type Metrics struct {
	decodedBytes          prometheus.Counter
	replacementCharacters prometheus.Counter
	speculationsCreated   prometheus.Counter
	speculationsCommitted prometheus.Counter
	speculationsFailed    prometheus.Counter
	timerFlushes          prometheus.Counter
	executorFlushes       prometheus.Counter
	loadFlushes           prometheus.Counter
	charsetSwitches       prometheus.Counter
	bufferChainLength     prometheus.Gauge
}

// NewMetrics registers the parser metrics with reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		decodedBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "htmlstream_decoded_bytes_total",
			Help: "Total number of network bytes handed to the decoder.",
		}),
		replacementCharacters: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "htmlstream_replacement_characters_total",
			Help: "Total number of U+FFFD written for malformed input.",
		}),
		speculationsCreated: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "htmlstream_speculations_created_total",
			Help: "Total number of speculations started past a script.",
		}),
		speculationsCommitted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "htmlstream_speculations_committed_total",
			Help: "Total number of speculations whose operations were kept.",
		}),
		speculationsFailed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "htmlstream_speculations_failed_total",
			Help: "Total number of speculations rolled back.",
		}),
		timerFlushes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "htmlstream_flush_timer_fired_total",
			Help: "Total number of times the flush timer fired.",
		}),
		executorFlushes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "htmlstream_executor_flushes_total",
			Help: "Total number of flush notifications sent to the executor.",
		}),
		loadFlushes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "htmlstream_load_flushes_total",
			Help: "Total number of speculative load notifications sent to the executor.",
		}),
		charsetSwitches: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "htmlstream_charset_switch_requests_total",
			Help: "Total number of reparse requests caused by a meta charset.",
		}),
		bufferChainLength: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "htmlstream_buffer_chain_length",
			Help: "Number of decoded buffers most recently retained by a parser.",
		}),
	}
}
