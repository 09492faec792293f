package durablestreams

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Handler-level metrics. Registered once on the default registry; Caddy's
// metrics endpoint exposes them.
var (
	streamCreates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "durable_streams_creates_total",
		Help: "Total number of streams created",
	})
	streamDeletes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "durable_streams_deletes_total",
		Help: "Total number of streams deleted",
	})
	streamAppends = promauto.NewCounter(prometheus.CounterOpts{
		Name: "durable_streams_appends_total",
		Help: "Total number of successful append requests",
	})
	messagesAppended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "durable_streams_messages_appended_total",
		Help: "Total number of messages committed to streams",
	})
	duplicateAppends = promauto.NewCounter(prometheus.CounterOpts{
		Name: "durable_streams_duplicate_appends_total",
		Help: "Total number of appends deduplicated by producer sequence",
	})
	fencedAppends = promauto.NewCounter(prometheus.CounterOpts{
		Name: "durable_streams_fenced_appends_total",
		Help: "Total number of appends rejected by producer fencing",
	})
	streamReads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "durable_streams_reads_total",
		Help: "Total number of read requests",
	})
	longPollWaiters = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "durable_streams_long_poll_waiters",
		Help: "Number of long-poll requests currently parked",
	})
	sseStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "durable_streams_sse_connections",
		Help: "Number of open SSE connections",
	})
)
