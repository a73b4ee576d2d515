package helpx

import "github.com/prometheus/client_golang/prometheus"

// Registry holds the SDK's collectors. Hosts expose it however they like,
// e.g. promhttp.HandlerFor(helpx.Registry, promhttp.HandlerOpts{}).
var Registry = prometheus.NewRegistry()

var (
	mergesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helpx_chat_merges_total",
			Help: "Total number of message merges applied by chat sessions.",
		},
		[]string{"surface", "source"},
	)
	cacheErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helpx_chat_cache_errors_total",
			Help: "Total number of swallowed message cache failures.",
		},
		[]string{"op"},
	)
	staleResponses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helpx_chat_stale_responses_total",
			Help: "History responses discarded because the session moved on.",
		},
		[]string{"surface"},
	)
	realtimeReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "helpx_realtime_reconnects_total",
			Help: "Total number of live channel reconnect attempts.",
		},
	)
	realtimeEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helpx_realtime_events_total",
			Help: "Live channel events by direction and name.",
		},
		[]string{"direction", "event"},
	)
	restRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helpx_rest_requests_total",
			Help: "REST requests by method and status class.",
		},
		[]string{"method", "status"},
	)
)

func init() {
	Registry.MustRegister(
		mergesTotal,
		cacheErrors,
		staleResponses,
		realtimeReconnects,
		realtimeEvents,
		restRequests,
	)
}
