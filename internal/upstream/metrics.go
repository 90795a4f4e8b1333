package upstream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// upstreamRequests counts responses received from the upstream API by
	// method and status code, including retried attempts.
	upstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_requests_total",
			Help: "Total upstream API responses by method and status code.",
		},
		[]string{"method", "status"},
	)

	// upstreamThrottleEvents counts 429 responses separately; a rising
	// rate means tenants are outgrowing their upstream quota.
	upstreamThrottleEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "upstream_throttle_events_total",
			Help: "Total 429 responses received from the upstream API.",
		},
	)
)
