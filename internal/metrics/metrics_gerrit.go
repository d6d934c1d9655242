package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	restRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "g2g_gerrit_rest_requests_total",
			Help: "Total number of Gerrit REST requests by HTTP status",
		},
		[]string{"status"},
	)

	restRateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "g2g_gerrit_rest_rate_limited_total",
			Help: "Total number of Gerrit REST requests delayed by a rate-limit signal",
		},
	)

	keyscanCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "g2g_keyscan_cache_hits_total",
			Help: "Total number of host key scans served from the process cache",
		},
	)

	keyscanCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "g2g_keyscan_cache_misses_total",
			Help: "Total number of host key scans that had to contact the remote",
		},
	)
)

func RESTRequest(statusCode int) {
	restRequests.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

func RESTRateLimited() {
	restRateLimited.Inc()
}

func KeyscanCacheHit() {
	keyscanCacheHits.Inc()
}

func KeyscanCacheMiss() {
	keyscanCacheMisses.Inc()
}
