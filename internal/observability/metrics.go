package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgeinstall",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgeinstall",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	installRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgeinstall",
			Name:      "install_requests_total",
			Help:      "Install requests answered by the installer.",
		},
		[]string{"node", "action", "code"},
	)
	installDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgeinstall",
			Name:      "install_request_duration_seconds",
			Help:      "Time from submission to answer for install requests.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "action"},
	)
	rollbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgeinstall",
			Name:      "rollbacks_total",
			Help:      "Rollback replays by result.",
		},
		[]string{"node", "result"},
	)
	bidRounds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgeinstall",
			Name:      "bid_rounds_total",
			Help:      "Bid round transitions by outcome.",
		},
		[]string{"node", "outcome"},
	)
	blacklistEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "edgeinstall",
			Name:      "blacklist_entries",
			Help:      "Event types currently suppressed from new bid rounds.",
		},
		[]string{"node"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			installRequests,
			installDuration,
			rollbacks,
			bidRounds,
			blacklistEntries,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordInstallRequest(node, action, code string, duration time.Duration) {
	RegisterMetrics()
	installRequests.WithLabelValues(node, action, code).Inc()
	installDuration.WithLabelValues(node, action).Observe(duration.Seconds())
}

// RecordRollback counts a rollback replay; a non-nil err counts as failed.
func RecordRollback(node string, err error) {
	RegisterMetrics()
	result := "ok"
	if err != nil {
		result = "failed"
	}
	rollbacks.WithLabelValues(node, result).Inc()
}

func RecordBidRound(node, outcome string) {
	RegisterMetrics()
	bidRounds.WithLabelValues(node, outcome).Inc()
}

func SetBlacklistEntries(node string, n int) {
	RegisterMetrics()
	blacklistEntries.WithLabelValues(node).Set(float64(n))
}
