package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fieldtrack"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Local API requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	pointsRecorded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "points_recorded_total",
			Help:      "Fixes accepted and persisted as tracking points.",
		},
	)

	syncBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_batches_total",
			Help:      "Point batch uploads by outcome.",
		},
		[]string{"result"},
	)

	submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Task submission delivery attempts by outcome.",
		},
		[]string{"result"},
	)

	sessionActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_active",
			Help:      "1 while a tracking session is running.",
		},
	)
)

// Outcome labels.
const (
	ResultOK      = "ok"
	ResultNetwork = "network"
	ResultServer  = "server"
	ResultLocal   = "local"
	ResultQueued  = "queued"
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(httpRequests, pointsRecorded, syncBatches, submissions, sessionActive)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

func IncPointRecorded() {
	pointsRecorded.Inc()
}

func IncBatch(result string) {
	syncBatches.WithLabelValues(result).Inc()
}

func IncSubmission(result string) {
	submissions.WithLabelValues(result).Inc()
}

// SetSessionActive flips the session gauge.
func SetSessionActive(active bool) {
	if active {
		sessionActive.Set(1)
		return
	}
	sessionActive.Set(0)
}
