package metricsx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	kafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag by topic.",
		},
		[]string{"topic", "group"},
	)
	influxWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "influx_write_failures_total",
			Help: "Total InfluxDB write failures.",
		},
	)
	lockAcquire = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lock_acquire_total",
			Help: "Lock acquisition attempts by key kind and result.",
		},
		[]string{"kind", "result"},
	)
	lockWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lock_wait_seconds",
			Help:    "Time spent waiting for a lock.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"kind"},
	)
	allocationOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allocation_outcomes_total",
			Help: "Vehicle allocation outcomes by operation.",
		},
		[]string{"op", "outcome"},
	)
	replacementOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replacement_outcomes_total",
			Help: "Per-contract accident replacement outcomes.",
		},
		[]string{"result"},
	)
	eventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_dropped_total",
			Help: "Outbound events dropped because the dispatch queue was full or publish failed.",
		},
		[]string{"reason"},
	)
	eventQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "event_queue_depth",
			Help: "Outbound events waiting for dispatch.",
		},
	)
	asynqQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asynq_queue_depth",
			Help: "Asynq queue depth by queue.",
		},
		[]string{"queue"},
	)
)

func Register() {
	prometheus.MustRegister(
		httpRequests, httpLatency, kafkaConsumerLag, influxWriteFailures,
		lockAcquire, lockWait, allocationOutcomes, replacementOutcomes,
		eventsDropped, eventQueueDepth, asynqQueueDepth,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpLatency.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

func SetKafkaLag(topic string, group string, lag int64) {
	kafkaConsumerLag.WithLabelValues(topic, group).Set(float64(lag))
}

func IncInfluxWriteFailure() {
	influxWriteFailures.Inc()
}

// ObserveLock records one bounded-wait acquisition. result is acquired, timeout or error.
func ObserveLock(kind string, result string, waited time.Duration) {
	lockAcquire.WithLabelValues(kind, result).Inc()
	lockWait.WithLabelValues(kind).Observe(waited.Seconds())
}

func IncAllocation(op string, outcome string) {
	allocationOutcomes.WithLabelValues(op, outcome).Inc()
}

func IncReplacement(result string) {
	replacementOutcomes.WithLabelValues(result).Inc()
}

func IncEventDropped(reason string) {
	eventsDropped.WithLabelValues(reason).Inc()
}

func SetEventQueueDepth(depth int) {
	eventQueueDepth.Set(float64(depth))
}

func SetAsynqQueueDepth(queue string, depth int) {
	asynqQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
