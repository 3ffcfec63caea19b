package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	Invocations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "generation_invocations_total",
		Help: "Executor invocations by job type and resulting status",
	}, []string{"job_type", "status"})
	Units = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "generation_units_total",
		Help: "Generated units by media type and outcome",
	}, []string{"media_type", "outcome"})
	Retries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "generation_unit_retries_total",
		Help: "Unit attempts retried after a transient error",
	})
	UnitDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "generation_unit_duration_seconds",
		Help:    "Wall time of one unit including retries",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"media_type"})
	InFlightUnits = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "generation_units_inflight",
		Help: "Units currently being produced",
	})
	QueueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "generation_queue_depth",
		Help: "Job ids waiting in the ready queue",
	})
	TriggerCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "generation_triggers_total",
		Help: "Jobs enqueued for processing",
	})
	RateLimitRejects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "generation_rate_limit_rejects_total",
		Help: "Requests rejected by a token bucket",
	}, []string{"scope"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			Invocations,
			Units,
			Retries,
			UnitDuration,
			InFlightUnits,
			QueueDepthGauge,
			TriggerCounter,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
