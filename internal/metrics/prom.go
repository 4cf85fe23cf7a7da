package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llamaswarm_build_info",
			Help: "Build information",
		},
		[]string{"component", "date", "sha", "version"},
	)

	routerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llamaswarm_router_requests_total",
			Help: "Completion requests handled by the router, by outcome",
		},
		[]string{"outcome"},
	)

	routerDispatch = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llamaswarm_router_dispatch_total",
			Help: "Requests forwarded to each worker",
		},
		[]string{"worker_id"},
	)

	routerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llamaswarm_router_request_duration_seconds",
			Help:    "Round trip duration of forwarded requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"worker_id"},
	)

	workersIdle = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "llamaswarm_router_workers_idle",
			Help: "Idle workers in the last availability snapshot",
		},
	)

	workersKnown = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "llamaswarm_router_workers_known",
			Help: "Workers in the last availability snapshot",
		},
	)

	workerBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "llamaswarm_worker_busy",
			Help: "Whether the worker is processing a request (1 or 0)",
		},
	)

	workerJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llamaswarm_worker_jobs_total",
			Help: "Completion requests processed by the worker, by outcome",
		},
		[]string{"outcome"},
	)

	workerJobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "llamaswarm_worker_job_duration_seconds",
			Help:    "Duration of completion requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	workerPromptTokens = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "llamaswarm_worker_prompt_tokens_total",
			Help: "Conversation tokens counted by the worker",
		},
	)
)

// RegisterRouter registers build info and router collectors.
func RegisterRouter(r prometheus.Registerer) {
	r.MustRegister(buildInfo, routerRequests, routerDispatch, routerDuration, workersIdle, workersKnown)
}

// RegisterWorker registers build info and worker collectors.
func RegisterWorker(r prometheus.Registerer) {
	r.MustRegister(buildInfo, workerBusy, workerJobs, workerJobDuration, workerPromptTokens)
}

// SetBuildInfo sets the build info metric for a component.
func SetBuildInfo(component, version, sha, date string) {
	buildInfo.WithLabelValues(component, date, sha, version).Set(1)
}

// RecordRouterRequest counts a routed request. outcome is "success" or the
// failure kind name.
func RecordRouterRequest(outcome string) {
	routerRequests.WithLabelValues(outcome).Inc()
}

// RecordDispatch counts a forward to workerID and its round trip.
func RecordDispatch(workerID int, d time.Duration) {
	id := strconv.Itoa(workerID)
	routerDispatch.WithLabelValues(id).Inc()
	routerDuration.WithLabelValues(id).Observe(d.Seconds())
}

// SetSnapshot records the shape of the last availability snapshot.
func SetSnapshot(known, idle int) {
	workersKnown.Set(float64(known))
	workersIdle.Set(float64(idle))
}

// SetWorkerBusy mirrors the worker's published busy flag.
func SetWorkerBusy(busy bool) {
	if busy {
		workerBusy.Set(1)
	} else {
		workerBusy.Set(0)
	}
}

// RecordJob records a finished worker request.
func RecordJob(outcome string, d time.Duration) {
	workerJobs.WithLabelValues(outcome).Inc()
	workerJobDuration.Observe(d.Seconds())
}

// RecordPromptTokens adds the counted conversation length.
func RecordPromptTokens(n int) {
	workerPromptTokens.Add(float64(n))
}
