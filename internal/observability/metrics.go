package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	// api metrics
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crawlhub_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"route", "method", "code"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crawlhub_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method"})

	ActiveRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "crawlhub_active_requests",
		Help: "Current in-flight requests",
	})

	// provider
	ProviderCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crawlhub_provider_call_duration_seconds",
		Help:    "Workspace provider call latency",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 15, 30},
	}, []string{"op"})

	ProviderErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crawlhub_provider_errors_total",
		Help: "Workspace provider call failures",
	}, []string{"op", "kind"})

	WorkspaceStateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crawlhub_workspace_state_transitions_total",
		Help: "Workspace state transition count",
	}, []string{"from", "to"})

	StaleObservationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crawlhub_workspace_stale_observations_total",
		Help: "Provider observations discarded because the workspace changed meanwhile",
	})

	LockWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "crawlhub_spider_lock_wait_seconds",
		Help:    "Per-spider lock wait time",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	// poller
	ActiveWatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "crawlhub_poll_active_spiders",
		Help: "Spiders with a running watch loop",
	})

	PollTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crawlhub_poll_total",
		Help: "Status refreshes issued by the poller",
	}, []string{"result"})

	PollSkippedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crawlhub_poll_skipped_total",
		Help: "Poll ticks skipped because a refresh was still in flight",
	})

	// tasks
	TaskTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crawlhub_task_total",
		Help: "Task terminal count",
	}, []string{"status", "category"})

	TaskDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "crawlhub_task_duration_seconds",
		Help:    "Task run duration from start to terminal",
		Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200},
	})

	TaskQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "crawlhub_task_queue_depth",
		Help: "Pending tasks not yet dispatched",
	})

	DequeueEmptyTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crawlhub_dequeue_empty_total",
		Help: "Empty poll count",
	})

	DispatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crawlhub_dispatch_total",
		Help: "Executor dispatch outcomes",
	}, []string{"result"})

	// deployments
	DeployTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crawlhub_deploy_total",
		Help: "Deployment operations",
	}, []string{"op", "result"})

	DeployArchiveBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "crawlhub_deploy_archive_bytes",
		Help:    "Packaged deployment size",
		Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
	})

	PrunedDeploymentsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crawlhub_pruned_deployments_total",
		Help: "Archived deployments removed by prune",
	})
)

func RegisterAll(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, ActiveRequests,
		ProviderCallDuration, ProviderErrorsTotal, WorkspaceStateTransitions, StaleObservationsTotal, LockWaitSeconds,
		ActiveWatches, PollTotal, PollSkippedTotal,
		TaskTotal, TaskDuration, TaskQueueDepth, DequeueEmptyTotal, DispatchTotal,
		DeployTotal, DeployArchiveBytes, PrunedDeploymentsTotal,
	)
}
