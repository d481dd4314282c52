// Package sandboxmetrics ports the original SandboxedExecutionMetrics to
// prometheus/client_golang: six duration histograms labeled by API kind,
// a spawn-duration histogram, and two gauges for aggregate worker RSS.
package sandboxmetrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the controller's prometheus surface. All label-vec histograms
// are keyed by api_type (e.g. "init", "update", "query").
type Metrics struct {
	ReplicaExecuteDuration        *prometheus.HistogramVec
	ReplicaExecutePrepareDuration *prometheus.HistogramVec
	ReplicaExecuteWaitDuration    *prometheus.HistogramVec
	ReplicaExecuteFinishDuration  *prometheus.HistogramVec
	SandboxExecuteDuration        *prometheus.HistogramVec
	SandboxExecuteRunDuration     *prometheus.HistogramVec
	SpawnProcess                  prometheus.Histogram
	SubprocessAnonRSSTotal        prometheus.Gauge
	SubprocessSharedRSSTotal      prometheus.Gauge
}

// decimalBuckets mirrors the original's decimal_buckets_with_zero(-4, 1):
// a zero bucket plus a decade of buckets from 10^-4s to 10^1s.
func decimalBuckets() []float64 {
	buckets := []float64{0}
	for exp := -4; exp <= 1; exp++ {
		base := 1.0
		for i := 0; i < exp; i++ {
			base *= 10
		}
		for i := exp; i < 0; i++ {
			base /= 10
		}
		buckets = append(buckets, base, base*2, base*5)
	}
	return buckets
}

// New registers the controller's metrics on reg and returns the handle used
// by the registry sweeper and the execution dispatcher.
func New(reg prometheus.Registerer) *Metrics {
	buckets := decimalBuckets()
	m := &Metrics{
		ReplicaExecuteDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sandboxed_execution_replica_execute_duration_seconds",
			Help:    "The total message execution duration in the replica controller",
			Buckets: buckets,
		}, []string{"api_type"}),
		ReplicaExecutePrepareDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sandboxed_execution_replica_execute_prepare_duration_seconds",
			Help:    "The time until sending an execution request to the sandbox process",
			Buckets: buckets,
		}, []string{"api_type"}),
		ReplicaExecuteWaitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sandboxed_execution_replica_execute_wait_duration_seconds",
			Help:    "The time from sending an execution request to receiving a response",
			Buckets: buckets,
		}, []string{"api_type"}),
		ReplicaExecuteFinishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sandboxed_execution_replica_execute_finish_duration_seconds",
			Help:    "The time to finalize execution in the replica controller",
			Buckets: buckets,
		}, []string{"api_type"}),
		SandboxExecuteDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sandboxed_execution_sandbox_execute_duration_seconds",
			Help:    "The time from receiving an execution request to finishing execution, as reported by the sandbox",
			Buckets: buckets,
		}, []string{"api_type"}),
		SandboxExecuteRunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sandboxed_execution_sandbox_execute_run_duration_seconds",
			Help:    "The time the sandbox's worker thread spent actually performing the execution",
			Buckets: buckets,
		}, []string{"api_type"}),
		SpawnProcess: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sandboxed_execution_spawn_process_duration_seconds",
			Help:    "The time to spawn a sandbox process",
			Buckets: buckets,
		}),
		SubprocessAnonRSSTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sandboxed_execution_subprocess_anon_rss_total_kib",
			Help: "The resident anonymous memory for all canister sandbox processes in KiB",
		}),
		SubprocessSharedRSSTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sandboxed_execution_subprocess_shared_rss_total_kib",
			Help: "The resident shared memory for all canister sandbox processes in KiB",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ReplicaExecuteDuration,
			m.ReplicaExecutePrepareDuration,
			m.ReplicaExecuteWaitDuration,
			m.ReplicaExecuteFinishDuration,
			m.SandboxExecuteDuration,
			m.SandboxExecuteRunDuration,
			m.SpawnProcess,
			m.SubprocessAnonRSSTotal,
			m.SubprocessSharedRSSTotal,
		)
	}
	return m
}
