package metrics

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var checksFailed atomic.Int64
var checksPassed atomic.Int64

var (
	TensorBytesAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shard_tensor_allocated_bytes",
		Help: "Current bytes held by live tensors created through the tensor package",
	})

	KernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shard_kernel_duration_seconds",
		Help:    "Histogram of CPU kernel execution times",
		Buckets: prometheus.DefBuckets,
	}, []string{"kernel"})

	CollectiveOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shard_collective_ops_total",
		Help: "Total number of collective operations issued",
	}, []string{"backend", "op"})

	CollectiveBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shard_collective_bytes_total",
		Help: "Bytes contributed by this process to collective operations",
	}, []string{"backend", "op"})

	CollectiveDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shard_collective_duration_seconds",
		Help:    "Duration of collective operations including rendezvous wait",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"backend", "op"})

	CollectiveErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shard_collective_errors_total",
		Help: "Total number of failed collective operations",
	}, []string{"backend", "op"})

	GradStoreQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shard_gradstore_queue_depth",
		Help: "Number of flushed, not yet popped buffers per chunk",
	}, []string{"chunk"})

	GradStoreFlushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shard_gradstore_flush_total",
		Help: "Total number of grad-store flushes",
	})

	GradStorePops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shard_gradstore_pop_total",
		Help: "Total number of grad-store pops",
	})

	GradStoreDeferred = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shard_gradstore_deferred_total",
		Help: "Total number of deferred weight-gradient contributions applied",
	})

	CheckResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shard_check_results_total",
		Help: "Equivalence check outcomes",
	}, []string{"check", "result"})

	CheckDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shard_check_duration_seconds",
		Help:    "Duration of a single equivalence check",
		Buckets: prometheus.DefBuckets,
	}, []string{"check"})

	MaxAbsDiff = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shard_check_max_abs_diff",
		Help:    "Greatest absolute difference observed by tensor comparisons",
		Buckets: []float64{0, 1e-9, 1e-8, 1e-7, 1e-6, 1e-5, 1e-4, 1e-3},
	}, []string{"check"})

	LaunchRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shard_launch_retries_total",
		Help: "Launches re-run because the rendezvous address was in use",
	})

	WorkersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shard_workers_active",
		Help: "Workers currently running in this process",
	})
)

func RecordTensorBytes(bytes int64) {
	TensorBytesAllocated.Set(float64(bytes))
}

func RecordKernelDuration(name string, duration time.Duration) {
	KernelDuration.WithLabelValues(name).Observe(duration.Seconds())
}

// RecordCollective records one collective call. bytes is the size of the local contribution.
func RecordCollective(backend, op string, bytes int, duration time.Duration, err error) {
	if err != nil {
		CollectiveErrors.WithLabelValues(backend, op).Inc()
		return
	}
	CollectiveOps.WithLabelValues(backend, op).Inc()
	CollectiveBytes.WithLabelValues(backend, op).Add(float64(bytes))
	CollectiveDuration.WithLabelValues(backend, op).Observe(duration.Seconds())
}

func RecordGradStoreDepth(chunk, depth int) {
	GradStoreQueueDepth.WithLabelValues(strconv.Itoa(chunk)).Set(float64(depth))
}

func RecordGradStoreFlush() {
	GradStoreFlushes.Inc()
}

func RecordGradStorePop(applied int) {
	GradStorePops.Inc()
	GradStoreDeferred.Add(float64(applied))
}

// RecordCheck records the outcome of one named check.
func RecordCheck(name string, passed bool, duration time.Duration) {
	result := "pass"
	if passed {
		checksPassed.Add(1)
	} else {
		result = "fail"
		checksFailed.Add(1)
	}
	CheckResults.WithLabelValues(name, result).Inc()
	CheckDuration.WithLabelValues(name).Observe(duration.Seconds())
}

func RecordMaxAbsDiff(check string, diff float64) {
	MaxAbsDiff.WithLabelValues(check).Observe(diff)
}

func RecordLaunchRetry() {
	LaunchRetries.Inc()
}

func RecordWorkerStart() {
	WorkersActive.Inc()
}

func RecordWorkerStop() {
	WorkersActive.Dec()
}

// CheckTotals returns the process-wide pass and fail counts.
func CheckTotals() (passed, failed int64) {
	return checksPassed.Load(), checksFailed.Load()
}
