package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hookd"

var (
	// Dispatch: 选择并 claim 节点
	DispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_total",
		Help:      "Dispatch attempts by result (claimed, empty, unavailable, error).",
	}, []string{"result"})
	DispatchSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_seconds",
		Help:      "Time spent selecting and claiming a node.",
		Buckets:   prometheus.DefBuckets,
	})
	ClaimConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "claim_conflicts_total",
		Help:      "Claims lost to another dispatcher.",
	})

	// 调度循环
	ScheduleSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "schedule_chunk_seconds",
		Help:      "Time to dispatch and bind one pending chunk, by result.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"result"})
	SweepSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sweep_timed_out_chunks_seconds",
		Help:      "Time spent sweeping timed-out chunks.",
		Buckets:   prometheus.DefBuckets,
	})
	ChunksTimedOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chunks_timed_out_total",
		Help:      "Chunks that exceeded the chunk timeout, by whether they were requeued.",
	}, []string{"requeued"})

	FeedbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "feedback_total",
		Help:      "Node feedback reports by result (success, failure).",
	}, []string{"result"})

	// HTTP API
	HTTPRequestSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_seconds",
		Help:      "API request latency by method, route and status code.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "code"})
)

// ObserveSince 记录从 start 到现在的秒数
func ObserveSince(o prometheus.Observer, start time.Time) {
	o.Observe(time.Since(start).Seconds())
}

// Handler 暴露默认 registry 的 /metrics
func Handler() http.Handler {
	return promhttp.Handler()
}
