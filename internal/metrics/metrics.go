package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 拒绝原因
const (
	ReasonMalformed = "malformed"
	ReasonUnknown   = "unknown_item"
	ReasonClosed    = "closed"
)

// Metrics 检测服务的 Prometheus 指标
type Metrics struct {
	SightingsAccepted    prometheus.Counter
	SightingsRejected    *prometheus.CounterVec
	LogAppends           prometheus.Counter
	LogWriteFailures     prometheus.Counter
	Transitions          *prometheus.CounterVec
	NotificationsSent    *prometheus.CounterVec
	NotificationsFailed  *prometheus.CounterVec
	NotificationsDropped *prometheus.CounterVec
	EvaluationDuration   prometheus.Histogram
	EvaluationsSkipped   prometheus.Counter
	TrackedItems         prometheus.Gauge
}

// New 创建并注册全部指标
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SightingsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "edc_sightings_accepted_total",
			Help: "Sightings accepted and applied to the registry",
		}),
		SightingsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "edc_sightings_rejected_total",
			Help: "Sightings rejected at the ingestion boundary",
		}, []string{"reason"}),
		LogAppends: factory.NewCounter(prometheus.CounterOpts{
			Name: "edc_event_log_appends_total",
			Help: "Entries durably appended to the event log",
		}),
		LogWriteFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "edc_event_log_write_failures_total",
			Help: "Event log appends that failed after all retries",
		}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "edc_presence_transitions_total",
			Help: "Presence state transitions by target state",
		}, []string{"to"}),
		NotificationsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "edc_notifications_delivered_total",
			Help: "Transition notifications delivered per subscriber",
		}, []string{"subscriber"}),
		NotificationsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "edc_notifications_failed_total",
			Help: "Transition notifications whose handler returned an error or panicked",
		}, []string{"subscriber"}),
		NotificationsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "edc_notifications_dropped_total",
			Help: "Transition notifications dropped because the subscriber queue stayed full",
		}, []string{"subscriber"}),
		EvaluationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "edc_evaluation_duration_seconds",
			Help:    "Duration of one staleness evaluation sweep",
			Buckets: prometheus.DefBuckets,
		}),
		EvaluationsSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "edc_evaluations_skipped_total",
			Help: "Evaluation requests skipped because a sweep was already running",
		}),
		TrackedItems: factory.NewGauge(prometheus.GaugeOpts{
			Name: "edc_tracked_items",
			Help: "Number of items in the registry",
		}),
	}
}

// NewNop 使用独立注册表创建指标（测试用）
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
