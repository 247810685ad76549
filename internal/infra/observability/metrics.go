// Package observability exposes Prometheus collectors for the dispatcher.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report submission and execution
// activity.
type Metrics struct {
	submissions   *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	tasksFinished *prometheus.CounterVec
	queueDepth    *prometheus.GaugeVec
	tasksRunning  *prometheus.GaugeVec
	notifyDropped prometheus.Counter
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// Default returns the package-level metrics instance registered with the
// global Prometheus registry. The collectors are created only once to avoid
// duplicate registration panics when services are instantiated multiple
// times (e.g. in unit tests).
func Default() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// The caller supplies a fresh registry when unique metric names are required
// (for example in tests). Registration errors panic, mirroring promauto.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	submissions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "muse",
			Subsystem: "dispatch",
			Name:      "submissions_total",
			Help:      "Task submissions by action and result code.",
		},
		[]string{"action", "code"},
	)
	taskDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "muse",
			Subsystem: "dispatch",
			Name:      "task_duration_seconds",
			Help:      "Wall time from admission to terminal state.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"action", "status"},
	)
	tasksFinished := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "muse",
			Subsystem: "dispatch",
			Name:      "tasks_finished_total",
			Help:      "Tasks reaching a terminal state, by status.",
		},
		[]string{"instance", "status"},
	)
	queueDepth := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "muse",
			Subsystem: "dispatch",
			Name:      "queue_depth",
			Help:      "Pending tasks per instance.",
		},
		[]string{"instance"},
	)
	tasksRunning := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "muse",
			Subsystem: "dispatch",
			Name:      "tasks_running",
			Help:      "Tasks currently executing per instance.",
		},
		[]string{"instance"},
	)
	notifyDropped := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "muse",
			Subsystem: "notify",
			Name:      "dropped_total",
			Help:      "Notifications dropped because the delivery queue was full.",
		},
	)

	collectors := []prometheus.Collector{submissions, taskDuration, tasksFinished, queueDepth, tasksRunning, notifyDropped}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch collector {
				case submissions:
					submissions = already.ExistingCollector.(*prometheus.CounterVec)
				case taskDuration:
					taskDuration = already.ExistingCollector.(*prometheus.HistogramVec)
				case tasksFinished:
					tasksFinished = already.ExistingCollector.(*prometheus.CounterVec)
				case queueDepth:
					queueDepth = already.ExistingCollector.(*prometheus.GaugeVec)
				case tasksRunning:
					tasksRunning = already.ExistingCollector.(*prometheus.GaugeVec)
				case notifyDropped:
					notifyDropped = already.ExistingCollector.(prometheus.Counter)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		submissions:   submissions,
		taskDuration:  taskDuration,
		tasksFinished: tasksFinished,
		queueDepth:    queueDepth,
		tasksRunning:  tasksRunning,
		notifyDropped: notifyDropped,
	}
}

// ObserveSubmission counts one submission outcome.
func (m *Metrics) ObserveSubmission(action string, code int) {
	if m == nil || m.submissions == nil {
		return
	}
	m.submissions.WithLabelValues(action, codeLabel(code)).Inc()
}

// ObserveTaskFinished records a terminal task with its total duration.
func (m *Metrics) ObserveTaskFinished(instanceID, action, status string, duration time.Duration) {
	if m == nil || m.tasksFinished == nil {
		return
	}
	m.tasksFinished.WithLabelValues(instanceID, status).Inc()
	m.taskDuration.WithLabelValues(action, status).Observe(duration.Seconds())
}

// SetQueueDepth reports the pending queue length of an instance.
func (m *Metrics) SetQueueDepth(instanceID string, depth int) {
	if m == nil || m.queueDepth == nil {
		return
	}
	m.queueDepth.WithLabelValues(instanceID).Set(float64(depth))
}

// SetTasksRunning reports the executing task count of an instance.
func (m *Metrics) SetTasksRunning(instanceID string, n int) {
	if m == nil || m.tasksRunning == nil {
		return
	}
	m.tasksRunning.WithLabelValues(instanceID).Set(float64(n))
}

// IncNotifyDropped counts one dropped notification.
func (m *Metrics) IncNotifyDropped() {
	if m == nil || m.notifyDropped == nil {
		return
	}
	m.notifyDropped.Inc()
}

func codeLabel(code int) string {
	switch code {
	case 1:
		return "success"
	case 3:
		return "not_found"
	case 4:
		return "validation"
	case 21:
		return "existed"
	case 22:
		return "in_queue"
	default:
		return "failure"
	}
}
