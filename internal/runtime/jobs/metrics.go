package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports job counters and durations to Prometheus.
type Metrics struct {
	started   *prometheus.CounterVec
	completed *prometheus.CounterVec
	failed    *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// NewMetrics registers the job collectors on registerer (the Prometheus default when nil).
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reelflow", Subsystem: "jobs", Name: "started_total",
			Help: "Jobs picked up by a worker",
		}, []string{"event"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reelflow", Subsystem: "jobs", Name: "completed_total",
			Help: "Jobs that finished without error",
		}, []string{"event"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reelflow", Subsystem: "jobs", Name: "failed_total",
			Help: "Jobs that returned an error or panicked",
		}, []string{"event"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "reelflow", Subsystem: "jobs", Name: "duration_seconds",
			Help:    "Job execution time",
			Buckets: prometheus.DefBuckets,
		}, []string{"event"}),
	}

	for _, c := range []prometheus.Collector{m.started, m.completed, m.failed, m.duration} {
		if err := registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return nil, err
			}
		}
	}
	return m, nil
}

// Hooks returns hooks that feed the collectors.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnJobStart: func(ctx JobContext) {
			m.started.WithLabelValues(ctx.EventName).Inc()
		},
		OnJobDone: func(ctx JobContext) {
			m.completed.WithLabelValues(ctx.EventName).Inc()
			m.duration.WithLabelValues(ctx.EventName).Observe(ctx.Duration.Seconds())
		},
		OnJobError: func(ctx JobContext, _ error) {
			m.failed.WithLabelValues(ctx.EventName).Inc()
			m.duration.WithLabelValues(ctx.EventName).Observe(ctx.Duration.Seconds())
		},
	}
}

// RegisterQueueGauge exports the runner's queue depth and in-flight count.
func RegisterQueueGauge(registerer prometheus.Registerer, r *Runner) error {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	depth := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "reelflow", Subsystem: "jobs", Name: "queue_depth",
		Help: "Jobs waiting for a worker",
	}, func() float64 { return float64(r.QueueDepth()) })
	inFlight := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "reelflow", Subsystem: "jobs", Name: "in_flight",
		Help: "Jobs currently running",
	}, func() float64 { return float64(r.inFlight.Load()) })

	for _, c := range []prometheus.Collector{depth, inFlight} {
		if err := registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
