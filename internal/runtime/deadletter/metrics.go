package deadletter

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks dead-letter forwarding per topic.
type Metrics struct {
	mu sync.RWMutex

	topicCounts map[string]*TopicMetrics

	messagesTotal   *prometheus.CounterVec
	droppedTotal    *prometheus.CounterVec
	failuresTotal   *prometheus.CounterVec
	attemptsHist    *prometheus.HistogramVec
	lastForwardedAt *prometheus.GaugeVec

	registerer prometheus.Registerer
	registered bool
}

// TopicMetrics holds the counters of one dead-letter topic.
type TopicMetrics struct {
	MessagesForwarded uint64    `json:"messages_forwarded"`
	MessagesDropped   uint64    `json:"messages_dropped"`
	PublishFailures   uint64    `json:"publish_failures"`
	OldestMessageAt   time.Time `json:"oldest_message_at,omitempty"`
	NewestMessageAt   time.Time `json:"newest_message_at,omitempty"`
	AvgAttempts       float64   `json:"avg_attempts"`
	LastUpdatedAt     time.Time `json:"last_updated_at"`
}

// Snapshot provides a point-in-time view of the forwarding metrics.
type Snapshot struct {
	TotalForwarded uint64                   `json:"total_forwarded"`
	TotalDropped   uint64                   `json:"total_dropped"`
	TotalFailures  uint64                   `json:"total_publish_failures"`
	Topics         map[string]*TopicMetrics `json:"topics"`
	CollectedAt    time.Time                `json:"collected_at"`
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reelflow",
			Subsystem: "dlq",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewMetrics creates a collector. A nil registerer uses the Prometheus default.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		topicCounts:   make(map[string]*TopicMetrics),
		registerer:    registerer,
		messagesTotal: newCounterVec("messages_total", "Total number of messages forwarded to the dead-letter topic", []string{"topic", "event"}),
		droppedTotal:  newCounterVec("dropped_total", "Exhausted messages dropped because dead-lettering is disabled", []string{"topic"}),
		failuresTotal: newCounterVec("publish_failures_total", "Dead-letter publishes rejected by the broker", []string{"topic"}),
		attemptsHist: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "reelflow",
			Subsystem: "dlq",
			Name:      "attempts",
			Help:      "Processing attempts made before a message was dead-lettered",
			Buckets:   []float64{1, 2, 3, 5, 10, 20},
		}, []string{"topic"}),
		lastForwardedAt: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "reelflow",
			Subsystem: "dlq",
			Name:      "last_forwarded_timestamp_seconds",
			Help:      "Unix time of the last dead-lettered message",
		}, []string{"topic"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.messagesTotal,
		m.droppedTotal,
		m.failuresTotal,
		m.attemptsHist,
		m.lastForwardedAt,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// RecordForwarded records a message published to the dead-letter topic.
func (m *Metrics) RecordForwarded(topic, eventName string, attempts int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	metrics := m.topicMetrics(topic)
	metrics.MessagesForwarded++
	metrics.LastUpdatedAt = now
	if metrics.OldestMessageAt.IsZero() {
		metrics.OldestMessageAt = now
	}
	metrics.NewestMessageAt = now

	total := metrics.MessagesForwarded
	metrics.AvgAttempts = ((metrics.AvgAttempts * float64(total-1)) + float64(attempts)) / float64(total)

	m.messagesTotal.WithLabelValues(topic, eventName).Inc()
	m.attemptsHist.WithLabelValues(topic).Observe(float64(attempts))
	m.lastForwardedAt.WithLabelValues(topic).Set(float64(now.Unix()))
}

// RecordDropped records an exhausted message discarded while dead-lettering is disabled.
func (m *Metrics) RecordDropped(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.topicMetrics(topic)
	metrics.MessagesDropped++
	metrics.LastUpdatedAt = time.Now()
	m.droppedTotal.WithLabelValues(topic).Inc()
}

// RecordPublishFailure records a dead-letter publish the broker rejected.
func (m *Metrics) RecordPublishFailure(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.topicMetrics(topic)
	metrics.PublishFailures++
	metrics.LastUpdatedAt = time.Now()
	m.failuresTotal.WithLabelValues(topic).Inc()
}

// Snapshot returns a copy of all topic metrics.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := Snapshot{
		Topics:      make(map[string]*TopicMetrics, len(m.topicCounts)),
		CollectedAt: time.Now(),
	}
	for topic, metrics := range m.topicCounts {
		copied := *metrics
		snapshot.Topics[topic] = &copied
		snapshot.TotalForwarded += metrics.MessagesForwarded
		snapshot.TotalDropped += metrics.MessagesDropped
		snapshot.TotalFailures += metrics.PublishFailures
	}
	return snapshot
}

// Topic returns a copy of one topic's metrics, or nil when nothing was recorded.
func (m *Metrics) Topic(topic string) *TopicMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if metrics, ok := m.topicCounts[topic]; ok {
		copied := *metrics
		return &copied
	}
	return nil
}

func (m *Metrics) topicMetrics(topic string) *TopicMetrics {
	if metrics, ok := m.topicCounts[topic]; ok {
		return metrics
	}
	metrics := &TopicMetrics{}
	m.topicCounts[topic] = metrics
	return metrics
}

// Reset clears all metrics.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.topicCounts = make(map[string]*TopicMetrics)
	m.messagesTotal.Reset()
	m.droppedTotal.Reset()
	m.failuresTotal.Reset()
	m.attemptsHist.Reset()
	m.lastForwardedAt.Reset()
}
