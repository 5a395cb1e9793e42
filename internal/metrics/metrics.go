package metrics

import (
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// API
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Count of HTTP requests."},
		[]string{"handler", "method", "code"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms..~10s
		},
		[]string{"handler", "method"},
	)
	APIEnqueue = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "api_enqueue_total", Help: "Enqueue results."},
		[]string{"result"}, // accepted | duplicate | invalid | error
	)

	// Dispatch
	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_messages_total", Help: "Messages taken off the pending queue."},
		[]string{"outcome"}, // attempted | expired | undecryptable | send_error
	)
	DispatchRetryTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "dispatch_retry_total", Help: "Drain retries after infrastructure faults."},
	)
	RecipientOutcome = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "recipient_transitions_total", Help: "Applied recipient state transitions."},
		[]string{"state"},
	)
	ProviderSendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "provider_send_duration_seconds",
			Help:    "Provider send latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms..~40s
		},
	)

	// Webhooks
	WebhookDelivery = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_delivery_total", Help: "Webhook delivery outcomes."},
		[]string{"outcome"}, // completed | failed | permanently_failed
	)
	WebhookDeliveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "webhook_delivery_duration_seconds",
			Help:    "Webhook POST latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)
	WebhookClaimBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "webhook_claim_batch_size",
			Help:    "Entries returned per claim.",
			Buckets: prometheus.LinearBuckets(0, 10, 11), // 0,10,...,100
		},
	)
	WebhookMaintenance = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_queue_maintenance_total", Help: "Rows touched by queue maintenance."},
		[]string{"op"}, // recovered | cleaned
	)
	WebhookEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_enqueued_total", Help: "Webhook entries enqueued by event."},
		[]string{"event"},
	)
)

var registerOnce sync.Once

// MustRegister registers the default and gateway collectors once per process.
func MustRegister() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			prometheus.NewGoCollector(),
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
			HTTPRequests, HTTPDuration, APIEnqueue,
			DispatchTotal, DispatchRetryTotal, RecipientOutcome, ProviderSendDuration,
			WebhookDelivery, WebhookDeliveryDuration, WebhookClaimBatchSize, WebhookMaintenance, WebhookEnqueued,
		)
	})
}

// PGXPoolStats exports pgxpool statistics.
type PGXPoolStats struct {
	pool *pgxpool.Pool

	conns          prometheus.Gauge
	idle           prometheus.Gauge
	acquireCount   prometheus.Gauge
	acquireLatency prometheus.Gauge
}

func NewPGXPoolStats(pool *pgxpool.Pool, reg prometheus.Registerer) *PGXPoolStats {
	m := &PGXPoolStats{
		pool: pool,
		conns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_conns", Help: "Total connections in pool.",
		}),
		idle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_idle_conns", Help: "Idle connections in pool.",
		}),
		acquireCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_acquires", Help: "Cumulative pool acquires.",
		}),
		acquireLatency: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_acquire_seconds", Help: "Cumulative acquire latency.",
		}),
	}
	reg.MustRegister(m.conns, m.idle, m.acquireCount, m.acquireLatency)
	return m
}

func (m *PGXPoolStats) collect() {
	s := m.pool.Stat()
	m.conns.Set(float64(s.TotalConns()))
	m.idle.Set(float64(s.IdleConns()))
	m.acquireCount.Set(float64(s.AcquireCount()))
	m.acquireLatency.Set(s.AcquireDuration().Seconds())
}

func (m *PGXPoolStats) Start(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			m.collect()
		}
	}
}
