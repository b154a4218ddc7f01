package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Traffic: обработанные задачи по типу и исходу (done, retry, failed, quarantined, review, paused)
	TasksProcessed *prometheus.CounterVec

	// Latency: время работы обработчика
	HandlerDuration *prometheus.HistogramVec

	// Approvals: исходы запросов на одобрение (executed, failed, rejected, expired)
	ApprovalsResolved *prometheus.CounterVec

	// Errors: повторы по компонентам и рестарты циклов
	RecoveryRetries *prometheus.CounterVec
	LoopRestarts    *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker (0 - ок, 1 - выбило)
	CircuitBreakerState *prometheus.GaugeVec

	// Audit: заполненность буфера (backpressure)
	AuditBufferFill prometheus.Gauge

	ClaimsReclaimed prometheus.Counter
	SyncCycles      *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		TasksProcessed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentvault_tasks_processed_total",
			Help: "Total number of processed tasks by type and outcome.",
		}, []string{"type", "outcome"}),

		HandlerDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentvault_handler_duration_seconds",
			Help:    "Histogram of handler latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"type"}),

		ApprovalsResolved: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentvault_approvals_resolved_total",
			Help: "Total number of resolved approval requests by outcome.",
		}, []string{"outcome"}),

		RecoveryRetries: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentvault_recovery_retries_total",
			Help: "Total number of retries by component.",
		}, []string{"component"}),

		LoopRestarts: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentvault_loop_restarts_total",
			Help: "Total number of supervised loop restarts.",
		}, []string{"loop"}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentvault_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=open).",
		}, []string{"executor"}),

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "agentvault_audit_buffer_utilization",
			Help: "Current number of records in audit buffer.",
		}),

		ClaimsReclaimed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "agentvault_claims_reclaimed_total",
			Help: "Total number of stale claims returned to the backlog.",
		}),

		SyncCycles: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "agentvault_sync_cycles_total",
			Help: "Total number of replication cycles by result.",
		}, []string{"result"}),
	}
}
