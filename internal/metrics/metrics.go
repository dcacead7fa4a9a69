package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SwapTransitionsTotal counts executor state transitions
	SwapTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swap_transitions_total",
			Help: "Total number of swap state transitions",
		},
		[]string{"from", "to"},
	)

	// SwapsByState tracks non-terminal swaps per state
	SwapsByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "swap_active_swaps",
			Help: "Number of swaps currently in each non-terminal state",
		},
		[]string{"state"},
	)

	// SwapDuration tracks time from detection to a terminal state
	SwapDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "swap_duration_seconds",
			Help:    "Swap duration from detection to terminal state in seconds",
			Buckets: []float64{10, 30, 60, 300, 900, 1800, 3600, 7200, 14400},
		},
		[]string{"outcome"},
	)

	// AnalyzerDecisionsTotal counts accept and reject decisions
	AnalyzerDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swap_analyzer_decisions_total",
			Help: "Total number of profitability decisions",
		},
		[]string{"decision", "reason"},
	)

	// TransactionsSent counts transactions broadcast per chain and action
	TransactionsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swap_transactions_sent_total",
			Help: "Total number of transactions broadcast",
		},
		[]string{"chain", "action", "status"},
	)

	// SignatureRequestsTotal counts signing service requests
	SignatureRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swap_signature_requests_total",
			Help: "Total number of signing service requests",
		},
		[]string{"scheme", "status"},
	)

	// SignatureRequestDuration tracks signing service latency
	SignatureRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "swap_signature_request_duration_seconds",
			Help:    "Signing service request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"scheme"},
	)

	// SignatureMismatchesTotal counts signatures that failed verification
	SignatureMismatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swap_signature_mismatches_total",
			Help: "Total number of signatures rejected before broadcast",
		},
		[]string{"chain"},
	)

	// EventsDetected counts monitor events emitted per chain
	EventsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swap_events_detected_total",
			Help: "Total number of ledger events emitted by the monitor",
		},
		[]string{"chain", "kind"},
	)

	// LastScannedBlock tracks the monitor cursor per chain
	LastScannedBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "swap_last_scanned_block",
			Help: "Last confirmed block scanned by the monitor",
		},
		[]string{"chain"},
	)

	// WatcherDegraded is 1 while a chain watcher is degraded
	WatcherDegraded = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "swap_watcher_degraded",
			Help: "Whether the chain watcher is degraded",
		},
		[]string{"chain"},
	)

	// RPCDuration tracks ledger RPC latency
	RPCDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "swap_rpc_duration_seconds",
			Help:    "Ledger RPC duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"chain", "op"},
	)

	// RPCErrorsTotal counts failed ledger RPC attempts
	RPCErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swap_rpc_errors_total",
			Help: "Total number of failed ledger RPC attempts",
		},
		[]string{"chain", "op"},
	)

	// AlertsTotal counts conditions that need operator attention
	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swap_alerts_total",
			Help: "Total number of operator alerts raised",
		},
		[]string{"kind"},
	)

	// ErrorsTotal counts errors by component
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swap_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)

	// OrdersSubmitted counts orders received through intake
	OrdersSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swap_orders_submitted_total",
			Help: "Total number of orders submitted through intake",
		},
		[]string{"source_chain", "result"},
	)
)
