package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the topology service
type Metrics struct {
	// Ring metrics
	RingVersion       prometheus.Gauge
	TokensOwned       prometheus.Gauge
	NormalTokenOwners prometheus.Gauge
	LeavingEndpoints  prometheus.Gauge
	PendingRanges     *prometheus.GaugeVec

	// Gossip state handler metrics
	StateChangesTotal     *prometheus.CounterVec
	StateChangeDuration   prometheus.Histogram
	EndpointsRemovedTotal prometheus.Counter

	// Node operation metrics
	NodeOpsInFlight      prometheus.Gauge
	NodeOpsTotal         *prometheus.CounterVec
	NodeOpsDuration      *prometheus.HistogramVec
	NodeOpsAbortedTotal  prometheus.Counter
	WatchdogExpiredTotal prometheus.Counter

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Operation mode, exported as the enum ordinal
	OperationMode prometheus.Gauge
}

// NewMetrics creates all metrics and registers them with the given
// registerer.
func NewMetrics(reg prometheus.Registerer, nodeID string) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	return &Metrics{
		RingVersion: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "helicon",
			Subsystem:   "ring",
			Name:        "version",
			Help:        "Current token metadata ring version",
			ConstLabels: labels,
		}),
		TokensOwned: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "helicon",
			Subsystem:   "ring",
			Name:        "tokens_owned",
			Help:        "Number of tokens owned by the local node",
			ConstLabels: labels,
		}),
		NormalTokenOwners: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "helicon",
			Subsystem:   "ring",
			Name:        "normal_token_owners",
			Help:        "Number of nodes owning tokens in the NORMAL state",
			ConstLabels: labels,
		}),
		LeavingEndpoints: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "helicon",
			Subsystem:   "ring",
			Name:        "leaving_endpoints",
			Help:        "Number of nodes currently leaving the ring",
			ConstLabels: labels,
		}),
		PendingRanges: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "helicon",
			Subsystem:   "ring",
			Name:        "pending_ranges",
			Help:        "Number of pending ranges per keyspace",
			ConstLabels: labels,
		}, []string{"keyspace"}),
		StateChangesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "helicon",
			Subsystem:   "gossip",
			Name:        "state_changes_total",
			Help:        "Total number of handled endpoint state changes",
			ConstLabels: labels,
		}, []string{"status"}),
		StateChangeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "helicon",
			Subsystem:   "gossip",
			Name:        "state_change_duration_seconds",
			Help:        "Histogram of endpoint state change handling durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		EndpointsRemovedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "helicon",
			Subsystem:   "gossip",
			Name:        "endpoints_removed_total",
			Help:        "Total number of endpoints removed from the ring",
			ConstLabels: labels,
		}),
		NodeOpsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "helicon",
			Subsystem:   "nodeops",
			Name:        "in_flight",
			Help:        "Number of node operations currently tracked locally",
			ConstLabels: labels,
		}),
		NodeOpsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "helicon",
			Subsystem:   "nodeops",
			Name:        "commands_total",
			Help:        "Total number of node operation commands handled",
			ConstLabels: labels,
		}, []string{"cmd", "result"}),
		NodeOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "helicon",
			Subsystem:   "nodeops",
			Name:        "command_duration_seconds",
			Help:        "Histogram of node operation command durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"cmd"}),
		NodeOpsAbortedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "helicon",
			Subsystem:   "nodeops",
			Name:        "aborted_total",
			Help:        "Total number of aborted node operations",
			ConstLabels: labels,
		}),
		WatchdogExpiredTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "helicon",
			Subsystem:   "nodeops",
			Name:        "watchdog_expired_total",
			Help:        "Total number of node operations aborted by the watchdog",
			ConstLabels: labels,
		}),
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "helicon",
			Subsystem:   "http",
			Name:        "requests_total",
			Help:        "Total number of HTTP requests",
			ConstLabels: labels,
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "helicon",
			Subsystem:   "http",
			Name:        "request_duration_seconds",
			Help:        "Histogram of HTTP request durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"method", "path"}),
		OperationMode: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "helicon",
			Subsystem:   "node",
			Name:        "operation_mode",
			Help:        "Current operation mode as an enum ordinal",
			ConstLabels: labels,
		}),
	}
}

// NewNopMetrics returns metrics backed by a throwaway registry, for
// tests.
func NewNopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry(), "test")
}
