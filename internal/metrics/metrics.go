// Package metrics exposes exchange counters and timings to Prometheus
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "exchange"

// Recorder holds the exchange metrics on a private registry
type Recorder struct {
	registry *prometheus.Registry

	OrdersPlaced       *prometheus.CounterVec
	OrdersCancelled    prometheus.Counter
	TradesExecuted     prometheus.Counter
	SettlementFailures prometheus.Counter
	HaltedPairs        *prometheus.GaugeVec
	MatchingPass       prometheus.Histogram
	HTTPRequests       *prometheus.CounterVec
	HTTPDuration       prometheus.Histogram
}

// New creates and registers all metrics
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		OrdersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_placed_total",
			Help:      "Orders accepted, by side",
		}, []string{"side"}),
		OrdersCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_cancelled_total",
			Help:      "Orders cancelled by their owner",
		}),
		TradesExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_executed_total",
			Help:      "Trades settled",
		}),
		SettlementFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_failures_total",
			Help:      "Settlement transactions rolled back",
		}),
		HaltedPairs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pair_consecutive_settlement_failures",
			Help:      "Matching passes in a row that ended on a failed settlement, by pair",
		}, []string{"pair"}),
		MatchingPass: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "matching_pass_duration_seconds",
			Help:      "Duration of one matching pass over a pair",
			Buckets:   prometheus.DefBuckets,
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests, by method and status",
		}, []string{"method", "status"}),
		HTTPDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.OrdersPlaced,
		r.OrdersCancelled,
		r.TradesExecuted,
		r.SettlementFailures,
		r.HaltedPairs,
		r.MatchingPass,
		r.HTTPRequests,
		r.HTTPDuration,
	)
	return r
}

// Handler serves the registry in the Prometheus text format
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// OrderPlaced counts an accepted order
func (r *Recorder) OrderPlaced(side string) {
	r.OrdersPlaced.WithLabelValues(side).Inc()
}

// OrderCancelled counts a cancellation
func (r *Recorder) OrderCancelled() {
	r.OrdersCancelled.Inc()
}

// TradeExecuted counts a settled trade
func (r *Recorder) TradeExecuted() {
	r.TradesExecuted.Inc()
}

// SettlementFailed counts a rolled back settlement
func (r *Recorder) SettlementFailed() {
	r.SettlementFailures.Inc()
}

// PairHalted records that matching on pair has stopped at a failed
// settlement for the given number of passes in a row
func (r *Recorder) PairHalted(pair string, passes int) {
	r.HaltedPairs.WithLabelValues(pair).Set(float64(passes))
}

// PairRecovered clears the halted state of pair
func (r *Recorder) PairRecovered(pair string) {
	r.HaltedPairs.DeleteLabelValues(pair)
}

// ObserveMatchingPass records how long a matching pass took
func (r *Recorder) ObserveMatchingPass(d time.Duration) {
	r.MatchingPass.Observe(d.Seconds())
}

// ObserveHTTP records one served request
func (r *Recorder) ObserveHTTP(method string, status int, d time.Duration) {
	r.HTTPRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	r.HTTPDuration.Observe(d.Seconds())
}
