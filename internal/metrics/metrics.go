package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relayer's Prometheus collectors. A nil *Metrics is a no-op.
type Metrics struct {
	cycles          prometheus.Counter
	eventsFetched   prometheus.Counter
	outcomes        *prometheus.CounterVec
	fetchErrors     prometheus.Counter
	submitErrors    prometheus.Counter
	persistErrors   prometheus.Counter
	connectAttempts *prometheus.CounterVec
	abandoned       prometheus.Counter
	checkpoint      prometheus.Gauge
	pending         prometheus.Gauge
}

var (
	once    sync.Once
	metrics *Metrics
)

// Init initializes global metrics (idempotent).
func Init() *Metrics {
	once.Do(func() {
		metrics = &Metrics{
			cycles: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "lock_relayer_cycles_total",
				Help: "Total number of listener poll cycles",
			}),
			eventsFetched: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "lock_relayer_events_fetched_total",
				Help: "Total number of TokensLocked events fetched",
			}),
			outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lock_relayer_event_outcomes_total",
				Help: "Processed events by outcome",
			}, []string{"outcome"}),
			fetchErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "lock_relayer_fetch_errors_total",
				Help: "Total number of failed event fetches",
			}),
			submitErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "lock_relayer_submission_errors_total",
				Help: "Total number of failed downstream submissions",
			}),
			persistErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "lock_relayer_persist_errors_total",
				Help: "Total number of ledger read or write failures",
			}),
			connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lock_relayer_connect_attempts_total",
				Help: "Source RPC connection attempts by result",
			}, []string{"result"}),
			abandoned: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "lock_relayer_retries_abandoned_total",
				Help: "Events given up on after exhausting retries",
			}),
			checkpoint: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "lock_relayer_checkpoint_height",
				Help: "Last source block scanned",
			}),
			pending: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "lock_relayer_retry_queue_depth",
				Help: "Events waiting in the retry queue",
			}),
		}
		prometheus.MustRegister(
			metrics.cycles,
			metrics.eventsFetched,
			metrics.outcomes,
			metrics.fetchErrors,
			metrics.submitErrors,
			metrics.persistErrors,
			metrics.connectAttempts,
			metrics.abandoned,
			metrics.checkpoint,
			metrics.pending,
		)
	})
	return metrics
}

// Cycle increments the poll cycle counter.
func (m *Metrics) Cycle() {
	if m != nil {
		m.cycles.Inc()
	}
}

// EventsFetched adds n fetched events.
func (m *Metrics) EventsFetched(n int) {
	if m != nil && n > 0 {
		m.eventsFetched.Add(float64(n))
	}
}

// Outcome counts one processed event under its outcome label.
func (m *Metrics) Outcome(outcome string) {
	if m != nil {
		m.outcomes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) FetchError() {
	if m != nil {
		m.fetchErrors.Inc()
	}
}

func (m *Metrics) SubmissionError() {
	if m != nil {
		m.submitErrors.Inc()
	}
}

func (m *Metrics) PersistError() {
	if m != nil {
		m.persistErrors.Inc()
	}
}

// ConnectAttempt counts a dial attempt; ok reports whether it succeeded.
func (m *Metrics) ConnectAttempt(ok bool) {
	if m == nil {
		return
	}
	result := "fail"
	if ok {
		result = "ok"
	}
	m.connectAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) Abandoned() {
	if m != nil {
		m.abandoned.Inc()
	}
}

// Checkpoint records the last scanned height.
func (m *Metrics) Checkpoint(height uint64) {
	if m != nil {
		m.checkpoint.Set(float64(height))
	}
}

// Pending records the retry queue depth.
func (m *Metrics) Pending(n int) {
	if m != nil {
		m.pending.Set(float64(n))
	}
}

// Handler returns an HTTP handler for /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
