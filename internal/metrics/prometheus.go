package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	logx "postpilot/pkg/logx"
)

// PrometheusSink implements Sink with client_golang collectors. Registration
// failures are logged and never propagated.
type PrometheusSink struct {
	log logx.Logger

	batchesGenerated *prometheus.CounterVec
	jobsGenerated    *prometheus.CounterVec

	runsTotal     *prometheus.CounterVec
	runsInFlight  *prometheus.GaugeVec
	runDuration   *prometheus.HistogramVec
	jobsTotal     *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	jobsRecovered *prometheus.CounterVec
	authFailures  *prometheus.CounterVec
	storeErrors   *prometheus.CounterVec
	runnable      *prometheus.GaugeVec
}

var _ Sink = (*PrometheusSink)(nil)

func NewPrometheusSink(reg prometheus.Registerer, log logx.Logger) *PrometheusSink {
	s := &PrometheusSink{log: log}

	s.batchesGenerated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "postpilot_batches_generated_total",
		Help: "Batches generated per target.",
	}, []string{"target"})
	s.jobsGenerated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "postpilot_jobs_generated_total",
		Help: "Jobs created by batch generation per target.",
	}, []string{"target"})

	s.runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "postpilot_engine_runs_total",
		Help: "Execute passes per target and outcome.",
	}, []string{"target", "canceled"})
	s.runsInFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "postpilot_engine_runs_in_flight",
		Help: "Execute passes currently running.",
	}, []string{"target"})
	s.runDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "postpilot_engine_run_duration_seconds",
		Help:    "Wall time of an execute pass.",
		Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200},
	}, []string{"target"})
	s.jobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "postpilot_engine_jobs_total",
		Help: "Jobs finished per target and terminal status.",
	}, []string{"target", "status"})
	s.jobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "postpilot_engine_job_duration_seconds",
		Help:    "Driver time spent per job.",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600},
	}, []string{"target"})
	s.jobsRecovered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "postpilot_engine_jobs_recovered_total",
		Help: "Interrupted jobs failed at the start of a pass.",
	}, []string{"target"})
	s.authFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "postpilot_engine_auth_failures_total",
		Help: "Account groups failed because no session could be acquired.",
	}, []string{"target"})
	s.storeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "postpilot_store_errors_total",
		Help: "Batch store failures that aborted a pass.",
	}, []string{"target", "op"})
	s.runnable = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "postpilot_engine_runnable_jobs",
		Help: "Runnable jobs selected by the latest pass.",
	}, []string{"target"})

	for name, c := range map[string]prometheus.Collector{
		"postpilot_batches_generated_total":     s.batchesGenerated,
		"postpilot_jobs_generated_total":        s.jobsGenerated,
		"postpilot_engine_runs_total":           s.runsTotal,
		"postpilot_engine_runs_in_flight":       s.runsInFlight,
		"postpilot_engine_run_duration_seconds": s.runDuration,
		"postpilot_engine_jobs_total":           s.jobsTotal,
		"postpilot_engine_job_duration_seconds": s.jobDuration,
		"postpilot_engine_jobs_recovered_total": s.jobsRecovered,
		"postpilot_engine_auth_failures_total":  s.authFailures,
		"postpilot_store_errors_total":          s.storeErrors,
		"postpilot_engine_runnable_jobs":        s.runnable,
	} {
		s.register(reg, c, name)
	}
	return s
}

func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.log.Warn("metrics: register failed", logx.String("metric", name), logx.Err(err))
	}
}

func (s *PrometheusSink) BatchGenerated(target string, jobs int) {
	s.batchesGenerated.WithLabelValues(target).Inc()
	s.jobsGenerated.WithLabelValues(target).Add(float64(jobs))
}

func (s *PrometheusSink) RunStarted(target string) {
	s.runsInFlight.WithLabelValues(target).Inc()
}

func (s *PrometheusSink) RunFinished(target string, d time.Duration, canceled bool) {
	s.runsInFlight.WithLabelValues(target).Dec()
	s.runsTotal.WithLabelValues(target, strconv.FormatBool(canceled)).Inc()
	s.runDuration.WithLabelValues(target).Observe(d.Seconds())
}

func (s *PrometheusSink) JobFinished(target, status string, d time.Duration) {
	s.jobsTotal.WithLabelValues(target, status).Inc()
	s.jobDuration.WithLabelValues(target).Observe(d.Seconds())
}

func (s *PrometheusSink) JobsRecovered(target string, n int) {
	s.jobsRecovered.WithLabelValues(target).Add(float64(n))
}

func (s *PrometheusSink) AuthFailed(target string) {
	s.authFailures.WithLabelValues(target).Inc()
}

func (s *PrometheusSink) StoreError(target, op string) {
	s.storeErrors.WithLabelValues(target, op).Inc()
}

func (s *PrometheusSink) Runnable(target string, n int) {
	s.runnable.WithLabelValues(target).Set(float64(n))
}
