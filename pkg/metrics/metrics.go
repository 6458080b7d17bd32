// Package metrics instruments the deployment pipeline with Prometheus
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Run outcomes
const (
	RunSucceeded = "succeeded"
	RunPartial   = "partial"
	RunAborted   = "aborted"
)

// Pipeline holds the pipeline collectors. A nil *Pipeline is valid and
// records nothing.
type Pipeline struct {
	runs          *prometheus.CounterVec
	tasks         *prometheus.CounterVec
	stageFailures *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	scheduleTasks prometheus.Gauge
}

// New registers the pipeline collectors on reg
func New(reg prometheus.Registerer) *Pipeline {
	factory := promauto.With(reg)
	return &Pipeline{
		runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rtdeploy_runs_total",
				Help: "Pipeline runs by outcome",
			},
			[]string{"outcome"},
		),
		tasks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rtdeploy_tasks_total",
				Help: "Task deployments by outcome (deployed, failed, skipped)",
			},
			[]string{"outcome"},
		),
		stageFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rtdeploy_task_stage_failures_total",
				Help: "Per-task failures by pipeline stage",
			},
			[]string{"stage"},
		),
		// 50ms to ~27min; image builds dominate the upper range
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rtdeploy_stage_duration_seconds",
				Help:    "Duration of pipeline stages in seconds",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 16),
			},
			[]string{"stage"},
		),
		scheduleTasks: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "rtdeploy_schedule_tasks",
				Help: "Number of tasks in the last parsed schedule",
			},
		),
	}
}

// ObserveStage records how long a stage took
func (p *Pipeline) ObserveStage(stage string, d time.Duration) {
	if p == nil {
		return
	}
	p.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// StageFailed counts a task failing at stage
func (p *Pipeline) StageFailed(stage string) {
	if p == nil {
		return
	}
	p.stageFailures.WithLabelValues(stage).Inc()
}

// TaskOutcome counts a finished task deployment
func (p *Pipeline) TaskOutcome(outcome string) {
	if p == nil {
		return
	}
	p.tasks.WithLabelValues(outcome).Inc()
}

// RunOutcome counts a finished pipeline run
func (p *Pipeline) RunOutcome(outcome string) {
	if p == nil {
		return
	}
	p.runs.WithLabelValues(outcome).Inc()
}

// SetScheduleTasks records the size of the current schedule
func (p *Pipeline) SetScheduleTasks(n int) {
	if p == nil {
		return
	}
	p.scheduleTasks.Set(float64(n))
}

// Handler serves the collectors of g in the Prometheus exposition format
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
