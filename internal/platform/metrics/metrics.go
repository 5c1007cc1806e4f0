// Package metrics holds the Prometheus collectors of the releaser.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/animus-labs/dbschedule/internal/domain"
)

const namespace = "dbschedule"

type Metrics struct {
	registry *prometheus.Registry

	runs            *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	deployConflicts prometheus.Counter
	trafficPercent  *prometheus.GaugeVec
	releaseOutcomes *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Pipeline runs by terminal status.",
		}, []string{"status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_duration_seconds",
			Help:      "Stage execution time by kind and terminal status.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"kind", "status"}),
		deployConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_deploy_conflicts_total",
			Help:      "Deploys rejected because another run held the environment.",
		}),
		trafficPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "release_traffic_percent",
			Help:      "Percentage of alias traffic routed to the release target version.",
		}, []string{"function", "alias"}),
		releaseOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "release_outcomes_total",
			Help:      "Releases by terminal phase.",
		}, []string{"phase"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.runs,
		m.stageDuration,
		m.deployConflicts,
		m.trafficPercent,
		m.releaseOutcomes,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveRun(status domain.RunStatus) {
	if m == nil || !status.Terminal() {
		return
	}
	m.runs.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) ObserveStage(stage domain.StageExecution) {
	if m == nil || !stage.Status.Terminal() {
		return
	}
	m.stageDuration.WithLabelValues(string(stage.Kind), string(stage.Status)).Observe(stage.Duration().Seconds())
}

func (m *Metrics) DeployConflict() {
	if m == nil {
		return
	}
	m.deployConflicts.Inc()
}

func (m *Metrics) ObserveRelease(state domain.ReleaseState) {
	if m == nil {
		return
	}
	m.trafficPercent.WithLabelValues(state.Alias.FunctionName, state.Alias.Name).Set(float64(state.TrafficPercentToTarget))
	if state.Phase.Terminal() && state.FinishedAt != nil {
		m.releaseOutcomes.WithLabelValues(string(state.Phase)).Inc()
	}
}

