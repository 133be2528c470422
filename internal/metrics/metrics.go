// Package metrics records suite results as Prometheus metrics on a private
// registry, optionally written out as a node-exporter textfile.
package metrics

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/ship-commander/webharness/internal/suite"
)

const namespace = "webharness"

// Recorder implements suite.Observer.
type Recorder struct {
	registry *prometheus.Registry

	runsTotal     *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	suitePassed   *prometheus.GaugeVec
	suiteDuration *prometheus.GaugeVec
	violations    prometheus.Counter
}

var _ suite.Observer = (*Recorder)(nil)

// New registers the harness metrics on a fresh registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Resolved test runs by test, status and failure kind.",
		}, []string{"test_id", "status", "kind"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Time from dispatch to resolution of one test run.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"test_id", "status"}),
		suitePassed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "suite_passed",
			Help:      "1 when every test in the last suite run succeeded, else 0.",
		}, []string{"run_id"}),
		suiteDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "suite_duration_seconds",
			Help:      "Wall time of the last suite run.",
		}, []string{"run_id"}),
		violations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_violations_total",
			Help:      "Second outcomes written for a single run.",
		}),
	}
	r.registry.MustRegister(r.runsTotal, r.runDuration, r.suitePassed, r.suiteDuration, r.violations)
	return r
}

// Registry exposes the private registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObserveRun implements suite.Observer.
func (r *Recorder) ObserveRun(result suite.Result) {
	status := string(result.Outcome.Status)
	kind := string(result.Outcome.Kind)
	if kind == "" {
		kind = "none"
	}
	r.runsTotal.WithLabelValues(result.ID, status, kind).Inc()
	r.runDuration.WithLabelValues(result.ID, status).Observe(result.Outcome.Elapsed.Seconds())
}

// ObserveSuite implements suite.Observer.
func (r *Recorder) ObserveSuite(report suite.Report) {
	passed := 0.0
	if report.Passed() {
		passed = 1
	}
	r.suitePassed.WithLabelValues(report.RunID).Set(passed)
	r.suiteDuration.WithLabelValues(report.RunID).Set(report.Duration().Seconds())
	r.violations.Add(float64(report.Violations))
}

// WriteTextfile writes the registry in the text exposition format to path.
func (r *Recorder) WriteTextfile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile %q: %w", path, err)
	}
	return nil
}
