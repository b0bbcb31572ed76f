// Package metrics exports run counters in Prometheus text format, suitable for
// the node_exporter textfile collector.
package metrics

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ppiankov/storyforge/internal/engine"
)

const namespace = "storyforge"

// Metrics holds the collectors for one process on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	stories          *prometheus.CounterVec
	attempts         *prometheus.CounterVec
	attemptDuration  *prometheus.HistogramVec
	storyDuration    *prometheus.HistogramVec
	runs             *prometheus.CounterVec
	pending          prometheus.Gauge
	lastRunTimestamp prometheus.Gauge
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		stories: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stories_total",
			Help:      "Stories finished by outcome",
		}, []string{"outcome"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Attempts by agent outcome and verification result",
		}, []string{"change", "result"}),
		attemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempt_duration_seconds",
			Help:      "Wall time of one propose and verify attempt",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		}, []string{"result"}),
		storyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "story_duration_seconds",
			Help:      "Wall time from story start to terminal state",
			Buckets:   []float64{30, 60, 300, 600, 1200, 1800, 3600, 7200},
		}, []string{"outcome"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Backlog passes by result",
		}, []string{"result"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stories_pending",
			Help:      "Stories not yet passing at the end of the last run",
		}),
		lastRunTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished",
		}),
	}
	m.Registry.MustRegister(m.stories, m.attempts, m.attemptDuration, m.storyDuration,
		m.runs, m.pending, m.lastRunTimestamp)
	return m
}

// Observer returns an engine observer feeding these metrics.
func (m *Metrics) Observer() engine.Observer { return &recorder{m: m} }

// WriteTextfile writes the registry to path atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.Registry); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}

type recorder struct {
	engine.NopObserver
	m *Metrics
}

func (r *recorder) AttemptFinished(_ engine.RunContext, a engine.Attempt) {
	result := attemptResult(a)
	r.m.attempts.WithLabelValues(string(a.Change.Outcome), result).Inc()
	r.m.attemptDuration.WithLabelValues(result).Observe(a.Duration.Seconds())
}

func (r *recorder) StoryFinished(_ engine.RunContext, res engine.StoryResult) {
	r.m.stories.WithLabelValues(string(res.Outcome)).Inc()
	r.m.storyDuration.WithLabelValues(string(res.Outcome)).Observe(res.Duration().Seconds())
}

func (r *recorder) RunFinished(s *engine.Summary) {
	result := "completed"
	switch {
	case s.Count(engine.OutcomeAborted) > 0 || (s.Halted && s.Count(engine.OutcomeRejected) == 0):
		result = "aborted"
	case s.Count(engine.OutcomeRejected) > 0:
		result = "rejected"
	}
	r.m.runs.WithLabelValues(result).Inc()
	r.m.pending.Set(float64(len(s.Remaining)))
	r.m.lastRunTimestamp.Set(float64(s.EndedAt.Unix()))
	slog.Debug("metrics updated", "run", s.RunID, "result", result)
}

func attemptResult(a engine.Attempt) string {
	switch {
	case a.Change.Outcome == engine.ChangeFailed:
		return "agent_failed"
	case a.Verification == nil:
		return "unavailable"
	case a.Verification.Passed:
		return "passed"
	default:
		return "failed"
	}
}
